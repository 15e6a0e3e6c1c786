package entstore

import (
	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
)

const (
	tableLocalEntries = "local_entries"
	tableUserCarts    = "user_carts"
	tableAccounts     = "accounts"
	tableTokens       = "access_tokens"
	tableProducts     = "products"
	tableOrders       = "orders"
)

// JSON documents are kept as text so both dialects round-trip them byte for byte.
var textType = map[string]string{
	dialect.Postgres: "text",
	dialect.SQLite:   "text",
}

var (
	localEntriesColumns = []*schema.Column{
		{Name: "entry_key", Type: field.TypeString, Size: 255},
		{Name: "entry_value", Type: field.TypeString, SchemaType: textType},
		{Name: "updated_at", Type: field.TypeInt64},
	}
	localEntriesTable = &schema.Table{
		Name:       tableLocalEntries,
		Columns:    localEntriesColumns,
		PrimaryKey: []*schema.Column{localEntriesColumns[0]},
	}

	userCartsColumns = []*schema.Column{
		{Name: "user_id", Type: field.TypeString, Size: 64},
		{Name: "items", Type: field.TypeString, SchemaType: textType},
		{Name: "version", Type: field.TypeInt64},
		{Name: "updated_at", Type: field.TypeInt64},
	}
	userCartsTable = &schema.Table{
		Name:       tableUserCarts,
		Columns:    userCartsColumns,
		PrimaryKey: []*schema.Column{userCartsColumns[0]},
	}

	accountsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeString, Size: 64},
		{Name: "email", Type: field.TypeString, Size: 255, Unique: true},
		{Name: "name", Type: field.TypeString, Size: 255},
		{Name: "role", Type: field.TypeString, Size: 32},
		{Name: "password_hash", Type: field.TypeString, Size: 255},
		{Name: "created_at", Type: field.TypeInt64},
	}
	accountsTable = &schema.Table{
		Name:       tableAccounts,
		Columns:    accountsColumns,
		PrimaryKey: []*schema.Column{accountsColumns[0]},
	}

	tokensColumns = []*schema.Column{
		{Name: "token", Type: field.TypeString, Size: 64},
		{Name: "user_id", Type: field.TypeString, Size: 64},
		{Name: "expires_at", Type: field.TypeInt64},
	}
	tokensTable = &schema.Table{
		Name:       tableTokens,
		Columns:    tokensColumns,
		PrimaryKey: []*schema.Column{tokensColumns[0]},
		Indexes: []*schema.Index{
			{Name: "access_tokens_user_id", Columns: []*schema.Column{tokensColumns[1]}},
		},
	}

	productsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeString, Size: 64},
		{Name: "category", Type: field.TypeString, Size: 128, Default: ""},
		{Name: "document", Type: field.TypeString, SchemaType: textType},
		{Name: "updated_at", Type: field.TypeInt64},
	}
	productsTable = &schema.Table{
		Name:       tableProducts,
		Columns:    productsColumns,
		PrimaryKey: []*schema.Column{productsColumns[0]},
	}

	ordersColumns = []*schema.Column{
		{Name: "id", Type: field.TypeString, Size: 64},
		{Name: "user_id", Type: field.TypeString, Size: 64},
		{Name: "email", Type: field.TypeString, Size: 255},
		{Name: "delivery_address", Type: field.TypeString, SchemaType: textType},
		{Name: "status", Type: field.TypeString, Size: 32},
		{Name: "items", Type: field.TypeString, SchemaType: textType},
		{Name: "total", Type: field.TypeString, Size: 64},
		{Name: "created_at", Type: field.TypeInt64},
	}
	ordersTable = &schema.Table{
		Name:       tableOrders,
		Columns:    ordersColumns,
		PrimaryKey: []*schema.Column{ordersColumns[0]},
		Indexes: []*schema.Index{
			{Name: "orders_user_id_created_at", Columns: []*schema.Column{ordersColumns[1], ordersColumns[7]}},
		},
	}

	tables = []*schema.Table{
		localEntriesTable,
		userCartsTable,
		accountsTable,
		tokensTable,
		productsTable,
		ordersTable,
	}
)
