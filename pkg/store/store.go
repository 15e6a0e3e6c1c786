// Package store defines persistence interfaces for device-local entries and
// for the server-side records kept by the reference backend.
// Implementations must provide identical semantics across backends.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wilhg/storefront/pkg/cart"
)

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a unique key is already taken.
var ErrConflict = errors.New("store: conflict")

// LocalStore is device-scoped key/value storage, the equivalent of a browser
// profile's localStorage. Values are opaque bytes (JSON by convention).
type LocalStore interface {
	GetEntry(ctx context.Context, key string) ([]byte, error)
	PutEntry(ctx context.Context, key string, value []byte) error
	DeleteEntry(ctx context.Context, key string) error
}

// CartRecord is the server-side cart of one user.
type CartRecord struct {
	UserID    string
	Items     []cart.Entry
	Version   int64
	UpdatedAt time.Time
}

// Account is a registered storefront user.
type Account struct {
	ID           string
	Email        string
	Name         string
	Role         string
	PasswordHash string
	CreatedAt    time.Time
}

// AccessToken binds an opaque bearer token to an account.
type AccessToken struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

// CartStore persists whole carts per user. PutCart overwrites.
type CartStore interface {
	GetCart(ctx context.Context, userID string) (CartRecord, error)
	PutCart(ctx context.Context, userID string, items []cart.Entry) (CartRecord, error)
}

// AccountStore persists accounts and their access tokens.
type AccountStore interface {
	CreateAccount(ctx context.Context, a Account) (Account, error)
	GetAccountByEmail(ctx context.Context, email string) (Account, error)
	GetAccount(ctx context.Context, id string) (Account, error)
	PutToken(ctx context.Context, t AccessToken) error
	LookupToken(ctx context.Context, token string) (AccessToken, error)
}

// ProductStore persists catalog products.
type ProductStore interface {
	PutProduct(ctx context.Context, p cart.Product) error
	GetProduct(ctx context.Context, id string) (cart.Product, error)
	// ListProducts returns the catalog ordered by id. An empty category matches all.
	ListProducts(ctx context.Context, category string) ([]cart.Product, error)
}

// OrderLine is one ordered product with the unit price charged.
type OrderLine struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// Order is a placed order. Lines and total are fixed at creation.
type Order struct {
	ID              string
	UserID          string
	Email           string
	DeliveryAddress string
	Status          string
	Items           []OrderLine
	Total           decimal.Decimal
	CreatedAt       time.Time
}

// OrderStore persists orders. Orders are immutable once created.
type OrderStore interface {
	CreateOrder(ctx context.Context, o Order) (Order, error)
	GetOrder(ctx context.Context, id string) (Order, error)
	// ListOrders returns the user's orders, newest first.
	ListOrders(ctx context.Context, userID string) ([]Order, error)
}

// Backend aggregates the server-side stores.
type Backend interface {
	CartStore
	AccountStore
	ProductStore
	OrderStore
}
