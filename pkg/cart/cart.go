// Package cart holds the line-item model shared by the local store, the remote
// gateway and the engine, together with the pure list operations on it.
//
// A cart is an ordered []LineItem. Operations never mutate their input slice;
// they return a fresh list so callers can hand snapshots to readers safely.
// Within a list ProductID is unique and Quantity is always positive.
package cart

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Product is the catalog view of an item as served by the products API.
type Product struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Category    string          `json:"category,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Image       string          `json:"image,omitempty"`
	Stock       int             `json:"stock"`
}

// LineItem is one cart entry. Display fields are a snapshot of the product at
// the time it was added or rehydrated, so readers never need a catalog join.
type LineItem struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	Name      string          `json:"name,omitempty"`
	Price     decimal.Decimal `json:"price"`
	Image     string          `json:"image,omitempty"`
	Stock     int             `json:"stock"`
}

// Entry is the server-side shape of a line item: a product reference and a count.
type Entry struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// LineItem builds a line item carrying p's display snapshot.
func (p Product) LineItem(quantity int) LineItem {
	return LineItem{
		ProductID: strings.TrimSpace(p.ID),
		Quantity:  quantity,
		Name:      p.Name,
		Price:     p.Price,
		Image:     p.Image,
		Stock:     p.Stock,
	}
}

// Subtotal is price times quantity for this line.
func (li LineItem) Subtotal() decimal.Decimal {
	return li.Price.Mul(decimal.NewFromInt(int64(li.Quantity)))
}

// Add accumulates quantity onto an existing line or appends p's snapshot.
// A non-positive quantity leaves the list unchanged.
func Add(items []LineItem, p Product, quantity int) []LineItem {
	id := strings.TrimSpace(p.ID)
	if id == "" || quantity <= 0 {
		return Clone(items)
	}
	out := Clone(items)
	if idx := indexOf(out, id); idx >= 0 {
		out[idx].Quantity = sumQuantity(out[idx].Quantity, quantity)
		return out
	}
	return append(out, p.LineItem(quantity))
}

// SetQuantity sets the quantity of productID. Quantity <= 0 removes the line.
// Unknown ids are ignored.
func SetQuantity(items []LineItem, productID string, quantity int) []LineItem {
	if quantity <= 0 {
		return Remove(items, productID)
	}
	out := Clone(items)
	if idx := indexOf(out, strings.TrimSpace(productID)); idx >= 0 {
		out[idx].Quantity = quantity
	}
	return out
}

// Remove drops productID if present.
func Remove(items []LineItem, productID string) []LineItem {
	id := strings.TrimSpace(productID)
	out := make([]LineItem, 0, len(items))
	for _, it := range items {
		if it.ProductID == id {
			continue
		}
		out = append(out, it)
	}
	return out
}

// Merge folds guest into server. Server order is kept; a guest line for a
// product already on the server adds its quantity to the server line (which
// keeps its own snapshot fields); other guest lines are appended in order.
func Merge(server, guest []LineItem) []LineItem {
	merged := Normalize(server)
	for _, g := range Normalize(guest) {
		if idx := indexOf(merged, g.ProductID); idx >= 0 {
			merged[idx].Quantity = sumQuantity(merged[idx].Quantity, g.Quantity)
			continue
		}
		merged = append(merged, g)
	}
	return merged
}

// Normalize enforces the list invariants on data from outside the engine:
// empty ids and non-positive quantities are dropped and duplicate ids are
// folded into the first occurrence.
func Normalize(items []LineItem) []LineItem {
	out := make([]LineItem, 0, len(items))
	for _, it := range items {
		it.ProductID = strings.TrimSpace(it.ProductID)
		if it.ProductID == "" || it.Quantity <= 0 {
			continue
		}
		if idx := indexOf(out, it.ProductID); idx >= 0 {
			out[idx].Quantity = sumQuantity(out[idx].Quantity, it.Quantity)
			continue
		}
		out = append(out, it)
	}
	return out
}

// Entries strips display fields for the server wire format.
func Entries(items []LineItem) []Entry {
	out := make([]Entry, 0, len(items))
	for _, it := range items {
		out = append(out, Entry{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return out
}

// Clone returns a copy of items that shares no backing array with the input.
func Clone(items []LineItem) []LineItem {
	out := make([]LineItem, len(items))
	copy(out, items)
	return out
}

// Equal reports whether a and b hold the same lines in the same order.
func Equal(a, b []LineItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.ProductID != y.ProductID || x.Quantity != y.Quantity || x.Name != y.Name ||
			x.Image != y.Image || x.Stock != y.Stock || !x.Price.Equal(y.Price) {
			return false
		}
	}
	return true
}

// Find returns the line for productID.
func Find(items []LineItem, productID string) (LineItem, bool) {
	if idx := indexOf(items, strings.TrimSpace(productID)); idx >= 0 {
		return items[idx], true
	}
	return LineItem{}, false
}

// TotalQuantity sums quantities across lines.
func TotalQuantity(items []LineItem) int {
	n := 0
	for _, it := range items {
		n = sumQuantity(n, it.Quantity)
	}
	return n
}

// Total sums line subtotals.
func Total(items []LineItem) decimal.Decimal {
	sum := decimal.Zero
	for _, it := range items {
		sum = sum.Add(it.Subtotal())
	}
	return sum
}

// sumQuantity adds two positive quantities, saturating at math.MaxInt.
func sumQuantity(a, b int) int {
	if a > math.MaxInt-b {
		return math.MaxInt
	}
	return a + b
}

func indexOf(items []LineItem, productID string) int {
	for i := range items {
		if items[i].ProductID == productID {
			return i
		}
	}
	return -1
}
