// Package engine keeps one shopping cart consistent across the guest cart in
// device storage, the authenticated cart on the server and the merge between
// them at login.
//
// The engine is event driven. Session changes, consumer mutations and effect
// results are all Events on one FIFO inbox drained by a single goroutine. A
// pure Reduce turns (State, Event) into the next State plus Intents; Intents
// are side effects run by EffectHandlers. Loads run concurrently and post
// their outcome back as events tagged with the generation that requested them,
// so a result for a superseded session is dropped. Saves go through a serial
// saver that runs one write at a time and coalesces queued writes.
//
// Example usage:
//
//	eng := engine.New(localcart.New(kv), remotecart.New(api),
//		engine.WithSession(provider), engine.WithProducts(catalog.New(api, nil)))
//	defer eng.Close(ctx)
//	eng.AddItem(product, 1)
//	fmt.Println(eng.Snapshot().Items)
package engine

import (
	"context"
	"time"

	"github.com/wilhg/storefront/pkg/cart"
	"github.com/wilhg/storefront/pkg/session"
)

// Event is one input to the reducer.
type Event struct {
	// ID is a uuid, used to correlate logs and spans.
	ID string `json:"id"`

	// Type selects the reducer branch; see the Event* constants.
	Type string `json:"type"`

	Timestamp time.Time `json:"timestamp"`

	// Payload is one of the *Payload types below, matching Type.
	Payload any `json:"payload"`

	// applied is closed once the loop has reduced the event and dispatched
	// its intents.
	applied chan struct{}
}

// Event types.
const (
	EventSessionChanged = "session_changed"
	EventAddItem        = "add_item"
	EventUpdateQuantity = "update_quantity"
	EventRemoveItem     = "remove_item"
	EventClearCart      = "clear_cart"
	EventReload         = "reload"
	EventCartLoaded     = "cart_loaded"
	EventLoadFailed     = "load_failed"
	EventSaveDone       = "save_done"
	EventClearDone      = "clear_done"
)

// AddItemPayload carries EventAddItem.
type AddItemPayload struct {
	Product  cart.Product
	Quantity int
}

// UpdateQuantityPayload carries EventUpdateQuantity.
type UpdateQuantityPayload struct {
	ProductID string
	Quantity  int
}

// RemoveItemPayload carries EventRemoveItem.
type RemoveItemPayload struct {
	ProductID string
}

// LoadedPayload carries EventCartLoaded.
type LoadedPayload struct {
	Gen    int64
	Items  []cart.LineItem
	Merged bool
}

// LoadFailedPayload carries EventLoadFailed.
type LoadFailedPayload struct {
	Gen   int64
	Err   error
	Merge bool
}

// SaveDonePayload carries EventSaveDone and EventClearDone.
type SaveDonePayload struct {
	Gen    int64
	Target string
	UserID string
	Err    error
}

// Intent is a side effect requested by the reducer.
type Intent struct {
	Name string `json:"name"`

	// Gen is the session generation the intent belongs to.
	Gen int64 `json:"gen"`

	// Target is TargetLocal or TargetRemote for writes.
	Target string `json:"target,omitempty"`

	// Items is the full list to write. Writes always carry the whole cart.
	Items []cart.LineItem `json:"items,omitempty"`

	// Session holds the credentials the effect runs with.
	Session session.Snapshot `json:"-"`
}

// Intent names.
const (
	IntentLoadGuest   = "load_guest"
	IntentFetchRemote = "fetch_remote"
	IntentLoginMerge  = "login_merge"
	IntentPersist     = "persist"
	IntentClearRemote = "clear_remote"
	IntentClearLocal  = "clear_local"
)

// Write targets.
const (
	TargetLocal  = "local"
	TargetRemote = "remote"
)

// EffectHandler executes intents.
type EffectHandler interface {
	// CanHandle reports whether the handler owns intent.
	CanHandle(it Intent) bool

	// Handle runs the effect and returns the events describing its outcome.
	// An error means the effect itself failed; the caller decides how to
	// report it.
	Handle(ctx context.Context, it Intent) ([]Event, error)
}

// LocalCart is the device-side guest cart.
type LocalCart interface {
	Load(ctx context.Context) []cart.LineItem
	Save(ctx context.Context, items []cart.LineItem) error
	Clear(ctx context.Context) error
}

// Gateway is the server-side cart API.
type Gateway interface {
	Fetch(ctx context.Context, userID, token string) ([]cart.Entry, error)
	Save(ctx context.Context, userID string, items []cart.LineItem, token string) error
}
