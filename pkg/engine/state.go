package engine

import (
	"github.com/wilhg/storefront/pkg/cart"
	"github.com/wilhg/storefront/pkg/errmodel"
	"github.com/wilhg/storefront/pkg/session"
)

// Phase is the engine lifecycle position.
type Phase string

// PhaseUninitialized is reported for a zero State; New starts in PhaseLoading.
const (
	PhaseUninitialized      Phase = "uninitialized"
	PhaseLoading            Phase = "loading"
	PhaseReadyGuest         Phase = "ready_guest"
	PhaseReadyAuthenticated Phase = "ready_authenticated"
	PhaseError              Phase = "error"
)

// Error origins, used to decide which later success clears an error.
const (
	originLoad  = "load"
	originSave  = "save"
	originClear = "clear"
)

// State is owned by the event loop. The reducer treats it as a value: slices
// are replaced, never written through.
type State struct {
	Phase     Phase
	Items     []cart.LineItem
	IsLoading bool
	Err       *errmodel.Error

	// Session is the latest resolved session.
	Session session.Snapshot

	errOrigin string
	// resolved is set once the first non-loading session arrived.
	resolved bool
	// gen increments on every reinitialisation.
	gen int64
	// mergePending is set from login until that login's merged cart lands.
	mergePending bool
	// blocking is set while a load or a remote clear is in flight.
	blocking bool
	// pending holds mutations received while blocking.
	pending []Event
}

// Snapshot is the consumer view of the cart. It shares nothing with the engine.
type Snapshot struct {
	Phase         Phase
	Items         []cart.LineItem
	IsLoading     bool
	Error         string
	ErrorCategory string
	Authenticated bool
	UserID        string
}

func (s State) snapshot() Snapshot {
	out := Snapshot{
		Phase:         s.Phase,
		Items:         cart.Clone(s.Items),
		IsLoading:     s.IsLoading,
		Authenticated: s.Session.IsAuthenticated,
		UserID:        s.Session.UserID(),
	}
	if out.Phase == "" {
		out.Phase = PhaseUninitialized
	}
	if s.Err != nil {
		out.Error = s.Err.Message
		out.ErrorCategory = s.Err.Category
	}
	return out
}

// target is where mutations of the current session are written.
func (s State) target() string {
	if s.Session.IsAuthenticated && !s.mergePending {
		return TargetRemote
	}
	return TargetLocal
}

func (s State) readyPhase() Phase {
	if s.Session.IsAuthenticated {
		return PhaseReadyAuthenticated
	}
	return PhaseReadyGuest
}

func sameSnapshot(a, b Snapshot) bool {
	return a.Phase == b.Phase && a.IsLoading == b.IsLoading && a.Error == b.Error &&
		a.ErrorCategory == b.ErrorCategory && a.Authenticated == b.Authenticated &&
		a.UserID == b.UserID && cart.Equal(a.Items, b.Items)
}
