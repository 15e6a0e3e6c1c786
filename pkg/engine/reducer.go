package engine

import (
	"context"
	"fmt"

	"github.com/wilhg/storefront/pkg/cart"
	"github.com/wilhg/storefront/pkg/errmodel"
	"github.com/wilhg/storefront/pkg/session"
)

// Reducer is the pure transition function of the engine.
type Reducer struct{}

// initialState is the state before any session has resolved.
func initialState() State {
	return State{Phase: PhaseLoading, Items: []cart.LineItem{}, IsLoading: true}
}

// Reduce applies ev to current. It performs no I/O.
func (Reducer) Reduce(_ context.Context, current State, ev Event) (State, []Intent, error) {
	s := current
	switch ev.Type {
	case EventSessionChanged:
		snap, ok := ev.Payload.(session.Snapshot)
		if !ok {
			return current, nil, payloadError(ev)
		}
		next, its := reduceSession(s, snap)
		return next, its, nil

	case EventAddItem, EventUpdateQuantity, EventRemoveItem, EventClearCart:
		if !s.resolved || s.blocking {
			s.pending = append(append([]Event(nil), s.pending...), ev)
			return s, nil, nil
		}
		if ev.Type == EventClearCart {
			next, its := reduceClear(s)
			return next, its, nil
		}
		before := s.Items
		next, err := applyMutation(s.Items, ev)
		if err != nil {
			return current, nil, err
		}
		s.Items = next
		if cart.Equal(before, next) {
			return s, nil, nil
		}
		return s, []Intent{persist(s)}, nil

	case EventReload:
		if !s.resolved || s.blocking {
			return s, nil, nil
		}
		if s.mergePending {
			next, its := beginLoad(s, IntentLoginMerge)
			return next, its, nil
		}
		next, its := startup(s)
		return next, its, nil

	case EventCartLoaded:
		p, ok := ev.Payload.(LoadedPayload)
		if !ok {
			return current, nil, payloadError(ev)
		}
		if p.Gen != s.gen {
			return current, nil, nil
		}
		s.Items = cart.Clone(p.Items)
		s.IsLoading = false
		s.blocking = false
		s.Err, s.errOrigin = nil, ""
		s.Phase = s.readyPhase()
		if p.Merged {
			s.mergePending = false
		}
		next, its := replay(s)
		return next, its, nil

	case EventLoadFailed:
		p, ok := ev.Payload.(LoadFailedPayload)
		if !ok {
			return current, nil, payloadError(ev)
		}
		if p.Gen != s.gen {
			return current, nil, nil
		}
		s.IsLoading = false
		s.blocking = false
		s.Phase = PhaseError
		s.Err, s.errOrigin = errmodel.From(p.Err), originLoad
		next, its := replay(s)
		return next, its, nil

	case EventSaveDone:
		p, ok := ev.Payload.(SaveDonePayload)
		if !ok {
			return current, nil, payloadError(ev)
		}
		if p.Target != TargetRemote || p.Gen != s.gen {
			return current, nil, nil
		}
		if p.Err != nil {
			s.Err, s.errOrigin = errmodel.From(p.Err), originSave
		} else if s.errOrigin == originSave {
			s.Err, s.errOrigin = nil, ""
		}
		return s, nil, nil

	case EventClearDone:
		p, ok := ev.Payload.(SaveDonePayload)
		if !ok {
			return current, nil, payloadError(ev)
		}
		if p.Gen != s.gen {
			return current, nil, nil
		}
		s.IsLoading = false
		s.blocking = false
		if p.Err != nil {
			s.Err, s.errOrigin = errmodel.From(p.Err), originClear
		} else {
			s.Items = []cart.LineItem{}
			if s.errOrigin == originClear || s.errOrigin == originSave {
				s.Err, s.errOrigin = nil, ""
			}
		}
		next, its := replay(s)
		return next, its, nil
	}
	return current, nil, fmt.Errorf("engine: unknown event type %q", ev.Type)
}

func reduceSession(s State, snap session.Snapshot) (State, []Intent) {
	if snap.IsLoading {
		return s, nil
	}
	if !s.resolved {
		s.resolved = true
		s.Session = snap
		return startup(s)
	}
	prev := s.Session
	switch {
	case !prev.IsAuthenticated && !snap.IsAuthenticated:
		s.Session = snap
		return s, nil

	case !prev.IsAuthenticated && snap.IsAuthenticated:
		s.Session = snap
		s.mergePending = true
		return beginLoad(s, IntentLoginMerge)

	case prev.IsAuthenticated && !snap.IsAuthenticated:
		s.Session = snap
		s.gen++
		s.Items = []cart.LineItem{}
		s.Phase = PhaseReadyGuest
		s.IsLoading = false
		s.Err, s.errOrigin = nil, ""
		s.mergePending = false
		s.blocking = false
		s.pending = nil
		return s, []Intent{{Name: IntentPersist, Gen: s.gen, Target: TargetLocal, Items: []cart.LineItem{}, Session: snap}}

	default:
		if prev.UserID() == snap.UserID() {
			s.Session = snap
			return s, nil
		}
		s.Session = snap
		s.mergePending = false
		s.pending = nil
		return startup(s)
	}
}

// startup loads the cart of the current session without merging.
func startup(s State) (State, []Intent) {
	if s.Session.IsAuthenticated {
		return beginLoad(s, IntentFetchRemote)
	}
	return beginLoad(s, IntentLoadGuest)
}

func beginLoad(s State, name string) (State, []Intent) {
	s.gen++
	s.Phase = PhaseLoading
	s.IsLoading = true
	s.blocking = true
	s.Err, s.errOrigin = nil, ""
	return s, []Intent{{Name: name, Gen: s.gen, Session: s.Session}}
}

func reduceClear(s State) (State, []Intent) {
	if len(s.Items) == 0 {
		return s, nil
	}
	if s.target() == TargetLocal {
		s.Items = []cart.LineItem{}
		return s, []Intent{persist(s)}
	}
	s.IsLoading = true
	s.blocking = true
	return s, []Intent{{Name: IntentClearRemote, Gen: s.gen, Target: TargetRemote, Items: []cart.LineItem{}, Session: s.Session}}
}

// replay applies mutations queued while blocking, in arrival order. A queued
// clear that blocks again keeps the rest queued behind it.
func replay(s State) (State, []Intent) {
	if len(s.pending) == 0 {
		return s, nil
	}
	queue := s.pending
	s.pending = nil
	var its []Intent
	for i, ev := range queue {
		if ev.Type == EventClearCart {
			var clear []Intent
			s, clear = reduceClear(s)
			if s.blocking {
				its = append(its, clear...)
				s.pending = append([]Event(nil), queue[i+1:]...)
				return s, dedupePersist(its)
			}
			its = append(its, clear...)
			continue
		}
		next, err := applyMutation(s.Items, ev)
		if err != nil {
			continue
		}
		s.Items = next
	}
	its = append(its, persist(s))
	return s, dedupePersist(its)
}

// dedupePersist keeps only the last persist per target; each carries the
// whole list so earlier ones are redundant.
func dedupePersist(its []Intent) []Intent {
	last := map[string]int{}
	for i, it := range its {
		if it.Name == IntentPersist {
			last[it.Target] = i
		}
	}
	out := make([]Intent, 0, len(its))
	for i, it := range its {
		if it.Name == IntentPersist && last[it.Target] != i {
			continue
		}
		out = append(out, it)
	}
	return out
}

func persist(s State) Intent {
	return Intent{Name: IntentPersist, Gen: s.gen, Target: s.target(), Items: cart.Clone(s.Items), Session: s.Session}
}

func applyMutation(items []cart.LineItem, ev Event) ([]cart.LineItem, error) {
	switch p := ev.Payload.(type) {
	case AddItemPayload:
		return cart.Add(items, p.Product, p.Quantity), nil
	case UpdateQuantityPayload:
		return cart.SetQuantity(items, p.ProductID, p.Quantity), nil
	case RemoveItemPayload:
		return cart.Remove(items, p.ProductID), nil
	}
	return items, payloadError(ev)
}

func payloadError(ev Event) error {
	return fmt.Errorf("engine: event %s has unexpected payload %T", ev.Type, ev.Payload)
}
