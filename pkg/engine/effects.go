package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/wilhg/storefront/pkg/cart"
	"github.com/wilhg/storefront/pkg/catalog"
	"github.com/wilhg/storefront/pkg/errmodel"
)

func newEvent(typ string, payload any) Event {
	return Event{ID: uuid.NewString(), Type: typ, Timestamp: time.Now().UTC(), Payload: payload}
}

// writer performs the storage writes queued on the saver.
type writer struct {
	local   LocalCart
	remote  Gateway
	log     logrus.FieldLogger
	current func(gen int64) bool
}

func (w *writer) CanHandle(it Intent) bool {
	switch it.Name {
	case IntentPersist, IntentClearRemote, IntentClearLocal:
		return true
	}
	return false
}

func (w *writer) Handle(ctx context.Context, it Intent) ([]Event, error) {
	log := w.log.WithFields(logrus.Fields{"intent": it.Name, "target": it.Target, "gen": it.Gen, "items": len(it.Items)})
	switch it.Name {
	case IntentClearLocal:
		if !w.current(it.Gen) {
			log.Debug("session moved on, keeping device cart")
			return nil, nil
		}
		if err := w.local.Clear(ctx); err != nil {
			log.WithError(err).Warn("guest cart not cleared after merge")
			return nil, err
		}
		return nil, nil

	case IntentClearRemote:
		err := w.remote.Save(ctx, it.Session.UserID(), []cart.LineItem{}, it.Session.Token)
		if err != nil {
			log.WithError(err).Warn("server cart not cleared")
		}
		return []Event{newEvent(EventClearDone, SaveDonePayload{Gen: it.Gen, Target: TargetRemote, UserID: it.Session.UserID(), Err: err})}, err
	}

	var err error
	if it.Target == TargetRemote {
		err = w.remote.Save(ctx, it.Session.UserID(), it.Items, it.Session.Token)
	} else {
		err = w.local.Save(ctx, it.Items)
	}
	if err != nil {
		log.WithError(err).Warn("cart not saved")
	} else {
		log.Debug("cart saved")
	}
	return []Event{newEvent(EventSaveDone, SaveDonePayload{Gen: it.Gen, Target: it.Target, UserID: it.Session.UserID(), Err: err})}, err
}

// loader resolves the cart for a session.
type loader struct {
	local    LocalCart
	remote   Gateway
	products catalog.Lookup
	saves    *saver
	log      logrus.FieldLogger
	limit    int
}

func (l *loader) CanHandle(it Intent) bool {
	switch it.Name {
	case IntentLoadGuest, IntentFetchRemote, IntentLoginMerge:
		return true
	}
	return false
}

func (l *loader) Handle(ctx context.Context, it Intent) ([]Event, error) {
	switch it.Name {
	case IntentLoadGuest:
		items := l.local.Load(ctx)
		return []Event{newEvent(EventCartLoaded, LoadedPayload{Gen: it.Gen, Items: items})}, nil
	case IntentFetchRemote:
		items, err := l.fetch(ctx, it)
		if err != nil {
			return []Event{newEvent(EventLoadFailed, LoadFailedPayload{Gen: it.Gen, Err: err})}, err
		}
		return []Event{newEvent(EventCartLoaded, LoadedPayload{Gen: it.Gen, Items: items})}, nil
	default:
		items, err := l.merge(ctx, it)
		if err != nil {
			return []Event{newEvent(EventLoadFailed, LoadFailedPayload{Gen: it.Gen, Err: err, Merge: true})}, err
		}
		return []Event{newEvent(EventCartLoaded, LoadedPayload{Gen: it.Gen, Items: items, Merged: true})}, nil
	}
}

// fetch reads the server cart once earlier writes have landed.
func (l *loader) fetch(ctx context.Context, it Intent) ([]cart.LineItem, error) {
	if err := l.saves.Drain(ctx); err != nil {
		return nil, errmodel.System("cancelled", "cart load cancelled", nil, err)
	}
	entries, err := l.remote.Fetch(ctx, it.Session.UserID(), it.Session.Token)
	if err != nil {
		return nil, err
	}
	return l.rehydrate(ctx, entries), nil
}

// merge folds the device cart into the server cart, saves the result and
// clears the device cart. An empty device cart means no write at all.
func (l *loader) merge(ctx context.Context, it Intent) ([]cart.LineItem, error) {
	server, err := l.fetch(ctx, it)
	if err != nil {
		return nil, err
	}
	guest := l.local.Load(ctx)
	log := l.log.WithFields(logrus.Fields{"user_id": it.Session.UserID(), "gen": it.Gen})
	if len(guest) == 0 {
		log.Debug("no guest cart to merge")
		return server, nil
	}
	merged := cart.Merge(server, guest)
	save := Intent{Name: IntentPersist, Gen: it.Gen, Target: TargetRemote, Items: merged, Session: it.Session}
	if err := l.saves.Do(ctx, save); err != nil {
		return nil, err
	}
	// Failure is logged by the writer; the merged cart is already on the server.
	_ = l.saves.Do(ctx, Intent{Name: IntentClearLocal, Gen: it.Gen, Target: TargetLocal})
	log.WithFields(logrus.Fields{"guest_items": len(guest), "items": len(merged)}).Info("guest cart merged")
	return merged, nil
}

// rehydrate turns server entries into display lines. An entry whose product
// cannot be resolved stays as a bare line so later saves keep it.
func (l *loader) rehydrate(ctx context.Context, entries []cart.Entry) []cart.LineItem {
	lines := make([]*cart.LineItem, len(entries))
	var g errgroup.Group
	g.SetLimit(l.limit)
	for i, e := range entries {
		if l.products == nil {
			lines[i] = &cart.LineItem{ProductID: e.ProductID, Quantity: e.Quantity}
			continue
		}
		g.Go(func() error {
			p, err := l.products.GetProductByID(ctx, e.ProductID)
			switch {
			case err != nil:
				l.log.WithError(err).WithField("product_id", e.ProductID).Warn("product lookup failed, keeping bare line")
				lines[i] = &cart.LineItem{ProductID: e.ProductID, Quantity: e.Quantity}
			case p == nil:
				l.log.WithField("product_id", e.ProductID).Info("product not in catalog, keeping bare line")
				lines[i] = &cart.LineItem{ProductID: e.ProductID, Quantity: e.Quantity}
			default:
				li := p.LineItem(e.Quantity)
				li.ProductID = e.ProductID
				lines[i] = &li
			}
			return nil
		})
	}
	_ = g.Wait()
	out := make([]cart.LineItem, 0, len(entries))
	for _, li := range lines {
		if li != nil {
			out = append(out, *li)
		}
	}
	return cart.Normalize(out)
}
