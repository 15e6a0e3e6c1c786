package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wilhg/storefront/pkg/cart"
	"github.com/wilhg/storefront/pkg/catalog"
	"github.com/wilhg/storefront/pkg/session"
)

// Engine owns one cart. All methods are safe for concurrent use.
type Engine struct {
	reducer  Reducer
	handlers []EffectHandler
	saves    *saver
	inbox    *inbox
	track    *inflight
	tracer   trace.Tracer
	log      logrus.FieldLogger

	products catalog.Lookup
	source   session.Source
	limit    int
	record   func(Event)

	ctx    context.Context
	cancel context.CancelFunc
	loopWG sync.WaitGroup
	closed atomic.Bool
	gen    atomic.Int64

	// state is touched only by the loop goroutine.
	state State

	mu      sync.RWMutex
	snap    Snapshot
	subs    map[int]func(Snapshot)
	nextSub int
	unsub   func()
}

// Option configures the Engine at construction time.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l logrus.FieldLogger) Option { return func(e *Engine) { e.log = l } }

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option { return func(e *Engine) { e.tracer = t } }

// WithProducts enables product rehydration of server carts. Without it,
// server lines carry only id and quantity.
func WithProducts(p catalog.Lookup) Option { return func(e *Engine) { e.products = p } }

// WithLookupConcurrency bounds parallel product lookups. Values below 1 are ignored.
func WithLookupConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.limit = n
		}
	}
}

// WithSession feeds the engine from src: the current snapshot first, then
// every published change.
func WithSession(src session.Source) Option { return func(e *Engine) { e.source = src } }

// New starts an engine. It stays in PhaseLoading until a resolved session
// arrives, either through WithSession or SessionChanged.
func New(local LocalCart, remote Gateway, opts ...Option) *Engine {
	e := &Engine{
		reducer: Reducer{},
		inbox:   newInbox(),
		track:   newInflight(),
		log:     logrus.StandardLogger(),
		limit:   8,
		state:   initialState(),
		subs:    map[int]func(Snapshot){},
	}
	for _, o := range opts {
		o(e)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("engine")
	}
	e.snap = e.state.snapshot()
	e.ctx, e.cancel = context.WithCancel(context.Background())

	w := &writer{local: local, remote: remote, log: e.log, current: func(gen int64) bool { return e.gen.Load() == gen }}
	e.saves = newSaver(w, e.post, e.track, e.tracer, e.log)
	l := &loader{local: local, remote: remote, products: e.products, saves: e.saves, log: e.log, limit: e.limit}
	e.handlers = []EffectHandler{l, w}

	e.loopWG.Add(2)
	go func() {
		defer e.loopWG.Done()
		e.saves.run(e.ctx)
	}()
	go func() {
		defer e.loopWG.Done()
		e.loop()
	}()

	if e.source != nil {
		e.unsub = e.source.Subscribe(e.SessionChanged)
		e.SessionChanged(e.source.Current())
	}
	return e
}

// SessionChanged hands a session snapshot to the engine. It does not wait.
func (e *Engine) SessionChanged(s session.Snapshot) {
	e.post(newEvent(EventSessionChanged, s))
}

// AddItem adds quantity of p. A non-positive quantity is ignored.
func (e *Engine) AddItem(p cart.Product, quantity int) {
	e.apply(newEvent(EventAddItem, AddItemPayload{Product: p, Quantity: quantity}))
}

// UpdateQuantity sets the quantity of productID; zero or less removes it.
func (e *Engine) UpdateQuantity(productID string, quantity int) {
	e.apply(newEvent(EventUpdateQuantity, UpdateQuantityPayload{ProductID: productID, Quantity: quantity}))
}

// RemoveItem drops productID.
func (e *Engine) RemoveItem(productID string) {
	e.apply(newEvent(EventRemoveItem, RemoveItemPayload{ProductID: productID}))
}

// ClearCart empties the cart. For a signed-in user the server write happens
// first and the items clear only once it succeeds.
func (e *Engine) ClearCart() {
	e.apply(newEvent(EventClearCart, nil))
}

// Reload retries loading the cart of the current session, finishing an
// outstanding login merge if there is one.
func (e *Engine) Reload() {
	e.apply(newEvent(EventReload, nil))
}

// Snapshot returns the current cart view.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := e.snap
	s.Items = cart.Clone(s.Items)
	return s
}

// Subscribe calls fn after every change with the new snapshot. fn runs on the
// engine goroutine and must not call back into mutating Engine methods.
func (e *Engine) Subscribe(fn func(Snapshot)) (cancel func()) {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}
}

// WaitIdle blocks until no event, load or save is outstanding.
func (e *Engine) WaitIdle(ctx context.Context) error {
	return e.track.wait(ctx)
}

// Close stops accepting events and waits, bounded by ctx, for queued saves.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if e.unsub != nil {
		e.unsub()
	}
	err := e.saves.Drain(ctx)
	e.cancel()
	e.loopWG.Wait()
	for range e.inbox.drain() {
		e.track.done()
	}
	return err
}

func (e *Engine) post(ev Event) {
	if e.closed.Load() {
		if ev.applied != nil {
			close(ev.applied)
		}
		return
	}
	e.track.add(1)
	e.inbox.push(ev)
}

// apply posts ev and waits until the reducer has taken it.
func (e *Engine) apply(ev Event) {
	ev.applied = make(chan struct{})
	e.post(ev)
	select {
	case <-ev.applied:
	case <-e.ctx.Done():
	}
}

func (e *Engine) loop() {
	for {
		select {
		case <-e.inbox.wake:
		case <-e.ctx.Done():
			for _, ev := range e.inbox.drain() {
				if ev.applied != nil {
					close(ev.applied)
				}
				e.track.done()
			}
			return
		}
		for {
			ev, ok := e.inbox.pop()
			if !ok {
				break
			}
			e.handle(ev)
		}
	}
}

func (e *Engine) handle(ev Event) {
	defer e.track.done()
	if ev.applied != nil {
		defer close(ev.applied)
	}
	ctx, span := e.tracer.Start(e.ctx, "Engine.HandleEvent", trace.WithAttributes(
		attribute.String("event.id", ev.ID),
		attribute.String("event.type", ev.Type),
	))
	defer span.End()

	if e.record != nil {
		rec := ev
		rec.applied = nil
		e.record(rec)
	}
	next, intents, err := e.reducer.Reduce(ctx, e.state, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.log.WithError(err).WithField("event", ev.Type).Error("event rejected")
		return
	}
	e.state = next
	e.gen.Store(next.gen)
	span.SetAttributes(attribute.Int64("engine.gen", next.gen), attribute.String("engine.phase", string(next.Phase)))
	e.publish(next.snapshot())

	for _, it := range intents {
		e.dispatch(it)
	}
}

func (e *Engine) dispatch(it Intent) {
	e.log.WithFields(logrus.Fields{"intent": it.Name, "gen": it.Gen, "target": it.Target, "user_id": it.Session.UserID()}).Debug("dispatch")
	switch it.Name {
	case IntentPersist, IntentClearRemote, IntentClearLocal:
		e.saves.Enqueue(it)
		return
	}
	h := e.findHandler(it)
	if h == nil {
		e.log.WithField("intent", it.Name).Warn("no handler for intent")
		return
	}
	e.track.add(1)
	go func() {
		defer e.track.done()
		ctx, span := e.tracer.Start(e.ctx, "Engine.Load", trace.WithAttributes(
			attribute.String("intent.name", it.Name),
			attribute.Int64("engine.gen", it.Gen),
		))
		defer span.End()
		evs, err := h.Handle(ctx, it)
		if err != nil {
			span.RecordError(err)
			e.log.WithError(err).WithFields(logrus.Fields{"intent": it.Name, "gen": it.Gen}).Warn("cart load failed")
		}
		for _, ev := range evs {
			e.post(ev)
		}
	}()
}

func (e *Engine) findHandler(it Intent) EffectHandler {
	for _, h := range e.handlers {
		if h.CanHandle(it) {
			return h
		}
	}
	return nil
}

func (e *Engine) publish(s Snapshot) {
	e.mu.Lock()
	if sameSnapshot(e.snap, s) {
		e.mu.Unlock()
		return
	}
	e.snap = s
	fns := make([]func(Snapshot), 0, len(e.subs))
	for i := 0; i < e.nextSub; i++ {
		if fn, ok := e.subs[i]; ok {
			fns = append(fns, fn)
		}
	}
	e.mu.Unlock()
	for _, fn := range fns {
		c := s
		c.Items = cart.Clone(s.Items)
		fn(c)
	}
}
