package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wilhg/storefront/pkg/cart"
	"github.com/wilhg/storefront/pkg/catalog"
	"github.com/wilhg/storefront/pkg/errmodel"
	"github.com/wilhg/storefront/pkg/localcart"
	"github.com/wilhg/storefront/pkg/session"
	"github.com/wilhg/storefront/pkg/store"
)

type memKV struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newKV() *memKV { return &memKV{m: map[string][]byte{}} }

func (k *memKV) GetEntry(_ context.Context, key string) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	v, ok := k.m[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (k *memKV) PutEntry(_ context.Context, key string, value []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.m[key] = append([]byte(nil), value...)
	return nil
}

func (k *memKV) DeleteEntry(_ context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.m, key)
	return nil
}

func (k *memKV) has(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.m[key]
	return ok
}

type savedCart struct {
	UserID string
	Items  []cart.Entry
}

// fakeGateway is an in-memory server cart API with failure injection and
// gates that hold calls until released.
type fakeGateway struct {
	mu        sync.Mutex
	carts     map[string][]cart.Entry
	saves     []savedCart
	fetches   int
	fetchErr  error
	saveErr   error
	fetchGate chan struct{}
	saveGate  chan struct{}
	active    int
	maxActive int
}

func newGateway() *fakeGateway { return &fakeGateway{carts: map[string][]cart.Entry{}} }

func (g *fakeGateway) Fetch(ctx context.Context, userID, _ string) ([]cart.Entry, error) {
	g.mu.Lock()
	g.fetches++
	gate, err := g.fetchGate, g.fetchErr
	g.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]cart.Entry(nil), g.carts[userID]...), nil
}

func (g *fakeGateway) Save(ctx context.Context, userID string, items []cart.LineItem, _ string) error {
	g.mu.Lock()
	g.active++
	if g.active > g.maxActive {
		g.maxActive = g.active
	}
	gate, err := g.saveGate, g.saveErr
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.active--
		g.mu.Unlock()
	}()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	entries := cart.Entries(items)
	g.carts[userID] = entries
	g.saves = append(g.saves, savedCart{UserID: userID, Items: entries})
	return nil
}

func (g *fakeGateway) set(fn func(g *fakeGateway)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(g)
}

func (g *fakeGateway) savedCarts() []savedCart {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]savedCart(nil), g.saves...)
}

func (g *fakeGateway) fetchCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fetches
}

type lookupFunc func(ctx context.Context, id string) (*cart.Product, error)

func (f lookupFunc) GetProductByID(ctx context.Context, id string) (*cart.Product, error) {
	return f(ctx, id)
}

var (
	prodA = cart.Product{ID: "A", Name: "Lamp", Price: decimal.RequireFromString("12.50"), Stock: 10}
	prodB = cart.Product{ID: "B", Name: "Chair", Price: decimal.RequireFromString("40.00"), Stock: 4}
	prodC = cart.Product{ID: "C", Name: "Rug", Price: decimal.RequireFromString("75.00"), Stock: 2}
	prodD = cart.Product{ID: "D", Name: "Desk", Price: decimal.RequireFromString("199.00"), Stock: 1}
)

func products() *catalog.Memory { return catalog.NewMemory(prodA, prodB, prodC, prodD) }

func guest() session.Snapshot { return session.Snapshot{} }

func user(id string) session.Snapshot {
	return session.Snapshot{IsAuthenticated: true, User: &session.User{ID: id, Name: "user " + id}, Token: "tok-" + id}
}

type harness struct {
	kv    *memKV
	local *localcart.Store
	gw    *fakeGateway
	eng   *Engine
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{kv: newKV(), gw: newGateway()}
	h.local = localcart.New(h.kv)
	opts = append([]Option{WithProducts(products())}, opts...)
	h.eng = New(h.local, h.gw, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.eng.Close(ctx)
	})
	return h
}

func (h *harness) idle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.eng.WaitIdle(ctx); err != nil {
		t.Fatalf("engine not idle: %v (snapshot %+v)", err, h.eng.Snapshot())
	}
}

func (h *harness) setSession(t *testing.T, s session.Snapshot) {
	t.Helper()
	h.eng.SessionChanged(s)
	h.idle(t)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

var errOffline = errmodel.Network("unreachable", "connection refused", nil, errors.New("dial tcp: refused"))
