package engine

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/wilhg/storefront/pkg/cart"
	"github.com/wilhg/storefront/pkg/errmodel"
	"github.com/wilhg/storefront/pkg/localcart"
	"github.com/wilhg/storefront/pkg/session"
)

func quantities(items []cart.LineItem) []cart.Entry { return cart.Entries(items) }

func TestEngine_StartsLoadingUntilSessionResolves(t *testing.T) {
	h := newHarness(t)
	h.eng.SessionChanged(session.Snapshot{IsLoading: true})
	h.idle(t)
	s := h.eng.Snapshot()
	if s.Phase != PhaseLoading || !s.IsLoading {
		t.Fatalf("snapshot=%+v want loading", s)
	}
	if h.gw.fetchCount() != 0 || h.kv.has(localcart.StorageKey) {
		t.Fatal("no I/O expected before the session resolves")
	}
}

func TestEngine_GuestStartupLoadsDeviceCart(t *testing.T) {
	h := newHarness(t)
	if err := h.local.Save(context.Background(), []cart.LineItem{prodA.LineItem(2)}); err != nil {
		t.Fatal(err)
	}
	h.setSession(t, guest())
	s := h.eng.Snapshot()
	if s.Phase != PhaseReadyGuest || s.IsLoading {
		t.Fatalf("snapshot=%+v want ready guest", s)
	}
	if diff := cmp.Diff([]cart.LineItem{prodA.LineItem(2)}, s.Items); diff != "" {
		t.Fatalf("items mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_GuestMutationsPersistLocally(t *testing.T) {
	h := newHarness(t)
	h.setSession(t, guest())
	h.eng.AddItem(prodA, 0)
	h.eng.AddItem(prodB, 2)
	h.eng.UpdateQuantity("B", 5)
	h.eng.RemoveItem("A")
	h.idle(t)

	want := []cart.Entry{{ProductID: "B", Quantity: 5}}
	if diff := cmp.Diff(want, quantities(h.eng.Snapshot().Items)); diff != "" {
		t.Fatalf("memory mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, quantities(h.local.Load(context.Background()))); diff != "" {
		t.Fatalf("device mismatch (-want +got):\n%s", diff)
	}
	if len(h.gw.savedCarts()) != 0 {
		t.Fatal("guest mutations must not reach the server")
	}
}

func TestEngine_UpdateQuantityZeroRemoves(t *testing.T) {
	h := newHarness(t)
	h.setSession(t, guest())
	h.eng.AddItem(prodA, 1)
	h.eng.AddItem(prodB, 1)
	h.eng.UpdateQuantity("A", 0)
	h.eng.UpdateQuantity("B", -3)
	if items := h.eng.Snapshot().Items; len(items) != 0 {
		t.Fatalf("items=%v want empty", items)
	}
}

func TestEngine_LoginMergesGuestCartIntoServerCart(t *testing.T) {
	h := newHarness(t)
	h.setSession(t, guest())
	h.eng.AddItem(prodA, 2)
	h.idle(t)
	h.gw.set(func(g *fakeGateway) {
		g.carts["u1"] = []cart.Entry{{ProductID: "A", Quantity: 1}, {ProductID: "B", Quantity: 3}}
	})

	h.setSession(t, user("u1"))

	s := h.eng.Snapshot()
	if s.Phase != PhaseReadyAuthenticated || s.IsLoading || s.Error != "" {
		t.Fatalf("snapshot=%+v want ready authenticated", s)
	}
	if diff := cmp.Diff([]cart.LineItem{prodA.LineItem(3), prodB.LineItem(3)}, s.Items); diff != "" {
		t.Fatalf("merged items mismatch (-want +got):\n%s", diff)
	}
	want := []savedCart{{UserID: "u1", Items: []cart.Entry{{ProductID: "A", Quantity: 3}, {ProductID: "B", Quantity: 3}}}}
	if diff := cmp.Diff(want, h.gw.savedCarts()); diff != "" {
		t.Fatalf("server saves mismatch (-want +got):\n%s", diff)
	}
	if h.kv.has(localcart.StorageKey) {
		t.Fatal("guest cart should be removed from the device after the merge")
	}
}

func TestEngine_LoginWithEmptyGuestCartDoesNotSave(t *testing.T) {
	h := newHarness(t)
	h.setSession(t, guest())
	h.gw.set(func(g *fakeGateway) { g.carts["u1"] = []cart.Entry{{ProductID: "C", Quantity: 1}} })

	h.setSession(t, user("u1"))

	if diff := cmp.Diff([]cart.LineItem{prodC.LineItem(1)}, h.eng.Snapshot().Items); diff != "" {
		t.Fatalf("items mismatch (-want +got):\n%s", diff)
	}
	if saves := h.gw.savedCarts(); len(saves) != 0 {
		t.Fatalf("saves=%v want none", saves)
	}
}

func TestEngine_AuthenticatedStartupDoesNotMerge(t *testing.T) {
	h := newHarness(t)
	if err := h.local.Save(context.Background(), []cart.LineItem{prodA.LineItem(4)}); err != nil {
		t.Fatal(err)
	}
	h.gw.set(func(g *fakeGateway) { g.carts["u1"] = []cart.Entry{{ProductID: "B", Quantity: 1}} })

	h.setSession(t, user("u1"))

	if diff := cmp.Diff([]cart.Entry{{ProductID: "B", Quantity: 1}}, quantities(h.eng.Snapshot().Items)); diff != "" {
		t.Fatalf("items mismatch (-want +got):\n%s", diff)
	}
	if len(h.gw.savedCarts()) != 0 || !h.kv.has(localcart.StorageKey) {
		t.Fatal("startup as a signed-in user must leave both carts alone")
	}
}

func TestEngine_AuthenticatedAddAccumulates(t *testing.T) {
	h := newHarness(t)
	h.setSession(t, user("u1"))
	h.eng.AddItem(prodD, 1)
	h.eng.AddItem(prodD, 2)
	h.idle(t)

	items := h.eng.Snapshot().Items
	if len(items) != 1 || items[0].Quantity != 3 {
		t.Fatalf("items=%v want one line with quantity 3", items)
	}
	saves := h.gw.savedCarts()
	last := saves[len(saves)-1]
	if diff := cmp.Diff([]cart.Entry{{ProductID: "D", Quantity: 3}}, last.Items); diff != "" {
		t.Fatalf("last save mismatch (-want +got):\n%s", diff)
	}
	if h.kv.has(localcart.StorageKey) {
		t.Fatal("signed-in mutations must not touch the device cart")
	}
}

func TestEngine_LogoutClearsCartAndDevice(t *testing.T) {
	h := newHarness(t)
	h.gw.set(func(g *fakeGateway) { g.carts["u1"] = []cart.Entry{{ProductID: "A", Quantity: 2}} })
	h.setSession(t, user("u1"))
	if len(h.eng.Snapshot().Items) != 1 {
		t.Fatalf("items=%v", h.eng.Snapshot().Items)
	}

	h.setSession(t, guest())

	s := h.eng.Snapshot()
	if len(s.Items) != 0 || s.Phase != PhaseReadyGuest || s.Authenticated {
		t.Fatalf("snapshot=%+v want empty guest cart", s)
	}
	raw, err := h.kv.GetEntry(context.Background(), localcart.StorageKey)
	if err != nil {
		t.Fatalf("device cart not written on logout: %v", err)
	}
	if string(raw) != `{"items":[]}` {
		t.Fatalf("device cart=%s want empty list", raw)
	}
	if diff := cmp.Diff([]cart.Entry{{ProductID: "A", Quantity: 2}}, h.gw.carts["u1"]); diff != "" {
		t.Fatalf("logout must not touch the server cart (-want +got):\n%s", diff)
	}
}

func TestEngine_ClearCartIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.setSession(t, guest())
	h.eng.ClearCart()
	h.idle(t)
	if h.kv.has(localcart.StorageKey) {
		t.Fatal("clearing an empty cart should not write")
	}

	h.eng.AddItem(prodA, 1)
	h.eng.ClearCart()
	h.eng.ClearCart()
	h.idle(t)
	if items := h.eng.Snapshot().Items; len(items) != 0 {
		t.Fatalf("items=%v want empty", items)
	}
	if got := h.local.Load(context.Background()); len(got) != 0 {
		t.Fatalf("device cart=%v want empty", got)
	}
}

func TestEngine_ClearCartAuthenticated(t *testing.T) {
	h := newHarness(t)
	h.gw.set(func(g *fakeGateway) { g.carts["u1"] = []cart.Entry{{ProductID: "A", Quantity: 2}} })
	h.setSession(t, user("u1"))

	h.gw.set(func(g *fakeGateway) { g.saveErr = errmodel.FromStatus(500, "boom", nil) })
	h.eng.ClearCart()
	h.idle(t)
	s := h.eng.Snapshot()
	if len(s.Items) != 1 || s.Error == "" || s.IsLoading {
		t.Fatalf("snapshot=%+v want items kept with error", s)
	}

	h.gw.set(func(g *fakeGateway) { g.saveErr = nil })
	h.eng.ClearCart()
	h.idle(t)
	s = h.eng.Snapshot()
	if len(s.Items) != 0 || s.Error != "" || s.IsLoading {
		t.Fatalf("snapshot=%+v want cleared", s)
	}
	if got := h.gw.carts["u1"]; len(got) != 0 {
		t.Fatalf("server cart=%v want empty", got)
	}
}

func TestEngine_ClearCartAuthenticatedWaitsForServer(t *testing.T) {
	h := newHarness(t)
	h.gw.set(func(g *fakeGateway) { g.carts["u1"] = []cart.Entry{{ProductID: "A", Quantity: 2}} })
	h.setSession(t, user("u1"))

	gate := make(chan struct{})
	h.gw.set(func(g *fakeGateway) { g.saveGate = gate })
	h.eng.ClearCart()
	s := h.eng.Snapshot()
	if !s.IsLoading || len(s.Items) != 1 {
		t.Fatalf("snapshot=%+v want loading with items until the server confirms", s)
	}
	h.eng.AddItem(prodB, 1)
	if got := h.eng.Snapshot().Items; len(got) != 1 || got[0].ProductID != "A" {
		t.Fatalf("items=%v: mutation during clear should be queued", got)
	}
	close(gate)
	h.idle(t)
	if diff := cmp.Diff([]cart.Entry{{ProductID: "B", Quantity: 1}}, quantities(h.eng.Snapshot().Items)); diff != "" {
		t.Fatalf("items mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]cart.Entry{{ProductID: "B", Quantity: 1}}, h.gw.carts["u1"]); diff != "" {
		t.Fatalf("server mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_LoadFailureKeepsItemsAndSetsError(t *testing.T) {
	h := newHarness(t)
	h.gw.set(func(g *fakeGateway) { g.fetchErr = errOffline })
	h.setSession(t, user("u1"))
	s := h.eng.Snapshot()
	if s.Phase != PhaseError || s.IsLoading || s.ErrorCategory != errmodel.CategoryNetwork {
		t.Fatalf("snapshot=%+v want network error", s)
	}

	h.gw.set(func(g *fakeGateway) {
		g.fetchErr = nil
		g.carts["u1"] = []cart.Entry{{ProductID: "B", Quantity: 2}}
	})
	h.eng.Reload()
	h.idle(t)
	s = h.eng.Snapshot()
	if s.Phase != PhaseReadyAuthenticated || s.Error != "" {
		t.Fatalf("snapshot=%+v want recovered", s)
	}
	if diff := cmp.Diff([]cart.Entry{{ProductID: "B", Quantity: 2}}, quantities(s.Items)); diff != "" {
		t.Fatalf("items mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_MergeFailureKeepsGuestCartUntilReload(t *testing.T) {
	h := newHarness(t)
	h.setSession(t, guest())
	h.eng.AddItem(prodA, 2)
	h.idle(t)
	h.gw.set(func(g *fakeGateway) {
		g.carts["u1"] = []cart.Entry{{ProductID: "B", Quantity: 1}}
		g.fetchErr = errOffline
	})

	h.setSession(t, user("u1"))
	s := h.eng.Snapshot()
	if s.Phase != PhaseError || s.Error == "" {
		t.Fatalf("snapshot=%+v want error", s)
	}
	if diff := cmp.Diff([]cart.Entry{{ProductID: "A", Quantity: 2}}, quantities(s.Items)); diff != "" {
		t.Fatalf("guest items should stay visible (-want +got):\n%s", diff)
	}

	// Writes go to the device while the merge is outstanding.
	h.eng.AddItem(prodC, 1)
	h.idle(t)
	if len(h.gw.savedCarts()) != 0 {
		t.Fatal("server cart must not be overwritten before the merge")
	}
	if diff := cmp.Diff([]cart.Entry{{ProductID: "A", Quantity: 2}, {ProductID: "C", Quantity: 1}}, quantities(h.local.Load(context.Background()))); diff != "" {
		t.Fatalf("device mismatch (-want +got):\n%s", diff)
	}

	h.gw.set(func(g *fakeGateway) { g.fetchErr = nil })
	h.eng.Reload()
	h.idle(t)
	want := []cart.Entry{{ProductID: "B", Quantity: 1}, {ProductID: "A", Quantity: 2}, {ProductID: "C", Quantity: 1}}
	if diff := cmp.Diff(want, quantities(h.eng.Snapshot().Items)); diff != "" {
		t.Fatalf("merged items mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, h.gw.carts["u1"]); diff != "" {
		t.Fatalf("server mismatch (-want +got):\n%s", diff)
	}
	if h.kv.has(localcart.StorageKey) {
		t.Fatal("device cart should be cleared once the merge lands")
	}

	h.eng.AddItem(prodD, 1)
	h.idle(t)
	if last := h.gw.savedCarts(); len(last[len(last)-1].Items) != 4 {
		t.Fatalf("after the merge writes go to the server, saves=%v", last)
	}
}

func TestEngine_StaleLoadIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.setSession(t, guest())
	gate := make(chan struct{})
	h.gw.set(func(g *fakeGateway) {
		g.carts["u1"] = []cart.Entry{{ProductID: "B", Quantity: 9}}
		g.fetchGate = gate
	})

	h.eng.SessionChanged(user("u1"))
	eventually(t, "fetch to start", func() bool { return h.gw.fetchCount() == 1 })
	h.eng.SessionChanged(guest())
	close(gate)
	h.idle(t)

	s := h.eng.Snapshot()
	if s.Phase != PhaseReadyGuest || len(s.Items) != 0 || s.IsLoading {
		t.Fatalf("snapshot=%+v: superseded load leaked into the guest session", s)
	}
}

func TestEngine_MutationsDuringMergeApplyAfterIt(t *testing.T) {
	h := newHarness(t)
	h.setSession(t, guest())
	h.eng.AddItem(prodA, 2)
	h.idle(t)
	gate := make(chan struct{})
	h.gw.set(func(g *fakeGateway) {
		g.carts["u1"] = []cart.Entry{{ProductID: "A", Quantity: 1}, {ProductID: "B", Quantity: 3}}
		g.fetchGate = gate
	})

	h.eng.SessionChanged(user("u1"))
	eventually(t, "merge to start", func() bool { return h.gw.fetchCount() == 1 })
	h.eng.AddItem(prodC, 1)
	h.eng.UpdateQuantity("B", 1)
	if s := h.eng.Snapshot(); !s.IsLoading || len(s.Items) != 1 {
		t.Fatalf("snapshot=%+v: mutations should wait for the merge", s)
	}
	close(gate)
	h.idle(t)

	want := []cart.Entry{{ProductID: "A", Quantity: 3}, {ProductID: "B", Quantity: 1}, {ProductID: "C", Quantity: 1}}
	if diff := cmp.Diff(want, quantities(h.eng.Snapshot().Items)); diff != "" {
		t.Fatalf("items mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, h.gw.carts["u1"]); diff != "" {
		t.Fatalf("server mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_SavesAreSerialAndCoalesced(t *testing.T) {
	h := newHarness(t)
	h.setSession(t, user("u1"))
	gate := make(chan struct{})
	h.gw.set(func(g *fakeGateway) { g.saveGate = gate })

	h.eng.AddItem(prodA, 1)
	eventually(t, "first save to start", func() bool {
		h.gw.mu.Lock()
		defer h.gw.mu.Unlock()
		return h.gw.active == 1
	})
	for i := 0; i < 4; i++ {
		h.eng.AddItem(prodA, 1)
	}
	close(gate)
	h.idle(t)

	saves := h.gw.savedCarts()
	if len(saves) != 2 {
		t.Fatalf("saves=%d want 2 (in-flight plus one coalesced)", len(saves))
	}
	if diff := cmp.Diff([]cart.Entry{{ProductID: "A", Quantity: 5}}, saves[1].Items); diff != "" {
		t.Fatalf("last save mismatch (-want +got):\n%s", diff)
	}
	if h.gw.maxActive != 1 {
		t.Fatalf("max concurrent saves=%d want 1", h.gw.maxActive)
	}
}

func TestEngine_SaveErrorClearsOnNextSuccess(t *testing.T) {
	h := newHarness(t)
	h.setSession(t, user("u1"))
	h.gw.set(func(g *fakeGateway) { g.saveErr = errmodel.FromStatus(401, "expired", nil) })
	h.eng.AddItem(prodA, 1)
	h.idle(t)
	s := h.eng.Snapshot()
	if s.ErrorCategory != errmodel.CategoryAuth || len(s.Items) != 1 {
		t.Fatalf("snapshot=%+v want auth error with item kept", s)
	}
	h.gw.set(func(g *fakeGateway) { g.saveErr = nil })
	h.eng.AddItem(prodA, 1)
	h.idle(t)
	if s := h.eng.Snapshot(); s.Error != "" {
		t.Fatalf("error=%q want cleared", s.Error)
	}
}

func TestEngine_TokenRefreshDoesNotReload(t *testing.T) {
	h := newHarness(t)
	h.setSession(t, user("u1"))
	refreshed := user("u1")
	refreshed.Token = "tok-new"
	h.setSession(t, refreshed)
	if n := h.gw.fetchCount(); n != 1 {
		t.Fatalf("fetches=%d want 1", n)
	}
}

func TestEngine_SwitchingUsersReloads(t *testing.T) {
	h := newHarness(t)
	h.gw.set(func(g *fakeGateway) {
		g.carts["u1"] = []cart.Entry{{ProductID: "A", Quantity: 1}}
		g.carts["u2"] = []cart.Entry{{ProductID: "B", Quantity: 2}}
	})
	h.setSession(t, user("u1"))
	h.setSession(t, user("u2"))
	s := h.eng.Snapshot()
	if s.UserID != "u2" {
		t.Fatalf("user=%q want u2", s.UserID)
	}
	if diff := cmp.Diff([]cart.Entry{{ProductID: "B", Quantity: 2}}, quantities(s.Items)); diff != "" {
		t.Fatalf("items mismatch (-want +got):\n%s", diff)
	}
	if len(h.gw.savedCarts()) != 0 {
		t.Fatal("switching users must not merge")
	}
}

func TestEngine_RehydrationKeepsUnknownProductsAsBareLines(t *testing.T) {
	lookup := lookupFunc(func(_ context.Context, id string) (*cart.Product, error) {
		switch id {
		case "A":
			p := prodA
			return &p, nil
		case "E":
			return nil, errOffline
		}
		return nil, nil
	})
	h := newHarness(t, WithProducts(lookup), WithLookupConcurrency(2))
	h.gw.set(func(g *fakeGateway) {
		g.carts["u1"] = []cart.Entry{{ProductID: "A", Quantity: 1}, {ProductID: "gone", Quantity: 1}, {ProductID: "E", Quantity: 4}}
	})
	h.setSession(t, user("u1"))
	want := []cart.LineItem{prodA.LineItem(1), {ProductID: "gone", Quantity: 1}, {ProductID: "E", Quantity: 4}}
	if diff := cmp.Diff(want, h.eng.Snapshot().Items); diff != "" {
		t.Fatalf("items mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_MergeKeepsServerLinesWithoutCatalogEntry(t *testing.T) {
	lookup := lookupFunc(func(_ context.Context, id string) (*cart.Product, error) {
		if id == "A" {
			p := prodA
			return &p, nil
		}
		return nil, nil
	})
	h := newHarness(t, WithProducts(lookup))
	h.gw.set(func(g *fakeGateway) {
		g.carts["u1"] = []cart.Entry{{ProductID: "gone", Quantity: 2}}
	})
	h.setSession(t, guest())
	h.eng.AddItem(prodA, 1)
	h.setSession(t, user("u1"))

	saves := h.gw.savedCarts()
	if len(saves) != 1 {
		t.Fatalf("saves=%d want 1", len(saves))
	}
	want := []cart.Entry{{ProductID: "gone", Quantity: 2}, {ProductID: "A", Quantity: 1}}
	if diff := cmp.Diff(want, saves[0].Items); diff != "" {
		t.Fatalf("saved cart mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_AddSaturatesAtMaxQuantity(t *testing.T) {
	h := newHarness(t)
	h.setSession(t, guest())
	h.eng.AddItem(prodA, math.MaxInt)
	h.eng.AddItem(prodA, 1)
	h.idle(t)

	want := []cart.Entry{{ProductID: "A", Quantity: math.MaxInt}}
	if diff := cmp.Diff(want, quantities(h.eng.Snapshot().Items)); diff != "" {
		t.Fatalf("memory mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, quantities(h.local.Load(context.Background()))); diff != "" {
		t.Fatalf("device mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_MutationsBeforeSessionAreReplayed(t *testing.T) {
	h := newHarness(t)
	h.eng.AddItem(prodA, 1)
	if items := h.eng.Snapshot().Items; len(items) != 0 {
		t.Fatalf("items=%v: nothing applies before the cart is loaded", items)
	}
	h.setSession(t, guest())
	if diff := cmp.Diff([]cart.Entry{{ProductID: "A", Quantity: 1}}, quantities(h.local.Load(context.Background()))); diff != "" {
		t.Fatalf("device mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_SubscribeSeesChanges(t *testing.T) {
	h := newHarness(t)
	var (
		mu   sync.Mutex
		seen []Snapshot
	)
	cancel := h.eng.Subscribe(func(s Snapshot) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	h.setSession(t, guest())
	h.eng.AddItem(prodA, 1)
	h.idle(t)
	cancel()
	h.eng.AddItem(prodA, 1)
	h.idle(t)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 {
		t.Fatal("no snapshots delivered")
	}
	last := seen[len(seen)-1]
	if len(last.Items) != 1 || last.Items[0].Quantity != 1 {
		t.Fatalf("last delivered=%+v want quantity 1 (cancelled before the second add)", last)
	}
}

func TestEngine_WithSessionFollowsProvider(t *testing.T) {
	kv := newKV()
	p := session.NewProvider(kv, nil)
	gw := newGateway()
	eng := New(localcart.New(kv), gw, WithSession(p))
	defer func() { _ = eng.Close(context.Background()) }()

	if s := eng.Snapshot(); s.Phase != PhaseLoading {
		t.Fatalf("phase=%s want loading", s.Phase)
	}
	p.Restore(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := eng.WaitIdle(ctx); err != nil {
		t.Fatal(err)
	}
	if s := eng.Snapshot(); s.Phase != PhaseReadyGuest {
		t.Fatalf("phase=%s want ready guest", s.Phase)
	}
}

func TestEngine_CloseFlushesSaves(t *testing.T) {
	h := newHarness(t)
	h.setSession(t, user("u1"))
	h.eng.AddItem(prodB, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.eng.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]cart.Entry{{ProductID: "B", Quantity: 2}}, h.gw.carts["u1"]); diff != "" {
		t.Fatalf("server mismatch (-want +got):\n%s", diff)
	}
	h.eng.AddItem(prodB, 1)
	if got := h.eng.Snapshot().Items[0].Quantity; got != 2 {
		t.Fatalf("quantity=%d: closed engine must ignore mutations", got)
	}
}
