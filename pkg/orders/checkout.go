package orders

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/wilhg/storefront/pkg/cart"
	"github.com/wilhg/storefront/pkg/engine"
	"github.com/wilhg/storefront/pkg/errmodel"
	"github.com/wilhg/storefront/pkg/session"
)

// Cart is the part of the cart engine checkout drives.
type Cart interface {
	Snapshot() engine.Snapshot
	ClearCart()
	WaitIdle(ctx context.Context) error
}

// Checkout places an order for everything in c and clears the cart once the
// server has accepted it. The cart must be loaded for the signed-in user.
// A failed clear after a placed order is logged and the order still returned.
func (c *Client) Checkout(ctx context.Context, sc Cart, who session.Snapshot, address string) (Order, error) {
	if !who.IsAuthenticated || who.Token == "" {
		return Order{}, errmodel.Auth("unauthorized", "sign in to place an order", nil)
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return Order{}, errmodel.Validation("missing_address", "a delivery address is required", nil)
	}
	if err := sc.WaitIdle(ctx); err != nil {
		return Order{}, errmodel.System("cart_busy", "cart did not settle", nil, err)
	}
	snap := sc.Snapshot()
	if snap.Phase != engine.PhaseReadyAuthenticated || snap.UserID != who.UserID() {
		return Order{}, errmodel.Validation("cart_not_ready", "cart is not loaded for this user", map[string]any{"phase": string(snap.Phase)})
	}
	if len(snap.Items) == 0 {
		return Order{}, errmodel.Validation("empty_cart", "cart is empty", nil)
	}

	order, err := c.Create(ctx, who.Token, Request{Items: cart.Entries(snap.Items), DeliveryAddress: address})
	if err != nil {
		return Order{}, err
	}
	log := c.log.WithFields(logrus.Fields{"order_id": order.ID, "user_id": who.UserID()})
	sc.ClearCart()
	if err := sc.WaitIdle(ctx); err != nil {
		log.WithError(err).Warn("cart clear still pending after checkout")
		return order, nil
	}
	if after := sc.Snapshot(); len(after.Items) > 0 {
		log.WithField("error", after.Error).Warn("order placed but cart clear failed")
	}
	log.Info("order placed")
	return order, nil
}
