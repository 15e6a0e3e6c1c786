// Package orders places and reads orders against {base}/orders and turns the
// current cart into an order at checkout.
package orders

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/wilhg/storefront/pkg/cart"
	"github.com/wilhg/storefront/pkg/catalog"
	"github.com/wilhg/storefront/pkg/errmodel"
	"github.com/wilhg/storefront/pkg/remotecart"
	"github.com/wilhg/storefront/pkg/validate"
)

const maxBody = 1 << 20

// Line is one ordered product. Image is filled from the catalog on read.
type Line struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Image     string          `json:"image,omitempty"`
}

// Order is a placed order as the API reports it.
type Order struct {
	ID              string          `json:"orderId"`
	UserID          string          `json:"userId"`
	Email           string          `json:"email"`
	DeliveryAddress string          `json:"deliveryAddress"`
	Status          string          `json:"status"`
	Items           []Line          `json:"items"`
	Total           decimal.Decimal `json:"totalAmount"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// Request is the body of a new order.
type Request struct {
	Items           []cart.Entry `json:"items"`
	DeliveryAddress string       `json:"deliveryAddress"`
}

// Client talks to the orders API.
type Client struct {
	base     string
	hc       *http.Client
	timeout  time.Duration
	products catalog.Lookup
	limit    int
	log      logrus.FieldLogger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.hc = hc } }

// WithTimeout overrides remotecart.DefaultTimeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithProducts enables image lookup for order lines on Get.
func WithProducts(p catalog.Lookup) Option { return func(c *Client) { c.products = p } }

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option { return func(c *Client) { c.log = l } }

// New returns a client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base:    strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		timeout: remotecart.DefaultTimeout,
		limit:   4,
		log:     logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Create places an order.
func (c *Client) Create(ctx context.Context, token string, req Request) (Order, error) {
	if err := validate.JSONSchema(validate.OrderSchema, req); err != nil {
		return Order{}, errmodel.Validation("invalid_order", err.Error(), nil)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return Order{}, errmodel.System("encode_failed", "could not encode order", nil, err)
	}
	body, err := c.do(ctx, http.MethodPost, c.base+"/orders", token, payload)
	if err != nil {
		return Order{}, err
	}
	return decodeOrder(body)
}

// List returns the signed-in user's orders, newest first. Both a bare array
// and an {"orders": [...]} body are accepted.
func (c *Client) List(ctx context.Context, token string) ([]Order, error) {
	body, err := c.do(ctx, http.MethodGet, c.base+"/orders/user", token, nil)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(body)
	out := []Order{}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &out)
	} else {
		var wrapped struct {
			Orders []Order `json:"orders"`
		}
		err = json.Unmarshal(trimmed, &wrapped)
		if wrapped.Orders != nil {
			out = wrapped.Orders
		}
	}
	if err != nil {
		return nil, errmodel.Server("malformed_orders", "server returned an invalid order list", map[string]any{"error": err.Error()})
	}
	return out, nil
}

// Get returns one order. With WithProducts, lines without an image get the
// catalog's; lookup failures leave the line as served.
func (c *Client) Get(ctx context.Context, token, id string) (Order, error) {
	if strings.TrimSpace(id) == "" {
		return Order{}, errmodel.Validation("missing_order", "order id is required", nil)
	}
	body, err := c.do(ctx, http.MethodGet, c.base+"/orders/"+url.PathEscape(id), token, nil)
	if err != nil {
		return Order{}, err
	}
	o, err := decodeOrder(body)
	if err != nil {
		return Order{}, err
	}
	c.fillImages(ctx, o.Items)
	return o, nil
}

func (c *Client) fillImages(ctx context.Context, lines []Line) {
	if c.products == nil {
		return
	}
	var g errgroup.Group
	g.SetLimit(c.limit)
	for i := range lines {
		if lines[i].Image != "" {
			continue
		}
		g.Go(func() error {
			p, err := c.products.GetProductByID(ctx, lines[i].ProductID)
			if err != nil {
				c.log.WithError(err).WithField("product_id", lines[i].ProductID).Warn("order line image lookup failed")
				return nil
			}
			if p != nil {
				lines[i].Image = p.Image
			}
			return nil
		})
	}
	_ = g.Wait()
}

func decodeOrder(body []byte) (Order, error) {
	var o Order
	if err := json.Unmarshal(body, &o); err != nil || o.ID == "" {
		msg := "missing orderId"
		if err != nil {
			msg = err.Error()
		}
		return Order{}, errmodel.Server("malformed_order", "server returned an invalid order", map[string]any{"error": msg})
	}
	if o.Items == nil {
		o.Items = []Line{}
	}
	return o, nil
}

func (c *Client) do(ctx context.Context, method, target, token string, payload []byte) ([]byte, error) {
	if token == "" {
		return nil, errmodel.Auth("unauthorized", "sign in to use orders", nil)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, errmodel.System("bad_request", "could not build request", map[string]any{"url": target}, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return nil, remotecart.TransportError(target, err)
	}
	defer func() { _ = res.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(res.Body, maxBody))
	if err != nil {
		return nil, remotecart.TransportError(target, err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, errmodel.FromStatus(res.StatusCode, remotecart.ErrorMessage(body), map[string]any{"url": target})
	}
	return body, nil
}
