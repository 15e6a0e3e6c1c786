// Package remotecart is the HTTP gateway to the server-side cart of an
// authenticated user: GET and POST {base}/cart/{userId} with a bearer token.
package remotecart

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wilhg/storefront/pkg/cart"
	"github.com/wilhg/storefront/pkg/errmodel"
	"github.com/wilhg/storefront/pkg/validate"
)

// DefaultTimeout bounds every gateway call.
const DefaultTimeout = 10 * time.Second

const maxBody = 1 << 20

// Client talks to the cart API.
type Client struct {
	base    string
	hc      *http.Client
	timeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.hc = hc } }

// WithTimeout overrides DefaultTimeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New returns a client for the API rooted at baseURL (for example
// "http://localhost:5000/api").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base:    strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		timeout: DefaultTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type cartDoc struct {
	Items []cart.Entry `json:"items"`
}

// Fetch returns the user's server cart. An empty userID yields an empty cart.
func (c *Client) Fetch(ctx context.Context, userID, token string) ([]cart.Entry, error) {
	if userID == "" {
		return []cart.Entry{}, nil
	}
	body, status, err := c.do(ctx, http.MethodGet, c.cartURL(userID), token, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent || len(bytes.TrimSpace(body)) == 0 {
		return []cart.Entry{}, nil
	}
	if err := validate.Cart(body); err != nil {
		return nil, errmodel.Server("malformed_cart", "server returned an invalid cart", map[string]any{"user_id": userID, "error": err.Error()})
	}
	var doc cartDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, errmodel.Server("malformed_cart", "server returned an invalid cart", map[string]any{"user_id": userID, "error": err.Error()})
	}
	if doc.Items == nil {
		doc.Items = []cart.Entry{}
	}
	return doc.Items, nil
}

// Save overwrites the user's server cart with items. Only product ids and
// quantities are sent; display fields are resolved on read.
func (c *Client) Save(ctx context.Context, userID string, items []cart.LineItem, token string) error {
	if userID == "" {
		return errmodel.Validation("missing_user", "user id is required to save a cart", nil)
	}
	doc := cartDoc{Items: cart.Entries(items)}
	if err := validate.JSONSchema(validate.CartSchema, doc); err != nil {
		return errmodel.Validation("invalid_cart", "refusing to send an invalid cart", map[string]any{"user_id": userID, "error": err.Error()})
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return errmodel.System("encode_failed", "could not encode cart", nil, err)
	}
	_, _, err = c.do(ctx, http.MethodPost, c.cartURL(userID), token, payload)
	return err
}

func (c *Client) cartURL(userID string) string {
	return c.base + "/cart/" + url.PathEscape(userID)
}

func (c *Client) do(ctx context.Context, method, target, token string, payload []byte) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, 0, errmodel.System("bad_request", "could not build request", map[string]any{"url": target}, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return nil, 0, TransportError(target, err)
	}
	defer func() { _ = res.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(res.Body, maxBody))
	if err != nil {
		return nil, res.StatusCode, TransportError(target, err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, res.StatusCode, errmodel.FromStatus(res.StatusCode, ErrorMessage(body), map[string]any{"url": target})
	}
	return body, res.StatusCode, nil
}

// TransportError classifies a failed round trip to target as a network
// error, with code "timeout" for deadline expiry and "unreachable" otherwise.
func TransportError(target string, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return errmodel.Network("timeout", "service did not answer in time", map[string]any{"url": target}, err)
	}
	return errmodel.Network("unreachable", fmt.Sprintf("request failed: %v", err), map[string]any{"url": target}, nil)
}

// ErrorMessage extracts a human message from an API error body. It accepts
// {"message": "..."} and the {"error": {"message": "..."}} envelope.
func ErrorMessage(body []byte) string {
	var flat struct {
		Message string `json:"message"`
		Error   *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &flat); err != nil {
		return ""
	}
	if flat.Message != "" {
		return flat.Message
	}
	if flat.Error != nil {
		return flat.Error.Message
	}
	return ""
}
