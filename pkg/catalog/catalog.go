// Package catalog resolves product ids to display data.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wilhg/storefront/pkg/cart"
	"github.com/wilhg/storefront/pkg/errmodel"
)

// Lookup finds a product by id. A missing product is (nil, nil).
type Lookup interface {
	GetProductByID(ctx context.Context, id string) (*cart.Product, error)
}

// Client reads products from {base}/products/{id}.
type Client struct {
	base    string
	hc      *http.Client
	timeout time.Duration
}

// New returns a products API client.
func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), hc: hc, timeout: 10 * time.Second}
}

// GetProductByID implements Lookup. 404 is not an error.
func (c *Client) GetProductByID(ctx context.Context, id string) (*cart.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	target := c.base + "/products/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	res, err := c.hc.Do(req)
	if err != nil {
		return nil, errmodel.Network("unreachable", fmt.Sprintf("product lookup failed: %v", err), map[string]any{"product_id": id}, nil)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, errmodel.Network("read_failed", "product body truncated", map[string]any{"product_id": id}, err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, errmodel.FromStatus(res.StatusCode, "", map[string]any{"product_id": id})
	}
	var p cart.Product
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, errmodel.Server("malformed_product", "server returned an invalid product", map[string]any{"product_id": id, "error": err.Error()})
	}
	if p.ID == "" {
		p.ID = id
	}
	return &p, nil
}

// ListProducts returns {base}/products, filtered by category when non-empty.
func (c *Client) ListProducts(ctx context.Context, category string) ([]cart.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	target := c.base + "/products"
	if category != "" {
		target += "?" + url.Values{"category": {category}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	res, err := c.hc.Do(req)
	if err != nil {
		return nil, errmodel.Network("unreachable", fmt.Sprintf("product listing failed: %v", err), map[string]any{"url": target}, nil)
	}
	defer func() { _ = res.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, errmodel.Network("read_failed", "product listing truncated", map[string]any{"url": target}, err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, errmodel.FromStatus(res.StatusCode, "", map[string]any{"url": target})
	}
	out := []cart.Product{}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, errmodel.Server("malformed_products", "server returned an invalid product list", map[string]any{"error": err.Error()})
	}
	return out, nil
}

// Memory is an in-process Lookup.
type Memory struct {
	mu       sync.RWMutex
	products map[string]cart.Product
}

// NewMemory returns a Memory holding products.
func NewMemory(products ...cart.Product) *Memory {
	m := &Memory{products: make(map[string]cart.Product, len(products))}
	for _, p := range products {
		m.products[p.ID] = p
	}
	return m
}

// Put adds or replaces a product.
func (m *Memory) Put(p cart.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
}

// Delete removes a product.
func (m *Memory) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.products, id)
}

// GetProductByID implements Lookup.
func (m *Memory) GetProductByID(_ context.Context, id string) (*cart.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}
