package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wilhg/storefront/pkg/errmodel"
	"github.com/wilhg/storefront/pkg/remotecart"
)

// AuthClient talks to {base}/auth.
type AuthClient struct {
	base string
	hc   *http.Client
}

// NewAuthClient returns an Authenticator for the auth API under baseURL.
func NewAuthClient(baseURL string, hc *http.Client) *AuthClient {
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport), Timeout: 10 * time.Second}
	}
	return &AuthClient{base: strings.TrimRight(baseURL, "/"), hc: hc}
}

// Login implements Authenticator.
func (c *AuthClient) Login(ctx context.Context, email, password string) (Credentials, error) {
	return c.post(ctx, "/auth/login", map[string]string{"email": email, "password": password})
}

// Register implements Authenticator.
func (c *AuthClient) Register(ctx context.Context, name, email, password string) (Credentials, error) {
	return c.post(ctx, "/auth/register", map[string]string{"name": name, "email": email, "password": password})
}

func (c *AuthClient) post(ctx context.Context, path string, body any) (Credentials, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Credentials{}, errmodel.System("encode_failed", "could not encode credentials", nil, err)
	}
	target := c.base + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return Credentials{}, errmodel.System("bad_request", "could not build request", map[string]any{"url": target}, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	res, err := c.hc.Do(req)
	if err != nil {
		return Credentials{}, errmodel.Network("unreachable", fmt.Sprintf("auth request failed: %v", err), map[string]any{"url": target}, nil)
	}
	defer func() { _ = res.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return Credentials{}, errmodel.Network("read_failed", "auth response truncated", map[string]any{"url": target}, err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return Credentials{}, errmodel.FromStatus(res.StatusCode, remotecart.ErrorMessage(raw), map[string]any{"url": target})
	}
	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return Credentials{}, errmodel.Server("malformed_credentials", "auth response is not valid json", map[string]any{"url": target})
	}
	return creds, nil
}
