// Package session tracks who is signed in on this device.
//
// A Provider starts in the loading state, resolves from device storage on
// Restore and publishes a Snapshot to every subscriber on each change.
// Credentials are stored under TokenKey and UserKey so a later process on the
// same device picks the session back up.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/wilhg/storefront/pkg/errmodel"
	"github.com/wilhg/storefront/pkg/store"
)

// Device storage keys.
const (
	TokenKey = "authToken"
	UserKey  = "authUser"
)

// User is the signed-in account as returned by the auth API.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role,omitempty"`
}

// Snapshot is the published session state.
type Snapshot struct {
	IsAuthenticated bool
	User            *User
	Token           string
	IsLoading       bool
}

// UserID returns the signed-in user's id or "".
func (s Snapshot) UserID() string {
	if !s.IsAuthenticated || s.User == nil {
		return ""
	}
	return s.User.ID
}

func (s Snapshot) clone() Snapshot {
	if s.User != nil {
		u := *s.User
		s.User = &u
	}
	return s
}

// Source is what the cart engine needs from a session provider.
type Source interface {
	Current() Snapshot
	Subscribe(fn func(Snapshot)) (cancel func())
}

// Authenticator exchanges credentials for a token.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (Credentials, error)
	Register(ctx context.Context, name, email, password string) (Credentials, error)
}

// Credentials is the auth API response.
type Credentials struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// Provider owns the device session.
type Provider struct {
	kv   store.LocalStore
	auth Authenticator
	log  logrus.FieldLogger

	mu     sync.Mutex
	snap   Snapshot
	subs   map[int]func(Snapshot)
	nextID int
	// serializes publication so subscribers see snapshots in order
	pubMu sync.Mutex
}

// Option configures a Provider.
type Option func(*Provider)

// WithLogger sets the provider logger.
func WithLogger(l logrus.FieldLogger) Option { return func(p *Provider) { p.log = l } }

// NewProvider returns a Provider in the loading state.
func NewProvider(kv store.LocalStore, auth Authenticator, opts ...Option) *Provider {
	p := &Provider{
		kv:   kv,
		auth: auth,
		log:  logrus.StandardLogger(),
		snap: Snapshot{IsLoading: true},
		subs: map[int]func(Snapshot){},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Current returns the latest snapshot.
func (p *Provider) Current() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap.clone()
}

// Subscribe registers fn for every future snapshot.
func (p *Provider) Subscribe(fn func(Snapshot)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = fn
	p.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
		})
	}
}

// Restore resolves the session from device storage. A stored token without a
// readable user is discarded.
func (p *Provider) Restore(ctx context.Context) Snapshot {
	next := Snapshot{}
	token, terr := p.kv.GetEntry(ctx, TokenKey)
	rawUser, uerr := p.kv.GetEntry(ctx, UserKey)
	switch {
	case terr == nil && uerr == nil && len(token) > 0:
		var u User
		if err := json.Unmarshal(rawUser, &u); err != nil || u.ID == "" {
			p.log.WithError(errmodel.Storage("corrupt", "stored user is unreadable", map[string]any{"key": UserKey}, err)).
				Warn("discarding stored session")
			p.forget(ctx)
			break
		}
		next = Snapshot{IsAuthenticated: true, User: &u, Token: string(token)}
	case terr != nil && !errors.Is(terr, store.ErrNotFound):
		p.log.WithError(terr).Warn("session storage unavailable, continuing as guest")
	case uerr != nil && !errors.Is(uerr, store.ErrNotFound):
		p.log.WithError(uerr).Warn("session storage unavailable, continuing as guest")
	}
	p.publish(next)
	return next.clone()
}

// Login signs in and persists the credentials.
func (p *Provider) Login(ctx context.Context, email, password string) error {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return errmodel.Validation("missing_credentials", "email and password are required", nil)
	}
	return p.signIn(ctx, func() (Credentials, error) { return p.auth.Login(ctx, email, password) })
}

// Register creates an account and signs in with it.
func (p *Provider) Register(ctx context.Context, name, email, password string) error {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return errmodel.Validation("missing_credentials", "email and password are required", nil)
	}
	return p.signIn(ctx, func() (Credentials, error) { return p.auth.Register(ctx, strings.TrimSpace(name), email, password) })
}

func (p *Provider) signIn(ctx context.Context, call func() (Credentials, error)) error {
	before := p.Current()
	loading := before
	loading.IsLoading = true
	p.publish(loading)

	creds, err := call()
	if err == nil && (creds.Token == "" || creds.User.ID == "") {
		err = errmodel.Server("malformed_credentials", "auth response lacks token or user", nil)
	}
	if err != nil {
		before.IsLoading = false
		p.publish(before)
		return err
	}
	if err := p.remember(ctx, creds); err != nil {
		p.log.WithError(err).Warn("session not persisted, it will not survive a restart")
	}
	u := creds.User
	p.publish(Snapshot{IsAuthenticated: true, User: &u, Token: creds.Token})
	return nil
}

// Logout drops the session locally.
func (p *Provider) Logout(ctx context.Context) error {
	err := p.forget(ctx)
	p.publish(Snapshot{})
	return err
}

func (p *Provider) remember(ctx context.Context, c Credentials) error {
	raw, err := json.Marshal(c.User)
	if err != nil {
		return errmodel.Storage("encode_failed", "could not encode user", nil, err)
	}
	if err := p.kv.PutEntry(ctx, TokenKey, []byte(c.Token)); err != nil {
		return errmodel.Storage("write_failed", "could not store token", map[string]any{"key": TokenKey}, err)
	}
	if err := p.kv.PutEntry(ctx, UserKey, raw); err != nil {
		return errmodel.Storage("write_failed", "could not store user", map[string]any{"key": UserKey}, err)
	}
	return nil
}

func (p *Provider) forget(ctx context.Context) error {
	var first error
	for _, k := range []string{TokenKey, UserKey} {
		if err := p.kv.DeleteEntry(ctx, k); err != nil && first == nil {
			first = errmodel.Storage("delete_failed", "could not clear session", map[string]any{"key": k}, err)
		}
	}
	return first
}

func (p *Provider) publish(s Snapshot) {
	p.pubMu.Lock()
	defer p.pubMu.Unlock()
	p.mu.Lock()
	p.snap = s.clone()
	fns := make([]func(Snapshot), 0, len(p.subs))
	for i := 0; i < p.nextID; i++ {
		if fn, ok := p.subs[i]; ok {
			fns = append(fns, fn)
		}
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(s.clone())
	}
}
