// Package localcart is the guest cart kept in device storage under a fixed key.
package localcart

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/wilhg/storefront/pkg/cart"
	"github.com/wilhg/storefront/pkg/errmodel"
	"github.com/wilhg/storefront/pkg/store"
)

// StorageKey is the device storage key of the guest cart.
const StorageKey = "guestShoppingCart"

// record is the stored document.
type record struct {
	Items []cart.LineItem `json:"items"`
}

// Store reads and writes the guest cart.
type Store struct {
	kv  store.LocalStore
	key string
	log logrus.FieldLogger
}

// Option configures a Store.
type Option func(*Store)

// WithKey overrides StorageKey.
func WithKey(key string) Option { return func(s *Store) { s.key = key } }

// WithLogger sets the logger used for storage failures.
func WithLogger(l logrus.FieldLogger) Option { return func(s *Store) { s.log = l } }

// New returns a guest cart store on top of kv.
func New(kv store.LocalStore, opts ...Option) *Store {
	s := &Store{kv: kv, key: StorageKey, log: logrus.StandardLogger()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load returns the stored guest cart. Missing, unreadable or corrupt data
// yields an empty list; the failure is logged, never returned.
func (s *Store) Load(ctx context.Context) []cart.LineItem {
	raw, err := s.kv.GetEntry(ctx, s.key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.WithError(errmodel.Storage("read_failed", "could not read guest cart", map[string]any{"key": s.key}, err)).
				Warn("guest cart unavailable, using empty cart")
		}
		return []cart.LineItem{}
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.log.WithError(errmodel.Storage("corrupt", "guest cart is not valid json", map[string]any{"key": s.key}, err)).
			Warn("guest cart corrupt, using empty cart")
		return []cart.LineItem{}
	}
	return cart.Normalize(rec.Items)
}

// Save overwrites the stored guest cart with items.
func (s *Store) Save(ctx context.Context, items []cart.LineItem) error {
	if items == nil {
		items = []cart.LineItem{}
	}
	raw, err := json.Marshal(record{Items: items})
	if err != nil {
		return errmodel.Storage("encode_failed", "could not encode guest cart", nil, err)
	}
	if err := s.kv.PutEntry(ctx, s.key, raw); err != nil {
		return errmodel.Storage("write_failed", "could not write guest cart", map[string]any{"key": s.key}, err)
	}
	return nil
}

// Clear removes the stored guest cart.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.kv.DeleteEntry(ctx, s.key); err != nil {
		return errmodel.Storage("delete_failed", "could not clear guest cart", map[string]any{"key": s.key}, err)
	}
	return nil
}
