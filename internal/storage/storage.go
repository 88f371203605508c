// Package storage persists per-tenant JSON documents.
//
// Each (tenant, kind) pair maps to one whole document; callers load, mutate
// and save through Update, which serializes read-modify-write cycles per
// (tenant, kind) so concurrent requests for the same tenant cannot lose
// updates. Different tenants never contend.
package storage

import (
	"context"
	"errors"
	"time"

	"wafleet/internal/tenant"
)

// Kind names one document family.
type Kind string

const (
	KindAccounts   Kind = "accounts"
	KindCategories Kind = "categories"
)

var ErrClosed = errors.New("storage closed")

// Store is the minimal persistence API used by the core.
//
// Get returns the raw document and whether it exists. Update runs fn under
// the (tenant, kind) write lock; fn receives the current document (nil when
// absent) and returns the replacement. Returning an error from fn aborts
// the update with no mutation.
// Tenants lists the tenant tokens that have a document of the given kind;
// the janitor uses it to sweep every tenant without keeping its own index.
type Store interface {
	Get(ctx context.Context, t tenant.Key, kind Kind) (doc []byte, found bool, err error)
	Update(ctx context.Context, t tenant.Key, kind Kind, fn func(doc []byte) ([]byte, error)) error
	Tenants(ctx context.Context, kind Kind) ([]string, error)
	Close() error
}

// Config configures the SQLite document store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}
