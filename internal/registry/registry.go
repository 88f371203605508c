// Package registry keeps each tenant's list of registered accounts.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"wafleet/internal/faults"
	"wafleet/internal/storage"
	"wafleet/internal/tenant"
)

// Account is one messaging identity under a tenant.
// IDs are unique within the tenant, never globally.
type Account struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Registry struct {
	store storage.Store
}

func New(store storage.Store) *Registry {
	return &Registry{store: store}
}

func (r *Registry) List(ctx context.Context, t tenant.Key) ([]Account, error) {
	doc, found, err := r.store.Get(ctx, t, storage.KindAccounts)
	if err != nil {
		return nil, err
	}
	if !found {
		return []Account{}, nil
	}
	var accounts []Account
	if err := json.Unmarshal(doc, &accounts); err != nil {
		return nil, fmt.Errorf("decode accounts document: %w", err)
	}
	return accounts, nil
}

func (r *Registry) Get(ctx context.Context, t tenant.Key, id string) (Account, error) {
	accounts, err := r.List(ctx, t)
	if err != nil {
		return Account{}, err
	}
	for _, a := range accounts {
		if a.ID == id {
			return a, nil
		}
	}
	return Account{}, faults.Newf(faults.KindNotFound, "unknown account %q", id)
}

// Add registers a new account and returns it. An empty display name gets a
// positional default.
func (r *Registry) Add(ctx context.Context, t tenant.Key, name string) (Account, error) {
	acc := Account{ID: newAccountID(), Name: strings.TrimSpace(name)}
	err := r.store.Update(ctx, t, storage.KindAccounts, func(doc []byte) ([]byte, error) {
		var accounts []Account
		if doc != nil {
			if err := json.Unmarshal(doc, &accounts); err != nil {
				return nil, fmt.Errorf("decode accounts document: %w", err)
			}
		}
		if acc.Name == "" {
			acc.Name = fmt.Sprintf("Account %d", len(accounts)+1)
		}
		accounts = append(accounts, acc)
		return json.Marshal(accounts)
	})
	if err != nil {
		return Account{}, err
	}
	return acc, nil
}

// Remove drops an account from the registry. Session/campaign teardown is
// the caller's responsibility and must happen before files are discarded.
func (r *Registry) Remove(ctx context.Context, t tenant.Key, id string) error {
	return r.store.Update(ctx, t, storage.KindAccounts, func(doc []byte) ([]byte, error) {
		var accounts []Account
		if doc != nil {
			if err := json.Unmarshal(doc, &accounts); err != nil {
				return nil, fmt.Errorf("decode accounts document: %w", err)
			}
		}
		kept := lo.Filter(accounts, func(a Account, _ int) bool { return a.ID != id })
		if len(kept) == len(accounts) {
			return nil, faults.Newf(faults.KindNotFound, "unknown account %q", id)
		}
		return json.Marshal(kept)
	})
}

func newAccountID() string {
	return "acc_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
