package registry

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"wafleet/internal/faults"
	"wafleet/internal/storage"
	"wafleet/internal/tenant"
	logx "wafleet/pkg/logx"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "docs.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st)
}

func TestAddAndList(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	u := tenant.MustResolve("u1")

	acc, err := r.Add(ctx, u, "Main")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !strings.HasPrefix(acc.ID, "acc_") {
		t.Fatalf("id = %q, want acc_ prefix", acc.ID)
	}
	if acc.Name != "Main" {
		t.Fatalf("name = %q", acc.Name)
	}

	accounts, err := r.List(ctx, u)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(accounts) != 1 || accounts[0].ID != acc.ID {
		t.Fatalf("list = %+v", accounts)
	}
}

func TestAddDefaultName(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	u := tenant.MustResolve("u1")

	if _, err := r.Add(ctx, u, "first"); err != nil {
		t.Fatalf("add: %v", err)
	}
	acc, err := r.Add(ctx, u, "")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if acc.Name != "Account 2" {
		t.Fatalf("name = %q, want Account 2", acc.Name)
	}
}

func TestGetUnknown(t *testing.T) {
	r := testRegistry(t)
	_, err := r.Get(context.Background(), tenant.MustResolve("u1"), "acc_missing")
	if !faults.IsKind(err, faults.KindNotFound) {
		t.Fatalf("err = %v, want not_found", err)
	}
}

func TestRemove(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	u := tenant.MustResolve("u1")

	acc, err := r.Add(ctx, u, "x")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := r.Remove(ctx, u, acc.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	accounts, err := r.List(ctx, u)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(accounts) != 0 {
		t.Fatalf("list = %+v, want empty", accounts)
	}

	if err := r.Remove(ctx, u, acc.ID); !faults.IsKind(err, faults.KindNotFound) {
		t.Fatalf("second remove err = %v, want not_found", err)
	}
}

// Two tenants may hold accounts with colliding IDs without ever seeing each
// other's entries.
func TestTenantIsolation(t *testing.T) {
	r := testRegistry(t)
	ctx := context.Background()
	u1 := tenant.MustResolve("u1")
	u2 := tenant.MustResolve("u2")

	a1, err := r.Add(ctx, u1, "one")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := r.Add(ctx, u2, "two"); err != nil {
		t.Fatalf("add: %v", err)
	}

	if _, err := r.Get(ctx, u2, a1.ID); !faults.IsKind(err, faults.KindNotFound) {
		t.Fatalf("cross-tenant get err = %v, want not_found", err)
	}
	l2, err := r.List(ctx, u2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(l2) != 1 || l2[0].Name != "two" {
		t.Fatalf("u2 list = %+v", l2)
	}
}
