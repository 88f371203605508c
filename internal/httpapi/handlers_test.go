package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"wafleet/internal/broadcast"
	"wafleet/internal/category"
	"wafleet/internal/eventbus"
	"wafleet/internal/registry"
	"wafleet/internal/runtime/supervisor"
	"wafleet/internal/session"
	"wafleet/internal/storage"
	"wafleet/internal/transport"
	"wafleet/internal/transport/loopback"
	logx "wafleet/pkg/logx"
)

type fixture struct {
	srv    *httptest.Server
	engine *loopback.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "docs.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	run := supervisor.New(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = run.Stop(ctx)
	})

	engine := loopback.New(loopback.Config{})
	bus := eventbus.New()
	reg := registry.New(st)
	ledger := category.New(st)
	sessions := session.New(session.Config{}, engine, run, bus, logx.Nop())
	sched := broadcast.New(broadcast.Config{}, sessions, reg, ledger, run, bus, logx.Nop())
	sessions.SetCampaignStopper(sched)

	api := NewServer(Config{}, reg, ledger, sessions, sched, logx.Nop())
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, engine: engine}
}

func (f *fixture) do(t *testing.T, method, path, user string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, buf.Bytes()
}

func decode[T any](t *testing.T, b []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("decode %q: %v", b, err)
	}
	return v
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// addConnected creates an account over the API and opens its loopback
// connection with the given groups.
func (f *fixture) addConnected(t *testing.T, user string, groups ...string) string {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/api/accounts/add", user, map[string]string{"name": "Main"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add account: status %d body %s", resp.StatusCode, body)
	}
	accID := decode[map[string]any](t, body)["accountId"].(string)

	gs := make([]transport.Group, 0, len(groups))
	for _, g := range groups {
		gs = append(gs, transport.Group{ID: g, Name: "Group " + g})
	}
	f.engine.Seed(accID, gs)

	var conn *loopback.Conn
	waitFor(t, "connection", func() bool {
		c, ok := f.engine.Last(user, accID)
		conn = c
		return ok
	})
	conn.EmitOpened()
	return accID
}

func TestMissingTenantRejected(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/api/accounts", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestAccountLifecycle(t *testing.T) {
	f := newFixture(t)

	accID := f.addConnected(t, "u1", "g1")

	resp, body := f.do(t, http.MethodGet, "/api/accounts", "u1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d", resp.StatusCode)
	}
	accounts := decode[[]map[string]any](t, body)
	if len(accounts) != 1 || accounts[0]["id"] != accID {
		t.Fatalf("accounts = %v", accounts)
	}

	resp, _ = f.do(t, http.MethodPost, "/api/accounts/delete", "u1", map[string]string{"accountId": accID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: status %d", resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodPost, "/api/accounts/delete", "u1", map[string]string{"accountId": accID})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete: status %d, want 404", resp.StatusCode)
	}
}

func TestStatusShowsConnectionAndProgress(t *testing.T) {
	f := newFixture(t)
	accID := f.addConnected(t, "u1", "g1")

	waitFor(t, "connected status", func() bool {
		_, body := f.do(t, http.MethodGet, "/api/status", "u1", nil)
		st := decode[map[string]struct {
			Connected bool `json:"connected"`
		}](t, body)
		return st[accID].Connected
	})
}

func TestCategoryEndpoints(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/categories", "u1", map[string]string{
		"action": "create", "name": "Clients", "color": "#123456",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create: status %d body %s", resp.StatusCode, body)
	}
	out := decode[struct {
		Categories []category.Definition `json:"categories"`
	}](t, body)
	if len(out.Categories) != 1 || out.Categories[0].Name != "Clients" {
		t.Fatalf("categories = %+v", out.Categories)
	}
	id := out.Categories[0].ID

	resp, _ = f.do(t, http.MethodPost, "/api/categories", "u1", map[string]string{
		"action": "delete", "id": id,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: status %d", resp.StatusCode)
	}

	resp, body = f.do(t, http.MethodGet, "/api/categories", "u1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d", resp.StatusCode)
	}
	if defs := decode[[]category.Definition](t, body); len(defs) != 0 {
		t.Fatalf("defs = %+v, want empty", defs)
	}
}

func TestGroupsDecoration(t *testing.T) {
	f := newFixture(t)
	accID := f.addConnected(t, "u1", "g1", "g2")

	_, body := f.do(t, http.MethodPost, "/api/categories", "u1", map[string]string{
		"action": "create", "name": "Picked", "color": "#00ff00",
	})
	catID := decode[struct {
		Categories []category.Definition `json:"categories"`
	}](t, body).Categories[0].ID

	resp, _ := f.do(t, http.MethodPost, "/api/assign-group", "u1", map[string]string{
		"groupJid": "g1", "categoryId": catID,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("assign: status %d", resp.StatusCode)
	}

	resp, body = f.do(t, http.MethodGet, "/api/groups?accountId=all", "u1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("groups: status %d", resp.StatusCode)
	}
	groups := decode[[]groupEntry](t, body)
	if len(groups) != 2 {
		t.Fatalf("groups = %+v", groups)
	}
	byJID := map[string]groupEntry{}
	for _, g := range groups {
		byJID[g.JID] = g
	}
	if g := byJID["g1"]; g.CategoryID != catID || g.CategoryName != "Picked" || g.CategoryColor != "#00ff00" {
		t.Fatalf("g1 = %+v", g)
	}
	if g := byJID["g2"]; g.CategoryID != "" || g.CategoryName != defaultCategoryName || g.CategoryColor != defaultCategoryColor {
		t.Fatalf("g2 = %+v", g)
	}
	if byJID["g1"].AccountID != accID {
		t.Fatalf("accountId = %q", byJID["g1"].AccountID)
	}
}

func TestBroadcastStartAndStop(t *testing.T) {
	f := newFixture(t)
	accID := f.addConnected(t, "u1", "g1", "g2")

	resp, body := f.do(t, http.MethodPost, "/api/broadcast/start", "u1", map[string]any{
		"message":       "hello",
		"interval":      0.001,
		"targetAccount": accID,
		"targetType":    "all_groups",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: status %d body %s", resp.StatusCode, body)
	}
	out := decode[map[string]any](t, body)
	if out["accountsActivated"].(float64) != 1 {
		t.Fatalf("accountsActivated = %v", out["accountsActivated"])
	}

	conn, _ := f.engine.Last("u1", accID)
	waitFor(t, "both sends", func() bool { return len(conn.Sent()) == 2 })

	resp, _ = f.do(t, http.MethodPost, "/api/broadcast/stop", "u1", map[string]string{
		"targetAccount": accID,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop: status %d", resp.StatusCode)
	}
}

func TestBroadcastEmptyMessage(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/api/broadcast/start", "u1", map[string]any{
		"message":       "",
		"targetAccount": "all",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestBroadcastNothingStarted(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/broadcast/start", "u1", map[string]any{
		"message":       "hello",
		"targetAccount": "all",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d body %s, want 400", resp.StatusCode, body)
	}
}

func TestTenantsDoNotLeakAcrossHeaders(t *testing.T) {
	f := newFixture(t)
	f.addConnected(t, "u1", "g1")

	resp, body := f.do(t, http.MethodGet, "/api/accounts", "u2", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if accounts := decode[[]map[string]any](t, body); len(accounts) != 0 {
		t.Fatalf("u2 sees %v", accounts)
	}
}
