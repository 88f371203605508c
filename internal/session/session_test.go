package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wafleet/internal/eventbus"
	"wafleet/internal/runtime/supervisor"
	"wafleet/internal/tenant"
	"wafleet/internal/transport"
	"wafleet/internal/transport/loopback"
	logx "wafleet/pkg/logx"
)

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

func testSupervisor(t *testing.T, cfg Config) (*Supervisor, *loopback.Engine) {
	t.Helper()
	engine := loopback.New(loopback.Config{})
	run := supervisor.New(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = run.Stop(ctx)
	})
	return New(cfg, engine, run, eventbus.New(), logx.Nop()), engine
}

func TestConnectPairsThenOpens(t *testing.T) {
	sv, engine := testSupervisor(t, Config{})
	u := tenant.MustResolve("u1")

	sv.Connect(u, "acc1")

	var conn *loopback.Conn
	waitFor(t, "connection", func() bool {
		c, ok := engine.Last("u1", "acc1")
		conn = c
		return ok
	})

	conn.EmitPairing([]byte("artifact-1"))
	waitFor(t, "pairing artifact", func() bool {
		return string(sv.Status(u, "acc1").Pairing) == "artifact-1"
	})
	if st := sv.Status(u, "acc1"); st.Phase != PhasePairing || st.Connected {
		t.Fatalf("status = %+v, want pairing", st)
	}

	conn.EmitOpened()
	waitFor(t, "connected", func() bool {
		return sv.Status(u, "acc1").Connected
	})
	st := sv.Status(u, "acc1")
	if st.Phase != PhaseConnected {
		t.Fatalf("phase = %q, want connected", st.Phase)
	}
	if len(st.Pairing) != 0 {
		t.Fatal("pairing artifact must be cleared once connected")
	}
	if _, ok := sv.Conn(u, "acc1"); !ok {
		t.Fatal("Conn should return the live connection")
	}
}

func TestLoggedOutIsTerminal(t *testing.T) {
	sv, engine := testSupervisor(t, Config{ReconnectMin: time.Millisecond})
	u := tenant.MustResolve("u1")

	sv.Connect(u, "acc1")
	var conn *loopback.Conn
	waitFor(t, "connection", func() bool {
		c, ok := engine.Last("u1", "acc1")
		conn = c
		return ok
	})
	conn.EmitOpened()
	waitFor(t, "connected", func() bool { return sv.Status(u, "acc1").Connected })

	conn.EmitClosed(transport.CloseReason{LoggedOut: true})
	waitFor(t, "logged out", func() bool {
		return sv.Status(u, "acc1").Phase == PhaseLoggedOut
	})

	// no reconnect attempt: the same connection stays the latest one
	time.Sleep(20 * time.Millisecond)
	if c, _ := engine.Last("u1", "acc1"); c != conn {
		t.Fatal("logged-out session must not reconnect on its own")
	}
	if _, ok := sv.Conn(u, "acc1"); ok {
		t.Fatal("Conn must not return a handle for a logged-out session")
	}

	// an explicit Connect re-enters pairing
	sv.Connect(u, "acc1")
	waitFor(t, "new connection", func() bool {
		c, ok := engine.Last("u1", "acc1")
		return ok && c != conn
	})
}

func TestNetworkDropReconnects(t *testing.T) {
	sv, engine := testSupervisor(t, Config{ReconnectMin: time.Millisecond, ReconnectMax: 5 * time.Millisecond})
	u := tenant.MustResolve("u1")

	sv.Connect(u, "acc1")
	var first *loopback.Conn
	waitFor(t, "connection", func() bool {
		c, ok := engine.Last("u1", "acc1")
		first = c
		return ok
	})
	first.EmitOpened()
	waitFor(t, "connected", func() bool { return sv.Status(u, "acc1").Connected })

	first.EmitClosed(transport.CloseReason{Err: errors.New("stream error")})

	var second *loopback.Conn
	waitFor(t, "reconnect", func() bool {
		c, ok := engine.Last("u1", "acc1")
		second = c
		return ok && c != first
	})
	second.EmitOpened()
	waitFor(t, "reconnected", func() bool { return sv.Status(u, "acc1").Connected })
}

func TestReconnectBudgetExhausts(t *testing.T) {
	sv, engine := testSupervisor(t, Config{
		ReconnectMin: time.Millisecond,
		ReconnectMax: 2 * time.Millisecond,
		MaxAttempts:  2,
	})
	u := tenant.MustResolve("u1")

	sv.Connect(u, "acc1")
	var prev *loopback.Conn
	for i := 0; i < 3; i++ {
		waitFor(t, "connection", func() bool {
			c, ok := engine.Last("u1", "acc1")
			if ok && c != prev {
				prev = c
				return true
			}
			return false
		})
		prev.EmitClosed(transport.CloseReason{Err: errors.New("drop")})
		if sv.Status(u, "acc1").Phase == PhaseFailed {
			break
		}
	}

	waitFor(t, "failed phase", func() bool {
		return sv.Status(u, "acc1").Phase == PhaseFailed
	})

	// explicit Connect resets the budget and tries again
	sv.Connect(u, "acc1")
	waitFor(t, "fresh connection after reset", func() bool {
		c, ok := engine.Last("u1", "acc1")
		return ok && c != prev
	})
}

func TestConnectIsIdempotent(t *testing.T) {
	sv, engine := testSupervisor(t, Config{})
	u := tenant.MustResolve("u1")

	sv.Connect(u, "acc1")
	var conn *loopback.Conn
	waitFor(t, "connection", func() bool {
		c, ok := engine.Last("u1", "acc1")
		conn = c
		return ok
	})

	sv.Connect(u, "acc1")
	time.Sleep(20 * time.Millisecond)
	if c, _ := engine.Last("u1", "acc1"); c != conn {
		t.Fatal("second Connect must not restart a live session")
	}
}

type recordingStopper struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingStopper) StopAccount(t tenant.Key, account string) {
	r.mu.Lock()
	r.calls = append(r.calls, t.String()+"/"+account)
	r.mu.Unlock()
}

func TestTerminateStopsCampaignFirst(t *testing.T) {
	sv, engine := testSupervisor(t, Config{})
	u := tenant.MustResolve("u1")
	stopper := &recordingStopper{}
	sv.SetCampaignStopper(stopper)

	sv.Connect(u, "acc1")
	waitFor(t, "connection", func() bool {
		_, ok := engine.Last("u1", "acc1")
		return ok
	})

	sv.Terminate(u, "acc1")

	stopper.mu.Lock()
	calls := append([]string(nil), stopper.calls...)
	stopper.mu.Unlock()
	if len(calls) != 1 || calls[0] != "u1/acc1" {
		t.Fatalf("stopper calls = %v", calls)
	}
	if sv.Has(u, "acc1") {
		t.Fatal("session record must be discarded")
	}
}

func TestStatusLazilyRepairs(t *testing.T) {
	sv, engine := testSupervisor(t, Config{})
	u := tenant.MustResolve("u1")

	// no Connect beforehand; Status itself must start the session
	st := sv.Status(u, "acc1")
	if st.Phase != PhasePairing {
		t.Fatalf("phase = %q, want pairing", st.Phase)
	}
	waitFor(t, "connection from status repair", func() bool {
		_, ok := engine.Last("u1", "acc1")
		return ok
	})
}

// closeCountConn counts Close calls; the loopback engine cannot observe
// them because its own EmitClosed already tears the handle down.
type closeCountConn struct {
	events chan transport.Event
	mu     sync.Mutex
	closes int
}

func (c *closeCountConn) Events() <-chan transport.Event { return c.events }

func (c *closeCountConn) ListGroups(context.Context) ([]transport.Group, error) { return nil, nil }

func (c *closeCountConn) SendText(context.Context, string, string) error { return nil }

func (c *closeCountConn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	return nil
}

func (c *closeCountConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

type closeCountEngine struct {
	mu    sync.Mutex
	conns []*closeCountConn
}

func (e *closeCountEngine) Open(context.Context, transport.Credentials) (transport.Conn, error) {
	c := &closeCountConn{events: make(chan transport.Event, 4)}
	e.mu.Lock()
	e.conns = append(e.conns, c)
	e.mu.Unlock()
	return c, nil
}

func (e *closeCountEngine) conn(i int) (*closeCountConn, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i >= len(e.conns) {
		return nil, false
	}
	return e.conns[i], true
}

func countingSupervisor(t *testing.T, cfg Config) (*Supervisor, *closeCountEngine) {
	t.Helper()
	engine := &closeCountEngine{}
	run := supervisor.New(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = run.Stop(ctx)
	})
	return New(cfg, engine, run, eventbus.New(), logx.Nop()), engine
}

func TestLoggedOutReleasesConnection(t *testing.T) {
	sv, engine := countingSupervisor(t, Config{})
	u := tenant.MustResolve("u1")

	sv.Connect(u, "acc1")
	var conn *closeCountConn
	waitFor(t, "connection", func() bool {
		c, ok := engine.conn(0)
		conn = c
		return ok
	})
	conn.events <- transport.Event{Kind: transport.EventOpened}
	waitFor(t, "connected", func() bool { return sv.Status(u, "acc1").Connected })

	conn.events <- transport.Event{Kind: transport.EventClosed, Close: transport.CloseReason{LoggedOut: true}}
	waitFor(t, "logged out", func() bool {
		return sv.Status(u, "acc1").Phase == PhaseLoggedOut
	})
	waitFor(t, "handle released", func() bool { return conn.closeCount() == 1 })
}

func TestReconnectReleasesPreviousConnection(t *testing.T) {
	sv, engine := countingSupervisor(t, Config{ReconnectMin: time.Millisecond, ReconnectMax: 2 * time.Millisecond})
	u := tenant.MustResolve("u1")

	sv.Connect(u, "acc1")
	var first *closeCountConn
	waitFor(t, "connection", func() bool {
		c, ok := engine.conn(0)
		first = c
		return ok
	})
	first.events <- transport.Event{Kind: transport.EventOpened}
	waitFor(t, "connected", func() bool { return sv.Status(u, "acc1").Connected })

	first.events <- transport.Event{Kind: transport.EventClosed, Close: transport.CloseReason{Err: errors.New("stream error")}}
	waitFor(t, "reconnect", func() bool {
		_, ok := engine.conn(1)
		return ok
	})
	if n := first.closeCount(); n != 1 {
		t.Fatalf("previous connection Close calls = %d, want 1", n)
	}
}

func TestSessionsAreIsolatedAcrossTenants(t *testing.T) {
	sv, engine := testSupervisor(t, Config{})
	u1 := tenant.MustResolve("u1")
	u2 := tenant.MustResolve("u2")

	// colliding account id under two tenants
	sv.Connect(u1, "acc1")
	sv.Connect(u2, "acc1")

	var c1, c2 *loopback.Conn
	waitFor(t, "both connections", func() bool {
		a, ok1 := engine.Last("u1", "acc1")
		b, ok2 := engine.Last("u2", "acc1")
		c1, c2 = a, b
		return ok1 && ok2
	})
	c1.EmitOpened()
	waitFor(t, "u1 connected", func() bool { return sv.Status(u1, "acc1").Connected })

	if sv.Status(u2, "acc1").Connected {
		t.Fatal("u2's session must be unaffected by u1's")
	}
	_ = c2
}
