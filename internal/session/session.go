// Package session supervises the live connection of every
// (tenant, account) pair.
//
// Each session is driven by one actor goroutine that owns the connection
// and its state machine; request handlers only read snapshots or signal the
// actor. State transitions for one account are therefore totally ordered,
// and no lock is ever shared across accounts.
package session

import (
	"context"
	"sync"
	"time"

	"wafleet/internal/eventbus"
	"wafleet/internal/runtime/supervisor"
	"wafleet/internal/tenant"
	"wafleet/internal/transport"
	logx "wafleet/pkg/logx"
)

// Phase is the connection lifecycle state of one session.
type Phase string

const (
	// PhasePairing: no accepted credentials yet; a pairing artifact may be
	// available for the operator to scan.
	PhasePairing   Phase = "pairing"
	PhaseConnected Phase = "connected"
	// PhaseReconnecting: transient, waiting out the backoff before the
	// next open attempt.
	PhaseReconnecting Phase = "reconnecting"
	// PhaseLoggedOut: terminal for this credential set. Never
	// auto-reconnected; an explicit Connect is required.
	PhaseLoggedOut Phase = "logged_out"
	// PhaseFailed: the reconnect budget is exhausted. An explicit Connect
	// resets the session to pairing.
	PhaseFailed Phase = "failed"
)

// Bus event types published by the supervisor.
const (
	EventConnected = "session.connected"
	EventLoggedOut = "session.logged_out"
	EventFailed    = "session.reconnect_exhausted"
)

// BusEvent is the payload carried on the event bus.
type BusEvent struct {
	Tenant  string
	Account string
}

type Config struct {
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// MaxAttempts bounds consecutive failed (re)connect attempts before
	// the session parks in PhaseFailed. The counter resets every time the
	// connection opens.
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 500 * time.Millisecond
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	return c
}

// CampaignStopper lets the supervisor stop an account's campaign before
// tearing down its connection. Wired to the broadcast scheduler.
type CampaignStopper interface {
	StopAccount(t tenant.Key, account string)
}

// Status is the point-in-time snapshot served to the boundary adapter.
type Status struct {
	Phase     Phase
	Connected bool
	Pairing   []byte
}

type Session struct {
	tenant  tenant.Key
	account string

	mu         sync.Mutex
	phase      Phase
	artifact   []byte
	conn       transport.Conn
	attempts   int
	running    bool
	terminated bool
	cancel     context.CancelFunc
}

func (s *Session) snapshot() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Phase:     s.phase,
		Connected: s.phase == PhaseConnected,
		Pairing:   append([]byte(nil), s.artifact...),
	}
}

type Supervisor struct {
	cfg    Config
	engine transport.Engine
	log    logx.Logger
	bus    eventbus.Bus
	run    *supervisor.Supervisor

	stopperMu sync.Mutex
	stopper   CampaignStopper

	mu       sync.Mutex
	sessions map[string]*Session
}

func New(cfg Config, engine transport.Engine, run *supervisor.Supervisor, bus eventbus.Bus, log logx.Logger) *Supervisor {
	return &Supervisor{
		cfg:      cfg.withDefaults(),
		engine:   engine,
		log:      log,
		bus:      bus,
		run:      run,
		sessions: map[string]*Session{},
	}
}

// SetCampaignStopper wires the broadcast scheduler in after construction
// (the scheduler needs the supervisor first).
func (sv *Supervisor) SetCampaignStopper(st CampaignStopper) {
	sv.stopperMu.Lock()
	sv.stopper = st
	sv.stopperMu.Unlock()
}

func key(t tenant.Key, account string) string { return t.String() + "/" + account }

// Connect is idempotent: a session whose actor is live is left alone.
// Otherwise a fresh actor is started in the pairing phase, which also
// resurrects logged-out and failed sessions.
func (sv *Supervisor) Connect(t tenant.Key, account string) {
	k := key(t, account)

	sv.mu.Lock()
	sess, ok := sv.sessions[k]
	if !ok {
		sess = &Session{tenant: t, account: account, phase: PhasePairing}
		sv.sessions[k] = sess
	}
	sv.mu.Unlock()

	sess.mu.Lock()
	if sess.running {
		sess.mu.Unlock()
		return
	}
	actx, cancel := context.WithCancel(sv.run.Context())
	sess.running = true
	sess.terminated = false
	sess.cancel = cancel
	sess.phase = PhasePairing
	sess.artifact = nil
	sess.attempts = 0
	sess.mu.Unlock()

	log := sv.log.With(logx.String("tenant", t.String()), logx.String("account", account))
	sv.run.Go0("session."+k, func(context.Context) {
		sv.actorLoop(actx, sess, log)
	})
}

// Status returns the session snapshot, lazily reconnecting a registered
// account that has no live actor (e.g. after a process restart). This is a
// repair path, not an error.
func (sv *Supervisor) Status(t tenant.Key, account string) Status {
	k := key(t, account)
	sv.mu.Lock()
	sess, ok := sv.sessions[k]
	sv.mu.Unlock()
	if !ok {
		sv.Connect(t, account)
		sv.mu.Lock()
		sess = sv.sessions[k]
		sv.mu.Unlock()
	}
	if sess == nil {
		return Status{Phase: PhasePairing}
	}
	return sess.snapshot()
}

// Has reports whether a session record exists for the account, regardless
// of phase. The janitor uses it to avoid resurrecting logged-out or failed
// sessions during its sweep.
func (sv *Supervisor) Has(t tenant.Key, account string) bool {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	_, ok := sv.sessions[key(t, account)]
	return ok
}

// Conn returns the live connection for a connected session.
func (sv *Supervisor) Conn(t tenant.Key, account string) (transport.Conn, bool) {
	sv.mu.Lock()
	sess, ok := sv.sessions[key(t, account)]
	sv.mu.Unlock()
	if !ok {
		return nil, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.phase != PhaseConnected || sess.conn == nil {
		return nil, false
	}
	return sess.conn, true
}

// Terminate stops the account's campaign, closes any live connection and
// discards the session record. The campaign stop comes first so the send
// loop never references a torn-down handle.
func (sv *Supervisor) Terminate(t tenant.Key, account string) {
	sv.stopperMu.Lock()
	st := sv.stopper
	sv.stopperMu.Unlock()
	if st != nil {
		st.StopAccount(t, account)
	}

	k := key(t, account)
	sv.mu.Lock()
	sess, ok := sv.sessions[k]
	delete(sv.sessions, k)
	sv.mu.Unlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	sess.terminated = true
	cancel := sess.cancel
	conn := sess.conn
	sess.conn = nil
	sess.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// actorLoop owns the connection for one session: open, consume events,
// apply the reconnection policy, repeat.
func (sv *Supervisor) actorLoop(ctx context.Context, sess *Session, log logx.Logger) {
	defer func() {
		sess.mu.Lock()
		sess.running = false
		sess.mu.Unlock()
	}()

	backoff := sv.cfg.ReconnectMin
	creds := transport.Credentials{Tenant: sess.tenant.String(), Account: sess.account}

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := sv.engine.Open(ctx, creds)
		if err != nil {
			log.Warn("connect failed", logx.Err(err))
			if sv.noteAttempt(sess, log) {
				return
			}
			if !sv.sleep(ctx, &backoff) {
				return
			}
			continue
		}

		sess.mu.Lock()
		sess.conn = conn
		sess.mu.Unlock()

		loggedOut, terminal := sv.consume(ctx, sess, conn, log, &backoff)

		sess.mu.Lock()
		sess.conn = nil
		sess.artifact = nil
		terminated := sess.terminated
		sess.mu.Unlock()

		// The handle is released on every exit from consume; Close is
		// idempotent, so a stream that already closed itself is fine.
		_ = conn.Close()

		if terminal || terminated || ctx.Err() != nil {
			return
		}
		if loggedOut {
			sess.mu.Lock()
			sess.phase = PhaseLoggedOut
			sess.mu.Unlock()
			log.Info("session logged out")
			sv.publish(EventLoggedOut, sess)
			return
		}

		// Any non-logout close attempts a reconnection, with backoff and
		// an attempt ceiling instead of an unbounded retry storm.
		if sv.noteAttempt(sess, log) {
			return
		}
		sess.mu.Lock()
		sess.phase = PhaseReconnecting
		sess.mu.Unlock()
		log.Info("reconnecting", logx.Duration("backoff", backoff))
		if !sv.sleep(ctx, &backoff) {
			return
		}
		sess.mu.Lock()
		sess.phase = PhasePairing
		sess.mu.Unlock()
	}
}

// consume drains the connection's event stream until it closes.
// Returns (loggedOut, terminal): terminal means the actor must exit
// without evaluating the reconnect policy (context canceled).
func (sv *Supervisor) consume(ctx context.Context, sess *Session, conn transport.Conn, log logx.Logger, backoff *time.Duration) (loggedOut, terminal bool) {
	for {
		select {
		case <-ctx.Done():
			return false, true
		case ev, ok := <-conn.Events():
			if !ok {
				// Stream ended without an explicit close reason: treat as
				// a network drop.
				return false, false
			}
			switch ev.Kind {
			case transport.EventPairing:
				sess.mu.Lock()
				sess.artifact = append([]byte(nil), ev.Pairing...)
				sess.mu.Unlock()
			case transport.EventOpened:
				sess.mu.Lock()
				sess.phase = PhaseConnected
				sess.artifact = nil
				sess.attempts = 0
				sess.mu.Unlock()
				*backoff = sv.cfg.ReconnectMin
				log.Info("session connected")
				sv.publish(EventConnected, sess)
			case transport.EventClosed:
				if ev.Close.Err != nil {
					log.Warn("connection closed", logx.Err(ev.Close.Err), logx.Bool("logged_out", ev.Close.LoggedOut))
				}
				return ev.Close.LoggedOut, false
			}
		}
	}
}

// noteAttempt burns one unit of the reconnect budget; true means the budget
// is exhausted and the session has been parked in PhaseFailed.
func (sv *Supervisor) noteAttempt(sess *Session, log logx.Logger) bool {
	sess.mu.Lock()
	sess.attempts++
	exhausted := sess.attempts > sv.cfg.MaxAttempts
	if exhausted {
		sess.phase = PhaseFailed
	}
	attempts := sess.attempts
	sess.mu.Unlock()
	if exhausted {
		log.Error("reconnect budget exhausted", logx.Int("attempts", attempts-1))
		sv.publish(EventFailed, sess)
	}
	return exhausted
}

// sleep waits out the current backoff (with 20% jitter), doubling it for
// next time. Returns false when the context was canceled.
func (sv *Supervisor) sleep(ctx context.Context, backoff *time.Duration) bool {
	wait := *backoff
	if j := int64(wait) / 5; j > 0 {
		wait += time.Duration(time.Now().UnixNano() % (j + 1))
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
	}
	*backoff *= 2
	if *backoff > sv.cfg.ReconnectMax {
		*backoff = sv.cfg.ReconnectMax
	}
	return true
}

func (sv *Supervisor) publish(typ string, sess *Session) {
	if sv.bus == nil {
		return
	}
	sv.bus.Publish(eventbus.Event{Type: typ, Data: BusEvent{Tenant: sess.tenant.String(), Account: sess.account}})
}
