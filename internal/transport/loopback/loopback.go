// Package loopback is an in-memory transport engine.
//
// It exists for local runs and tests: connections pair and open without a
// real messaging network, group lists come from seeded data, and sends are
// recorded instead of delivered. The session supervisor and broadcast
// scheduler cannot tell it apart from a real engine.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wafleet/internal/transport"
)

type Config struct {
	// AutoOpen makes new connections emit a pairing artifact and then an
	// opened event after OpenDelay, without external interaction.
	AutoOpen  bool
	OpenDelay time.Duration
}

type Engine struct {
	cfg Config

	mu     sync.Mutex
	groups map[string][]transport.Group // account -> groups
	conns  map[string]*Conn             // tenant/account -> latest conn
}

func New(cfg Config) *Engine {
	return &Engine{
		cfg:    cfg,
		groups: map[string][]transport.Group{},
		conns:  map[string]*Conn{},
	}
}

// Seed replaces the group list reported for an account.
func (e *Engine) Seed(account string, groups []transport.Group) {
	e.mu.Lock()
	e.groups[account] = append([]transport.Group(nil), groups...)
	e.mu.Unlock()
}

// Last returns the most recent connection opened for (tenant, account).
// Test hook.
func (e *Engine) Last(tenant, account string) (*Conn, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.conns[tenant+"/"+account]
	return c, ok
}

func (e *Engine) Open(ctx context.Context, creds transport.Credentials) (transport.Conn, error) {
	if creds.Tenant == "" || creds.Account == "" {
		return nil, errors.New("loopback: empty credentials")
	}
	c := &Conn{
		engine:  e,
		creds:   creds,
		events:  make(chan transport.Event, 16),
		pairing: []byte(fmt.Sprintf("loopback-pair:%s:%s", creds.Tenant, creds.Account)),
	}
	e.mu.Lock()
	e.conns[creds.Tenant+"/"+creds.Account] = c
	e.mu.Unlock()

	if e.cfg.AutoOpen {
		delay := e.cfg.OpenDelay
		go func() {
			c.EmitPairing(c.pairing)
			if delay > 0 {
				t := time.NewTimer(delay)
				defer t.Stop()
				select {
				case <-ctx.Done():
					c.EmitClosed(transport.CloseReason{Err: ctx.Err()})
					return
				case <-t.C:
				}
			}
			c.EmitOpened()
		}()
	}
	return c, nil
}

type Conn struct {
	engine *Engine
	creds  transport.Credentials

	mu      sync.Mutex
	events  chan transport.Event
	pairing []byte
	open    bool
	closed  bool
	sent    []Sent
}

type Sent struct {
	Recipient string
	Text      string
}

func (c *Conn) Events() <-chan transport.Event { return c.events }

func (c *Conn) ListGroups(ctx context.Context) ([]transport.Group, error) {
	c.mu.Lock()
	open := c.open
	c.mu.Unlock()
	if !open {
		return nil, errors.New("loopback: connection not open")
	}
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()
	return append([]transport.Group(nil), c.engine.groups[c.creds.Account]...), nil
}

func (c *Conn) SendText(ctx context.Context, recipient, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return errors.New("loopback: connection not open")
	}
	c.sent = append(c.sent, Sent{Recipient: recipient, Text: text})
	return nil
}

// Sent returns a copy of everything sent through this connection. Test hook.
func (c *Conn) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.open = false
	close(c.events)
	return nil
}

// EmitPairing pushes a pairing artifact event. Test/driver hook.
func (c *Conn) EmitPairing(artifact []byte) {
	c.emit(transport.Event{Kind: transport.EventPairing, Pairing: artifact})
}

// EmitOpened marks the connection live and pushes an opened event.
func (c *Conn) EmitOpened() {
	c.mu.Lock()
	if !c.closed {
		c.open = true
	}
	c.mu.Unlock()
	c.emit(transport.Event{Kind: transport.EventOpened})
}

// EmitClosed pushes a closed event and closes the stream.
func (c *Conn) EmitClosed(reason transport.CloseReason) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.open = false
	ev := c.events
	c.mu.Unlock()

	select {
	case ev <- transport.Event{Kind: transport.EventClosed, Close: reason}:
	default:
	}
	close(ev)
}

func (c *Conn) emit(e transport.Event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	ev := c.events
	c.mu.Unlock()
	select {
	case ev <- e:
	default:
		// slow consumer; drop rather than block the engine
	}
}
