// Package broadcast owns campaign state and runs the paced send loop for
// every (tenant, account) pair.
//
// One runner goroutine per active campaign: sends happen strictly in target
// order, one at a time, with a cancellable timer wait between them.
// Different accounts' campaigns are fully independent. Cancellation is
// cooperative: Stop flips the running flag and the runner observes it
// before its next send or during its suspension.
package broadcast

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/time/rate"

	"wafleet/internal/category"
	"wafleet/internal/eventbus"
	"wafleet/internal/faults"
	"wafleet/internal/registry"
	"wafleet/internal/runtime/supervisor"
	"wafleet/internal/tenant"
	"wafleet/internal/transport"
	logx "wafleet/pkg/logx"
)

// AllAccounts selects every registered account of the tenant.
const AllAccounts = "all"

type TargetType string

const (
	TargetAllGroups  TargetType = "all_groups"
	TargetCategories TargetType = "selected_cats"
)

// EventFinished is published when a campaign reaches the end of its target
// list or observes a stop request.
const EventFinished = "campaign.finished"

type BusEvent struct {
	Tenant  string
	Account string
	Sent    int
	Failed  int
	Stopped bool
}

type Config struct {
	// DefaultInterval is used when a start request carries no interval.
	DefaultInterval time.Duration
	// IdleTTL bounds how long an idle campaign record is kept for
	// progress queries before the janitor prunes it.
	IdleTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = 5 * time.Second
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = time.Hour
	}
	return c
}

// StartRequest describes one start call.
type StartRequest struct {
	// Account is a single account id or AllAccounts.
	Account    string
	Message    string
	Interval   time.Duration
	TargetType TargetType
	// Categories is consulted only when TargetType is TargetCategories.
	Categories []string
}

// Progress is the campaign snapshot served to the boundary adapter.
type Progress struct {
	Running bool
	Cursor  int
	Total   int
}

// SessionSource is the slice of the session supervisor the scheduler needs.
type SessionSource interface {
	Conn(t tenant.Key, account string) (transport.Conn, bool)
}

type campaign struct {
	id      string
	tenant  tenant.Key
	account string

	mu       sync.Mutex
	running  bool
	targets  []string
	cursor   int
	message  string
	interval time.Duration
	sent     int
	failed   int
	idleAt   time.Time
	cancel   context.CancelFunc
}

func (c *campaign) progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Progress{Running: c.running, Cursor: c.cursor, Total: len(c.targets)}
}

type Scheduler struct {
	cfg      Config
	sessions SessionSource
	ledger   *category.Ledger
	reg      *registry.Registry
	run      *supervisor.Supervisor
	bus      eventbus.Bus
	log      logx.Logger

	mu        sync.Mutex
	campaigns map[string]*campaign
}

func New(cfg Config, sessions SessionSource, reg *registry.Registry, ledger *category.Ledger, run *supervisor.Supervisor, bus eventbus.Bus, log logx.Logger) *Scheduler {
	return &Scheduler{
		cfg:       cfg.withDefaults(),
		sessions:  sessions,
		ledger:    ledger,
		reg:       reg,
		run:       run,
		bus:       bus,
		log:       log,
		campaigns: map[string]*campaign{},
	}
}

func key(t tenant.Key, account string) string { return t.String() + "/" + account }

// Start resolves targets per selected account and launches one campaign
// runner per account with a non-empty target list.
//
// The returned count is the number of campaigns actually started. Zero with
// a nil error means no selected account produced an eligible target; the
// caller reports that as a user-visible failure, not a crash. An account
// that already runs a campaign is never overridden: single-account requests
// get a conflict error, all-account requests skip it.
func (s *Scheduler) Start(ctx context.Context, t tenant.Key, req StartRequest) (int, error) {
	if strings.TrimSpace(req.Message) == "" {
		return 0, faults.New(faults.KindValidation, "message is empty")
	}
	if req.TargetType == "" {
		req.TargetType = TargetAllGroups
	}
	if req.TargetType == TargetCategories && len(req.Categories) == 0 {
		return 0, faults.New(faults.KindValidation, "no categories selected")
	}
	if req.Interval <= 0 {
		req.Interval = s.cfg.DefaultInterval
	}

	accounts, err := s.selectAccounts(ctx, t, req.Account)
	if err != nil {
		return 0, err
	}

	var assignments map[string]string
	if req.TargetType == TargetCategories {
		assignments, err = s.ledger.Assignments(ctx, t)
		if err != nil {
			return 0, err
		}
	}

	started := 0
	conflicts := 0
	for _, acc := range accounts {
		targets := s.resolveTargets(ctx, t, acc.ID, req, assignments)
		if len(targets) == 0 {
			continue
		}
		if err := s.launch(t, acc.ID, targets, req); err != nil {
			if faults.IsKind(err, faults.KindConflict) {
				conflicts++
				continue
			}
			return started, err
		}
		started++
	}

	if started == 0 && conflicts > 0 {
		return 0, faults.New(faults.KindConflict, "a campaign is already running; stop it first")
	}
	return started, nil
}

func (s *Scheduler) selectAccounts(ctx context.Context, t tenant.Key, selector string) ([]registry.Account, error) {
	if selector == "" || selector == AllAccounts {
		return s.reg.List(ctx, t)
	}
	acc, err := s.reg.Get(ctx, t, selector)
	if err != nil {
		return nil, err
	}
	return []registry.Account{acc}, nil
}

// resolveTargets queries the account's current group list and filters it by
// the request's target spec. A transport failure counts as zero targets.
func (s *Scheduler) resolveTargets(ctx context.Context, t tenant.Key, account string, req StartRequest, assignments map[string]string) []string {
	conn, ok := s.sessions.Conn(t, account)
	if !ok {
		return nil
	}
	groups, err := conn.ListGroups(ctx)
	if err != nil {
		s.log.Warn("list groups failed", logx.String("tenant", t.String()), logx.String("account", account), logx.Err(err))
		return nil
	}
	ids := lo.Map(groups, func(g transport.Group, _ int) string { return g.ID })
	if req.TargetType == TargetAllGroups {
		return ids
	}
	selected := lo.SliceToMap(req.Categories, func(c string) (string, struct{}) { return c, struct{}{} })
	return lo.Filter(ids, func(id string, _ int) bool {
		cat, assigned := assignments[id]
		if !assigned {
			return false
		}
		_, want := selected[cat]
		return want
	})
}

func (s *Scheduler) launch(t tenant.Key, account string, targets []string, req StartRequest) error {
	k := key(t, account)

	s.mu.Lock()
	if existing, ok := s.campaigns[k]; ok {
		existing.mu.Lock()
		running := existing.running
		existing.mu.Unlock()
		if running {
			s.mu.Unlock()
			return faults.Newf(faults.KindConflict, "campaign already running for account %q", account)
		}
	}

	ctx, cancel := context.WithCancel(s.run.Context())
	c := &campaign{
		id:       uuid.NewString(),
		tenant:   t,
		account:  account,
		running:  true,
		targets:  targets,
		message:  req.Message,
		interval: req.Interval,
		cancel:   cancel,
	}
	s.campaigns[k] = c
	s.mu.Unlock()

	s.log.Info("campaign started",
		logx.String("tenant", t.String()),
		logx.String("account", account),
		logx.Int("targets", len(targets)),
		logx.Duration("interval", req.Interval))
	s.run.Go0("campaign."+k, func(context.Context) {
		s.runLoop(ctx, c)
	})
	return nil
}

// runLoop is the paced send loop for one campaign.
//
// The limiter admits the first send immediately and then spaces each
// subsequent send by the campaign interval; Wait doubles as the cancellable
// suspension the stop path relies on. ctx is the campaign's stop context
// and only ever cuts the suspension short: a dispatched send rides the
// scheduler's run context instead, so Stop cannot recall it mid-flight.
func (s *Scheduler) runLoop(ctx context.Context, c *campaign) {
	lim := rate.NewLimiter(rate.Every(c.interval), 1)
	log := s.log.With(logx.String("tenant", c.tenant.String()), logx.String("account", c.account), logx.String("campaign", c.id))

	for {
		c.mu.Lock()
		if !c.running {
			c.mu.Unlock()
			s.finish(c, true, log)
			return
		}
		if c.cursor >= len(c.targets) {
			c.mu.Unlock()
			s.finish(c, false, log)
			return
		}
		target := c.targets[c.cursor]
		msg := c.message
		c.mu.Unlock()

		if err := lim.Wait(ctx); err != nil {
			s.finish(c, true, log)
			return
		}

		// A stop issued during the suspension must win before the send.
		c.mu.Lock()
		if !c.running {
			c.mu.Unlock()
			s.finish(c, true, log)
			return
		}
		c.mu.Unlock()

		err := s.sendOne(s.run.Context(), c, target, msg)
		c.mu.Lock()
		if err != nil {
			c.failed++
			log.Warn("broadcast send failed", logx.String("target", target), logx.Err(err))
		} else {
			c.sent++
			log.Debug("broadcast sent", logx.String("target", target))
		}
		c.cursor++
		c.mu.Unlock()
	}
}

// sendOne dispatches a single message. Per-recipient failures are non-fatal
// and never retried.
func (s *Scheduler) sendOne(ctx context.Context, c *campaign, target, msg string) error {
	conn, ok := s.sessions.Conn(c.tenant, c.account)
	if !ok {
		return faults.New(faults.KindTransport, "session not connected")
	}
	return conn.SendText(ctx, target, msg)
}

// finish resets the campaign to idle and publishes the summary.
func (s *Scheduler) finish(c *campaign, stopped bool, log logx.Logger) {
	c.mu.Lock()
	sent, failed := c.sent, c.failed
	c.running = false
	c.cursor = 0
	c.targets = nil
	c.idleAt = time.Now()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if stopped {
		log.Info("campaign stopped", logx.Int("sent", sent), logx.Int("failed", failed))
	} else {
		log.Info("campaign finished", logx.Int("sent", sent), logx.Int("failed", failed))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: EventFinished, Data: BusEvent{
			Tenant:  c.tenant.String(),
			Account: c.account,
			Sent:    sent,
			Failed:  failed,
			Stopped: stopped,
		}})
	}
}

// Stop flips the running flag for the selected account's campaign, or for
// every campaign of the tenant when selector is AllAccounts. It does not
// wait for in-flight sends and cannot recall one already dispatched.
func (s *Scheduler) Stop(t tenant.Key, selector string) {
	prefix := t.String() + "/"
	s.mu.Lock()
	var matched []*campaign
	for k, c := range s.campaigns {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if selector == "" || selector == AllAccounts || c.account == selector {
			matched = append(matched, c)
		}
	}
	s.mu.Unlock()

	for _, c := range matched {
		c.mu.Lock()
		c.running = false
		cancel := c.cancel
		c.mu.Unlock()
		// Wake the runner out of its suspension; it observes the cleared
		// flag and exits without sending.
		if cancel != nil {
			cancel()
		}
	}
}

// StopAccount implements session.CampaignStopper.
func (s *Scheduler) StopAccount(t tenant.Key, account string) {
	s.Stop(t, account)
}

// Progress reports the campaign snapshot for one account. Accounts without
// a campaign record report idle.
func (s *Scheduler) Progress(t tenant.Key, account string) Progress {
	s.mu.Lock()
	c, ok := s.campaigns[key(t, account)]
	s.mu.Unlock()
	if !ok {
		return Progress{}
	}
	return c.progress()
}

// Prune drops idle campaign records older than the configured TTL. Called
// by the janitor; running campaigns are never touched.
func (s *Scheduler) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, c := range s.campaigns {
		c.mu.Lock()
		idle := !c.running && !c.idleAt.IsZero() && now.Sub(c.idleAt) > s.cfg.IdleTTL
		c.mu.Unlock()
		if idle {
			delete(s.campaigns, k)
			removed++
		}
	}
	return removed
}
