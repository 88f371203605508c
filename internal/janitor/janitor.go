// Package janitor runs the background cron sweeps: reconciling live
// sessions against the account registry and pruning stale campaign
// snapshots.
package janitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"wafleet/internal/broadcast"
	"wafleet/internal/registry"
	"wafleet/internal/session"
	"wafleet/internal/storage"
	"wafleet/internal/tenant"
	logx "wafleet/pkg/logx"
)

type Config struct {
	// ReconcileSpec and PruneSpec are cron expressions; empty picks the
	// defaults below.
	ReconcileSpec string
	PruneSpec     string
	Timezone      string
}

const (
	defaultReconcileSpec = "*/2 * * * *"
	defaultPruneSpec     = "17 * * * *"
)

type Service struct {
	cfg   Config
	store storage.Store
	reg   *registry.Registry
	sess  *session.Supervisor
	sched *broadcast.Scheduler
	log   logx.Logger

	c *cron.Cron
}

func New(cfg Config, store storage.Store, reg *registry.Registry, sess *session.Supervisor, sched *broadcast.Scheduler, log logx.Logger) *Service {
	return &Service{cfg: cfg, store: store, reg: reg, sess: sess, sched: sched, log: log}
}

// Start registers the sweeps and starts the cron loop. Returns an error
// only for unparseable specs or timezone.
func (s *Service) Start(ctx context.Context) error {
	loc := time.Local
	if s.cfg.Timezone != "" {
		l, err := time.LoadLocation(s.cfg.Timezone)
		if err != nil {
			return err
		}
		loc = l
	}
	s.c = cron.New(cron.WithLocation(loc))

	reconcile := s.cfg.ReconcileSpec
	if reconcile == "" {
		reconcile = defaultReconcileSpec
	}
	prune := s.cfg.PruneSpec
	if prune == "" {
		prune = defaultPruneSpec
	}

	if _, err := s.c.AddFunc(reconcile, func() { s.Reconcile(ctx) }); err != nil {
		return err
	}
	if _, err := s.c.AddFunc(prune, func() {
		if n := s.sched.Prune(time.Now()); n > 0 {
			s.log.Debug("pruned campaign snapshots", logx.Int("removed", n))
		}
	}); err != nil {
		return err
	}

	s.c.Start()
	s.log.Info("janitor started",
		logx.String("reconcile", reconcile),
		logx.String("prune", prune))
	return nil
}

// Stop halts the cron loop and waits for a running sweep to finish.
func (s *Service) Stop() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
}

// Reconcile walks every tenant's registry and connects accounts that have
// no live session, e.g. after a crash or for accounts added while their
// tenant was idle. Connect is idempotent so a sweep never disturbs a
// healthy session.
func (s *Service) Reconcile(ctx context.Context) {
	tenants, err := s.store.Tenants(ctx, storage.KindAccounts)
	if err != nil {
		s.log.Warn("reconcile: list tenants failed", logx.Err(err))
		return
	}
	for _, tok := range tenants {
		t, err := tenant.Resolve(tok)
		if err != nil {
			s.log.Warn("reconcile: bad tenant token in store", logx.String("tenant", tok), logx.Err(err))
			continue
		}
		accounts, err := s.reg.List(ctx, t)
		if err != nil {
			s.log.Warn("reconcile: list accounts failed", logx.String("tenant", tok), logx.Err(err))
			continue
		}
		for _, acc := range accounts {
			// Only accounts with no session record at all: a record in a
			// terminal phase means the operator must re-link explicitly.
			if s.sess.Has(t, acc.ID) {
				continue
			}
			s.sess.Connect(t, acc.ID)
		}
	}
}
