// Package httpapi is the HTTP boundary of the fleet: account management,
// session status, category and group administration, and campaign control.
//
// Every request is scoped to a tenant resolved from the X-User-ID header
// (or a user query/body field); handlers never see a raw tenant string.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"wafleet/internal/broadcast"
	"wafleet/internal/category"
	"wafleet/internal/registry"
	"wafleet/internal/session"
	logx "wafleet/pkg/logx"
)

type Config struct {
	Listen       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Server struct {
	cfg      Config
	reg      *registry.Registry
	ledger   *category.Ledger
	sessions *session.Supervisor
	sched    *broadcast.Scheduler
	log      logx.Logger
}

func NewServer(cfg Config, reg *registry.Registry, ledger *category.Ledger, sessions *session.Supervisor, sched *broadcast.Scheduler, log logx.Logger) *Server {
	return &Server{cfg: cfg, reg: reg, ledger: ledger, sessions: sessions, sched: sched, log: log}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/accounts", s.handleAccountsList)
	mux.HandleFunc("POST /api/accounts/add", s.handleAccountAdd)
	mux.HandleFunc("POST /api/accounts/delete", s.handleAccountDelete)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/categories", s.handleCategoriesList)
	mux.HandleFunc("POST /api/categories", s.handleCategoriesMutate)
	mux.HandleFunc("GET /api/groups", s.handleGroups)
	mux.HandleFunc("POST /api/assign-group", s.handleAssignGroup)
	mux.HandleFunc("POST /api/broadcast/start", s.handleBroadcastStart)
	mux.HandleFunc("POST /api/broadcast/stop", s.handleBroadcastStop)
	return mux
}

// Run serves until the context ends, then drains with a short shutdown
// grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http api listening", logx.String("addr", s.cfg.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	}
}
