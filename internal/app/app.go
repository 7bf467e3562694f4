// Package app wires all PhishGuard subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API until the context is cancelled, and
// Shutdown tears everything down in order.
//
// For testing, inject fake implementations via functional options. When an
// option is not provided, New creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/phishguard/phishguard/internal/capture"
	"github.com/phishguard/phishguard/internal/config"
	"github.com/phishguard/phishguard/internal/health"
	"github.com/phishguard/phishguard/internal/history"
	"github.com/phishguard/phishguard/internal/lab"
	"github.com/phishguard/phishguard/internal/observe"
	"github.com/phishguard/phishguard/internal/playback"
	"github.com/phishguard/phishguard/internal/scan"
	"github.com/phishguard/phishguard/pkg/provider/analysis"
	"github.com/phishguard/phishguard/pkg/provider/live"
)

// shutdownTimeout bounds the HTTP server drain during Run teardown.
const shutdownTimeout = 10 * time.Second

// Providers holds one value per provider slot. Nil means the provider is not
// configured and the corresponding feature is disabled. Populated by main.go
// via the config registry.
type Providers struct {
	// Analysis is the hosted model used for forensic text analysis.
	Analysis *analysis.Client

	// Live is the realtime speech provider backing the vishing lab.
	Live live.Provider

	// Mic is the microphone capture source for the vishing lab.
	Mic capture.Source

	// Speaker is the playback sink for model audio.
	Speaker playback.Sink
}

// App owns all subsystem lifetimes and serves the PhishGuard HTTP API.
type App struct {
	cfg       *config.Config
	providers *Providers

	analyzer   *scan.Analyzer
	historyLog *history.Log
	controller *lab.Controller
	metrics    *observe.Metrics
	checkers   []health.Checker

	server *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistoryLog injects a history log instead of creating one from config.
func WithHistoryLog(l *history.Log) Option {
	return func(a *App) { a.historyLog = l }
}

// WithAnalyzer injects an analyzer instead of building one from the
// configured analysis provider.
func WithAnalyzer(an *scan.Analyzer) Option {
	return func(a *App) { a.analyzer = an }
}

// WithController injects a lab controller instead of building one from the
// configured live provider and audio devices.
func WithController(c *lab.Controller) Option {
	return func(a *App) { a.controller = c }
}

// WithMetrics injects a metrics instance instead of using the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initHistory(ctx); err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}
	a.initAnalyzer()
	a.initLab()
	a.initServer()

	return a, nil
}

// initHistory sets up the persisted analysis history from config, unless a
// log was injected.
func (a *App) initHistory(ctx context.Context) error {
	if a.historyLog != nil {
		return nil
	}

	var store history.Store
	switch a.cfg.History.Backend {
	case config.HistoryPostgres:
		pg, err := history.NewPostgresStore(ctx, a.cfg.History.PostgresDSN)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error {
			pg.Close()
			return nil
		})
		a.checkers = append(a.checkers, health.Checker{
			Name: "history",
			Check: func(ctx context.Context) error {
				_, err := pg.Load(ctx)
				return err
			},
		})
		store = pg

	case config.HistoryFile, "":
		dir := a.cfg.History.Dir
		if dir == "" {
			dir = "."
		}
		fs, err := history.NewFileStore(dir)
		if err != nil {
			return err
		}
		store = fs

	default:
		return fmt.Errorf("unknown history backend %q", a.cfg.History.Backend)
	}

	log, err := history.NewLog(ctx, store)
	if err != nil {
		return err
	}
	a.historyLog = log
	return nil
}

// initAnalyzer builds the text analyzer when an analysis provider is
// configured and no analyzer was injected.
func (a *App) initAnalyzer() {
	if a.analyzer != nil || a.providers.Analysis == nil {
		return
	}
	a.analyzer = scan.NewAnalyzer(a.providers.Analysis,
		scan.WithSampling(a.cfg.Analysis.Temperature, a.cfg.Analysis.MaxTokens),
		scan.WithRetryHook(func(ctx context.Context) {
			a.metrics.ScanRetries.Add(ctx, 1)
		}),
	)
}

// initLab builds the vishing lab controller when the live provider and both
// audio devices are available.
func (a *App) initLab() {
	if a.controller != nil {
		return
	}
	if a.providers.Live == nil || a.providers.Mic == nil || a.providers.Speaker == nil {
		slog.Info("vishing lab disabled", "reason", "live provider or audio devices not configured")
		return
	}

	labOpts := []lab.ControllerOption{lab.WithMetrics(a.metrics)}
	if a.historyLog != nil {
		labOpts = append(labOpts, lab.WithHistory(a.historyLog))
	}
	if a.cfg.Lab.Voice != "" {
		labOpts = append(labOpts, lab.WithVoice(a.cfg.Lab.Voice))
	}
	a.controller = lab.NewController(a.providers.Live, a.providers.Mic, a.providers.Speaker, labOpts...)
}

// Run serves the HTTP API and blocks until ctx is cancelled or the server
// fails. The server is drained with a bounded timeout on the way out.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", a.server.Addr)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.server.Shutdown(drainCtx)
	})

	return g.Wait()
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// End any live monitoring session first.
		if a.controller != nil {
			a.controller.Stop()
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
