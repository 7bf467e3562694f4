// Command phishguard is the main entry point for the PhishGuard server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/phishguard/phishguard/internal/app"
	"github.com/phishguard/phishguard/internal/config"
	"github.com/phishguard/phishguard/internal/observe"
	"github.com/phishguard/phishguard/pkg/device"
	"github.com/phishguard/phishguard/pkg/provider/analysis"
	"github.com/phishguard/phishguard/pkg/provider/live"
	geminilive "github.com/phishguard/phishguard/pkg/provider/live/gemini"
)

func main() {
	os.Exit(run())
}

// logLevel backs the default logger so a config reload can change verbosity
// without rebuilding the handler.
var logLevel = new(slog.LevelVar)

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "phishguard: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "phishguard: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logLevel.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("phishguard starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName: "phishguard",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, applyConfigChange)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// applyConfigChange reacts to an on-disk config edit. Only the log level is
// applied live; anything touching providers or audio needs a restart.
func applyConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged {
		logLevel.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.AnalysisChanged {
		slog.Warn("analysis settings changed on disk — restart to apply")
	}
	if d.VoiceChanged {
		slog.Info("lab voice changed — applies to the next session", "voice", d.NewVoice)
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Analysis ──────────────────────────────────────────────────────────────
	// The hosted completion providers all share the same pattern: optional
	// APIKey + optional BaseURL.
	for _, providerName := range []string{
		"openai", "anthropic", "gemini", "deepseek", "mistral", "groq",
	} {
		reg.RegisterAnalysis(providerName, func(entry config.ProviderEntry) (*analysis.Client, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return analysis.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterAnalysis("ollama", func(entry config.ProviderEntry) (*analysis.Client, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return analysis.New("ollama", entry.Model, opts...)
	})

	// ── Live ──────────────────────────────────────────────────────────────────

	reg.RegisterLive("gemini-live", func(entry config.ProviderEntry) (live.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to
// consume. Audio devices are only set up when a live provider is configured,
// since the lab is the only consumer.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	if name := cfg.Analysis.Provider.Name; name != "" {
		p, err := reg.CreateAnalysis(cfg.Analysis.Provider)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown analysis provider — text analysis disabled", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create analysis provider %q: %w", name, err)
		} else {
			ps.Analysis = p
			slog.Info("provider created", "kind", "analysis", "name", name)
		}
	}

	if name := cfg.Live.Provider.Name; name != "" {
		p, err := reg.CreateLive(cfg.Live.Provider)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown live provider — vishing lab disabled", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create live provider %q: %w", name, err)
		} else {
			ps.Live = p
			slog.Info("provider created", "kind", "live", "name", name)
		}
	}

	if ps.Live != nil {
		var micOpts []device.MicrophoneOption
		if cfg.Lab.InputDevice != "" {
			micOpts = append(micOpts, device.WithInputDevice(cfg.Lab.InputDevice))
		}
		ps.Mic = device.NewMicrophone(micOpts...)

		if cfg.Lab.OutputDevice != "" {
			slog.Warn("output device selection is not supported — using system default",
				"output_device", cfg.Lab.OutputDevice)
		}
		speaker, err := device.NewSpeaker()
		if err != nil {
			return nil, fmt.Errorf("init speaker: %w", err)
		}
		ps.Speaker = speaker
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        PhishGuard — startup summary   ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Analysis", cfg.Analysis.Provider.Name, cfg.Analysis.Provider.Model)
	printProvider("Live", cfg.Live.Provider.Name, cfg.Live.Provider.Model)
	backend := string(cfg.History.Backend)
	if backend == "" {
		backend = "file"
	}
	fmt.Printf("║  History backend : %-19s ║\n", backend)
	if cfg.Lab.Voice != "" {
		fmt.Printf("║  Lab voice       : %-19s ║\n", cfg.Lab.Voice)
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	if cfg.Server.TLS != nil {
		fmt.Printf("║  TLS             : %-19s ║\n", "enabled")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
