package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hfi/failwatch/internal/audit"
	"github.com/hfi/failwatch/internal/config"
	"github.com/hfi/failwatch/internal/logging"
	"github.com/hfi/failwatch/internal/metrics"
	"github.com/hfi/failwatch/internal/server"
	"github.com/hfi/failwatch/pkg/storage"
	"github.com/hfi/failwatch/pkg/tracker"
)

var (
	// Version information - set at build time
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

const usage = `usage: failwatch [command]

commands:
  serve            run the HTTP daemon (default)
  version          print version information
  check <id>       report whether <id> is blocked
  fail <id>        record one failure for <id>
  unblock <id>     clear watchlist and blacklist entries of <id>
  ttl <id>         print remaining watchlist and blacklist time of <id>
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := "serve"
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "version":
		fmt.Fprintf(stdout, "failwatch %s\n", Version)
		fmt.Fprintf(stdout, "Git Commit: %s\n", GitCommit)
		fmt.Fprintf(stdout, "Build Time: %s\n", BuildTime)
		return 0
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return 0
	case "serve", "check", "fail", "unblock", "ttl":
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load configuration: %v\n", err)
		return 1
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: stderr,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Failed to initialize logging: %v\n", err)
		return 1
	}

	if cmd == "serve" {
		if err := serve(ctx, cfg, logger); err != nil {
			logger.Error().Err(err).Msg("failwatch stopped with error")
			return 1
		}
		return 0
	}

	if len(args) != 1 {
		fmt.Fprintf(stderr, "%s requires exactly one identifier\n\n%s", cmd, usage)
		return 2
	}
	if err := oneShot(ctx, cfg, logger, cmd, args[0], stdout); err != nil {
		fmt.Fprintf(stderr, "%s failed: %v\n", cmd, err)
		return 1
	}
	return 0
}

// openStore builds the configured store and verifies it is reachable
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Store.Type {
	case "redis":
		rc := cfg.Store.Redis
		return storage.NewRedisStore(ctx, storage.RedisOptions{
			Network:      rc.Network,
			Address:      rc.Address,
			Username:     rc.Username,
			Password:     rc.Password,
			DB:           rc.DB,
			PoolSize:     rc.PoolSize,
			DialTimeout:  rc.DialTimeout,
			ReadTimeout:  rc.ReadTimeout,
			WriteTimeout: rc.WriteTimeout,
		})
	case "memory":
		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Store.Type)
	}
}

func serve(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().
		Str("version", Version).
		Str("store", cfg.Store.Type).
		Str("listen", cfg.Server.Listen).
		Msg("failwatch starting")

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close store")
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	observers := tracker.Observers{}
	if cfg.Metrics.Enabled {
		observers = append(observers, metrics.New(reg))
		if mem, ok := store.(*storage.MemoryStore); ok {
			metrics.RegisterStoreSize(reg, mem.Size)
		}
	}
	auditTrail, err := audit.Open(&audit.Config{
		Enabled: cfg.Logging.Audit.Enabled,
		Level:   cfg.Logging.Audit.Level,
		Output:  cfg.Logging.Audit.Output,
	})
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer func() { _ = auditTrail.Close() }()
	observers = append(observers, auditTrail)

	tr, err := tracker.New(store, cfg.TrackerPolicy(),
		tracker.WithLogger(logger.With().Str("component", "tracker").Logger()),
		tracker.WithObserver(observers),
	)
	if err != nil {
		return fmt.Errorf("invalid tracker configuration: %w", err)
	}
	policy := tr.Config()
	logger.Info().
		Int("threshold", policy.Threshold).
		Dur("watch_window", policy.WatchWindow).
		Dur("block_window", policy.BlockWindow).
		Bool("refresh_on_hit", policy.RefreshOnHit).
		Bool("anonymized", policy.Anonymization.Enabled).
		Msg("tracker policy")

	srvCfg := server.DefaultConfig()
	srvCfg.Addr = cfg.Server.Listen
	srvCfg.Version = Version
	srvCfg.Gatherer = reg
	srvCfg.Logger = logger.With().Str("component", "http").Logger()
	if cfg.Metrics.Enabled {
		srvCfg.MetricsPath = cfg.Metrics.Endpoint
	} else {
		srvCfg.MetricsPath = ""
	}

	srv := server.New(srvCfg)
	srv.Mount(server.NewAPI(tr, srvCfg.Logger))
	srv.RegisterHealthCheck("store", func(ctx context.Context) (bool, string) {
		if err := tr.Ping(ctx); err != nil {
			return false, err.Error()
		}
		return true, ""
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr()).Msg("http server listening")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Stop(shutdownCtx)
	})

	return g.Wait()
}

func oneShot(ctx context.Context, cfg *config.Config, logger zerolog.Logger, cmd, id string, stdout io.Writer) error {
	if cfg.Store.Type == "memory" {
		logger.Warn().Msg("memory store is process local; one-shot commands only see their own writes")
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	tr, err := tracker.New(store, cfg.TrackerPolicy(), tracker.WithLogger(logger))
	if err != nil {
		return err
	}
	return execute(ctx, tr, cmd, id, stdout)
}

// execute runs one admin command against the tracker
func execute(ctx context.Context, tr *tracker.Tracker, cmd, id string, stdout io.Writer) error {
	switch cmd {
	case "check":
		blocked, err := tr.IsBlocked(ctx, id)
		if err != nil {
			return err
		}
		if blocked {
			fmt.Fprintf(stdout, "%s: blocked\n", id)
		} else {
			fmt.Fprintf(stdout, "%s: not blocked\n", id)
		}
	case "fail":
		outcome, err := tr.ReportFailure(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s: %s (count %d)\n", id, outcome.State, outcome.Count)
	case "unblock":
		if err := tr.Rehabilitate(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s: rehabilitated\n", id)
	case "ttl":
		watch, watched, err := tr.RemainingWatchlistTime(ctx, id)
		if err != nil {
			return err
		}
		block, blocked, err := tr.RemainingBlacklistTime(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s: watchlist %s, blacklist %s\n", id, formatTTL(watch, watched), formatTTL(block, blocked))
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func formatTTL(d time.Duration, found bool) string {
	switch {
	case !found:
		return "absent"
	case d == storage.NoExpiry:
		return "no expiry"
	default:
		return d.Round(time.Second).String()
	}
}
