package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/skillgate/skillgate/internal/audit"
	"github.com/skillgate/skillgate/internal/config"
	"github.com/skillgate/skillgate/internal/enforce"
	"github.com/skillgate/skillgate/internal/events"
	"github.com/skillgate/skillgate/internal/metrics"
	"github.com/skillgate/skillgate/internal/netpolicy"
	"github.com/skillgate/skillgate/internal/server"
)

func newServerCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the skillgate enforcement server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServerConfig(configPath)
			if err != nil {
				return err
			}
			// The --policies flag wins over the config file when set.
			if cmd.Root().PersistentFlags().Changed("policies") {
				cfg.Policies.Path = policiesPath(cmd)
			}
			return runServer(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Server config YAML (default: built-in defaults)")
	return cmd
}

func loadServerConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func openAuditStore(cfg config.AuditConfig) (audit.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return audit.OpenSQLite(cfg.Path)
	case "jsonl":
		return audit.NewJSONL(cfg.Path, cfg.MaxSizeMB, cfg.MaxBackups)
	case "memory":
		return audit.NewMemoryStore(cfg.MaxRecords), nil
	default:
		return nil, fmt.Errorf("unknown audit backend %q", cfg.Backend)
	}
}

func runServer(cmd *cobra.Command, cfg *config.Config) error {
	log := newLogger(cfg.Logging)

	store := netpolicy.NewStore()
	if _, err := os.Stat(cfg.Policies.Path); err == nil {
		if err := store.LoadFile(cfg.Policies.Path); err != nil {
			return fmt.Errorf("load policies: %w", err)
		}
		log.Info("policies loaded", "path", cfg.Policies.Path, "count", len(store.List()))
	} else {
		log.Warn("policy document not found, starting empty", "path", cfg.Policies.Path)
	}

	auditLog, err := openAuditStore(cfg.Audit)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	defer auditLog.Close()

	broker := events.NewBroker()
	collector := metrics.New()
	resolver := enforce.NewResolver(enforce.ResolverConfig{
		Timeout:   config.Duration(cfg.DNS.Timeout),
		MaxTTL:    config.Duration(cfg.DNS.MaxTTL),
		CacheSize: cfg.DNS.CacheSize,
	})
	sink := server.DecisionSink(auditLog, broker, collector, log)
	enforcer := enforce.New(store, resolver, sink, log)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Policies.Watch {
		watcher, err := config.NewPolicyWatcher(config.WatcherConfig{
			Path:   cfg.Policies.Path,
			Loader: store,
			Log:    log,
		})
		if err != nil {
			return fmt.Errorf("policy watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("policy watcher: %w", err)
		}
		defer watcher.Stop()
	}

	app := server.NewApp(server.Options{
		Store:    store,
		Enforcer: enforcer,
		Resolver: resolver,
		AuditLog: auditLog,
		Broker:   broker,
		Metrics:  collector,
		Log:      log,
		SavePath: cfg.Policies.Path,
	})

	return server.Serve(ctx, cfg.Server.Addr, app.Router(),
		config.Duration(cfg.Server.ReadTimeout),
		config.Duration(cfg.Server.WriteTimeout),
		log)
}
