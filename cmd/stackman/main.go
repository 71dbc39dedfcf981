package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/stackman/pkg/bundle"
	"github.com/cuemby/stackman/pkg/log"
	"github.com/cuemby/stackman/pkg/manager"
	"github.com/cuemby/stackman/pkg/metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var (
	cfgFile string
	v       = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "stackman",
	Short: "Stackman - cluster state engine",
	Long: `Stackman keeps the desired state of clusters built from bundles:
objects, configs, host-component mapping, concerns and the actions that
change them.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("Stackman version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./stackman.yaml or /etc/stackman/stackman.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory for the state store")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	_ = v.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("log.json", rootCmd.PersistentFlags().Lookup("log-json"))

	serveCmd.Flags().String("metrics-addr", "", "Address for /metrics and health endpoints")
	serveCmd.Flags().Bool("watch-bundles", false, "Load archives dropped into the bundles directory")
	_ = v.BindPFlag("metrics.addr", serveCmd.Flags().Lookup("metrics-addr"))
	_ = v.BindPFlag("bundles.watch", serveCmd.Flags().Lookup("watch-bundles"))

	bundleCmd.AddCommand(bundleLoadCmd)
	bundleCmd.AddCommand(bundleListCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(bundleCmd)
}

// setup reads the config and initializes logging
func setup() (*Config, error) {
	cfg, err := loadConfig(v, cfgFile)
	if err != nil {
		return nil, err
	}
	log.Init(cfg.logConfig())
	return cfg, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the stackman daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup()
		if err != nil {
			return err
		}
		logger := log.WithComponent("daemon")
		metrics.SetVersion(Version)

		mcfg, err := cfg.managerConfig()
		if err != nil {
			return err
		}
		mgr, err := manager.NewManager(mcfg)
		if err != nil {
			return fmt.Errorf("failed to create manager: %w", err)
		}
		if err := mgr.Start(); err != nil {
			_ = mgr.Stop()
			return fmt.Errorf("failed to start manager: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var watcher *bundle.Watcher
		if cfg.Bundles.Watch {
			if watcher, err = bundle.NewWatcher(mgr.Loader(), cfg.Bundles.Dir); err != nil {
				_ = mgr.Stop()
				return err
			}
			watcher.Start(ctx)
			metrics.RegisterComponent("bundle_watcher", true, "watching "+cfg.Bundles.Dir)
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", metrics.HealthHandler())
		mux.HandleFunc("/ready", metrics.ReadyHandler())
		mux.HandleFunc("/live", metrics.LivenessHandler())
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server failed: %w", err)
			}
		}()

		logger.Info().
			Str("version", Version).
			Str("data_dir", cfg.DataDir).
			Str("metrics_addr", cfg.Metrics.Addr).
			Bool("watch_bundles", cfg.Bundles.Watch).
			Msg("Stackman started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		var runErr error
		select {
		case sig := <-sigCh:
			logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		case runErr = <-errCh:
			logger.Error().Err(runErr).Msg("Shutting down")
		}

		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		_ = srv.Shutdown(shutdownCtx)
		if watcher != nil {
			watcher.Stop()
		}
		if err := mgr.Stop(); err != nil {
			return fmt.Errorf("failed to shutdown: %w", err)
		}
		logger.Info().Msg("Shutdown complete")
		return runErr
	},
}

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Manage bundles",
}

// withManager opens the store without starting background loops
func withManager(fn func(ctx context.Context, m *manager.Manager) error) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	mcfg, err := cfg.managerConfig()
	if err != nil {
		return err
	}
	mgr, err := manager.NewManager(mcfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer mgr.Stop()
	return fn(manager.WithUser(context.Background(), "cli"), mgr)
}

var bundleLoadCmd = &cobra.Command{
	Use:   "load ARCHIVE...",
	Short: "Load bundle archives; ARCHIVE.sig is checked when present",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, m *manager.Manager) error {
			for _, path := range args {
				b, err := m.LoadBundleFile(ctx, path)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				fmt.Printf("✓ Loaded %s %s (id %d, signature %s)\n", b.Name, b.Version, b.ID, b.Signature)
			}
			return nil
		})
	},
}

var bundleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List loaded bundles",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(ctx context.Context, m *manager.Manager) error {
			bundles, err := m.Bundles(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%-6s %-24s %-12s %-6s %s\n", "ID", "NAME", "VERSION", "ORDER", "SIGNATURE")
			for _, b := range bundles {
				fmt.Printf("%-6d %-24s %-12s %-6d %s\n", b.ID, b.Name, b.Version, b.VersionOrder, b.Signature)
			}
			return nil
		})
	},
}
