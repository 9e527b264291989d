package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/thesyncim/ndi"
	"github.com/thesyncim/ndi/internal/config"
)

var (
	// Global flags
	cfgFile     string
	loopback    bool
	logLevel    string
	metricsAddr string

	// Set during PersistentPreRun
	cfg *config.Config

	// loopbackNet is shared by every loopback engine the process opens.
	loopbackNet = ndi.NewLoopbackNetwork()
)

var rootCmd = &cobra.Command{
	Use:   "ndictl",
	Short: "Discover, send, receive and route NDI sources",
	Long: `ndictl drives the NDI runtime from the command line. It lists sources
on the network, sends test patterns, prints what a receiver sees, and
points routers at new upstreams. With --loopback every command runs
against the in-process engine instead of the NDI SDK.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if path == "" {
			path = config.DefaultPath()
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Override config with flags
		if cmd.Flags().Changed("loopback") {
			cfg.Loopback = loopback
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		if metricsAddr != "" {
			cfg.MetricsAddr = metricsAddr
		}

		level, err := parseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return nil
	},
}

func init() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.ndictl/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&loopback, "loopback", false, "use the in-process loopback engine")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (default \"info\")")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

func newEngine() (ndi.Engine, error) {
	if cfg.Loopback {
		return ndi.NewLoopbackEngine(ndi.LoopbackConfig{Network: loopbackNet}), nil
	}
	return ndi.NewNativeEngine()
}

// withRuntime opens a runtime, runs fn, and shuts the runtime down. When a
// metrics address is configured the registry is served next to fn until fn
// returns.
func withRuntime(ctx context.Context, fn func(ctx context.Context, rt *ndi.Runtime) error) error {
	engine, err := newEngine()
	if err != nil {
		return err
	}

	opts := ndi.Options{
		Workers:    cfg.Runtime.Workers,
		DrainGrace: cfg.Runtime.DrainGrace,
		PollSlice:  cfg.Runtime.PollSlice,
		Logger:     slog.Default(),
	}
	var reg *prometheus.Registry
	if cfg.MetricsAddr != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts.Registerer = reg
	}

	rt, err := ndi.Open(engine, opts)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, stop := context.WithCancel(gctx)
	if reg != nil {
		g.Go(func() error { return serveMetrics(runCtx, cfg.MetricsAddr, reg) })
	}
	g.Go(func() error {
		defer stop()
		return fn(runCtx, rt)
	})
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Join(runErr, rt.Shutdown(shutdownCtx))
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func finderOptions() ndi.FinderOptions {
	return ndi.FinderOptions{
		ShowLocalSources: cfg.Finder.ShowLocalSources,
		Groups:           cfg.Finder.Groups,
		ExtraIPs:         cfg.Finder.ExtraIPs,
	}
}
