package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/medwire/dicomgw/pkg/config"
	"github.com/medwire/dicomgw/pkg/log"
	"github.com/medwire/dicomgw/pkg/metrics"
	"github.com/medwire/dicomgw/pkg/store"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dicomgw",
	Short: "DICOM store-and-forward gateway",
	Long: `dicomgw receives DICOM objects from modalities, stores them
byte-for-byte on disk, catalogs them in PostgreSQL, and forwards
complete studies to downstream PACS destinations according to
per-destination routing rules.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"dicomgw version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: $DICOMGW_CONFIG)")

	rootCmd.AddCommand(scpCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(forwarderCmd)
	rootCmd.AddCommand(autoscalerCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(destinationCmd)
	rootCmd.AddCommand(queueCmd)
}

// loadConfig reads the config file and initializes logging
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	return cfg, nil
}

// openStore connects the shared pool
func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	st, err := store.New(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return st, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// serveMetrics exposes /metrics and /healthz when enabled. The returned
// shutdown func is safe to call with a nil server.
func serveMetrics(cfg *config.Config, m *metrics.Metrics, st *store.Store) func() {
	if !cfg.Metrics.Enabled {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := st.Ping(ctx); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})

	srv := &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("metrics server failed", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
