package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/codalab/bundlecore/pkg/bundlemanager"
	"github.com/codalab/bundlecore/pkg/config"
	"github.com/codalab/bundlecore/pkg/events"
	"github.com/codalab/bundlecore/pkg/log"
	"github.com/codalab/bundlecore/pkg/metrics"
	"github.com/codalab/bundlecore/pkg/scheduler"
	"github.com/codalab/bundlecore/pkg/store"
	"github.com/codalab/bundlecore/pkg/types"
	"github.com/codalab/bundlecore/pkg/workerinfo"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "bundle-manager",
	Short:   "Bundle manager: stages, assembles and schedules bundles onto workers",
	Version: Version,
	RunE:    runManager,
}

func init() {
	rootCmd.Flags().String("config", "", "path to config file")
	rootCmd.Flags().Bool("memstore", false, "use an in-memory store instead of bbolt (development only)")
}

func runManager(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	useMemstore, _ := cmd.Flags().GetBool("memstore")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.Init(log.Config{Level: log.Level(cfg.Logging.Level), JSONOutput: cfg.Logging.JSON})
	logger := log.WithComponent("bundle-manager")

	var st interface {
		bundlemanager.Store
		scheduler.Store
		workerinfo.Store
		metrics.Source
		Close() error
	}
	if useMemstore {
		st = store.NewMemStore()
	} else {
		boltStore, err := store.NewBoltStore(cfg.Manager.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		st = boltStore
	}
	defer st.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	wi := workerinfo.New(st)
	sched := scheduler.NewScheduler(st, &workerDispatcher{store: st})
	assembler := bundlemanager.NewDiskAssembler(&diskBundleRoot{baseDir: cfg.Manager.BundleStoreDir})

	mgr := bundlemanager.New(bundlemanager.Config{
		MakePoolSize: cfg.Manager.MakePoolSize,
		Validation: bundlemanager.ValidationConfig{
			MaxRequestMemoryBytes: cfg.Manager.MaxRequestMemory,
			MaxRequestDiskBytes:   cfg.Manager.MaxRequestDisk,
			MaxRequestTime:        cfg.Manager.MaxRequestTime,
			DefaultCPUImage:       cfg.Manager.DefaultCPUImage,
			DefaultGPUImage:       cfg.Manager.DefaultGPUImage,
		},
	}, st, wi, sched, assembler, broker, nil, nil, logger)

	collector := metrics.NewCollector(st)
	collector.Start()
	defer collector.Stop()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("store", true, "ready")

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(cfg.Manager.MetricsAddr, mux); err != nil {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	logger.Info().Str("addr", cfg.Manager.MetricsAddr).Msg("metrics endpoint listening")

	sleepTime := cfg.Manager.SleepTime
	if sleepTime <= 0 {
		sleepTime = 2 * time.Second
	}
	ticker := time.NewTicker(sleepTime)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	logger.Info().Msg("bundle manager started")
	for {
		select {
		case <-ticker.C:
			mgr.Tick(context.Background())
		case <-sigCh:
			logger.Info().Msg("shutting down, waiting for in-flight make tasks")
			mgr.Shutdown()
			return nil
		}
	}
}

// workerDispatcher sends a run message through the store's worker-message
// channel. Delivery succeeding within the scheduler's accept deadline
// counts as acceptance; the worker's own handling of the run happens
// asynchronously at its next checkin (pkg/runmanager.Checkin).
type workerDispatcher struct {
	store interface {
		SendJSONMessage(ctx context.Context, workerID string, message types.WorkerMessage) error
	}
}

func (d *workerDispatcher) SendRun(ctx context.Context, workerID string, bundle types.Bundle, resources types.RunResources) (bool, error) {
	msg := types.WorkerMessage{
		Type:       types.WorkerMessageRun,
		BundleUUID: bundle.UUID,
		Command:    bundle.Command,
		Resources:  resources,
	}
	if err := d.store.SendJSONMessage(ctx, workerID, msg); err != nil {
		return false, err
	}
	return true, nil
}

// diskBundleRoot resolves every bundle's root to a UUID-named directory
// under a single base directory. Blob-backed bundles are expected to have
// already been staged to this directory by whatever downloads their bytes;
// this type only ever does local path arithmetic.
type diskBundleRoot struct {
	baseDir string
}

func (r *diskBundleRoot) Root(ctx context.Context, bundle types.Bundle) (string, error) {
	if r.baseDir == "" {
		return "", fmt.Errorf("no bundle store directory configured")
	}
	return filepath.Join(r.baseDir, bundle.UUID), nil
}
