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

	"github.com/codalab/bundlecore/pkg/config"
	"github.com/codalab/bundlecore/pkg/depcache"
	"github.com/codalab/bundlecore/pkg/events"
	"github.com/codalab/bundlecore/pkg/imagecache"
	"github.com/codalab/bundlecore/pkg/log"
	"github.com/codalab/bundlecore/pkg/metrics"
	"github.com/codalab/bundlecore/pkg/runmanager"
	"github.com/codalab/bundlecore/pkg/runstate"
	"github.com/codalab/bundlecore/pkg/runtime"
	"github.com/codalab/bundlecore/pkg/store"
	"github.com/codalab/bundlecore/pkg/types"
	"github.com/google/uuid"
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
	Use:     "bundle-worker",
	Short:   "Bundle worker: runs bundle containers and checks in with the bundle manager",
	Version: Version,
	RunE:    runWorker,
}

func init() {
	rootCmd.Flags().String("config", "", "path to config file")
	rootCmd.Flags().String("store-addr", "", "not read; the worker always opens a bbolt store at <bundle-root>/../store")
	rootCmd.Flags().String("worker-id", "", "stable worker id; defaults to a generated uuid")
	rootCmd.Flags().String("bundle-root", "/var/lib/bundlecore/worker/bundles", "directory bundle run directories are created under")
	rootCmd.Flags().String("cache-dir", "/var/lib/bundlecore/worker/cache", "directory dependency contents are cached under")
	rootCmd.Flags().String("containerd-socket", runtime.DefaultSocketPath, "containerd socket path")
	rootCmd.Flags().Int("cpus", 1, "cpus this worker offers")
	rootCmd.Flags().Int("gpus", 0, "gpus this worker offers")
}

func runWorker(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	workerID, _ := cmd.Flags().GetString("worker-id")
	bundleRoot, _ := cmd.Flags().GetString("bundle-root")
	cacheDir, _ := cmd.Flags().GetString("cache-dir")
	socketPath, _ := cmd.Flags().GetString("containerd-socket")
	cpus, _ := cmd.Flags().GetInt("cpus")
	gpus, _ := cmd.Flags().GetInt("gpus")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if workerID == "" {
		workerID = uuid.NewString()
	}

	log.Init(log.Config{Level: log.Level(cfg.Logging.Level), JSONOutput: cfg.Logging.JSON})
	logger := log.WithComponent("bundle-worker").With().Str("worker_id", workerID).Logger()

	st, err := store.NewBoltStore(filepath.Join(bundleRoot, "..", "store"))
	if err != nil {
		return fmt.Errorf("failed to open worker-local store: %w", err)
	}
	defer st.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	rt, err := runtime.NewContainerdRuntime(socketPath)
	if err != nil {
		return fmt.Errorf("failed to connect to containerd: %w", err)
	}
	defer rt.Close()

	imgCache, err := imagecache.New(imagecache.Config{
		WorkerID:          workerID,
		StateFilePath:     filepath.Join(cacheDir, "image-cache-state.json"),
		MaxCacheSizeBytes: cfg.Worker.MaxImageCacheSize,
		MaxRetries:        cfg.Worker.DownloadDependenciesMaxRetries,
	}, &imagePuller{rt: rt}, logger)
	if err != nil {
		return fmt.Errorf("failed to open image cache: %w", err)
	}

	depCache, err := depcache.New(depcache.Config{
		WorkerID:          workerID,
		CacheDir:          cacheDir,
		MaxCacheSizeBytes: cfg.Worker.MaxCacheSizeBytes,
		MaxRetries:        cfg.Worker.DownloadDependenciesMaxRetries,
		SharedFileSystem:  cfg.Worker.SharedFileSystem,
	}, &unconfiguredFetcher{}, logger)
	if err != nil {
		return fmt.Errorf("failed to open dependency cache: %w", err)
	}

	allocator := runmanager.NewSetAllocator(cpus, gpus)

	machine := runstate.New(runstate.Config{
		WorkerID:         workerID,
		SharedFileSystem: cfg.Worker.SharedFileSystem,
		BundleRoot:       bundleRoot,
	}, &runtimeAdapter{rt: rt}, depCache, imgCache, allocator, &unconfiguredUploader{}, &osFilesystem{})

	mgr, err := runmanager.New(runmanager.Config{
		WorkerID:         workerID,
		Tag:              cfg.Worker.Tag,
		TagExclusive:     cfg.Worker.TagExclusive,
		MemoryBytes:      cfg.Worker.MemoryBytes,
		FreeDiskBytes:    cfg.Worker.FreeDiskBytes,
		SharedFileSystem: cfg.Worker.SharedFileSystem,
		StateFilePath:    cfg.Worker.CommitFile,
	}, st, st, machine, allocator, &unconfiguredContainerIO{}, broker, logger)
	if err != nil {
		return fmt.Errorf("failed to start run manager: %w", err)
	}

	metrics.SetVersion(Version)
	metrics.RegisterComponent("containerd", true, "ready")

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(cfg.Worker.MetricsAddr, mux); err != nil {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	checkinInterval := cfg.Worker.CheckinInterval
	if checkinInterval <= 0 {
		checkinInterval = 5 * time.Second
	}
	checkinTicker := time.NewTicker(checkinInterval)
	defer checkinTicker.Stop()

	tickTicker := time.NewTicker(time.Second)
	defer tickTicker.Stop()

	cacheTicker := time.NewTicker(30 * time.Second)
	defer cacheTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	logger.Info().Msg("bundle worker started")
	for {
		select {
		case <-checkinTicker.C:
			if err := mgr.Checkin(context.Background()); err != nil {
				logger.Error().Err(err).Msg("checkin failed")
			}
		case <-tickTicker.C:
			mgr.Tick(context.Background())
		case <-cacheTicker.C:
			ctx := context.Background()
			depCache.RunDownloads(ctx)
			imgCache.RunDownloads(ctx)
			depCache.Evict(time.Now())
			imgCache.Evict(time.Now())
		case <-sigCh:
			logger.Info().Msg("shutting down")
			return nil
		}
	}
}

// imagePuller adapts runtime.ContainerdRuntime to imagecache.Puller. Image
// virtual size isn't exposed by containerd's pull API used here, so newly
// pulled images are recorded with size zero. Size-based eviction never
// selects them, since the cache's total size stays at zero; only the
// pruning of stale FAILED entries removes image cache rows.
type imagePuller struct {
	rt *runtime.ContainerdRuntime
}

func (p *imagePuller) Pull(ctx context.Context, image string) (int64, error) {
	if err := p.rt.PullImage(ctx, image); err != nil {
		return 0, err
	}
	return 0, nil
}

// runtimeAdapter narrows runtime.ContainerdRuntime's StopContainer (which
// takes an explicit grace timeout) down to runstate.Runtime's fixed-timeout
// signature.
type runtimeAdapter struct {
	rt *runtime.ContainerdRuntime
}

func (a *runtimeAdapter) PullImage(ctx context.Context, imageRef string) error {
	return a.rt.PullImage(ctx, imageRef)
}

func (a *runtimeAdapter) CreateContainer(ctx context.Context, spec runtime.Spec) (string, error) {
	return a.rt.CreateContainer(ctx, spec)
}

func (a *runtimeAdapter) StartContainer(ctx context.Context, containerID string) error {
	return a.rt.StartContainer(ctx, containerID)
}

func (a *runtimeAdapter) StopContainer(ctx context.Context, containerID string) error {
	return a.rt.StopContainer(ctx, containerID, 10*time.Second)
}

func (a *runtimeAdapter) DeleteContainer(ctx context.Context, containerID string) error {
	return a.rt.DeleteContainer(ctx, containerID)
}

func (a *runtimeAdapter) GetContainerStatus(ctx context.Context, containerID string) (runtime.ContainerStatus, error) {
	return a.rt.GetContainerStatus(ctx, containerID)
}

// unconfiguredFetcher is the depcache.Fetcher this binary ships with.
// Parent bundle contents live in whatever blob store backs the deployment
// (local disk, object storage, NFS); wire a real Fetcher against it.
type unconfiguredFetcher struct{}

func (unconfiguredFetcher) Fetch(ctx context.Context, key types.DependencyKey, destPath string) (int64, error) {
	return 0, fmt.Errorf("no dependency content backend configured; inject a depcache.Fetcher over your bundle storage")
}

// unconfiguredUploader is the runstate.Uploader this binary ships with; see
// unconfiguredFetcher.
type unconfiguredUploader struct{}

func (unconfiguredUploader) Upload(ctx context.Context, bundleUUID, bundlePath string, progress func(sentBytes int64) bool) error {
	return fmt.Errorf("no result upload backend configured; inject a runstate.Uploader over your bundle storage")
}

// unconfiguredContainerIO is the runmanager.ContainerIO this binary ships
// with; interactive read/netcat/write against a running bundle's container
// need a concrete exec transport the caller supplies.
type unconfiguredContainerIO struct{}

func (unconfiguredContainerIO) Read(ctx context.Context, containerID, path string, index []string) ([]byte, error) {
	return nil, fmt.Errorf("no container exec transport configured")
}

func (unconfiguredContainerIO) Netcat(ctx context.Context, containerID string, port int, data []byte) ([]byte, error) {
	return nil, fmt.Errorf("no container exec transport configured")
}

func (unconfiguredContainerIO) Write(ctx context.Context, containerID, path string, contents []byte) error {
	return fmt.Errorf("no container exec transport configured")
}

// osFilesystem implements runstate.Filesystem against the real filesystem.
type osFilesystem struct{}

func (osFilesystem) MkdirAll(path string) error {
	return os.MkdirAll(path, 0755)
}

func (osFilesystem) Symlink(oldname, newname string) error {
	return os.Symlink(oldname, newname)
}

func (osFilesystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

func (osFilesystem) DirSize(path string) (int64, error) {
	var total int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
