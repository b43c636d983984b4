// Package types holds the tagged records shared by the bundle manager and
// the worker-side run manager: bundles, dependencies, resources, workers,
// dependency cache rows and worker-local run state.
package types

import "time"

// BundleType distinguishes how a bundle's contents come into being.
type BundleType string

const (
	BundleTypeRun     BundleType = "run"
	BundleTypeMake    BundleType = "make"
	BundleTypeDataset BundleType = "dataset"
)

// State is a bundle's position in the state machine.
type State string

const (
	StateUploading     State = "uploading"
	StateCreated       State = "created"
	StateStaged        State = "staged"
	StateMaking        State = "making"
	StateStarting      State = "starting"
	StatePreparing     State = "preparing"
	StateRunning       State = "running"
	StateFinalizing    State = "finalizing"
	StateReady         State = "ready"
	StateFailed        State = "failed"
	StateKilled        State = "killed"
	StateWorkerOffline State = "worker_offline"
)

// ActiveStates are the states a bundle occupies while the manager or a
// worker is actively doing something with it.
var ActiveStates = map[State]bool{
	StateMaking:    true,
	StateStarting:  true,
	StatePreparing: true,
	StateRunning:   true,
	StateFinalizing: true,
}

// TerminalStates are states a bundle never leaves once reached.
var TerminalStates = map[State]bool{
	StateReady:  true,
	StateFailed: true,
	StateKilled: true,
}

// StorageType says where a bundle's contents physically live.
type StorageType string

const (
	StorageTypeDisk StorageType = "disk"
	StorageTypeBlob StorageType = "blob"
)

// Dependency is a value object embedded in a bundle: a parent bundle (and
// optional subpath) mounted into this bundle at child_path.
type Dependency struct {
	ParentUUID string
	ParentPath string // subpath within the parent; empty means the whole parent
	ChildPath  string // mount point within the child bundle
	ChildUUID  string // denormalized back-pointer to the owning bundle
}

// Key identifies the cache entry a Dependency resolves to.
func (d Dependency) Key() DependencyKey {
	return DependencyKey{ParentUUID: d.ParentUUID, ParentPath: d.ParentPath}
}

// RemoteHistoryEntry records one worker a preemptible bundle previously ran
// on, preserved across WORKER_OFFLINE -> STAGED restages.
type RemoteHistoryEntry struct {
	WorkerID string
	At       time.Time
}

// Bundle is the persisted entity the bundle manager drives through the
// state machine. Mutated only by the Bundle Manager and by worker checkins
// routed through it; destroyed only by explicit external deletion.
type Bundle struct {
	UUID string

	BundleType  BundleType
	OwnerID     string
	Command     string // opaque; empty for non-run bundles
	State       State
	IsFrozen    bool
	IsAnonymous bool
	StorageType StorageType
	IsDir       bool
	DataHash    string // empty when not yet computed

	Dependencies []Dependency

	// Resolved resource request, set once validated. Nil
	// until the bundle has passed validation at least once.
	Resources *RunResources

	// RemoteHistory is populated only for preemptible run-bundles.
	RemoteHistory []RemoteHistoryEntry

	CreatedAt   time.Time
	LastUpdated time.Time

	FailureMessage string

	Metadata map[string]string
}

// Recognized metadata keys.
const (
	MetaAllowFailedDependencies = "allow_failed_dependencies"
	MetaStagedStatus            = "staged_status"
	MetaErrorTraceback          = "error_traceback"
	MetaPreemptible             = "preemptible"
	MetaRequestQueue             = "request_queue"
	MetaTagExclusive             = "request_queue_tag_exclusive"
	MetaPriority                 = "priority"
	MetaTimePreparing            = "time_preparing"
	MetaTimeRunning              = "time_running"
	MetaTimeCleaningUp           = "time_cleaning_up"
	MetaTimeUploadingResults     = "time_uploading_results"
)

// AcceptableParentStates returns the set of states a parent bundle may be in
// for a child to stage, given the child's allow_failed_dependencies flag
//.
func AcceptableParentStates(allowFailedDependencies bool) map[State]bool {
	states := map[State]bool{StateReady: true}
	if allowFailedDependencies {
		states[StateFailed] = true
		states[StateKilled] = true
	}
	return states
}

// Resource constants.
const (
	MinMemoryBytes    int64 = 4 * (1 << 20)
	DiskQuotaSlackBytes int64 = 512 * (1 << 20) // 0.5 GiB held back from the owner's remaining disk quota when resolving a disk request
	DefaultMemoryBytes int64 = 2 * (1 << 30)    // 2 GiB
)

// RunResources is computed per run-bundle at dispatch time.
type RunResources struct {
	CPUs         int
	GPUs         int
	MemoryBytes  int64
	DiskBytes    int64
	TimeSeconds  *int64 // optional ceiling
	DockerImage  string // "repo:tag"
	Network      bool
	Tag          string // optional queue name
	TagExclusive bool
	RunsLeft     *int // optional
}

// NodeRole distinguishes cluster membership role for a worker (kept for
// symmetry with the cluster-membership vocabulary the rest of the pack
// uses; the bundle core only ever schedules onto NodeRoleWorker nodes).
type NodeRole string

const NodeRoleWorker NodeRole = "worker"

// Worker is the bundle manager's projection of a worker row.
type Worker struct {
	WorkerID    string
	UserID      string // owner; empty means codalab-owned (shared pool)
	Tag         string
	TagExclusive bool

	CPUs           int
	GPUs           int
	HasGPUs        bool
	MemoryBytes    int64
	FreeDiskBytes  int64

	RunUUIDs     map[string]bool
	Dependencies map[DependencyKey]bool

	SharedFileSystem bool
	CheckinTime      time.Time
	SocketID         string
	ExitAfterNumRuns *int
	IsTerminating    bool
}

// WorkerTimeout gates dead-worker detection.
const WorkerTimeout = 60 * time.Second

// IsAlive reports whether the worker has checked in recently enough to be
// considered alive.
func (w *Worker) IsAlive(now time.Time) bool {
	return now.Sub(w.CheckinTime) <= WorkerTimeout
}

// DependencyKey uniquely identifies a dependency cache entry.
type DependencyKey struct {
	ParentUUID string
	ParentPath string
}

// DependencyStage is a cache row's lifecycle position.
type DependencyStage string

const (
	DependencyDownloading DependencyStage = "downloading"
	DependencyReady       DependencyStage = "ready"
	DependencyFailed      DependencyStage = "failed"
)

// DependencyState is one row of the per-worker Dependency Cache.
type DependencyState struct {
	Stage          DependencyStage
	DownloadingBy  string // worker identity, empty if none
	Key            DependencyKey
	Path           string // cache-relative path, unique across all entries
	SizeBytes      int64
	Dependents     map[string]bool // child bundle uuids
	LastUsed       time.Time
	LastDownloading time.Time // heartbeat during download
	Message        string
	Killed         bool
}

// FailureCooldown is how long a FAILED cache entry is retained before retry
// is permitted.
const FailureCooldown = 10 * time.Minute

// DependencyDownloadTimeout gates downloader takeover; raised to
// one hour when the cache is backed by a shared (NFS) filesystem.
const (
	DependencyDownloadTimeout    = 5 * time.Minute
	DependencyDownloadTimeoutNFS = 1 * time.Hour
)

// MaxSerializedCacheLen bounds the committed dependency-state JSON.
const MaxSerializedCacheLen = 58 * 1024

// RunStage is a worker-local run-state-machine stage.
type RunStage string

const (
	RunPreparing        RunStage = "PREPARING"
	RunRunning           RunStage = "RUNNING"
	RunCleaningUp        RunStage = "CLEANING_UP"
	RunUploadingResults  RunStage = "UPLOADING_RESULTS"
	RunFinalizing        RunStage = "FINALIZING"
	RunFinished          RunStage = "FINISHED"
)

// RunStageToBundleState maps a worker-local run stage to the bundle state
// the manager should project it as; the mapping is part of the worker
// protocol and must stay stable across releases.
var RunStageToBundleState = map[RunStage]State{
	RunPreparing:       StatePreparing,
	RunRunning:         StateRunning,
	RunCleaningUp:      StateRunning,
	RunUploadingResults: StateRunning,
	RunFinalizing:      StateFinalizing,
	RunFinished:        StateReady,
}

// RunState is the worker-local record of an in-flight bundle.
type RunState struct {
	Bundle    Bundle
	Resources RunResources

	BundlePath string
	Stage      RunStage

	ContainerTimeTotal  time.Duration
	ContainerTimeUser   time.Duration
	ContainerTimeSystem time.Duration
	BundleStartTime     time.Time
	ContainerStartTime  time.Time

	ContainerID string
	DockerImage string // image reference the container was created from

	IsKilled    bool
	HasContents bool

	CPUSet []int
	GPUSet []int

	MaxMemory       int64
	DiskUtilization int64

	ExitCode       *int
	FailureMessage string
	KillMessage    string

	Finished  bool
	Finalized bool
}

// BundleTimeoutDays gates stuck-bundle reaping.
const BundleTimeoutDays = 60

// BundleDirWaitNumTries bounds how long a shared-filesystem worker waits
// for the server to materialize a bundle directory in PREPARING.
const BundleDirWaitNumTries = 120

// UserInfo holds the quota and usage counters the scheduler validates a
// resource request against.
type UserInfo struct {
	UserID            string
	UserName          string
	TimeQuotaSeconds  int64
	TimeUsedSeconds   int64
	ParallelRunQuota  int
	ParallelRunsInUse int
	DiskQuotaBytes    int64
	DiskUsedBytes     int64
}

// User is the store's projection of an account.
type User struct {
	UserID   string
	UserName string
	Email    string
	IsActive bool
	Info     UserInfo
}

// WorkerMessageType enumerates the JSON messages the bundle manager sends
// over the worker channel.
type WorkerMessageType string

const (
	WorkerMessageRun          WorkerMessageType = "run"
	WorkerMessageRead         WorkerMessageType = "read"
	WorkerMessageNetcat       WorkerMessageType = "netcat"
	WorkerMessageWrite        WorkerMessageType = "write"
	WorkerMessageKill         WorkerMessageType = "kill"
	WorkerMessageMarkFinalized WorkerMessageType = "mark_finalized"
)

// WorkerMessage is one bundle-manager-to-worker message. Only
// the fields relevant to Type are populated.
type WorkerMessage struct {
	Type       WorkerMessageType
	BundleUUID string

	// run
	Resources RunResources
	Command   string

	// read
	Path  string
	Index []string // jq-style index path into the read target

	// netcat
	Port int
	Data []byte

	// write
	Contents []byte

	// kill: no extra fields

	// mark_finalized: no extra fields
}
