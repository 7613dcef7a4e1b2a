// Package phase defines the pluggable per-stage contract (spec.md
// section 4.2): discover the task list for a phase, advance pending
// tasks by issuing spawn requests, fold a worker's callback into task
// state, and declare the phase's successor.
package phase

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yungbote/neurobridge-backend/internal/domain/batch"
)

// ObjectStoreCreds is the credential bundle embedded into every spawned
// worker's environment. The orchestrator only ever passes this through;
// per spec.md's Non-goals it never reads file contents itself.
type ObjectStoreCreds struct {
	AccountID string
	AccessKey string
	SecretKey string
	Bucket    string
}

// ResourceShape is the machine-API guest shape requested for a spawned
// worker (spec.md section 6, Remote machine API).
type ResourceShape struct {
	MemoryMB int
	CPUs     int
	CPUKind  string
	Region   string
}

// EnvBundle is the environment handed to a spawned worker.
type EnvBundle struct {
	TaskID      string
	BatchID     string
	InputKey    string
	CallbackURL string
	ObjectStore ObjectStoreCreds
}

// SpawnRequest is the fully-built request a Phase issues through the
// Remote Spawner for one task.
type SpawnRequest struct {
	Image    string
	Env      EnvBundle
	Resource ResourceShape
}

// RemoteSpawner is the contract a phase needs from the outside world to
// start a worker. Defined here, next to its consumer, so internal/phase
// never imports internal/spawner — only internal/app wires the concrete
// implementation in, handing it to the orchestrator.
type RemoteSpawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (handle string, err error)
}

// RunConfig carries the knobs execute_batch needs that are not part of
// BatchState: how many tasks to spawn per wake, and the fixed parts of
// the spawn request (image, callback base URL, resource shape, object
// store credentials).
type RunConfig struct {
	BatchSize          int
	OrchestratorBaseURL string
	WorkerImage        string
	Resource           ResourceShape
	ObjectStore        ObjectStoreCreds
}

// ExecuteResult is the outcome of one execute_batch call.
type ExecuteResult struct {
	MoreWork    bool
	DidSpawnAny bool
}

// CallbackPayload is the decoded body of POST
// /callback/{batch_id}/{task_id} (spec.md section 6).
type CallbackPayload struct {
	TaskID          string         `json:"task_id"`
	BatchID         string         `json:"batch_id"`
	Status          string         `json:"status"` // "success" | "error"
	OutputR2Key     string         `json:"output_r2_key,omitempty"`
	OutputFileName  string         `json:"output_file_name,omitempty"`
	OutputFileSize  int64          `json:"output_file_size,omitempty"`
	Performance     map[string]any `json:"performance,omitempty"`
	Error           string         `json:"error,omitempty"`
}

// Phase is the four-operation contract of spec.md section 4.2.
type Phase interface {
	// Tag is this phase's stable name; it is also the BatchState.Status
	// value while the phase is active.
	Tag() string

	// Discover scans the batch message and emits one pending Task per
	// qualifying file. It must perform no I/O beyond reading msg.
	Discover(msg batch.QueueMessage) []batch.Task

	// ExecuteBatch selects at most cfg.BatchSize pending tasks (FIFO by
	// task id) and spawns each concurrently through spawner. It mutates
	// st.CurrentPhaseTasks in place and reports whether any task is
	// still pending/processing, and whether anything actually spawned
	// this wake.
	ExecuteBatch(ctx context.Context, st *batch.State, cfg RunConfig, spawner RemoteSpawner) (ExecuteResult, error)

	// ReconcileCallback idempotently folds a worker's terminal report
	// into the named task. A callback against an already-terminal task
	// is a no-op (and not an error).
	ReconcileCallback(st *batch.State, taskID string, payload CallbackPayload) error

	// MaxTaskRetries bounds how many times a worker-reported error may
	// respawn a task before it is marked failed.
	MaxTaskRetries() int

	// NextPhase names this phase's successor, or "" if completing it
	// means the batch is DONE.
	NextPhase() string
}

// Registry maps a phase tag to its implementation (spec.md section 9,
// "a registry mapping phase tag -> phase implementation suffices").
type Registry struct {
	mu     sync.RWMutex
	phases map[string]Phase
	first  string
}

func NewRegistry() *Registry {
	return &Registry{phases: map[string]Phase{}}
}

// Register adds a phase. The first phase registered becomes First().
func (r *Registry) Register(p Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phases == nil {
		r.phases = map[string]Phase{}
	}
	if _, exists := r.phases[p.Tag()]; exists {
		panic("phase already registered: " + p.Tag())
	}
	r.phases[p.Tag()] = p
	if r.first == "" {
		r.first = p.Tag()
	}
}

func (r *Registry) Get(tag string) (Phase, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.phases[tag]
	return p, ok
}

// First returns the phase a new batch starts in.
func (r *Registry) First() (Phase, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.first == "" {
		return nil, false
	}
	p, ok := r.phases[r.first]
	return p, ok
}

// PendingTaskIDs returns the ids of every pending task in st, ordered
// lexicographically — the deterministic FIFO tie-break spec.md section
// 4.2 asks for.
func PendingTaskIDs(st *batch.State) []string {
	ids := make([]string, 0, len(st.CurrentPhaseTasks))
	for id, t := range st.CurrentPhaseTasks {
		if t.Status == batch.TaskPending {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// AllTerminal reports whether every task in st.CurrentPhaseTasks is
// completed or failed.
func AllTerminal(st *batch.State) bool {
	for _, t := range st.CurrentPhaseTasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

func now() time.Time { return time.Now().UTC() }
