// Package batch defines the durable shape of a batch and its tasks.
// Everything here is data; behavior lives in the orchestrator and phase
// packages so the state machine can be loaded, mutated, and persisted
// without any in-memory assumptions surviving a restart.
package batch

import "time"

// Status is either a phase tag (the batch is actively running that
// phase) or one of the two terminal states.
type Status string

const (
	StatusDone  Status = "DONE"
	StatusError Status = "ERROR"
)

// TaskStatus is the lifecycle state of a single task within a phase
// attempt. A task in Completed or Failed never returns to Pending or
// Processing within the same phase attempt (spec section 3 invariants).
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task is the per-file unit of work within a phase. TaskID is a pure
// function of (batch id, input key, phase tag) so re-discovery over the
// same message always yields the same id set.
type Task struct {
	TaskID      string     `json:"task_id"`
	InputKey    string     `json:"input_key"`
	InputName   string     `json:"input_name"`
	Status      TaskStatus `json:"status"`
	RetryCount  int        `json:"retry_count"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`

	// MachineHandle is the opaque spawn-response identifier for the
	// worker currently (or most recently) processing this task.
	MachineHandle string `json:"machine_handle,omitempty"`

	// Phase-specific outputs, populated by reconcile_callback on
	// success. Left empty for phases that don't produce object-store
	// output (e.g. an inline finalize phase).
	OutputKey      string         `json:"output_key,omitempty"`
	OutputName     string         `json:"output_name,omitempty"`
	OutputSize     int64          `json:"output_size,omitempty"`
	PerformanceRaw map[string]any `json:"performance,omitempty"`
}

// State is the durable, singleton-per-batch record (spec section 3).
// A State is created once per batch id on the first queue message and
// retained after reaching a terminal state so status queries remain
// answerable.
type State struct {
	BatchID string `json:"batch_id"`
	Status  Status `json:"status"`

	// QueueMessage is the original batch descriptor, immutable once set.
	QueueMessage QueueMessage `json:"queue_message"`

	CurrentPhase       string          `json:"current_phase"`
	CurrentPhaseTasks  map[string]Task `json:"current_phase_tasks"`
	TasksTotal         int             `json:"tasks_total"`
	TasksCompleted     int             `json:"tasks_completed"`
	TasksFailed        int             `json:"tasks_failed"`
	StartedAt          time.Time       `json:"started_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	Error              string          `json:"error,omitempty"`
	RetryCount         int             `json:"retry_count"`

	// Meta carries freeform, phase-contributed state (e.g. a manifest
	// summary written by a finalize phase). Not part of spec.md's
	// minimal schema, but harmless additive storage for SPEC_FULL's
	// supplemented manifest-finalize phase.
	Meta map[string]any `json:"meta,omitempty"`
}

func (s *State) Ensure() {
	if s.CurrentPhaseTasks == nil {
		s.CurrentPhaseTasks = map[string]Task{}
	}
	if s.Meta == nil {
		s.Meta = map[string]any{}
	}
}

// Terminal reports whether the batch has reached DONE or ERROR.
func (s *State) Terminal() bool {
	return s.Status == StatusDone || s.Status == StatusError
}

// StatusView is the read-only projection returned by GET /status/{batch_id}.
type StatusView struct {
	BatchID        string     `json:"batch_id"`
	Status         Status     `json:"status"`
	TasksTotal     int        `json:"tasks_total"`
	TasksCompleted int        `json:"tasks_completed"`
	TasksFailed    int        `json:"tasks_failed"`
	StartedAt      time.Time  `json:"started_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Error          string     `json:"error,omitempty"`
}

func (s *State) ToStatusView() StatusView {
	return StatusView{
		BatchID:        s.BatchID,
		Status:         s.Status,
		TasksTotal:     s.TasksTotal,
		TasksCompleted: s.TasksCompleted,
		TasksFailed:    s.TasksFailed,
		StartedAt:      s.StartedAt,
		UpdatedAt:      s.UpdatedAt,
		CompletedAt:    s.CompletedAt,
		Error:          s.Error,
	}
}

// QueueMessage is the inbound batch descriptor (spec section 6).
type QueueMessage struct {
	BatchID      string          `json:"batch_id"`
	R2Prefix     string          `json:"r2_prefix"`
	Directories  []Directory     `json:"directories"`
	Uploader     string          `json:"uploader,omitempty"`
	RootPath     string          `json:"root_path,omitempty"`
	TotalFiles   int             `json:"total_files,omitempty"`
	TotalBytes   int64           `json:"total_bytes,omitempty"`
	UploadedAt   *time.Time      `json:"uploaded_at,omitempty"`
	FinalizedAt  *time.Time      `json:"finalized_at,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
}

type Directory struct {
	DirectoryPath    string         `json:"directory_path"`
	ProcessingConfig map[string]any `json:"processing_config,omitempty"`
	Files            []File         `json:"files"`
}

type File struct {
	R2Key       string `json:"r2_key"`
	LogicalPath string `json:"logical_path,omitempty"`
	FileName    string `json:"file_name"`
	FileSize    int64  `json:"file_size,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	CID         string `json:"cid,omitempty"`
}

// AllFiles flattens every directory's file list in stable (directory,
// then file) order. Phase.Discover uses this; it performs no I/O of its
// own, only reads the already-decoded message.
func (m QueueMessage) AllFiles() []File {
	var out []File
	for _, d := range m.Directories {
		out = append(out, d.Files...)
	}
	return out
}
