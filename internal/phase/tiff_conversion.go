package phase

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/yungbote/neurobridge-backend/internal/domain/batch"
	"github.com/yungbote/neurobridge-backend/internal/taskid"
)

// TIFFConversionTag is the initial phase's BatchState.Status value
// (spec.md section 3, example status).
const TIFFConversionTag = "TIFF_CONVERSION"

// tiffSuffixes are the case-insensitive file-name suffixes that qualify
// a file for the image-conversion phase (spec.md section 4.1).
var tiffSuffixes = []string{"tiff", "tif"}

// TIFFConversion is the initial, spawn-bearing phase: one ephemeral
// worker per qualifying image file, converting it to a derivative
// format and reporting back via callback.
type TIFFConversion struct {
	// Next is the tag this phase hands off to once every task is
	// terminal. Empty means the batch is DONE after this phase.
	Next string

	// MaxRetries bounds worker-reported-error respawns per task
	// (spec.md section 4.4, MAX_TASK_RETRIES).
	MaxRetries int
}

func NewTIFFConversion(next string, maxRetries int) *TIFFConversion {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &TIFFConversion{Next: next, MaxRetries: maxRetries}
}

func (p *TIFFConversion) Tag() string { return TIFFConversionTag }

func (p *TIFFConversion) Discover(msg batch.QueueMessage) []batch.Task {
	var out []batch.Task
	for _, f := range msg.AllFiles() {
		if !taskid.MatchesPhase(f.FileName, tiffSuffixes) {
			continue
		}
		out = append(out, batch.Task{
			TaskID:     taskid.New(msg.BatchID, f.R2Key, p.Tag()),
			InputKey:   f.R2Key,
			InputName:  f.FileName,
			Status:     batch.TaskPending,
			RetryCount: 0,
		})
	}
	return out
}

func (p *TIFFConversion) ExecuteBatch(ctx context.Context, st *batch.State, cfg RunConfig, spawner RemoteSpawner) (ExecuteResult, error) {
	st.Ensure()
	pending := PendingTaskIDs(st)
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}
	if len(pending) > batchSize {
		pending = pending[:batchSize]
	}

	type spawnOutcome struct {
		taskID string
		handle string
		err    error
	}
	outcomes := make([]spawnOutcome, len(pending))
	var wg sync.WaitGroup
	for i, id := range pending {
		wg.Add(1)
		go func(i int, taskID string) {
			defer wg.Done()
			t := st.CurrentPhaseTasks[taskID]
			req := SpawnRequest{
				Image: cfg.WorkerImage,
				Env: EnvBundle{
					TaskID:      taskID,
					BatchID:     st.BatchID,
					InputKey:    t.InputKey,
					CallbackURL: fmt.Sprintf("%s/callback/%s/%s", strings.TrimRight(cfg.OrchestratorBaseURL, "/"), st.BatchID, taskID),
					ObjectStore: cfg.ObjectStore,
				},
				Resource: cfg.Resource,
			}
			handle, err := spawner.Spawn(ctx, req)
			outcomes[i] = spawnOutcome{taskID: taskID, handle: handle, err: err}
		}(i, id)
	}
	wg.Wait()

	didSpawnAny := false
	for _, o := range outcomes {
		if o.err != nil {
			// Spawn failure: task stays pending, no counter moves
			// (spec.md section 4.2 execute_batch, and the "task-level
			// retry count on spawn failure" design note in section 9).
			continue
		}
		t := st.CurrentPhaseTasks[o.taskID]
		started := nowPtr()
		t.Status = batch.TaskProcessing
		t.StartedAt = started
		t.MachineHandle = o.handle
		st.CurrentPhaseTasks[o.taskID] = t
		didSpawnAny = true
	}

	more := false
	for _, t := range st.CurrentPhaseTasks {
		if !t.Status.Terminal() {
			more = true
			break
		}
	}
	return ExecuteResult{MoreWork: more, DidSpawnAny: didSpawnAny}, nil
}

func (p *TIFFConversion) ReconcileCallback(st *batch.State, taskID string, payload CallbackPayload) error {
	t, ok := st.CurrentPhaseTasks[taskID]
	if !ok {
		return nil
	}
	if t.Status.Terminal() {
		// Idempotent: late or duplicate callback against a terminal
		// task is discarded without touching counters.
		return nil
	}

	switch strings.ToLower(payload.Status) {
	case "success":
		t.Status = batch.TaskCompleted
		t.CompletedAt = nowPtr()
		t.OutputKey = payload.OutputR2Key
		t.OutputName = payload.OutputFileName
		t.OutputSize = payload.OutputFileSize
		t.PerformanceRaw = payload.Performance
		t.Error = ""
		st.TasksCompleted++
	case "error":
		t.RetryCount++
		t.Error = payload.Error
		if t.RetryCount >= p.MaxRetries {
			t.Status = batch.TaskFailed
			t.CompletedAt = nowPtr()
			st.TasksFailed++
		} else {
			t.Status = batch.TaskPending
			t.StartedAt = nil
			t.MachineHandle = ""
		}
	default:
		return fmt.Errorf("phase %s: unrecognized callback status %q", p.Tag(), payload.Status)
	}
	st.CurrentPhaseTasks[taskID] = t
	return nil
}

func (p *TIFFConversion) MaxTaskRetries() int { return p.MaxRetries }

func (p *TIFFConversion) NextPhase() string { return p.Next }

func nowPtr() *time.Time {
	t := now()
	return &t
}
