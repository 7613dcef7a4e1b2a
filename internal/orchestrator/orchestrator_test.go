package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/yungbote/neurobridge-backend/internal/batcherr"
	"github.com/yungbote/neurobridge-backend/internal/domain/batch"
	"github.com/yungbote/neurobridge-backend/internal/phase"
	"github.com/yungbote/neurobridge-backend/internal/platform/logger"
)

func testOrchestrator(t *testing.T, spawner phase.RemoteSpawner) (*Orchestrator, Store, AlarmClock) {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	registry := phase.NewRegistry()
	registry.Register(phase.NewTIFFConversion(phase.ManifestFinalizeTag, 2))
	registry.Register(phase.NewManifestFinalize())

	store := NewMemoryStore()
	alarms := NewMemoryAlarmClock()
	cfg := Config{
		BatchSizePhase:       10,
		AlarmDelayPhase:      50 * time.Millisecond,
		AlarmDelayErrorRetry: 50 * time.Millisecond,
		MaxRetryAttempts:     2,
		OrchestratorBaseURL:  "http://orchestrator",
		WorkerImage:          "worker:latest",
	}
	return New(store, alarms, registry, spawner, nil, cfg, log), store, alarms
}

func singleFileMessage(batchID, name string) batch.QueueMessage {
	return batch.QueueMessage{
		BatchID: batchID,
		Directories: []batch.Directory{
			{Files: []batch.File{{R2Key: batchID + "/" + name, FileName: name}}},
		},
	}
}

type sequencedSpawner struct {
	mu    sync.Mutex
	step  int
	fail  map[int]bool
}

func (s *sequencedSpawner) Spawn(_ context.Context, req phase.SpawnRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step++
	if s.fail[s.step] {
		return "", errors.New("machine api unavailable")
	}
	return "machine-" + req.Env.TaskID, nil
}

func fireOnce(t *testing.T, o *Orchestrator, alarms AlarmClock, batchID string) {
	t.Helper()
	ctx := context.Background()
	due, err := alarms.Due(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	found := false
	for _, id := range due {
		if id == batchID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected batch %s to have a pending alarm", batchID)
	}
	o.FireAlarm(ctx)(batchID)
}

// Scenario 1: happy path, single file.
func TestHappyPathSingleFile(t *testing.T) {
	ctx := context.Background()
	o, store, alarms := testOrchestrator(t, &sequencedSpawner{})

	msg := singleFileMessage("B1", "a.tiff")
	if err := o.StartBatch(ctx, msg); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}

	fireOnce(t, o, alarms, "B1")

	st, err := store.Load(ctx, "B1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var taskID string
	for id := range st.CurrentPhaseTasks {
		taskID = id
	}

	if err := o.HandleCallback(ctx, "B1", taskID, phase.CallbackPayload{
		Status:         "success",
		OutputR2Key:    "B1/a.jpg",
		OutputFileName: "a.jpg",
		OutputFileSize: 5,
	}); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}

	// manifest finalize phase is inline; the alarm installed by advancePhase fires it.
	fireOnce(t, o, alarms, "B1")

	status, err := o.GetStatus(ctx, "B1")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.Status != batch.StatusDone {
		t.Fatalf("expected DONE, got %s", status.Status)
	}
	if status.TasksTotal != 2 { // 1 tiff task + 1 synthetic finalize task
		t.Fatalf("expected tasks_total=2, got %d", status.TasksTotal)
	}
	if status.TasksCompleted != 2 {
		t.Fatalf("expected tasks_completed=2, got %d", status.TasksCompleted)
	}
	if status.TasksFailed != 0 {
		t.Fatalf("expected tasks_failed=0, got %d", status.TasksFailed)
	}
}

// Scenario 2: mixed file types, only qualifying files become tasks.
func TestMixedFileTypesOnlyQualifyingFilesBecomeTasks(t *testing.T) {
	ctx := context.Background()
	o, store, _ := testOrchestrator(t, &sequencedSpawner{})

	msg := batch.QueueMessage{
		BatchID: "B2",
		Directories: []batch.Directory{{Files: []batch.File{
			{R2Key: "B2/a.tiff", FileName: "a.tiff"},
			{R2Key: "B2/b.jpg", FileName: "b.jpg"},
			{R2Key: "B2/c.TIF", FileName: "c.TIF"},
			{R2Key: "B2/d.pdf", FileName: "d.pdf"},
		}}},
	}
	if err := o.StartBatch(ctx, msg); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}

	st, err := store.Load(ctx, "B2")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.TasksTotal != 2 {
		t.Fatalf("expected tasks_total=2, got %d", st.TasksTotal)
	}
}

// Scenario 3: transient spawn error then recovery.
func TestTransientSpawnErrorThenRecovery(t *testing.T) {
	ctx := context.Background()
	spawner := &sequencedSpawner{fail: map[int]bool{1: true}}
	o, store, alarms := testOrchestrator(t, spawner)

	msg := singleFileMessage("B3", "a.tiff")
	if err := o.StartBatch(ctx, msg); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}

	fireOnce(t, o, alarms, "B3") // spawn fails

	st, err := store.Load(ctx, "B3")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.RetryCount != 1 {
		t.Fatalf("expected batch retry_count=1 after no-progress wake, got %d", st.RetryCount)
	}
	for _, task := range st.CurrentPhaseTasks {
		if task.Status != batch.TaskPending {
			t.Fatalf("expected task to remain pending after spawn failure, got %s", task.Status)
		}
	}

	fireOnce(t, o, alarms, "B3") // spawn succeeds

	st, err = store.Load(ctx, "B3")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.RetryCount != 0 {
		t.Fatalf("expected retry_count reset to 0 after progress, got %d", st.RetryCount)
	}
	var taskID string
	for id := range st.CurrentPhaseTasks {
		taskID = id
	}

	if err := o.HandleCallback(ctx, "B3", taskID, phase.CallbackPayload{Status: "success"}); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	fireOnce(t, o, alarms, "B3") // finalize

	status, err := o.GetStatus(ctx, "B3")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.Status != batch.StatusDone {
		t.Fatalf("expected DONE, got %s", status.Status)
	}
}

// Scenario 4: worker error, retried, then success.
func TestWorkerErrorRetriedThenSuccess(t *testing.T) {
	ctx := context.Background()
	o, store, alarms := testOrchestrator(t, &sequencedSpawner{})

	msg := singleFileMessage("B4", "a.tiff")
	if err := o.StartBatch(ctx, msg); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}
	fireOnce(t, o, alarms, "B4")

	st, _ := store.Load(ctx, "B4")
	var taskID string
	for id := range st.CurrentPhaseTasks {
		taskID = id
	}

	if err := o.HandleCallback(ctx, "B4", taskID, phase.CallbackPayload{Status: "error", Error: "sharp failure"}); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	st, _ = store.Load(ctx, "B4")
	task := st.CurrentPhaseTasks[taskID]
	if task.Status != batch.TaskPending || task.RetryCount != 1 {
		t.Fatalf("expected task pending with retry_count=1, got status=%s retry=%d", task.Status, task.RetryCount)
	}

	fireOnce(t, o, alarms, "B4") // respawn
	if err := o.HandleCallback(ctx, "B4", taskID, phase.CallbackPayload{Status: "success"}); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	fireOnce(t, o, alarms, "B4") // finalize

	status, err := o.GetStatus(ctx, "B4")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.Status != batch.StatusDone {
		t.Fatalf("expected DONE, got %s", status.Status)
	}
	if status.TasksFailed != 0 {
		t.Fatalf("expected tasks_failed=0, got %d", status.TasksFailed)
	}
}

// Scenario 5: retry budget exhausted at the task level still reaches DONE.
func TestTaskRetryBudgetExhaustedStillReachesDone(t *testing.T) {
	ctx := context.Background()
	o, store, alarms := testOrchestrator(t, &sequencedSpawner{})

	msg := singleFileMessage("B5", "a.tiff")
	if err := o.StartBatch(ctx, msg); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}
	fireOnce(t, o, alarms, "B5")

	st, _ := store.Load(ctx, "B5")
	var taskID string
	for id := range st.CurrentPhaseTasks {
		taskID = id
	}

	// MaxTaskRetries is 2 in this test registry: two errors exhausts the budget.
	if err := o.HandleCallback(ctx, "B5", taskID, phase.CallbackPayload{Status: "error", Error: "boom"}); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	fireOnce(t, o, alarms, "B5")
	if err := o.HandleCallback(ctx, "B5", taskID, phase.CallbackPayload{Status: "error", Error: "boom again"}); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}

	// The failed task was the phase's only task, so that callback also
	// completed the phase: the batch is now in MANIFEST_FINALIZE, whose task
	// set replaced the conversion tasks, and the failure shows in the counter.
	st, _ = store.Load(ctx, "B5")
	if st.CurrentPhase != phase.ManifestFinalizeTag || st.TasksFailed != 1 {
		t.Fatalf("expected task failed once retry budget exhausted, got phase=%s tasks_failed=%d", st.CurrentPhase, st.TasksFailed)
	}

	fireOnce(t, o, alarms, "B5") // finalize

	status, err := o.GetStatus(ctx, "B5")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.Status != batch.StatusDone {
		t.Fatalf("expected batch to reach DONE even with a failed task, got %s", status.Status)
	}
	if status.TasksFailed != 1 {
		t.Fatalf("expected tasks_failed=1, got %d", status.TasksFailed)
	}
}

// Scenario 6: admin reset mid-flight.
func TestAdminResetMidFlight(t *testing.T) {
	ctx := context.Background()
	o, store, _ := testOrchestrator(t, &sequencedSpawner{})

	msg := batch.QueueMessage{
		BatchID: "B6",
		Directories: []batch.Directory{{Files: []batch.File{
			{R2Key: "B6/a.tiff", FileName: "a.tiff"},
			{R2Key: "B6/b.tiff", FileName: "b.tiff"},
		}}},
	}
	if err := o.StartBatch(ctx, msg); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}

	if err := o.AdminReset(ctx, "B6"); err != nil {
		t.Fatalf("AdminReset: %v", err)
	}

	status, err := o.GetStatus(ctx, "B6")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.Status != batch.StatusError || status.Error != "reset by admin" {
		t.Fatalf("expected ERROR/reset by admin, got status=%s error=%q", status.Status, status.Error)
	}

	st, _ := store.Load(ctx, "B6")
	var taskID string
	for id := range st.CurrentPhaseTasks {
		taskID = id
		break
	}
	if err := o.HandleCallback(ctx, "B6", taskID, phase.CallbackPayload{Status: "success"}); err != batcherr.ErrBatchTerminal {
		t.Fatalf("HandleCallback after reset should report ErrBatchTerminal, got: %v", err)
	}

	status, err = o.GetStatus(ctx, "B6")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.Status != batch.StatusError {
		t.Fatalf("expected status to remain ERROR after post-reset callback, got %s", status.Status)
	}
	if status.TasksCompleted != 0 {
		t.Fatalf("expected tasks_completed to remain 0 after post-reset callback, got %d", status.TasksCompleted)
	}
}

func TestStartBatchIsIdempotent(t *testing.T) {
	ctx := context.Background()
	o, store, _ := testOrchestrator(t, &sequencedSpawner{})

	msg := singleFileMessage("B7", "a.tiff")
	if err := o.StartBatch(ctx, msg); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}
	if err := o.StartBatch(ctx, msg); err != nil {
		t.Fatalf("second StartBatch should be a no-op, not an error: %v", err)
	}

	st, err := store.Load(ctx, "B7")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.TasksTotal != 1 {
		t.Fatalf("expected the duplicate start_batch to leave state untouched, got tasks_total=%d", st.TasksTotal)
	}
}

func TestCallbackIdempotency(t *testing.T) {
	ctx := context.Background()
	o, store, alarms := testOrchestrator(t, &sequencedSpawner{})

	msg := singleFileMessage("B8", "a.tiff")
	if err := o.StartBatch(ctx, msg); err != nil {
		t.Fatalf("StartBatch: %v", err)
	}
	fireOnce(t, o, alarms, "B8")

	st, _ := store.Load(ctx, "B8")
	var taskID string
	for id := range st.CurrentPhaseTasks {
		taskID = id
	}

	payload := phase.CallbackPayload{Status: "success", OutputR2Key: "B8/a.jpg"}
	if err := o.HandleCallback(ctx, "B8", taskID, payload); err != nil {
		t.Fatalf("HandleCallback: %v", err)
	}
	first, err := store.Load(ctx, "B8")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := o.HandleCallback(ctx, "B8", taskID, payload); err != nil {
		t.Fatalf("HandleCallback (duplicate): %v", err)
	}
	second, err := store.Load(ctx, "B8")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if first.TasksCompleted != second.TasksCompleted {
		t.Fatalf("expected duplicate callback to be a no-op: %d != %d", first.TasksCompleted, second.TasksCompleted)
	}
}
