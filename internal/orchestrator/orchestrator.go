// Package orchestrator implements the durable, per-batch state machine
// of spec.md section 4.4: the Batch Orchestrator. One Orchestrator
// value serves every batch id; per-batch serialization (section 5) is
// enforced with a mutex obtained per batch id rather than one goroutine
// per batch, which keeps restart/recovery trivial — state lives only in
// Store, never in memory that a process restart would lose.
package orchestrator

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/yungbote/neurobridge-backend/internal/batcherr"
	"github.com/yungbote/neurobridge-backend/internal/domain/batch"
	"github.com/yungbote/neurobridge-backend/internal/metrics"
	"github.com/yungbote/neurobridge-backend/internal/phase"
	"github.com/yungbote/neurobridge-backend/internal/platform/logger"
)

// Config bundles the tunables of spec.md section 6 that the alarm loop
// and execute_batch need.
type Config struct {
	BatchSizePhase       int
	AlarmDelayPhase      time.Duration
	AlarmDelayErrorRetry time.Duration
	MaxRetryAttempts     int

	OrchestratorBaseURL string
	WorkerImage         string
	Resource            phase.ResourceShape
	ObjectStore         phase.ObjectStoreCreds
}

// Notifier is the external Downstream Notifier collaborator of spec.md
// section 4.4/6: invoked exactly once, when a batch reaches DONE.
type Notifier interface {
	NotifyBatchDone(ctx context.Context, st *batch.State)
}

type noopNotifier struct{}

func (noopNotifier) NotifyBatchDone(context.Context, *batch.State) {}

// Orchestrator is the Batch Orchestrator of spec.md section 4.4.
type Orchestrator struct {
	store    Store
	alarms   AlarmClock
	phases   *phase.Registry
	spawner  phase.RemoteSpawner
	notifier Notifier
	cfg      Config
	log      *logger.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(store Store, alarms AlarmClock, phases *phase.Registry, spawner phase.RemoteSpawner, notifier Notifier, cfg Config, log *logger.Logger) *Orchestrator {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &Orchestrator{
		store:    store,
		alarms:   alarms,
		phases:   phases,
		spawner:  spawner,
		notifier: notifier,
		cfg:      cfg,
		log:      log.With("service", "Orchestrator"),
		locks:    map[string]*sync.Mutex{},
	}
}

func (o *Orchestrator) lockFor(batchID string) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	l, ok := o.locks[batchID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[batchID] = l
	}
	return l
}

// StartBatch is spec.md section 4.4's start_batch. Idempotent: an
// existing batch_id is a no-op.
func (o *Orchestrator) StartBatch(ctx context.Context, msg batch.QueueMessage) error {
	if msg.BatchID == "" {
		return batcherr.New(batcherr.KindCallbackMalformed, fmt.Errorf("batch_id required"))
	}
	lock := o.lockFor(msg.BatchID)
	lock.Lock()
	defer lock.Unlock()

	first, ok := o.phases.First()
	if !ok {
		return batcherr.New(batcherr.KindInvariantViolation, fmt.Errorf("no phases registered"))
	}

	now := nowUTC()
	st := &batch.State{
		BatchID:      msg.BatchID,
		Status:       batch.Status(first.Tag()),
		QueueMessage: msg,
		CurrentPhase: first.Tag(),
		StartedAt:    now,
		UpdatedAt:    now,
	}
	st.Ensure()

	tasks := first.Discover(msg)
	for _, t := range tasks {
		st.CurrentPhaseTasks[t.TaskID] = t
	}
	st.TasksTotal = len(tasks)

	created, err := o.store.CreateIfAbsent(ctx, st)
	if err != nil {
		return err
	}
	if !created {
		o.log.Info("start_batch no-op: batch already exists", "batch_id", msg.BatchID)
		return nil
	}
	metrics.BatchesStarted.Inc()
	metrics.ActiveBatches.Inc()

	if st.TasksTotal == 0 {
		if err := o.advancePhase(ctx, st, first); err != nil {
			return err
		}
		return o.store.Save(ctx, st)
	}

	if err := o.store.Save(ctx, st); err != nil {
		return err
	}
	return o.alarms.Schedule(ctx, st.BatchID, nowUTC())
}

// HandleCallback is spec.md section 4.4's handle_callback.
func (o *Orchestrator) HandleCallback(ctx context.Context, batchID, taskID string, payload phase.CallbackPayload) error {
	lock := o.lockFor(batchID)
	lock.Lock()
	defer lock.Unlock()

	st, err := o.store.Load(ctx, batchID)
	if err != nil {
		return err
	}
	if st.Terminal() {
		// Admin reset or prior terminal transition: the caller treats this
		// as an idempotent drop (spec.md section 4.4's admin_reset
		// semantics), but it is still surfaced as a distinct error so it
		// can be told apart from a genuinely unknown task.
		return batcherr.ErrBatchTerminal
	}
	if _, ok := st.CurrentPhaseTasks[taskID]; !ok {
		o.log.Info("callback for unknown task dropped", "batch_id", batchID, "task_id", taskID)
		return batcherr.ErrTaskNotFound
	}

	ph, ok := o.phases.Get(st.CurrentPhase)
	if !ok {
		return batcherr.New(batcherr.KindInvariantViolation, fmt.Errorf("unknown current phase %q", st.CurrentPhase))
	}
	metrics.CallbacksReceived.WithLabelValues(payload.Status).Inc()
	preRetry := st.CurrentPhaseTasks[taskID].RetryCount
	if err := ph.ReconcileCallback(st, taskID, payload); err != nil {
		return batcherr.New(batcherr.KindCallbackMalformed, err)
	}
	if st.CurrentPhaseTasks[taskID].RetryCount > preRetry {
		metrics.TaskRetries.Inc()
	}

	st.UpdatedAt = nowUTC()

	if phase.AllTerminal(st) {
		if err := o.advancePhase(ctx, st, ph); err != nil {
			return err
		}
		return o.store.Save(ctx, st)
	}

	if err := o.store.Save(ctx, st); err != nil {
		return err
	}
	return o.alarms.Schedule(ctx, batchID, nowUTC().Add(o.cfg.AlarmDelayPhase))
}

// GetStatus is spec.md section 4.4's get_status.
func (o *Orchestrator) GetStatus(ctx context.Context, batchID string) (batch.StatusView, error) {
	st, err := o.store.Load(ctx, batchID)
	if err != nil {
		return batch.StatusView{}, err
	}
	return st.ToStatusView(), nil
}

// AdminReset is spec.md section 4.4's admin_reset.
func (o *Orchestrator) AdminReset(ctx context.Context, batchID string) error {
	lock := o.lockFor(batchID)
	lock.Lock()
	defer lock.Unlock()

	st, err := o.store.Load(ctx, batchID)
	if err != nil {
		return err
	}
	if st.Terminal() {
		return nil
	}
	st.Status = batch.StatusError
	st.Error = "reset by admin"
	st.UpdatedAt = nowUTC()
	if err := o.alarms.Cancel(ctx, batchID); err != nil {
		o.log.Warn("failed to cancel alarm on admin reset", "batch_id", batchID, "error", err)
	}
	metrics.BatchesCompleted.WithLabelValues("admin_reset").Inc()
	metrics.ActiveBatches.Dec()
	return o.store.Save(ctx, st)
}

// FireAlarm is spec.md section 4.4's internal timer: called by RunLoop
// once a batch's scheduled wake has passed.
func (o *Orchestrator) FireAlarm(ctx context.Context) func(batchID string) {
	return func(batchID string) {
		lock := o.lockFor(batchID)
		lock.Lock()
		defer lock.Unlock()

		if err := o.fireAlarmLocked(ctx, batchID); err != nil {
			o.log.Error("alarm fire failed", "batch_id", batchID, "error", err)
		}
	}
}

func (o *Orchestrator) fireAlarmLocked(ctx context.Context, batchID string) error {
	st, err := o.store.Load(ctx, batchID)
	if err != nil {
		return err
	}
	if st.Terminal() {
		return nil
	}

	ph, ok := o.phases.Get(st.CurrentPhase)
	if !ok {
		return batcherr.New(batcherr.KindInvariantViolation, fmt.Errorf("unknown current phase %q", st.CurrentPhase))
	}
	metrics.AlarmsFired.Inc()

	runCfg := phase.RunConfig{
		BatchSize:           o.cfg.BatchSizePhase,
		OrchestratorBaseURL: o.cfg.OrchestratorBaseURL,
		WorkerImage:         o.cfg.WorkerImage,
		Resource:            o.cfg.Resource,
		ObjectStore:         o.cfg.ObjectStore,
	}

	res, err := ph.ExecuteBatch(ctx, st, runCfg, o.spawner)
	if err != nil {
		return err
	}
	st.UpdatedAt = nowUTC()

	if !res.MoreWork {
		if err := o.advancePhase(ctx, st, ph); err != nil {
			return err
		}
		return o.store.Save(ctx, st)
	}

	if res.DidSpawnAny {
		metrics.SpawnAttempts.WithLabelValues("spawned").Inc()
		st.RetryCount = 0
		if err := o.store.Save(ctx, st); err != nil {
			return err
		}
		return o.alarms.Schedule(ctx, batchID, nowUTC().Add(o.cfg.AlarmDelayPhase))
	}

	metrics.BatchNoProgressRetries.Inc()
	st.RetryCount++
	if st.RetryCount > o.cfg.MaxRetryAttempts {
		st.Status = batch.StatusError
		st.Error = "retry budget exhausted"
		metrics.BatchesCompleted.WithLabelValues("error").Inc()
		metrics.ActiveBatches.Dec()
		return o.store.Save(ctx, st)
	}
	if err := o.store.Save(ctx, st); err != nil {
		return err
	}
	delay := computeBackoff(o.cfg.AlarmDelayErrorRetry, st.RetryCount)
	return o.alarms.Schedule(ctx, batchID, nowUTC().Add(delay))
}

// advancePhase transitions st to ph.NextPhase(), or DONE if there is
// none, installing the next phase's discovered tasks and scheduling an
// immediate alarm (spec.md section 4.4, step 3 of the alarm loop).
func (o *Orchestrator) advancePhase(ctx context.Context, st *batch.State, ph phase.Phase) error {
	next := ph.NextPhase()
	if next == "" {
		st.Status = batch.StatusDone
		completed := nowUTC()
		st.CompletedAt = &completed
		st.UpdatedAt = completed
		if err := o.alarms.Cancel(ctx, st.BatchID); err != nil {
			o.log.Warn("failed to cancel alarm on completion", "batch_id", st.BatchID, "error", err)
		}
		metrics.BatchesCompleted.WithLabelValues("done").Inc()
		metrics.ActiveBatches.Dec()
		o.notifier.NotifyBatchDone(ctx, st)
		return nil
	}

	nextPhase, ok := o.phases.Get(next)
	if !ok {
		return batcherr.New(batcherr.KindInvariantViolation, fmt.Errorf("phase %q names unknown successor %q", ph.Tag(), next))
	}

	tasks := nextPhase.Discover(st.QueueMessage)
	st.CurrentPhaseTasks = map[string]batch.Task{}
	for _, t := range tasks {
		st.CurrentPhaseTasks[t.TaskID] = t
	}
	st.TasksTotal += len(tasks)
	st.CurrentPhase = nextPhase.Tag()
	st.Status = batch.Status(nextPhase.Tag())
	st.UpdatedAt = nowUTC()
	metrics.PhaseAdvances.WithLabelValues(nextPhase.Tag()).Inc()

	return o.alarms.Schedule(ctx, st.BatchID, nowUTC())
}

// RunLoop polls the alarm clock for due batches and fires each one. It
// blocks until ctx is canceled; call it from a goroutine.
func (o *Orchestrator) RunLoop(ctx context.Context, pollInterval time.Duration, batchLimit int64) {
	if pollInterval <= 0 {
		pollInterval = 1 * time.Second
	}
	fire := o.FireAlarm(ctx)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := o.alarms.Due(ctx, nowUTC(), batchLimit)
			if err != nil {
				o.log.Warn("alarm clock poll failed", "error", err)
				continue
			}
			for _, batchID := range due {
				go fire(batchID)
			}
		}
	}
}

// computeBackoff exponentially scales base by the batch's consecutive
// no-progress count, capped at 8x base, with +/-20% jitter — adapted
// from the teacher's stage retry backoff (internal/jobs/orchestrator).
func computeBackoff(base time.Duration, attempts int) time.Duration {
	if base <= 0 {
		base = 30 * time.Second
	}
	if attempts < 1 {
		attempts = 1
	}
	maxB := base * 8
	d := time.Duration(float64(base) * math.Pow(2, float64(attempts-1)))
	if d > maxB {
		d = maxB
	}
	j := 0.20
	delta := float64(d) * j
	low := float64(d) - delta
	high := float64(d) + delta
	if low < 0 {
		low = 0
	}
	return time.Duration(low + rand.Float64()*(high-low))
}

func nowUTC() time.Time { return time.Now().UTC() }
