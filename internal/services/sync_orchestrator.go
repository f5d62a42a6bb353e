package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/medsync/engine/internal/models"
	"github.com/medsync/engine/internal/observability"
	"github.com/medsync/engine/internal/repository"
	"github.com/medsync/engine/internal/transport"
)

// Orchestrator phases
const (
	PhaseIdle         = "idle"
	PhaseChecking     = "checking"
	PhaseDraining     = "draining"
	PhaseTransferring = "transferring"
	PhaseResolving    = "resolving"
	PhaseReporting    = "reporting"
	PhaseAborted      = "aborted"
)

// Cycle trigger reasons
const (
	TriggerManual       = "manual"
	TriggerTimer        = "timer"
	TriggerConnectivity = "connectivity"
	TriggerResume       = "resume"
	TriggerRecheck      = "recheck"
)

// OrchestratorConfig holds sync orchestrator configuration
type OrchestratorConfig struct {
	// SyncInterval is the period of the auto-sync timer
	SyncInterval time.Duration
	// RecheckDelay is how long to wait before re-checking connectivity
	// after ShouldSync declined a cycle
	RecheckDelay time.Duration
	// WorkerLimit bounds concurrent network calls within one drain batch
	WorkerLimit int
	// BatchSize bounds how many queue operations drain per batch
	BatchSize int
	// Policy is the baseline connection policy consulted before each cycle
	Policy SyncPolicy
}

// DefaultOrchestratorConfig returns the standard orchestrator settings
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		SyncInterval: 5 * time.Minute,
		RecheckDelay: 30 * time.Second,
		WorkerLimit:  4,
		BatchSize:    50,
	}
}

// SyncOrchestrator drives the sync cycle through its phases: consult the
// connection monitor, drain the durable queue, transfer deltas, resolve
// conflicts and report a consolidated result. At most one cycle runs at a
// time; triggers arriving mid-cycle are coalesced into a single re-run.
type SyncOrchestrator struct {
	monitor   *ConnectionMonitor
	queue     *SyncQueue
	tracker   *ChangeTracker
	resolver  *ConflictResolver
	wire      Transport
	stateRepo repository.SyncStateRepo
	hub       *EventHub
	config    OrchestratorConfig
	logger    *observability.Logger
	metrics   *observability.SyncMetrics

	mu             sync.Mutex
	phase          string
	running        bool
	pendingTrigger string
	lastResult     *models.SyncCycleResult
	cycleCancel    context.CancelFunc

	autoMu      sync.Mutex
	autoEnabled bool
	autoCancel  context.CancelFunc

	// sleep is injectable so retry waits are observable in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSyncOrchestrator creates a SyncOrchestrator
func NewSyncOrchestrator(
	monitor *ConnectionMonitor,
	queue *SyncQueue,
	tracker *ChangeTracker,
	resolver *ConflictResolver,
	wire Transport,
	stateRepo repository.SyncStateRepo,
	hub *EventHub,
	config OrchestratorConfig,
) *SyncOrchestrator {
	logger := observability.GetLogger().WithField("component", "sync_orchestrator")

	metrics, err := observability.NewSyncMetrics()
	if err != nil {
		logger.Warnf("Cycle metrics unavailable: %v", err)
	}

	return &SyncOrchestrator{
		monitor:   monitor,
		queue:     queue,
		tracker:   tracker,
		resolver:  resolver,
		wire:      wire,
		stateRepo: stateRepo,
		hub:       hub,
		config:    config,
		phase:     PhaseIdle,
		logger:    logger,
		metrics:   metrics,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Start performs crash recovery and wires the background triggers. A cycle
// interrupted mid-drain or mid-transfer resumes immediately because the
// queue and the change log are durable.
func (o *SyncOrchestrator) Start(ctx context.Context) error {
	reset, err := o.queue.Recover(ctx)
	if err != nil {
		return err
	}
	if reset > 0 {
		o.logger.Infof("Recovered %d in-flight operations back to pending", reset)
	}

	if raw, err := o.stateRepo.GetValue(ctx, repository.StateKeyLastCycleResult); err == nil && raw != "" {
		var last models.SyncCycleResult
		if json.Unmarshal([]byte(raw), &last) == nil {
			o.mu.Lock()
			o.lastResult = &last
			o.mu.Unlock()
		}
	}

	phase, err := o.stateRepo.GetValue(ctx, repository.StateKeyOrchestratorPhase)
	if err == nil && phase != "" && phase != PhaseIdle {
		o.logger.Infof("Resuming interrupted cycle from phase %s", phase)
		o.TriggerSync(TriggerResume, false)
	}

	if enabled, err := o.stateRepo.GetValue(ctx, repository.StateKeyAutoSync); err == nil && enabled == "true" {
		o.SetAutoSync(true)
	}

	go o.watchConnectivity(ctx)
	return nil
}

// watchConnectivity triggers a cycle whenever a stable online state
// appears, and relays state changes to the event stream.
func (o *SyncOrchestrator) watchConnectivity(ctx context.Context) {
	states := o.monitor.Observe()
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-states:
			if !ok {
				return
			}
			o.hub.Publish(models.EventConnection, state)
			if !state.IsOffline() {
				o.TriggerSync(TriggerConnectivity, false)
			}
		}
	}
}

// TriggerSync requests a cycle. If one is already running the request is
// coalesced into a single re-run after the current cycle finishes.
func (o *SyncOrchestrator) TriggerSync(reason string, force bool) (started, coalesced bool) {
	o.mu.Lock()
	if o.running {
		o.pendingTrigger = reason
		o.mu.Unlock()
		return false, true
	}
	o.running = true
	o.mu.Unlock()

	go o.runCycle(reason, force)
	return true, false
}

// Cancel stops the active cycle at its next checkpoint. In-flight single
// operations are never interrupted mid-write.
func (o *SyncOrchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cycleCancel != nil {
		o.cycleCancel()
	}
}

// Phase returns the current orchestrator phase
func (o *SyncOrchestrator) Phase() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// LastResult returns the most recent cycle result, nil before the first
// cycle completes
func (o *SyncOrchestrator) LastResult() *models.SyncCycleResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastResult
}

// AutoSyncEnabled reports whether the periodic trigger is active
func (o *SyncOrchestrator) AutoSyncEnabled() bool {
	o.autoMu.Lock()
	defer o.autoMu.Unlock()
	return o.autoEnabled
}

// SetAutoSync enables or disables the periodic sync timer. The flag is
// persisted so it survives restarts.
func (o *SyncOrchestrator) SetAutoSync(enabled bool) {
	o.autoMu.Lock()
	defer o.autoMu.Unlock()

	if enabled == o.autoEnabled {
		return
	}
	o.autoEnabled = enabled

	value := "false"
	if enabled {
		value = "true"
	}
	if err := o.stateRepo.SetValue(context.Background(), repository.StateKeyAutoSync, value); err != nil {
		o.logger.Warnf("Failed to persist auto-sync flag: %v", err)
	}

	if !enabled {
		if o.autoCancel != nil {
			o.autoCancel()
			o.autoCancel = nil
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.autoCancel = cancel
	go func() {
		ticker := time.NewTicker(o.config.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.TriggerSync(TriggerTimer, false)
			}
		}
	}()
}

func (o *SyncOrchestrator) setPhase(ctx context.Context, phase string) {
	o.mu.Lock()
	o.phase = phase
	o.mu.Unlock()

	if err := o.stateRepo.SetValue(ctx, repository.StateKeyOrchestratorPhase, phase); err != nil {
		o.logger.Warnf("Failed to persist phase %s: %v", phase, err)
	}
}

// runCycle executes one full pass of the state machine. A cycle always
// produces a SyncCycleResult, even when it aborts partway.
func (o *SyncOrchestrator) runCycle(reason string, force bool) {
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cycleCancel = cancel
	o.mu.Unlock()
	defer cancel()

	ctx, span := observability.StartServiceSpan(ctx, "orchestrator", "sync_cycle")
	span.SetAttributes(attribute.String("sync.trigger", reason))
	defer span.End()

	result := &models.SyncCycleResult{
		CycleID:   uuid.New().String(),
		Trigger:   reason,
		StartedAt: time.Now().UTC(),
	}
	bytesBefore := o.tracker.BytesTransferred()

	o.setPhase(ctx, PhaseChecking)
	policy := o.config.Policy
	policy.Force = force
	if !o.monitor.ShouldSync(policy) {
		o.logger.Infof("Cycle %s skipped, connection policy declined (trigger %s)", result.CycleID, reason)
		o.finishIdle(ctx)
		time.AfterFunc(o.config.RecheckDelay, func() {
			o.TriggerSync(TriggerRecheck, false)
		})
		return
	}

	o.hub.Publish(models.EventSyncStarted, map[string]string{
		"cycleId": result.CycleID,
		"trigger": reason,
	})
	o.logger.Infof("Cycle %s started (trigger %s)", result.CycleID, reason)

	aborted := false
	if err := o.drain(ctx, result); err != nil {
		o.recordAbort(result, err)
		aborted = true
	}

	if !aborted {
		if err := o.transfer(ctx, result); err != nil {
			o.recordAbort(result, err)
			aborted = true
		}
	}

	o.report(ctx, result, bytesBefore)
	observability.SetSuccess(span)
}

func (o *SyncOrchestrator) recordAbort(result *models.SyncCycleResult, err error) {
	result.Aborted = true
	result.Errors = append(result.Errors, models.SyncError{
		Class:   transport.Classify(err),
		Message: err.Error(),
		At:      time.Now().UTC(),
	})
	o.logger.Errorf("Cycle %s aborted: %v", result.CycleID, err)
	o.setPhase(context.Background(), PhaseAborted)
}

// drain pushes queued operations batch by batch until the queue is empty.
// Per-item failures accumulate in the result; only a fatal transport error
// or cancellation aborts the cycle.
func (o *SyncOrchestrator) drain(ctx context.Context, result *models.SyncCycleResult) error {
	o.setPhase(ctx, PhaseDraining)

	for {
		// Checkpoint: cancellation is honored between batches only.
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := o.queue.DequeueBatch(ctx, o.config.BatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		var (
			wg       sync.WaitGroup
			sem      = make(chan struct{}, o.config.WorkerLimit)
			resultMu sync.Mutex
			fatalErr error
		)
		for _, op := range batch {
			wg.Add(1)
			sem <- struct{}{}
			go func(op *models.SyncOperation) {
				defer wg.Done()
				defer func() { <-sem }()

				drained, errs, err := o.drainOne(ctx, op)
				resultMu.Lock()
				defer resultMu.Unlock()
				result.Drained += drained
				result.Errors = append(result.Errors, errs...)
				if err != nil && fatalErr == nil {
					fatalErr = err
				}
			}(op)
		}
		wg.Wait()
		if fatalErr != nil {
			return fatalErr
		}

		o.hub.Publish(models.EventSyncProgress, map[string]interface{}{
			"cycleId": result.CycleID,
			"phase":   PhaseDraining,
			"drained": result.Drained,
		})
	}
}

// drainOne pushes a single queued operation, retrying transient failures
// with exponential backoff until the operation succeeds or exhausts its
// attempt budget. Returns a non-nil error only for fatal conditions.
func (o *SyncOrchestrator) drainOne(ctx context.Context, op *models.SyncOperation) (int, []models.SyncError, error) {
	var errs []models.SyncError

	for {
		record, err := o.tracker.StageOperation(ctx, op)
		if err != nil {
			return 0, errs, err
		}

		pushed, pushErr := o.wire.Push(ctx, []*models.ChangeRecord{record})
		if pushErr == nil && len(pushed.Accepted) > 0 {
			if err := o.tracker.CommitOperation(ctx, op, record); err != nil {
				return 0, errs, err
			}
			if err := o.queue.MarkCompleted(ctx, op.ID); err != nil {
				return 0, errs, err
			}
			return 1, errs, nil
		}

		if pushErr == nil {
			pushErr = &transport.Error{Class: models.ErrorClassConflict, Err: errRejected}
		}
		if transport.Classify(pushErr) == models.ErrorClassFatal {
			return 0, errs, pushErr
		}

		decision, err := o.queue.MarkFailed(ctx, op.ID, pushErr)
		if err != nil {
			return 0, errs, err
		}
		op.Attempts = decision.Attempts

		if decision.Exhausted {
			errs = append(errs, models.SyncError{
				EntityID: op.EntityID,
				Class:    models.ErrorClassExhausted,
				Message:  pushErr.Error(),
				At:       time.Now().UTC(),
			})
			return 0, errs, nil
		}

		errs = append(errs, models.SyncError{
			EntityID: op.EntityID,
			Class:    transport.Classify(pushErr),
			Message:  pushErr.Error(),
			At:       time.Now().UTC(),
		})
		if err := o.sleep(ctx, decision.Delay); err != nil {
			return 0, errs, err
		}
	}
}

// transfer pushes local deltas, pulls remote ones and routes divergences
// through the resolver
func (o *SyncOrchestrator) transfer(ctx context.Context, result *models.SyncCycleResult) error {
	o.setPhase(ctx, PhaseTransferring)

	pushed, pushErrs, err := o.tracker.PushLocal(ctx)
	result.Pushed = pushed
	result.Errors = append(result.Errors, pushErrs...)
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	applied, err := o.tracker.PullRemote(ctx)
	if applied != nil {
		result.Pulled = applied.Applied
		for _, id := range applied.Corrupted {
			result.Errors = append(result.Errors, models.SyncError{
				EntityID: id,
				Class:    models.ErrorClassCorruption,
				Message:  "checksum mismatch, entity re-fetched",
				At:       time.Now().UTC(),
			})
		}
		for _, id := range applied.Failed {
			result.Errors = append(result.Errors, models.SyncError{
				EntityID: id,
				Class:    models.ErrorClassTransient,
				Message:  "remote record could not be applied",
				At:       time.Now().UTC(),
			})
		}
	}
	if err != nil {
		return err
	}

	o.hub.Publish(models.EventSyncProgress, map[string]interface{}{
		"cycleId": result.CycleID,
		"phase":   PhaseTransferring,
		"pushed":  result.Pushed,
		"pulled":  result.Pulled,
	})

	if applied == nil || len(applied.Conflicted) == 0 {
		return nil
	}
	return o.resolve(ctx, result, applied.Conflicted)
}

// resolve runs the detected divergences through the resolver, applies
// auto-resolved values to the local store and surfaces the rest for review
func (o *SyncOrchestrator) resolve(ctx context.Context, result *models.SyncCycleResult, cases []*models.ConflictCase) error {
	o.setPhase(ctx, PhaseResolving)

	resolved, err := o.resolver.ResolveBatch(ctx, cases)
	if err != nil {
		return err
	}

	for _, c := range resolved {
		if err := ctx.Err(); err != nil {
			return err
		}

		if o.metrics != nil {
			o.metrics.RecordConflict(ctx, c.StrategyUsed, c.Status)
		}

		switch c.Status {
		case models.ConflictStatusAutoResolved:
			if err := o.applyResolution(ctx, c); err != nil {
				result.Errors = append(result.Errors, models.SyncError{
					EntityID: c.EntityID,
					Class:    models.ErrorClassConflict,
					Message:  err.Error(),
					At:       time.Now().UTC(),
				})
				continue
			}
			result.ConflictsResolved++
		case models.ConflictStatusPendingReview:
			result.ConflictsPending++
			o.hub.Publish(models.EventConflictPending, c)
		}
	}
	return nil
}

// applyResolution writes an auto-resolved value back to the local store.
// If the winner differs from the current local value a new change record is
// emitted so the winner reaches the server on the next transfer.
func (o *SyncOrchestrator) applyResolution(ctx context.Context, c *models.ConflictCase) error {
	entity := &models.Entity{
		ID:         c.EntityID,
		EntityType: c.EntityType,
		Payload:    c.ResolvedValue,
	}
	_, err := o.tracker.RecordChange(ctx, entity, models.OperationUpdate)
	return err
}

// report assembles the cycle result, persists the bookkeeping and emits the
// result event. Runs even for aborted cycles.
func (o *SyncOrchestrator) report(ctx context.Context, result *models.SyncCycleResult, bytesBefore int64) {
	// Reporting must outlive a canceled cycle context.
	o.setPhase(context.Background(), PhaseReporting)

	result.FinishedAt = time.Now().UTC()
	result.BytesTransferred = o.tracker.BytesTransferred() - bytesBefore

	if o.metrics != nil {
		o.metrics.RecordCycle(context.Background(), result.Trigger, result.Aborted, result.BytesTransferred)
	}

	if raw, err := json.Marshal(result); err == nil {
		if err := o.stateRepo.SetValue(context.Background(), repository.StateKeyLastCycleResult, string(raw)); err != nil {
			o.logger.Warnf("Failed to persist cycle result: %v", err)
		}
	}

	event := models.EventSyncCompleted
	if result.Aborted {
		event = models.EventSyncAborted
	}
	o.hub.Publish(event, result)

	o.logger.WithFields(map[string]interface{}{
		"cycleId":  result.CycleID,
		"pushed":   result.Pushed,
		"pulled":   result.Pulled,
		"drained":  result.Drained,
		"resolved": result.ConflictsResolved,
		"pending":  result.ConflictsPending,
		"errors":   len(result.Errors),
		"aborted":  result.Aborted,
		"duration": result.Duration().String(),
	}).Info("Sync cycle finished")

	o.mu.Lock()
	o.lastResult = result
	o.mu.Unlock()

	o.finishIdle(context.Background())
}

// finishIdle returns the machine to Idle and starts a coalesced re-run if
// any trigger arrived during the cycle
func (o *SyncOrchestrator) finishIdle(ctx context.Context) {
	o.setPhase(ctx, PhaseIdle)

	o.mu.Lock()
	next := o.pendingTrigger
	o.pendingTrigger = ""
	o.running = false
	o.cycleCancel = nil
	o.mu.Unlock()

	if next != "" {
		o.TriggerSync(next, false)
	}
}

var errRejected = &rejectionError{}

type rejectionError struct{}

func (e *rejectionError) Error() string { return "record rejected by server" }
