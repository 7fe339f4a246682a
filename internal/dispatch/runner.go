package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mobiliza/disparo/internal/metrics"
	"github.com/mobiliza/disparo/internal/models"
)

// Status is the run state machine state.
type Status string

const (
	StatusIdle                 Status = "idle"
	StatusSending              Status = "sending"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusDone                 Status = "done"
	StatusCancelled            Status = "cancelled"
)

// RunState is a read-only snapshot of the state machine.
type RunState struct {
	RunID           string    `json:"run_id,omitempty"`
	Status          Status    `json:"status"`
	CurrentBatch    int       `json:"current_batch"` // 1-based; 0 when idle
	TotalBatches    int       `json:"total_batches"`
	SentCount       int       `json:"sent_count"`
	FailedCount     int       `json:"failed_count"`
	TotalCount      int       `json:"total_count"`
	ProgressPercent float64   `json:"progress_percent"`
	StartedAt       time.Time `json:"started_at,omitzero"`
}

// Runner drives a dispatch run batch by batch. It owns at most one run
// at a time; run state lives in memory only and is lost when the
// process exits, including which batches were already sent.
type Runner struct {
	resolver   *Resolver
	events     EventSource
	dispatcher *Dispatcher
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu           sync.Mutex
	status       Status
	runID        string
	strategy     Strategy
	templateKey  string
	event        *models.Event
	recipients   []models.Recipient
	batchSize    int
	totalBatches int
	currentBatch int // 0-based index of the batch being or last processed
	tracker      Tracker
	startedAt    time.Time
	runCtx       context.Context
	cancelRun    context.CancelFunc
	batchDone    chan struct{} // closed when the active batch goroutine exits

	eventsCh chan Event
}

func NewRunner(resolver *Resolver, events EventSource, dispatcher *Dispatcher, m *metrics.Metrics, logger *slog.Logger) *Runner {
	return &Runner{
		resolver:   resolver,
		events:     events,
		dispatcher: dispatcher,
		logger:     logger.With("component", "runner"),
		metrics:    m,
		status:     StatusIdle,
		eventsCh:   make(chan Event, 64),
	}
}

// Events returns the progress event channel. Events are dropped when
// the channel is full; Snapshot always has the authoritative state.
func (r *Runner) Events() <-chan Event {
	return r.eventsCh
}

// Snapshot returns the current run state.
func (r *Runner) Snapshot() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Start resolves the recipient set and begins sending the first batch.
// Valid only from idle. batchSize <= 0 means a single batch covering
// everything.
func (r *Runner) Start(ctx context.Context, s Strategy, templateKey string, batchSize int) (RunState, error) {
	r.mu.Lock()
	if r.status != StatusIdle {
		defer r.mu.Unlock()
		return r.snapshotLocked(), fmt.Errorf("%w: start requires idle, current state is %s", ErrInvalidTransition, r.status)
	}
	r.mu.Unlock()

	// Resolution happens outside the lock; it is a pure read and can
	// take a while on large populations.
	recipients, err := r.resolver.Resolve(ctx, s)
	if err != nil {
		return r.Snapshot(), err
	}

	var event *models.Event
	if be, ok := s.(ByEvent); ok {
		event, err = r.events.GetByID(ctx, be.EventID)
		if err != nil {
			return r.Snapshot(), fmt.Errorf("failed to load event: %w", err)
		}
		if event == nil {
			return r.Snapshot(), fmt.Errorf("%w: event %s not found", ErrNoRecipients, be.EventID)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusIdle {
		return r.snapshotLocked(), fmt.Errorf("%w: start requires idle, current state is %s", ErrInvalidTransition, r.status)
	}

	size := batchSize
	if size <= 0 || size > len(recipients) {
		size = len(recipients)
	}

	r.runID = uuid.New().String()
	r.strategy = s
	r.templateKey = templateKey
	r.event = event
	r.recipients = recipients
	r.batchSize = size
	r.totalBatches = (len(recipients) + size - 1) / size
	r.currentBatch = 0
	r.tracker.reset(len(recipients))
	r.status = StatusSending

	// The run outlives the HTTP request that started it.
	r.runCtx, r.cancelRun = context.WithCancel(context.Background())
	r.startedAt = time.Now()

	r.logger.Info("run started",
		"run_id", r.runID,
		"strategy", StrategyName(s),
		"template", templateKey,
		"recipients", len(recipients),
		"batch_size", size,
		"batches", r.totalBatches,
	)

	r.spawnBatchLocked()
	r.updateMetricsLocked()
	r.emit(r.eventLocked(""))
	return r.snapshotLocked(), nil
}

// Resume continues a run paused at a confirmation checkpoint, starting
// with the batch after the one just completed. Valid only from
// awaiting_confirmation.
func (r *Runner) Resume(runID string) (RunState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if runID != "" && runID != r.runID {
		return r.snapshotLocked(), fmt.Errorf("%w: got %s", ErrRunMismatch, runID)
	}
	if r.status != StatusAwaitingConfirmation {
		return r.snapshotLocked(), fmt.Errorf("%w: resume requires awaiting_confirmation, current state is %s", ErrInvalidTransition, r.status)
	}

	r.currentBatch++
	r.status = StatusSending

	r.logger.Info("run resumed", "run_id", r.runID, "batch", r.currentBatch+1, "batches", r.totalBatches)

	r.spawnBatchLocked()
	r.updateMetricsLocked()
	r.emit(r.eventLocked(""))
	return r.snapshotLocked(), nil
}

// Cancel aborts the run. Valid from sending or awaiting_confirmation.
// Messages already sent stay sent; the next send never starts.
func (r *Runner) Cancel(runID string) (RunState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if runID != "" && runID != r.runID {
		return r.snapshotLocked(), fmt.Errorf("%w: got %s", ErrRunMismatch, runID)
	}
	if r.status != StatusSending && r.status != StatusAwaitingConfirmation {
		return r.snapshotLocked(), fmt.Errorf("%w: cancel requires an active run, current state is %s", ErrInvalidTransition, r.status)
	}

	r.status = StatusCancelled
	if r.cancelRun != nil {
		r.cancelRun()
	}

	r.logger.Info("run cancelled", "run_id", r.runID, "sent", r.tracker.sent, "failed", r.tracker.failed, "total", r.tracker.total)

	r.updateMetricsLocked()
	r.emit(r.eventLocked(""))
	return r.snapshotLocked(), nil
}

// Clear resets a finished or cancelled run back to idle.
func (r *Runner) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status != StatusDone && r.status != StatusCancelled {
		return fmt.Errorf("%w: clear requires a terminal state, current state is %s", ErrInvalidTransition, r.status)
	}

	if r.cancelRun != nil {
		r.cancelRun()
	}
	r.runID = ""
	r.strategy = nil
	r.templateKey = ""
	r.event = nil
	r.recipients = nil
	r.batchSize = 0
	r.totalBatches = 0
	r.currentBatch = 0
	r.tracker.reset(0)
	r.runCtx = nil
	r.cancelRun = nil
	r.startedAt = time.Time{}
	r.status = StatusIdle

	r.updateMetricsLocked()
	r.emit(r.eventLocked(""))
	return nil
}

// spawnBatchLocked launches the goroutine processing the current
// batch. Caller holds the lock.
func (r *Runner) spawnBatchLocked() {
	done := make(chan struct{})
	r.batchDone = done

	ctx := r.runCtx
	runID := r.runID
	batch := r.currentBatch
	start, end := r.batchBoundsLocked(batch)
	recipients := r.recipients[start:end]
	s := r.strategy
	templateKey := r.templateKey
	event := r.event

	go func() {
		defer close(done)
		r.sendBatch(ctx, runID, batch, recipients, s, templateKey, event)
	}()
}

// sendBatch processes one batch strictly sequentially, pausing the
// jittered delay between sends and checking for cancellation at every
// boundary.
func (r *Runner) sendBatch(ctx context.Context, runID string, batch int, recipients []models.Recipient, s Strategy, templateKey string, event *models.Event) {
	for i := range recipients {
		if ctx.Err() != nil {
			return
		}

		outcome := r.dispatcher.SendOne(ctx, &recipients[i], s, templateKey, event)

		r.mu.Lock()
		if r.runID != runID {
			r.mu.Unlock()
			return
		}
		// A send that was in flight when the run was cancelled still
		// counts; cancellation only prevents the next one.
		r.tracker.record(outcome)
		r.updateMetricsLocked()
		ev := r.eventLocked(outcome.RecipientID)
		stillSending := r.status == StatusSending
		r.mu.Unlock()

		r.emit(ev)

		if !stillSending {
			return
		}
		if i < len(recipients)-1 {
			if err := r.dispatcher.Pause(ctx); err != nil {
				return
			}
		}
	}

	r.mu.Lock()
	if r.runID != runID || r.status != StatusSending {
		r.mu.Unlock()
		return
	}

	if batch == r.totalBatches-1 {
		r.status = StatusDone
		r.logger.Info("run completed",
			"run_id", r.runID,
			"sent", r.tracker.sent,
			"failed", r.tracker.failed,
			"total", r.tracker.total,
		)
	} else {
		r.status = StatusAwaitingConfirmation
		r.logger.Info("batch completed, awaiting confirmation",
			"run_id", r.runID,
			"batch", batch+1,
			"batches", r.totalBatches,
			"sent", r.tracker.sent,
		)
	}

	r.updateMetricsLocked()
	ev := r.eventLocked("")
	r.mu.Unlock()

	r.emit(ev)
}

func (r *Runner) batchBoundsLocked(batch int) (int, int) {
	start := batch * r.batchSize
	end := start + r.batchSize
	if end > len(r.recipients) {
		end = len(r.recipients)
	}
	return start, end
}

func (r *Runner) snapshotLocked() RunState {
	state := RunState{
		RunID:           r.runID,
		Status:          r.status,
		TotalBatches:    r.totalBatches,
		SentCount:       r.tracker.sent,
		FailedCount:     r.tracker.failed,
		TotalCount:      r.tracker.total,
		ProgressPercent: r.tracker.Percent(),
		StartedAt:       r.startedAt,
	}
	if r.status != StatusIdle {
		state.CurrentBatch = r.currentBatch + 1
	}
	return state
}

func (r *Runner) eventLocked(recipientID string) Event {
	state := r.snapshotLocked()
	return Event{
		RunID:        state.RunID,
		Status:       state.Status,
		CurrentBatch: state.CurrentBatch,
		TotalBatches: state.TotalBatches,
		SentCount:    state.SentCount,
		FailedCount:  state.FailedCount,
		TotalCount:   state.TotalCount,
		Percent:      state.ProgressPercent,
		RecipientID:  recipientID,
	}
}

func (r *Runner) emit(ev Event) {
	select {
	case r.eventsCh <- ev:
	default:
	}
}

func (r *Runner) updateMetricsLocked() {
	active := 0.0
	if r.status == StatusSending || r.status == StatusAwaitingConfirmation {
		active = 1.0
	}
	current := 0
	if r.status != StatusIdle {
		current = r.currentBatch + 1
	}
	r.metrics.RunActive.Set(active)
	r.metrics.RunProgressPercent.Set(r.tracker.Percent())
	r.metrics.BatchCurrent.Set(float64(current))
	r.metrics.BatchTotal.Set(float64(r.totalBatches))
}
