package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mobiliza/disparo/internal/metrics"
	"github.com/mobiliza/disparo/internal/models"
)

// JobStore persists deferred jobs for the external scheduler.
// Implemented by schedule.Outbox.
type JobStore interface {
	Append(ctx context.Context, jobs []models.DeferredJob) error
}

// Scheduler is the alternative exit path: instead of dispatching now,
// it materializes the resolved and templated payload set as deferred
// jobs. It bypasses the run state machine entirely; execution is owned
// by an external scheduler.
type Scheduler struct {
	resolver    *Resolver
	events      EventSource
	store       JobStore
	linkBaseURL string
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

func NewScheduler(resolver *Resolver, events EventSource, store JobStore, linkBaseURL string, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		resolver:    resolver,
		events:      events,
		store:       store,
		linkBaseURL: linkBaseURL,
		logger:      logger.With("component", "scheduler"),
		metrics:     m,
	}
}

// Schedule resolves the recipient set and writes one deferred job per
// recipient, all sharing a correlation id. Scheduled sends are not
// used for the verification flow, so no codes are minted and no
// verification link is injected.
func (s *Scheduler) Schedule(ctx context.Context, strategy Strategy, templateKey string, when time.Time) ([]string, error) {
	recipients, err := s.resolver.Resolve(ctx, strategy)
	if err != nil {
		return nil, err
	}

	var event *models.Event
	if be, ok := strategy.(ByEvent); ok {
		event, err = s.events.GetByID(ctx, be.EventID)
		if err != nil {
			return nil, fmt.Errorf("failed to load event: %w", err)
		}
		if event == nil {
			return nil, fmt.Errorf("%w: event %s not found", ErrNoRecipients, be.EventID)
		}
	}

	builder := &VarBuilder{BaseURL: s.linkBaseURL, Event: event}
	runID := uuid.New().String()
	now := time.Now()

	jobs := make([]models.DeferredJob, 0, len(recipients))
	ids := make([]string, 0, len(recipients))
	for i := range recipients {
		rec := &recipients[i]
		job := models.DeferredJob{
			ID:          uuid.New().String(),
			RunID:       runID,
			RecipientID: rec.ID,
			Address:     rec.Address,
			TemplateKey: templateKey,
			Variables:   builder.Build(rec, strategy, ""),
			DueAt:       when,
			Status:      models.JobPending,
			CreatedAt:   now,
		}
		jobs = append(jobs, job)
		ids = append(ids, job.ID)
	}

	if err := s.store.Append(ctx, jobs); err != nil {
		return nil, fmt.Errorf("failed to store deferred jobs: %w", err)
	}

	s.metrics.JobsScheduledTotal.Add(float64(len(jobs)))
	s.logger.Info("deferred jobs scheduled",
		"run_id", runID,
		"strategy", StrategyName(strategy),
		"template", templateKey,
		"jobs", len(jobs),
		"due_at", when,
	)

	return ids, nil
}
