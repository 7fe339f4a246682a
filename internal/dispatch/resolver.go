package dispatch

import (
	"context"
	"fmt"

	"github.com/mobiliza/disparo/internal/models"
)

// RecipientSource is the read side of the external data store, one
// query per strategy.
type RecipientSource interface {
	ListActive(ctx context.Context, kind models.RecipientKind) ([]models.Recipient, error)
	GetByID(ctx context.Context, kind models.RecipientKind, id string) (*models.Recipient, error)
	ListByEvent(ctx context.Context, eventID string) ([]models.Recipient, error)
	ListNotYetNotified(ctx context.Context, kind models.RecipientKind) ([]models.Recipient, error)
	ListAwaitingConfirmation(ctx context.Context, kind models.RecipientKind) ([]models.Recipient, error)
	ListSubordinateTree(ctx context.Context, coordinatorID string) ([]models.Recipient, error)
}

// EventSource resolves the event whose fields are injected into
// event-scoped messages.
type EventSource interface {
	GetByID(ctx context.Context, id string) (*models.Event, error)
}

// Resolver turns a strategy into the ordered, deduplicated recipient
// set for one run. Pure read; no side effects.
type Resolver struct {
	source RecipientSource
}

func NewResolver(source RecipientSource) *Resolver {
	return &Resolver{source: source}
}

// Resolve returns the recipients selected by the strategy, in store
// order, deduplicated by identity, with unaddressable records dropped.
// A result of zero recipients is ErrNoRecipients.
func (r *Resolver) Resolve(ctx context.Context, s Strategy) ([]models.Recipient, error) {
	var (
		recipients []models.Recipient
		err        error
	)

	switch v := s.(type) {
	case AllOfKind:
		recipients, err = r.source.ListActive(ctx, v.Kind)
	case SingleByID:
		if v.ID == "" {
			return nil, fmt.Errorf("%w: no recipient selected", ErrNoRecipients)
		}
		var rec *models.Recipient
		rec, err = r.source.GetByID(ctx, v.Kind, v.ID)
		if err == nil {
			if rec == nil {
				return nil, fmt.Errorf("%w: recipient %s not found", ErrNoRecipients, v.ID)
			}
			recipients = []models.Recipient{*rec}
		}
	case ByEvent:
		if v.EventID == "" {
			return nil, fmt.Errorf("%w: no event selected", ErrNoRecipients)
		}
		recipients, err = r.source.ListByEvent(ctx, v.EventID)
	case NotYetNotified:
		recipients, err = r.source.ListNotYetNotified(ctx, v.Kind)
	case AwaitingConfirmation:
		recipients, err = r.source.ListAwaitingConfirmation(ctx, v.Kind)
	case SubordinateTreeOf:
		if v.CoordinatorID == "" {
			return nil, fmt.Errorf("%w: no coordinator selected", ErrNoRecipients)
		}
		recipients, err = r.source.ListSubordinateTree(ctx, v.CoordinatorID)
	default:
		return nil, fmt.Errorf("unsupported strategy %T", s)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to resolve recipients: %w", err)
	}

	result := dedupe(recipients)
	if len(result) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoRecipients, StrategyName(s))
	}
	return result, nil
}

// dedupe keeps the first occurrence of each identity and drops records
// without an address.
func dedupe(recipients []models.Recipient) []models.Recipient {
	seen := make(map[string]struct{}, len(recipients))
	result := make([]models.Recipient, 0, len(recipients))
	for _, rec := range recipients {
		if !rec.Addressable() {
			continue
		}
		key := string(rec.Kind) + "/" + rec.ID
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, rec)
	}
	return result
}
