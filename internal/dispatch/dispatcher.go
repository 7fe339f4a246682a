package dispatch

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/mobiliza/disparo/internal/gateway"
	"github.com/mobiliza/disparo/internal/metrics"
	"github.com/mobiliza/disparo/internal/models"
)

// Sender delivers a single templated message. Implemented by
// gateway.Client; tests substitute fakes.
type Sender interface {
	Send(ctx context.Context, req *gateway.SendRequest) (*gateway.SendResponse, error)
}

// NotifyMarker is the store's write side for the "verification flow
// sent" timestamp.
type NotifyMarker interface {
	MarkNotified(ctx context.Context, kind models.RecipientKind, id string) error
}

// Outcome is the result of one send attempt. Failures carry a reason
// but never abort the batch.
type Outcome struct {
	RecipientID string
	Address     string
	Sent        bool
	Reason      string
}

// Config holds the dispatcher tunables. MinDelay/MaxDelay bound the
// randomized pause between consecutive sends; the jitter is an
// anti-throttling measure against the downstream provider, which is
// why recipients are processed strictly one at a time.
type Config struct {
	MinDelay             time.Duration
	MaxDelay             time.Duration
	LinkBaseURL          string
	VerificationTemplate string
}

// Dispatcher sends one message at a time through the delivery gateway.
type Dispatcher struct {
	sender  Sender
	issuer  *CodeIssuer
	marker  NotifyMarker
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewDispatcher(sender Sender, issuer *CodeIssuer, marker NotifyMarker, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sender:  sender,
		issuer:  issuer,
		marker:  marker,
		cfg:     cfg,
		logger:  logger.With("component", "dispatcher"),
		metrics: m,
	}
}

// SendOne builds the variable map, selects the effective template and
// invokes the gateway for a single recipient. Any error comes back as
// a failed Outcome; nothing propagates to the batch loop.
func (d *Dispatcher) SendOne(ctx context.Context, rec *models.Recipient, s Strategy, templateKey string, event *models.Event) Outcome {
	outcome := Outcome{RecipientID: rec.ID, Address: rec.Address}

	code := ""
	if VerificationFlow(s) {
		minted := rec.VerificationCode == ""
		c, err := d.issuer.EnsureCode(ctx, rec)
		if err != nil {
			d.logger.Warn("code issuance failed", "recipient", rec.ID, "error", err)
			d.metrics.MessagesFailedTotal.WithLabelValues("code_persistence").Inc()
			outcome.Reason = err.Error()
			return outcome
		}
		if minted {
			d.metrics.CodesIssuedTotal.Inc()
		}
		code = c
	}

	builder := &VarBuilder{BaseURL: d.cfg.LinkBaseURL, Event: event}
	vars := builder.Build(rec, s, code)

	// The verification template overrides the operator's choice for
	// verification-flow runs.
	effectiveKey := templateKey
	if VerificationFlow(s) {
		effectiveKey = d.cfg.VerificationTemplate
	}

	// An in-flight send is not interruptible by run cancellation; the
	// client's own timeout still applies.
	sendCtx := context.WithoutCancel(ctx)

	start := time.Now()
	_, err := d.sender.Send(sendCtx, &gateway.SendRequest{
		To:          rec.Address,
		TemplateKey: effectiveKey,
		Variables:   vars,
	})
	d.metrics.SendDurationSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		d.logger.Debug("send failed", "recipient", rec.ID, "address", rec.Address, "error", err)
		d.metrics.MessagesFailedTotal.WithLabelValues("gateway").Inc()
		outcome.Reason = err.Error()
		return outcome
	}

	outcome.Sent = true
	d.metrics.MessagesSentTotal.Inc()

	if VerificationFlow(s) {
		// The message went out; a failed stamp only means a repeat run
		// may target this recipient again.
		if err := d.marker.MarkNotified(sendCtx, rec.Kind, rec.ID); err != nil {
			d.logger.Warn("failed to mark recipient notified", "recipient", rec.ID, "error", err)
		}
	}

	d.logger.Debug("message sent", "recipient", rec.ID, "address", rec.Address, "template", effectiveKey)
	return outcome
}

// Pause sleeps the jittered throttle delay, drawn uniformly from
// [MinDelay, MaxDelay]. Returns early with the context error if the
// run is cancelled while waiting.
func (d *Dispatcher) Pause(ctx context.Context) error {
	delay := d.cfg.MinDelay
	if span := d.cfg.MaxDelay - d.cfg.MinDelay; span > 0 {
		delay += rand.N(span)
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
