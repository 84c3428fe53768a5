// Package notify turns a persisted alert into emails for the users near its
// sighting, with at most one successful delivery per (alert, user, channel).
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mr1hm/go-bear-alerts/internal/mailer"
	"github.com/mr1hm/go-bear-alerts/internal/models"
	"github.com/mr1hm/go-bear-alerts/internal/repository"
)

// Sender delivers one message over a channel.
type Sender interface {
	Send(ctx context.Context, msg mailer.Message) error
}

// Selector returns the candidate recipients for a sighting location.
type Selector interface {
	Select(ctx context.Context, lat, lon float64) ([]models.User, error)
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSent
	outcomeFailed
)

type Dispatcher struct {
	alerts      repository.AlertRepository
	ledger      repository.DeliveryLedger
	selector    Selector
	composer    *Composer
	sender      Sender
	concurrency int
	now         func() time.Time

	// A sent message must end up recorded, or an expired claim lets a later
	// dispatch mail the same user again.
	recordAttempts int
	recordBackoff  time.Duration
}

type DispatcherOption func(*Dispatcher)

// WithRecordRetry sets how many times a "sent" ledger write is tried, and the
// first pause between tries. The pause doubles after each failure.
func WithRecordRetry(attempts int, backoff time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if attempts > 0 {
			d.recordAttempts = attempts
		}
		if backoff >= 0 {
			d.recordBackoff = backoff
		}
	}
}

// WithConcurrency lets up to n recipients of one alert be processed at once.
func WithConcurrency(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

func NewDispatcher(
	alerts repository.AlertRepository,
	ledger repository.DeliveryLedger,
	selector Selector,
	composer *Composer,
	sender Sender,
	opts ...DispatcherOption,
) *Dispatcher {
	d := &Dispatcher{
		alerts:      alerts,
		ledger:      ledger,
		selector:    selector,
		composer:    composer,
		sender:      sender,
		concurrency: 1,
		now:         time.Now,

		recordAttempts: 5,
		recordBackoff:  250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch notifies the recipients of alertID who have not been attempted yet.
//
// A missing alert is not an error: stats come back with Processed false. Errors
// loading the alert or selecting recipients abort the dispatch and are returned;
// the caller may retry the whole dispatch since the ledger makes that safe.
// Individual delivery failures are recorded and counted, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, alertID int64) (models.DispatchStats, error) {
	stats := models.DispatchStats{AlertID: alertID}

	ac, err := d.alerts.GetAlertContext(ctx, alertID)
	if err != nil {
		return stats, fmt.Errorf("error loading alert %d: %w", alertID, err)
	}
	if ac == nil {
		slog.Warn("alert not found for notification", "alert_id", alertID)
		return stats, nil
	}

	stats.Processed = true
	if !ac.Alert.Severity.Notifiable() {
		slog.Debug("alert below notification threshold", "alert_id", alertID, "severity", ac.Alert.Severity)
		return stats, nil
	}
	stats.Eligible = true

	// No sighting means no location to geofence against.
	if ac.Sighting == nil {
		slog.Warn("alert has no sighting, nobody to notify", "alert_id", alertID)
		return stats, nil
	}

	recipients, err := d.selector.Select(ctx, ac.Sighting.Latitude, ac.Sighting.Longitude)
	if err != nil {
		return stats, err
	}
	stats.Targets = len(recipients)
	if len(recipients) == 0 {
		return stats, nil
	}

	// Rendered once, and only if some claim succeeds.
	compose := sync.OnceValue(func() Composed {
		return d.composer.Compose(ctx, ac)
	})

	outcomes := make([]outcome, len(recipients))
	if d.concurrency <= 1 {
		for i, u := range recipients {
			outcomes[i] = d.deliver(ctx, ac.Alert.ID, u, compose)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(d.concurrency)
		for i, u := range recipients {
			g.Go(func() error {
				outcomes[i] = d.deliver(ctx, ac.Alert.ID, u, compose)
				return nil
			})
		}
		g.Wait()
	}

	for _, o := range outcomes {
		switch o {
		case outcomeSent:
			stats.Sent++
		case outcomeFailed:
			stats.Failed++
		default:
			stats.Skipped++
		}
	}

	slog.Info("alert dispatch finished",
		"alert_id", alertID,
		"targets", stats.Targets,
		"sent", stats.Sent,
		"failed", stats.Failed,
		"skipped", stats.Skipped,
	)
	return stats, nil
}

// deliver runs claim, compose, send and the terminal ledger write for one user.
func (d *Dispatcher) deliver(ctx context.Context, alertID int64, u models.User, compose func() Composed) outcome {
	key := models.DeliveryKey{AlertID: alertID, UserID: u.ID, Channel: models.ChannelEmail}
	log := slog.With("alert_id", alertID, "user_id", u.ID, "channel", key.Channel)

	claim, err := d.ledger.Claim(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrClaimLost) {
			log.Debug("delivery already claimed")
		} else {
			log.Error("failed to claim delivery", "error", err)
		}
		return outcomeSkipped
	}
	defer claim.Close()

	msg := compose()
	sendErr := d.sender.Send(ctx, mailer.Message{
		To:         u.Email,
		Subject:    msg.Subject,
		Body:       msg.Body,
		Attachment: msg.Attachment,
	})

	if sendErr == nil {
		if err := d.recordSent(ctx, claim, log); err != nil {
			if errors.Is(err, repository.ErrLedgerConflict) {
				log.Warn("delivery sent but ledger slot was taken over")
				return outcomeSkipped
			}
			log.Error("delivery sent but not recorded, recipient may be mailed again", "error", err)
		}
		log.Info("notification email sent")
		return outcomeSent
	}

	log.Error("failed to send notification email", "error", sendErr)
	if err := claim.MarkFailed(ctx, models.TruncateError(sendErr)); err != nil {
		if errors.Is(err, repository.ErrLedgerConflict) {
			log.Warn("failed delivery lost the ledger race")
			return outcomeSkipped
		}
		log.Error("failed to record delivery failure", "error", err)
	}
	return outcomeFailed
}

// recordSent writes the sent state, retrying transient errors. It ignores
// cancellation of ctx because the message has already left.
func (d *Dispatcher) recordSent(ctx context.Context, claim repository.Claim, log *slog.Logger) error {
	ctx = context.WithoutCancel(ctx)
	sentAt := d.now()
	backoff := d.recordBackoff

	for attempt := 1; ; attempt++ {
		err := claim.MarkSent(ctx, sentAt)
		if err == nil || errors.Is(err, repository.ErrLedgerConflict) || attempt >= d.recordAttempts {
			return err
		}

		log.Warn("recording sent delivery failed, retrying", "attempt", attempt, "error", err)
		time.Sleep(backoff)
		backoff *= 2
	}
}
