package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mr1hm/go-bear-alerts/internal/models"
)

// Claim inserts a pending ledger row guarded by the (alert, user, channel) unique
// constraint. A pending row whose lease has expired is taken over with a new token;
// any other existing row means the slot is lost.
func (s *SQLiteDB) Claim(ctx context.Context, key models.DeliveryKey) (Claim, error) {
	now := s.now()
	token := uuid.NewString()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_notifications (
			alert_id, user_id, channel, status, claim_token, lease_expires_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (alert_id, user_id, channel) DO UPDATE SET
			claim_token = excluded.claim_token,
			lease_expires_at = excluded.lease_expires_at
		WHERE alert_notifications.status = ?
			AND alert_notifications.lease_expires_at < ?`,
		key.AlertID, key.UserID, string(key.Channel), string(models.DeliveryPending),
		token, now.Add(s.claimTTL).Unix(), now.UTC(),
		string(models.DeliveryPending), now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("error claiming delivery slot: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("error reading claim result: %w", err)
	}
	if n == 0 {
		return nil, ErrClaimLost
	}

	return &sqliteClaim{db: s.db, key: key, token: token}, nil
}

func (s *SQLiteDB) ListDeliveries(ctx context.Context, alertID int64) ([]models.DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, alert_id, user_id, channel, status, sent_at, error_message, created_at
		FROM alert_notifications
		WHERE alert_id = ?
		ORDER BY id`, alertID)
	if err != nil {
		return nil, fmt.Errorf("error listing deliveries: %w", err)
	}
	defer rows.Close()

	return scanDeliveries(rows)
}

type sqliteClaim struct {
	db    *sql.DB
	key   models.DeliveryKey
	token string
}

func (c *sqliteClaim) MarkSent(ctx context.Context, sentAt time.Time) error {
	return c.finish(ctx, models.DeliverySent, sql.NullTime{Time: sentAt.UTC(), Valid: true}, sql.NullString{})
}

func (c *sqliteClaim) MarkFailed(ctx context.Context, errMsg string) error {
	return c.finish(ctx, models.DeliveryFailed, sql.NullTime{}, sql.NullString{String: errMsg, Valid: true})
}

// finish moves the row to a terminal status only while this claim's token is
// still current.
func (c *sqliteClaim) finish(ctx context.Context, status models.DeliveryStatus, sentAt sql.NullTime, errMsg sql.NullString) error {
	res, err := c.db.ExecContext(ctx, `
		UPDATE alert_notifications
		SET status = ?, sent_at = ?, error_message = ?, lease_expires_at = NULL
		WHERE alert_id = ? AND user_id = ? AND channel = ?
			AND claim_token = ? AND status = ?`,
		string(status), sentAt, errMsg,
		c.key.AlertID, c.key.UserID, string(c.key.Channel),
		c.token, string(models.DeliveryPending),
	)
	if err != nil {
		return fmt.Errorf("error recording %s delivery: %w", status, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error reading ledger update result: %w", err)
	}
	if n == 0 {
		return ErrLedgerConflict
	}
	return nil
}

func (c *sqliteClaim) Close() error { return nil }

func scanDeliveries(rows *sql.Rows) ([]models.DeliveryRecord, error) {
	records := make([]models.DeliveryRecord, 0)
	for rows.Next() {
		var (
			r       models.DeliveryRecord
			channel string
			status  string
			sentAt  sql.NullTime
			errMsg  sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.AlertID, &r.UserID, &channel, &status, &sentAt, &errMsg, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("error scanning delivery: %w", err)
		}
		r.Channel = models.Channel(channel)
		r.Status = models.DeliveryStatus(status)
		r.SentAt = timePtr(sentAt)
		r.ErrorMessage = errMsg.String
		records = append(records, r)
	}
	return records, rows.Err()
}
