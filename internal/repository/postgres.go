package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mr1hm/go-bear-alerts/internal/models"
)

// PostgresDB is the PostGIS backed store. Delivery claims are transaction scoped
// advisory locks, so a claim holds a pooled connection until it is finished.
type PostgresDB struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresDB(dsn string) (*PostgresDB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error while pinging database: %w", err)
	}

	p := newPostgresDB(db)
	if err := p.migrate(); err != nil {
		return nil, fmt.Errorf("error while migrating to database: %w", err)
	}

	return p, nil
}

func newPostgresDB(db *sql.DB) *PostgresDB {
	return &PostgresDB{db: db, now: time.Now}
}

func (p *PostgresDB) migrate() error {
	schema := `
		CREATE EXTENSION IF NOT EXISTS postgis;

		CREATE TABLE IF NOT EXISTS cameras (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS uploads (
			id BIGSERIAL PRIMARY KEY,
			camera_id BIGINT REFERENCES cameras(id) ON DELETE SET NULL,
			file_path TEXT NOT NULL,
			file_type TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS sightings (
			id BIGSERIAL PRIMARY KEY,
			upload_id BIGINT REFERENCES uploads(id) ON DELETE CASCADE,
			location GEOGRAPHY(POINT, 4326) NOT NULL,
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			detected_at TIMESTAMPTZ NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			bear_count INTEGER NOT NULL DEFAULT 1,
			severity TEXT NOT NULL,
			image_path TEXT,
			frame_number INTEGER,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS detections (
			id BIGSERIAL PRIMARY KEY,
			sighting_id BIGINT NOT NULL REFERENCES sightings(id) ON DELETE CASCADE,
			class_name TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			bbox_x INTEGER NOT NULL,
			bbox_y INTEGER NOT NULL,
			bbox_w INTEGER NOT NULL,
			bbox_h INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS alerts (
			id BIGSERIAL PRIMARY KEY,
			sighting_id BIGINT UNIQUE REFERENCES sightings(id) ON DELETE CASCADE,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			acknowledged BOOLEAN NOT NULL DEFAULT false,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS users (
			id BIGINT PRIMARY KEY,
			email TEXT,
			email_opt_in BOOLEAN NOT NULL DEFAULT false,
			latitude DOUBLE PRECISION,
			longitude DOUBLE PRECISION,
			location GEOGRAPHY(POINT, 4326),
			location_updated_at TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS alert_notifications (
			id BIGSERIAL PRIMARY KEY,
			alert_id BIGINT NOT NULL REFERENCES alerts(id) ON DELETE CASCADE,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			channel TEXT NOT NULL,
			status TEXT NOT NULL,
			sent_at TIMESTAMPTZ,
			error_message TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (alert_id, user_id, channel)
		);

		CREATE INDEX IF NOT EXISTS idx_users_location ON users USING GIST (location);
		CREATE INDEX IF NOT EXISTS idx_alert_notifications_alert_id ON alert_notifications(alert_id);
	`

	_, err := p.db.Exec(schema)
	return err
}

func (p *PostgresDB) Close() error {
	return p.db.Close()
}

func (p *PostgresDB) GetAlertContext(ctx context.Context, alertID int64) (*models.AlertContext, error) {
	query := alertContextQuery + ` WHERE a.id = $1`

	ac, err := scanAlertContext(p.db.QueryRowContext(ctx, query, alertID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("error loading alert %d: %w", alertID, err)
	}
	return ac, nil
}

func (p *PostgresDB) CreateSighting(ctx context.Context, ns *NewSighting) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	now := p.now()
	sg := &ns.Sighting
	if sg.DetectedAt.IsZero() {
		sg.DetectedAt = now
	}
	sg.CreatedAt = now
	sg.Severity = ns.Alert.Severity

	err = tx.QueryRowContext(ctx, `
		INSERT INTO sightings (
			upload_id, location, latitude, longitude, detected_at, confidence,
			bear_count, severity, image_path, frame_number, created_at
		) VALUES (
			$1, ST_SetSRID(ST_MakePoint($3, $2), 4326)::geography, $2, $3, $4, $5,
			$6, $7, $8, $9, $10
		) RETURNING id`,
		sg.UploadID, sg.Latitude, sg.Longitude, sg.DetectedAt, sg.Confidence,
		sg.BearCount, string(sg.Severity), nullString(sg.ImagePath), sg.FrameNumber, now,
	).Scan(&sg.ID)
	if err != nil {
		return fmt.Errorf("error inserting sighting: %w", err)
	}

	for _, d := range ns.Detections {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO detections (sighting_id, class_name, confidence, bbox_x, bbox_y, bbox_w, bbox_h)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			sg.ID, d.ClassName, d.Confidence, d.BBox.X, d.BBox.Y, d.BBox.Width, d.BBox.Height,
		); err != nil {
			return fmt.Errorf("error inserting detection: %w", err)
		}
	}

	a := &ns.Alert
	a.SightingID = &sg.ID
	a.CreatedAt = now
	err = tx.QueryRowContext(ctx, `
		INSERT INTO alerts (sighting_id, severity, message, acknowledged, created_at)
		VALUES ($1, $2, $3, false, $4)
		RETURNING id`,
		sg.ID, string(a.Severity), a.Message, now,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("error inserting alert: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresDB) ListNotifiableAlertIDs(ctx context.Context, since time.Time) ([]int64, error) {
	var sevs []string
	for _, sev := range models.NotifiableSeverities() {
		sevs = append(sevs, string(sev))
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id
		FROM alerts
		WHERE sighting_id IS NOT NULL
			AND severity = ANY($1)
			AND created_at >= $2
		ORDER BY id`,
		pq.Array(sevs), since,
	)
	if err != nil {
		return nil, fmt.Errorf("error listing alerts: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("error scanning alert: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresDB) FindRecipients(ctx context.Context, q RecipientQuery) ([]models.User, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, email, email_opt_in, latitude, longitude, location_updated_at
		FROM users
		WHERE email_opt_in
			AND email IS NOT NULL
			AND email <> ''
			AND location IS NOT NULL
			AND location_updated_at IS NOT NULL
			AND location_updated_at >= $1
			AND ST_DWithin(location, ST_SetSRID(ST_MakePoint($2, $3), 4326)::geography, $4)`,
		q.UpdatedSince, q.Center.Lon(), q.Center.Lat(), q.RadiusMeters,
	)
	if err != nil {
		return nil, fmt.Errorf("error querying recipients: %w", err)
	}
	defer rows.Close()

	users := make([]models.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning recipient: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (p *PostgresDB) UpsertUser(ctx context.Context, u *models.User) error {
	var lat, lon sql.NullFloat64
	if u.Location != nil {
		lat = sql.NullFloat64{Float64: u.Location.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: u.Location.Longitude, Valid: true}
	}
	var updatedAt sql.NullTime
	if u.LocationUpdatedAt != nil {
		updatedAt = sql.NullTime{Time: *u.LocationUpdatedAt, Valid: true}
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, email, email_opt_in, latitude, longitude, location, location_updated_at)
		VALUES (
			$1, $2, $3, $4::double precision, $5::double precision,
			CASE WHEN $4::double precision IS NULL THEN NULL
				ELSE ST_SetSRID(ST_MakePoint($5::double precision, $4::double precision), 4326)::geography END,
			$6::timestamptz
		)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			email_opt_in = EXCLUDED.email_opt_in,
			latitude = COALESCE(EXCLUDED.latitude, users.latitude),
			longitude = COALESCE(EXCLUDED.longitude, users.longitude),
			location = COALESCE(EXCLUDED.location, users.location),
			location_updated_at = COALESCE(EXCLUDED.location_updated_at, users.location_updated_at)`,
		u.ID, u.Email, u.EmailOptIn, lat, lon, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("error upserting user %d: %w", u.ID, err)
	}
	return nil
}

func (p *PostgresDB) ListDeliveries(ctx context.Context, alertID int64) ([]models.DeliveryRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, alert_id, user_id, channel, status, sent_at, error_message, created_at
		FROM alert_notifications
		WHERE alert_id = $1
		ORDER BY id`, alertID)
	if err != nil {
		return nil, fmt.Errorf("error listing deliveries: %w", err)
	}
	defer rows.Close()

	return scanDeliveries(rows)
}

// Claim takes a transaction scoped advisory lock on the delivery key and checks,
// inside the same transaction, that no ledger row exists yet. The lock is held
// until the claim is finished or closed.
func (p *PostgresDB) Claim(ctx context.Context, key models.DeliveryKey) (Claim, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("error starting claim transaction: %w", err)
	}

	var locked bool
	if err := tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock($1)`, advisoryLockKey(key)).Scan(&locked); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("error acquiring delivery lock: %w", err)
	}
	if !locked {
		tx.Rollback()
		return nil, ErrClaimLost
	}

	var exists bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM alert_notifications
			WHERE alert_id = $1 AND user_id = $2 AND channel = $3
		)`, key.AlertID, key.UserID, string(key.Channel),
	).Scan(&exists)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("error checking delivery ledger: %w", err)
	}
	if exists {
		tx.Rollback()
		return nil, ErrClaimLost
	}

	return &pgClaim{db: p.db, tx: tx, key: key, now: p.now}, nil
}

// advisoryLockKey packs alert and user into one bigint, alert in the high half.
func advisoryLockKey(key models.DeliveryKey) int64 {
	return key.AlertID<<32 | key.UserID&0xFFFFFFFF
}

type pgClaim struct {
	db  *sql.DB
	tx  *sql.Tx
	key models.DeliveryKey
	now func() time.Time

	// txDone is set once the claim transaction has been rolled back by a failed
	// write. Later writes go straight to the table and rely on the unique key.
	txDone bool
}

func (c *pgClaim) MarkSent(ctx context.Context, sentAt time.Time) error {
	return c.finish(ctx, models.DeliverySent, sql.NullTime{Time: sentAt, Valid: true}, sql.NullString{})
}

func (c *pgClaim) MarkFailed(ctx context.Context, errMsg string) error {
	return c.finish(ctx, models.DeliveryFailed, sql.NullTime{}, sql.NullString{String: errMsg, Valid: true})
}

const insertDelivery = `
	INSERT INTO alert_notifications (alert_id, user_id, channel, status, sent_at, error_message, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

func (c *pgClaim) finish(ctx context.Context, status models.DeliveryStatus, sentAt sql.NullTime, errMsg sql.NullString) error {
	args := []any{c.key.AlertID, c.key.UserID, string(c.key.Channel), string(status), sentAt, errMsg, c.now()}
	if c.txDone {
		return c.finishOutsideTx(ctx, status, args)
	}

	if _, err := c.tx.ExecContext(ctx, insertDelivery, args...); err != nil {
		c.tx.Rollback()
		c.txDone = true
		if isUniqueViolation(err) {
			return ErrLedgerConflict
		}
		return fmt.Errorf("error recording %s delivery: %w", status, err)
	}

	if err := c.tx.Commit(); err != nil {
		c.txDone = true
		if isUniqueViolation(err) {
			return ErrLedgerConflict
		}
		return fmt.Errorf("error committing %s delivery: %w", status, err)
	}
	return nil
}

// finishOutsideTx retries a terminal write after the claim transaction is gone.
// The advisory lock went with it, so an existing row means another claimant won.
func (c *pgClaim) finishOutsideTx(ctx context.Context, status models.DeliveryStatus, args []any) error {
	res, err := c.db.ExecContext(ctx, insertDelivery+`
	ON CONFLICT (alert_id, user_id, channel) DO NOTHING`, args...)
	if err != nil {
		return fmt.Errorf("error recording %s delivery: %w", status, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("error reading ledger insert result: %w", err)
	}
	if n == 0 {
		return ErrLedgerConflict
	}
	return nil
}

func (c *pgClaim) Close() error {
	if err := c.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
