package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mr1hm/go-bear-alerts/internal/models"
)

func (s *SQLiteDB) GetAlertContext(ctx context.Context, alertID int64) (*models.AlertContext, error) {
	query := alertContextQuery + ` WHERE a.id = ?`

	ac, err := scanAlertContext(s.db.QueryRowContext(ctx, query, alertID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("error loading alert %d: %w", alertID, err)
	}
	return ac, nil
}

func (s *SQLiteDB) CreateSighting(ctx context.Context, ns *NewSighting) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now().UTC()
	sg := &ns.Sighting
	if sg.DetectedAt.IsZero() {
		sg.DetectedAt = now
	}
	sg.CreatedAt = now
	sg.Severity = ns.Alert.Severity

	res, err := tx.ExecContext(ctx, `
		INSERT INTO sightings (
			upload_id, latitude, longitude, detected_at, confidence, bear_count,
			severity, image_path, frame_number, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sg.UploadID, sg.Latitude, sg.Longitude, sg.DetectedAt.UTC(), sg.Confidence, sg.BearCount,
		string(sg.Severity), nullString(sg.ImagePath), sg.FrameNumber, now,
	)
	if err != nil {
		return fmt.Errorf("error inserting sighting: %w", err)
	}
	if sg.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("error reading sighting id: %w", err)
	}

	for _, d := range ns.Detections {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO detections (sighting_id, class_name, confidence, bbox_x, bbox_y, bbox_w, bbox_h)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sg.ID, d.ClassName, d.Confidence, d.BBox.X, d.BBox.Y, d.BBox.Width, d.BBox.Height,
		); err != nil {
			return fmt.Errorf("error inserting detection: %w", err)
		}
	}

	a := &ns.Alert
	a.SightingID = &sg.ID
	a.CreatedAt = now
	res, err = tx.ExecContext(ctx, `
		INSERT INTO alerts (sighting_id, severity, message, acknowledged, created_at)
		VALUES (?, ?, ?, 0, ?)`,
		sg.ID, string(a.Severity), a.Message, now,
	)
	if err != nil {
		return fmt.Errorf("error inserting alert: %w", err)
	}
	if a.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("error reading alert id: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteDB) ListNotifiableAlertIDs(ctx context.Context, since time.Time) ([]int64, error) {
	sevs := models.NotifiableSeverities()
	args := make([]any, len(sevs))
	for i, sev := range sevs {
		args[i] = string(sev)
	}

	// Newest first so the scan stops at the first alert older than since.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at
		FROM alerts
		WHERE sighting_id IS NOT NULL
			AND severity IN (?`+strings.Repeat(", ?", len(sevs)-1)+`)
		ORDER BY id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("error listing alerts: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var (
			id        int64
			createdAt time.Time
		)
		if err := rows.Scan(&id, &createdAt); err != nil {
			return nil, fmt.Errorf("error scanning alert: %w", err)
		}
		if createdAt.Before(since) {
			break
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slices.Reverse(ids)
	return ids, nil
}

const alertContextQuery = `
	SELECT
		a.id, a.sighting_id, a.severity, a.message, a.acknowledged, a.created_at,
		s.id, s.upload_id, s.latitude, s.longitude, s.detected_at, s.confidence,
		s.bear_count, s.image_path, s.frame_number,
		u.id, u.camera_id, u.file_path, u.file_type,
		c.id, c.name, c.latitude, c.longitude
	FROM alerts a
	LEFT JOIN sightings s ON s.id = a.sighting_id
	LEFT JOIN uploads u ON u.id = s.upload_id
	LEFT JOIN cameras c ON c.id = u.camera_id`

// scanAlertContext reads one row of alertContextQuery. Shared by both backends.
func scanAlertContext(row *sql.Row) (*models.AlertContext, error) {
	var (
		ac       models.AlertContext
		severity string
		alertSID sql.NullInt64

		sID, sUploadID, sBearCount, sFrame sql.NullInt64
		sLat, sLon, sConf                  sql.NullFloat64
		sDetectedAt                        sql.NullTime
		sImage                             sql.NullString

		uID, uCameraID   sql.NullInt64
		uPath, uFileType sql.NullString

		cID        sql.NullInt64
		cName      sql.NullString
		cLat, cLon sql.NullFloat64
	)

	err := row.Scan(
		&ac.Alert.ID, &alertSID, &severity, &ac.Alert.Message, &ac.Alert.Acknowledged, &ac.Alert.CreatedAt,
		&sID, &sUploadID, &sLat, &sLon, &sDetectedAt, &sConf,
		&sBearCount, &sImage, &sFrame,
		&uID, &uCameraID, &uPath, &uFileType,
		&cID, &cName, &cLat, &cLon,
	)
	if err != nil {
		return nil, err
	}

	ac.Alert.Severity = models.Severity(severity)
	ac.Alert.SightingID = int64Ptr(alertSID)

	if sID.Valid {
		ac.Sighting = &models.Sighting{
			ID:          sID.Int64,
			UploadID:    int64Ptr(sUploadID),
			Latitude:    sLat.Float64,
			Longitude:   sLon.Float64,
			DetectedAt:  sDetectedAt.Time,
			Confidence:  sConf.Float64,
			BearCount:   int(sBearCount.Int64),
			Severity:    ac.Alert.Severity,
			ImagePath:   sImage.String,
			FrameNumber: int(sFrame.Int64),
		}
	}
	if uID.Valid {
		ac.Upload = &models.Upload{
			ID:       uID.Int64,
			CameraID: int64Ptr(uCameraID),
			FilePath: uPath.String,
			FileType: uFileType.String,
		}
	}
	if cID.Valid {
		ac.Camera = &models.Camera{
			ID:        cID.Int64,
			Name:      cName.String,
			Latitude:  cLat.Float64,
			Longitude: cLon.Float64,
		}
	}

	return &ac, nil
}

func int64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
