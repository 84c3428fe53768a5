package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"github.com/mr1hm/go-bear-alerts/internal/models"
)

// FindRecipients narrows candidates with a bounding box in SQL, then applies the
// freshness window and exact haversine distance in Go.
func (s *SQLiteDB) FindRecipients(ctx context.Context, q RecipientQuery) ([]models.User, error) {
	var (
		where = []string{
			"email_opt_in = 1",
			"email IS NOT NULL",
			"email <> ''",
			"latitude IS NOT NULL",
			"longitude IS NOT NULL",
			"location_updated_at IS NOT NULL",
		}
		args []any
	)

	bound := geo.NewBoundAroundPoint(q.Center, q.RadiusMeters)
	where = append(where, "latitude BETWEEN ? AND ?")
	args = append(args, bound.Min.Lat(), bound.Max.Lat())
	// Skip the longitude window when it wraps the antimeridian.
	if bound.Min.Lon() >= -180 && bound.Max.Lon() <= 180 {
		where = append(where, "longitude BETWEEN ? AND ?")
		args = append(args, bound.Min.Lon(), bound.Max.Lon())
	}

	query := `
		SELECT id, email, email_opt_in, latitude, longitude, location_updated_at
		FROM users
		WHERE ` + strings.Join(where, " AND ")

	rows, err := s.db.QueryContext(ctx, query, args...)
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
		if u.Location == nil || u.LocationUpdatedAt == nil || u.LocationUpdatedAt.Before(q.UpdatedSince) {
			continue
		}
		if geo.DistanceHaversine(q.Center, toPoint(*u.Location)) > q.RadiusMeters {
			continue
		}
		users = append(users, u)
	}

	return users, rows.Err()
}

// UpsertUser creates or replaces a directory entry. A nil Location keeps the
// previously stored location.
func (s *SQLiteDB) UpsertUser(ctx context.Context, u *models.User) error {
	var lat, lon sql.NullFloat64
	if u.Location != nil {
		lat = sql.NullFloat64{Float64: u.Location.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: u.Location.Longitude, Valid: true}
	}
	var updatedAt sql.NullTime
	if u.LocationUpdatedAt != nil {
		updatedAt = sql.NullTime{Time: u.LocationUpdatedAt.UTC(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, email_opt_in, latitude, longitude, location_updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			email = excluded.email,
			email_opt_in = excluded.email_opt_in,
			latitude = COALESCE(excluded.latitude, users.latitude),
			longitude = COALESCE(excluded.longitude, users.longitude),
			location_updated_at = COALESCE(excluded.location_updated_at, users.location_updated_at)`,
		u.ID, u.Email, u.EmailOptIn, lat, lon, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("error upserting user %d: %w", u.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(r rowScanner) (models.User, error) {
	var (
		u         models.User
		email     sql.NullString
		lat, lon  sql.NullFloat64
		updatedAt sql.NullTime
	)
	if err := r.Scan(&u.ID, &email, &u.EmailOptIn, &lat, &lon, &updatedAt); err != nil {
		return u, err
	}

	u.Email = email.String
	if lat.Valid && lon.Valid {
		u.Location = &models.Coordinates{Latitude: lat.Float64, Longitude: lon.Float64}
	}
	u.LocationUpdatedAt = timePtr(updatedAt)
	return u, nil
}

func toPoint(c models.Coordinates) orb.Point {
	return orb.Point{c.Longitude, c.Latitude}
}
