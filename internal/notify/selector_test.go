package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mr1hm/go-bear-alerts/internal/models"
	"github.com/mr1hm/go-bear-alerts/internal/repository"
)

type fakeUsers struct {
	users []models.User
	err   error
	query repository.RecipientQuery
}

func (f *fakeUsers) FindRecipients(ctx context.Context, q repository.RecipientQuery) ([]models.User, error) {
	f.query = q
	return f.users, f.err
}

func (f *fakeUsers) UpsertUser(ctx context.Context, u *models.User) error { return nil }

func TestRecipientSelector_Geofence(t *testing.T) {
	db := newStore(t)
	now := time.Now()

	addUser(t, db, 1, "near@example.com", tokyoLat+0.01, tokyoLon, now)  // ~1.1km
	addUser(t, db, 2, "edge@example.com", tokyoLat+0.044, tokyoLon, now) // ~4.9km
	addUser(t, db, 3, "far@example.com", tokyoLat+0.1, tokyoLon, now)    // ~11km
	addUser(t, db, 4, "stale@example.com", tokyoLat, tokyoLon, now.Add(-time.Hour))

	s := NewRecipientSelector(db, 5000, 30*time.Minute)
	users, err := s.Select(context.Background(), tokyoLat, tokyoLon)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	got := map[int64]bool{}
	for _, u := range users {
		got[u.ID] = true
	}
	if !got[1] || !got[2] {
		t.Errorf("expected users inside the radius, got %v", got)
	}
	if got[3] {
		t.Error("user outside the radius was selected")
	}
	if got[4] {
		t.Error("user with a stale location was selected")
	}
}

func TestRecipientSelector_ReChecksFilters(t *testing.T) {
	now := time.Now()
	old := now.Add(-2 * time.Hour)
	loc := &models.Coordinates{Latitude: tokyoLat, Longitude: tokyoLon}

	users := &fakeUsers{users: []models.User{
		{ID: 1, Email: "ok@example.com", EmailOptIn: true, Location: loc, LocationUpdatedAt: &now},
		{ID: 2, Email: "out@example.com", EmailOptIn: false, Location: loc, LocationUpdatedAt: &now},
		{ID: 3, Email: "", EmailOptIn: true, Location: loc, LocationUpdatedAt: &now},
		{ID: 4, Email: "noloc@example.com", EmailOptIn: true},
		{ID: 5, Email: "old@example.com", EmailOptIn: true, Location: loc, LocationUpdatedAt: &old},
	}}

	s := NewRecipientSelector(users, 5000, 30*time.Minute)
	s.now = func() time.Time { return now }

	got, err := s.Select(context.Background(), tokyoLat, tokyoLon)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != 1 {
		t.Errorf("expected only user 1, got %+v", got)
	}

	if users.query.RadiusMeters != 5000 {
		t.Errorf("expected radius 5000, got %v", users.query.RadiusMeters)
	}
	if !users.query.UpdatedSince.Equal(now.Add(-30 * time.Minute)) {
		t.Errorf("unexpected freshness cutoff %s", users.query.UpdatedSince)
	}
	if users.query.Center.Lat() != tokyoLat || users.query.Center.Lon() != tokyoLon {
		t.Errorf("unexpected center %v", users.query.Center)
	}
}

func TestRecipientSelector_EmptyIsNotNil(t *testing.T) {
	s := NewRecipientSelector(&fakeUsers{}, 5000, 30*time.Minute)

	got, err := s.Select(context.Background(), tokyoLat, tokyoLon)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", got)
	}
}

func TestRecipientSelector_Error(t *testing.T) {
	boom := errors.New("spatial engine unavailable")
	s := NewRecipientSelector(&fakeUsers{err: boom}, 5000, 30*time.Minute)

	if _, err := s.Select(context.Background(), tokyoLat, tokyoLon); !errors.Is(err, boom) {
		t.Errorf("expected wrapped selector error, got %v", err)
	}
}
