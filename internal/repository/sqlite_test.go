package repository

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"github.com/mr1hm/go-bear-alerts/internal/models"
)

var tokyo = orb.Point{139.6917, 35.6895}

func setupTestDB(t *testing.T) *SQLiteDB {
	t.Helper()
	db, err := NewSQLiteDB(filepath.Join(t.TempDir(), "test.db"), 10*time.Minute)
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedAlert(t *testing.T, db *SQLiteDB, sev models.Severity) *NewSighting {
	t.Helper()
	ns := &NewSighting{
		Sighting: models.Sighting{
			Latitude:   tokyo.Lat(),
			Longitude:  tokyo.Lon(),
			Confidence: 0.92,
			BearCount:  1,
			ImagePath:  "storage/processed/1/frame_1.jpg",
		},
		Detections: []models.Detection{
			{ClassName: "bear", Confidence: 0.92, BBox: models.BBox{X: 10, Y: 20, Width: 100, Height: 80}},
		},
		Alert: models.Alert{Severity: sev, Message: "bear near the station"},
	}
	if err := db.CreateSighting(context.Background(), ns); err != nil {
		t.Fatalf("CreateSighting failed: %v", err)
	}
	return ns
}

func seedUser(t *testing.T, db *SQLiteDB, id int64, lat, lon float64, updated time.Time) {
	t.Helper()
	err := db.UpsertUser(context.Background(), &models.User{
		ID:                id,
		Email:             "user@example.com",
		EmailOptIn:        true,
		Location:          &models.Coordinates{Latitude: lat, Longitude: lon},
		LocationUpdatedAt: &updated,
	})
	if err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}
}

func TestSQLiteDB_CreateSightingAndLoadContext(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	// Upload and camera rows are owned by the upload pipeline.
	if _, err := db.db.Exec(`INSERT INTO cameras (id, name, latitude, longitude) VALUES (1, 'North Gate', 35.0, 139.0)`); err != nil {
		t.Fatalf("seed camera: %v", err)
	}
	if _, err := db.db.Exec(`INSERT INTO uploads (id, camera_id, file_path, file_type) VALUES (7, 1, 'up/7.mp4', 'video')`); err != nil {
		t.Fatalf("seed upload: %v", err)
	}

	uploadID := int64(7)
	ns := &NewSighting{
		Sighting: models.Sighting{UploadID: &uploadID, Latitude: 35.1, Longitude: 139.1, Confidence: 0.8, BearCount: 2},
		Alert:    models.Alert{Severity: models.SeverityCritical, Message: "two bears"},
	}
	if err := db.CreateSighting(ctx, ns); err != nil {
		t.Fatalf("CreateSighting failed: %v", err)
	}
	if ns.Alert.ID == 0 || ns.Sighting.ID == 0 {
		t.Fatalf("expected generated ids, got alert=%d sighting=%d", ns.Alert.ID, ns.Sighting.ID)
	}

	ac, err := db.GetAlertContext(ctx, ns.Alert.ID)
	if err != nil {
		t.Fatalf("GetAlertContext failed: %v", err)
	}
	if ac == nil || ac.Sighting == nil {
		t.Fatal("expected alert with sighting")
	}
	if ac.Alert.Severity != models.SeverityCritical {
		t.Errorf("expected critical, got %s", ac.Alert.Severity)
	}
	if ac.Sighting.BearCount != 2 || ac.Sighting.Latitude != 35.1 {
		t.Errorf("unexpected sighting: %+v", ac.Sighting)
	}
	if ac.CameraName() != "North Gate" {
		t.Errorf("expected camera 'North Gate', got %q", ac.CameraName())
	}
	if ac.Sighting.DetectedAt.IsZero() {
		t.Error("expected detected_at to default to now")
	}
}

func TestSQLiteDB_GetAlertContext_NotFound(t *testing.T) {
	db := setupTestDB(t)

	ac, err := db.GetAlertContext(context.Background(), 404)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if ac != nil {
		t.Errorf("expected nil context, got %+v", ac)
	}
}

func TestSQLiteDB_GetAlertContext_FreeStandingSighting(t *testing.T) {
	db := setupTestDB(t)
	ns := seedAlert(t, db, models.SeverityWarning)

	ac, err := db.GetAlertContext(context.Background(), ns.Alert.ID)
	if err != nil {
		t.Fatalf("GetAlertContext failed: %v", err)
	}
	if ac.Upload != nil || ac.Camera != nil {
		t.Errorf("expected no upload or camera, got %+v %+v", ac.Upload, ac.Camera)
	}
	if ac.Sighting.ImagePath != "storage/processed/1/frame_1.jpg" {
		t.Errorf("unexpected image path %q", ac.Sighting.ImagePath)
	}
}

func TestSQLiteDB_ListNotifiableAlertIDs(t *testing.T) {
	db := setupTestDB(t)
	base := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

	db.now = func() time.Time { return base.Add(-3 * time.Hour) }
	old := seedAlert(t, db, models.SeverityCritical)

	db.now = func() time.Time { return base }
	recent := seedAlert(t, db, models.SeverityWarning)
	seedAlert(t, db, models.SeverityLow)
	latest := seedAlert(t, db, models.SeverityCaution)

	ids, err := db.ListNotifiableAlertIDs(context.Background(), base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListNotifiableAlertIDs failed: %v", err)
	}
	want := []int64{recent.Alert.ID, latest.Alert.ID}
	if len(ids) != len(want) || ids[0] != want[0] || ids[1] != want[1] {
		t.Errorf("expected %v, got %v (old alert %d)", want, ids, old.Alert.ID)
	}
}

func TestSQLiteDB_FindRecipients(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	seedUser(t, db, 1, 35.6995, 139.6917, now.Add(-5*time.Minute)) // ~1.1km, fresh
	seedUser(t, db, 2, 35.8000, 139.6917, now.Add(-5*time.Minute)) // ~12km
	seedUser(t, db, 3, 35.6900, 139.6920, now.Add(-2*time.Hour))   // close but stale

	// Opted out.
	fresh := now
	db.UpsertUser(ctx, &models.User{ID: 4, Email: "out@example.com", EmailOptIn: false,
		Location: &models.Coordinates{Latitude: 35.6895, Longitude: 139.6917}, LocationUpdatedAt: &fresh})
	// No address.
	db.UpsertUser(ctx, &models.User{ID: 5, Email: "", EmailOptIn: true,
		Location: &models.Coordinates{Latitude: 35.6895, Longitude: 139.6917}, LocationUpdatedAt: &fresh})
	// No location.
	db.UpsertUser(ctx, &models.User{ID: 6, Email: "nowhere@example.com", EmailOptIn: true})

	users, err := db.FindRecipients(ctx, RecipientQuery{
		Center:       tokyo,
		RadiusMeters: 5000,
		UpdatedSince: now.Add(-30 * time.Minute),
	})
	if err != nil {
		t.Fatalf("FindRecipients failed: %v", err)
	}
	if len(users) != 1 || users[0].ID != 1 {
		t.Fatalf("expected only user 1, got %+v", users)
	}
	if users[0].Location == nil || users[0].LocationUpdatedAt == nil {
		t.Error("expected location fields to be populated")
	}
}

func TestSQLiteDB_FindRecipients_Empty(t *testing.T) {
	db := setupTestDB(t)

	users, err := db.FindRecipients(context.Background(), RecipientQuery{Center: tokyo, RadiusMeters: 5000})
	if err != nil {
		t.Fatalf("FindRecipients failed: %v", err)
	}
	if users == nil || len(users) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", users)
	}
}

func TestSQLiteDB_UpsertUser_KeepsLocation(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	seedUser(t, db, 1, 35.6995, 139.6917, now)

	// Opt-in change without a location keeps the stored one.
	if err := db.UpsertUser(ctx, &models.User{ID: 1, Email: "new@example.com", EmailOptIn: true}); err != nil {
		t.Fatalf("UpsertUser failed: %v", err)
	}

	users, err := db.FindRecipients(ctx, RecipientQuery{Center: tokyo, RadiusMeters: 5000, UpdatedSince: now.Add(-time.Minute)})
	if err != nil {
		t.Fatalf("FindRecipients failed: %v", err)
	}
	if len(users) != 1 || users[0].Email != "new@example.com" {
		t.Fatalf("expected updated user with kept location, got %+v", users)
	}
}

func TestSQLiteDB_Claim_SentIsFinal(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	ns := seedAlert(t, db, models.SeverityCritical)
	seedUser(t, db, 1, tokyo.Lat(), tokyo.Lon(), time.Now())

	key := models.DeliveryKey{AlertID: ns.Alert.ID, UserID: 1, Channel: models.ChannelEmail}

	claim, err := db.Claim(ctx, key)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	if _, err := db.Claim(ctx, key); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost while pending, got %v", err)
	}

	if err := claim.MarkSent(ctx, time.Now()); err != nil {
		t.Fatalf("MarkSent failed: %v", err)
	}
	if err := claim.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := db.Claim(ctx, key); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost after sent, got %v", err)
	}

	records, err := db.ListDeliveries(ctx, ns.Alert.ID)
	if err != nil {
		t.Fatalf("ListDeliveries failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 ledger row, got %d", len(records))
	}
	if records[0].Status != models.DeliverySent || records[0].SentAt == nil {
		t.Errorf("expected sent row with timestamp, got %+v", records[0])
	}
}

func TestSQLiteDB_Claim_FailedIsNotRetried(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	ns := seedAlert(t, db, models.SeverityWarning)
	seedUser(t, db, 1, tokyo.Lat(), tokyo.Lon(), time.Now())

	key := models.DeliveryKey{AlertID: ns.Alert.ID, UserID: 1, Channel: models.ChannelEmail}
	claim, err := db.Claim(ctx, key)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := claim.MarkFailed(ctx, "550 mailbox unavailable"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	if _, err := db.Claim(ctx, key); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost after failure, got %v", err)
	}

	records, _ := db.ListDeliveries(ctx, ns.Alert.ID)
	if len(records) != 1 || records[0].Status != models.DeliveryFailed || records[0].ErrorMessage == "" {
		t.Errorf("expected failed row with error text, got %+v", records)
	}
}

func TestSQLiteDB_Claim_ExpiredLeaseIsTakenOver(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	ns := seedAlert(t, db, models.SeverityCritical)
	seedUser(t, db, 1, tokyo.Lat(), tokyo.Lon(), time.Now())
	key := models.DeliveryKey{AlertID: ns.Alert.ID, UserID: 1, Channel: models.ChannelEmail}

	db.now = func() time.Time { return time.Now().Add(-time.Hour) }
	abandoned, err := db.Claim(ctx, key)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	db.now = time.Now
	current, err := db.Claim(ctx, key)
	if err != nil {
		t.Fatalf("expected expired claim to be taken over, got %v", err)
	}

	if err := abandoned.MarkSent(ctx, time.Now()); !errors.Is(err, ErrLedgerConflict) {
		t.Fatalf("expected ErrLedgerConflict for superseded claim, got %v", err)
	}
	if err := current.MarkSent(ctx, time.Now()); err != nil {
		t.Fatalf("MarkSent failed: %v", err)
	}
}

func TestSQLiteDB_Claim_Concurrent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	ns := seedAlert(t, db, models.SeverityCritical)
	seedUser(t, db, 1, tokyo.Lat(), tokyo.Lon(), time.Now())
	key := models.DeliveryKey{AlertID: ns.Alert.ID, UserID: 1, Channel: models.ChannelEmail}

	var (
		wg   sync.WaitGroup
		won  atomic.Int64
		lost atomic.Int64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claim, err := db.Claim(ctx, key)
			switch {
			case errors.Is(err, ErrClaimLost):
				lost.Add(1)
			case err != nil:
				t.Errorf("unexpected claim error: %v", err)
			default:
				won.Add(1)
				claim.MarkSent(ctx, time.Now())
			}
		}()
	}
	wg.Wait()

	if won.Load() != 1 || lost.Load() != 19 {
		t.Errorf("expected exactly one winner, got won=%d lost=%d", won.Load(), lost.Load())
	}
}

func TestOpen(t *testing.T) {
	store, err := Open("sqlite", filepath.Join(t.TempDir(), "open.db"), "", time.Minute)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	if _, ok := store.(*SQLiteDB); !ok {
		t.Errorf("expected *SQLiteDB, got %T", store)
	}

	if _, err := Open("mysql", "", "", time.Minute); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestSQLiteDB_PragmasOnEveryConnection(t *testing.T) {
	db := setupTestDB(t)
	// Drop idle connections so each query opens a new one.
	db.db.SetMaxIdleConns(0)

	for i := 0; i < 3; i++ {
		var fk, timeout int
		if err := db.db.QueryRow(`PRAGMA foreign_keys`).Scan(&fk); err != nil {
			t.Fatalf("reading foreign_keys: %v", err)
		}
		if err := db.db.QueryRow(`PRAGMA busy_timeout`).Scan(&timeout); err != nil {
			t.Fatalf("reading busy_timeout: %v", err)
		}
		if fk != 1 || timeout != 5000 {
			t.Errorf("connection %d: foreign_keys=%d busy_timeout=%d", i, fk, timeout)
		}
	}
}
