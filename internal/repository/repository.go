package repository

import (
	"context"
	"errors"
	"time"

	"github.com/paulmach/orb"

	"github.com/mr1hm/go-bear-alerts/internal/models"
)

var (
	// ErrClaimLost means another dispatch holds or already finished the delivery slot.
	ErrClaimLost = errors.New("delivery slot already claimed")
	// ErrLedgerConflict means the terminal ledger write lost a race after a successful claim.
	ErrLedgerConflict = errors.New("delivery ledger conflict")
)

// RecipientQuery describes the geofence a recipient must fall inside.
type RecipientQuery struct {
	Center       orb.Point // lon, lat
	RadiusMeters float64
	UpdatedSince time.Time
}

// NewSighting is what the detection pipeline hands over for persistence.
type NewSighting struct {
	Sighting   models.Sighting
	Detections []models.Detection
	Alert      models.Alert
}

type AlertRepository interface {
	// GetAlertContext returns nil, nil when the alert does not exist.
	GetAlertContext(ctx context.Context, alertID int64) (*models.AlertContext, error)
	// CreateSighting stores the sighting, its detections and its alert atomically
	// and fills in the generated IDs.
	CreateSighting(ctx context.Context, s *NewSighting) error
	// ListNotifiableAlertIDs returns, oldest first, the alerts created at or after
	// since that have a sighting and a notifiable severity.
	ListNotifiableAlertIDs(ctx context.Context, since time.Time) ([]int64, error)
}

type UserRepository interface {
	// FindRecipients returns opted-in users with an address whose location is inside
	// the query. Distance is measured the way the backend's spatial engine does it.
	FindRecipients(ctx context.Context, q RecipientQuery) ([]models.User, error)
	UpsertUser(ctx context.Context, u *models.User) error
}

// DeliveryLedger is the durable record of (alert, user, channel) delivery attempts
// and the only place delivery exclusion is enforced.
type DeliveryLedger interface {
	// Claim reserves the right to deliver key. It returns ErrClaimLost when another
	// claimant holds the slot or a terminal record already exists.
	Claim(ctx context.Context, key models.DeliveryKey) (Claim, error)
	ListDeliveries(ctx context.Context, alertID int64) ([]models.DeliveryRecord, error)
}

// Claim is a held delivery slot. Exactly one of MarkSent or MarkFailed should be
// called; both return ErrLedgerConflict if the slot was lost in the meantime.
// Close releases any resources still held and is safe to call after either.
type Claim interface {
	MarkSent(ctx context.Context, sentAt time.Time) error
	MarkFailed(ctx context.Context, errMsg string) error
	Close() error
}

// Store is a full storage backend.
type Store interface {
	AlertRepository
	UserRepository
	DeliveryLedger
	Close() error
}
