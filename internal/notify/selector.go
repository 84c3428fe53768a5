package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/paulmach/orb"

	"github.com/mr1hm/go-bear-alerts/internal/models"
	"github.com/mr1hm/go-bear-alerts/internal/repository"
)

// RecipientSelector finds the users who should hear about a sighting.
type RecipientSelector struct {
	users        repository.UserRepository
	radiusMeters float64
	staleAfter   time.Duration
	now          func() time.Time
}

func NewRecipientSelector(users repository.UserRepository, radiusMeters float64, staleAfter time.Duration) *RecipientSelector {
	return &RecipientSelector{
		users:        users,
		radiusMeters: radiusMeters,
		staleAfter:   staleAfter,
		now:          time.Now,
	}
}

// Select returns every opted-in user with an address whose location is fresh and
// within the radius of (lat, lon). The result is never nil and has no defined order.
func (s *RecipientSelector) Select(ctx context.Context, lat, lon float64) ([]models.User, error) {
	now := s.now()
	center := orb.Point{lon, lat}

	candidates, err := s.users.FindRecipients(ctx, repository.RecipientQuery{
		Center:       center,
		RadiusMeters: s.radiusMeters,
		UpdatedSince: now.Add(-s.staleAfter),
	})
	if err != nil {
		return nil, fmt.Errorf("error selecting recipients: %w", err)
	}

	// Distance is the backend's call (haversine or spheroid); the rest of the
	// filter chain is checked again against this selector's clock.
	selected := make([]models.User, 0, len(candidates))
	for _, u := range candidates {
		if !u.Reachable() || !u.LocationFresh(now, s.staleAfter) {
			continue
		}
		selected = append(selected, u)
	}

	return selected, nil
}
