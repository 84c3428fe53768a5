package models

import (
	"strings"
	"time"
)

// User is a recipient directory entry.
type User struct {
	ID                int64
	Email             string
	EmailOptIn        bool
	Location          *Coordinates
	LocationUpdatedAt *time.Time
}

// LocationFresh reports whether the user has a location reported within window of now.
func (u *User) LocationFresh(now time.Time, window time.Duration) bool {
	if u.Location == nil || u.LocationUpdatedAt == nil {
		return false
	}
	return !u.LocationUpdatedAt.Before(now.Add(-window))
}

// Reachable reports whether the user opted in and has somewhere to send to.
func (u *User) Reachable() bool {
	return u.EmailOptIn && strings.TrimSpace(u.Email) != ""
}
