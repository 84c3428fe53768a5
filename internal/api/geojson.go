package api

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mr1hm/go-bear-alerts/internal/models"
)

// toFeature renders an alert as a GeoJSON point at its sighting. Alerts without a
// sighting get a null geometry.
func toFeature(ac *models.AlertContext) *geojson.Feature {
	var geom orb.Geometry
	if ac.Sighting != nil {
		geom = orb.Point{ac.Sighting.Longitude, ac.Sighting.Latitude}
	}

	f := geojson.NewFeature(geom)
	f.ID = ac.Alert.ID
	f.Properties = geojson.Properties{
		"severity":     string(ac.Alert.Severity),
		"label":        ac.Alert.Severity.Label(),
		"message":      ac.Alert.Message,
		"acknowledged": ac.Alert.Acknowledged,
		"created_at":   ac.Alert.CreatedAt,
	}

	if s := ac.Sighting; s != nil {
		f.Properties["sighting_id"] = s.ID
		f.Properties["detected_at"] = s.DetectedAt
		f.Properties["confidence"] = s.Confidence
		f.Properties["bear_count"] = s.BearCount
	}
	if name := ac.CameraName(); name != "" {
		f.Properties["camera"] = name
	}

	return f
}
