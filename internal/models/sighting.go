package models

import "time"

type Coordinates struct {
	Latitude  float64
	Longitude float64
}

type Camera struct {
	ID        int64
	Name      string
	Latitude  float64
	Longitude float64
}

type Upload struct {
	ID       int64
	CameraID *int64
	FilePath string
	FileType string // "image" or "video"
}

// Sighting is a geolocated detection event persisted by the upload pipeline.
type Sighting struct {
	ID          int64
	UploadID    *int64
	Latitude    float64
	Longitude   float64
	DetectedAt  time.Time
	Confidence  float64
	BearCount   int
	Severity    Severity
	ImagePath   string // annotated frame, empty when none was stored
	FrameNumber int
	CreatedAt   time.Time
}

func (s *Sighting) Coordinates() Coordinates {
	return Coordinates{
		Latitude:  s.Latitude,
		Longitude: s.Longitude,
	}
}

// AlertContext is an alert joined with everything dispatch needs to render it.
// Sighting, Upload and Camera are nil when the relation is absent.
type AlertContext struct {
	Alert    Alert
	Sighting *Sighting
	Upload   *Upload
	Camera   *Camera
}

func (c *AlertContext) CameraName() string {
	if c.Camera == nil {
		return ""
	}
	return c.Camera.Name
}
