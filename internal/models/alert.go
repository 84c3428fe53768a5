package models

import (
	"fmt"
	"strings"
	"time"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityCaution  Severity = "caution"
	SeverityLow      Severity = "low"
)

// Rank orders severities, critical highest. Unknown severities rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityWarning:
		return 3
	case SeverityCaution:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Notifiable reports whether alerts of this severity are pushed to nearby users.
func (s Severity) Notifiable() bool {
	switch s {
	case SeverityCritical, SeverityWarning, SeverityCaution:
		return true
	default:
		return false
	}
}

// NotifiableSeverities lists the severities for which Notifiable is true.
func NotifiableSeverities() []Severity {
	return []Severity{SeverityCritical, SeverityWarning, SeverityCaution}
}

// Label is the display word used in alert text and email subjects.
func (s Severity) Label() string {
	switch s {
	case SeverityCritical:
		return "DANGER"
	case SeverityWarning:
		return "WARNING"
	case SeverityCaution:
		return "CAUTION"
	case SeverityLow:
		return "INFO"
	default:
		return "NOTICE"
	}
}

func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	if sev.Rank() == 0 {
		return "", false
	}
	return sev, true
}

type Alert struct {
	ID           int64
	SightingID   *int64
	Severity     Severity
	Message      string
	CreatedAt    time.Time
	Acknowledged bool
}

type BBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Detection is one object found in a frame by the inference service.
type Detection struct {
	ClassName  string  `json:"class_name" binding:"required"`
	Confidence float64 `json:"confidence" binding:"gte=0,lte=1"`
	BBox       BBox    `json:"bbox"`
}

func MaxConfidence(detections []Detection) float64 {
	var maxConf float64
	for _, d := range detections {
		if d.Confidence > maxConf {
			maxConf = d.Confidence
		}
	}
	return maxConf
}

// SeverityFor grades a frame's detections:
// - critical: confidence >= 0.9 or more than one bear
// - warning: confidence >= 0.7
// - caution: confidence >= 0.5
// - low: anything else
// ok is false when there are no detections.
func SeverityFor(detections []Detection) (sev Severity, ok bool) {
	if len(detections) == 0 {
		return "", false
	}

	maxConf := MaxConfidence(detections)
	switch {
	case maxConf >= 0.9 || len(detections) >= 2:
		return SeverityCritical, true
	case maxConf >= 0.7:
		return SeverityWarning, true
	case maxConf >= 0.5:
		return SeverityCaution, true
	default:
		return SeverityLow, true
	}
}

// AlertMessage renders the free-text message stored on an alert.
func AlertMessage(sev Severity, detections []Detection, cameraName string, loc *Coordinates) string {
	parts := []string{fmt.Sprintf("[%s] Bear detected", sev.Label())}

	if cameraName != "" {
		parts = append(parts, "Location: "+cameraName)
	} else if loc != nil {
		parts = append(parts, fmt.Sprintf("Position: lat %.6f, lon %.6f", loc.Latitude, loc.Longitude))
	}

	parts = append(parts, fmt.Sprintf("Confidence: %.1f%%", MaxConfidence(detections)*100))

	if len(detections) > 1 {
		parts = append(parts, fmt.Sprintf("Count: %d", len(detections)))
	}

	return strings.Join(parts, " / ")
}
