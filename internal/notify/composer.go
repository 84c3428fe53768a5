package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/mr1hm/go-bear-alerts/internal/geocode"
	"github.com/mr1hm/go-bear-alerts/internal/mailer"
	"github.com/mr1hm/go-bear-alerts/internal/models"
)

const (
	subjectPrefix      = "[BEAR-ALERT]"
	addressUnavailable = "unavailable (see coordinates)"
	unknownCamera      = "unspecified location"
	imagesRoute        = "/api/v1/images/"
)

// attachableTypes is the allow-list of image types, keyed by file extension.
var attachableTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// ImageContentType returns the MIME type for an allowed image file name.
func ImageContentType(name string) (string, bool) {
	ct, ok := attachableTypes[strings.ToLower(filepath.Ext(name))]
	return ct, ok
}

// Geocoder resolves coordinates to an address, or nil when it cannot.
type Geocoder interface {
	Resolve(ctx context.Context, lat, lon float64) *geocode.Address
}

type ComposerConfig struct {
	AttachmentMaxBytes int64
	StorageRoot        string
	BaseURL            string
}

// Composed is a rendered alert ready to be addressed to a recipient.
type Composed struct {
	Subject    string
	Body       string
	Attachment *mailer.Attachment
}

type Composer struct {
	cfg      ComposerConfig
	geocoder Geocoder
}

// NewComposer returns a composer. geocoder may be nil, in which case addresses
// are always reported as unavailable.
func NewComposer(cfg ComposerConfig, geocoder Geocoder) *Composer {
	return &Composer{cfg: cfg, geocoder: geocoder}
}

func Subject(sev models.Severity) string {
	return fmt.Sprintf("%s %s Bear sighting alert", subjectPrefix, sev.Label())
}

func MapURL(lat, lon float64) string {
	return fmt.Sprintf("https://www.google.com/maps?q=%.6f,%.6f", lat, lon)
}

// Compose renders the alert. It never fails: a missing address or image only
// changes what the body says.
func (c *Composer) Compose(ctx context.Context, ac *models.AlertContext) Composed {
	var (
		attachment *mailer.Attachment
		imageURL   string
	)
	if ac.Sighting != nil {
		attachment = c.attachment(ac.Sighting.ImagePath)
		if attachment == nil {
			imageURL = ImageURL(c.cfg.BaseURL, c.cfg.StorageRoot, ac.Sighting.ImagePath)
		}
	}

	return Composed{
		Subject:    Subject(ac.Alert.Severity),
		Body:       c.body(ctx, ac, imageURL, attachment != nil),
		Attachment: attachment,
	}
}

func (c *Composer) body(ctx context.Context, ac *models.AlertContext, imageURL string, attached bool) string {
	lines := []string{
		"A bear sighting alert has been raised near you.",
		"",
		"Level: " + ac.Alert.Severity.Label(),
		"Message: " + ac.Alert.Message,
	}

	if s := ac.Sighting; s != nil {
		camera := ac.CameraName()
		if camera == "" {
			camera = unknownCamera
		}

		lines = append(lines,
			"Detected at: "+s.DetectedAt.Format(time.RFC3339),
			"Address: "+c.address(ctx, s.Latitude, s.Longitude),
			fmt.Sprintf("Position: lat %.6f, lon %.6f", s.Latitude, s.Longitude),
			"Map: "+MapURL(s.Latitude, s.Longitude),
			fmt.Sprintf("Bears: %d", s.BearCount),
			fmt.Sprintf("Confidence: %.1f%%", s.Confidence*100),
			"Camera: "+camera,
		)

		switch {
		case attached:
			lines = append(lines, "Image: attached to this email.")
		case imageURL != "":
			lines = append(lines, "Image: "+imageURL)
		}
	}

	lines = append(lines, "", "This message was sent automatically by the bear alert notification system.")
	return strings.Join(lines, "\n")
}

func (c *Composer) address(ctx context.Context, lat, lon float64) string {
	if c.geocoder == nil {
		return addressUnavailable
	}
	if text := c.geocoder.Resolve(ctx, lat, lon).String(); text != "" {
		return text
	}
	return addressUnavailable
}

// attachment loads the sighting image if it passes the attachment policy: inside
// the storage root, a regular file no larger than the ceiling, an allowed
// extension, and content that matches that extension. Anything else yields nil.
func (c *Composer) attachment(imagePath string) *mailer.Attachment {
	if imagePath == "" || isAbsoluteURL(imagePath) {
		return nil
	}

	path, ok := InsideStorage(c.cfg.StorageRoot, imagePath)
	if !ok {
		slog.Warn("skipping attachment outside storage root", "path", imagePath)
		return nil
	}

	contentType, ok := ImageContentType(path)
	if !ok {
		return nil
	}

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return nil
	}
	if info.Size() > c.cfg.AttachmentMaxBytes {
		slog.Warn("skipping oversized attachment", "path", path, "size", info.Size(), "max", c.cfg.AttachmentMaxBytes)
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		slog.Error("failed to read attachment image", "path", path, "error", err)
		return nil
	}
	if detected := mimetype.Detect(data); !detected.Is(contentType) {
		slog.Warn("skipping attachment with mismatched content", "path", path, "expected", contentType, "detected", detected.String())
		return nil
	}

	return &mailer.Attachment{
		Filename:    filepath.Base(path),
		ContentType: contentType,
		Data:        data,
	}
}

// InsideStorage resolves imagePath (following symlinks) and reports whether it
// lies strictly below storageRoot. Paths that do not exist are never inside.
func InsideStorage(storageRoot, imagePath string) (string, bool) {
	if storageRoot == "" {
		return "", false
	}
	root, err := filepath.EvalSymlinks(storageRoot)
	if err != nil {
		return "", false
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return "", false
	}
	path, err := filepath.EvalSymlinks(imagePath)
	if err != nil {
		return "", false
	}
	path, err = filepath.Abs(path)
	if err != nil {
		return "", false
	}

	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return path, true
}

// ImageURL builds the absolute link for a stored image. Absolute http(s) paths
// are returned unchanged; with no base URL there is no link.
func ImageURL(baseURL, storageRoot, imagePath string) string {
	if imagePath == "" {
		return ""
	}
	if isAbsoluteURL(imagePath) {
		return imagePath
	}
	if baseURL == "" {
		return ""
	}

	rel := filepath.ToSlash(filepath.Clean(imagePath))
	if storageRoot != "" {
		root := filepath.ToSlash(filepath.Clean(storageRoot))
		if trimmed, ok := strings.CutPrefix(rel, root+"/"); ok {
			rel = trimmed
		}
	}
	rel = strings.TrimLeft(rel, "/")

	return strings.TrimRight(baseURL, "/") + imagesRoute + rel
}

func isAbsoluteURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
