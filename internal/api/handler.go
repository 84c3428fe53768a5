package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mr1hm/go-bear-alerts/internal/events"
	"github.com/mr1hm/go-bear-alerts/internal/models"
	"github.com/mr1hm/go-bear-alerts/internal/notify"
	"github.com/mr1hm/go-bear-alerts/internal/repository"
	"github.com/mr1hm/go-bear-alerts/internal/worker"
)

// Queue accepts dispatch jobs without blocking the request.
type Queue interface {
	TrySubmit(job worker.Job) error
}

type Handler struct {
	store       repository.Store
	queue       Queue
	broadcaster *events.Broadcaster
	storageRoot string
	now         func() time.Time
}

func NewHandler(store repository.Store, queue Queue, broadcaster *events.Broadcaster, storageRoot string) *Handler {
	return &Handler{
		store:       store,
		queue:       queue,
		broadcaster: broadcaster,
		storageRoot: storageRoot,
		now:         time.Now,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.health)

	api := r.Group("/api")
	api.POST("/sightings", h.createSighting)
	api.GET("/alerts/:id", h.getAlert)
	api.POST("/alerts/:id/dispatch", h.dispatchAlert)
	api.GET("/alerts/:id/deliveries", h.listDeliveries)
	api.PUT("/users/:id", h.upsertUser)
	api.GET("/dispatches/stream", h.streamDispatches)
	api.GET("/v1/images/*path", h.getImage)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":             "ok",
		"stream_subscribers": h.broadcaster.SubscriberCount(),
		"stream_dropped":     h.broadcaster.Dropped(),
	})
}

type createSightingRequest struct {
	UploadID    *int64             `json:"upload_id"`
	Latitude    *float64           `json:"latitude" binding:"required,gte=-90,lte=90"`
	Longitude   *float64           `json:"longitude" binding:"required,gte=-180,lte=180"`
	DetectedAt  *time.Time         `json:"detected_at"`
	ImagePath   string             `json:"image_path"`
	FrameNumber int                `json:"frame_number"`
	CameraName  string             `json:"camera_name"`
	Detections  []models.Detection `json:"detections" binding:"required,min=1,dive"`
}

func (h *Handler) createSighting(c *gin.Context) {
	var req createSightingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sev, _ := models.SeverityFor(req.Detections)
	loc := models.Coordinates{Latitude: *req.Latitude, Longitude: *req.Longitude}

	ns := &repository.NewSighting{
		Sighting: models.Sighting{
			UploadID:    req.UploadID,
			Latitude:    loc.Latitude,
			Longitude:   loc.Longitude,
			Confidence:  models.MaxConfidence(req.Detections),
			BearCount:   len(req.Detections),
			ImagePath:   req.ImagePath,
			FrameNumber: req.FrameNumber,
		},
		Detections: req.Detections,
		Alert: models.Alert{
			Severity: sev,
			Message:  models.AlertMessage(sev, req.Detections, req.CameraName, &loc),
		},
	}
	if req.DetectedAt != nil {
		ns.Sighting.DetectedAt = *req.DetectedAt
	}

	if err := h.store.CreateSighting(c.Request.Context(), ns); err != nil {
		slog.Error("failed to persist sighting", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist sighting"})
		return
	}

	queued := false
	if sev.Notifiable() {
		queued = h.enqueue(ns.Alert.ID, "sighting")
	}

	c.JSON(http.StatusCreated, gin.H{
		"sighting_id":     ns.Sighting.ID,
		"alert_id":        ns.Alert.ID,
		"severity":        sev,
		"dispatch_queued": queued,
	})
}

func (h *Handler) getAlert(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	ac, err := h.store.GetAlertContext(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch alert"})
		return
	}
	if ac == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
		return
	}

	c.Header("Content-Type", "application/geo+json")
	c.JSON(http.StatusOK, toFeature(ac))
}

func (h *Handler) dispatchAlert(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	ac, err := h.store.GetAlertContext(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch alert"})
		return
	}
	if ac == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
		return
	}

	if !h.enqueue(id, "api") {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dispatch queue unavailable"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"alert_id": id, "queued": true})
}

func (h *Handler) listDeliveries(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	records, err := h.store.ListDeliveries(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch deliveries"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"alert_id": id, "deliveries": records})
}

type upsertUserRequest struct {
	Email      string   `json:"email" binding:"omitempty,email"`
	EmailOptIn bool     `json:"email_opt_in"`
	Latitude   *float64 `json:"latitude" binding:"required_with=Longitude,omitempty,gte=-90,lte=90"`
	Longitude  *float64 `json:"longitude" binding:"required_with=Latitude,omitempty,gte=-180,lte=180"`
}

func (h *Handler) upsertUser(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req upsertUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	u := &models.User{ID: id, Email: req.Email, EmailOptIn: req.EmailOptIn}
	if req.Latitude != nil && req.Longitude != nil {
		now := h.now()
		u.Location = &models.Coordinates{Latitude: *req.Latitude, Longitude: *req.Longitude}
		u.LocationUpdatedAt = &now
	}

	if err := h.store.UpsertUser(c.Request.Context(), u); err != nil {
		slog.Error("failed to upsert user", "user_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save user"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":                  u.ID,
		"email":               u.Email,
		"email_opt_in":        u.EmailOptIn,
		"location_updated_at": u.LocationUpdatedAt,
	})
}

// streamDispatches sends one "dispatch" server-sent event per finished dispatch
// until the client goes away or the broadcaster closes.
func (h *Handler) streamDispatches(c *gin.Context) {
	id, ch := h.broadcaster.Subscribe()
	defer h.broadcaster.Unsubscribe(id)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case stats, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("dispatch", stats)
			return true
		}
	})
}

// getImage serves stored sighting images referenced from alert emails.
func (h *Handler) getImage(c *gin.Context) {
	rel := strings.TrimPrefix(c.Param("path"), "/")
	rel = strings.TrimPrefix(rel, "storage/")

	root, err := filepath.Abs(h.storageRoot)
	if err != nil || rel == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid path"})
		return
	}
	full := filepath.Join(root, filepath.FromSlash(rel))
	if !strings.HasPrefix(full, root+string(filepath.Separator)) {
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return
	}

	if _, ok := notify.ImageContentType(full); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported image type"})
		return
	}

	if _, err := os.Lstat(full); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
		return
	}
	// Links are followed, so the target must also be an image inside the root.
	resolved, ok := notify.InsideStorage(root, full)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "access denied"})
		return
	}
	contentType, ok := notify.ImageContentType(resolved)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported image type"})
		return
	}

	info, err := os.Stat(resolved)
	if err != nil || !info.Mode().IsRegular() {
		c.JSON(http.StatusNotFound, gin.H{"error": "image not found"})
		return
	}

	c.Header("Cache-Control", "public, max-age=3600")
	c.Header("Content-Type", contentType)
	c.File(resolved)
}

func (h *Handler) enqueue(alertID int64, source string) bool {
	err := h.queue.TrySubmit(worker.Job{AlertID: alertID, Source: source})
	if err != nil {
		if errors.Is(err, worker.ErrQueueFull) {
			slog.Warn("dispatch queue full, alert not queued", "alert_id", alertID, "source", source)
		} else {
			slog.Error("failed to queue dispatch", "alert_id", alertID, "source", source, "error", err)
		}
		return false
	}
	return true
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}
