package models

import (
	"time"
	"unicode/utf8"
)

type Channel string

const ChannelEmail Channel = "email"

type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

// MaxDeliveryErrorLen bounds the error text persisted on a failed delivery.
const MaxDeliveryErrorLen = 2000

type DeliveryKey struct {
	AlertID int64
	UserID  int64
	Channel Channel
}

type DeliveryRecord struct {
	ID           int64          `json:"id"`
	AlertID      int64          `json:"alert_id"`
	UserID       int64          `json:"user_id"`
	Channel      Channel        `json:"channel"`
	Status       DeliveryStatus `json:"status"`
	SentAt       *time.Time     `json:"sent_at,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// TruncateError clips err's text to MaxDeliveryErrorLen bytes without splitting a rune.
func TruncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) <= MaxDeliveryErrorLen {
		return msg
	}
	cut := MaxDeliveryErrorLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

type DispatchStats struct {
	AlertID   int64 `json:"alert_id"`
	Processed bool  `json:"processed"`
	Eligible  bool  `json:"eligible"`
	Targets   int   `json:"targets"`
	Sent      int   `json:"sent"`
	Failed    int   `json:"failed"`
	Skipped   int   `json:"skipped"`
}
