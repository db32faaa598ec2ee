// Package models holds the telemetry types shared by ingest, buffering,
// storage and fan-out.
package models

import "time"

// ItemType discriminates BatchItem payloads.
type ItemType string

const (
	ItemDevice  ItemType = "device"
	ItemSession ItemType = "session"
	ItemEvent   ItemType = "event"
)

// BatchItem is one entry of an SDK ingest request. Exactly one payload
// matching Type is expected; DeviceID is repeated at the top level so a batch
// can be screened without looking inside payloads.
type BatchItem struct {
	Type     ItemType        `json:"type"`
	DeviceID string          `json:"device_id,omitempty"`
	Device   *DevicePayload  `json:"device,omitempty"`
	Session  *SessionPayload `json:"session,omitempty"`
	Event    *EventPayload   `json:"event,omitempty"`
}

// DevicePayload describes the installation sending telemetry.
type DevicePayload struct {
	DeviceID   string `json:"device_id"`
	Platform   string `json:"platform"`
	OSVersion  string `json:"os_version,omitempty"`
	AppVersion string `json:"app_version,omitempty"`
	Model      string `json:"model,omitempty"`
	Locale     string `json:"locale,omitempty"`
}

// DeviceRecord is a device as persisted, enriched with location.
type DeviceRecord struct {
	DevicePayload
	AppID       string    `json:"app_id"`
	CountryCode string    `json:"country_code,omitempty"`
	City        string    `json:"city,omitempty"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}

// SessionPayload opens a session on a device.
type SessionPayload struct {
	SessionID string    `json:"session_id"`
	DeviceID  string    `json:"device_id"`
	StartedAt time.Time `json:"started_at"`
}

// SessionRecord is a session as persisted.
type SessionRecord struct {
	SessionPayload
	AppID string `json:"app_id"`
}

// EventPayload is a single tracked event or screen view.
type EventPayload struct {
	EventID   string         `json:"event_id"`
	SessionID string         `json:"session_id"`
	Name      string         `json:"name"`
	Params    map[string]any `json:"params,omitempty"`
	IsScreen  bool           `json:"is_screen,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// BufferedEvent is an accepted event awaiting a durable write.
// It is never mutated after being pushed.
type BufferedEvent struct {
	EventID   string         `json:"event_id"`
	SessionID string         `json:"session_id"`
	DeviceID  string         `json:"device_id"`
	AppID     string         `json:"app_id"`
	Name      string         `json:"name"`
	Params    map[string]any `json:"params,omitempty"`
	IsScreen  bool           `json:"is_screen"`
	Timestamp time.Time      `json:"timestamp"`
}

// BufferedActivity is the latest activity time recorded for a session.
type BufferedActivity struct {
	SessionID      string    `json:"session_id"`
	AppID          string    `json:"app_id"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// OnlineSnapshot counts devices active within the presence window.
type OnlineSnapshot struct {
	Total     int            `json:"total"`
	Platforms map[string]int `json:"platforms"`
	Countries map[string]int `json:"countries"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// EmptySnapshot returns a zero snapshot with non-nil maps so it encodes as {}.
func EmptySnapshot(at time.Time) OnlineSnapshot {
	return OnlineSnapshot{
		Platforms: map[string]int{},
		Countries: map[string]int{},
		UpdatedAt: at,
	}
}
