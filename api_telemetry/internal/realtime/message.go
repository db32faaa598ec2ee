package realtime

import (
	"time"

	"github.com/gin-contrib/sse"
)

// Kind identifies a realtime message.
type Kind string

const (
	KindEventCreated   Kind = "event_created"
	KindSessionCreated Kind = "session_created"
	KindDeviceCreated  Kind = "device_created"
	KindPresence       Kind = "presence"
	KindHeartbeat      Kind = "heartbeat"
	KindConnected      Kind = "connected"
	KindError          Kind = "error"
)

// Message is delivered at most once to a connection and never replayed.
type Message struct {
	Kind      Kind
	AppID     string
	Payload   any
	Timestamp time.Time
}

// ErrorPayload is carried by KindError messages.
type ErrorPayload struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// Envelope wraps creation notices and presence updates on the "realtime" SSE event.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Ping is the heartbeat body.
type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

// SSE event names on the wire.
const (
	EventConnected = "connected"
	EventRealtime  = "realtime"
	EventPing      = "ping"
	EventError     = "error"
)

// SSEEvent maps a message onto the stream's wire format.
func (m Message) SSEEvent() sse.Event {
	switch m.Kind {
	case KindConnected:
		return sse.Event{Event: EventConnected, Data: m.Payload}
	case KindEventCreated:
		return sse.Event{Event: EventRealtime, Data: Envelope{Type: "event", Data: m.Payload}}
	case KindSessionCreated:
		return sse.Event{Event: EventRealtime, Data: Envelope{Type: "session", Data: m.Payload}}
	case KindDeviceCreated:
		return sse.Event{Event: EventRealtime, Data: Envelope{Type: "device", Data: m.Payload}}
	case KindPresence:
		return sse.Event{Event: EventRealtime, Data: Envelope{Type: "online", Data: m.Payload}}
	case KindHeartbeat:
		return sse.Event{Event: EventPing, Data: Ping{Timestamp: m.Timestamp.UnixMilli()}}
	default:
		return sse.Event{Event: EventError, Data: m.Payload}
	}
}
