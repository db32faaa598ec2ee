package realtime

import (
	"bytes"
	"testing"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lookout/api_telemetry/internal/models"
)

func TestSSEEventMapping(t *testing.T) {
	ts := time.UnixMilli(1_772_000_000_000)
	snap := models.OnlineSnapshot{Total: 1}

	tests := []struct {
		name      string
		msg       Message
		wantEvent string
		wantData  any
	}{
		{"connected", Message{Kind: KindConnected, Payload: snap}, EventConnected, snap},
		{"event", Message{Kind: KindEventCreated, Payload: "e"}, EventRealtime, Envelope{Type: "event", Data: "e"}},
		{"session", Message{Kind: KindSessionCreated, Payload: "s"}, EventRealtime, Envelope{Type: "session", Data: "s"}},
		{"device", Message{Kind: KindDeviceCreated, Payload: "d"}, EventRealtime, Envelope{Type: "device", Data: "d"}},
		{"presence", Message{Kind: KindPresence, Payload: snap}, EventRealtime, Envelope{Type: "online", Data: snap}},
		{"heartbeat", Message{Kind: KindHeartbeat, Timestamp: ts}, EventPing, Ping{Timestamp: ts.UnixMilli()}},
		{"error", Message{Kind: KindError, Payload: ErrorPayload{Code: "x", Detail: "y"}}, EventError, ErrorPayload{Code: "x", Detail: "y"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := tt.msg.SSEEvent()
			assert.Equal(t, tt.wantEvent, ev.Event)
			assert.Equal(t, tt.wantData, ev.Data)
		})
	}
}

func TestSSEWireFormat(t *testing.T) {
	var buf bytes.Buffer
	msg := Message{Kind: KindEventCreated, Payload: map[string]string{"name": "login"}}
	require.NoError(t, sse.Encode(&buf, msg.SSEEvent()))

	out := buf.String()
	assert.Contains(t, out, "event:realtime\n")
	assert.Contains(t, out, `data:{"type":"event","data":{"name":"login"}}`)
}
