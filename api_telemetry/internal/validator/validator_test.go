package validator

import (
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"lookout/api_telemetry/internal/deviceid"
	"lookout/api_telemetry/internal/models"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func events(deviceID string, n int) []models.BatchItem {
	items := make([]models.BatchItem, n)
	for i := range items {
		items[i] = models.BatchItem{Type: models.ItemEvent, DeviceID: deviceID, Event: &models.EventPayload{Name: "tap"}}
	}
	return items
}

func TestValidateBatchAt(t *testing.T) {
	fresh := deviceid.At(now.Add(-time.Minute))
	old := deviceid.At(now.Add(-24 * time.Hour))
	other := deviceid.At(now.Add(-48 * time.Hour))

	tests := []struct {
		name   string
		items  []models.BatchItem
		reason string
	}{
		{name: "empty batch", items: nil},
		{name: "no device ids", items: events("", 10)},
		{name: "old device many events", items: events(old, 500)},
		{name: "fresh device few events", items: events(fresh, 99)},
		{name: "fresh device burst", items: events(fresh, 100), reason: ReasonNewDeviceBurst},
		{name: "device exactly five minutes old", items: events(deviceid.At(now.Add(-NewDeviceAge)), 150)},
		{name: "too large", items: events(old, MaxBatchItems+1), reason: ReasonBatchTooLarge},
		{name: "too large without devices", items: events("", MaxBatchItems+1), reason: ReasonBatchTooLarge},
		{name: "exactly max", items: events(old, MaxBatchItems)},
		{name: "two devices", items: append(events(old, 1), events(other, 1)...), reason: ReasonMultipleDevices},
		{name: "malformed id", items: events("garbage", 1), reason: ReasonInvalidDeviceID},
		{name: "v4 id", items: events("6ba7b810-9dad-41d1-80b4-00c04fd430c8", 1), reason: ReasonInvalidDeviceID},
		{
			name: "payload device differs from item",
			items: []models.BatchItem{{
				Type:     models.ItemSession,
				DeviceID: old,
				Session:  &models.SessionPayload{SessionID: "s1", DeviceID: other},
			}},
			reason: ReasonMultipleDevices,
		},
		{
			name: "mixed items on fresh device count only events",
			items: append([]models.BatchItem{
				{Type: models.ItemDevice, DeviceID: fresh, Device: &models.DevicePayload{DeviceID: fresh}},
				{Type: models.ItemSession, DeviceID: fresh, Session: &models.SessionPayload{SessionID: "s1", DeviceID: fresh}},
			}, events(fresh, 99)...),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ValidateBatchAt(tt.items, now)
			assert.Equal(t, tt.reason != "", res.Reject)
			assert.Equal(t, tt.reason, res.Reason)
		})
	}
}

func TestValidateBatchNeverPanicsOnArbitraryIDs(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	alphabet := "0123456789abcdef-xyz{}"
	for i := 0; i < 2000; i++ {
		var b strings.Builder
		for j := 0; j < rng.Intn(48); j++ {
			b.WriteByte(alphabet[rng.Intn(len(alphabet))])
		}
		id := b.String()
		res := ValidateBatchAt(events(id, 1), now)
		if id != "" {
			if _, err := deviceid.CreatedAt(id); err != nil {
				assert.Equal(t, ReasonInvalidDeviceID, res.Reason, "id %q", id)
			}
		}
	}
}

func TestValidateBatchSingleValidDeviceSmallBatchAccepts(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 200; i++ {
		age := time.Duration(rng.Int63n(int64(72 * time.Hour)))
		items := events(deviceid.At(now.Add(-age)), rng.Intn(NewDeviceEventLimit))
		assert.False(t, ValidateBatchAt(items, now).Reject)
	}
}
