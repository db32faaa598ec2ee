// Package validator screens ingest batches for abusive shapes before any
// item reaches the buffers.
package validator

import (
	"time"

	"lookout/api_telemetry/internal/deviceid"
	"lookout/api_telemetry/internal/models"
)

const (
	// MaxBatchItems is the largest batch accepted.
	MaxBatchItems = 1000
	// NewDeviceAge is how long a device counts as freshly created.
	NewDeviceAge = 5 * time.Minute
	// NewDeviceEventLimit is the event count at which a fresh device is rejected.
	NewDeviceEventLimit = 100
)

// Rejection reasons.
const (
	ReasonBatchTooLarge   = "batch too large"
	ReasonMultipleDevices = "multiple devices in one batch"
	ReasonInvalidDeviceID = "invalid device id format"
	ReasonNewDeviceBurst  = "new device burst"
)

// Result is the validator verdict. Reason is empty when the batch is accepted.
type Result struct {
	Reject bool   `json:"reject"`
	Reason string `json:"reason,omitempty"`
}

func accept() Result              { return Result{} }
func reject(reason string) Result { return Result{Reject: true, Reason: reason} }

// ValidateBatch checks items against the current time.
func ValidateBatch(items []models.BatchItem) Result {
	return ValidateBatchAt(items, time.Now())
}

// ValidateBatchAt is ValidateBatch with an explicit clock. The rules run in a
// fixed order and the first match wins.
func ValidateBatchAt(items []models.BatchItem, now time.Time) Result {
	if len(items) > MaxBatchItems {
		return reject(ReasonBatchTooLarge)
	}

	var device string
	events := 0
	for i := range items {
		for _, id := range deviceIDsOf(&items[i]) {
			if device == "" {
				device = id
			} else if id != device {
				return reject(ReasonMultipleDevices)
			}
		}
		if items[i].Type == models.ItemEvent {
			events++
		}
	}

	if device == "" {
		return accept()
	}

	createdAt, err := deviceid.CreatedAt(device)
	if err != nil {
		return reject(ReasonInvalidDeviceID)
	}

	if now.Sub(createdAt) < NewDeviceAge && events >= NewDeviceEventLimit {
		return reject(ReasonNewDeviceBurst)
	}
	return accept()
}

// deviceIDsOf returns every non-empty device id an item references, so a
// payload cannot smuggle a second device past the top-level field.
func deviceIDsOf(item *models.BatchItem) []string {
	ids := make([]string, 0, 3)
	if item.DeviceID != "" {
		ids = append(ids, item.DeviceID)
	}
	if item.Device != nil && item.Device.DeviceID != "" {
		ids = append(ids, item.Device.DeviceID)
	}
	if item.Session != nil && item.Session.DeviceID != "" {
		ids = append(ids, item.Session.DeviceID)
	}
	return ids
}
