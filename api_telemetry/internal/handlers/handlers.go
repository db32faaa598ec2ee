// Package handlers exposes ingest, the realtime stream and the online
// snapshot over HTTP.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"lookout/api_telemetry/internal/ingest"
	"lookout/api_telemetry/internal/models"
	"lookout/api_telemetry/internal/realtime"
	"lookout/pkg/logging"
)

const (
	// AppIDHeader identifies the sending app on ingest requests.
	AppIDHeader = "X-App-Id"
	// MaxBodyBytes caps an ingest request body.
	MaxBodyBytes = 4 << 20
	maxAppIDLen  = 128
)

// Ingestor admits a batch.
type Ingestor interface {
	Process(ctx context.Context, req ingest.Request) ingest.Result
}

// Streams registers viewers and holds cached presence.
type Streams interface {
	AddConnection(appID string, deliver realtime.DeliverFunc) (*realtime.Connection, error)
	GetOnlineUsers(appID string) (models.OnlineSnapshot, bool)
	SetOnlineUsers(appID string, snap models.OnlineSnapshot)
}

// Presence computes a snapshot when none is cached.
type Presence interface {
	GetOnlineUsers(ctx context.Context, appID string) models.OnlineSnapshot
}

type Handler struct {
	ingestor Ingestor
	streams  Streams
	presence Presence
	logger   logging.Logger
}

func NewHandler(ingestor Ingestor, streams Streams, presence Presence, logger logging.Logger) *Handler {
	return &Handler{
		ingestor: ingestor,
		streams:  streams,
		presence: presence,
		logger:   logger,
	}
}

func RegisterRoutes(router gin.IRoutes, h *Handler) {
	router.POST("/v1/ingest", h.HandleIngest)
	router.GET("/v1/apps/:appId/stream", h.HandleStream)
	router.GET("/v1/apps/:appId/online", h.HandleOnline)
}

var timeNow = time.Now

type ingestRequest struct {
	Items []models.BatchItem `json:"items"`
}

type ingestResponse struct {
	Accepted int                `json:"accepted"`
	Rejected int                `json:"rejected"`
	Errors   []ingest.ItemError `json:"errors"`
}

func validAppID(id string) bool {
	return id != "" && len(id) <= maxAppIDLen && !strings.ContainsAny(id, " \t\r\n/")
}

// HandleIngest accepts a batch of SDK items.
func (h *Handler) HandleIngest(c *gin.Context) {
	appID := strings.TrimSpace(c.GetHeader(AppIDHeader))
	if !validAppID(appID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_app_id"})
		return
	}
	c.Set("app_id", appID)

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes)
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}

	res := h.ingestor.Process(c.Request.Context(), ingest.Request{
		AppID:    appID,
		ClientIP: c.ClientIP(),
		Items:    req.Items,
	})

	if res.Rejection.Reject {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch_rejected", "reason": res.Rejection.Reason})
		return
	}

	if d := res.Decision; d.Limit > 0 {
		c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
	if res.RateLimited {
		retryAfter := res.Decision.RetryAfter(timeNow())
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited", "retry_after": retryAfter})
		return
	}

	errs := res.Errors
	if errs == nil {
		errs = []ingest.ItemError{}
	}
	c.JSON(http.StatusAccepted, ingestResponse{Accepted: res.Accepted, Rejected: res.Rejected, Errors: errs})
}

// HandleOnline returns the app's current presence snapshot.
func (h *Handler) HandleOnline(c *gin.Context) {
	appID := c.Param("appId")
	if !validAppID(appID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_app_id"})
		return
	}
	c.Set("app_id", appID)

	if snap, ok := h.streams.GetOnlineUsers(appID); ok {
		c.JSON(http.StatusOK, snap)
		return
	}
	snap := h.presence.GetOnlineUsers(c.Request.Context(), appID)
	h.streams.SetOnlineUsers(appID, snap)
	c.JSON(http.StatusOK, snap)
}
