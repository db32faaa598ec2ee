// Package ingest admits SDK batches: it screens them, applies the rate
// limit, and routes each item to storage, the buffers and the fan-out.
package ingest

import (
	"context"
	"errors"
	"time"

	"lookout/api_telemetry/internal/deviceid"
	"lookout/api_telemetry/internal/metrics"
	"lookout/api_telemetry/internal/models"
	"lookout/api_telemetry/internal/ratelimit"
	"lookout/api_telemetry/internal/sink"
	"lookout/api_telemetry/internal/validator"
	"lookout/pkg/geoip"
	"lookout/pkg/logging"
)

// Item failure reasons.
const (
	ReasonUnknownType     = "unknown item type"
	ReasonMissingDevice   = "missing device id"
	ReasonMissingSession  = "missing session id"
	ReasonMissingEvent    = "missing event id"
	ReasonMissingName     = "missing event name"
	ReasonInvalidDevice   = "invalid device id format"
	ReasonUnknownSession  = "unknown session"
	ReasonSessionExpired  = "session expired"
	ReasonFutureTimestamp = "timestamp in future"
	ReasonUnavailable     = "temporarily unavailable"
)

// MaxClockSkew is how far ahead of the server an item timestamp may be.
const MaxClockSkew = time.Minute

// EventQueue accepts events for durable batching.
type EventQueue interface {
	Push(event models.BufferedEvent) error
}

// ActivityQueue coalesces session activity and answers for unflushed state.
type ActivityQueue interface {
	Push(sessionID string, ts time.Time, appID string) error
	GetLastActivityAt(sessionID string) (time.Time, bool)
}

// Store holds devices and sessions.
type Store interface {
	UpsertDevice(ctx context.Context, d models.DeviceRecord) error
	UpsertSession(ctx context.Context, s models.SessionRecord) error
	LastActivityAt(ctx context.Context, appID, sessionID string) (time.Time, error)
}

// Notifier receives creation notices for viewers.
type Notifier interface {
	PushEvent(appID string, payload any)
	PushSession(appID string, payload any)
	PushDevice(appID string, payload any)
}

// Locator resolves a client address. A nil Locator leaves devices unlocated.
type Locator interface {
	Lookup(ctx context.Context, ip string) geoip.Location
}

// Deps are the Processor's collaborators. Limiter and Geo are optional.
type Deps struct {
	Events   EventQueue
	Activity ActivityQueue
	Store    Store
	Notifier Notifier
	Limiter  ratelimit.Limiter
	Geo      Locator
}

// Request is one ingest call.
type Request struct {
	AppID    string
	ClientIP string
	Items    []models.BatchItem
}

// ItemError reports why the item at Index was not accepted.
type ItemError struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Result describes what happened to a request. At most one of Rejection and
// RateLimited is set; otherwise the item counts apply.
type Result struct {
	Rejection   validator.Result
	RateLimited bool
	Decision    ratelimit.Decision
	Accepted    int
	Rejected    int
	Errors      []ItemError
}

type Processor struct {
	deps           Deps
	sessionTimeout time.Duration
	logger         logging.Logger
	metrics        *metrics.Metrics
	now            func() time.Time
}

func NewProcessor(deps Deps, sessionTimeout time.Duration, logger logging.Logger, m *metrics.Metrics) *Processor {
	if sessionTimeout <= 0 {
		sessionTimeout = 30 * time.Minute
	}
	return &Processor{
		deps:           deps,
		sessionTimeout: sessionTimeout,
		logger:         logger,
		metrics:        m,
		now:            time.Now,
	}
}

// Process runs a request through validation, the rate limit and item routing.
func (p *Processor) Process(ctx context.Context, req Request) Result {
	now := p.now()

	verdict := validator.ValidateBatchAt(req.Items, now)
	if verdict.Reject {
		p.metrics.BatchRejected(verdict.Reason)
		p.logger.WithFields(logging.Fields{
			"app_id": req.AppID,
			"reason": verdict.Reason,
			"items":  len(req.Items),
		}).Info("Rejected ingest batch")
		return Result{Rejection: verdict}
	}

	decision, limited := p.rateLimit(ctx, req)
	if limited {
		return Result{RateLimited: true, Decision: decision}
	}
	res := p.route(ctx, req, now)
	res.Decision = decision
	return res
}

// rateLimit fails open: a limiter error lets the request through.
func (p *Processor) rateLimit(ctx context.Context, req Request) (ratelimit.Decision, bool) {
	if p.deps.Limiter == nil {
		return ratelimit.Decision{}, false
	}
	key := req.AppID + ":" + req.ClientIP
	decision, err := p.deps.Limiter.Check(ctx, key)
	if err != nil {
		p.metrics.RateLimit("error")
		p.logger.WithError(err).WithField("app_id", req.AppID).Warn("Rate limiter unavailable, allowing request")
		return ratelimit.Decision{}, false
	}
	if !decision.Allowed {
		p.metrics.RateLimit("limited")
		p.logger.WithFields(logging.Fields{
			"app_id":    req.AppID,
			"client_ip": req.ClientIP,
			"reset_at":  decision.ResetAt,
		}).Debug("Ingest request rate limited")
		return decision, true
	}
	p.metrics.RateLimit("allowed")
	return decision, false
}

// batch carries per-request state shared by its items.
type batch struct {
	req      Request
	now      time.Time
	location *geoip.Location
}

func (p *Processor) locate(ctx context.Context, b *batch) geoip.Location {
	if b.location == nil {
		loc := geoip.Location{}
		if p.deps.Geo != nil {
			loc = p.deps.Geo.Lookup(ctx, b.req.ClientIP)
		}
		b.location = &loc
	}
	return *b.location
}

func (p *Processor) route(ctx context.Context, req Request, now time.Time) Result {
	b := &batch{req: req, now: now}
	var res Result
	for i := range req.Items {
		item := &req.Items[i]
		var reason string
		switch item.Type {
		case models.ItemDevice:
			reason = p.device(ctx, b, item)
		case models.ItemSession:
			reason = p.session(ctx, b, item)
		case models.ItemEvent:
			reason = p.event(ctx, b, item)
		default:
			reason = ReasonUnknownType
		}

		status := "accepted"
		if reason != "" {
			status = "rejected"
			res.Rejected++
			res.Errors = append(res.Errors, ItemError{Index: i, Reason: reason})
		} else {
			res.Accepted++
		}
		p.metrics.ItemIngested(string(item.Type), status)
	}
	return res
}

func (p *Processor) device(ctx context.Context, b *batch, item *models.BatchItem) string {
	if item.Device == nil {
		return ReasonMissingDevice
	}
	payload := *item.Device
	if payload.DeviceID == "" {
		payload.DeviceID = item.DeviceID
	}
	if payload.DeviceID == "" {
		return ReasonMissingDevice
	}
	firstSeen, err := deviceid.CreatedAt(payload.DeviceID)
	if err != nil {
		return ReasonInvalidDevice
	}

	loc := p.locate(ctx, b)
	rec := models.DeviceRecord{
		DevicePayload: payload,
		AppID:         b.req.AppID,
		CountryCode:   loc.CountryCode,
		City:          loc.City,
		FirstSeenAt:   firstSeen,
	}
	if err := p.deps.Store.UpsertDevice(ctx, rec); err != nil {
		p.storeFailed(err, b.req.AppID, "device", payload.DeviceID)
		return ReasonUnavailable
	}
	p.deps.Notifier.PushDevice(b.req.AppID, rec)
	return ""
}

func (p *Processor) session(ctx context.Context, b *batch, item *models.BatchItem) string {
	if item.Session == nil || item.Session.SessionID == "" {
		return ReasonMissingSession
	}
	payload := *item.Session
	if payload.DeviceID == "" {
		payload.DeviceID = item.DeviceID
	}
	if payload.DeviceID == "" {
		return ReasonMissingDevice
	}
	if payload.StartedAt.IsZero() {
		payload.StartedAt = b.now
	}
	if payload.StartedAt.After(b.now.Add(MaxClockSkew)) {
		return ReasonFutureTimestamp
	}

	rec := models.SessionRecord{SessionPayload: payload, AppID: b.req.AppID}
	if err := p.deps.Store.UpsertSession(ctx, rec); err != nil {
		p.storeFailed(err, b.req.AppID, "session", payload.SessionID)
		return ReasonUnavailable
	}
	if err := p.deps.Activity.Push(payload.SessionID, payload.StartedAt, b.req.AppID); err != nil {
		return ReasonUnavailable
	}
	p.deps.Notifier.PushSession(b.req.AppID, rec)
	return ""
}

func (p *Processor) event(ctx context.Context, b *batch, item *models.BatchItem) string {
	e := item.Event
	switch {
	case e == nil || e.EventID == "":
		return ReasonMissingEvent
	case e.SessionID == "":
		return ReasonMissingSession
	case e.Name == "":
		return ReasonMissingName
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = b.now
	}
	if ts.After(b.now.Add(MaxClockSkew)) {
		return ReasonFutureTimestamp
	}

	last, reason := p.lastActivity(ctx, b.req.AppID, e.SessionID)
	if reason != "" {
		return reason
	}
	if ts.Sub(last) > p.sessionTimeout {
		return ReasonSessionExpired
	}

	buffered := models.BufferedEvent{
		EventID:   e.EventID,
		SessionID: e.SessionID,
		DeviceID:  item.DeviceID,
		AppID:     b.req.AppID,
		Name:      e.Name,
		Params:    e.Params,
		IsScreen:  e.IsScreen,
		Timestamp: ts,
	}
	if err := p.deps.Events.Push(buffered); err != nil {
		return ReasonUnavailable
	}
	if err := p.deps.Activity.Push(e.SessionID, ts, b.req.AppID); err != nil {
		p.logger.WithError(err).WithField("session_id", e.SessionID).Warn("Failed to record session activity")
	}
	p.deps.Notifier.PushEvent(b.req.AppID, buffered)
	return ""
}

// lastActivity prefers unflushed activity, then storage.
func (p *Processor) lastActivity(ctx context.Context, appID, sessionID string) (time.Time, string) {
	if ts, ok := p.deps.Activity.GetLastActivityAt(sessionID); ok {
		return ts, ""
	}
	ts, err := p.deps.Store.LastActivityAt(ctx, appID, sessionID)
	switch {
	case errors.Is(err, sink.ErrNotFound):
		return time.Time{}, ReasonUnknownSession
	case err != nil:
		p.storeFailed(err, appID, "session_lookup", sessionID)
		return time.Time{}, ReasonUnavailable
	}
	return ts, ""
}

func (p *Processor) storeFailed(err error, appID, op, id string) {
	p.logger.WithError(err).WithFields(logging.Fields{
		"app_id":    appID,
		"operation": op,
		"id":        id,
	}).Error("Telemetry store operation failed")
}
