// Package realtime fans ingest notices and presence snapshots out to
// dashboard viewers, one serving goroutine per open stream.
package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"lookout/api_telemetry/internal/metrics"
	"lookout/api_telemetry/internal/models"
	"lookout/pkg/logging"
)

// ErrStopped is returned by AddConnection once the manager is stopping.
var ErrStopped = errors.New("realtime manager stopped")

const presenceQueryTimeout = 5 * time.Second

// PresenceProvider computes an app's online snapshot.
type PresenceProvider interface {
	GetOnlineUsers(ctx context.Context, appID string) models.OnlineSnapshot
}

// forgetter is implemented by providers that keep per-app fallback state.
type forgetter interface {
	Forget(appID string)
}

// Config tunes the per-connection serving loop.
type Config struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	PresenceInterval  time.Duration
	QueueSize         int
}

// DefaultConfig returns the stream defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:      100 * time.Millisecond,
		HeartbeatInterval: 4 * time.Second,
		PresenceInterval:  10 * time.Second,
		QueueSize:         256,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.PresenceInterval <= 0 {
		c.PresenceInterval = def.PresenceInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	return c
}

type cachedSnapshot struct {
	snap models.OnlineSnapshot
	at   time.Time
}

// Manager keeps, per app, the set of open connections and the cached
// presence snapshot.
type Manager struct {
	presence PresenceProvider
	cfg      Config
	logger   logging.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	conns   map[string]map[*Connection]struct{}
	stopped bool
	loops   sync.WaitGroup

	snapMu    sync.Mutex
	snapshots map[string]cachedSnapshot
	sf        singleflight.Group

	janitorStop chan struct{}
	janitorDone chan struct{}
	startOnce   sync.Once
	stopOnce    sync.Once
}

func NewManager(presence PresenceProvider, cfg Config, logger logging.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		presence:    presence,
		cfg:         cfg.withDefaults(),
		logger:      logger,
		metrics:     m,
		conns:       make(map[string]map[*Connection]struct{}),
		snapshots:   make(map[string]cachedSnapshot),
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
}

// Start launches the janitor that forgets presence snapshots of apps nobody
// is watching. Connections may be added before Start.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		go m.janitor()
	})
}

func (m *Manager) janitor() {
	defer close(m.janitorDone)
	ticker := time.NewTicker(6 * m.cfg.PresenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.pruneSnapshots()
		case <-m.janitorStop:
			return
		}
	}
}

func (m *Manager) pruneSnapshots() {
	m.mu.Lock()
	watched := make(map[string]struct{}, len(m.conns))
	for appID := range m.conns {
		watched[appID] = struct{}{}
	}
	m.mu.Unlock()

	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	for appID, c := range m.snapshots {
		if _, ok := watched[appID]; !ok && time.Since(c.at) > m.cfg.PresenceInterval {
			delete(m.snapshots, appID)
			if f, ok := m.presence.(forgetter); ok {
				f.Forget(appID)
			}
		}
	}
}

// Stop ends every serving loop, waits for them, and refuses new connections.
// Viewers receive a final error message before their stream ends.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		var all []*Connection
		for _, set := range m.conns {
			for c := range set {
				all = append(all, c)
			}
		}
		m.mu.Unlock()

		for _, c := range all {
			c.signal(stopShutdown)
		}
		m.loops.Wait()

		// A janitor that never started has nothing to wait for.
		m.startOnce.Do(func() { close(m.janitorDone) })
		close(m.janitorStop)
		<-m.janitorDone

		m.logger.WithField("connections", len(all)).Info("Realtime manager stopped")
	})
}

// AddConnection registers deliver for appID and starts its serving loop.
// deliver is only ever called from that loop; returning an error ends it.
func (m *Manager) AddConnection(appID string, deliver DeliverFunc) (*Connection, error) {
	c := newConnection(m, appID, deliver)

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, ErrStopped
	}
	set, ok := m.conns[appID]
	if !ok {
		set = make(map[*Connection]struct{})
		m.conns[appID] = set
	}
	set[c] = struct{}{}
	m.loops.Add(1)
	m.mu.Unlock()

	m.metrics.ConnectionOpened()
	m.logger.WithFields(logging.Fields{
		"app_id":        appID,
		"connection_id": c.ID,
	}).Debug("Stream connection opened")

	go c.serve()
	return c, nil
}

// remove unregisters c from its own app's set. Safe to call more than once.
func (m *Manager) remove(c *Connection) {
	m.mu.Lock()
	set, ok := m.conns[c.AppID]
	if ok {
		if _, present := set[c]; !present {
			m.mu.Unlock()
			return
		}
		delete(set, c)
		if len(set) == 0 {
			delete(m.conns, c.AppID)
		}
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.metrics.ConnectionClosed()
	m.logger.WithFields(logging.Fields{
		"app_id":        c.AppID,
		"connection_id": c.ID,
	}).Debug("Stream connection closed")
}

// PushEvent notifies viewers of appID about an accepted event.
func (m *Manager) PushEvent(appID string, payload any) {
	m.broadcast(appID, KindEventCreated, payload)
}

// PushSession notifies viewers of appID about a new session.
func (m *Manager) PushSession(appID string, payload any) {
	m.broadcast(appID, KindSessionCreated, payload)
}

// PushDevice notifies viewers of appID about a new or updated device.
func (m *Manager) PushDevice(appID string, payload any) {
	m.broadcast(appID, KindDeviceCreated, payload)
}

// broadcast never blocks: each connection has its own bounded queue.
func (m *Manager) broadcast(appID string, kind Kind, payload any) {
	m.mu.Lock()
	set := m.conns[appID]
	targets := make([]*Connection, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	m.mu.Unlock()

	if len(targets) == 0 {
		return
	}
	msg := Message{Kind: kind, AppID: appID, Payload: payload, Timestamp: time.Now()}
	for _, c := range targets {
		c.enqueue(msg)
	}
}

// SetOnlineUsers caches snap as the current snapshot for appID.
func (m *Manager) SetOnlineUsers(appID string, snap models.OnlineSnapshot) {
	m.snapMu.Lock()
	m.snapshots[appID] = cachedSnapshot{snap: snap, at: time.Now()}
	m.snapMu.Unlock()
}

// GetOnlineUsers returns the cached snapshot for appID, if any.
func (m *Manager) GetOnlineUsers(appID string) (models.OnlineSnapshot, bool) {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	c, ok := m.snapshots[appID]
	return c.snap, ok
}

// refreshPresence returns a snapshot no older than the presence interval.
// Concurrent callers for one app share a single query.
func (m *Manager) refreshPresence(appID string) models.OnlineSnapshot {
	if snap, ok := m.freshSnapshot(appID); ok {
		return snap
	}
	v, _, _ := m.sf.Do(appID, func() (any, error) {
		if snap, ok := m.freshSnapshot(appID); ok {
			return snap, nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), presenceQueryTimeout)
		defer cancel()
		snap := m.presence.GetOnlineUsers(ctx, appID)
		m.SetOnlineUsers(appID, snap)
		return snap, nil
	})
	return v.(models.OnlineSnapshot)
}

func (m *Manager) freshSnapshot(appID string) (models.OnlineSnapshot, bool) {
	m.snapMu.Lock()
	defer m.snapMu.Unlock()
	c, ok := m.snapshots[appID]
	if !ok || time.Since(c.at) >= m.cfg.PresenceInterval {
		return models.OnlineSnapshot{}, false
	}
	return c.snap, true
}

// Stats returns the number of open connections per app.
func (m *Manager) Stats() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.conns))
	for appID, set := range m.conns {
		out[appID] = len(set)
	}
	return out
}
