package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"lookout/pkg/logging"
)

// DeliverFunc writes one message to the viewer. A non-nil error ends the stream.
type DeliverFunc func(Message) error

type stopReason int

const (
	stopClosed stopReason = iota
	stopShutdown
)

// Connection is one open stream. Its serving loop is the only caller of the
// DeliverFunc.
type Connection struct {
	ID    string
	AppID string

	m       *Manager
	deliver DeliverFunc

	qmu   sync.Mutex
	queue []Message

	wake     chan struct{}
	quit     chan struct{}
	done     chan struct{}
	quitOnce sync.Once
	reason   stopReason
}

func newConnection(m *Manager, appID string, deliver DeliverFunc) *Connection {
	return &Connection{
		ID:      uuid.NewString(),
		AppID:   appID,
		m:       m,
		deliver: deliver,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Close ends the stream and waits for its loop to exit. It is idempotent and
// must not be called from the DeliverFunc; return an error there instead.
func (c *Connection) Close() {
	c.signal(stopClosed)
	<-c.done
}

// Done is closed once the serving loop has exited.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) signal(reason stopReason) {
	c.quitOnce.Do(func() {
		c.reason = reason
		close(c.quit)
	})
}

// enqueue appends msg, dropping the oldest queued message when full.
func (c *Connection) enqueue(msg Message) {
	c.qmu.Lock()
	if len(c.queue) >= c.m.cfg.QueueSize {
		dropped := c.queue[0]
		c.queue = c.queue[1:]
		c.m.metrics.MessageDropped(string(dropped.Kind))
	}
	c.queue = append(c.queue, msg)
	c.qmu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Connection) drain() []Message {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	out := c.queue
	c.queue = nil
	return out
}

func (c *Connection) log() logging.Entry {
	return c.m.logger.WithFields(logging.Fields{
		"app_id":        c.AppID,
		"connection_id": c.ID,
	})
}

func (c *Connection) serve() {
	defer c.m.loops.Done()
	defer close(c.done)
	defer c.m.remove(c)

	snap, ok := c.m.GetOnlineUsers(c.AppID)
	if !ok {
		snap = c.m.refreshPresence(c.AppID)
	}
	lastSent := time.Now()
	if !c.send(Message{Kind: KindConnected, AppID: c.AppID, Payload: snap, Timestamp: lastSent}) {
		return
	}
	lastPresence := lastSent

	ticker := time.NewTicker(c.m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.quit:
			if c.reason == stopShutdown {
				c.send(Message{
					Kind:      KindError,
					AppID:     c.AppID,
					Payload:   ErrorPayload{Code: "shutting_down", Detail: "server is shutting down"},
					Timestamp: time.Now(),
				})
			}
			return
		case <-ticker.C:
		case <-c.wake:
		}

		now := time.Now()
		if now.Sub(lastSent) >= c.m.cfg.HeartbeatInterval {
			if !c.send(Message{Kind: KindHeartbeat, AppID: c.AppID, Timestamp: now}) {
				return
			}
			lastSent = now
		}

		if now.Sub(lastPresence) >= c.m.cfg.PresenceInterval {
			snap := c.m.refreshPresence(c.AppID)
			if !c.send(Message{Kind: KindPresence, AppID: c.AppID, Payload: snap, Timestamp: now}) {
				return
			}
			lastPresence, lastSent = now, now
		}

		for _, msg := range c.drain() {
			if !c.send(msg) {
				return
			}
			lastSent = time.Now()
		}
	}
}

func (c *Connection) send(msg Message) bool {
	if err := c.deliver(msg); err != nil {
		c.log().WithError(err).WithField("kind", msg.Kind).Debug("Stream delivery failed")
		return false
	}
	c.m.metrics.MessageSent(string(msg.Kind))
	return true
}
