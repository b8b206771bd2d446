package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dcm/dcm/internal/common/logger"
	"github.com/dcm/dcm/pkg/protocol"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Maximum frame size accepted from a peer.
	maxFrameSize = 512 * 1024 // 512KB

	// Outbound buffer per client. A full buffer evicts the client rather
	// than blocking the fan-out path.
	sendBufferSize = 256
)

// pendingDelivery is one tracked event awaiting a client ack.
type pendingDelivery struct {
	frame    []byte
	attempts int
	sentAt   time.Time
}

// Client is one gateway connection. Frames queued on send leave in queue
// order, so per-channel delivery order matches publish order.
type Client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte
	log  *logger.Logger

	mu        sync.Mutex
	agentID   string
	sessionID string
	channels  map[string]bool
	pending   map[string]*pendingDelivery
	lastSeen  time.Time
	evicted   bool
}

func newClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		id:       id,
		conn:     conn,
		hub:      hub,
		send:     make(chan []byte, sendBufferSize),
		channels: make(map[string]bool),
		pending:  make(map[string]*pendingDelivery),
		lastSeen: time.Now(),
		log:      log.WithFields(zap.String("client_id", id)),
	}
}

// AgentID returns the authenticated agent id, or "" before auth.
func (c *Client) AgentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentID
}

func (c *Client) authenticated() bool { return c.AgentID() != "" }

func (c *Client) setIdentity(agentID, sessionID string) {
	c.mu.Lock()
	c.agentID = agentID
	c.sessionID = sessionID
	c.mu.Unlock()
}

func (c *Client) subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[channel]
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *Client) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// enqueue queues a raw frame. A full buffer reports failure; the caller
// evicts the client.
func (c *Client) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// enqueueJSON marshals and queues a frame.
func (c *Client) enqueueJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Error("marshal frame", zap.Error(err))
		return true
	}
	return c.enqueue(data)
}

// track registers a delivered event for ack-based redelivery.
func (c *Client) track(eventID string, frame []byte) {
	c.mu.Lock()
	c.pending[eventID] = &pendingDelivery{frame: frame, attempts: 1, sentAt: time.Now()}
	c.mu.Unlock()
}

// ack clears a pending delivery.
func (c *Client) ack(eventID string) {
	c.mu.Lock()
	delete(c.pending, eventID)
	c.mu.Unlock()
}

// duePending returns the frames whose ack did not arrive within the
// timeout, advancing their attempt counters. Deliveries past maxAttempts
// are dropped.
func (c *Client) duePending(timeout time.Duration, maxAttempts int, now time.Time) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	var due [][]byte
	for id, p := range c.pending {
		if now.Sub(p.sentAt) < timeout {
			continue
		}
		if p.attempts >= maxAttempts {
			delete(c.pending, id)
			continue
		}
		p.attempts++
		p.sentAt = now
		due = append(due, p.frame)
	}
	return due
}

// readPump decodes inbound frames and hands them to the hub. It exits on
// connection error; the deferred unregister tears the client down.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.HeartbeatTimeoutDuration()))

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn("read error", zap.Error(err))
			}
			return
		}
		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.HeartbeatTimeoutDuration()))

		var frame protocol.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			// Malformed input gets an error frame, not a disconnect.
			c.enqueueJSON(protocol.NewError(protocol.CodeParseError, "malformed frame"))
			continue
		}
		c.hub.handleFrame(c, &frame)
	}
}

// writePump drains the send queue and emits heartbeat pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.HeartbeatIntervalDuration())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			if time.Since(c.idleSince()) > c.hub.cfg.HeartbeatTimeoutDuration() {
				c.closeWith(protocol.ClosePingTimeout, "ping timeout")
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(protocol.Ping{Type: protocol.FramePing, Timestamp: protocol.NowMillis()}); err != nil {
				return
			}
		}
	}
}

// closeWith sends a close frame with the given application code.
func (c *Client) closeWith(code int, reason string) {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	c.conn.Close()
}
