// Package gateway is the real-time fan-out surface: one WebSocket endpoint
// where agents authenticate, subscribe to channels, and receive the events
// committed through the store.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dcm/dcm/internal/auth"
	"github.com/dcm/dcm/internal/common/config"
	"github.com/dcm/dcm/internal/common/logger"
	"github.com/dcm/dcm/internal/events/bus"
	"github.com/dcm/dcm/internal/store"
	"github.com/dcm/dcm/pkg/protocol"
)

// Hub owns the client registry and the channel table, relays bus events to
// subscribed clients, and redelivers tracked events until acked.
type Hub struct {
	store  store.Store
	bus    bus.EventBus
	issuer *auth.TokenIssuer
	cfg    config.GatewayConfig
	log    *logger.Logger

	// devMode allows auth by bare agent_id, without a token.
	devMode bool

	mu       sync.RWMutex
	clients  map[*Client]bool
	channels map[string]map[*Client]bool

	busSub     bus.Subscription
	cancel     context.CancelFunc
	done       chan struct{}
	runCtx     context.Context
	runOnce    sync.Once
	closedOnce sync.Once
}

// NewHub builds a hub. devMode relaxes auth to a bare agent id.
func NewHub(st store.Store, eventBus bus.EventBus, issuer *auth.TokenIssuer, cfg config.GatewayConfig, devMode bool, log *logger.Logger) *Hub {
	return &Hub{
		store:    st,
		bus:      eventBus,
		issuer:   issuer,
		cfg:      cfg,
		devMode:  devMode,
		log:      log.WithFields(zap.String("component", "gateway")),
		clients:  make(map[*Client]bool),
		channels: make(map[string]map[*Client]bool),
	}
}

// Run attaches the hub to the bus and starts the redelivery loop.
func (h *Hub) Run(ctx context.Context) error {
	var err error
	h.runOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		h.runCtx = runCtx
		h.cancel = cancel
		h.done = make(chan struct{})

		h.busSub, err = h.bus.Subscribe(bus.SubjectAll, func(c context.Context, event *bus.Event) error {
			h.route(event)
			return nil
		})
		if err != nil {
			cancel()
			close(h.done)
			return
		}
		go h.retryLoop(runCtx)
		h.log.Info("gateway hub started")
	})
	return err
}

// Close detaches from the bus and closes every connection with a normal
// close frame.
func (h *Hub) Close() {
	h.closedOnce.Do(func() {
		if h.busSub != nil {
			_ = h.busSub.Unsubscribe()
		}
		if h.cancel != nil {
			h.cancel()
			<-h.done
		}

		h.mu.Lock()
		clients := make([]*Client, 0, len(h.clients))
		for c := range h.clients {
			clients = append(clients, c)
		}
		h.clients = make(map[*Client]bool)
		h.channels = make(map[string]map[*Client]bool)
		h.mu.Unlock()

		for _, c := range clients {
			close(c.send)
		}
		h.log.Info("gateway hub stopped")
	})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	// Every connection starts on the system-wide channel.
	h.subscribe(c, protocol.ChannelGlobal)

	c.enqueueJSON(protocol.Connected{
		Type:      protocol.FrameConnected,
		ClientID:  c.id,
		Timestamp: protocol.NowMillis(),
	})
	h.log.Debug("client connected", zap.String("client_id", c.id))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for channel := range c.channels {
		if subs := h.channels[channel]; subs != nil {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.channels, channel)
			}
		}
	}
	h.mu.Unlock()
	close(c.send)

	if agentID := c.AgentID(); agentID != "" {
		h.publishEvent(protocol.ChannelGlobal, protocol.EventAgentDisconnected, map[string]any{
			"agent_id": agentID,
		})
	}
	h.log.Debug("client disconnected", zap.String("client_id", c.id))
}

// evict drops a client whose send path stalled.
func (h *Hub) evict(c *Client) {
	h.log.Warn("evicting slow client", zap.String("client_id", c.id))
	h.unregister(c)
	c.conn.Close()
}

// subscribe wires a client to a channel in the channel table.
func (h *Hub) subscribe(c *Client, channel string) {
	h.mu.Lock()
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*Client]bool)
	}
	h.channels[channel][c] = true
	h.mu.Unlock()

	c.mu.Lock()
	c.channels[channel] = true
	c.mu.Unlock()
}

func (h *Hub) unsubscribe(c *Client, channel string) {
	h.mu.Lock()
	if subs := h.channels[channel]; subs != nil {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
	h.mu.Unlock()

	c.mu.Lock()
	delete(c.channels, channel)
	c.mu.Unlock()
}

// route delivers one bus event to the channel's subscribers. Tracked
// events are registered for redelivery until acked.
func (h *Hub) route(event *bus.Event) {
	envelope := protocol.Event{
		ID:        event.ID,
		Channel:   event.Channel,
		Event:     event.Name,
		Data:      event.Data,
		Timestamp: event.Timestamp.UnixMilli(),
	}
	frame, err := json.Marshal(envelope)
	if err != nil {
		h.log.Error("marshal event", zap.Error(err))
		return
	}

	h.mu.RLock()
	subs := make([]*Client, 0, len(h.channels[event.Channel]))
	for c := range h.channels[event.Channel] {
		subs = append(subs, c)
	}
	h.mu.RUnlock()

	tracked := protocol.Tracked(event.Name)
	for _, c := range subs {
		if !c.enqueue(frame) {
			h.evict(c)
			continue
		}
		if tracked {
			c.track(event.ID, frame)
		}
	}
}

// retryLoop periodically redelivers unacked tracked events.
func (h *Hub) retryLoop(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.cfg.RetryIntervalDuration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for c := range h.clients {
				clients = append(clients, c)
			}
			h.mu.RUnlock()

			for _, c := range clients {
				for _, frame := range c.duePending(h.cfg.RetryTimeoutDuration(), h.cfg.RetryMaxAttempts, now) {
					if !c.enqueue(frame) {
						h.evict(c)
						break
					}
				}
			}
		}
	}
}

// handleFrame dispatches one inbound client frame.
func (h *Hub) handleFrame(c *Client, frame *protocol.Frame) {
	switch frame.Type {
	case protocol.FrameAuth:
		h.handleAuth(c, frame)
	case protocol.FrameSubscribe:
		h.handleSubscribe(c, frame)
	case protocol.FrameUnsubscribe:
		h.handleUnsubscribe(c, frame)
	case protocol.FramePublish:
		h.handlePublish(c, frame)
	case protocol.FrameAck:
		c.ack(frame.MessageID)
	case protocol.FramePing:
		c.enqueueJSON(protocol.Ping{Type: protocol.FramePong, Timestamp: protocol.NowMillis()})
	case protocol.FramePong:
		// lastSeen already advanced by readPump.
	default:
		c.enqueueJSON(protocol.NewError(protocol.CodeInvalidFrame, "unknown frame type"))
	}
}

// handleAuth authenticates the connection. With a token the claims bind
// the identity; in dev mode a bare well-formed agent_id is enough. On
// success the client is auto-subscribed to its private channels, its
// persisted subscriptions are restored, and agent.connected goes out.
func (h *Hub) handleAuth(c *Client, frame *protocol.Frame) {
	agentID, sessionID := frame.AgentID, frame.SessionID

	switch {
	case frame.Token != "":
		claims, err := h.issuer.Verify(frame.Token, time.Now())
		if err != nil {
			h.log.Warn("auth rejected", zap.String("client_id", c.id), zap.Error(err))
			c.enqueueJSON(protocol.NewAck(frame.ID, false, "invalid token"))
			c.closeWith(protocol.CloseInvalidToken, "invalid token")
			return
		}
		agentID, sessionID = claims.AgentID, claims.SessionID

	case h.devMode:
		if !auth.ValidAgentID(agentID) {
			c.enqueueJSON(protocol.NewAck(frame.ID, false, "missing or malformed agent_id"))
			c.closeWith(protocol.CloseMissingCredentials, "missing credentials")
			return
		}

	default:
		c.enqueueJSON(protocol.NewAck(frame.ID, false, "token required"))
		c.closeWith(protocol.CloseTokenRequired, "token required")
		return
	}

	c.setIdentity(agentID, sessionID)
	h.subscribe(c, protocol.AgentChannel(agentID))
	if sessionID != "" {
		h.subscribe(c, protocol.SessionChannel(sessionID))
	}
	h.restoreSubscriptions(c, agentID)

	c.enqueueJSON(protocol.NewAck(frame.ID, true, ""))
	h.publishEvent(protocol.ChannelGlobal, protocol.EventAgentConnected, map[string]any{
		"agent_id": agentID,
	})
	h.log.Info("client authenticated",
		zap.String("client_id", c.id), zap.String("agent_id", agentID))
}

func (h *Hub) baseCtx() context.Context {
	if h.runCtx != nil {
		return h.runCtx
	}
	return context.Background()
}

// restoreSubscriptions re-wires the agent's persisted channels.
func (h *Hub) restoreSubscriptions(c *Client, agentID string) {
	ctx, cancel := context.WithTimeout(h.baseCtx(), 5*time.Second)
	defer cancel()
	channels, err := h.store.ListSubscriptions(ctx, agentID)
	if err != nil {
		h.log.Warn("restore subscriptions failed",
			zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	for _, channel := range channels {
		h.subscribe(c, channel)
	}
}

// handleSubscribe validates channel access and joins the channel. Private
// channels require a matching authenticated identity. Subscriptions of
// authenticated agents are persisted for reconnects.
func (h *Hub) handleSubscribe(c *Client, frame *protocol.Frame) {
	kind, suffix := protocol.ParseChannel(frame.Channel)
	if kind == protocol.ChannelInvalid {
		c.enqueueJSON(protocol.NewAck(frame.ID, false, "unknown channel"))
		return
	}

	switch kind {
	case protocol.ChannelKindAgent:
		if c.AgentID() != suffix {
			c.enqueueJSON(protocol.NewAck(frame.ID, false, "not authorized for channel"))
			return
		}
	case protocol.ChannelKindSession:
		if !c.authenticated() {
			c.enqueueJSON(protocol.NewAck(frame.ID, false, "authentication required"))
			return
		}
	}

	h.subscribe(c, frame.Channel)
	if agentID := c.AgentID(); agentID != "" {
		ctx, cancel := context.WithTimeout(h.baseCtx(), 5*time.Second)
		defer cancel()
		if err := h.store.UpsertSubscription(ctx, agentID, frame.Channel); err != nil {
			h.log.Warn("persist subscription failed", zap.Error(err))
		}
	}
	c.enqueueJSON(protocol.NewAck(frame.ID, true, ""))
}

func (h *Hub) handleUnsubscribe(c *Client, frame *protocol.Frame) {
	h.unsubscribe(c, frame.Channel)
	if agentID := c.AgentID(); agentID != "" {
		ctx, cancel := context.WithTimeout(h.baseCtx(), 5*time.Second)
		defer cancel()
		if err := h.store.DeleteSubscription(ctx, agentID, frame.Channel); err != nil &&
			!errors.Is(err, store.ErrNotFound) {
			h.log.Warn("drop persisted subscription failed", zap.Error(err))
		}
	}
	c.enqueueJSON(protocol.NewAck(frame.ID, true, ""))
}

// handlePublish forwards a client event onto the bus. Event names are
// enumerated; publishing to a private channel requires auth.
func (h *Hub) handlePublish(c *Client, frame *protocol.Frame) {
	if !protocol.ValidEventName(frame.Event) {
		c.enqueueJSON(protocol.NewAck(frame.ID, false, "unknown event name"))
		return
	}
	kind, _ := protocol.ParseChannel(frame.Channel)
	if kind == protocol.ChannelInvalid {
		c.enqueueJSON(protocol.NewAck(frame.ID, false, "unknown channel"))
		return
	}
	if (kind == protocol.ChannelKindAgent || kind == protocol.ChannelKindSession) && !c.authenticated() {
		c.enqueueJSON(protocol.NewAck(frame.ID, false, "authentication required"))
		return
	}

	var data map[string]any
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &data); err != nil {
			c.enqueueJSON(protocol.NewAck(frame.ID, false, "data must be an object"))
			return
		}
	}
	h.publishEvent(frame.Channel, frame.Event, data)
	c.enqueueJSON(protocol.NewAck(frame.ID, true, ""))
}

func (h *Hub) publishEvent(channel, name string, data map[string]any) {
	event := bus.NewEvent(channel, name, data)
	if err := h.bus.Publish(context.Background(), bus.Subject(channel), event); err != nil {
		h.log.Error("publish event", zap.String("event", name), zap.Error(err))
	}
}
