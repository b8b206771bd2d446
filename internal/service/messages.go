package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dcm/dcm/internal/common/config"
	"github.com/dcm/dcm/internal/common/logger"
	"github.com/dcm/dcm/internal/models"
	"github.com/dcm/dcm/internal/store"
	"github.com/dcm/dcm/pkg/protocol"
)

const (
	defaultMessageLimit = 100
	maxMessageTTL       = 86400 * time.Second
)

// MessageService manages inter-agent messages.
type MessageService struct {
	store      store.Store
	log        *logger.Logger
	defaultTTL time.Duration
}

// NewMessageService builds a message service.
func NewMessageService(st store.Store, cfg config.MessageConfig, log *logger.Logger) *MessageService {
	return &MessageService{store: st, log: log, defaultTTL: cfg.DefaultTTLDuration()}
}

// SendMessageInput is the payload for Send. A nil Content is allowed;
// non-object content arrives via ContentRaw and is wrapped.
type SendMessageInput struct {
	FromAgent  string         `json:"from_agent"`
	ToAgent    *string        `json:"to_agent"`
	Topic      string         `json:"topic"`
	Content    map[string]any `json:"content"`
	ContentRaw any            `json:"-"`
	Priority   int            `json:"priority"`
	TTLSeconds int            `json:"ttl_seconds"`
}

// Send persists a message and emits message.new: on the global channel
// always, and additionally on the recipient's private channel for direct
// messages.
func (s *MessageService) Send(ctx context.Context, in SendMessageInput) (*models.AgentMessage, error) {
	var v validator
	v.requireNonEmpty("from_agent", in.FromAgent)
	v.requireNonEmpty("topic", in.Topic)
	if in.Topic != "" && !models.ValidTopic(in.Topic) {
		v.fail("topic", "must be one of "+strings.Join(models.MessageTopics(), ", "))
	}
	if in.Priority < 0 || in.Priority > 10 {
		v.fail("priority", "must be between 0 and 10")
	}
	if in.TTLSeconds < 0 || in.TTLSeconds > int(maxMessageTTL/time.Second) {
		v.fail("ttl_seconds", "must be between 1 and 86400")
	}
	if in.ToAgent != nil && strings.TrimSpace(*in.ToAgent) == "" {
		v.fail("to_agent", "must not be empty when present")
	}
	if err := v.err(); err != nil {
		return nil, err
	}

	content := in.Content
	if content == nil && in.ContentRaw != nil {
		content = map[string]any{"message": fmt.Sprintf("%v", in.ContentRaw)}
	}
	if content == nil {
		content = map[string]any{}
	}

	// Zero means unset and falls back to the configured default.
	ttl := s.defaultTTL
	if in.TTLSeconds > 0 {
		ttl = time.Duration(in.TTLSeconds) * time.Second
	}
	expires := time.Now().UTC().Add(ttl)

	msg := &models.AgentMessage{
		FromAgent: in.FromAgent,
		ToAgent:   in.ToAgent,
		Topic:     in.Topic,
		Content:   content,
		Priority:  in.Priority,
		ExpiresAt: &expires,
	}
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateMessage(ctx, msg); err != nil {
			return err
		}
		data := messageEventData(msg)
		if err := tx.Notify(ctx, protocol.ChannelGlobal, protocol.EventMessageNew, data); err != nil {
			return err
		}
		if msg.ToAgent != nil {
			return tx.Notify(ctx, protocol.AgentChannel(*msg.ToAgent), protocol.EventMessageNew, data)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Inbox returns the live messages visible to an agent, priority first.
func (s *MessageService) Inbox(ctx context.Context, agentID string, f store.MessageFilter) ([]*models.AgentMessage, error) {
	var v validator
	v.requireNonEmpty("agent_id", agentID)
	if f.Topic != "" && !models.ValidTopic(f.Topic) {
		v.fail("topic", "unknown topic")
	}
	if err := v.err(); err != nil {
		return nil, err
	}
	if f.Limit <= 0 {
		f.Limit = defaultMessageLimit
	}
	return s.store.GetMessages(ctx, agentID, f)
}

// MarkRead records that an agent read a message. Idempotent: the
// message.read event goes out only on the first read by that agent.
func (s *MessageService) MarkRead(ctx context.Context, agentID, messageID string) error {
	var v validator
	v.requireNonEmpty("agent_id", agentID)
	v.requireNonEmpty("message_id", messageID)
	if err := v.err(); err != nil {
		return err
	}

	return s.store.WithinTx(ctx, func(tx store.Tx) error {
		first, err := tx.MarkMessageRead(ctx, agentID, messageID)
		if err != nil {
			return err
		}
		if !first {
			return nil
		}
		return tx.Notify(ctx, protocol.ChannelGlobal, protocol.EventMessageRead, map[string]any{
			"message_id": messageID,
			"agent_id":   agentID,
		})
	})
}

func messageEventData(m *models.AgentMessage) map[string]any {
	data := map[string]any{
		"message_id": m.ID,
		"from_agent": m.FromAgent,
		"topic":      m.Topic,
		"priority":   m.Priority,
		"broadcast":  m.Broadcast(),
	}
	if m.ToAgent != nil {
		data["to_agent"] = *m.ToAgent
	}
	return data
}
