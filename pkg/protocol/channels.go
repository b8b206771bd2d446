package protocol

import "strings"

// Channel taxonomy:
//
//	global              system-wide broadcast
//	metrics             periodic metric.update only
//	agents/{agent_id}   private; subscribe requires auth or agent_id == self
//	sessions/{id}       session-scoped
//	topics/{topic}      topic-based grouping; public
const (
	ChannelGlobal  = "global"
	ChannelMetrics = "metrics"

	agentPrefix   = "agents/"
	sessionPrefix = "sessions/"
	topicPrefix   = "topics/"
)

// ChannelKind classifies a parsed channel name.
type ChannelKind int

const (
	ChannelInvalid ChannelKind = iota
	ChannelKindGlobal
	ChannelKindMetrics
	ChannelKindAgent
	ChannelKindSession
	ChannelKindTopic
)

// ParseChannel classifies a channel name and extracts its suffix
// (agent id, session id, or topic). Exact match for global and metrics,
// prefix match with a non-empty suffix for the rest.
func ParseChannel(channel string) (ChannelKind, string) {
	switch channel {
	case ChannelGlobal:
		return ChannelKindGlobal, ""
	case ChannelMetrics:
		return ChannelKindMetrics, ""
	}
	switch {
	case strings.HasPrefix(channel, agentPrefix):
		if id := channel[len(agentPrefix):]; id != "" {
			return ChannelKindAgent, id
		}
	case strings.HasPrefix(channel, sessionPrefix):
		if id := channel[len(sessionPrefix):]; id != "" {
			return ChannelKindSession, id
		}
	case strings.HasPrefix(channel, topicPrefix):
		if t := channel[len(topicPrefix):]; t != "" {
			return ChannelKindTopic, t
		}
	}
	return ChannelInvalid, ""
}

// ValidChannel reports whether the channel name parses.
func ValidChannel(channel string) bool {
	kind, _ := ParseChannel(channel)
	return kind != ChannelInvalid
}

// AgentChannel returns the private channel for an agent.
func AgentChannel(agentID string) string { return agentPrefix + agentID }

// SessionChannel returns the channel for a session.
func SessionChannel(sessionID string) string { return sessionPrefix + sessionID }

// TopicChannel returns the public channel for a topic.
func TopicChannel(topic string) string { return topicPrefix + topic }
