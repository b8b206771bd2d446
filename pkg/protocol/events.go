package protocol

// Enumerated event names. Publish rejects anything outside this set.
const (
	EventTaskCreated   = "task.created"
	EventTaskUpdated   = "task.updated"
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"

	EventSubtaskCreated   = "subtask.created"
	EventSubtaskUpdated   = "subtask.updated"
	EventSubtaskCompleted = "subtask.completed"
	EventSubtaskFailed    = "subtask.failed"
	EventSubtaskRunning   = "subtask.running"

	EventMessageNew     = "message.new"
	EventMessageRead    = "message.read"
	EventMessageExpired = "message.expired"

	EventAgentConnected    = "agent.connected"
	EventAgentDisconnected = "agent.disconnected"
	EventAgentHeartbeat    = "agent.heartbeat"
	EventAgentBlocked      = "agent.blocked"
	EventAgentUnblocked    = "agent.unblocked"

	EventSessionCreated = "session.created"
	EventSessionEnded   = "session.ended"

	EventWaveTransitioned = "wave.transitioned"
	EventWaveCompleted    = "wave.completed"
	EventWaveFailed       = "wave.failed"

	EventMetricUpdate = "metric.update"

	EventSystemError = "system.error"
	EventSystemInfo  = "system.info"
)

var eventNames = map[string]bool{
	EventTaskCreated:   true,
	EventTaskUpdated:   true,
	EventTaskCompleted: true,
	EventTaskFailed:    true,

	EventSubtaskCreated:   true,
	EventSubtaskUpdated:   true,
	EventSubtaskCompleted: true,
	EventSubtaskFailed:    true,
	EventSubtaskRunning:   true,

	EventMessageNew:     true,
	EventMessageRead:    true,
	EventMessageExpired: true,

	EventAgentConnected:    true,
	EventAgentDisconnected: true,
	EventAgentHeartbeat:    true,
	EventAgentBlocked:      true,
	EventAgentUnblocked:    true,

	EventSessionCreated: true,
	EventSessionEnded:   true,

	EventWaveTransitioned: true,
	EventWaveCompleted:    true,
	EventWaveFailed:       true,

	EventMetricUpdate: true,

	EventSystemError: true,
	EventSystemInfo:  true,
}

// ValidEventName reports whether the event name is enumerated.
func ValidEventName(name string) bool { return eventNames[name] }

// Tracked reports whether deliveries of this event require acknowledgment.
// Events named task.*, subtask.*, and message.* are re-sent until acked.
func Tracked(event string) bool {
	for _, prefix := range []string{"task.", "subtask.", "message."} {
		if len(event) > len(prefix) && event[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
