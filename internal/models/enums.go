package models

// RequestStatus is the lifecycle status of a request.
type RequestStatus string

const (
	RequestActive     RequestStatus = "active"
	RequestInProgress RequestStatus = "in_progress"
	RequestCompleted  RequestStatus = "completed"
	RequestFailed     RequestStatus = "failed"
)

// Valid reports whether the status is one of the enumerated values.
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestActive, RequestInProgress, RequestCompleted, RequestFailed:
		return true
	}
	return false
}

// TaskListStatus is the lifecycle status of a task-list.
type TaskListStatus string

const (
	TaskListPending   TaskListStatus = "pending"
	TaskListRunning   TaskListStatus = "running"
	TaskListCompleted TaskListStatus = "completed"
	TaskListFailed    TaskListStatus = "failed"
)

// Valid reports whether the status is one of the enumerated values.
func (s TaskListStatus) Valid() bool {
	switch s {
	case TaskListPending, TaskListRunning, TaskListCompleted, TaskListFailed:
		return true
	}
	return false
}

// SubtaskStatus is the lifecycle status of a subtask.
type SubtaskStatus string

const (
	SubtaskPending   SubtaskStatus = "pending"
	SubtaskRunning   SubtaskStatus = "running"
	SubtaskPaused    SubtaskStatus = "paused"
	SubtaskBlocked   SubtaskStatus = "blocked"
	SubtaskCompleted SubtaskStatus = "completed"
	SubtaskFailed    SubtaskStatus = "failed"
)

// Valid reports whether the status is one of the enumerated values.
func (s SubtaskStatus) Valid() bool {
	switch s {
	case SubtaskPending, SubtaskRunning, SubtaskPaused, SubtaskBlocked,
		SubtaskCompleted, SubtaskFailed:
		return true
	}
	return false
}

// Terminal reports whether the status rejects further transitions.
func (s SubtaskStatus) Terminal() bool {
	return s == SubtaskCompleted || s == SubtaskFailed
}

// subtaskTransitions maps each status to its allowed successors.
var subtaskTransitions = map[SubtaskStatus][]SubtaskStatus{
	SubtaskPending: {SubtaskRunning},
	SubtaskRunning: {SubtaskPaused, SubtaskBlocked, SubtaskCompleted, SubtaskFailed},
	SubtaskPaused:  {SubtaskRunning, SubtaskFailed},
	SubtaskBlocked: {SubtaskRunning, SubtaskFailed},
}

// CanTransition reports whether s may move to next.
func (s SubtaskStatus) CanTransition(next SubtaskStatus) bool {
	for _, allowed := range subtaskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// WaveStatus is the lifecycle status of a wave state.
type WaveStatus string

const (
	WavePending   WaveStatus = "pending"
	WaveRunning   WaveStatus = "running"
	WaveCompleted WaveStatus = "completed"
	WaveFailed    WaveStatus = "failed"
)

// Valid reports whether the status is one of the enumerated values.
func (s WaveStatus) Valid() bool {
	switch s {
	case WavePending, WaveRunning, WaveCompleted, WaveFailed:
		return true
	}
	return false
}

// Terminal reports whether the wave reached a final status.
func (s WaveStatus) Terminal() bool {
	return s == WaveCompleted || s == WaveFailed
}

// ToolType classifies an invoked tool.
type ToolType string

const (
	ToolBuiltin ToolType = "builtin"
	ToolAgent   ToolType = "agent"
	ToolSkill   ToolType = "skill"
	ToolCommand ToolType = "command"
	ToolMCP     ToolType = "mcp"
)

// Valid reports whether the tool type is one of the enumerated values.
func (t ToolType) Valid() bool {
	switch t {
	case ToolBuiltin, ToolAgent, ToolSkill, ToolCommand, ToolMCP:
		return true
	}
	return false
}

// CapacityZone labels current_usage / max_capacity ranges.
type CapacityZone string

const (
	ZoneGreen    CapacityZone = "green"
	ZoneYellow   CapacityZone = "yellow"
	ZoneOrange   CapacityZone = "orange"
	ZoneRed      CapacityZone = "red"
	ZoneCritical CapacityZone = "critical"
)

// ZoneFor returns the capacity zone for the given usage ratio:
// green < 0.5, yellow < 0.75, orange < 0.9, red < 1.0, critical >= 1.0.
func ZoneFor(usage, max int64) CapacityZone {
	if max <= 0 {
		return ZoneCritical
	}
	ratio := float64(usage) / float64(max)
	switch {
	case ratio < 0.5:
		return ZoneGreen
	case ratio < 0.75:
		return ZoneYellow
	case ratio < 0.9:
		return ZoneOrange
	case ratio < 1.0:
		return ZoneRed
	default:
		return ZoneCritical
	}
}

// Message topics accepted by the message service.
const (
	TopicTaskCreated      = "task.created"
	TopicTaskCompleted    = "task.completed"
	TopicTaskFailed       = "task.failed"
	TopicContextRequest   = "context.request"
	TopicContextResponse  = "context.response"
	TopicAlertBlocking    = "alert.blocking"
	TopicAgentHeartbeat   = "agent.heartbeat"
	TopicAgentStarted     = "agent.started"
	TopicAgentCompleted   = "agent.completed"
	TopicWorkflowProgress = "workflow.progress"
)

var messageTopics = map[string]bool{
	TopicTaskCreated:      true,
	TopicTaskCompleted:    true,
	TopicTaskFailed:       true,
	TopicContextRequest:   true,
	TopicContextResponse:  true,
	TopicAlertBlocking:    true,
	TopicAgentHeartbeat:   true,
	TopicAgentStarted:     true,
	TopicAgentCompleted:   true,
	TopicWorkflowProgress: true,
}

// ValidTopic reports whether the topic is one of the enumerated values.
func ValidTopic(topic string) bool { return messageTopics[topic] }

// MessageTopics returns the enumerated topics, for validation messages.
func MessageTopics() []string {
	return []string{
		TopicTaskCreated, TopicTaskCompleted, TopicTaskFailed,
		TopicContextRequest, TopicContextResponse, TopicAlertBlocking,
		TopicAgentHeartbeat, TopicAgentStarted, TopicAgentCompleted,
		TopicWorkflowProgress,
	}
}
