// Package models defines the persisted entities of the DCM core and their
// lifecycle enums. The Store owns durable state; these structs are the typed
// view exchanged between the store, the domain services, and the HTTP layer.
package models

import "time"

// Project is identified by its canonical filesystem path.
type Project struct {
	ID        string         `json:"id" db:"id"`
	Path      string         `json:"path" db:"path"`
	Name      string         `json:"name" db:"name"`
	Metadata  map[string]any `json:"metadata,omitempty" db:"-"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// Request is one user prompt under a session.
type Request struct {
	ID          string        `json:"id" db:"id"`
	ProjectID   string        `json:"project_id" db:"project_id"`
	SessionID   string        `json:"session_id" db:"session_id"`
	Prompt      string        `json:"prompt" db:"prompt"`
	Status      RequestStatus `json:"status" db:"status"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty" db:"completed_at"`
}

// TaskList is an ordered group of subtasks within a request (a wave).
type TaskList struct {
	ID         string         `json:"id" db:"id"`
	RequestID  string         `json:"request_id" db:"request_id"`
	WaveNumber int            `json:"wave_number" db:"wave_number"`
	Status     TaskListStatus `json:"status" db:"status"`
	CreatedAt  time.Time      `json:"created_at" db:"created_at"`
}

// Subtask is a unit of work owned by a task-list and assigned to an agent.
type Subtask struct {
	ID            string         `json:"id" db:"id"`
	TaskListID    string         `json:"task_list_id" db:"task_list_id"`
	Description   string         `json:"description" db:"description"`
	Status        SubtaskStatus  `json:"status" db:"status"`
	AgentType     string         `json:"agent_type,omitempty" db:"agent_type"`
	AgentID       string         `json:"agent_id,omitempty" db:"agent_id"`
	Priority      int            `json:"priority" db:"priority"`
	RetryCount    int            `json:"retry_count" db:"retry_count"`
	BlockedBy     []string       `json:"blocked_by,omitempty" db:"-"`
	ParentAgentID string         `json:"parent_agent_id,omitempty" db:"parent_agent_id"`
	BatchID       *string        `json:"batch_id,omitempty" db:"batch_id"`
	Result        map[string]any `json:"result,omitempty" db:"-"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty" db:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
}

// Action is a single tool invocation recorded as part of a subtask.
// Input and Output are gzip-compressed opaque blobs.
type Action struct {
	ID         string    `json:"id" db:"id"`
	SubtaskID  string    `json:"subtask_id" db:"subtask_id"`
	SessionID  string    `json:"session_id" db:"session_id"`
	AgentID    string    `json:"agent_id,omitempty" db:"agent_id"`
	ToolName   string    `json:"tool_name" db:"tool_name"`
	ToolType   ToolType  `json:"tool_type" db:"tool_type"`
	Input      []byte    `json:"-" db:"input"`
	Output     []byte    `json:"-" db:"output"`
	ExitCode   int       `json:"exit_code" db:"exit_code"`
	DurationMs int64     `json:"duration_ms" db:"duration_ms"`
	FilePaths  []string  `json:"file_paths,omitempty" db:"-"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// AgentMessage is an inter-agent payload. A nil ToAgent means broadcast.
type AgentMessage struct {
	ID        string         `json:"id" db:"id"`
	FromAgent string         `json:"from_agent" db:"from_agent"`
	ToAgent   *string        `json:"to_agent,omitempty" db:"to_agent"`
	Topic     string         `json:"topic" db:"topic"`
	Content   map[string]any `json:"content" db:"-"`
	Priority  int            `json:"priority" db:"priority"`
	ReadBy    []string       `json:"read_by" db:"-"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty" db:"expires_at"`

	// View tags populated by GetMessages; never persisted.
	AlreadyRead bool `json:"already_read" db:"-"`
	IsBroadcast bool `json:"is_broadcast" db:"-"`
}

// Broadcast reports whether the message is visible to every agent.
func (m *AgentMessage) Broadcast() bool { return m.ToAgent == nil }

// VisibleTo reports whether the message is addressed to the given agent.
func (m *AgentMessage) VisibleTo(agentID string) bool {
	return m.ToAgent == nil || *m.ToAgent == agentID
}

// Live reports whether the message has not expired at the given instant.
func (m *AgentMessage) Live(now time.Time) bool {
	return m.ExpiresAt == nil || m.ExpiresAt.After(now)
}

// ReadByAgent reports whether the agent already read the message.
func (m *AgentMessage) ReadByAgent(agentID string) bool {
	for _, id := range m.ReadBy {
		if id == agentID {
			return true
		}
	}
	return false
}

// AgentContext is a durable per-agent role snapshot, unique per
// (project, agent-id).
type AgentContext struct {
	ID          string         `json:"id" db:"id"`
	ProjectID   string         `json:"project_id" db:"project_id"`
	AgentID     string         `json:"agent_id" db:"agent_id"`
	AgentType   string         `json:"agent_type" db:"agent_type"`
	SessionID   string         `json:"session_id,omitempty" db:"session_id"`
	RoleContext map[string]any `json:"role_context" db:"-"`
	LastUpdated time.Time      `json:"last_updated" db:"last_updated"`
}

// CompactSnapshotType tags agent contexts that hold pre-compaction snapshots.
const CompactSnapshotType = "compact-snapshot"

// Session tracks an agent session lifecycle with rolling counters.
type Session struct {
	ID           string     `json:"id" db:"id"`
	StartedAt    time.Time  `json:"started_at" db:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	RequestCount int        `json:"request_count" db:"request_count"`
	SubtaskCount int        `json:"subtask_count" db:"subtask_count"`
}

// Active reports whether the session has not been closed.
func (s *Session) Active() bool { return s.EndedAt == nil }

// OrchestrationBatch groups subtasks submitted together within a wave and
// carries the aggregated synthesis once the wave completes.
type OrchestrationBatch struct {
	ID          string         `json:"id" db:"id"`
	SessionID   string         `json:"session_id" db:"session_id"`
	WaveNumber  int            `json:"wave_number" db:"wave_number"`
	Status      string         `json:"status" db:"status"`
	Synthesis   map[string]any `json:"synthesis,omitempty" db:"-"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty" db:"completed_at"`
}

// WaveState holds per-(session, wave-number) counters.
// Invariant: CompletedTasks + FailedTasks <= TotalTasks.
type WaveState struct {
	ID             string     `json:"id" db:"id"`
	SessionID      string     `json:"session_id" db:"session_id"`
	WaveNumber     int        `json:"wave_number" db:"wave_number"`
	TotalTasks     int        `json:"total_tasks" db:"total_tasks"`
	CompletedTasks int        `json:"completed_tasks" db:"completed_tasks"`
	FailedTasks    int        `json:"failed_tasks" db:"failed_tasks"`
	Status         WaveStatus `json:"status" db:"status"`
	StartedAt      *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// DurationMs returns the wave duration in milliseconds, or 0 when the wave
// has not both started and completed.
func (w *WaveState) DurationMs() int64 {
	if w.StartedAt == nil || w.CompletedAt == nil {
		return 0
	}
	return w.CompletedAt.Sub(*w.StartedAt).Milliseconds()
}

// AgentCapacity is a rolling token-usage gauge per agent.
type AgentCapacity struct {
	AgentID      string       `json:"agent_id" db:"agent_id"`
	MaxCapacity  int64        `json:"max_capacity" db:"max_capacity"`
	CurrentUsage int64        `json:"current_usage" db:"current_usage"`
	Zone         CapacityZone `json:"zone" db:"zone"`
	UpdatedAt    time.Time    `json:"updated_at" db:"updated_at"`
}

// TokenConsumption is append-only per-action token accounting.
type TokenConsumption struct {
	ID           string    `json:"id" db:"id"`
	ActionID     string    `json:"action_id" db:"action_id"`
	AgentID      string    `json:"agent_id" db:"agent_id"`
	SessionID    string    `json:"session_id" db:"session_id"`
	InputTokens  int64     `json:"input_tokens" db:"input_tokens"`
	OutputTokens int64     `json:"output_tokens" db:"output_tokens"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// KeywordToolScore is a feedback-weighted routing score, unique per
// (keyword, tool-name). Score is clamped to [0, 10].
type KeywordToolScore struct {
	ID           int64      `json:"id" db:"id"`
	Keyword      string     `json:"keyword" db:"keyword"`
	ToolName     string     `json:"tool_name" db:"tool_name"`
	ToolType     ToolType   `json:"tool_type" db:"tool_type"`
	Score        float64    `json:"score" db:"score"`
	UsageCount   int64      `json:"usage_count" db:"usage_count"`
	SuccessCount int64      `json:"success_count" db:"success_count"`
	LastUsed     *time.Time `json:"last_used,omitempty" db:"last_used"`
}

// Blocking records an open blocker/blocked pair between two agents.
type Blocking struct {
	ID           string     `json:"id" db:"id"`
	BlockerAgent string     `json:"blocker_agent" db:"blocker_agent"`
	BlockedAgent string     `json:"blocked_agent" db:"blocked_agent"`
	Reason       string     `json:"reason,omitempty" db:"reason"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
}

// TopicSubscription persists a logical topic subscription so a reconnecting
// agent can be re-wired to its channels.
type TopicSubscription struct {
	ID        string    `json:"id" db:"id"`
	AgentID   string    `json:"agent_id" db:"agent_id"`
	Channel   string    `json:"channel" db:"channel"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// RegistryEntry describes an agent type in the catalog.
type RegistryEntry struct {
	AgentType        string   `json:"agent_type" yaml:"agent_type"`
	Category         string   `json:"category" yaml:"category"`
	AllowedTools     []string `json:"allowed_tools" yaml:"allowed_tools"`
	ForbiddenActions []string `json:"forbidden_actions" yaml:"forbidden_actions"`
	MaxFiles         int      `json:"max_files" yaml:"max_files"`
	WaveAssignments  []int    `json:"wave_assignments" yaml:"wave_assignments"`
	RecommendedModel string   `json:"recommended_model" yaml:"recommended_model"`
}
