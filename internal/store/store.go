// Package store defines typed access to the DCM relational schema.
//
// The Store is the sole owner of durable state. Mutations that must be
// observable in real time run inside WithinTx, where Tx.Notify queues a
// NOTIFY payload on the dcm_events channel in the same transaction as the
// write, so commit ordering and notify ordering coincide.
package store

import (
	"context"
	"time"

	"github.com/dcm/dcm/internal/models"
)

// NotifyChannel is the PostgreSQL NOTIFY channel every write-path event
// goes out on. The payload is a JSON {channel, event, data} tuple.
const NotifyChannel = "dcm_events"

// NotifyEvent is the payload relayed from the database to the fan-out layer.
type NotifyEvent struct {
	Channel string         `json:"channel"`
	Event   string         `json:"event"`
	Data    map[string]any `json:"data"`
}

// RequestFilter narrows ListRequests.
type RequestFilter struct {
	ProjectID string
	SessionID string
	Status    models.RequestStatus
	Limit     int
}

// SubtaskFilter narrows ListSubtasks.
type SubtaskFilter struct {
	TaskListID    string
	SessionID     string
	Status        models.SubtaskStatus
	AgentType     string
	AgentID       string
	ParentAgentID string
	Since         *time.Time
	Limit         int
}

// SubtaskPatch carries the mutable subtask fields; nil means unchanged.
type SubtaskPatch struct {
	Status     *models.SubtaskStatus
	Result     map[string]any
	AgentID    *string
	AgentType  *string
	Priority   *int
	RetryCount *int
	BlockedBy  *[]string
}

// ActionFilter narrows ListActions.
type ActionFilter struct {
	SubtaskID string
	SessionID string
	AgentID   string
	ToolName  string
	Since     *time.Time
	Limit     int
}

// MessageFilter narrows GetMessages.
type MessageFilter struct {
	Topic             string
	Since             *time.Time
	IncludeBroadcasts bool
	Limit             int
}

// ContextFilter narrows ListAgentContexts.
type ContextFilter struct {
	ProjectID string
	AgentType string
	SessionID string
}

// HourlyActionStat is one bucket of the hourly action aggregate.
type HourlyActionStat struct {
	Hour          time.Time `json:"hour" db:"hour"`
	Count         int64     `json:"count" db:"count"`
	AvgDurationMs float64   `json:"avg_duration_ms" db:"avg_duration_ms"`
	FailureCount  int64     `json:"failure_count" db:"failure_count"`
}

// ActiveAgent is one row of the active-agents view: agents with recent
// actions joined against their current subtask.
type ActiveAgent struct {
	AgentID          string    `json:"agent_id" db:"agent_id"`
	AgentType        string    `json:"agent_type" db:"agent_type"`
	CurrentSubtaskID string    `json:"current_subtask_id,omitempty" db:"current_subtask_id"`
	ActionCount      int64     `json:"action_count" db:"action_count"`
	LastActionAt     time.Time `json:"last_action_at" db:"last_action_at"`
}

// SessionStats aggregates one session for the dashboard.
type SessionStats struct {
	Session          *models.Session `json:"session"`
	SubtasksByStatus map[string]int  `json:"subtasks_by_status"`
	ActionCount      int64           `json:"action_count"`
	MessageCount     int64           `json:"message_count"`
	TotalTokens      int64           `json:"total_tokens"`
	DurationMs       int64           `json:"duration_ms"`
}

// RoutingStats aggregates the keyword_tool_scores table.
type RoutingStats struct {
	TotalKeywords int64                      `json:"total_keywords"`
	TotalTools    int64                      `json:"total_tools"`
	TotalUsage    int64                      `json:"total_usage"`
	TopByUsage    []*models.KeywordToolScore `json:"top_by_usage"`
	TopByScore    []*models.KeywordToolScore `json:"top_by_score"`
	ByToolType    map[string]int64           `json:"by_tool_type"`
}

// Stats holds per-table row counts plus dashboard aggregates.
type Stats struct {
	TableCounts   map[string]int64 `json:"table_counts"`
	OpenBlockings int64            `json:"open_blockings"`
	UnreadDirect  int64            `json:"unread_direct_messages"`
}

// Metrics is the compact aggregate behind the periodic metric.update event.
type Metrics struct {
	ActiveSessions    int64   `json:"active_sessions"`
	ActiveAgents      int64   `json:"active_agents"`
	PendingTasks      int64   `json:"pending_tasks"`
	RunningTasks      int64   `json:"running_tasks"`
	CompletedLastHour int64   `json:"completed_last_hour"`
	MessagesLastHour  int64   `json:"messages_last_hour"`
	ActionsPerMinute  float64 `json:"actions_per_minute"`
	AvgTaskDurationMs float64 `json:"avg_task_duration_ms"`
}

// Hierarchy is the joined project → requests → task-lists → subtasks view,
// produced by a single statement rather than N+1 loops.
type Hierarchy struct {
	Project  *models.Project     `json:"project"`
	Requests []*HierarchyRequest `json:"requests"`
}

// HierarchyRequest is one request with its task-lists.
type HierarchyRequest struct {
	models.Request
	TaskLists []*HierarchyTaskList `json:"task_lists"`
}

// HierarchyTaskList is one task-list with its subtasks.
type HierarchyTaskList struct {
	models.TaskList
	Subtasks []*models.Subtask `json:"subtasks"`
}

// Queries is the per-entity operation set, available both on the pooled
// Store and inside a transaction.
type Queries interface {
	// Projects
	UpsertProject(ctx context.Context, p *models.Project) (*models.Project, error)
	GetProject(ctx context.Context, id string) (*models.Project, error)
	GetProjectByPath(ctx context.Context, path string) (*models.Project, error)
	ListProjects(ctx context.Context) ([]*models.Project, error)
	DeleteProject(ctx context.Context, id string) error
	GetHierarchy(ctx context.Context, projectID string) (*Hierarchy, error)

	// Requests
	CreateRequest(ctx context.Context, r *models.Request) error
	GetRequest(ctx context.Context, id string) (*models.Request, error)
	ListRequests(ctx context.Context, f RequestFilter) ([]*models.Request, error)
	UpdateRequestStatus(ctx context.Context, id string, status models.RequestStatus) (*models.Request, error)
	DeleteRequest(ctx context.Context, id string) error

	// Task lists
	CreateTaskList(ctx context.Context, tl *models.TaskList) error
	GetTaskList(ctx context.Context, id string) (*models.TaskList, error)
	ListTaskLists(ctx context.Context, requestID string) ([]*models.TaskList, error)
	UpdateTaskListStatus(ctx context.Context, id string, status models.TaskListStatus) error

	// Subtasks
	CreateSubtask(ctx context.Context, s *models.Subtask) error
	GetSubtask(ctx context.Context, id string) (*models.Subtask, error)
	ListSubtasks(ctx context.Context, f SubtaskFilter) ([]*models.Subtask, error)
	UpdateSubtask(ctx context.Context, id string, patch SubtaskPatch) (*models.Subtask, error)
	DeleteSubtask(ctx context.Context, id string) error
	CloseSessionSubtasks(ctx context.Context, sessionID string, result map[string]any) ([]*models.Subtask, error)
	FailStuckSubtasks(ctx context.Context, startedBefore, activeSince time.Time, result map[string]any) (int64, error)

	// Actions
	CreateAction(ctx context.Context, a *models.Action) error
	GetAction(ctx context.Context, id string) (*models.Action, error)
	ListActions(ctx context.Context, f ActionFilter) ([]*models.Action, error)
	HourlyActionStats(ctx context.Context, since time.Time) ([]*HourlyActionStat, error)
	RecordTokenConsumption(ctx context.Context, tc *models.TokenConsumption) error
	ListActiveAgents(ctx context.Context, since time.Time) ([]*ActiveAgent, error)

	// Sessions
	UpsertSession(ctx context.Context, id string) (*models.Session, bool, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	EndSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, activeOnly bool) ([]*models.Session, error)
	SessionStats(ctx context.Context, id string) (*SessionStats, error)
	CloseOrphanedSessions(ctx context.Context, startedBefore, activeSince time.Time) (int64, error)
	BumpSessionCounters(ctx context.Context, id string, requests, subtasks int) error

	// Messages
	CreateMessage(ctx context.Context, m *models.AgentMessage) error
	GetMessage(ctx context.Context, id string) (*models.AgentMessage, error)
	GetMessages(ctx context.Context, agentID string, f MessageFilter) ([]*models.AgentMessage, error)
	MarkMessageRead(ctx context.Context, agentID, messageID string) (bool, error)
	DeleteExpiredMessages(ctx context.Context, now time.Time) (int64, error)
	DeleteReadBroadcasts(ctx context.Context, createdBefore time.Time) (int64, error)

	// Agent contexts
	UpsertAgentContext(ctx context.Context, ac *models.AgentContext) (*models.AgentContext, error)
	GetAgentContext(ctx context.Context, projectID, agentID string) (*models.AgentContext, error)
	ListAgentContexts(ctx context.Context, f ContextFilter) ([]*models.AgentContext, error)
	DeleteStaleContexts(ctx context.Context, updatedBefore, activeSince time.Time) (int64, error)
	DeleteOldSnapshots(ctx context.Context, updatedBefore time.Time) (int64, error)
	LatestSnapshot(ctx context.Context, sessionID string) (*models.AgentContext, error)

	// Wave states
	GetOrCreateWave(ctx context.Context, sessionID string, waveNumber int) (*models.WaveState, error)
	GetWave(ctx context.Context, sessionID string, waveNumber int) (*models.WaveState, error)
	StartWave(ctx context.Context, sessionID string, waveNumber int) (*models.WaveState, error)
	CompleteWaveTask(ctx context.Context, sessionID string, waveNumber int, failed bool) (*models.WaveState, error)
	FinishWave(ctx context.Context, sessionID string, waveNumber int, status models.WaveStatus) (*models.WaveState, error)
	AdjustWaveTotals(ctx context.Context, sessionID string, waveNumber, delta int) (*models.WaveState, error)
	ListWaves(ctx context.Context, sessionID string) ([]*models.WaveState, error)
	RunningWave(ctx context.Context, sessionID string) (*models.WaveState, error)
	LatestPendingWave(ctx context.Context, sessionID string) (*models.WaveState, error)
	LatestCompletedWave(ctx context.Context, sessionID string) (*models.WaveState, error)
	SynthesizeWaveHistory(ctx context.Context, sessionID string) ([]*models.WaveState, error)

	// Orchestration batches
	CreateBatch(ctx context.Context, b *models.OrchestrationBatch) error
	GetBatch(ctx context.Context, id string) (*models.OrchestrationBatch, error)
	ListBatches(ctx context.Context, sessionID string) ([]*models.OrchestrationBatch, error)
	CompleteBatch(ctx context.Context, id string, synthesis map[string]any) (*models.OrchestrationBatch, error)

	// Agent capacity
	SetCapacityLimit(ctx context.Context, agentID string, max int64) (*models.AgentCapacity, error)
	RecordCapacityUsage(ctx context.Context, agentID string, tokens int64) (*models.AgentCapacity, error)
	GetCapacity(ctx context.Context, agentID string) (*models.AgentCapacity, error)
	ListCapacities(ctx context.Context) ([]*models.AgentCapacity, error)

	// Routing scores
	GetKeywordScores(ctx context.Context, keywords []string) ([]*models.KeywordToolScore, error)
	UpsertKeywordScore(ctx context.Context, keyword, toolName string, toolType models.ToolType, nudge float64, success bool) (*models.KeywordToolScore, error)
	RoutingStats(ctx context.Context, topN int) (*RoutingStats, error)
	RecordRoutingFeedback(ctx context.Context, accepted bool) error
	RoutingAccuracy(ctx context.Context, since time.Time) (accepted, total int64, err error)

	// Blockings
	CreateBlocking(ctx context.Context, b *models.Blocking) (bool, error)
	ResolveBlockings(ctx context.Context, blocker, blocked string) (int64, error)
	IsBlocked(ctx context.Context, agentID string) (bool, error)
	ListBlockings(ctx context.Context, openOnly bool) ([]*models.Blocking, error)

	// Persisted channel subscriptions
	UpsertSubscription(ctx context.Context, agentID, channel string) error
	DeleteSubscription(ctx context.Context, agentID, channel string) error
	ListSubscriptions(ctx context.Context, agentID string) ([]string, error)
}

// Tx is a unit of work. Notify queues a {channel, event, data} payload that
// becomes visible to listeners iff the transaction commits, in commit order.
type Tx interface {
	Queries
	Notify(ctx context.Context, channel, event string, data map[string]any) error
}

// Store is the full contract implemented by the PostgreSQL store and the
// in-memory test store.
type Store interface {
	Queries

	// WithinTx runs fn inside one transaction; commit on nil, roll back on
	// error. Nested calls are not supported.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	// Health performs a trivial round-trip and returns its latency.
	Health(ctx context.Context) (time.Duration, error)

	// Stats returns row counts per table and dashboard aggregates.
	Stats(ctx context.Context) (*Stats, error)

	// Metrics returns the compact aggregate behind metric.update.
	Metrics(ctx context.Context) (*Metrics, error)

	Close() error
}
