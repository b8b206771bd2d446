package service

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/dcm/dcm/internal/common/logger"
	"github.com/dcm/dcm/internal/models"
	"github.com/dcm/dcm/internal/store"
)

// ActionService records tool invocations and their token accounting.
// Input and output blobs are gzip-compressed before they reach the store.
type ActionService struct {
	store store.Store
	log   *logger.Logger
}

// NewActionService builds an action service.
func NewActionService(st store.Store, log *logger.Logger) *ActionService {
	return &ActionService{store: st, log: log}
}

// RecordActionInput is the payload for Record.
type RecordActionInput struct {
	SubtaskID    string          `json:"subtask_id"`
	SessionID    string          `json:"session_id"`
	AgentID      string          `json:"agent_id"`
	ToolName     string          `json:"tool_name"`
	ToolType     models.ToolType `json:"tool_type"`
	Input        string          `json:"input"`
	Output       string          `json:"output"`
	ExitCode     int             `json:"exit_code"`
	DurationMs   int64           `json:"duration_ms"`
	FilePaths    []string        `json:"file_paths"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
}

// Record persists one action. When token counts are present, the token
// consumption row and the capacity rollup commit in the same transaction.
func (s *ActionService) Record(ctx context.Context, in RecordActionInput) (*models.Action, error) {
	var v validator
	v.requireNonEmpty("subtask_id", in.SubtaskID)
	v.requireNonEmpty("session_id", in.SessionID)
	v.requireNonEmpty("tool_name", in.ToolName)
	if in.ToolType != "" && !in.ToolType.Valid() {
		v.fail("tool_type", "must be one of builtin, agent, skill, command, mcp")
	}
	if err := v.err(); err != nil {
		return nil, err
	}
	if in.ToolType == "" {
		in.ToolType = models.ToolBuiltin
	}

	input, err := compress(in.Input)
	if err != nil {
		return nil, err
	}
	output, err := compress(in.Output)
	if err != nil {
		return nil, err
	}

	action := &models.Action{
		SubtaskID:  in.SubtaskID,
		SessionID:  in.SessionID,
		AgentID:    in.AgentID,
		ToolName:   in.ToolName,
		ToolType:   in.ToolType,
		Input:      input,
		Output:     output,
		ExitCode:   in.ExitCode,
		DurationMs: in.DurationMs,
		FilePaths:  in.FilePaths,
	}
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateAction(ctx, action); err != nil {
			return err
		}
		if in.InputTokens <= 0 && in.OutputTokens <= 0 {
			return nil
		}
		tc := &models.TokenConsumption{
			ActionID:     action.ID,
			AgentID:      in.AgentID,
			SessionID:    in.SessionID,
			InputTokens:  in.InputTokens,
			OutputTokens: in.OutputTokens,
		}
		if err := tx.RecordTokenConsumption(ctx, tc); err != nil {
			return err
		}
		if in.AgentID == "" {
			return nil
		}
		_, err := tx.RecordCapacityUsage(ctx, in.AgentID, in.InputTokens+in.OutputTokens)
		return err
	})
	if err != nil {
		return nil, err
	}
	return action, nil
}

// Get fetches an action with its blobs decompressed.
func (s *ActionService) Get(ctx context.Context, id string) (*models.Action, string, string, error) {
	action, err := s.store.GetAction(ctx, id)
	if err != nil {
		return nil, "", "", err
	}
	input, err := decompress(action.Input)
	if err != nil {
		return nil, "", "", err
	}
	output, err := decompress(action.Output)
	if err != nil {
		return nil, "", "", err
	}
	return action, input, output, nil
}

// List returns actions matching the filter, newest first. Blobs stay
// compressed; callers fetch individual actions for payload access.
func (s *ActionService) List(ctx context.Context, f store.ActionFilter) ([]*models.Action, error) {
	return s.store.ListActions(ctx, f)
}

// HourlyStats returns per-hour action aggregates since the cutoff.
func (s *ActionService) HourlyStats(ctx context.Context, since time.Time) ([]*store.HourlyActionStat, error) {
	return s.store.HourlyActionStats(ctx, since)
}

// ActiveAgents returns agents with actions since the cutoff.
func (s *ActionService) ActiveAgents(ctx context.Context, since time.Time) ([]*store.ActiveAgent, error) {
	return s.store.ListActiveAgents(ctx, since)
}

func compress(payload string) ([]byte, error) {
	if payload == "" {
		return nil, nil
	}
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write([]byte(payload)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(blob []byte) (string, error) {
	if len(blob) == 0 {
		return "", nil
	}
	r, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return "", err
	}
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
