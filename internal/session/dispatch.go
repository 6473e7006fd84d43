package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/voxbridge/voxbridge/pkg/s2s"
)

// toolErrorResult is returned to the model when a tool handler fails.
const toolErrorResult = "An error occurred while attempting to retrieve information related to the toolUse event."

// spawnToolDispatch starts one tool dispatch goroutine for the given
// tool-use record. No-op once teardown has begun, so the task WaitGroup is
// never grown concurrently with the close path waiting on it.
func (m *Manager) spawnToolDispatch(tu s2s.ToolUse) {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return
	}
	promptName := m.promptName
	m.toolWG.Add(1)
	m.mu.Unlock()

	m.toolTasks.Add(1)
	go func() {
		defer m.toolWG.Done()
		defer m.toolTasks.Add(-1)
		m.dispatchTool(m.dispatchCtx, promptName, tu)
	}()
}

// dispatchTool runs the handler for one tool use and emits the three-event
// response sequence (contentStart, toolResult, contentEnd) to the backend
// and, with refreshed timestamps, to the egress queue. Handler failures are
// replaced by a fixed error result; nothing here ever tears the session
// down.
func (m *Manager) dispatchTool(ctx context.Context, promptName string, tu s2s.ToolUse) {
	start := time.Now()

	var (
		result any
		err    error
	)
	if m.tools != nil {
		result, err = m.tools.Dispatch(ctx, tu.Name, tu.Content)
	} else {
		result = map[string]any{"result": "no result found"}
	}
	if ctx.Err() != nil {
		// Session teardown cancelled the dispatch; settle without emitting.
		slog.Debug("tool dispatch cancelled", "session_id", m.id, "tool", tu.Name)
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
		slog.Error("tool handler failed",
			"session_id", m.id,
			"tool", tu.Name,
			"tool_use_id", tu.ID,
			"error", err,
		)
		result = map[string]any{"result": toolErrorResult}
	}
	m.metrics.RecordToolCall(ctx, tu.Name, status)
	m.metrics.RecordToolExecution(ctx, tu.Name, time.Since(start).Seconds())

	toolContentName := uuid.NewString()
	events := []s2s.Envelope{
		s2s.ContentStartTool(promptName, toolContentName, tu.ID),
		s2s.ToolResult(promptName, toolContentName, stringifyToolResult(result)),
		s2s.ContentEnd(promptName, toolContentName),
	}
	for _, env := range events {
		if err := m.SendEvent(ctx, env); err != nil {
			slog.Warn("send tool event",
				"session_id", m.id,
				"tool", tu.Name,
				"error", err,
			)
		}
		m.enqueueToolEvent(env)
	}

	slog.Debug("tool dispatch finished",
		"session_id", m.id,
		"tool", tu.Name,
		"tool_use_id", tu.ID,
		"status", status,
	)
}

// enqueueToolEvent converts a dispatcher-built envelope to the egress queue's
// generic form and stamps it with a fresh timestamp.
func (m *Manager) enqueueToolEvent(env s2s.Envelope) {
	evt, err := env.AsMap()
	if err != nil {
		slog.Warn("encode tool event for egress", "session_id", m.id, "error", err)
		return
	}
	evt["timestamp"] = time.Now().UnixMilli()
	m.enqueueEgress(evt)
}

// stringifyToolResult renders a handler result for the toolResult envelope:
// objects are JSON-encoded, strings pass through as-is.
func stringifyToolResult(result any) string {
	if s, ok := result.(string); ok {
		return s
	}
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprint(result)
	}
	return string(b)
}
