package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxbridge/voxbridge/pkg/backend"
	"github.com/voxbridge/voxbridge/pkg/s2s"
)

// runIngress drains the ingress queue and forwards each chunk to the backend
// as an audioInput envelope. Per-chunk send failures are logged and the loop
// continues; audio jitter must not kill the session.
func (m *Manager) runIngress(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-m.ingress.Items():
			env := s2s.AudioInput(chunk.PromptName, chunk.ContentName, chunk.AudioB64)
			if err := m.SendEvent(ctx, env); err != nil {
				slog.Warn("forward audio chunk", "session_id", m.id, "error", err)
			}
		}
	}
}

// runEgress receives the backend's event stream until cancellation, a clean
// end-of-stream or a terminal receive error. Validation-class faults are
// surfaced to the client as error envelopes and the loop continues. The
// caller runs Close once this returns.
func (m *Manager) runEgress(ctx context.Context, stream backend.Stream) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-stream.Chunks():
			if !ok {
				if err := stream.Err(); err != nil {
					m.metrics.RecordBackendError(ctx, "receive")
					slog.Error("backend stream terminated", "session_id", m.id, "error", err)
				} else {
					slog.Info("backend stream ended", "session_id", m.id)
				}
				return
			}
			if chunk.Err != nil {
				if backend.IsValidation(chunk.Err) {
					m.metrics.RecordBackendError(ctx, "validation")
					slog.Warn("backend validation error", "session_id", m.id, "error", chunk.Err)
					m.enqueueEgress(map[string]any{
						"event": map[string]any{
							"error": map[string]any{
								"message": fmt.Sprintf("Validation error: %s", chunk.Err),
							},
						},
					})
					continue
				}
				m.metrics.RecordBackendError(ctx, "receive")
				slog.Error("backend receive failed", "session_id", m.id, "error", chunk.Err)
				return
			}
			m.handleEvent(ctx, chunk.Data)
		}
	}
}

// handleEvent decodes one backend chunk, stamps it, updates tool-use
// bookkeeping and enqueues it for the client. A contentEnd of type TOOL
// spawns a tool dispatch after the triggering event is enqueued, so the
// dispatcher's own events always trail it in the egress queue.
func (m *Manager) handleEvent(ctx context.Context, data []byte) {
	var evt map[string]any
	if err := json.Unmarshal(data, &evt); err != nil {
		m.metrics.RecordBackendError(ctx, "decode")
		slog.Warn("undecodable backend chunk", "session_id", m.id, "error", err)
		m.enqueueEgress(map[string]any{"raw_data": string(data)})
		return
	}
	evt["timestamp"] = time.Now().UnixMilli()

	name, named := s2s.EventName(evt)
	if named {
		m.metrics.RecordEgressEvent(ctx, name)
	}

	var dispatch *s2s.ToolUse
	switch name {
	case "toolUse":
		if tu, ok := s2s.ParseToolUse(evt); ok {
			m.mu.Lock()
			m.pendingTool = &tu
			m.mu.Unlock()
			slog.Debug("tool use requested",
				"session_id", m.id,
				"tool", tu.Name,
				"tool_use_id", tu.ID,
			)
		}
	case "contentEnd":
		if s2s.ContentEndType(evt) == s2s.ContentTypeTool {
			m.mu.Lock()
			dispatch = m.pendingTool
			m.mu.Unlock()
			if dispatch == nil {
				slog.Warn("tool content ended without a pending tool use", "session_id", m.id)
			}
		}
	}

	m.enqueueEgress(evt)

	if dispatch != nil {
		m.spawnToolDispatch(*dispatch)
	}
}

// enqueueEgress puts one event on the egress queue without blocking. On
// overflow the event is dropped and a warning logged; the stream stays up.
func (m *Manager) enqueueEgress(evt map[string]any) {
	if !m.egress.TryPut(evt) {
		m.metrics.RecordQueueDrop(context.Background(), "egress")
		slog.Warn("egress queue full, dropping event",
			"session_id", m.id,
			"dropped_total", m.egress.Drops(),
		)
	}
}
