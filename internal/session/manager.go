// Package session implements the bidirectional conversation session at the
// heart of VoxBridge. A [Manager] owns one client-to-backend conversation:
// the backend stream handle, a bounded ingress queue of client audio, a
// bounded egress queue of backend events, an ingress pump forwarding audio
// to the backend, an egress pump receiving the backend's event stream, and
// one goroutine per in-flight tool dispatch.
//
// Sessions move through a monotonic state machine
// (Created, Initializing, Active, Closing, Closed) and never resurrect.
// All exported methods are safe for concurrent use.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/pkg/backend"
	"github.com/voxbridge/voxbridge/pkg/s2s"
)

// Queue capacities. Both queues drop the newest item on overflow rather than
// blocking the producer or tearing down the stream.
const (
	ingressCapacity = 100
	egressCapacity  = 200
)

// State identifies a point in the session lifecycle. Transitions are
// monotonic; a session never returns to an earlier state.
type State int

// Session lifecycle states in transition order.
const (
	StateCreated State = iota
	StateInitializing
	StateActive
	StateClosing
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// AudioChunk is one client audio record awaiting forwarding to the backend.
// Audio is already base64-framed for the wire by the client adapter.
type AudioChunk struct {
	PromptName  string
	ContentName string
	AudioB64    string
}

// ToolHandler resolves tool-use requests from the model. Implementations
// must be safe for concurrent use; [github.com/voxbridge/voxbridge/internal/tools.Registry]
// is the standard one.
type ToolHandler interface {
	// Dispatch runs the named tool with the toolUse content and returns its
	// result. Name matching is implementation-defined (the standard registry
	// is case-insensitive).
	Dispatch(ctx context.Context, name string, content map[string]any) (any, error)
}

// Config carries the parameters for a [Manager].
type Config struct {
	// Region is the backend region, recorded for logging.
	Region string

	// ModelID selects the inference model for the bidirectional stream.
	ModelID string

	// Provider opens the backend stream. Required.
	Provider backend.Provider

	// Tools resolves tool-use requests. Optional; when nil every tool-use
	// resolves to "no result found".
	Tools ToolHandler

	// Metrics receives session gauge, queue drop and tool call updates.
	// Defaults to [observe.DefaultMetrics] when nil.
	Metrics *observe.Metrics
}

// Stats is a point-in-time snapshot of session counters.
type Stats struct {
	State        State
	IngressLen   int
	IngressDrops int64
	EgressLen    int
	EgressDrops  int64
	ToolTasks    int
}

// Manager owns one bidirectional conversation session.
type Manager struct {
	id      string
	region  string
	modelID string

	provider backend.Provider
	tools    ToolHandler
	metrics  *observe.Metrics

	ingress *Queue[AudioChunk]
	egress  *Queue[map[string]any]

	mu               sync.Mutex
	state            State
	stream           backend.Stream
	startedAt        time.Time
	promptName       string
	contentName      string
	audioContentName string
	pendingTool      *s2s.ToolUse

	// sendMu serializes writes to the backend input stream across the
	// ingress pump, tool dispatchers and the client adapter.
	sendMu sync.Mutex

	pumpCtx    context.Context
	pumpCancel context.CancelFunc
	pumpWG     sync.WaitGroup

	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc
	toolWG         sync.WaitGroup
	toolTasks      atomic.Int64

	// done is closed once the session reaches Closed.
	done chan struct{}
}

// NewManager creates a session in the Created state. The backend is not
// touched until [Manager.Initialize].
func NewManager(cfg Config) *Manager {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	pumpCtx, pumpCancel := context.WithCancel(context.Background())
	dispatchCtx, dispatchCancel := context.WithCancel(context.Background())
	return &Manager{
		id:             uuid.NewString(),
		region:         cfg.Region,
		modelID:        cfg.ModelID,
		provider:       cfg.Provider,
		tools:          cfg.Tools,
		metrics:        metrics,
		ingress:        NewQueue[AudioChunk](ingressCapacity),
		egress:         NewQueue[map[string]any](egressCapacity),
		state:          StateCreated,
		pumpCtx:        pumpCtx,
		pumpCancel:     pumpCancel,
		dispatchCtx:    dispatchCtx,
		dispatchCancel: dispatchCancel,
		done:           make(chan struct{}),
	}
}

// ID returns the session identifier used in logs.
func (m *Manager) ID() string { return m.id }

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Active reports whether the session is between successful initialization
// and the start of teardown.
func (m *Manager) Active() bool {
	return m.State() == StateActive
}

// Done returns a channel closed once the session reaches Closed.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Events returns the egress queue's receive side. Clients drain it until
// [Manager.Done] fires; the channel itself is never closed.
func (m *Manager) Events() <-chan map[string]any { return m.egress.Items() }

// Stats returns a snapshot of the session's counters.
func (m *Manager) Stats() Stats {
	return Stats{
		State:        m.State(),
		IngressLen:   m.ingress.Len(),
		IngressDrops: m.ingress.Drops(),
		EgressLen:    m.egress.Len(),
		EgressDrops:  m.egress.Drops(),
		ToolTasks:    int(m.toolTasks.Load()),
	}
}

// SetPromptName records the client's prompt correlation name.
func (m *Manager) SetPromptName(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promptName = name
}

// PromptName returns the current prompt correlation name.
func (m *Manager) PromptName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.promptName
}

// SetContentName records the client's text content correlation name.
func (m *Manager) SetContentName(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contentName = name
}

// ContentName returns the current text content correlation name.
func (m *Manager) ContentName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contentName
}

// SetAudioContentName records the client's audio content correlation name.
func (m *Manager) SetAudioContentName(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioContentName = name
}

// AudioContentName returns the current audio content correlation name.
func (m *Manager) AudioContentName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioContentName
}

// Initialize opens the backend bidirectional stream and spawns both pumps.
// It may be called once, from the Created state. On failure the session
// lands in Closed and the returned error matches *backend.InitError via
// errors.As.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateCreated {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("session %s: initialize from state %s", m.id, state)
	}
	m.setStateLocked(StateInitializing)
	m.mu.Unlock()

	stream, err := m.provider.Open(ctx, m.modelID)
	if err != nil {
		m.mu.Lock()
		if m.state == StateInitializing {
			m.setStateLocked(StateClosed)
			m.mu.Unlock()
			close(m.done)
		} else {
			// A concurrent Close owns the teardown and the done channel.
			m.mu.Unlock()
		}
		var initErr *backend.InitError
		if !errors.As(err, &initErr) {
			err = &backend.InitError{ModelID: m.modelID, Err: err}
		}
		return fmt.Errorf("session %s: %w", m.id, err)
	}

	m.mu.Lock()
	if m.state != StateInitializing {
		// Close raced with initialization; release the fresh stream.
		m.mu.Unlock()
		_ = stream.Close()
		return fmt.Errorf("session %s: closed during initialization", m.id)
	}
	m.stream = stream
	m.startedAt = time.Now()
	m.setStateLocked(StateActive)

	m.pumpWG.Add(2)
	go func() {
		defer m.pumpWG.Done()
		m.runIngress(m.pumpCtx)
	}()
	go func() {
		m.runEgress(m.pumpCtx, stream)
		// Release the wait group before Close so the teardown's own
		// pump wait cannot deadlock on this goroutine.
		m.pumpWG.Done()
		m.Close()
	}()
	m.mu.Unlock()

	m.metrics.SessionStarted(ctx)
	slog.Info("session initialized",
		"session_id", m.id,
		"model_id", m.modelID,
		"region", m.region,
	)
	return nil
}

// SendEvent JSON-encodes the envelope and writes it to the backend input
// stream. evt is either an [s2s.Envelope] or a generic map decoded from the
// client. Sending a sessionEnd envelope triggers [Manager.Close] after the
// write. Send failures are returned for the caller to log; they do not tear
// the session down.
func (m *Manager) SendEvent(ctx context.Context, evt any) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("session %s: encode event: %w", m.id, err)
	}

	m.mu.Lock()
	stream := m.stream
	m.mu.Unlock()
	if stream == nil {
		return fmt.Errorf("session %s: send on closed session", m.id)
	}

	m.sendMu.Lock()
	err = stream.Send(ctx, payload)
	m.sendMu.Unlock()
	if err != nil {
		return fmt.Errorf("session %s: send event: %w", m.id, err)
	}

	if isSessionEnd(evt) {
		m.Close()
	}
	return nil
}

// EnqueueAudio puts one audio chunk on the ingress queue without blocking.
// When the queue is full the chunk is dropped and a warning logged.
func (m *Manager) EnqueueAudio(promptName, contentName, audioB64 string) {
	ok := m.ingress.TryPut(AudioChunk{
		PromptName:  promptName,
		ContentName: contentName,
		AudioB64:    audioB64,
	})
	if !ok {
		m.metrics.RecordQueueDrop(context.Background(), "ingress")
		slog.Warn("ingress queue full, dropping audio chunk",
			"session_id", m.id,
			"dropped_total", m.ingress.Drops(),
		)
	}
}

// Close tears the session down: cancels both pumps and all tool dispatches,
// waits for them to settle, closes the backend stream (errors ignored),
// empties both queues and clears the correlation names. It is idempotent
// and callable from any state; concurrent callers block until the first
// teardown finishes.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.state == StateClosing || m.state == StateClosed {
		m.mu.Unlock()
		<-m.done
		return
	}
	wasActive := m.state == StateActive
	startedAt := m.startedAt
	m.setStateLocked(StateClosing)
	stream := m.stream
	m.promptName = ""
	m.contentName = ""
	m.audioContentName = ""
	m.pendingTool = nil
	m.mu.Unlock()

	// Stop feeding the backend and stop the egress loop.
	m.pumpCancel()

	// Cancel in-flight tool dispatches and wait for them to settle.
	m.dispatchCancel()
	m.toolWG.Wait()

	if stream != nil {
		_ = stream.Close()
	}
	m.pumpWG.Wait()

	// Nothing can enqueue anymore; empty both queues.
	m.ingress.Drain()
	m.egress.Drain()

	m.mu.Lock()
	m.stream = nil
	m.setStateLocked(StateClosed)
	m.mu.Unlock()

	if wasActive {
		m.metrics.SessionEnded(context.Background(), time.Since(startedAt).Seconds())
	}
	close(m.done)
	slog.Info("session closed",
		"session_id", m.id,
		"ingress_drops", m.ingress.Drops(),
		"egress_drops", m.egress.Drops(),
	)
}

// setStateLocked advances the state machine. Callers hold m.mu.
func (m *Manager) setStateLocked(next State) {
	if m.state == next {
		return
	}
	slog.Debug("session state change",
		"session_id", m.id,
		"from", m.state,
		"to", next,
	)
	m.state = next
}

// isSessionEnd reports whether evt is a sessionEnd envelope in either typed
// or generic-map form.
func isSessionEnd(evt any) bool {
	switch v := evt.(type) {
	case s2s.Envelope:
		return v.Event.SessionEnd != nil
	case *s2s.Envelope:
		return v.Event.SessionEnd != nil
	case map[string]any:
		if name, ok := s2s.EventName(v); ok {
			return name == "sessionEnd"
		}
	}
	return false
}
