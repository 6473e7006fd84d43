// Package gateway serves the WebSocket front end of the proxy. Each
// connection on /ws owns one bidirectional session: client JSON messages are
// routed into the session (typed text through a [TextAgent], audio and
// protocol envelopes through the session input driver) and egress events
// stream back to the client as JSON. The gateway also mounts the health and
// metrics endpoints so the whole HTTP surface comes from one handler.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxbridge/voxbridge/internal/health"
	"github.com/voxbridge/voxbridge/internal/observe"
	"github.com/voxbridge/voxbridge/internal/session"
	"github.com/voxbridge/voxbridge/pkg/backend"
	"github.com/voxbridge/voxbridge/pkg/s2s"
)

// errorWriteTimeout bounds the best-effort error frame sent during teardown.
const errorWriteTimeout = time.Second

// Config carries the dependencies for a [Gateway].
type Config struct {
	// Provider opens backend streams for new sessions. Required.
	Provider backend.Provider

	// Region and ModelID parametrize every session.
	Region  string
	ModelID string

	// Tools resolves tool-use requests. Optional.
	Tools session.ToolHandler

	// DefaultVoice is the synthesized voice used when the client does not
	// pass voice_id. Empty selects [s2s.DefaultVoiceID].
	DefaultVoice string

	// NewAgent builds the text agent for a session. Nil selects
	// [NewPassthroughAgent].
	NewAgent func(*session.Manager) TextAgent

	// Sessions tracks live sessions for shutdown and introspection. Nil
	// creates a registry private to this gateway.
	Sessions *session.Registry

	// Health serves /ping and /health. Nil installs a handler without
	// checkers.
	Health *health.Handler

	// Metrics records session and HTTP instruments. Nil selects
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Gateway accepts WebSocket sessions and serves the operational endpoints.
type Gateway struct {
	provider backend.Provider
	region   string
	modelID  string
	tools    session.ToolHandler
	newAgent func(*session.Manager) TextAgent
	sessions *session.Registry
	health   *health.Handler
	metrics  *observe.Metrics

	// voiceMu guards voice, which config reloads may change between
	// connections. A session keeps the voice it was opened with.
	voiceMu sync.RWMutex
	voice   string
}

// New creates a gateway. Optional Config fields are filled with their
// defaults.
func New(cfg Config) *Gateway {
	voice := cfg.DefaultVoice
	if voice == "" {
		voice = s2s.DefaultVoiceID
	}
	newAgent := cfg.NewAgent
	if newAgent == nil {
		newAgent = NewPassthroughAgent
	}
	sessions := cfg.Sessions
	if sessions == nil {
		sessions = session.NewRegistry()
	}
	h := cfg.Health
	if h == nil {
		h = health.New()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Gateway{
		provider: cfg.Provider,
		region:   cfg.Region,
		modelID:  cfg.ModelID,
		tools:    cfg.Tools,
		voice:    voice,
		newAgent: newAgent,
		sessions: sessions,
		health:   h,
		metrics:  metrics,
	}
}

// Sessions returns the registry of this gateway's live sessions.
func (g *Gateway) Sessions() *session.Registry { return g.sessions }

// SetDefaultVoice changes the voice used by sessions opened from now on.
// Empty values are ignored.
func (g *Gateway) SetDefaultVoice(voice string) {
	if voice == "" {
		return
	}
	g.voiceMu.Lock()
	g.voice = voice
	g.voiceMu.Unlock()
}

func (g *Gateway) defaultVoice() string {
	g.voiceMu.RLock()
	defer g.voiceMu.RUnlock()
	return g.voice
}

// Handler returns the full HTTP surface: /ws sessions, /ping, /health and
// /metrics, wrapped in the tracing middleware.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", g.handleSession)
	mux.Handle("GET /metrics", promhttp.Handler())
	g.health.Register(mux)
	return observe.Middleware(g.metrics)(mux)
}

// handleSession upgrades the connection, opens a backend session and runs
// the read and write loops until either side ends the conversation.
func (g *Gateway) handleSession(w http.ResponseWriter, r *http.Request) {
	// Voice clients are not browsers; origin verification is skipped.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		observe.Logger(r.Context()).Warn("websocket accept failed", "err", err)
		return
	}

	voice, voiceFromQuery := g.resolveVoice(r)

	sess := session.NewManager(session.Config{
		Region:   g.region,
		ModelID:  g.modelID,
		Provider: g.provider,
		Tools:    g.tools,
		Metrics:  g.metrics,
	})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	log := observe.Logger(ctx).With("session_id", sess.ID())
	log.Info("client connected", "remote", r.RemoteAddr, "voice", voice)

	if err := sess.Initialize(ctx); err != nil {
		log.Error("session initialization failed", "err", err)
		writeErrorFrame(conn, err.Error())
		_ = conn.Close(websocket.StatusInternalError, "initialization failed")
		return
	}

	g.sessions.Add(sess)
	defer g.sessions.Remove(sess.ID())

	ws := &wsSession{
		conn:           conn,
		sess:           sess,
		agent:          g.newAgent(sess),
		ctx:            ctx,
		cancel:         cancel,
		voice:          voice,
		voiceFromQuery: voiceFromQuery,
		log:            log,
	}
	ws.run()
}

// resolveVoice picks the synthesized voice: an explicit voice_id query
// parameter wins, then the configured default.
func (g *Gateway) resolveVoice(r *http.Request) (voice string, fromQuery bool) {
	if v := r.URL.Query().Get("voice_id"); v != "" {
		return v, true
	}
	return g.defaultVoice(), false
}

// wsSession is the per-connection state shared by the read and write loops.
type wsSession struct {
	conn           *websocket.Conn
	sess           *session.Manager
	agent          TextAgent
	ctx            context.Context
	cancel         context.CancelFunc
	voice          string
	voiceFromQuery bool
	log            *slog.Logger
}

// run drives the connection to completion and tears everything down.
func (s *wsSession) run() {
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		defer s.cancel()
		s.writeLoop()
	}()

	readErr := s.readLoop()

	ended := false
	select {
	case <-s.sess.Done():
		ended = true
	default:
	}

	switch {
	case ended:
		s.log.Info("session ended")
	case s.ctx.Err() != nil || isDisconnect(readErr):
		s.log.Info("client disconnected")
	default:
		s.log.Error("closing connection after error", "err", readErr)
		writeErrorFrame(s.conn, readErr.Error())
	}

	s.sess.Close()
	s.cancel()
	<-writeDone
	_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	s.log.Info("connection closed")
}

// readLoop pumps client messages until the connection or session ends.
// type:"text_input" goes to the agent; every other JSON message is a
// protocol envelope routed into the session.
func (s *wsSession) readLoop() error {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			return err
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("discarding client message that is not valid JSON", "err", err)
			continue
		}
		if t, _ := msg["type"].(string); t == "text_input" {
			text, _ := msg["text"].(string)
			s.log.Info("received text input", "chars", len(text))
			if err := s.agent.Send(s.ctx, text); err != nil {
				return err
			}
			continue
		}
		s.route(msg)
	}
}

// route forwards one client envelope into the session. audioInput goes
// through the bounded ingress queue; promptStart and contentStart update the
// session correlation names before the envelope is sent on.
func (s *wsSession) route(msg map[string]any) {
	name, ok := s2s.EventName(msg)
	if !ok {
		s.log.Warn("discarding client message without event name")
		return
	}
	body := s2s.EventBody(msg, name)

	switch name {
	case "audioInput":
		promptName := s2s.StringField(body, "promptName")
		contentName := s2s.StringField(body, "contentName")
		content := s2s.StringField(body, "content")
		if promptName == "" || contentName == "" || content == "" {
			s.log.Warn("audioInput missing required fields")
			return
		}
		s.sess.EnqueueAudio(promptName, contentName, content)
		return
	case "promptStart":
		if n := s2s.StringField(body, "promptName"); n != "" {
			s.sess.SetPromptName(n)
		}
		s.applyVoice(body)
	case "contentStart":
		if n := s2s.StringField(body, "contentName"); n != "" {
			if s2s.StringField(body, "type") == s2s.ContentTypeAudio {
				s.sess.SetAudioContentName(n)
			} else {
				s.sess.SetContentName(n)
			}
		}
	}

	if err := s.sess.SendEvent(s.ctx, msg); err != nil {
		// Send failures do not end the conversation; when the stream is
		// terminally broken the egress pump notices and closes the session.
		s.log.Warn("forward to backend failed", "event", name, "err", err)
	}
}

// applyVoice stamps the selected voice onto a promptStart envelope. A voice
// chosen via the voice_id query parameter overrides whatever the envelope
// carries; otherwise the envelope keeps its own voiceId and the default only
// fills the gap. A promptStart without audioOutputConfiguration gets the
// full default output block.
func (s *wsSession) applyVoice(body map[string]any) {
	cfg, ok := body["audioOutputConfiguration"].(map[string]any)
	if !ok {
		body["audioOutputConfiguration"] = audioOutputMap(s.voice)
		return
	}
	if s.voiceFromQuery || s2s.StringField(cfg, "voiceId") == "" {
		cfg["voiceId"] = s.voice
	}
}

// audioOutputMap is [s2s.DefaultAudioOutputConfig] in the generic map shape
// of a raw client envelope, with the given voice.
func audioOutputMap(voice string) map[string]any {
	def := s2s.DefaultAudioOutputConfig
	return map[string]any{
		"mediaType":       def.MediaType,
		"sampleRateHertz": def.SampleRateHertz,
		"sampleSizeBits":  def.SampleSizeBits,
		"channelCount":    def.ChannelCount,
		"voiceId":         voice,
		"encoding":        def.Encoding,
		"audioType":       def.AudioType,
	}
}

// writeLoop forwards egress events to the client until the session ends or
// the connection breaks.
func (s *wsSession) writeLoop() {
	for {
		select {
		case evt := <-s.sess.Events():
			data, err := json.Marshal(evt)
			if err != nil {
				s.log.Warn("dropping egress event that failed to encode", "err", err)
				continue
			}
			if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
				s.log.Warn("egress write failed", "err", err)
				return
			}
		case <-s.sess.Done():
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// writeErrorFrame sends the client-visible error message. Best effort: the
// connection may already be gone.
func writeErrorFrame(conn *websocket.Conn, msg string) {
	data, err := json.Marshal(map[string]any{"type": "error", "message": msg})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), errorWriteTimeout)
	defer cancel()
	_ = conn.Write(ctx, websocket.MessageText, data)
}

// isDisconnect reports whether err is the client going away rather than a
// protocol or session failure.
func isDisconnect(err error) bool {
	if websocket.CloseStatus(err) != -1 {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
