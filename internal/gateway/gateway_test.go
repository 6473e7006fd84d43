package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxbridge/voxbridge/internal/session"
	"github.com/voxbridge/voxbridge/pkg/backend"
	backendmock "github.com/voxbridge/voxbridge/pkg/backend/mock"
	"github.com/voxbridge/voxbridge/pkg/s2s"
)

// ─── helpers ──────────────────────────────────────────────────────────────────

// newTestGateway serves the full handler from an httptest server backed by a
// scripted mock stream.
func newTestGateway(t *testing.T, cfg Config) (*Gateway, *httptest.Server, *backendmock.Stream) {
	t.Helper()
	stream := backendmock.NewStream()
	if cfg.Provider == nil {
		cfg.Provider = &backendmock.Provider{Stream: stream}
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.ModelID == "" {
		cfg.ModelID = "amazon.nova-sonic-v1:0"
	}
	g := New(cfg)
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)
	return g, srv, stream
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// dialWS connects a test client to the session endpoint. query is either
// empty or a full "?key=value" string.
func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 3*time.Second)
	defer cancel()
	u := wsURL(srv) + "/ws" + query
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", u, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal client message: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write client message: %v", err)
	}
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read client message: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode client message %q: %v", data, err)
	}
	return m
}

// waitUntil polls cond until it returns true or the timeout expires.
func waitUntil(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

// envMap renders an envelope the way a client would put it on the wire.
func envMap(t *testing.T, env s2s.Envelope) map[string]any {
	t.Helper()
	m, err := env.AsMap()
	if err != nil {
		t.Fatalf("envelope to map: %v", err)
	}
	return m
}

// sentNames decodes every payload sent to the backend into its event name.
func sentNames(stream *backendmock.Stream) []string {
	var names []string
	for _, p := range stream.Sent() {
		var env map[string]any
		if err := json.Unmarshal(p, &env); err != nil {
			continue
		}
		if name, ok := s2s.EventName(env); ok {
			names = append(names, name)
		}
	}
	return names
}

// sentEnvelope decodes the i-th payload sent to the backend.
func sentEnvelope(t *testing.T, stream *backendmock.Stream, i int) map[string]any {
	t.Helper()
	sent := stream.Sent()
	if i >= len(sent) {
		t.Fatalf("backend received %d payloads, want index %d", len(sent), i)
	}
	var env map[string]any
	if err := json.Unmarshal(sent[i], &env); err != nil {
		t.Fatalf("decode backend payload %d: %v", i, err)
	}
	return env
}

// recordingAgent captures every text utterance handed to it.
type recordingAgent struct {
	mu    sync.Mutex
	texts []string
}

func (a *recordingAgent) Send(_ context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.texts = append(a.texts, text)
	return nil
}

func (a *recordingAgent) recorded() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.texts...)
}

// ─── session flow ─────────────────────────────────────────────────────────────

func TestGateway_HappyAudioTurn(t *testing.T) {
	t.Parallel()
	_, srv, stream := newTestGateway(t, Config{})
	conn := dialWS(t, srv, "")

	audio := base64.StdEncoding.EncodeToString([]byte("pcm-frame"))

	writeJSON(t, conn, envMap(t, s2s.SessionStart(nil)))
	writeJSON(t, conn, envMap(t, s2s.PromptStart("p1", nil, nil)))
	writeJSON(t, conn, envMap(t, s2s.ContentStartAudio("p1", "a1", nil)))
	writeJSON(t, conn, envMap(t, s2s.AudioInput("p1", "a1", audio)))
	writeJSON(t, conn, envMap(t, s2s.AudioInput("p1", "a1", audio)))

	// Audio flows through the bounded ingress queue; let it flush before
	// the direct contentEnd so the order assertion is deterministic.
	if !waitUntil(2*time.Second, func() bool { return stream.SentCount() >= 5 }) {
		t.Fatalf("backend received %d payloads, want 5", stream.SentCount())
	}

	writeJSON(t, conn, envMap(t, s2s.ContentEnd("p1", "a1")))
	writeJSON(t, conn, envMap(t, s2s.PromptEnd("p1")))
	if !waitUntil(2*time.Second, func() bool { return stream.SentCount() >= 7 }) {
		t.Fatalf("backend received %d payloads, want 7", stream.SentCount())
	}

	want := []string{"sessionStart", "promptStart", "contentStart", "audioInput", "audioInput", "contentEnd", "promptEnd"}
	got := sentNames(stream)
	if len(got) != len(want) {
		t.Fatalf("backend event names = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("backend event %d = %q, want %q", i, got[i], want[i])
		}
	}

	body := s2s.EventBody(sentEnvelope(t, stream, 3), "audioInput")
	if got := s2s.StringField(body, "content"); got != audio {
		t.Errorf("forwarded audio = %q, want %q", got, audio)
	}
}

func TestGateway_EgressForwarding(t *testing.T) {
	t.Parallel()
	_, srv, stream := newTestGateway(t, Config{})
	conn := dialWS(t, srv, "")

	stream.ChunkCh <- backend.Chunk{Data: []byte(`{"event":{"textOutput":{"content":"hello there","role":"ASSISTANT"}}}`)}

	msg := readJSON(t, conn)
	body := s2s.EventBody(msg, "textOutput")
	if body == nil {
		t.Fatalf("client message = %v, want a textOutput envelope", msg)
	}
	if got := s2s.StringField(body, "content"); got != "hello there" {
		t.Errorf("textOutput content = %q, want %q", got, "hello there")
	}
	if _, ok := msg["timestamp"]; !ok {
		t.Error("forwarded event is missing the timestamp stamp")
	}
}

func TestGateway_TextInputRoutesToAgent(t *testing.T) {
	t.Parallel()
	agent := &recordingAgent{}
	_, srv, stream := newTestGateway(t, Config{
		NewAgent: func(*session.Manager) TextAgent { return agent },
	})
	conn := dialWS(t, srv, "")

	writeJSON(t, conn, map[string]any{"type": "text_input", "text": "hello agent"})

	if !waitUntil(2*time.Second, func() bool { return len(agent.recorded()) == 1 }) {
		t.Fatalf("agent received %d texts, want 1", len(agent.recorded()))
	}
	if got := agent.recorded()[0]; got != "hello agent" {
		t.Errorf("agent text = %q, want %q", got, "hello agent")
	}
	if n := stream.SentCount(); n != 0 {
		t.Errorf("backend received %d payloads, want none", n)
	}
}

func TestGateway_PassthroughAgentFramesText(t *testing.T) {
	t.Parallel()
	_, srv, stream := newTestGateway(t, Config{})
	conn := dialWS(t, srv, "")

	writeJSON(t, conn, envMap(t, s2s.PromptStart("p1", nil, nil)))
	if !waitUntil(2*time.Second, func() bool { return stream.SentCount() >= 1 }) {
		t.Fatal("promptStart never reached the backend")
	}

	writeJSON(t, conn, map[string]any{"type": "text_input", "text": "what time is it"})
	if !waitUntil(2*time.Second, func() bool { return stream.SentCount() >= 4 }) {
		t.Fatalf("backend received %d payloads, want 4", stream.SentCount())
	}

	start := s2s.EventBody(sentEnvelope(t, stream, 1), "contentStart")
	if start == nil {
		t.Fatal("second backend payload is not a contentStart")
	}
	if got := s2s.StringField(start, "promptName"); got != "p1" {
		t.Errorf("contentStart promptName = %q, want %q", got, "p1")
	}
	if got := s2s.StringField(start, "type"); got != s2s.ContentTypeText {
		t.Errorf("contentStart type = %q, want %q", got, s2s.ContentTypeText)
	}
	if got := s2s.StringField(start, "role"); got != s2s.RoleUser {
		t.Errorf("contentStart role = %q, want %q", got, s2s.RoleUser)
	}
	if interactive, _ := start["interactive"].(bool); !interactive {
		t.Error("contentStart for typed text should be interactive")
	}

	text := s2s.EventBody(sentEnvelope(t, stream, 2), "textInput")
	if got := s2s.StringField(text, "content"); got != "what time is it" {
		t.Errorf("textInput content = %q, want %q", got, "what time is it")
	}

	end := s2s.EventBody(sentEnvelope(t, stream, 3), "contentEnd")
	if end == nil {
		t.Fatal("fourth backend payload is not a contentEnd")
	}
	contentName := s2s.StringField(start, "contentName")
	if contentName == "" {
		t.Fatal("contentStart is missing a contentName")
	}
	if got := s2s.StringField(end, "contentName"); got != contentName {
		t.Errorf("contentEnd contentName = %q, want %q", got, contentName)
	}
}

func TestGateway_TextBeforePromptReportsError(t *testing.T) {
	t.Parallel()
	_, srv, _ := newTestGateway(t, Config{})
	conn := dialWS(t, srv, "")

	writeJSON(t, conn, map[string]any{"type": "text_input", "text": "too early"})

	msg := readJSON(t, conn)
	if got, _ := msg["type"].(string); got != "error" {
		t.Fatalf("client message type = %q, want %q (message %v)", got, "error", msg)
	}
	if m, _ := msg["message"].(string); !strings.Contains(m, "before promptStart") {
		t.Errorf("error message = %q, want it to mention the missing prompt", m)
	}
}

// ─── voice selection ──────────────────────────────────────────────────────────

func TestGateway_VoiceFromQueryOverridesEnvelope(t *testing.T) {
	t.Parallel()
	_, srv, stream := newTestGateway(t, Config{})
	conn := dialWS(t, srv, "?voice_id=tiffany")

	writeJSON(t, conn, envMap(t, s2s.PromptStart("p1", nil, nil)))
	if !waitUntil(2*time.Second, func() bool { return stream.SentCount() >= 1 }) {
		t.Fatal("promptStart never reached the backend")
	}

	body := s2s.EventBody(sentEnvelope(t, stream, 0), "promptStart")
	audioOut, _ := body["audioOutputConfiguration"].(map[string]any)
	if got := s2s.StringField(audioOut, "voiceId"); got != "tiffany" {
		t.Errorf("voiceId = %q, want %q", got, "tiffany")
	}
}

func TestGateway_EnvelopeVoiceKeptWithoutQuery(t *testing.T) {
	t.Parallel()
	_, srv, stream := newTestGateway(t, Config{})
	conn := dialWS(t, srv, "")

	audioOut := s2s.DefaultAudioOutputConfig
	audioOut.VoiceID = "amy"
	writeJSON(t, conn, envMap(t, s2s.PromptStart("p1", &audioOut, nil)))
	if !waitUntil(2*time.Second, func() bool { return stream.SentCount() >= 1 }) {
		t.Fatal("promptStart never reached the backend")
	}

	body := s2s.EventBody(sentEnvelope(t, stream, 0), "promptStart")
	cfg, _ := body["audioOutputConfiguration"].(map[string]any)
	if got := s2s.StringField(cfg, "voiceId"); got != "amy" {
		t.Errorf("voiceId = %q, want the envelope's own %q", got, "amy")
	}
}

func TestGateway_PromptStartWithoutAudioConfigGetsDefaults(t *testing.T) {
	t.Parallel()
	_, srv, stream := newTestGateway(t, Config{})
	conn := dialWS(t, srv, "")

	writeJSON(t, conn, map[string]any{"event": map[string]any{"promptStart": map[string]any{"promptName": "p1"}}})
	if !waitUntil(2*time.Second, func() bool { return stream.SentCount() >= 1 }) {
		t.Fatal("promptStart never reached the backend")
	}

	body := s2s.EventBody(sentEnvelope(t, stream, 0), "promptStart")
	cfg, ok := body["audioOutputConfiguration"].(map[string]any)
	if !ok {
		t.Fatalf("promptStart has no audioOutputConfiguration: %v", body)
	}
	if got := s2s.StringField(cfg, "voiceId"); got != s2s.DefaultVoiceID {
		t.Errorf("voiceId = %q, want default %q", got, s2s.DefaultVoiceID)
	}
	if rate, _ := cfg["sampleRateHertz"].(float64); rate != 24000 {
		t.Errorf("sampleRateHertz = %v, want 24000", cfg["sampleRateHertz"])
	}
}

func TestGateway_SetDefaultVoiceAppliesToNewSessions(t *testing.T) {
	t.Parallel()
	g, srv, stream := newTestGateway(t, Config{DefaultVoice: "matthew"})
	g.SetDefaultVoice("tiffany")
	conn := dialWS(t, srv, "")

	writeJSON(t, conn, map[string]any{"event": map[string]any{"promptStart": map[string]any{"promptName": "p1"}}})
	if !waitUntil(2*time.Second, func() bool { return stream.SentCount() >= 1 }) {
		t.Fatal("promptStart never reached the backend")
	}

	body := s2s.EventBody(sentEnvelope(t, stream, 0), "promptStart")
	cfg, ok := body["audioOutputConfiguration"].(map[string]any)
	if !ok {
		t.Fatalf("promptStart has no audioOutputConfiguration: %v", body)
	}
	if got := s2s.StringField(cfg, "voiceId"); got != "tiffany" {
		t.Errorf("voiceId = %q, want updated default %q", got, "tiffany")
	}
}

// ─── routing edge cases ───────────────────────────────────────────────────────

func TestGateway_MalformedJSONIgnored(t *testing.T) {
	t.Parallel()
	_, srv, stream := newTestGateway(t, Config{})
	conn := dialWS(t, srv, "")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte("this is not json")); err != nil {
		t.Fatalf("write malformed message: %v", err)
	}
	writeJSON(t, conn, envMap(t, s2s.PromptStart("p1", nil, nil)))

	if !waitUntil(2*time.Second, func() bool { return stream.SentCount() >= 1 }) {
		t.Fatal("connection did not survive the malformed message")
	}
	if got := sentNames(stream); got[0] != "promptStart" {
		t.Errorf("backend event = %q, want promptStart", got[0])
	}
}

func TestGateway_AudioInputMissingFieldsDropped(t *testing.T) {
	t.Parallel()
	_, srv, stream := newTestGateway(t, Config{})
	conn := dialWS(t, srv, "")

	writeJSON(t, conn, map[string]any{"event": map[string]any{"audioInput": map[string]any{"promptName": "p1"}}})
	writeJSON(t, conn, envMap(t, s2s.PromptStart("p1", nil, nil)))

	if !waitUntil(2*time.Second, func() bool { return stream.SentCount() >= 1 }) {
		t.Fatal("promptStart never reached the backend")
	}
	names := sentNames(stream)
	if len(names) != 1 || names[0] != "promptStart" {
		t.Errorf("backend events = %v, want only promptStart", names)
	}
}

// ─── teardown paths ───────────────────────────────────────────────────────────

func TestGateway_SessionEndClosesConnection(t *testing.T) {
	t.Parallel()
	g, srv, _ := newTestGateway(t, Config{})
	conn := dialWS(t, srv, "")

	if !waitUntil(2*time.Second, func() bool { return g.Sessions().Len() == 1 }) {
		t.Fatal("session was never registered")
	}

	writeJSON(t, conn, envMap(t, s2s.SessionEnd()))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("read after sessionEnd = %v, want normal closure", err)
	}
	if !waitUntil(2*time.Second, func() bool { return g.Sessions().Len() == 0 }) {
		t.Errorf("session still registered after teardown")
	}
}

func TestGateway_BackendEndOfStreamClosesConnection(t *testing.T) {
	t.Parallel()
	_, srv, stream := newTestGateway(t, Config{})
	conn := dialWS(t, srv, "")

	close(stream.ChunkCh)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("read after backend end = %v, want normal closure", err)
	}
}

func TestGateway_InitFailureSendsErrorFrame(t *testing.T) {
	t.Parallel()
	provider := &backendmock.Provider{OpenErr: errors.New("stream refused")}
	_, srv, _ := newTestGateway(t, Config{Provider: provider})
	conn := dialWS(t, srv, "")

	msg := readJSON(t, conn)
	if got, _ := msg["type"].(string); got != "error" {
		t.Fatalf("client message type = %q, want error (message %v)", got, msg)
	}
	if m, _ := msg["message"].(string); !strings.Contains(m, "stream refused") {
		t.Errorf("error message = %q, want the open failure in it", m)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusInternalError {
		t.Fatalf("read after failed init = %v, want internal error closure", err)
	}
}

func TestGateway_ClientDisconnectClosesSession(t *testing.T) {
	t.Parallel()
	g, srv, _ := newTestGateway(t, Config{})
	conn := dialWS(t, srv, "")

	if !waitUntil(2*time.Second, func() bool { return g.Sessions().Len() == 1 }) {
		t.Fatal("session was never registered")
	}
	_ = conn.Close(websocket.StatusNormalClosure, "going away")

	if !waitUntil(2*time.Second, func() bool { return g.Sessions().Len() == 0 }) {
		t.Fatal("session still registered after client disconnect")
	}
}

// ─── operational endpoints ────────────────────────────────────────────────────

func TestGateway_OperationalEndpoints(t *testing.T) {
	t.Parallel()
	_, srv, _ := newTestGateway(t, Config{})

	tests := []struct {
		path       string
		wantStatus string
	}{
		{"/ping", "ok"},
		{"/health", "healthy"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			if err != nil {
				t.Fatalf("GET %s: %v", tt.path, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("GET %s status = %d, want 200", tt.path, resp.StatusCode)
			}
			var body struct {
				Status string `json:"status"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode %s body: %v", tt.path, err)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("GET %s status field = %q, want %q", tt.path, body.Status, tt.wantStatus)
			}
		})
	}

	t.Run("/metrics", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/metrics")
		if err != nil {
			t.Fatalf("GET /metrics: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET /metrics status = %d, want 200", resp.StatusCode)
		}
		if _, err := io.Copy(io.Discard, resp.Body); err != nil {
			t.Fatalf("read /metrics body: %v", err)
		}
	})
}
