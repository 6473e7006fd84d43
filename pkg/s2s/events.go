// Package s2s defines the bidirectional speech-to-speech event protocol
// carried between the proxy and the streaming inference backend.
//
// Every frame in both directions is a JSON envelope of the shape
//
//	{"event": {"<name>": { ... }}}
//
// with exactly one event name per envelope. The constructors in this package
// are pure: they build envelopes and nothing else. Default configurations
// (sample rates, voice, inference parameters, the built-in tool catalogue)
// match what the backend accepts without negotiation; callers override them
// per call where the client requests something different.
package s2s

import (
	"encoding/json"
	"fmt"
)

// Content block types carried in contentStart events.
const (
	ContentTypeText  = "TEXT"
	ContentTypeAudio = "AUDIO"
	ContentTypeTool  = "TOOL"
)

// Roles carried in contentStart events.
const (
	RoleSystem    = "SYSTEM"
	RoleUser      = "USER"
	RoleAssistant = "ASSISTANT"
	RoleTool      = "TOOL"
)

// DefaultVoiceID is the synthesized voice used when the client does not
// select one.
const DefaultVoiceID = "matthew"

// DefaultSystemPrompt is the system text sent when the client does not
// provide its own.
const DefaultSystemPrompt = "You are a friendly assistant. The user and you will engage in a spoken dialog " +
	"exchanging the transcripts of a natural real-time conversation. Keep your responses short, " +
	"generally two or three sentences for chatty scenarios."

// ─── Configuration blocks ─────────────────────────────────────────────────────

// InferenceConfig bounds the model's generation for the session.
type InferenceConfig struct {
	MaxTokens   int     `json:"maxTokens"`
	TopP        float64 `json:"topP"`
	Temperature float64 `json:"temperature"`
}

// AudioInputConfig describes the audio the client streams in.
type AudioInputConfig struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	AudioType       string `json:"audioType"`
	Encoding        string `json:"encoding"`
}

// AudioOutputConfig describes the audio the backend synthesizes back.
type AudioOutputConfig struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	VoiceID         string `json:"voiceId"`
	Encoding        string `json:"encoding"`
	AudioType       string `json:"audioType"`
}

// MediaTypeConfig is the single-field configuration used for text and
// tool-use output blocks.
type MediaTypeConfig struct {
	MediaType string `json:"mediaType"`
}

// ToolInputSchema carries a tool's argument schema as a JSON string.
type ToolInputSchema struct {
	JSON string `json:"json"`
}

// ToolSpec declares one callable tool to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema ToolInputSchema `json:"inputSchema"`
}

// Tool wraps a ToolSpec in the envelope's list element shape.
type Tool struct {
	ToolSpec ToolSpec `json:"toolSpec"`
}

// ToolConfiguration is the tool catalogue announced in promptStart.
type ToolConfiguration struct {
	Tools []Tool `json:"tools"`
}

// ToolResultInputConfig correlates a tool-result content block with the
// toolUse event that requested it.
type ToolResultInputConfig struct {
	ToolUseID              string          `json:"toolUseId"`
	Type                   string          `json:"type"`
	TextInputConfiguration MediaTypeConfig `json:"textInputConfiguration"`
}

// DefaultInferenceConfig is used when sessionStart is built without one.
var DefaultInferenceConfig = InferenceConfig{MaxTokens: 1024, TopP: 0.95, Temperature: 0.7}

// DefaultAudioInputConfig is 16 kHz 16-bit mono LPCM, base64 on the wire.
var DefaultAudioInputConfig = AudioInputConfig{
	MediaType:       "audio/lpcm",
	SampleRateHertz: 16000,
	SampleSizeBits:  16,
	ChannelCount:    1,
	AudioType:       "SPEECH",
	Encoding:        "base64",
}

// DefaultAudioOutputConfig is 24 kHz 16-bit mono LPCM with the default voice.
var DefaultAudioOutputConfig = AudioOutputConfig{
	MediaType:       "audio/lpcm",
	SampleRateHertz: 24000,
	SampleSizeBits:  16,
	ChannelCount:    1,
	VoiceID:         DefaultVoiceID,
	Encoding:        "base64",
	AudioType:       "SPEECH",
}

// DefaultToolConfiguration returns a fresh copy of the built-in tool
// catalogue. A function rather than a var so callers can append without
// aliasing the shared slice.
func DefaultToolConfiguration() ToolConfiguration {
	return ToolConfiguration{Tools: []Tool{{ToolSpec: ToolSpec{
		Name:        "getDateTool",
		Description: "get information about the current day",
		InputSchema: ToolInputSchema{JSON: `{"type":"object","properties":{},"required":[]}`},
	}}}}
}

// ─── Envelope ─────────────────────────────────────────────────────────────────

// Envelope is the top-level wire frame.
type Envelope struct {
	Event Event `json:"event"`
}

// Event holds exactly one event payload; all other fields stay nil.
type Event struct {
	SessionStart *SessionStartEvent `json:"sessionStart,omitempty"`
	PromptStart  *PromptStartEvent  `json:"promptStart,omitempty"`
	ContentStart *ContentStartEvent `json:"contentStart,omitempty"`
	TextInput    *ContentPayload    `json:"textInput,omitempty"`
	AudioInput   *ContentPayload    `json:"audioInput,omitempty"`
	ToolResult   *ContentPayload    `json:"toolResult,omitempty"`
	ContentEnd   *ContentEndEvent   `json:"contentEnd,omitempty"`
	PromptEnd    *PromptEndEvent    `json:"promptEnd,omitempty"`
	SessionEnd   *SessionEndEvent   `json:"sessionEnd,omitempty"`
}

// SessionStartEvent opens the session with its inference bounds.
type SessionStartEvent struct {
	InferenceConfiguration InferenceConfig `json:"inferenceConfiguration"`
}

// PromptStartEvent begins one logical turn.
type PromptStartEvent struct {
	PromptName                 string            `json:"promptName"`
	TextOutputConfiguration    MediaTypeConfig   `json:"textOutputConfiguration"`
	AudioOutputConfiguration   AudioOutputConfig `json:"audioOutputConfiguration"`
	ToolUseOutputConfiguration MediaTypeConfig   `json:"toolUseOutputConfiguration"`
	ToolConfiguration          ToolConfiguration `json:"toolConfiguration"`
}

// ContentStartEvent opens a typed content block within a prompt. Exactly one
// of the three input configurations is set, matching Type.
type ContentStartEvent struct {
	PromptName                   string                 `json:"promptName"`
	ContentName                  string                 `json:"contentName"`
	Type                         string                 `json:"type"`
	Interactive                  bool                   `json:"interactive"`
	Role                         string                 `json:"role"`
	TextInputConfiguration       *MediaTypeConfig       `json:"textInputConfiguration,omitempty"`
	AudioInputConfiguration      *AudioInputConfig      `json:"audioInputConfiguration,omitempty"`
	ToolResultInputConfiguration *ToolResultInputConfig `json:"toolResultInputConfiguration,omitempty"`
}

// ContentPayload carries text, base64 audio, or a tool result.
type ContentPayload struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

// ContentEndEvent closes a content block.
type ContentEndEvent struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
}

// PromptEndEvent closes a turn.
type PromptEndEvent struct {
	PromptName string `json:"promptName"`
}

// SessionEndEvent terminates the session. It marshals to an empty object.
type SessionEndEvent struct{}

// AsMap re-encodes the envelope as the generic map shape carried on the
// egress queue, where a millisecond timestamp is stamped alongside "event".
func (e Envelope) AsMap() (map[string]any, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("s2s: marshal envelope: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("s2s: remarshal envelope: %w", err)
	}
	return m, nil
}

// ─── Constructors ─────────────────────────────────────────────────────────────

// SessionStart builds the session-opening envelope. A nil cfg selects
// [DefaultInferenceConfig].
func SessionStart(cfg *InferenceConfig) Envelope {
	c := DefaultInferenceConfig
	if cfg != nil {
		c = *cfg
	}
	return Envelope{Event: Event{SessionStart: &SessionStartEvent{InferenceConfiguration: c}}}
}

// PromptStart builds the turn-opening envelope. Nil audioOut or tools select
// the package defaults.
func PromptStart(promptName string, audioOut *AudioOutputConfig, tools *ToolConfiguration) Envelope {
	ao := DefaultAudioOutputConfig
	if audioOut != nil {
		ao = *audioOut
	}
	tc := DefaultToolConfiguration()
	if tools != nil {
		tc = *tools
	}
	return Envelope{Event: Event{PromptStart: &PromptStartEvent{
		PromptName:                 promptName,
		TextOutputConfiguration:    MediaTypeConfig{MediaType: "text/plain"},
		AudioOutputConfiguration:   ao,
		ToolUseOutputConfiguration: MediaTypeConfig{MediaType: "application/json"},
		ToolConfiguration:          tc,
	}}}
}

// ContentStartText opens a non-interactive SYSTEM text block.
func ContentStartText(promptName, contentName string) Envelope {
	return Envelope{Event: Event{ContentStart: &ContentStartEvent{
		PromptName:             promptName,
		ContentName:            contentName,
		Type:                   ContentTypeText,
		Interactive:            false,
		Role:                   RoleSystem,
		TextInputConfiguration: &MediaTypeConfig{MediaType: "text/plain"},
	}}}
}

// ContentStartUserText opens an interactive USER text block, used when a
// client drives a turn with typed text instead of audio.
func ContentStartUserText(promptName, contentName string) Envelope {
	return Envelope{Event: Event{ContentStart: &ContentStartEvent{
		PromptName:             promptName,
		ContentName:            contentName,
		Type:                   ContentTypeText,
		Interactive:            true,
		Role:                   RoleUser,
		TextInputConfiguration: &MediaTypeConfig{MediaType: "text/plain"},
	}}}
}

// TextInput carries a text payload, typically the system prompt during
// conversation setup.
func TextInput(promptName, contentName, content string) Envelope {
	return Envelope{Event: Event{TextInput: &ContentPayload{
		PromptName:  promptName,
		ContentName: contentName,
		Content:     content,
	}}}
}

// ContentStartAudio opens the interactive USER audio block. A nil cfg selects
// [DefaultAudioInputConfig].
func ContentStartAudio(promptName, contentName string, cfg *AudioInputConfig) Envelope {
	c := DefaultAudioInputConfig
	if cfg != nil {
		c = *cfg
	}
	return Envelope{Event: Event{ContentStart: &ContentStartEvent{
		PromptName:              promptName,
		ContentName:             contentName,
		Type:                    ContentTypeAudio,
		Interactive:             true,
		Role:                    RoleUser,
		AudioInputConfiguration: &c,
	}}}
}

// AudioInput carries one base64-framed audio chunk.
func AudioInput(promptName, contentName, contentB64 string) Envelope {
	return Envelope{Event: Event{AudioInput: &ContentPayload{
		PromptName:  promptName,
		ContentName: contentName,
		Content:     contentB64,
	}}}
}

// ContentStartTool opens the TOOL block answering a toolUse request.
func ContentStartTool(promptName, contentName, toolUseID string) Envelope {
	return Envelope{Event: Event{ContentStart: &ContentStartEvent{
		PromptName:  promptName,
		ContentName: contentName,
		Type:        ContentTypeTool,
		Interactive: false,
		Role:        RoleTool,
		ToolResultInputConfiguration: &ToolResultInputConfig{
			ToolUseID:              toolUseID,
			Type:                   ContentTypeText,
			TextInputConfiguration: MediaTypeConfig{MediaType: "text/plain"},
		},
	}}}
}

// ToolResult carries the handler output for a dispatched tool.
func ToolResult(promptName, contentName, content string) Envelope {
	return Envelope{Event: Event{ToolResult: &ContentPayload{
		PromptName:  promptName,
		ContentName: contentName,
		Content:     content,
	}}}
}

// ContentEnd closes a content block.
func ContentEnd(promptName, contentName string) Envelope {
	return Envelope{Event: Event{ContentEnd: &ContentEndEvent{
		PromptName:  promptName,
		ContentName: contentName,
	}}}
}

// PromptEnd closes a turn.
func PromptEnd(promptName string) Envelope {
	return Envelope{Event: Event{PromptEnd: &PromptEndEvent{PromptName: promptName}}}
}

// SessionEnd terminates the session. The proxy closes the backend stream
// immediately after sending it.
func SessionEnd() Envelope {
	return Envelope{Event: Event{SessionEnd: &SessionEndEvent{}}}
}
