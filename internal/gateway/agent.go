package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/voxbridge/voxbridge/internal/session"
	"github.com/voxbridge/voxbridge/pkg/s2s"
)

// TextAgent consumes client messages of type "text_input". Everything else
// on the connection is protocol envelopes routed straight into the session;
// typed text goes through the agent so deployments can swap in an external
// agent runtime without touching the audio path.
type TextAgent interface {
	// Send delivers one user text utterance. Send is called from the
	// connection read loop, one call at a time.
	Send(ctx context.Context, text string) error
}

// ErrNoPrompt is returned by the passthrough agent when text arrives before
// the client has opened a prompt.
var ErrNoPrompt = errors.New("gateway: text input before promptStart")

// passthroughAgent frames user text as a complete USER text content block
// (contentStart, textInput, contentEnd) on the session's current prompt.
type passthroughAgent struct {
	sess *session.Manager
}

// NewPassthroughAgent returns the default [TextAgent], which feeds text into
// the live session instead of an external runtime.
func NewPassthroughAgent(sess *session.Manager) TextAgent {
	return &passthroughAgent{sess: sess}
}

// Send writes the text to the backend as its own content block.
func (a *passthroughAgent) Send(ctx context.Context, text string) error {
	promptName := a.sess.PromptName()
	if promptName == "" {
		return ErrNoPrompt
	}
	contentName := uuid.NewString()
	for _, env := range []s2s.Envelope{
		s2s.ContentStartUserText(promptName, contentName),
		s2s.TextInput(promptName, contentName, text),
		s2s.ContentEnd(promptName, contentName),
	} {
		if err := a.sess.SendEvent(ctx, env); err != nil {
			return fmt.Errorf("gateway: forward text input: %w", err)
		}
	}
	return nil
}
