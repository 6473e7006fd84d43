// Package backend abstracts the bidirectional streaming inference transport.
//
// A [Provider] opens one [Stream] per conversation. The stream carries
// opaque UTF-8 JSON payloads in both directions; framing them into protocol
// envelopes is the caller's business (see the s2s package). Implementations
// wrap a concrete transport: bedrock wraps the AWS Bedrock runtime's
// bidirectional invoke API, mock drives tests.
package backend

import "context"

// Chunk is one inbound item from the stream: either a payload or an error
// the transport surfaced mid-stream. Recoverable faults (backend validation
// rejections) arrive as Err chunks followed by further traffic; terminal
// faults arrive as an Err chunk followed by channel close.
type Chunk struct {
	Data []byte
	Err  error
}

// Stream is one open bidirectional conversation.
//
// Send may be called from multiple goroutines; implementations serialize
// frames onto the transport in call order. Chunks is closed when the inbound
// half ends, after which Err reports the terminal error (nil for a clean
// end-of-stream).
type Stream interface {
	// Send writes one envelope payload to the input half of the stream.
	Send(ctx context.Context, payload []byte) error

	// Chunks returns the inbound payload channel. The same channel is
	// returned on every call.
	Chunks() <-chan Chunk

	// Err reports the terminal stream error once Chunks is closed.
	Err() error

	// Close tears down both halves of the stream. Idempotent.
	Close() error
}

// Provider opens backend streams.
type Provider interface {
	// Open starts a bidirectional session against the named model.
	// A failure to open returns an [*InitError].
	Open(ctx context.Context, modelID string) (Stream, error)
}
