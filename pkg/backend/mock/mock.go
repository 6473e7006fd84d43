// Package mock provides test doubles for the backend package interfaces.
//
// Use Provider to verify Open calls and hand out controlled streams. Use
// Stream to script the inbound chunk sequence and inspect every payload the
// code under test sent.
//
// Example:
//
//	st := mock.NewStream()
//	p := &mock.Provider{Stream: st}
//	st.ChunkCh <- backend.Chunk{Data: []byte(`{"event":{"completionStart":{}}}`)}
//	close(st.ChunkCh)
package mock

import (
	"context"
	"sync"

	"github.com/voxbridge/voxbridge/pkg/backend"
)

// OpenCall records a single invocation of Provider.Open.
type OpenCall struct {
	// Ctx is the context passed to Open.
	Ctx context.Context
	// ModelID is the model identifier passed to Open.
	ModelID string
}

// Provider is a mock implementation of backend.Provider.
type Provider struct {
	mu sync.Mutex

	// Stream is returned by Open. If nil, Open returns a fresh NewStream().
	Stream backend.Stream

	// OpenErr, if non-nil, is returned as the error from Open.
	OpenErr error

	// OpenCalls records every call to Open in order.
	OpenCalls []OpenCall
}

// Open records the call and returns Stream, OpenErr.
func (p *Provider) Open(ctx context.Context, modelID string) (backend.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenCalls = append(p.OpenCalls, OpenCall{Ctx: ctx, ModelID: modelID})
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	if p.Stream != nil {
		return p.Stream, nil
	}
	return NewStream(), nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenCalls = nil
}

// Ensure Provider implements backend.Provider at compile time.
var _ backend.Provider = (*Provider)(nil)

// Stream is a mock implementation of backend.Stream. Tests feed ChunkCh and
// close it to signal end-of-stream.
type Stream struct {
	mu sync.Mutex

	// ChunkCh is the channel returned by Chunks(). Callers own this channel.
	ChunkCh chan backend.Chunk

	// SendErr, if non-nil, is returned by every Send call.
	SendErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// ErrVal is returned by Err().
	ErrVal error

	// sendPayloads records a copy of every payload passed to Send, in order.
	sendPayloads [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewStream returns a Stream with a generously buffered chunk channel.
func NewStream() *Stream {
	return &Stream{ChunkCh: make(chan backend.Chunk, 256)}
}

// Send records a copy of the payload and returns SendErr.
func (s *Stream) Send(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.sendPayloads = append(s.sendPayloads, cp)
	return s.SendErr
}

// Chunks returns ChunkCh.
func (s *Stream) Chunks() <-chan backend.Chunk { return s.ChunkCh }

// Err returns ErrVal. Thread-safe.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// Close increments CloseCallCount and returns CloseErr.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// Sent returns copies of all payloads passed to Send so far. Thread-safe.
func (s *Stream) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sendPayloads))
	for i, p := range s.sendPayloads {
		cp := make([]byte, len(p))
		copy(cp, p)
		out[i] = cp
	}
	return out
}

// SentCount returns the number of Send calls so far. Thread-safe.
func (s *Stream) SentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sendPayloads)
}

// SetSendErr swaps the error returned by subsequent Send calls. Thread-safe.
func (s *Stream) SetSendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendErr = err
}

// Ensure Stream implements backend.Stream at compile time.
var _ backend.Stream = (*Stream)(nil)
