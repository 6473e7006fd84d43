// Package bedrock implements the backend transport on the AWS Bedrock
// runtime's bidirectional invoke API.
//
// Each [Provider.Open] call issues one InvokeModelWithBidirectionalStream
// request and wraps the resulting event stream behind [backend.Stream]:
// outbound envelopes are framed as input chunk events, inbound chunk events
// are unwrapped to their payload bytes and delivered on a channel by a
// reader goroutine.
package bedrock

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/voxbridge/voxbridge/pkg/backend"
)

// RuntimeClient is the subset of the Bedrock runtime client the provider
// uses. *bedrockruntime.Client satisfies it; tests substitute their own.
type RuntimeClient interface {
	InvokeModelWithBidirectionalStream(ctx context.Context, params *bedrockruntime.InvokeModelWithBidirectionalStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelWithBidirectionalStreamOutput, error)
}

// Provider opens bidirectional streams against Bedrock.
type Provider struct {
	client RuntimeClient
	region string
}

// Option configures a Provider.
type Option func(*Provider)

// WithClient injects a runtime client instead of building one from the
// ambient AWS configuration. Use this in tests.
func WithClient(c RuntimeClient) Option {
	return func(p *Provider) { p.client = c }
}

// New creates a Provider for the given region. Unless a client is injected,
// the AWS default configuration chain supplies credentials, so the process
// credential surface maintained by the refresher is picked up automatically.
func New(ctx context.Context, region string, opts ...Option) (*Provider, error) {
	p := &Provider{region: region}
	for _, o := range opts {
		o(p)
	}
	if p.client == nil {
		cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
		if err != nil {
			return nil, fmt.Errorf("bedrock: load aws config: %w", err)
		}
		p.client = bedrockruntime.NewFromConfig(cfg)
	}
	return p, nil
}

// Region returns the region the provider was built for.
func (p *Provider) Region() string { return p.region }

// Open starts a bidirectional session against the named model.
func (p *Provider) Open(ctx context.Context, modelID string) (backend.Stream, error) {
	out, err := p.client.InvokeModelWithBidirectionalStream(ctx, &bedrockruntime.InvokeModelWithBidirectionalStreamInput{
		ModelId: aws.String(modelID),
	})
	if err != nil {
		return nil, &backend.InitError{ModelID: modelID, Err: err}
	}

	cctx, cancel := context.WithCancel(context.Background())
	s := &stream{
		es:     out.GetStream(),
		ctx:    cctx,
		cancel: cancel,
		chunks: make(chan backend.Chunk, 32),
	}
	go s.run()
	return s, nil
}

// Ensure Provider implements backend.Provider at compile time.
var _ backend.Provider = (*Provider)(nil)

// stream adapts the generated duplex event stream to backend.Stream.
type stream struct {
	es     *bedrockruntime.InvokeModelWithBidirectionalStreamEventStream
	ctx    context.Context
	cancel context.CancelFunc
	chunks chan backend.Chunk

	// sendMu serializes outbound frames so concurrent senders keep their
	// call order on the wire.
	sendMu sync.Mutex

	errMu    sync.Mutex
	errSet   bool
	finalErr error

	closeOnce sync.Once
	closeErr  error
}

// run drains the SDK event channel until it closes or the stream context is
// cancelled, delivering payload bytes in arrival order.
func (s *stream) run() {
	defer close(s.chunks)

	events := s.es.Events()
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		case event, ok := <-events:
			if !ok {
				if err := s.es.Err(); err != nil {
					s.setErr(err)
					s.deliver(backend.Chunk{Err: err})
				}
				return
			}
			switch ev := event.(type) {
			case *brtypes.InvokeModelWithBidirectionalStreamOutputMemberChunk:
				if len(ev.Value.Bytes) == 0 {
					continue
				}
				s.deliver(backend.Chunk{Data: ev.Value.Bytes})
			default:
				// Unknown union member; newer SDKs may add event kinds this
				// proxy has no use for.
			}
		}
	}
}

func (s *stream) deliver(c backend.Chunk) {
	select {
	case s.chunks <- c:
	case <-s.ctx.Done():
	}
}

func (s *stream) Send(ctx context.Context, payload []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	err := s.es.Send(ctx, &brtypes.InvokeModelWithBidirectionalStreamInputMemberChunk{
		Value: brtypes.BidirectionalInputPayloadPart{Bytes: payload},
	})
	if err != nil {
		return fmt.Errorf("bedrock: send chunk: %w", err)
	}
	return nil
}

func (s *stream) Chunks() <-chan backend.Chunk { return s.chunks }

func (s *stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.finalErr
}

// Close cancels the reader and closes both halves of the SDK stream.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.closeErr = s.es.Close()
	})
	return s.closeErr
}

func (s *stream) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.finalErr = err
}

// Ensure stream implements backend.Stream at compile time.
var _ backend.Stream = (*stream)(nil)
