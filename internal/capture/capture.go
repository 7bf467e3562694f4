// Package capture turns a microphone sample stream into fixed-size encoded
// frames for transmission.
//
// A Source pushes float32 sample slices of arbitrary length; the pipeline
// regroups them into frames of [FrameSize] samples, encodes each frame, and
// hands it to the send function. Transmission is fire-and-forget: a failed
// send is logged and dropped so the capture clock is never stalled.
package capture

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/phishguard/phishguard/pkg/pcm"
)

// FrameSize is the number of samples per transmitted frame.
const FrameSize = 4096

// PermissionError indicates the microphone could not be opened. It is fatal
// to session start and is never retried.
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("capture: microphone access denied: %v", e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// Source is a push-based microphone. Start begins delivery of sample slices
// to fn; calls to fn are serialized. Close stops delivery and releases the
// device.
type Source interface {
	Start(ctx context.Context, fn func(samples []float32)) error
	Close() error
}

// Pipeline regroups source samples into frames and transmits them.
type Pipeline struct {
	source Source
	send   func(chunk pcm.EncodedChunk) error
	log    *slog.Logger

	// frame accumulates samples between callbacks. Only touched from the
	// source's serialized callback.
	frame []float32
}

// PipelineOption is a functional option for configuring a Pipeline.
type PipelineOption func(*Pipeline)

// WithLogger sets the logger used for dropped-frame warnings.
func WithLogger(log *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.log = log }
}

// NewPipeline creates a Pipeline reading from source and transmitting frames
// through send.
func NewPipeline(source Source, send func(chunk pcm.EncodedChunk) error, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		source: source,
		send:   send,
		log:    slog.Default(),
		frame:  make([]float32, 0, FrameSize),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start opens the source and begins framing. A source failure surfaces as a
// *PermissionError.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.source.Start(ctx, p.consume); err != nil {
		return &PermissionError{Err: err}
	}
	return nil
}

// Stop closes the source. Samples short of a full frame are discarded.
func (p *Pipeline) Stop() error {
	if err := p.source.Close(); err != nil {
		return fmt.Errorf("capture: close source: %w", err)
	}
	return nil
}

func (p *Pipeline) consume(samples []float32) {
	p.frame = append(p.frame, samples...)

	for len(p.frame) >= FrameSize {
		chunk := pcm.EncodeFrame(p.frame[:FrameSize])
		if err := p.send(chunk); err != nil {
			p.log.Warn("dropping capture frame", "error", err)
		}
		remaining := copy(p.frame, p.frame[FrameSize:])
		p.frame = p.frame[:remaining]
	}
}
