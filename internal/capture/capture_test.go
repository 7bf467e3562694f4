package capture_test

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/phishguard/phishguard/internal/capture"
	"github.com/phishguard/phishguard/pkg/pcm"
)

// fakeSource hands the registered callback to the test for direct driving.
type fakeSource struct {
	fn       func([]float32)
	startErr error
	closed   bool
}

func (f *fakeSource) Start(_ context.Context, fn func(samples []float32)) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.fn = fn
	return nil
}

func (f *fakeSource) Close() error {
	f.closed = true
	return nil
}

// collect starts a pipeline whose sends append to the returned slice.
func collect(t *testing.T, src *fakeSource) (*capture.Pipeline, *[]pcm.EncodedChunk) {
	t.Helper()
	var sent []pcm.EncodedChunk
	p := capture.NewPipeline(src, func(chunk pcm.EncodedChunk) error {
		sent = append(sent, chunk)
		return nil
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return p, &sent
}

// samples returns n samples with a recognizable ramp.
func samples(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i%100) / 200
	}
	return out
}

func TestPipeline_ExactFrameProducesOneChunk(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	_, sent := collect(t, src)

	src.fn(samples(capture.FrameSize))

	if len(*sent) != 1 {
		t.Fatalf("sent %d chunks; want 1", len(*sent))
	}
	chunk := (*sent)[0]
	if chunk.MIMEType != pcm.InputMIMEType {
		t.Errorf("mimeType = %q; want %q", chunk.MIMEType, pcm.InputMIMEType)
	}
	raw, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		t.Fatalf("base64 decode: %v", err)
	}
	if want := capture.FrameSize * 2; len(raw) != want {
		t.Errorf("frame = %d bytes; want %d", len(raw), want)
	}
}

func TestPipeline_AccumulatesAcrossCallbacks(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	_, sent := collect(t, src)

	src.fn(samples(capture.FrameSize / 2))
	if len(*sent) != 0 {
		t.Fatalf("sent %d chunks before a full frame; want 0", len(*sent))
	}

	src.fn(samples(capture.FrameSize / 2))
	if len(*sent) != 1 {
		t.Errorf("sent %d chunks; want 1", len(*sent))
	}
}

func TestPipeline_LargeCallbackYieldsMultipleFrames(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	_, sent := collect(t, src)

	src.fn(samples(capture.FrameSize*2 + 100))
	if len(*sent) != 2 {
		t.Fatalf("sent %d chunks; want 2", len(*sent))
	}

	// The 100-sample remainder carries into the next frame.
	src.fn(samples(capture.FrameSize - 100))
	if len(*sent) != 3 {
		t.Errorf("sent %d chunks after topping up the remainder; want 3", len(*sent))
	}
}

func TestPipeline_SendFailureDoesNotStopCapture(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	calls := 0
	p := capture.NewPipeline(src, func(pcm.EncodedChunk) error {
		calls++
		if calls == 1 {
			return errors.New("outbound queue full")
		}
		return nil
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	src.fn(samples(capture.FrameSize))
	src.fn(samples(capture.FrameSize))

	if calls != 2 {
		t.Errorf("send calls = %d; want 2 (failure dropped, capture continues)", calls)
	}
}

func TestPipeline_StartFailureIsPermissionError(t *testing.T) {
	t.Parallel()

	src := &fakeSource{startErr: errors.New("device busy")}
	p := capture.NewPipeline(src, func(pcm.EncodedChunk) error { return nil })

	err := p.Start(context.Background())
	var pe *capture.PermissionError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v; want *capture.PermissionError", err)
	}
	if !errors.Is(err, src.startErr) {
		t.Error("PermissionError should wrap the source error")
	}
}

func TestPipeline_StopClosesSource(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	p, _ := collect(t, src)

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !src.closed {
		t.Error("source should be closed after Stop")
	}
}
