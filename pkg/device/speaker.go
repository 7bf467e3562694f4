package device

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/phishguard/phishguard/internal/playback"
	"github.com/phishguard/phishguard/pkg/pcm"
)

// drainSlack pads the time-based completion estimate so oto finishes
// emptying its internal buffer before the player is closed.
const drainSlack = 50 * time.Millisecond

// Speaker plays scheduled buffers through the system default output device.
// It implements the playback sink contract: each Play call becomes one oto
// player started at the requested time, with completion reported on a timer
// since oto has no end-of-stream callback.
//
// oto allows a single context per process, so create at most one Speaker.
type Speaker struct {
	ctx *oto.Context
}

var _ playback.Sink = (*Speaker)(nil)

// NewSpeaker initializes the audio output context at the model's output
// sample rate and blocks until the backend is ready.
func NewSpeaker() (*Speaker, error) {
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   pcm.OutputSampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   100 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("device: init speaker: %w", err)
	}
	<-ready
	return &Speaker{ctx: ctx}, nil
}

// Play schedules buf to start at the given time. Multichannel buffers are
// downmixed to mono. done fires exactly once, from a timer goroutine when
// playback finishes or from the caller of Stop.
func (s *Speaker) Play(buf *pcm.Buffer, at time.Time, done func()) (playback.Handle, error) {
	data := interleave16(buf)
	h := &otoHandle{done: done}

	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	h.mu.Lock()
	h.timer = time.AfterFunc(delay, func() { h.start(s.ctx, data, buf.Duration()) })
	h.mu.Unlock()
	return h, nil
}

// otoHandle is one scheduled buffer. States: waiting on the start timer,
// playing with a completion timer armed, or stopped.
type otoHandle struct {
	mu      sync.Mutex
	timer   *time.Timer
	player  *oto.Player
	done    func()
	stopped bool
}

func (h *otoHandle) start(ctx *oto.Context, data []byte, d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.player = ctx.NewPlayer(bytes.NewReader(data))
	h.player.Play()
	h.timer = time.AfterFunc(d+drainSlack, h.finish)
}

func (h *otoHandle) finish() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	p := h.player
	h.player = nil
	h.mu.Unlock()

	if p != nil {
		_ = p.Close()
	}
	h.done()
}

// Stop halts the source early. Stopping a finished source is a no-op.
func (h *otoHandle) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	if h.timer != nil {
		h.timer.Stop()
	}
	p := h.player
	h.player = nil
	h.mu.Unlock()

	if p != nil {
		p.Pause()
		_ = p.Close()
	}
	h.done()
}

// interleave16 converts a decoded buffer to mono little-endian int16 bytes,
// averaging channels and clamping out-of-range samples.
func interleave16(buf *pcm.Buffer) []byte {
	frames := buf.Frames()
	chans := len(buf.Channels)
	out := make([]byte, frames*2)
	for i := range frames {
		var sum float32
		for ch := 0; ch < chans; ch++ {
			sum += buf.Channels[ch][i]
		}
		v := int32(sum / float32(chans) * 32768)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}
