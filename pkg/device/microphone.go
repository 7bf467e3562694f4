// Package device binds the vishing lab's audio pipeline to real hardware.
// Microphone capture goes through miniaudio (malgo); speaker output goes
// through oto. Both sides speak the normalized float sample format used by
// the capture and playback packages.
package device

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/phishguard/phishguard/internal/capture"
	"github.com/phishguard/phishguard/pkg/pcm"
)

// Microphone is a push-based capture source backed by a system microphone.
// It delivers 16 kHz mono float32 sample slices to the registered callback
// from the audio thread; callbacks are serialized by the driver.
type Microphone struct {
	deviceName string

	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

var _ capture.Source = (*Microphone)(nil)

// MicrophoneOption is a functional option for configuring a Microphone.
type MicrophoneOption func(*Microphone)

// WithInputDevice selects the capture device whose name contains the given
// string (case-insensitive). Empty means the system default.
func WithInputDevice(name string) MicrophoneOption {
	return func(m *Microphone) { m.deviceName = name }
}

// NewMicrophone creates an unopened Microphone. The device is acquired on
// Start, not here, so construction never touches hardware.
func NewMicrophone(opts ...MicrophoneOption) *Microphone {
	m := &Microphone{}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start opens the capture device and begins delivering samples to fn.
func (m *Microphone) Start(_ context.Context, fn func(samples []float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device != nil {
		return fmt.Errorf("device: microphone already started")
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("device: init audio context: %w", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = pcm.InputSampleRate
	cfg.PeriodSizeInMilliseconds = 20

	if m.deviceName != "" {
		id, err := findCaptureDevice(mctx, m.deviceName)
		if err != nil {
			_ = mctx.Uninit()
			mctx.Free()
			return err
		}
		cfg.Capture.DeviceID = id.Pointer()
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			buf, err := pcm.DecodeChunk(input, pcm.InputSampleRate, 1)
			if err != nil {
				// Partial int16 frame from the driver; nothing usable.
				return
			}
			fn(buf.Channels[0])
		},
	}

	dev, err := malgo.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("device: open microphone: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("device: start microphone: %w", err)
	}

	m.ctx = mctx
	m.device = dev
	return nil
}

// Close stops capture and releases the device. Closing an unstarted or
// already-closed Microphone is a no-op.
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device == nil {
		return nil
	}

	_ = m.device.Stop()
	m.device.Uninit()
	m.device = nil

	err := m.ctx.Uninit()
	m.ctx.Free()
	m.ctx = nil
	if err != nil {
		return fmt.Errorf("device: uninit audio context: %w", err)
	}
	return nil
}

func findCaptureDevice(mctx *malgo.AllocatedContext, name string) (malgo.DeviceID, error) {
	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return malgo.DeviceID{}, fmt.Errorf("device: enumerate capture devices: %w", err)
	}
	want := strings.ToLower(name)
	for _, info := range infos {
		if strings.Contains(strings.ToLower(info.Name()), want) {
			return info.ID, nil
		}
	}
	return malgo.DeviceID{}, fmt.Errorf("device: no capture device matching %q", name)
}
