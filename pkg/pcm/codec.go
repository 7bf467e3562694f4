// Package pcm converts between normalized floating-point audio samples and the
// base64-wrapped 16-bit PCM chunks carried on the live transport.
//
// The codec is pure and stateless. Encoding quantizes each sample in [-1, 1]
// to a little-endian int16 and base64-wraps the bytes; decoding reverses the
// process into per-channel float buffers. Neither direction buffers frames —
// one frame in, one chunk out.
package pcm

import (
	"encoding/base64"
	"fmt"
	"time"
)

const (
	// InputSampleRate is the capture-side sample rate expected by the model.
	InputSampleRate = 16000

	// OutputSampleRate is the sample rate of synthesized audio sent back by
	// the model.
	OutputSampleRate = 24000

	// InputMIMEType tags outbound chunks as raw PCM at the capture rate.
	InputMIMEType = "audio/pcm;rate=16000"
)

// EncodedChunk is the wire representation of one audio frame: base64-encoded
// little-endian int16 PCM plus a mime descriptor. Immutable once created;
// ownership transfers to the transport on send.
type EncodedChunk struct {
	Data     string `json:"data"`
	MIMEType string `json:"mimeType"`
}

// DecodeError reports an inbound audio payload whose byte length cannot be
// interpreted as interleaved int16 samples for the given channel count.
type DecodeError struct {
	Len      int
	Channels int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("pcm: %d bytes is not a whole number of %d-channel int16 frames", e.Len, e.Channels)
}

// Buffer holds decoded audio as per-channel float sample slices.
// A Buffer is owned exclusively by the playback scheduler from creation until
// playback completion or forced stop.
type Buffer struct {
	// Channels holds one sample slice per channel, all of equal length.
	Channels [][]float32

	// SampleRate in Hz.
	SampleRate int
}

// Frames returns the number of sample frames in the buffer.
func (b *Buffer) Frames() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the playback duration of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Frames()) * time.Second / time.Duration(b.SampleRate)
}

// EncodeFrame quantizes a frame of normalized samples to 16-bit PCM and wraps
// it as an [EncodedChunk]. Each sample is scaled by 32768 and truncated;
// values outside [-1, 1] are clamped to the int16 range rather than wrapping.
func EncodeFrame(samples []float32) EncodedChunk {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int32(s * 32768)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		buf[i*2] = byte(v)
		buf[i*2+1] = byte(v >> 8)
	}
	return EncodedChunk{
		Data:     base64.StdEncoding.EncodeToString(buf),
		MIMEType: InputMIMEType,
	}
}

// DecodeChunk reinterprets data as interleaved little-endian int16 samples,
// de-interleaves them into per-channel slices, and restores the float domain
// by dividing each sample by 32768.
//
// Returns a [*DecodeError] if the byte length is not divisible by
// 2×channels; the caller should drop the payload and continue.
func DecodeChunk(data []byte, sampleRate, channels int) (*Buffer, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("pcm: channel count %d is invalid", channels)
	}
	if len(data)%(2*channels) != 0 {
		return nil, &DecodeError{Len: len(data), Channels: channels}
	}

	frames := len(data) / (2 * channels)
	buf := &Buffer{
		Channels:   make([][]float32, channels),
		SampleRate: sampleRate,
	}
	for ch := range buf.Channels {
		buf.Channels[ch] = make([]float32, frames)
	}

	for i := range frames {
		for ch := 0; ch < channels; ch++ {
			off := (i*channels + ch) * 2
			s := int16(data[off]) | int16(data[off+1])<<8
			buf.Channels[ch][i] = float32(s) / 32768.0
		}
	}
	return buf, nil
}

// DecodeBase64Chunk is a convenience wrapper that base64-decodes an
// [EncodedChunk] payload before calling [DecodeChunk].
func DecodeBase64Chunk(data string, sampleRate, channels int) (*Buffer, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("pcm: base64 decode: %w", err)
	}
	return DecodeChunk(raw, sampleRate, channels)
}
