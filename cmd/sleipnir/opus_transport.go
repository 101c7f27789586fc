//go:build opus

// Opus-backed audio transport, gated behind the opus build tag exactly as
// the teacher gates its own Opus support (opus_support.go) behind cgo and
// a system libopus install. Without the tag, -tx/-rx treat stdin/stdout
// as already-opaque 40-byte frames (bus.AudioFrame's own contract); with
// it, they carry real 8 kHz mono PCM16 and this file does the Opus
// encode/decode step an external codec would otherwise own.
package main

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	opus "gopkg.in/hraban/opus.v2"

	"github.com/Supermagnum/gr-sleipnir/bus"
)

const (
	opusSampleRate     = 8000
	opusChannels       = 1
	opusSamplesPerTick = opusSampleRate * 40 / 1000 // 320 samples per 40ms frame
)

// opusAudioSource reads raw little-endian PCM16 from r, opusSamplesPerTick
// samples at a time, and encodes each chunk into a bus.AudioFrame. Output
// shorter than 40 bytes is zero-padded; longer is truncated, matching
// AudioFrame's fixed-size wire contract.
type opusAudioSource struct {
	r   *bufio.Reader
	enc *opus.Encoder
}

func newOpusAudioSource(r *bufio.Reader) (*opusAudioSource, error) {
	enc, err := opus.NewEncoder(opusSampleRate, opusChannels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opus: new encoder: %w", err)
	}
	return &opusAudioSource{r: r, enc: enc}, nil
}

func (s *opusAudioSource) Receive(ctx context.Context) (bus.AudioFrame, error) {
	var f bus.AudioFrame
	raw := make([]byte, opusSamplesPerTick*2)
	if _, err := io.ReadFull(s.r, raw); err != nil {
		return f, err
	}
	pcm := make([]int16, opusSamplesPerTick)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
	}
	buf := make([]byte, len(f))
	n, err := s.enc.Encode(pcm, buf)
	if err != nil {
		return f, fmt.Errorf("opus: encode: %w", err)
	}
	copy(f[:], buf[:n])
	return f, nil
}

// opusAudioSink decodes each delivered AudioFrame back to PCM16 and writes
// it to w as raw little-endian samples for an external soundcard/player.
type opusAudioSink struct {
	w   *bufio.Writer
	dec *opus.Decoder
}

func newOpusAudioSink(w *bufio.Writer) (*opusAudioSink, error) {
	dec, err := opus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("opus: new decoder: %w", err)
	}
	return &opusAudioSink{w: w, dec: dec}, nil
}

func (s *opusAudioSink) Send(ctx context.Context, f bus.AudioFrame) error {
	pcm := make([]int16, opusSamplesPerTick)
	n, err := s.dec.Decode(f[:], pcm)
	if err != nil {
		return fmt.Errorf("opus: decode: %w", err)
	}
	raw := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(raw[2*i:], uint16(pcm[i]))
	}
	if _, err := s.w.Write(raw); err != nil {
		return err
	}
	return s.w.Flush()
}
