// Transport adapters for the demo pipeline harness. The real modem and
// Opus codec are both out of scope (spec.md §1); these types give -tx/-rx
// something concrete to read and write so two sleipnir processes can be
// composed with a shell pipe in place of an RF link, the way the teacher's
// kiwi_wspr tools are typically chained with netcat and a decoder binary.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/Supermagnum/gr-sleipnir/bus"
	"github.com/Supermagnum/gr-sleipnir/ldpc"
	"github.com/Supermagnum/gr-sleipnir/router"
	"github.com/Supermagnum/gr-sleipnir/superframe"
)

// stdioAudioSource reads raw 40-byte audio frames from r, one per Receive
// call. "Raw" here stands in for whatever an external Opus encoder would
// hand this process; this harness never touches Opus itself.
type stdioAudioSource struct {
	r *bufio.Reader
}

func (s stdioAudioSource) Receive(ctx context.Context) (bus.AudioFrame, error) {
	var f bus.AudioFrame
	if _, err := io.ReadFull(s.r, f[:]); err != nil {
		return f, err
	}
	return f, nil
}

// stdioAudioSink is the receive-side counterpart: delivered frames get
// written out verbatim for an external decoder/soundcard to pick up.
type stdioAudioSink struct {
	w *bufio.Writer
}

func (s stdioAudioSink) Send(ctx context.Context, f bus.AudioFrame) error {
	if _, err := s.w.Write(f[:]); err != nil {
		return err
	}
	return s.w.Flush()
}

// codewordKind tags each serialized codeword with which matrix it used, so
// the reading side knows how many packed bytes follow without needing a
// separate length field. This tag, and the trailing signature sideband
// below, exist only for this harness — neither crosses a real RF link.
const (
	codewordKindVoice byte = 0
	codewordKindAuth  byte = 1
)

// writeCodeword serializes one codeword as: 1 kind byte, then
// len(PackBits(Bits)) packed bytes, then — for an auth codeword only — the
// 64-byte AuthSig sideband (superframe.Codeword's doc explains why that
// sideband has to exist at all: the wire payload alone can't carry a
// verifiable signature).
func writeCodeword(w io.Writer, cw superframe.Codeword) error {
	kind := codewordKindVoice
	if cw.Rate == router.RateAuth {
		kind = codewordKindAuth
	}
	if _, err := w.Write([]byte{kind}); err != nil {
		return err
	}
	packed := ldpc.PackBits(cw.Bits)
	if _, err := w.Write(packed); err != nil {
		return err
	}
	if kind == codewordKindAuth {
		var sig [64]byte
		if cw.AuthSig != nil {
			sig = *cw.AuthSig
		}
		if _, err := w.Write(sig[:]); err != nil {
			return err
		}
	}
	return nil
}

// stdioCodewordSink writes every codeword of an assembled superframe to w
// in position order, matching RunTX's per-superframe delivery.
type stdioCodewordSink struct {
	w *bufio.Writer
}

func (s stdioCodewordSink) Send(ctx context.Context, sf *superframe.Superframe) error {
	for _, cw := range sf.Codewords {
		if err := writeCodeword(s.w, cw); err != nil {
			return fmt.Errorf("transport: write codeword: %w", err)
		}
	}
	return s.w.Flush()
}

// bitLenForKind mirrors router.SelectRX's own length-based dispatch: the
// matrix is fixed per rate, so the kind byte alone fixes how many packed
// bytes to read next.
func bitLenForKind(kind byte) int {
	if kind == codewordKindAuth {
		return 768
	}
	return 576
}

// stdioCodewordSource reads one codeword at a time from r, reconstructing
// the AuthSig sideband when present.
type stdioCodewordSource struct {
	r *bufio.Reader
}

func (s stdioCodewordSource) Receive(ctx context.Context) (superframe.Codeword, error) {
	kind, err := s.r.ReadByte()
	if err != nil {
		return superframe.Codeword{}, err
	}
	nBits := bitLenForKind(kind)
	packed := make([]byte, nBits/8)
	if _, err := io.ReadFull(s.r, packed); err != nil {
		return superframe.Codeword{}, fmt.Errorf("transport: read codeword body: %w", err)
	}
	cw := superframe.Codeword{
		Bits: ldpc.UnpackBits(packed, nBits),
		Rate: router.RateVoice,
	}
	if kind == codewordKindAuth {
		cw.Rate = router.RateAuth
		var sig [64]byte
		if _, err := io.ReadFull(s.r, sig[:]); err != nil {
			return superframe.Codeword{}, fmt.Errorf("transport: read auth sig: %w", err)
		}
		cw.AuthSig = &sig
	}
	return cw, nil
}
