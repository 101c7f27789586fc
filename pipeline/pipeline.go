// Package pipeline wires a SuperframeAssembler/SuperframeParser pair to a
// MessageBus and whatever transport and Opus codec the caller supplies.
// Neither the modem nor the Opus codec are this module's concern (spec.md
// §1); Runner only needs a place to read codewords/audio from and a place
// to write them to. The shape — a small owning type whose Run* methods
// each bracket one long-running goroutine draining a channel or typed
// queue — follows the teacher's AudioReceiver (audio.go's receiveLoop) and
// SessionManager.cleanupLoop (session.go): one ticker- or queue-driven
// loop per concern, no shared state beyond what the bus already guards.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Supermagnum/gr-sleipnir/bus"
	cryptopkg "github.com/Supermagnum/gr-sleipnir/crypto"
	"github.com/Supermagnum/gr-sleipnir/status"
	"github.com/Supermagnum/gr-sleipnir/superframe"
)

// CodewordSink is the modulator-facing boundary on TX. Turning a
// superframe's codewords into an RF symbol stream is out of scope.
type CodewordSink interface {
	Send(ctx context.Context, sf *superframe.Superframe) error
}

// CodewordSource is the demodulator-facing boundary on RX: one codeword at
// a time, in arrival order.
type CodewordSource interface {
	Receive(ctx context.Context) (superframe.Codeword, error)
}

// AudioSource supplies already Opus-encoded (or all-zero silence) 40-byte
// frames for audio_in. The Opus codec itself is out of scope.
type AudioSource interface {
	Receive(ctx context.Context) (bus.AudioFrame, error)
}

// AudioSink accepts delivered frames from audio_out for an external Opus
// decoder or soundcard.
type AudioSink interface {
	Send(ctx context.Context, f bus.AudioFrame) error
}

// Mode selects which directions a Runner drives. A station can run both at
// once (full-duplex) or either alone.
type Mode int

const (
	ModeTX Mode = 1 << iota
	ModeRX
)

// Runner is the process-level glue: one Assembler, one Parser, the bus they
// share, and a status sink. It owns no transport of its own.
type Runner struct {
	Bus       *bus.MessageBus
	Assembler *superframe.Assembler
	Parser    *superframe.Parser
	Status    *status.Sink

	// Period is the wall-clock duration one superframe occupies: 25
	// frames at 40 ms each (§3).
	Period time.Duration
}

// NewRunner constructs a Runner with the spec's 1-second superframe period.
func NewRunner(b *bus.MessageBus, asm *superframe.Assembler, p *superframe.Parser, st *status.Sink) *Runner {
	return &Runner{
		Bus:       b,
		Assembler: asm,
		Parser:    p,
		Status:    st,
		Period:    time.Duration(superframe.FramesPerSuperframe) * 40 * time.Millisecond,
	}
}

// RunTX ticks the assembler once per Period and hands each assembled
// superframe to sink, until ctx is done. ErrIdle (PTT not pressed) is not
// an error for this loop — it just means nothing ships this tick.
func (r *Runner) RunTX(ctx context.Context, sink CodewordSink) error {
	ticker := time.NewTicker(r.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sf, err := r.Assembler.Tick(ctx)
			if err != nil {
				if err == superframe.ErrIdle {
					continue
				}
				return fmt.Errorf("pipeline: tx tick: %w", err)
			}
			if err := sink.Send(ctx, sf); err != nil {
				return fmt.Errorf("pipeline: tx send: %w", err)
			}
		}
	}
}

// RunRX pulls codewords from source and feeds the parser one at a time, in
// arrival order, preserving §6's delivery-order guarantee.
func (r *Runner) RunRX(ctx context.Context, source CodewordSource) error {
	for {
		cw, err := source.Receive(ctx)
		if err != nil {
			return fmt.Errorf("pipeline: rx receive: %w", err)
		}
		if err := r.Parser.Feed(ctx, cw); err != nil {
			return fmt.Errorf("pipeline: rx feed: %w", err)
		}
	}
}

// RunAudioIn pumps src into audio_in, blocking under its Block overflow
// policy (§4.7) when the assembler falls behind.
func (r *Runner) RunAudioIn(ctx context.Context, src AudioSource) error {
	for {
		f, err := src.Receive(ctx)
		if err != nil {
			return fmt.Errorf("pipeline: audio in: %w", err)
		}
		if err := r.Bus.AudioIn.Send(ctx, f); err != nil {
			return fmt.Errorf("pipeline: audio in send: %w", err)
		}
	}
}

// RunAudioOut drains audio_out into dst.
func (r *Runner) RunAudioOut(ctx context.Context, dst AudioSink) error {
	for {
		f, err := r.Bus.AudioOut.Receive(ctx)
		if err != nil {
			return fmt.Errorf("pipeline: audio out: %w", err)
		}
		if err := dst.Send(ctx, f); err != nil {
			return fmt.Errorf("pipeline: audio out send: %w", err)
		}
	}
}

// RunDirectives drains the ctrl queue and applies each directive to both
// the assembler and the parser, decoding any embedded key material via
// package crypto's loaders. Directives with a malformed key are applied
// for every other field and silently skip the key install, matching §7's
// "policy rejection" class: a bad key is reported on status_out by the
// next signature/MAC check that needs it, not by rejecting the whole
// directive.
func (r *Runner) RunDirectives(ctx context.Context) error {
	for {
		d, err := r.Bus.Ctrl.Receive(ctx)
		if err != nil {
			return fmt.Errorf("pipeline: ctrl receive: %w", err)
		}
		r.Assembler.ApplyDirective(d)
		r.Parser.ApplyDirective(d)

		if len(d.PrivateKeyDER) == 32 {
			var raw [32]byte
			copy(raw[:], d.PrivateKeyDER)
			if priv, err := cryptopkg.LoadPrivateKeyD(raw); err == nil {
				r.Assembler.SetPrivateKey(priv)
			}
		}
		if len(d.PublicKeyDER) == 64 {
			var x, y [32]byte
			copy(x[:], d.PublicKeyDER[:32])
			copy(y[:], d.PublicKeyDER[32:])
			if pub, err := cryptopkg.LoadPublicKeyXY(x, y); err == nil {
				r.Parser.SetPublicKey(pub)
			}
		}
	}
}

// RunKeys drains the keys queue, the narrower symmetric/asymmetric
// key-rotation channel §6 keeps separate from the general directive enum
// (bound 4, Replace overflow: only the newest key material matters once a
// newer one has arrived).
func (r *Runner) RunKeys(ctx context.Context) error {
	for {
		ev, err := r.Bus.Keys.Receive(ctx)
		if err != nil {
			return fmt.Errorf("pipeline: keys receive: %w", err)
		}
		if ev.MacKey != nil {
			r.Assembler.ApplyDirective(bus.Directive{MacKey: ev.MacKey})
			r.Parser.ApplyDirective(bus.Directive{MacKey: ev.MacKey})
		}
		if ev.NonceBase != nil {
			r.Assembler.ApplyDirective(bus.Directive{NonceBase: ev.NonceBase})
			r.Parser.ApplyDirective(bus.Directive{NonceBase: ev.NonceBase})
		}
		if ev.PrivKeyD != nil {
			if priv, err := cryptopkg.LoadPrivateKeyD(*ev.PrivKeyD); err == nil {
				r.Assembler.SetPrivateKey(priv)
			}
		}
		if ev.PubKeyX != nil && ev.PubKeyY != nil {
			if pub, err := cryptopkg.LoadPublicKeyXY(*ev.PubKeyX, *ev.PubKeyY); err == nil {
				r.Parser.SetPublicKey(pub)
			}
		}
	}
}

// RunStatus drains status_out and forwards every event to Status.Observe.
func (r *Runner) RunStatus(ctx context.Context) error {
	for {
		ev, err := r.Bus.StatusOut.Receive(ctx)
		if err != nil {
			return fmt.Errorf("pipeline: status receive: %w", err)
		}
		r.Status.Observe(ev)
	}
}

// Run launches every goroutine mode requires and returns the first
// non-context-cancellation error any of them produces. It does not itself
// cancel ctx on error — the caller (cmd/sleipnir) owns that, mirroring the
// teacher's pattern of a signal-driven shutdown goroutine racing the
// server's blocking call (main.go's sigChan handler calling
// sessions.Shutdown then server.Close). Once the caller cancels ctx, every
// still-running loop above unblocks on its own ctx-aware Receive/ticker and
// exits; Run does not wait for that to happen before returning.
func (r *Runner) Run(ctx context.Context, mode Mode, codewordSink CodewordSink, codewordSource CodewordSource, audioIn AudioSource, audioOut AudioSink) error {
	errs := make(chan error, 8)
	n := 0
	start := func(fn func() error) {
		n++
		go func() { errs <- fn() }()
	}

	start(func() error { return r.RunDirectives(ctx) })
	start(func() error { return r.RunKeys(ctx) })
	start(func() error { return r.RunStatus(ctx) })

	if mode&ModeTX != 0 {
		start(func() error { return r.RunTX(ctx, codewordSink) })
		if audioIn != nil {
			start(func() error { return r.RunAudioIn(ctx, audioIn) })
		}
	}
	if mode&ModeRX != 0 {
		start(func() error { return r.RunRX(ctx, codewordSource) })
		if audioOut != nil {
			start(func() error { return r.RunAudioOut(ctx, audioOut) })
		}
	}

	for i := 0; i < n; i++ {
		if err := <-errs; err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}
	return nil
}
