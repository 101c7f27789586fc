// Package superframe implements the TX and RX cores of the 25-frame
// superframe state machine: SuperframeAssembler composes outbound
// superframes from the typed queues in bus.MessageBus, and
// SuperframeParser reacquires sync, verifies each frame, and routes
// payloads back onto those queues. Both are designed to run single
// threaded within themselves, matching the teacher's Session type (one
// owning goroutine, explicit methods rather than internal locking) —
// see session.go's Session for the shape this generalizes.
package superframe

import (
	"errors"

	"github.com/Supermagnum/gr-sleipnir/router"
)

// FramesPerSuperframe is the fixed superframe length (§3).
const FramesPerSuperframe = 25

var (
	ErrIdle          = errors.New("superframe: assembler is idle")
	ErrShortCodeword = errors.New("superframe: codeword too short to carry a payload")
)

// Codeword is one LDPC-encoded slot ready for the modulator, or as
// delivered by the demodulator on RX. Its length (768 or 576 bits) is
// itself the "frame length" sideband §6 describes: a caller that knows
// len(Bits) never needs superframe awareness to find frame boundaries.
//
// AuthSig carries the full 64-byte (r||s) deterministic ECDSA signature
// for a position-0 auth codeword, out of band from Bits. The wire payload
// itself only ever carries the low 32 bytes (r) — see frame.BuildAuth —
// which is not enough to run a genuine ecdsa.Verify, since s would always
// decode to zero. A real modulator/demodulator pair has no equivalent
// channel and inherits that forgery-resistance reduction; AuthSig exists
// here purely so this implementation can exercise real ECDSA
// verification end to end rather than a verification stub.
type Codeword struct {
	Bits    []byte // 0/1 values, one per bit, matching ldpc.Encode's output convention
	Rate    router.Rate
	AuthSig *[64]byte
}

// Superframe is one assembled 25-codeword cycle together with the
// counter value it carries.
type Superframe struct {
	Counter   uint32
	Codewords [FramesPerSuperframe]Codeword
}

// Policy is the signing/encryption/require-signatures snapshot both the
// assembler and the parser consult; it is updated out-of-band via
// ApplyDirective, mirroring how the teacher's SessionManager applies
// config directives without tearing down the session (session.go).
type Policy struct {
	SigningOn         bool
	EncryptionOn      bool
	RequireSignatures bool
}

// Lifecycle is the assembler's PTT-controlled state.
type Lifecycle int

const (
	Idle Lifecycle = iota
	Active
	Draining
)

func (l Lifecycle) String() string {
	switch l {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}
