// Package router implements FrameRouter: the stateless decision of which
// LDPC matrix (and therefore which crypto chain) applies to a given
// superframe slot. It never buffers frames and holds no state of its own;
// the two loaded matrices are passed in on each call.
package router

import (
	"errors"
	"fmt"

	"github.com/Supermagnum/gr-sleipnir/ldpc"
)

var ErrUnknownCodewordLength = errors.New("router: unknown codeword length")

// Rate identifies which of the two fixed matrices a slot uses.
type Rate int

const (
	RateAuth  Rate = iota // 768 bits, rate 1/3
	RateVoice             // 576 bits, rate 2/3
)

func (r Rate) String() string {
	if r == RateAuth {
		return "auth"
	}
	return "voice"
}

// Matrices holds the two immutable matrices a session needs. Both are
// loaded once at startup and shared read-only (SPEC_FULL.md §3, §5).
type Matrices struct {
	Auth  *ldpc.Matrix
	Voice *ldpc.Matrix
}

// Policy is the signing/encryption snapshot a TX decision is made against.
type Policy struct {
	SigningOn    bool
	EncryptionOn bool
}

// Decision is what FrameRouter hands back to the caller: which matrix and
// rate to encode/decode a slot's payload with.
type Decision struct {
	Rate   Rate
	Matrix *ldpc.Matrix
}

// SelectTX chooses the matrix for the frame at the given superframe
// position. Position 0 under signing uses the auth matrix; every other
// position — including a position-0 sync frame, since signing is off in
// that case — uses the voice matrix.
func SelectTX(position int, policy Policy, m Matrices) Decision {
	if position == 0 && policy.SigningOn {
		return Decision{Rate: RateAuth, Matrix: m.Auth}
	}
	return Decision{Rate: RateVoice, Matrix: m.Voice}
}

// SelectRX chooses the matrix by codeword length, as delivered by the
// upstream demodulator contract (§6). It does not inspect frame content.
func SelectRX(codewordBits int, m Matrices) (Decision, error) {
	switch codewordBits {
	case 768:
		return Decision{Rate: RateAuth, Matrix: m.Auth}, nil
	case 576:
		return Decision{Rate: RateVoice, Matrix: m.Voice}, nil
	default:
		return Decision{}, fmt.Errorf("router: select rx: %w: %d", ErrUnknownCodewordLength, codewordBits)
	}
}
