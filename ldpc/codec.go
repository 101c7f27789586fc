package ldpc

import (
	"context"
	"fmt"
)

// DecoderType identifies which decoding algorithm produced a result. Only
// "hard" is implemented today; the field exists so a future soft-decision
// decoder can be introduced without changing the wire format or the
// status event schema (see SPEC_FULL.md §9, Open Question 2).
type DecoderType string

const (
	DecoderHard DecoderType = "hard"
	DecoderSoft DecoderType = "soft"
)

// Encode places info at the systematic prefix of the returned codeword and
// solves H·c=0 for the parity suffix using the approximate-lower-triangular
// structure implied by AList column ordering: for each check row j, exactly
// one of its connected columns (k+j) is unresolved when rows are processed
// in order, so that bit is forced to satisfy the row's parity equation.
// Encoding is deterministic — no randomness is introduced.
func Encode(info []byte, m *Matrix) ([]byte, error) {
	k := m.K()
	if len(info) != k {
		return nil, fmt.Errorf("ldpc: encode: %w: want %d info bits, got %d", ErrLengthMismatch, k, len(info))
	}
	bits := make([]byte, m.NCols)
	copy(bits, info)

	for j := 0; j < m.NRows; j++ {
		target := k + j
		sum := byte(0)
		resolved := false
		for _, c := range m.RowConns[j] {
			if c == target {
				resolved = true
				continue
			}
			if c > target {
				return nil, fmt.Errorf("ldpc: encode: %w: row %d references unresolved column %d", ErrAListMalformed, j, c)
			}
			sum ^= bits[c]
		}
		if !resolved {
			return nil, fmt.Errorf("ldpc: encode: %w: row %d has no pivot at column %d", ErrAListMalformed, j, target)
		}
		bits[target] = sum
	}
	return bits, nil
}

// Syndrome returns, for each check row, whether that row's parity equation
// fails (1) or is satisfied (0) by bits.
func Syndrome(bits []byte, m *Matrix) []byte {
	syn := make([]byte, m.NRows)
	for r := 0; r < m.NRows; r++ {
		var sum byte
		for _, c := range m.RowConns[r] {
			sum ^= bits[c]
		}
		syn[r] = sum
	}
	return syn
}

// DecodeHard runs the iterative bit-flipping decoder: on each pass, a
// variable node flips iff strictly more than half of its incident check
// equations currently fail. Ties never flip. Decoding stops early once the
// syndrome is all-zero. It returns the best-effort systematic info bits,
// the number of still-failing checks, and whether the syndrome reached
// zero within maxIters.
func DecodeHard(ctx context.Context, received []byte, m *Matrix, maxIters int) (info []byte, residualFails int, converged bool, err error) {
	if len(received) != m.NCols {
		return nil, 0, false, fmt.Errorf("ldpc: decode: %w: want %d bits, got %d", ErrLengthMismatch, m.NCols, len(received))
	}
	bits := make([]byte, m.NCols)
	copy(bits, received)

	syn := Syndrome(bits, m)
	fails := countOnes(syn)

	for iter := 0; iter < maxIters && fails > 0; iter++ {
		if err := ctx.Err(); err != nil {
			return extractInfo(bits, m), fails, false, err
		}

		flips := make([]bool, m.NCols)
		for v := 0; v < m.NCols; v++ {
			incident := m.ColConns[v]
			if len(incident) == 0 {
				continue
			}
			failed := 0
			for _, r := range incident {
				if syn[r] == 1 {
					failed++
				}
			}
			if failed*2 > len(incident) {
				flips[v] = true
			}
		}

		flipped := false
		for v, f := range flips {
			if f {
				bits[v] ^= 1
				flipped = true
			}
		}
		syn = Syndrome(bits, m)
		fails = countOnes(syn)
		if !flipped {
			break
		}
	}

	converged = fails == 0
	if !converged {
		return extractInfo(bits, m), fails, false, ErrDecoderDiverged
	}
	return extractInfo(bits, m), fails, true, nil
}

// DecodeSoft is reserved for a future sum-product / min-sum extension (see
// SPEC_FULL.md §9, Open Question 2). The hard-decision interface above is
// the only decoder this version mandates.
func DecodeSoft(ctx context.Context, llrs []float64, m *Matrix, maxIters int) (info []byte, residualFails int, converged bool, err error) {
	return nil, 0, false, fmt.Errorf("ldpc: decode soft: %w", ErrNotImplemented)
}

func extractInfo(bits []byte, m *Matrix) []byte {
	k := m.K()
	out := make([]byte, k)
	copy(out, bits[:k])
	return out
}

func countOnes(bits []byte) int {
	n := 0
	for _, b := range bits {
		if b != 0 {
			n++
		}
	}
	return n
}
