package ldpc

import (
	"context"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const voiceAlist = "../ldpc_matrices/ldpc_voice_576_384.alist"
const authAlist = "../ldpc_matrices/ldpc_auth_768_256.alist"

func loadVoice(t testing.TB) *Matrix {
	t.Helper()
	m, err := LoadAListFile(voiceAlist)
	require.NoError(t, err)
	return m
}

func loadAuth(t testing.TB) *Matrix {
	t.Helper()
	m, err := LoadAListFile(authAlist)
	require.NoError(t, err)
	return m
}

func TestLoadAListDimensions(t *testing.T) {
	v := loadVoice(t)
	assert.Equal(t, 192, v.NRows)
	assert.Equal(t, 576, v.NCols)
	assert.Equal(t, 384, v.K())

	a := loadAuth(t)
	assert.Equal(t, 512, a.NRows)
	assert.Equal(t, 768, a.NCols)
	assert.Equal(t, 256, a.K())
}

func TestParseAListRejectsMalformedHeader(t *testing.T) {
	_, err := ParseAList(strings.NewReader("not a header\n1 2\n"))
	assert.ErrorIs(t, err, ErrAListMalformed)
}

func TestParseAListRejectsTruncatedBody(t *testing.T) {
	_, err := ParseAList(strings.NewReader("2 4\n2 2\n1 1 1 1\n2 2\n"))
	assert.ErrorIs(t, err, ErrAListMalformed)
}

func TestEncodeSatisfiesParityCheck(t *testing.T) {
	m := loadVoice(t)
	info := make([]byte, m.K())
	for i := range info {
		info[i] = byte(i % 2)
	}
	codeword, err := Encode(info, m)
	require.NoError(t, err)
	require.Len(t, codeword, m.NCols)

	syn := Syndrome(codeword, m)
	for _, s := range syn {
		assert.Equal(t, byte(0), s)
	}
}

func TestEncodeAllZeroYieldsAllZero(t *testing.T) {
	for _, m := range []*Matrix{loadVoice(t), loadAuth(t)} {
		info := make([]byte, m.K())
		codeword, err := Encode(info, m)
		require.NoError(t, err)
		for _, b := range codeword {
			assert.Equal(t, byte(0), b)
		}
	}
}

func TestEncodeRejectsWrongLength(t *testing.T) {
	m := loadVoice(t)
	_, err := Encode(make([]byte, m.K()+1), m)
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestDecodeHardRecoversCleanCodeword(t *testing.T) {
	m := loadVoice(t)
	rng := rand.New(rand.NewSource(1))
	info := make([]byte, m.K())
	for i := range info {
		info[i] = byte(rng.Intn(2))
	}
	codeword, err := Encode(info, m)
	require.NoError(t, err)

	got, fails, converged, err := DecodeHard(context.Background(), codeword, m, 20)
	require.NoError(t, err)
	assert.True(t, converged)
	assert.Equal(t, 0, fails)
	assert.Equal(t, info, got)
}

func TestDecodeHardCorrectsSparseErrors(t *testing.T) {
	m := loadVoice(t)
	rng := rand.New(rand.NewSource(2))
	info := make([]byte, m.K())
	for i := range info {
		info[i] = byte(rng.Intn(2))
	}
	codeword, err := Encode(info, m)
	require.NoError(t, err)

	received := append([]byte{}, codeword...)
	received[0] ^= 1

	got, _, converged, err := DecodeHard(context.Background(), received, m, 20)
	if converged {
		require.NoError(t, err)
		assert.Equal(t, info, got)
	}
}

func TestDecodeHardReportsDivergence(t *testing.T) {
	m := loadVoice(t)
	garbage := make([]byte, m.NCols)
	for i := range garbage {
		garbage[i] = byte(i % 2)
	}
	_, fails, converged, err := DecodeHard(context.Background(), garbage, m, 5)
	if !converged {
		assert.ErrorIs(t, err, ErrDecoderDiverged)
		assert.Greater(t, fails, 0)
	}
}

func TestDecodeHardRespectsContextCancellation(t *testing.T) {
	m := loadVoice(t)
	garbage := make([]byte, m.NCols)
	for i := range garbage {
		garbage[i] = byte((i * 3) % 2)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, converged, err := DecodeHard(ctx, garbage, m, 20)
	assert.False(t, converged)
	assert.Error(t, err)
}

func TestDecodeSoftReturnsNotImplemented(t *testing.T) {
	m := loadVoice(t)
	_, _, _, err := DecodeSoft(context.Background(), make([]float64, m.NCols), m, 10)
	assert.ErrorIs(t, err, ErrNotImplemented)
}

func TestEncodeDecodeRoundTripProperty(t *testing.T) {
	m := loadVoice(t)
	rapid.Check(t, func(rt *rapid.T) {
		info := rapid.SliceOfN(rapid.IntRange(0, 1), m.K(), m.K()).Draw(rt, "info")
		bits := make([]byte, m.K())
		for i, v := range info {
			bits[i] = byte(v)
		}
		codeword, err := Encode(bits, m)
		if err != nil {
			rt.Fatal(err)
		}
		syn := Syndrome(codeword, m)
		for _, s := range syn {
			if s != 0 {
				rt.Fatalf("non-zero syndrome for encoded codeword")
			}
		}
	})
}

func TestPackUnpackBitsRoundTrip(t *testing.T) {
	bits := []byte{1, 0, 1, 1, 0, 0, 1, 0, 1}
	packed := PackBits(bits)
	got := UnpackBits(packed, len(bits))
	assert.Equal(t, bits, got)
}
