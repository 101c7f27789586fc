package main

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Supermagnum/gr-sleipnir/router"
	"github.com/Supermagnum/gr-sleipnir/superframe"
)

func TestDecodeHexKey32RejectsWrongLength(t *testing.T) {
	_, err := decodeHexKey32("abcd")
	assert.Error(t, err)

	key, err := decodeHexKey32("000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), key[0])
	assert.Equal(t, byte(0x1f), key[31])
}

func TestCodewordRoundTripVoice(t *testing.T) {
	bits := make([]byte, 576)
	bits[0], bits[5], bits[575] = 1, 1, 1
	in := superframe.Codeword{Bits: bits, Rate: router.RateVoice}

	var buf bytes.Buffer
	require.NoError(t, writeCodeword(&buf, in))

	r := bufio.NewReader(&buf)
	out, err := (stdioCodewordSource{r: r}).Receive(nil)
	require.NoError(t, err)

	assert.Equal(t, router.RateVoice, out.Rate)
	assert.Equal(t, in.Bits, out.Bits)
	assert.Nil(t, out.AuthSig)
}

func TestCodewordRoundTripAuthCarriesSideband(t *testing.T) {
	bits := make([]byte, 768)
	bits[1] = 1
	var sig [64]byte
	sig[0], sig[63] = 0xAB, 0xCD
	in := superframe.Codeword{Bits: bits, Rate: router.RateAuth, AuthSig: &sig}

	var buf bytes.Buffer
	require.NoError(t, writeCodeword(&buf, in))

	r := bufio.NewReader(&buf)
	out, err := (stdioCodewordSource{r: r}).Receive(nil)
	require.NoError(t, err)

	assert.Equal(t, router.RateAuth, out.Rate)
	assert.Equal(t, in.Bits, out.Bits)
	require.NotNil(t, out.AuthSig)
	assert.Equal(t, sig, *out.AuthSig)
}

func TestCodewordRoundTripAuthWithoutSidebandWritesZeroes(t *testing.T) {
	bits := make([]byte, 768)
	in := superframe.Codeword{Bits: bits, Rate: router.RateAuth}

	var buf bytes.Buffer
	require.NoError(t, writeCodeword(&buf, in))

	r := bufio.NewReader(&buf)
	out, err := (stdioCodewordSource{r: r}).Receive(nil)
	require.NoError(t, err)

	require.NotNil(t, out.AuthSig)
	assert.Equal(t, [64]byte{}, *out.AuthSig)
}
