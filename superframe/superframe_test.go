package superframe

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Supermagnum/gr-sleipnir/bus"
	cryptopkg "github.com/Supermagnum/gr-sleipnir/crypto"
	"github.com/Supermagnum/gr-sleipnir/frame"
	"github.com/Supermagnum/gr-sleipnir/ldpc"
	"github.com/Supermagnum/gr-sleipnir/router"
)

func testMatrices(t *testing.T) router.Matrices {
	t.Helper()
	auth, err := ldpc.LoadAListFile("../ldpc_matrices/ldpc_auth_768_256.alist")
	require.NoError(t, err)
	voice, err := ldpc.LoadAListFile("../ldpc_matrices/ldpc_voice_576_384.alist")
	require.NoError(t, err)
	return router.Matrices{Auth: auth, Voice: voice}
}

const n0call = "N0CAL" // 5-char callsigns pad to exactly this length already

func callsign(s string) [5]byte {
	var out [5]byte
	copy(out[:], s)
	for i := len(s); i < 5; i++ {
		out[i] = ' '
	}
	return out
}

func feedAll(t *testing.T, p *Parser, sf *Superframe) {
	t.Helper()
	for _, cw := range sf.Codewords {
		require.NoError(t, p.Feed(context.Background(), cw))
	}
}

func drainStatus(b *bus.MessageBus) []bus.StatusEvent {
	var out []bus.StatusEvent
	for {
		ev, ok := b.StatusOut.TryReceive()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func TestPlaintextVoiceRoundTrip(t *testing.T) {
	m := testMatrices(t)
	b := bus.New()
	reg := cryptopkg.NewNonceRegistry()
	asm := NewAssembler(callsign(n0call), 5, m, cryptopkg.AEAD{}, reg, b)
	asm.PTTPress()

	ctx := context.Background()
	for i := 0; i < 24; i++ {
		require.NoError(t, b.AudioIn.Send(ctx, bus.AudioFrame{}))
	}

	sf, err := asm.Tick(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, sf.Counter)
	assert.Equal(t, router.RateVoice, sf.Codewords[0].Rate) // position 0 is a sync frame, not auth

	p := NewParser(callsign(n0call), m, cryptopkg.AEAD{}, 20, b)
	feedAll(t, p, sf)

	events := drainStatus(b)
	var syncEvents int
	for _, ev := range events {
		if ev.SyncState == bus.SyncSynced && ev.Position == 0 {
			syncEvents++
			assert.EqualValues(t, 0, ev.SuperframeCounter)
		}
		assert.NotEqual(t, "MacInvalid", ev.Kind)
		assert.NotEqual(t, "FrameCorrupt", ev.Kind)
	}
	assert.Equal(t, 1, syncEvents)

	for i := 0; i < 24; i++ {
		af, err := b.AudioOut.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, bus.AudioFrame{}, af)
	}
}

func TestSignedSuperframeVerifies(t *testing.T) {
	m := testMatrices(t)
	b := bus.New()
	reg := cryptopkg.NewNonceRegistry()

	priv, err := ecdsa.GenerateKey(cryptopkg.Curve(), rand.Reader)
	require.NoError(t, err)

	asm := NewAssembler(callsign(n0call), 5, m, cryptopkg.AEAD{}, reg, b)
	signingOn := true
	asm.ApplyDirective(bus.Directive{EnableSigning: &signingOn})
	asm.SetPrivateKey(priv)
	asm.PTTPress()

	ctx := context.Background()
	var pattern bus.AudioFrame
	for i := range pattern {
		pattern[i] = 0x01
	}
	for i := 0; i < 24; i++ {
		require.NoError(t, b.AudioIn.Send(ctx, pattern))
	}

	sf, err := asm.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, router.RateAuth, sf.Codewords[0].Rate)

	p := NewParser(callsign(n0call), m, cryptopkg.AEAD{}, 20, b)
	p.ApplyDirective(bus.Directive{EnableSigning: &signingOn})
	p.SetPublicKey(&priv.PublicKey)
	feedAll(t, p, sf)

	events := drainStatus(b)
	var sawValidSignature bool
	for _, ev := range events {
		if ev.SignatureValid != nil {
			require.True(t, *ev.SignatureValid)
			assert.Equal(t, callsign(n0call), ev.SenderCallsign)
			sawValidSignature = true
		}
	}
	assert.True(t, sawValidSignature)

	for i := 0; i < 24; i++ {
		af, err := b.AudioOut.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, pattern[:frame.DataSize], af[:frame.DataSize])
	}
}

func TestRequireSignaturesWithholdsPayloadsOnInvalidSignature(t *testing.T) {
	m := testMatrices(t)
	b := bus.New()
	reg := cryptopkg.NewNonceRegistry()

	priv, err := ecdsa.GenerateKey(cryptopkg.Curve(), rand.Reader)
	require.NoError(t, err)
	other, err := ecdsa.GenerateKey(cryptopkg.Curve(), rand.Reader)
	require.NoError(t, err)

	asm := NewAssembler(callsign(n0call), 5, m, cryptopkg.AEAD{}, reg, b)
	signingOn := true
	asm.ApplyDirective(bus.Directive{EnableSigning: &signingOn})
	asm.SetPrivateKey(priv)
	asm.PTTPress()

	ctx := context.Background()
	var pattern bus.AudioFrame
	for i := range pattern {
		pattern[i] = 0x01
	}
	for i := 0; i < 24; i++ {
		require.NoError(t, b.AudioIn.Send(ctx, pattern))
	}

	sf, err := asm.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, router.RateAuth, sf.Codewords[0].Rate)

	p := NewParser(callsign(n0call), m, cryptopkg.AEAD{}, 20, b)
	requireSigs := true
	p.ApplyDirective(bus.Directive{EnableSigning: &signingOn, RequireSignatures: &requireSigs})
	p.SetPublicKey(&other.PublicKey) // wrong key: verification must fail
	feedAll(t, p, sf)

	events := drainStatus(b)
	var sawSignatureInvalid bool
	for _, ev := range events {
		if ev.Kind == "SignatureInvalid" {
			sawSignatureInvalid = true
			require.NotNil(t, ev.SignatureValid)
			assert.False(t, *ev.SignatureValid)
		}
	}
	assert.True(t, sawSignatureInvalid)

	_, ok := b.AudioOut.TryReceive()
	assert.False(t, ok, "require_signatures=true must withhold every voice payload of a superframe with an invalid signature")
}

func TestEncryptedVoiceNoisyCodewordReportsMacInvalid(t *testing.T) {
	m := testMatrices(t)
	b := bus.New()
	reg := cryptopkg.NewNonceRegistry()

	asm := NewAssembler(callsign(n0call), 5, m, cryptopkg.AEAD{}, reg, b)
	encOn := true
	asm.ApplyDirective(bus.Directive{EnableEncryption: &encOn})
	var macKey [32]byte
	var nonceBase [12]byte
	for i := range macKey {
		macKey[i] = byte(i)
	}
	for i := range nonceBase {
		nonceBase[i] = byte(i)
	}
	asm.ApplyDirective(bus.Directive{MacKey: &macKey, NonceBase: &nonceBase})
	asm.PTTPress()

	ctx := context.Background()
	for i := 0; i < 24; i++ {
		require.NoError(t, b.AudioIn.Send(ctx, bus.AudioFrame{}))
	}
	sf, err := asm.Tick(ctx)
	require.NoError(t, err)

	// Frame 5 is superframe position 5, i.e. sf.Codewords[5] (position 0 is
	// the sync frame in this superframe). Flip one systematic (data) bit of
	// the codeword. maxIters=0 below means the decoder returns the received
	// bits unchanged rather than attempting correction, so the corruption
	// deterministically survives into the decoded payload.
	sf.Codewords[5].Bits[50] ^= 1

	p := NewParser(callsign(n0call), m, cryptopkg.AEAD{}, 0, b)
	p.ApplyDirective(bus.Directive{EnableEncryption: &encOn, MacKey: &macKey, NonceBase: &nonceBase})
	feedAll(t, p, sf)

	events := drainStatus(b)
	macInvalidCount := 0
	for _, ev := range events {
		if ev.Kind == "MacInvalid" {
			macInvalidCount++
			assert.Equal(t, 5, ev.Position)
		}
	}
	assert.Equal(t, 1, macInvalidCount)
}

func TestAcquisitionSkipsNonSyncSuperframesThenLocks(t *testing.T) {
	m := testMatrices(t)
	b := bus.New()
	reg := cryptopkg.NewNonceRegistry()
	asm := NewAssembler(callsign(n0call), 5, m, cryptopkg.AEAD{}, reg, b)
	asm.PTTPress()
	ctx := context.Background()

	p := NewParser(callsign(n0call), m, cryptopkg.AEAD{}, 20, b)

	for sfIdx := 0; sfIdx < 6; sfIdx++ {
		for i := 0; i < 24; i++ {
			require.NoError(t, b.AudioIn.Send(ctx, bus.AudioFrame{}))
		}
		sf, err := asm.Tick(ctx)
		require.NoError(t, err)

		// Simulate the receiver joining mid-stream: only feed the parser
		// superframes from counter 2 onward, and for superframe 2 start
		// partway through (skip the first 10 codewords).
		if sfIdx < 2 {
			continue
		}
		start := 0
		if sfIdx == 2 {
			start = 10
		}
		for _, cw := range sf.Codewords[start:] {
			require.NoError(t, p.Feed(ctx, cw))
		}
	}

	assert.Equal(t, bus.SyncSynced, p.State())
	events := drainStatus(b)
	var lockCounter uint32
	var locked bool
	for _, ev := range events {
		if ev.SyncState == bus.SyncSynced && ev.Position == 0 && !locked {
			lockCounter = ev.SuperframeCounter
			locked = true
		}
	}
	require.True(t, locked)
	assert.EqualValues(t, 5, lockCounter)
}

func TestTextFragmentDeliveredWithConcurrentVoice(t *testing.T) {
	m := testMatrices(t)
	b := bus.New()
	reg := cryptopkg.NewNonceRegistry()
	asm := NewAssembler(callsign(n0call), 5, m, cryptopkg.AEAD{}, reg, b)
	asm.SetCounter(1) // counter 1 mod 5 != 0, so position 0 is a regular user slot, not sync
	asm.PTTPress()
	ctx := context.Background()

	body := make([]byte, 100)
	for i := range body {
		body[i] = 'T'
	}
	require.NoError(t, asm.SubmitText(ctx, body))

	for i := 0; i < 22; i++ {
		require.NoError(t, b.AudioIn.Send(ctx, bus.AudioFrame{}))
	}

	sf, err := asm.Tick(ctx)
	require.NoError(t, err)

	textSlots := 0
	for _, cw := range sf.Codewords {
		info, _, converged, _ := ldpc.DecodeHard(ctx, cw.Bits, m.Voice, 20)
		require.True(t, converged)
		payload := ldpc.PackBits(info)
		if frame.Tag(payload[0]) == frame.TagText {
			textSlots++
		}
	}
	assert.Equal(t, 3, textSlots)

	p := NewParser(callsign(n0call), m, cryptopkg.AEAD{}, 20, b)
	p.Resume(1)
	feedAll(t, p, sf)

	delivered, err := b.TextOut.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, body, delivered.Body)
	assert.Equal(t, callsign(n0call), delivered.SenderCallsign)
}

func TestCounterWrapAcceptedWithoutReplay(t *testing.T) {
	m := testMatrices(t)
	b := bus.New()
	reg := cryptopkg.NewNonceRegistry()
	asm := NewAssembler(callsign(n0call), 255, m, cryptopkg.AEAD{}, reg, b)
	asm.SetCounter(^uint32(0) - 1) // 2^32 - 2
	asm.PTTPress()
	ctx := context.Background()

	p := NewParser(callsign(n0call), m, cryptopkg.AEAD{}, 20, b)
	p.Resume(^uint32(0) - 1)

	wantCounters := []uint32{^uint32(0) - 1, ^uint32(0), 0, 1}
	for _, want := range wantCounters {
		for i := 0; i < 24; i++ {
			require.NoError(t, b.AudioIn.Send(ctx, bus.AudioFrame{}))
		}
		sf, err := asm.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, sf.Counter)
		feedAll(t, p, sf)
	}

	assert.Equal(t, bus.SyncSynced, p.State())
	for _, ev := range drainStatus(b) {
		assert.NotEqual(t, "CounterReplay", ev.Kind)
	}
}

func TestPTTReleaseDrainsThenIdles(t *testing.T) {
	m := testMatrices(t)
	b := bus.New()
	reg := cryptopkg.NewNonceRegistry()
	asm := NewAssembler(callsign(n0call), 255, m, cryptopkg.AEAD{}, reg, b)
	asm.PTTPress()
	assert.Equal(t, Active, asm.State())

	asm.PTTRelease()
	assert.Equal(t, Draining, asm.State())

	ctx := context.Background()
	for i := 0; i < 24; i++ {
		require.NoError(t, b.AudioIn.Send(ctx, bus.AudioFrame{}))
	}
	_, err := asm.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, Idle, asm.State())

	_, err = asm.Tick(ctx)
	assert.ErrorIs(t, err, ErrIdle)
}
