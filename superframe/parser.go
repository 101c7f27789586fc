package superframe

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/Supermagnum/gr-sleipnir/bus"
	cryptopkg "github.com/Supermagnum/gr-sleipnir/crypto"
	"github.com/Supermagnum/gr-sleipnir/frame"
	"github.com/Supermagnum/gr-sleipnir/ldpc"
	"github.com/Supermagnum/gr-sleipnir/router"
)

const (
	counterMismatchLimit = 3
	macFailStreakLimit   = 5
)

// Parser is the RX superframe core. Feed is its only entry point: it is
// fed one codeword at a time, in arrival order, and internally tracks
// sync state, position-in-superframe, and per-superframe bookkeeping
// needed to defer auth-signature verification until all 24 user
// payloads of that superframe have arrived (§4.6).
type Parser struct {
	// Callsign is the identity of the peer this parser is currently
	// decoding: it feeds the AAD reconstruction for MAC verification
	// (§4.1) and, by default, keys peerKeys lookups. A session that
	// retunes to a different station updates it via ApplyDirective's
	// LocalCallsign field, exactly as the original parser's local_callsign
	// control directive swaps which builder.callsign frames are checked
	// against (voice_frame_builder.py's parse_frame comment: "callsign:
	// From builder, not payload" — this project's wire format carries no
	// per-frame sender field either, so the active peer is configured,
	// not read off the air).
	Callsign [5]byte

	Matrices router.Matrices
	Sealer   frame.Sealer
	MaxIters int

	bus    *bus.MessageBus
	policy Policy
	keys   KeyMaterial

	// peerKeys is the public-key directory §3 requires: every callsign
	// this parser has been given a key for, independent of which one is
	// currently active. Grounded on sleipnir_superframe_parser.py's
	// load_public_key(callsign), which resolves one PEM per callsign out
	// of a key-store directory rather than holding a single key.
	peerKeys map[[5]byte]*ecdsa.PublicKey

	state                bus.SyncState
	counter              uint32
	positionInSuperframe int
	counterMismatches    int
	macFailStreak        int
	pendingPayloads      [][frame.PayloadSize]byte // positions 1..24 collected so far this superframe
	pendingSig           [64]byte
	pendingHasSig        bool
	pendingDeliveries    []pendingDelivery // staged voice/APRS/text output, flushed or dropped in finishSuperframe
	reassembly           map[reassemblyKey]*reassemblyState
}

// pendingDelivery is one unit of user-data output staged during a
// superframe. It is not pushed onto bus until finishSuperframe decides
// the superframe's signature check passed (or signatures aren't
// required), matching the original parser's buffer-then-verify-then-
// deliver order (process_superframe collects every frame before ever
// calling message_port_pub).
type pendingDelivery struct {
	audio   *bus.AudioFrame
	message *bus.DeliveredMessage
	isAPRS  bool
}

type reassemblyKey struct {
	sender [5]byte
	seqID  byte
}

type reassemblyState struct {
	tag      frame.Tag
	count    byte
	received map[byte][]byte
	started  uint32 // superframe counter the first fragment arrived on
}

// NewParser constructs a parser in the searching state.
func NewParser(callsign [5]byte, m router.Matrices, sealer frame.Sealer, maxIters int, b *bus.MessageBus) *Parser {
	return &Parser{
		Callsign: callsign,
		Matrices: m,
		Sealer:   sealer,
		MaxIters: maxIters,
		bus:      b,
		state:    bus.SyncSearching,
		reassembly: make(map[reassemblyKey]*reassemblyState),
		peerKeys: make(map[[5]byte]*ecdsa.PublicKey),
	}
}

// ApplyDirective mirrors Assembler.ApplyDirective for the RX side.
func (p *Parser) ApplyDirective(d bus.Directive) {
	if d.EnableSigning != nil {
		p.policy.SigningOn = *d.EnableSigning
	}
	if d.EnableEncryption != nil {
		p.policy.EncryptionOn = *d.EnableEncryption
	}
	if d.RequireSignatures != nil {
		p.policy.RequireSignatures = *d.RequireSignatures
	}
	if d.LocalCallsign != nil {
		p.Callsign = *d.LocalCallsign
	}
	if d.MacKey != nil {
		p.keys.MacKey = *d.MacKey
	}
	if d.NonceBase != nil {
		p.keys.NonceBase = *d.NonceBase
	}
}

// AddPublicKey installs pub under callsign in the verification directory.
// A session can hold keys for several peers at once; which one verifies
// a given superframe is decided by Callsign at the moment finishSuperframe
// runs.
func (p *Parser) AddPublicKey(callsign [5]byte, pub *ecdsa.PublicKey) {
	p.peerKeys[callsign] = pub
}

// SetPublicKey installs pub for the currently active peer (Callsign). It
// exists for callers that only ever track one peer at a time, such as a
// directive or key-rotation event that arrives with a bare key and no
// callsign of its own — AddPublicKey(p.Callsign, pub) in that case.
func (p *Parser) SetPublicKey(pub *ecdsa.PublicKey) { p.AddPublicKey(p.Callsign, pub) }

// Resume puts the parser directly into synced state at the given counter,
// skipping the acquisition scan. Used when a session continues across a
// process restart and the counter is already known out-of-band, rather
// than rediscovering it from a sync or auth frame.
func (p *Parser) Resume(counter uint32) {
	p.lockOn(counter, 0)
}

// State reports the current sync state.
func (p *Parser) State() bus.SyncState { return p.state }

// Counter reports the last-synced (or seeded) superframe counter.
func (p *Parser) Counter() uint32 { return p.counter }

// Feed decodes one codeword and advances the parser's state machine. ctx
// bounds the LDPC decoder's iteration loop (§5: "LDPC decoder iteration
// boundaries" are a suspension point).
func (p *Parser) Feed(ctx context.Context, cw Codeword) error {
	decision, err := router.SelectRX(len(cw.Bits), p.Matrices)
	if err != nil {
		p.emitStatus(bus.StatusEvent{Kind: "FrameCorrupt", SyncState: p.state})
		return nil
	}

	info, residual, converged, decErr := ldpc.DecodeHard(ctx, cw.Bits, decision.Matrix, p.MaxIters)
	if decErr != nil && decErr != ldpc.ErrDecoderDiverged {
		return fmt.Errorf("superframe: feed: %w", decErr)
	}
	payload := ldpc.PackBits(info)

	if p.state == bus.SyncSearching {
		return p.acquire(decision, payload, cw.AuthSig, residual, converged)
	}
	return p.processSynced(decision, payload, cw.AuthSig, residual, converged)
}

func (p *Parser) acquire(decision router.Decision, payload []byte, authSig *[64]byte, residual int, converged bool) error {
	if decision.Rate == router.RateAuth && residual == 0 {
		p.lockOn(0, 0) // auth payload carries no counter, so the counter is seeded at 0
		p.setPendingSig(authSig)
		p.emitStatus(bus.StatusEvent{SuperframeCounter: p.counter, Position: 0, SyncState: bus.SyncSynced, DecoderConverged: converged, DecoderType: string(ldpc.DecoderHard), SyndromeResidual: residual})
		return p.advancePosition()
	}
	if decision.Rate == router.RateVoice && frame.IsSync(payload) {
		parsed, err := frame.ParseSync(payload)
		if err == nil {
			p.lockOn(parsed.Counter, 0)
			p.emitStatus(bus.StatusEvent{SuperframeCounter: p.counter, Position: 0, SyncState: bus.SyncSynced, DecoderConverged: converged, DecoderType: string(ldpc.DecoderHard), SyndromeResidual: residual})
			return p.advancePosition()
		}
	}
	// Not a recognizable acquisition point; stay in searching and drop.
	return nil
}

// setPendingSig records the position-0 auth codeword's signature for
// verification at the end of this superframe. sig comes from the
// Codeword's AuthSig sideband, not from the 32-byte wire payload — the
// wire payload alone (r only, per frame.BuildAuth) can never support a
// genuine ecdsa.Verify, since the s component would decode to zero. A
// nil sig (no sideband available) leaves pendingHasSig false so
// finishSuperframe skips verification rather than reporting a false
// SignatureInvalid.
func (p *Parser) setPendingSig(sig *[64]byte) {
	if sig == nil {
		p.pendingHasSig = false
		return
	}
	p.pendingHasSig = true
	p.pendingSig = *sig
}

func (p *Parser) lockOn(counter uint32, position int) {
	p.state = bus.SyncSynced
	p.counter = counter
	p.positionInSuperframe = position
	p.counterMismatches = 0
	p.macFailStreak = 0
	p.pendingPayloads = p.pendingPayloads[:0]
	p.pendingDeliveries = p.pendingDeliveries[:0]
}

func (p *Parser) processSynced(decision router.Decision, payload []byte, authSig *[64]byte, residual int, converged bool) error {
	position := p.positionInSuperframe

	if position == 0 {
		if decision.Rate == router.RateAuth {
			p.setPendingSig(authSig)
		} else if frame.IsSync(payload) {
			parsed, err := frame.ParseSync(payload)
			if err != nil {
				p.emitStatus(bus.StatusEvent{Kind: "FrameCorrupt", SuperframeCounter: p.counter, Position: 0, SyncState: p.state})
			} else if !p.checkCounter(parsed.Counter) {
				return p.advancePosition()
			}
		} else {
			p.handleUserFrame(uint32(position), decision, payload, residual, converged)
		}
		return p.advancePosition()
	}

	p.handleUserFrame(uint32(position), decision, payload, residual, converged)
	if position == FramesPerSuperframe-1 {
		p.finishSuperframe()
	}
	return p.advancePosition()
}

// checkCounter validates a sync frame's counter against expectation. A
// forward jump (lost superframes between transmissions) is accepted as
// the new authoritative counter. A backward jump of less than half the
// 32-bit range is a replay and is rejected outright, keeping the old
// counter (§3: "any decrement by less than half the range is treated as
// replay and dropped"). Either kind of mismatch counts toward the
// consecutive-mismatch sync-loss threshold; an exact match resets it.
func (p *Parser) checkCounter(got uint32) bool {
	if got == p.counter {
		p.counterMismatches = 0
		return true
	}
	p.counterMismatches++
	delta := int32(got - p.counter)
	if delta < 0 {
		p.emitStatus(bus.StatusEvent{Kind: "CounterReplay", SuperframeCounter: got, Position: 0, SyncState: p.state})
	} else {
		p.counter = got
	}
	if p.counterMismatches >= counterMismatchLimit {
		p.loseSync()
	}
	return false
}

func (p *Parser) advancePosition() error {
	p.positionInSuperframe++
	if p.positionInSuperframe >= FramesPerSuperframe {
		p.positionInSuperframe = 0
		p.counter++
	}
	return nil
}

func (p *Parser) handleUserFrame(position uint32, decision router.Decision, payload []byte, residual int, converged bool) {
	p.pendingPayloads = append(p.pendingPayloads, toPayloadArray(payload))

	var sealer frame.Sealer
	var key [32]byte
	var nonce [12]byte
	var aad []byte
	if p.policy.EncryptionOn {
		sealer = p.Sealer
		key = p.keys.MacKey
		nonce = cryptopkg.DeriveNonce(p.keys.NonceBase, p.counter, uint8(position))
		aad = frame.AAD(p.counter, uint8(position), p.Callsign)
	}

	parsed, err := frame.Parse(payload, sealer, key, nonce, aad)
	status := bus.StatusEvent{
		SuperframeCounter: p.counter,
		Position:          int(position),
		SyncState:         p.state,
		DecoderConverged:  converged,
		DecoderType:       string(ldpc.DecoderHard),
		SyndromeResidual:  residual,
		SenderCallsign:    p.Callsign,
	}

	if err != nil {
		switch {
		case errors.Is(err, frame.ErrMacInvalid):
			macValid := false
			status.MacValid = &macValid
			status.Kind = "MacInvalid"
			p.macFailStreak++
			if p.macFailStreak >= macFailStreakLimit {
				p.loseSync()
			}
		default:
			status.Kind = "FrameCorrupt"
		}
		p.emitStatus(status)
		return
	}
	p.macFailStreak = 0
	if !parsed.Plaintext {
		macValid := true
		status.MacValid = &macValid
	}
	p.emitStatus(status)
	p.deliver(parsed, position)
}

// deliver stages parsed's payload for later delivery; it is not pushed
// onto bus until finishSuperframe clears this superframe's signature
// check. See pendingDelivery.
func (p *Parser) deliver(parsed frame.ParsedFrame, position uint32) {
	switch parsed.Tag {
	case frame.TagVoice:
		var af bus.AudioFrame
		copy(af[:frame.DataSize], parsed.Data)
		p.pendingDeliveries = append(p.pendingDeliveries, pendingDelivery{audio: &af})
	case frame.TagAPRS:
		p.deliverFragment(parsed.Data, true)
	case frame.TagText:
		p.deliverFragment(parsed.Data, false)
	}
}

// deliverFragment reassembles one fragment. Reassembly state persists
// across superframe boundaries (a message can span more than one), but
// once a fragment set completes the resulting message is staged, not
// sent, so a pending signature check can still withhold it. The zero
// padding of the last fragment is stripped from the reassembled body, so a
// message that itself ends in zero bytes is delivered without them.
func (p *Parser) deliverFragment(data []byte, isAPRS bool) {
	frag, err := frame.DecodeFragment(data)
	if err != nil {
		return
	}
	key := reassemblyKey{sender: p.Callsign, seqID: frag.SeqID}
	st, ok := p.reassembly[key]
	if !ok {
		st = &reassemblyState{count: frag.Count, received: make(map[byte][]byte), started: p.counter}
		p.reassembly[key] = st
	}
	st.received[frag.Index] = append([]byte(nil), frag.Body[:]...)

	if byte(len(st.received)) < st.count {
		return
	}
	body := make([]byte, 0, int(st.count)*frame.FragmentBodySize)
	for i := byte(0); i < st.count; i++ {
		body = append(body, st.received[i]...)
	}
	body = bytes.TrimRight(body, "\x00")
	delete(p.reassembly, key)

	delivered := bus.DeliveredMessage{Body: body, SenderCallsign: p.Callsign, SuperframeStart: st.started}
	p.pendingDeliveries = append(p.pendingDeliveries, pendingDelivery{message: &delivered, isAPRS: isAPRS})
}

// finishSuperframe runs once position 24 has been processed. Every
// position 1..24 payload parsed this superframe sits in
// pendingDeliveries, not yet on bus (see pendingDelivery) — this is
// where that gets decided, mirroring process_superframe's shape of
// collecting every frame before ever publishing one.
func (p *Parser) finishSuperframe() {
	defer func() {
		p.pendingHasSig = false
		p.pendingPayloads = p.pendingPayloads[:0]
		p.pendingDeliveries = p.pendingDeliveries[:0]
	}()

	if !p.pendingHasSig {
		if p.policy.RequireSignatures {
			return
		}
		p.flushPendingDeliveries()
		return
	}

	digest := p.signatureDigest()
	pub := p.peerKeys[p.Callsign]
	valid := pub != nil && cryptopkg.Verify(pub, digest, p.pendingSig)

	status := bus.StatusEvent{
		SuperframeCounter: p.counter,
		Position:          0,
		SyncState:         p.state,
		SenderCallsign:    p.Callsign,
		SignatureValid:    &valid,
	}
	if !valid {
		status.Kind = "SignatureInvalid"
	}
	p.emitStatus(status)

	if !valid && p.policy.RequireSignatures {
		return
	}
	p.flushPendingDeliveries()
}

// flushPendingDeliveries pushes every staged voice/APRS/text payload
// from this superframe onto bus, in arrival order.
func (p *Parser) flushPendingDeliveries() {
	for _, d := range p.pendingDeliveries {
		switch {
		case d.audio != nil:
			_ = p.bus.AudioOut.Send(context.Background(), *d.audio)
		case d.message != nil && d.isAPRS:
			_ = p.bus.APRSOut.Send(context.Background(), *d.message)
		case d.message != nil:
			_ = p.bus.TextOut.Send(context.Background(), *d.message)
		}
	}
}

func (p *Parser) signatureDigest() [32]byte {
	h := sha256.New()
	for _, pl := range p.pendingPayloads {
		h.Write(pl[:])
	}
	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest
}

func (p *Parser) loseSync() {
	p.state = bus.SyncLost
	p.emitStatus(bus.StatusEvent{Kind: "SyncLost", SuperframeCounter: p.counter, SyncState: bus.SyncLost})
	p.state = bus.SyncSearching
}

func (p *Parser) emitStatus(ev bus.StatusEvent) {
	_ = p.bus.StatusOut.Send(context.Background(), ev)
}

func toPayloadArray(b []byte) [frame.PayloadSize]byte {
	var out [frame.PayloadSize]byte
	copy(out[:], b)
	return out
}
