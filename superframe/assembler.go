package superframe

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/Supermagnum/gr-sleipnir/bus"
	cryptopkg "github.com/Supermagnum/gr-sleipnir/crypto"
	"github.com/Supermagnum/gr-sleipnir/frame"
	"github.com/Supermagnum/gr-sleipnir/ldpc"
	"github.com/Supermagnum/gr-sleipnir/router"
)

// position0Kind is the assembler's per-tick decision for what occupies
// slot 0, made before any user slots are filled (§4.5 step 1).
type position0Kind int

const (
	kindAuth position0Kind = iota
	kindSync
	kindUser
)

// KeyMaterial bundles the key state ApplyDirective installs: a signing
// keypair and a symmetric AEAD key/nonce-base pair. Either half may be
// nil/zero if the corresponding policy flag is off. The RX side's
// verification keys live in a separate per-callsign directory (see
// Parser.peerKeys), not here, since §3 requires a lookup keyed by sender
// rather than a single overwritable key.
type KeyMaterial struct {
	PrivKey   *ecdsa.PrivateKey
	MacKey    [32]byte
	NonceBase [12]byte
}

// Assembler is the TX superframe core. It owns the outgoing counter and
// lifecycle state and is the sole writer of both; callers must drive it
// from a single goroutine, matching §5's "Superframe task... is the only
// writer to the counter and sync-state machine."
type Assembler struct {
	Callsign [5]byte
	Interval uint32 // sync_interval, 1..255

	Matrices router.Matrices
	Sealer   frame.Sealer
	Nonces   *cryptopkg.NonceRegistry

	bus    *bus.MessageBus
	policy Policy
	keys   KeyMaterial

	// Workers bounds the concurrency of the per-superframe LDPC encode
	// stage (§5's "Crypto/LDPC worker pool" goroutine): each user slot's
	// payload is already fixed by the time encodeUserSlots runs, so the
	// 24-or-25 independent Encode calls fan out across up to Workers
	// goroutines. 0 or 1 means serial. Slot selection (fillUserSlot's
	// priority pop) is never parallelized: it must stay strictly ordered
	// by position, since that order is what a receiver's reassembly keys
	// on.
	Workers int

	counter   uint32
	state     Lifecycle
	nextSeqID byte
}

// NewAssembler constructs an idle assembler bound to b's voice/text/aprs
// queues. Sealer is typically cryptopkg.AEAD{}; Nonces must outlive the
// assembler's session.
func NewAssembler(callsign [5]byte, interval uint32, m router.Matrices, sealer frame.Sealer, nonces *cryptopkg.NonceRegistry, b *bus.MessageBus) *Assembler {
	return &Assembler{
		Callsign: callsign,
		Interval: interval,
		Matrices: m,
		Sealer:   sealer,
		Nonces:   nonces,
		bus:      b,
		state:    Idle,
	}
}

// ApplyDirective updates policy and key material from a control directive.
// Unset fields are left unchanged, matching the teacher's config-merge
// convention of treating nil pointers as "no change requested."
func (a *Assembler) ApplyDirective(d bus.Directive) {
	if d.EnableSigning != nil {
		a.policy.SigningOn = *d.EnableSigning
	}
	if d.EnableEncryption != nil {
		a.policy.EncryptionOn = *d.EnableEncryption
	}
	if d.RequireSignatures != nil {
		a.policy.RequireSignatures = *d.RequireSignatures
	}
	if d.SyncInterval != nil {
		a.Interval = *d.SyncInterval
	}
	if d.LocalCallsign != nil {
		a.Callsign = *d.LocalCallsign
	}
	if d.MacKey != nil {
		a.keys.MacKey = *d.MacKey
	}
	if d.NonceBase != nil {
		a.keys.NonceBase = *d.NonceBase
	}
}

// SetPrivateKey installs the signing keypair used for position-0 auth
// frames.
func (a *Assembler) SetPrivateKey(priv *ecdsa.PrivateKey) { a.keys.PrivKey = priv }

// PTTPress transitions an idle assembler to active. A no-op once already
// active or draining.
func (a *Assembler) PTTPress() {
	if a.state == Idle {
		a.state = Active
	}
}

// PTTRelease asks the assembler to finish the superframe in progress and
// then go idle — the "flush semantics" §4.5 requires rather than an
// abrupt stop mid-superframe.
func (a *Assembler) PTTRelease() {
	if a.state == Active {
		a.state = Draining
	}
}

// State reports the current lifecycle value.
func (a *Assembler) State() Lifecycle { return a.state }

// Counter reports the superframe counter the next Tick will use.
func (a *Assembler) Counter() uint32 { return a.counter }

// SetCounter seeds the superframe counter, e.g. when resuming a session
// near the 32-bit wraparound boundary.
func (a *Assembler) SetCounter(c uint32) { a.counter = c }

// SubmitText enqueues body for transmission, fragmenting it into 36-byte
// chunks headed by (seq_id, frag_index, frag_count) as §4.5 specifies.
// Fragments of one message are pushed contiguously so the priority-pop in
// Tick never interleaves a different message ahead of them while any
// remain queued.
func (a *Assembler) SubmitText(ctx context.Context, body []byte) error {
	return a.submitFragmented(ctx, a.bus.TextIn, body)
}

// SubmitAPRS is SubmitText's APRS-queue counterpart.
func (a *Assembler) SubmitAPRS(ctx context.Context, body []byte) error {
	return a.submitFragmented(ctx, a.bus.APRSIn, body)
}

type fragmentSender interface {
	Send(ctx context.Context, v bus.Message) error
}

func (a *Assembler) submitFragmented(ctx context.Context, q fragmentSender, body []byte) error {
	count := (len(body) + frame.FragmentBodySize - 1) / frame.FragmentBodySize
	if count == 0 {
		count = 1
	}
	if count > 255 {
		return fmt.Errorf("superframe: submit: message too long for a 255-fragment sequence")
	}
	seqID := a.nextSeqID
	a.nextSeqID++

	for i := 0; i < count; i++ {
		var f frame.Fragment
		f.SeqID = seqID
		f.Index = byte(i)
		f.Count = byte(count)
		start := i * frame.FragmentBodySize
		end := start + frame.FragmentBodySize
		if end > len(body) {
			end = len(body)
		}
		copy(f.Body[:], body[start:end])
		data := f.Encode()
		if err := q.Send(ctx, bus.Message{SeqID: seqID, Body: data[:]}); err != nil {
			return fmt.Errorf("superframe: submit fragment %d/%d: %w", i+1, count, err)
		}
	}
	return nil
}

// Tick assembles the next superframe. It returns ErrIdle if PTT has not
// been pressed. On success the counter is advanced and, if the assembler
// was draining, it returns to idle after this call.
func (a *Assembler) Tick(ctx context.Context) (*Superframe, error) {
	if a.state == Idle {
		return nil, ErrIdle
	}

	kind := a.position0Kind()
	nUserSlots := 24
	if kind == kindUser {
		nUserSlots = 25
	}

	userPayloads := make([][frame.PayloadSize]byte, nUserSlots)
	for i := 0; i < nUserSlots; i++ {
		position := uint32(i + 1)
		if kind == kindUser {
			position = uint32(i)
		}
		payload, err := a.fillUserSlot(ctx, position)
		if err != nil {
			return nil, err
		}
		userPayloads[i] = payload
	}

	var sf Superframe
	sf.Counter = a.counter

	switch kind {
	case kindAuth:
		digest := a.signatureDigest(userPayloads)
		sig, err := cryptopkg.Sign(a.keys.PrivKey, digest)
		if err != nil {
			return nil, fmt.Errorf("superframe: sign position 0: %w", err)
		}
		authPayload := frame.BuildAuth(sig)
		code, err := a.encodeSlot(authPayload[:], a.Matrices.Auth, router.RateAuth)
		if err != nil {
			return nil, err
		}
		sigCopy := sig
		code.AuthSig = &sigCopy
		sf.Codewords[0] = code
		if err := a.encodeUserSlots(userPayloads, sf.Codewords[1:]); err != nil {
			return nil, err
		}
	case kindSync:
		syncPayload := frame.BuildSync(a.counter)
		code, err := a.encodeSlot(syncPayload[:], a.Matrices.Voice, router.RateVoice)
		if err != nil {
			return nil, err
		}
		sf.Codewords[0] = code
		if err := a.encodeUserSlots(userPayloads, sf.Codewords[1:]); err != nil {
			return nil, err
		}
	case kindUser:
		if err := a.encodeUserSlots(userPayloads, sf.Codewords[:]); err != nil {
			return nil, err
		}
	}

	a.counter++
	if a.state == Draining {
		a.state = Idle
	}
	return &sf, nil
}

func (a *Assembler) position0Kind() position0Kind {
	if a.policy.SigningOn {
		return kindAuth
	}
	if a.Interval > 0 && a.counter%a.Interval == 0 {
		return kindSync
	}
	return kindUser
}

// fillUserSlot pops the highest-priority non-empty queue (APRS > Text >
// Voice) and builds a tagged, optionally-encrypted 48-byte payload for
// position. An all-empty set of queues yields a silence voice frame.
func (a *Assembler) fillUserSlot(ctx context.Context, position uint32) ([frame.PayloadSize]byte, error) {
	var data [frame.DataSize]byte
	var tag frame.Tag

	if msg, ok := a.bus.APRSIn.TryReceive(); ok {
		copy(data[:], msg.Body)
		tag = frame.TagAPRS
	} else if msg, ok := a.bus.TextIn.TryReceive(); ok {
		copy(data[:], msg.Body)
		tag = frame.TagText
	} else {
		tag = frame.TagVoice
		if af, ok := a.bus.AudioIn.TryReceive(); ok {
			copy(data[:], af[:frame.DataSize])
		}
		// else: data stays zero — the Opus null frame §6 defines.
	}

	var sealer frame.Sealer
	var key [32]byte
	var nonce [12]byte
	var aad []byte
	if a.policy.EncryptionOn {
		sealer = a.Sealer
		key = a.keys.MacKey
		nonce = cryptopkg.DeriveNonce(a.keys.NonceBase, a.counter, uint8(position))
		aad = frame.AAD(a.counter, uint8(position), a.Callsign)
		if err := a.Nonces.Reserve(key, nonce); err != nil {
			return [frame.PayloadSize]byte{}, fmt.Errorf("superframe: position %d: %w", position, err)
		}
	}

	switch tag {
	case frame.TagAPRS:
		return frame.BuildAPRS(data, sealer, key, nonce, aad)
	case frame.TagText:
		return frame.BuildText(data, sealer, key, nonce, aad)
	default:
		return frame.BuildVoice(data, sealer, key, nonce, aad)
	}
}

func (a *Assembler) signatureDigest(payloads [][frame.PayloadSize]byte) [32]byte {
	h := sha256.New()
	for _, p := range payloads {
		h.Write(p[:])
	}
	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return digest
}

func (a *Assembler) encodeUserSlots(payloads [][frame.PayloadSize]byte, dst []Codeword) error {
	workers := a.Workers
	if workers <= 1 || len(payloads) <= 1 {
		for i, p := range payloads {
			code, err := a.encodeSlot(p[:], a.Matrices.Voice, router.RateVoice)
			if err != nil {
				return err
			}
			dst[i] = code
		}
		return nil
	}

	if workers > len(payloads) {
		workers = len(payloads)
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i, p := range payloads {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int, p [frame.PayloadSize]byte) {
			defer wg.Done()
			defer func() { <-sem }()
			code, err := a.encodeSlot(p[:], a.Matrices.Voice, router.RateVoice)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			dst[i] = code
		}(i, p)
	}
	wg.Wait()
	return firstErr
}

func (a *Assembler) encodeSlot(payload []byte, m *ldpc.Matrix, rate router.Rate) (Codeword, error) {
	info := ldpc.UnpackBits(payload, m.K())
	bits, err := ldpc.Encode(info, m)
	if err != nil {
		return Codeword{}, fmt.Errorf("superframe: encode slot: %w", err)
	}
	return Codeword{Bits: bits, Rate: rate}, nil
}
