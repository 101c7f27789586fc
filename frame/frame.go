// Package frame builds and parses the fixed-size payloads carried inside a
// superframe slot: the 48-byte voice/text/APRS/sync payload and the 32-byte
// authentication payload. It knows nothing about LDPC coding, superframe
// position, or sync state — those live in ldpc, router, and superframe.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Tag identifies the content of a 48-byte payload. The auth payload has no
// tag byte; its position in the superframe and the matrix rate identify it.
type Tag byte

const (
	TagVoice Tag = 0x00
	TagAPRS  Tag = 0x01
	TagText  Tag = 0x02
	TagSync  Tag = 0xFF
)

const (
	// PayloadSize is the length in bytes of voice/text/APRS/sync payloads.
	PayloadSize = 48
	// AuthPayloadSize is the length in bytes of the auth payload.
	AuthPayloadSize = 32
	// DataSize is the number of data bytes carried after the tag byte and
	// before the truncated MAC.
	DataSize = 39
	// MacSize is the length of the truncated Poly1305 tag carried on wire.
	MacSize = 8

	syncMagic = uint64(0xDEADBEEFCAFEBABE)
)

var (
	ErrUnknownTag       = errors.New("frame: unknown tag byte")
	ErrMacInvalid       = errors.New("frame: mac invalid")
	ErrSyncMagicInvalid = errors.New("frame: sync magic invalid")
	ErrCounterReplay    = errors.New("frame: counter replay")
	ErrWrongSize        = errors.New("frame: wrong payload size")
)

func (t Tag) String() string {
	switch t {
	case TagVoice:
		return "voice"
	case TagAPRS:
		return "aprs"
	case TagText:
		return "text"
	case TagSync:
		return "sync"
	default:
		return fmt.Sprintf("tag(0x%02x)", byte(t))
	}
}

func (t Tag) valid() bool {
	switch t {
	case TagVoice, TagAPRS, TagText:
		return true
	default:
		return false
	}
}

// Sealer computes the truncated Poly1305 tag for a payload's tag+data
// section. Implementations live in package crypto; frame only depends on
// this narrow interface to stay decoupled from key material.
type Sealer interface {
	// Seal8 returns the first 8 bytes of the Poly1305 tag over plaintext
	// under aad, using the caller-supplied (key, nonce) pair.
	Seal8(key [32]byte, nonce [12]byte, aad, plaintext []byte) ([MacSize]byte, error)
	// Open8 recomputes the tag and compares it in constant time.
	Open8(key [32]byte, nonce [12]byte, aad, plaintext []byte, tag [MacSize]byte) bool
}

// AAD builds the associated data covering counter, position, and callsign,
// exactly as referenced by §4.1's MAC contract.
func AAD(counter uint32, position uint8, callsign [5]byte) []byte {
	aad := make([]byte, 10)
	binary.BigEndian.PutUint32(aad[0:4], counter)
	aad[4] = position
	copy(aad[5:10], callsign[:])
	return aad
}

// ParsedFrame is the decoded result of Parse.
type ParsedFrame struct {
	Tag       Tag
	Data      []byte // DataSize bytes, always a copy
	MacValid  bool
	Plaintext bool // true if the frame carried a zero MAC or Parse was given no sealer
	Counter   uint32
	Position  uint32
}

// BuildVoice assembles a 48-byte voice payload. If sealer is non-nil the
// trailing 8 bytes are the truncated MAC over tag||data under aad; otherwise
// they are zero and the frame is plaintext.
func BuildVoice(opus [DataSize]byte, sealer Sealer, key [32]byte, nonce [12]byte, aad []byte) ([PayloadSize]byte, error) {
	return buildTagged(TagVoice, opus, sealer, key, nonce, aad)
}

// BuildAPRS assembles a 48-byte APRS payload (fragment-framed data).
func BuildAPRS(fragment [DataSize]byte, sealer Sealer, key [32]byte, nonce [12]byte, aad []byte) ([PayloadSize]byte, error) {
	return buildTagged(TagAPRS, fragment, sealer, key, nonce, aad)
}

// BuildText assembles a 48-byte text payload (fragment-framed data).
func BuildText(fragment [DataSize]byte, sealer Sealer, key [32]byte, nonce [12]byte, aad []byte) ([PayloadSize]byte, error) {
	return buildTagged(TagText, fragment, sealer, key, nonce, aad)
}

func buildTagged(tag Tag, data [DataSize]byte, sealer Sealer, key [32]byte, nonce [12]byte, aad []byte) ([PayloadSize]byte, error) {
	var out [PayloadSize]byte
	out[0] = byte(tag)
	copy(out[1:1+DataSize], data[:])

	if sealer == nil {
		return out, nil
	}
	mac, err := sealer.Seal8(key, nonce, aad, out[:1+DataSize])
	if err != nil {
		return out, fmt.Errorf("frame: build %s: %w", tag, err)
	}
	copy(out[1+DataSize:], mac[:])
	return out, nil
}

// BuildSync assembles the 48-byte sync payload carrying the current
// superframe counter. Position is always encoded as 0 per §6.
func BuildSync(counter uint32) [PayloadSize]byte {
	var out [PayloadSize]byte
	binary.BigEndian.PutUint64(out[0:8], syncMagic)
	binary.BigEndian.PutUint32(out[8:12], counter)
	binary.BigEndian.PutUint32(out[12:16], 0)
	return out
}

// BuildAuth truncates a 64-byte deterministic ECDSA signature (r‖s) to the
// 32-byte wire representation: the low 32 bytes, i.e. r. See crypto.Sign and
// the Open Question resolution in SPEC_FULL.md §4.2 for why verification of
// this truncated form requires the in-process sideband rather than the bare
// wire bytes.
func BuildAuth(sig [64]byte) [AuthPayloadSize]byte {
	var out [AuthPayloadSize]byte
	copy(out[:], sig[:32])
	return out
}

// IsSync reports whether payload's first 8 bytes are the sync magic,
// independent of tag dispatch. The superframe parser's acquisition scan
// (§4.6 case b) uses this to recognize a sync frame arriving at any
// position, since during "searching" the position-in-superframe is not
// yet known.
func IsSync(payload []byte) bool {
	return len(payload) >= 8 && binary.BigEndian.Uint64(payload[0:8]) == syncMagic
}

// ParseSync decodes a position-0 payload the caller already expects to be
// a sync frame (signing off, counter mod sync_interval == 0). It is kept
// separate from Parse because a sync payload carries no tag byte: its
// wire layout starts with the magic directly, so tag-based dispatch would
// never reach it.
func ParseSync(payload []byte) (ParsedFrame, error) {
	if len(payload) != PayloadSize {
		return ParsedFrame{}, fmt.Errorf("frame: parse sync: %w", ErrWrongSize)
	}
	if !IsSync(payload) {
		return ParsedFrame{}, fmt.Errorf("frame: parse sync: %w", ErrSyncMagicInvalid)
	}
	counter := binary.BigEndian.Uint32(payload[8:12])
	position := binary.BigEndian.Uint32(payload[12:16])
	return ParsedFrame{Tag: TagSync, Counter: counter, Position: position, MacValid: true}, nil
}

// Parse validates and decodes a 48-byte voice/APRS/text payload via its tag
// byte. mac key/sealer may be nil to skip MAC verification (e.g. when
// encryption is disabled for the session). Sync payloads are never passed
// here — see ParseSync.
func Parse(payload []byte, sealer Sealer, key [32]byte, nonce [12]byte, aad []byte) (ParsedFrame, error) {
	if len(payload) != PayloadSize {
		return ParsedFrame{}, fmt.Errorf("frame: parse: %w", ErrWrongSize)
	}
	tag := Tag(payload[0])
	if !tag.valid() {
		return ParsedFrame{}, fmt.Errorf("frame: parse: %w", ErrUnknownTag)
	}

	data := make([]byte, DataSize)
	copy(data, payload[1:1+DataSize])
	var tagField [MacSize]byte
	copy(tagField[:], payload[1+DataSize:])

	allZero := true
	for _, b := range tagField {
		if b != 0 {
			allZero = false
			break
		}
	}

	if sealer == nil || allZero {
		return ParsedFrame{Tag: tag, Data: data, Plaintext: true, MacValid: allZero}, nil
	}

	ok := sealer.Open8(key, nonce, aad, payload[:1+DataSize], tagField)
	if !ok {
		return ParsedFrame{Tag: tag, Data: data, MacValid: false}, fmt.Errorf("frame: parse: %w", ErrMacInvalid)
	}
	return ParsedFrame{Tag: tag, Data: data, MacValid: true}, nil
}
