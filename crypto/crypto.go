// Package crypto implements the two cryptographic services Sleipnir frames
// depend on: deterministic ECDSA authentication over BrainpoolP256r1, and
// ChaCha20-Poly1305 per-frame AEAD with counter-derived nonces. Nonce reuse
// within a session is tracked and treated as fatal, matching the teacher's
// pattern of a single mutex-guarded registry fronting shared mutable state
// (see ratelimit.go's RateLimiterManager).
package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"

	"github.com/codahale/rfc6979"
	"github.com/ebfe/brainpool"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/Supermagnum/gr-sleipnir/syncutil"
)

var (
	ErrKeyFormatInvalid   = errors.New("crypto: key format invalid")
	ErrNonceReuse         = errors.New("crypto: nonce reuse")
	ErrMacInvalid         = errors.New("crypto: mac invalid")
	ErrSignatureMalformed = errors.New("crypto: signature malformed")
)

// Curve is the group Sleipnir authentication operates over. BrainpoolP256r1
// has a 256-bit order, so r and s are each 32 bytes and a raw signature is
// 64 bytes — see Sign/Verify below and frame.BuildAuth's truncation of that
// to the 32-byte wire form.
func Curve() elliptic.Curve {
	return brainpool.P256r1()
}

// Sign produces a deterministic (RFC 6979) ECDSA signature over digest.
// Two calls with identical priv and digest yield identical output, which
// frame's build_auth / SuperframeAssembler rely on for reproducible test
// vectors.
func Sign(priv *ecdsa.PrivateKey, digest [32]byte) ([64]byte, error) {
	var out [64]byte
	if priv == nil || priv.Curve == nil {
		return out, fmt.Errorf("crypto: sign: %w", ErrKeyFormatInvalid)
	}
	r, s, err := rfc6979.SignECDSA(priv, digest[:], sha256.New)
	if err != nil || r == nil || s == nil {
		return out, fmt.Errorf("crypto: sign: %w", ErrSignatureMalformed)
	}
	putFixed(out[0:32], r)
	putFixed(out[32:64], s)
	return out, nil
}

// Verify checks a 64-byte raw (r||s) signature against digest and pub. It
// never panics on malformed input; out-of-range or undersized components
// simply verify false.
func Verify(pub *ecdsa.PublicKey, digest [32]byte, sig [64]byte) bool {
	if pub == nil || pub.Curve == nil {
		return false
	}
	r := new(big.Int).SetBytes(sig[0:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if r.Sign() <= 0 || s.Sign() <= 0 {
		return false
	}
	return ecdsa.Verify(pub, digest[:], r, s)
}

func putFixed(dst []byte, v *big.Int) {
	b := v.Bytes()
	if len(b) > len(dst) {
		b = b[len(b)-len(dst):]
	}
	copy(dst[len(dst)-len(b):], b)
}

// LoadPrivateKeyD constructs a BrainpoolP256r1 private key from a raw
// 32-byte scalar, as carried by the private_key control directive (§6).
func LoadPrivateKeyD(d [32]byte) (*ecdsa.PrivateKey, error) {
	curve := Curve()
	k := new(big.Int).SetBytes(d[:])
	if k.Sign() <= 0 || k.Cmp(curve.Params().N) >= 0 {
		return nil, fmt.Errorf("crypto: load private key: %w", ErrKeyFormatInvalid)
	}
	priv := new(ecdsa.PrivateKey)
	priv.Curve = curve
	priv.D = k
	priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(d[:])
	return priv, nil
}

// LoadPublicKeyXY constructs a BrainpoolP256r1 public key from raw 32-byte
// X/Y coordinates, as carried by the public_key control directive (§6).
func LoadPublicKeyXY(x, y [32]byte) (*ecdsa.PublicKey, error) {
	curve := Curve()
	pub := &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(x[:]),
		Y:     new(big.Int).SetBytes(y[:]),
	}
	if !curve.IsOnCurve(pub.X, pub.Y) {
		return nil, fmt.Errorf("crypto: load public key: %w", ErrKeyFormatInvalid)
	}
	return pub, nil
}

// LoadPrivateKeyPEM decodes a PEM block holding a raw 32-byte BrainpoolP256r1
// scalar. crypto/x509's EC key parsing identifies curves by ASN.1 OID, and
// Brainpool curves have none registered with the standard library, so the
// PEM block here is a plain wrapper around the same raw scalar
// LoadPrivateKeyD takes — not a SEC1/PKCS8 structure. The file named by the
// config's private_key_pem field must hold this form; a SEC1/PKCS8 key as
// written by openssl is rejected, since its block is not 32 bytes long.
func LoadPrivateKeyPEM(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || len(block.Bytes) != 32 {
		return nil, fmt.Errorf("crypto: load private key pem: %w", ErrKeyFormatInvalid)
	}
	var d [32]byte
	copy(d[:], block.Bytes)
	return LoadPrivateKeyD(d)
}

// LoadPublicKeyPEM decodes a PEM block holding raw 32-byte X and Y
// coordinates concatenated (64 bytes total), the public-key counterpart of
// LoadPrivateKeyPEM.
func LoadPublicKeyPEM(data []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || len(block.Bytes) != 64 {
		return nil, fmt.Errorf("crypto: load public key pem: %w", ErrKeyFormatInvalid)
	}
	var x, y [32]byte
	copy(x[:], block.Bytes[:32])
	copy(y[:], block.Bytes[32:])
	return LoadPublicKeyXY(x, y)
}

// AEAD wraps a ChaCha20-Poly1305 cipher and implements frame.Sealer with
// the on-wire 8-byte tag truncation §4.2 specifies.
type AEAD struct{}

// Seal8 returns the first 8 bytes of the 16-byte Poly1305 tag produced by
// sealing plaintext||aad as the message, with no separate AEAD associated
// data, and discarding the ciphertext (the frame's confidentiality is not in scope
// — only per-frame authentication is — so plaintext and ciphertext are the
// same bytes and only the tag is carried on the wire, matching §4.1's
// "tag || data || mac8" wire layout with no separate ciphertext field).
func (AEAD) Seal8(key [32]byte, nonce [12]byte, aad, plaintext []byte) (tag [8]byte, err error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return tag, fmt.Errorf("crypto: seal: %w", ErrKeyFormatInvalid)
	}
	sealed := aead.Seal(nil, nonce[:], nil, appendAAD(aad, plaintext))
	copy(tag[:], sealed[len(sealed)-chacha20poly1305.Overhead:][:8])
	return tag, nil
}

// Open8 recomputes the 8-byte tag and compares it in constant time.
func (a AEAD) Open8(key [32]byte, nonce [12]byte, aad, plaintext []byte, tag [8]byte) bool {
	got, err := a.Seal8(key, nonce, aad, plaintext)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(got[:], tag[:]) == 1
}

// appendAAD folds the frame's associated data into the Poly1305 input by
// authenticating plaintext||aad as a single buffer with no confidentiality
// boundary; this is the simplest faithful reading of §4.1's "truncated
// Poly1305 tag over tag || data || associated_data".
func appendAAD(aad, plaintext []byte) []byte {
	buf := make([]byte, 0, len(aad)+len(plaintext))
	buf = append(buf, plaintext...)
	buf = append(buf, aad...)
	return buf
}

// DeriveNonce implements the §6 wire derivation: the 12-byte nonce is
// nonce_base[0:8] XOR (counter_be32 || position_u8 || 0x00 0x00 0x00),
// concatenated with the unmodified nonce_base[8:12].
func DeriveNonce(base [12]byte, counter uint32, position uint8) [12]byte {
	var mix [8]byte
	binary.BigEndian.PutUint32(mix[0:4], counter)
	mix[4] = position

	var out [12]byte
	for i := 0; i < 8; i++ {
		out[i] = base[i] ^ mix[i]
	}
	copy(out[8:12], base[8:12])
	return out
}

// NonceRegistry tracks (key, nonce) pairs already used within a session and
// rejects reuse as fatal, per §4.2's contract. One registry instance guards
// exactly one SessionState's symmetric key lifetime.
type NonceRegistry struct {
	mu   syncutil.Mutex
	seen map[[44]byte]struct{}
}

// NewNonceRegistry returns an empty registry.
func NewNonceRegistry() *NonceRegistry {
	return &NonceRegistry{seen: make(map[[44]byte]struct{})}
}

// Reserve records (key, nonce) as used, returning ErrNonceReuse if the pair
// was already seen.
func (r *NonceRegistry) Reserve(key [32]byte, nonce [12]byte) error {
	var combined [44]byte
	copy(combined[:32], key[:])
	copy(combined[32:], nonce[:])

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[combined]; ok {
		return ErrNonceReuse
	}
	r.seen[combined] = struct{}{}
	return nil
}

// Count returns the number of (key, nonce) pairs reserved so far. Used by
// the status package to report session health.
func (r *NonceRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}
