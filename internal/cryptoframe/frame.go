// Package cryptoframe implements authenticated symmetric encryption of
// opaque byte blobs, with an identity mode for unencrypted branches.
//
// A sealed frame is version_tag || nonce(24B) || ciphertext || tag(16B),
// produced by XChaCha20-Poly1305. Nonces are generated fresh for every
// call and never reused for a given key.
package cryptoframe

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Version identifies the frame layout. It is carried as the first byte of
// every sealed frame so that future layout changes fail loudly instead of
// silently misparsing.
type Version byte

const CurrentVersion Version = 1

// KeySize is the XChaCha20-Poly1305 key size in bytes.
const KeySize = chacha20poly1305.KeySize

// NonceSize is the XChaCha20-Poly1305 nonce size in bytes.
const NonceSize = chacha20poly1305.NonceSizeX

// ErrAuth is returned when a frame fails to authenticate: wrong key,
// truncated frame, or corrupted ciphertext.
var ErrAuth = errors.New("cryptoframe: authentication failed")

// Key is a 32-byte symmetric key for one key domain (state key or a
// namespace's content key).
type Key [KeySize]byte

// GenerateKey returns a fresh random key. Failure of the RNG is fatal to
// the caller, matching spec.md's "failure of the RNG is fatal" policy for
// Seal.
func GenerateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, fmt.Errorf("cryptoframe: generate key: %w", err)
	}
	return k, nil
}

// Mode selects whether a branch's blobs are sealed or stored in the clear.
type Mode int

const (
	// ModeClear is the identity transform: Seal/Open are no-ops beyond a
	// version byte, used for unencrypted branches.
	ModeClear Mode = iota
	// ModeEncrypted seals with XChaCha20-Poly1305 under a Key.
	ModeEncrypted
)

// Frame seals and opens blobs for a single key domain under a fixed Mode.
// The zero value is not usable; construct with NewClear or NewEncrypted.
type Frame struct {
	mode Mode
	key  Key
	aead func(Key) (cipherAEAD, error)
}

// cipherAEAD is the subset of cipher.AEAD this package needs, named so the
// construction (chacha20poly1305.NewX) is isolated to one place.
type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

func newXChaCha(k Key) (cipherAEAD, error) {
	return chacha20poly1305.NewX(k[:])
}

// NewClear returns a Frame in identity mode, for unencrypted branches.
func NewClear() *Frame {
	return &Frame{mode: ModeClear}
}

// NewEncrypted returns a Frame sealing under key.
func NewEncrypted(key Key) *Frame {
	return &Frame{mode: ModeEncrypted, key: key, aead: newXChaCha}
}

// Seal frames plaintext. In ModeClear it returns plaintext prefixed with a
// version byte; in ModeEncrypted it returns
// version || nonce(24B) || ciphertext || tag(16B).
func (f *Frame) Seal(plaintext []byte) ([]byte, error) {
	switch f.mode {
	case ModeClear:
		out := make([]byte, 0, 1+len(plaintext))
		out = append(out, byte(CurrentVersion))
		out = append(out, plaintext...)
		return out, nil
	case ModeEncrypted:
		aead, err := f.aead(f.key)
		if err != nil {
			return nil, fmt.Errorf("cryptoframe: init aead: %w", err)
		}
		nonce := make([]byte, NonceSize)
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("cryptoframe: generate nonce: %w", err)
		}
		out := make([]byte, 0, 1+NonceSize+len(plaintext)+chacha20poly1305.Overhead)
		out = append(out, byte(CurrentVersion))
		out = append(out, nonce...)
		out = aead.Seal(out, nonce, plaintext, nil)
		return out, nil
	default:
		return nil, fmt.Errorf("cryptoframe: unknown mode %d", f.mode)
	}
}

// Open reverses Seal, returning ErrAuth wrapped with context on any
// authentication or framing failure. An unsupported version byte is
// reported as its own error, which does not wrap ErrAuth.
func (f *Frame) Open(framed []byte) ([]byte, error) {
	if len(framed) < 1 {
		return nil, fmt.Errorf("%w: empty frame", ErrAuth)
	}
	version := Version(framed[0])
	if version != CurrentVersion {
		return nil, fmt.Errorf("cryptoframe: unsupported frame version %d", version)
	}
	body := framed[1:]
	switch f.mode {
	case ModeClear:
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	case ModeEncrypted:
		if len(body) < NonceSize+chacha20poly1305.Overhead {
			return nil, fmt.Errorf("%w: frame too short", ErrAuth)
		}
		aead, err := f.aead(f.key)
		if err != nil {
			return nil, fmt.Errorf("cryptoframe: init aead: %w", err)
		}
		nonce, ciphertext := body[:NonceSize], body[NonceSize:]
		plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAuth, err)
		}
		return plaintext, nil
	default:
		return nil, fmt.Errorf("cryptoframe: unknown mode %d", f.mode)
	}
}

// Mode reports which mode this Frame was constructed with.
func (f *Frame) Mode() Mode { return f.mode }
