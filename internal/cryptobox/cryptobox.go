// Package cryptobox seals a single secret string with XSalsa20-Poly1305
// (NaCl secretbox) so it can be persisted at rest, and opens it again at
// send time.
//
// Sealed values are self-describing: base64(nonce || ciphertext). The key is
// the first KeySize bytes of an installation-wide master secret, which is
// held in a memguard enclave between operations.
package cryptobox

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the number of master secret bytes used as the secretbox key.
	KeySize = 32

	// NonceSize is the length of the random nonce prepended to every sealed value.
	NonceSize = 24
)

// Box encrypts and decrypts secrets with a key derived from a master secret.
// A Box is safe for concurrent use.
type Box struct {
	enclave atomic.Pointer[memguard.Enclave]
	rand    io.Reader
}

// New creates a Box from the given master secret. The key is the first
// KeySize bytes of masterSecret; the remainder is ignored. The caller's
// slice is wiped.
//
// If masterSecret is shorter than KeySize the Box runs in degraded mode:
// Encrypt returns plaintext unchanged and Decrypt returns its input
// unchanged. Degraded reports this so callers can surface it.
func New(masterSecret []byte) *Box {
	b := &Box{rand: rand.Reader}

	if len(masterSecret) < KeySize {
		slog.Warn("master secret too short, secrets will be stored unencrypted",
			"have_bytes", len(masterSecret),
			"need_bytes", KeySize,
		)
		memguard.WipeBytes(masterSecret)
		return b
	}

	key := make([]byte, KeySize)
	copy(key, masterSecret[:KeySize])
	memguard.WipeBytes(masterSecret)

	// NewEnclave wipes key after sealing it.
	b.enclave.Store(memguard.NewEnclave(key))
	return b
}

// Degraded reports whether the Box has no usable key material and is
// passing values through unencrypted.
func (b *Box) Degraded() bool {
	return b.enclave.Load() == nil
}

// Encrypt seals plaintext under a fresh random nonce and returns
// base64(nonce || ciphertext). In degraded mode it returns plaintext
// unchanged. Encrypting the same plaintext twice yields different output.
func (b *Box) Encrypt(plaintext string) (string, error) {
	enclave := b.enclave.Load()
	if enclave == nil {
		return plaintext, nil
	}

	var nonce [NonceSize]byte
	if _, err := io.ReadFull(b.rand, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	key, err := enclave.Open()
	if err != nil {
		return "", fmt.Errorf("failed to open key enclave: %w", err)
	}
	defer key.Destroy()

	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, key.ByteArray32())
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt. It never fails: empty input
// yields "", and input that is not valid base64, is too short, or does not
// authenticate under the current key is returned unchanged. Use CanDecrypt
// to tell a real plaintext from that fallback.
func (b *Box) Decrypt(blob string) string {
	if blob == "" {
		return ""
	}
	plain, ok := b.open(blob)
	if !ok {
		return blob
	}
	return plain
}

// CanDecrypt reports whether blob is a sealed value that authenticates
// under the current key.
func (b *Box) CanDecrypt(blob string) bool {
	if blob == "" {
		return false
	}
	_, ok := b.open(blob)
	return ok
}

// Close drops the key enclave. The Box is degraded afterwards; operations
// already in flight finish with the key they loaded.
func (b *Box) Close() {
	b.enclave.Store(nil)
}

func (b *Box) open(blob string) (string, bool) {
	enclave := b.enclave.Load()
	if enclave == nil {
		return "", false
	}

	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", false
	}
	if len(raw) < NonceSize+secretbox.Overhead {
		return "", false
	}

	var nonce [NonceSize]byte
	copy(nonce[:], raw[:NonceSize])

	key, err := enclave.Open()
	if err != nil {
		slog.Error("failed to open key enclave", "error", err)
		return "", false
	}
	defer key.Destroy()

	plain, ok := secretbox.Open(nil, raw[NonceSize:], &nonce, key.ByteArray32())
	if !ok {
		return "", false
	}
	return string(plain), true
}
