// Package codec provides content hashing and encryption for memory shards.
//
// Content is sealed with an authenticated symmetric cipher under a random
// per-shard content key; the content key is wrapped for a recipient's
// curve25519 public key in a sealed envelope. Granting access to another
// party means rewrapping the content key for them, never copying a private
// key.
package codec

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the size of public keys, private keys and content keys.
	KeySize   = 32
	nonceSize = 24
)

// ErrIntegrity indicates authentication failure or a digest mismatch on
// decrypt. It is surfaced verbatim and never retried: it means the
// ciphertext was tampered with, corrupted, or opened with the wrong key.
var ErrIntegrity = errors.New("content integrity check failed")

// KeyPair holds a vault encryption key pair. The private key stays with
// the owning party; nothing in this package persists it.
type KeyPair struct {
	Public  *[KeySize]byte
	Private *[KeySize]byte
}

// GenerateKeyPair creates fresh vault encryption material.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// Hash computes the deterministic content digest over plaintext. It is
// always computed before encryption so integrity can be verified
// independently of the encryption scheme.
func Hash(plaintext []byte) [sha256.Size]byte {
	return sha256.Sum256(plaintext)
}

// DigestHex returns the hex form of Hash, the representation persisted in
// shard records.
func DigestHex(plaintext []byte) string {
	sum := Hash(plaintext)
	return hex.EncodeToString(sum[:])
}

// Envelope is an encrypted content blob plus its wrapped content key.
type Envelope struct {
	Ciphertext  []byte
	KeyEnvelope []byte
}

// EncryptContent seals plaintext under a fresh content key and wraps that
// key for recipientPub.
func EncryptContent(plaintext []byte, recipientPub *[KeySize]byte) (Envelope, error) {
	if recipientPub == nil {
		return Envelope{}, fmt.Errorf("encrypt content: nil recipient public key")
	}
	var key [KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return Envelope{}, fmt.Errorf("encrypt content: generate content key: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return Envelope{}, fmt.Errorf("encrypt content: generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], plaintext, &nonce, &key)

	wrapped, err := box.SealAnonymous(nil, key[:], recipientPub, rand.Reader)
	if err != nil {
		return Envelope{}, fmt.Errorf("encrypt content: wrap content key: %w", err)
	}
	return Envelope{Ciphertext: sealed, KeyEnvelope: wrapped}, nil
}

// DecryptContent opens a key envelope with the recipient's key pair and
// unseals the ciphertext. Authentication failure at either layer yields
// ErrIntegrity.
func DecryptContent(ciphertext, keyEnvelope []byte, keys *KeyPair) ([]byte, error) {
	key, err := openKeyEnvelope(keyEnvelope, keys)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("decrypt content: %w", ErrIntegrity)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	plaintext, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, key)
	if !ok {
		return nil, fmt.Errorf("decrypt content: %w", ErrIntegrity)
	}
	return plaintext, nil
}

// ResealContent encrypts plaintext under the content key already wrapped
// in keyEnvelope, opened with the owner's key pair. Keeping the content
// key stable across content rewrites means envelopes previously rewrapped
// for recipients stay usable.
func ResealContent(plaintext, keyEnvelope []byte, keys *KeyPair) ([]byte, error) {
	key, err := openKeyEnvelope(keyEnvelope, keys)
	if err != nil {
		return nil, err
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("reseal content: generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, key), nil
}

// RewrapKey opens a content-key envelope with the granter's key pair and
// wraps the key again for recipientPub. Used at grant time so a shared
// recipient can decrypt without any private-key exchange.
func RewrapKey(keyEnvelope []byte, granter *KeyPair, recipientPub *[KeySize]byte) ([]byte, error) {
	key, err := openKeyEnvelope(keyEnvelope, granter)
	if err != nil {
		return nil, err
	}
	wrapped, err := box.SealAnonymous(nil, key[:], recipientPub, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("rewrap content key: %w", err)
	}
	return wrapped, nil
}

func openKeyEnvelope(keyEnvelope []byte, keys *KeyPair) (*[KeySize]byte, error) {
	if keys == nil || keys.Public == nil || keys.Private == nil {
		return nil, fmt.Errorf("open key envelope: missing key pair")
	}
	raw, ok := box.OpenAnonymous(nil, keyEnvelope, keys.Public, keys.Private)
	if !ok || len(raw) != KeySize {
		return nil, fmt.Errorf("open key envelope: %w", ErrIntegrity)
	}
	var key [KeySize]byte
	copy(key[:], raw)
	return &key, nil
}

// VerifyDigest recomputes the digest of plaintext and compares it to the
// stored hex digest. A mismatch is an ErrIntegrity.
func VerifyDigest(plaintext []byte, digestHex string) error {
	if DigestHex(plaintext) != digestHex {
		return fmt.Errorf("verify digest: %w", ErrIntegrity)
	}
	return nil
}

// DecodeHexKey parses a hex-encoded 32-byte key, the wire form used in
// config and CLI flags.
func DecodeHexKey(s string) (*[KeySize]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("decode key: expected %d bytes, got %d", KeySize, len(raw))
	}
	var key [KeySize]byte
	copy(key[:], raw)
	return &key, nil
}

// EncodeHexKey renders a key in its hex wire form.
func EncodeHexKey(key *[KeySize]byte) string {
	if key == nil {
		return ""
	}
	return hex.EncodeToString(key[:])
}
