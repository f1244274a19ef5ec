package codec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	keys, err := GenerateKeyPair()
	require.NoError(t, err)

	plaintext := []byte("the user prefers dark mode")
	env, err := EncryptContent(plaintext, keys.Public)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, env.Ciphertext)

	out, err := DecryptContent(env.Ciphertext, env.KeyEnvelope, keys)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)
}

func TestDecryptDetectsTampering(t *testing.T) {
	keys, err := GenerateKeyPair()
	require.NoError(t, err)

	env, err := EncryptContent([]byte("secret"), keys.Public)
	require.NoError(t, err)

	env.Ciphertext[len(env.Ciphertext)-1] ^= 0x01
	_, err = DecryptContent(env.Ciphertext, env.KeyEnvelope, keys)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIntegrity))
}

func TestDecryptWrongKeyFails(t *testing.T) {
	owner, err := GenerateKeyPair()
	require.NoError(t, err)
	other, err := GenerateKeyPair()
	require.NoError(t, err)

	env, err := EncryptContent([]byte("secret"), owner.Public)
	require.NoError(t, err)

	_, err = DecryptContent(env.Ciphertext, env.KeyEnvelope, other)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIntegrity))
}

func TestRewrapKeyGrantsRecipientAccess(t *testing.T) {
	owner, err := GenerateKeyPair()
	require.NoError(t, err)
	recipient, err := GenerateKeyPair()
	require.NoError(t, err)

	plaintext := []byte("shared knowledge")
	env, err := EncryptContent(plaintext, owner.Public)
	require.NoError(t, err)

	rewrapped, err := RewrapKey(env.KeyEnvelope, owner, recipient.Public)
	require.NoError(t, err)

	out, err := DecryptContent(env.Ciphertext, rewrapped, recipient)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)

	// The original envelope still opens only for the owner.
	_, err = DecryptContent(env.Ciphertext, env.KeyEnvelope, recipient)
	assert.True(t, errors.Is(err, ErrIntegrity))
}

func TestHashDeterministic(t *testing.T) {
	a := DigestHex([]byte("content"))
	b := DigestHex([]byte("content"))
	c := DigestHex([]byte("content2"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestVerifyDigest(t *testing.T) {
	plaintext := []byte("payload")
	digest := DigestHex(plaintext)
	require.NoError(t, VerifyDigest(plaintext, digest))

	err := VerifyDigest([]byte("other payload"), digest)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIntegrity))
}

func TestHexKeyRoundTrip(t *testing.T) {
	keys, err := GenerateKeyPair()
	require.NoError(t, err)

	encoded := EncodeHexKey(keys.Public)
	decoded, err := DecodeHexKey(encoded)
	require.NoError(t, err)
	assert.Equal(t, keys.Public, decoded)

	_, err = DecodeHexKey("not-hex")
	assert.Error(t, err)
	_, err = DecodeHexKey("abcd")
	assert.Error(t, err)
}
