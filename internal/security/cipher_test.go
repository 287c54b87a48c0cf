package security

import (
	"strings"
	"testing"

	"github.com/jmehdipour/erphub/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	c, err := NewCipher([]byte("test-master-key"), "test", 1)
	require.NoError(t, err)
	return c
}

func TestNewCipherRequiresKey(t *testing.T) {
	_, err := NewCipher([]byte("   "), "k", 1)
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := newTestCipher(t)

	sealed, err := c.Encrypt(7, []byte("s3cr3t"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(sealed), envelopePrefix))
	assert.NotContains(t, string(sealed), "s3cr3t")

	plain, err := c.Decrypt(7, sealed)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", string(plain))
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	c := newTestCipher(t)

	a, err := c.Encrypt(1, []byte("same"))
	require.NoError(t, err)
	b, err := c.Encrypt(1, []byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, string(a), string(b))
}

func TestDecryptRejectsOtherTenant(t *testing.T) {
	c := newTestCipher(t)

	sealed, err := c.Encrypt(1, []byte("token"))
	require.NoError(t, err)

	_, err = c.Decrypt(2, sealed)
	assert.Error(t, err)
}

func TestDecryptRejectsOtherKey(t *testing.T) {
	c := newTestCipher(t)
	sealed, err := c.Encrypt(1, []byte("token"))
	require.NoError(t, err)

	rotated, err := NewCipher([]byte("test-master-key"), "test", 2)
	require.NoError(t, err)
	_, err = rotated.Decrypt(1, sealed)
	assert.ErrorIs(t, err, ErrKeyMismatch)
}

func TestDecryptRejectsGarbage(t *testing.T) {
	c := newTestCipher(t)

	_, err := c.Decrypt(1, nil)
	assert.ErrorIs(t, err, ErrEmptyCiphertext)

	_, err = c.Decrypt(1, []byte("plain-text"))
	assert.Error(t, err)

	_, err = c.Decrypt(1, []byte(envelopePrefix+"{not json"))
	assert.Error(t, err)
}

func TestEncryptRejectsEmpty(t *testing.T) {
	c := newTestCipher(t)
	_, err := c.Encrypt(1, nil)
	assert.ErrorIs(t, err, ErrEmptyPlaintext)
}

func TestSealOpenCredentials(t *testing.T) {
	c := newTestCipher(t)
	in := model.Credentials{AccessToken: "EAAB", AppSecret: "app", PageID: "123"}

	sealed, err := c.SealCredentials(42, in)
	require.NoError(t, err)

	out, err := c.OpenCredentials(42, sealed)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestHashToken(t *testing.T) {
	assert.Equal(t, HashToken("abc"), HashToken(" abc "))
	assert.Len(t, HashToken("abc"), 64)
	assert.NotEqual(t, HashToken("abc"), HashToken("abd"))
}
