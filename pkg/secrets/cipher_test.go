package secrets

import (
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return hex.EncodeToString(key)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := NewCipher(testKey(t))
	require.NoError(t, err)
	require.True(t, c.Enabled())

	plaintext := []byte(`{"api_key":"sk-something"}`)
	ciphertext, nonce, err := c.Encrypt(plaintext)
	require.NoError(t, err)
	assert.Len(t, nonce, NonceSize)
	assert.NotEqual(t, plaintext, ciphertext)

	out, err := c.Decrypt(ciphertext, nonce)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)
}

func TestDecryptRejectsTamper(t *testing.T) {
	c, err := NewCipher(testKey(t))
	require.NoError(t, err)

	ciphertext, nonce, err := c.Encrypt([]byte("secret"))
	require.NoError(t, err)

	ciphertext[0] ^= 0xff
	_, err = c.Decrypt(ciphertext, nonce)
	assert.Error(t, err)
}

func TestNoncesUnique(t *testing.T) {
	c, err := NewCipher(testKey(t))
	require.NoError(t, err)

	_, n1, err := c.Encrypt([]byte("x"))
	require.NoError(t, err)
	_, n2, err := c.Encrypt([]byte("x"))
	require.NoError(t, err)
	assert.NotEqual(t, n1, n2)
}

func TestDisabledCipher(t *testing.T) {
	c, err := NewCipher("")
	require.NoError(t, err)
	assert.False(t, c.Enabled())

	_, _, err = c.Encrypt([]byte("x"))
	assert.ErrorIs(t, err, ErrNoMasterKey)
}

func TestNewCipherRejectsBadKeys(t *testing.T) {
	_, err := NewCipher("zz")
	assert.Error(t, err)

	_, err = NewCipher(hex.EncodeToString(make([]byte, 16)))
	assert.Error(t, err)
}
