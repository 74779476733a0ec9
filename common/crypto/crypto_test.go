package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAESCipherRoundTrip(t *testing.T) {
	c, err := NewAESCipher("master-secret-1")
	require.NoError(t, err)

	sealed, err := c.Encrypt("sk-upstream-credential")
	require.NoError(t, err)
	assert.NotEqual(t, "sk-upstream-credential", sealed)

	plain, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-upstream-credential", plain)
}

func TestAESCipherNonDeterministicNonce(t *testing.T) {
	c, err := NewAESCipher("master-secret-1")
	require.NoError(t, err)

	a, err := c.Encrypt("same-input")
	require.NoError(t, err)
	b, err := c.Encrypt("same-input")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestAESCipherWrongKeyFails(t *testing.T) {
	c1, err := NewAESCipher("master-secret-1")
	require.NoError(t, err)
	c2, err := NewAESCipher("master-secret-2")
	require.NoError(t, err)

	sealed, err := c1.Encrypt("credential")
	require.NoError(t, err)
	_, err = c2.Decrypt(sealed)
	assert.Error(t, err)
}

func TestAESCipherRejectsGarbage(t *testing.T) {
	c, err := NewAESCipher("master-secret-1")
	require.NoError(t, err)

	_, err = c.Decrypt("not base64 %%%")
	assert.Error(t, err)
	_, err = c.Decrypt("c2hvcnQ=")
	assert.Error(t, err)
}

func TestNewAESCipherRejectsEmptyKey(t *testing.T) {
	_, err := NewAESCipher("")
	assert.Error(t, err)
}

func TestPlaintextPassThrough(t *testing.T) {
	c := Plaintext{}
	sealed, err := c.Encrypt("value")
	require.NoError(t, err)
	assert.Equal(t, "value", sealed)
	plain, err := c.Decrypt("value")
	require.NoError(t, err)
	assert.Equal(t, "value", plain)
}
