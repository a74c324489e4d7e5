package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := NewCipher("test-master-key", "")
	require.NoError(t, err)

	cases := [][]byte{
		[]byte(`{"access_token":"t1","refresh_token":"r1"}`),
		[]byte("short"),
		{},
		bytes.Repeat([]byte{0x00}, 4096),
	}

	for _, plaintext := range cases {
		blob, err := c.Encrypt(plaintext)
		require.NoError(t, err)

		got, err := c.Decrypt(blob)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	c, err := NewCipher("test-master-key", "")
	require.NoError(t, err)

	a, err := c.Encrypt([]byte("same input"))
	require.NoError(t, err)
	b, err := c.Encrypt([]byte("same input"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestCiphertextCarriesSchemeTag(t *testing.T) {
	c, err := NewCipher("test-master-key", "")
	require.NoError(t, err)

	blob, err := c.Encrypt([]byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, currentScheme, blob[0])
}

func TestDecryptRejectsTamperedBlob(t *testing.T) {
	c, err := NewCipher("test-master-key", "")
	require.NoError(t, err)

	blob, err := c.Encrypt([]byte("payload"))
	require.NoError(t, err)

	blob[len(blob)-1] ^= 0xFF
	_, err = c.Decrypt(blob)
	assert.ErrorIs(t, err, ErrCorruptCredential)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	c1, err := NewCipher("key-one", "")
	require.NoError(t, err)
	c2, err := NewCipher("key-two", "")
	require.NoError(t, err)

	blob, err := c1.Encrypt([]byte("payload"))
	require.NoError(t, err)

	_, err = c2.Decrypt(blob)
	assert.ErrorIs(t, err, ErrCorruptCredential)
}

func TestDecryptRejectsGarbage(t *testing.T) {
	c, err := NewCipher("test-master-key", "")
	require.NoError(t, err)

	for _, blob := range [][]byte{nil, {}, {0x02}, {0xFF, 0x01, 0x02}, bytes.Repeat([]byte{0xAB}, 64)} {
		_, err := c.Decrypt(blob)
		assert.ErrorIs(t, err, ErrCorruptCredential)
	}
}

func TestDecryptWithRotatedKey(t *testing.T) {
	old, err := NewCipher("old-master-key", "")
	require.NoError(t, err)

	blob, err := old.Encrypt([]byte("sealed before rotation"))
	require.NoError(t, err)

	rotated, err := NewCipher("new-master-key", "old-master-key")
	require.NoError(t, err)

	got, err := rotated.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed before rotation"), got)

	// New blobs seal under the new key and stay readable.
	blob2, err := rotated.Encrypt([]byte("sealed after rotation"))
	require.NoError(t, err)
	got2, err := rotated.Decrypt(blob2)
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed after rotation"), got2)
}

func TestDecryptSupportsPreviousSchemeVersion(t *testing.T) {
	c, err := NewCipher("test-master-key", "")
	require.NoError(t, err)

	// Hand-build a v1 blob the way the legacy scheme sealed it.
	aead := c.current[schemeIndex(schemeV1)]
	nonce := bytes.Repeat([]byte{0x07}, aead.NonceSize())
	blob := append([]byte{schemeV1}, nonce...)
	blob = aead.Seal(blob, nonce, []byte("legacy blob"), nil)

	got, err := c.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("legacy blob"), got)
}

func TestNewCipherRequiresKey(t *testing.T) {
	_, err := NewCipher("", "")
	assert.Error(t, err)
}
