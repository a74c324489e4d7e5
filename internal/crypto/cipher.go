package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrCorruptCredential is returned when a stored blob fails integrity
// verification. Wrong key and tampered data are deliberately not
// distinguishable from the outside.
var ErrCorruptCredential = errors.New("credential blob is corrupt or was encrypted with an unknown key")

// Ciphertext scheme versions. Every blob starts with a one-byte scheme tag so
// the key-derivation scheme can change without a flag-day migration. Decrypt
// accepts the current and the immediately previous scheme.
const (
	schemeV1 byte = 0x01 // AES-256-GCM, key = SHA-256(master)
	schemeV2 byte = 0x02 // AES-256-GCM, key = HKDF-SHA256(master, salt)

	currentScheme = schemeV2
)

var hkdfSalt = []byte("arbion-credential-cipher-v2")

// Cipher seals and opens credential blobs with AES-256-GCM. The master key
// material is loaded once at process start from the environment, never from
// the database. An optional previous key supports rotation: new blobs are
// sealed with the current key, old blobs decrypt with either.
type Cipher struct {
	current  [2]cipher.AEAD // indexed by scheme (v1, v2)
	previous *[2]cipher.AEAD
}

// NewCipher builds a Cipher from the master key material. previousKey may be
// empty when no rotation is in progress.
func NewCipher(masterKey, previousKey string) (*Cipher, error) {
	if masterKey == "" {
		return nil, errors.New("master key material is required")
	}

	c := &Cipher{}
	aeads, err := deriveAEADs(masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize credential cipher: %w", err)
	}
	c.current = aeads

	if previousKey != "" {
		prev, err := deriveAEADs(previousKey)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize previous credential cipher: %w", err)
		}
		c.previous = &prev
	}

	return c, nil
}

// deriveAEADs derives one AEAD per supported scheme from the key material.
func deriveAEADs(keyMaterial string) ([2]cipher.AEAD, error) {
	var out [2]cipher.AEAD

	// v1: legacy SHA-256 digest of the key material.
	v1Key := sha256.Sum256([]byte(keyMaterial))
	v1, err := newGCM(v1Key[:])
	if err != nil {
		return out, err
	}

	// v2: HKDF with a fixed application salt.
	v2Key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(keyMaterial), hkdfSalt, nil), v2Key); err != nil {
		return out, err
	}
	v2, err := newGCM(v2Key)
	if err != nil {
		return out, err
	}

	out[0] = v1
	out[1] = v2
	return out, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under the current scheme and key. Output layout:
// [scheme tag][nonce][ciphertext+tag]. Empty plaintext is valid.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	aead := c.current[schemeIndex(currentScheme)]

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, currentScheme)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt opens a blob sealed by Encrypt. Blobs sealed under the previous
// scheme version or the previous master key still decrypt.
func (c *Cipher) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < 1 {
		return nil, ErrCorruptCredential
	}

	scheme := blob[0]
	if scheme != schemeV1 && scheme != schemeV2 {
		return nil, ErrCorruptCredential
	}
	idx := schemeIndex(scheme)

	if plaintext, err := open(c.current[idx], blob[1:]); err == nil {
		return plaintext, nil
	}
	if c.previous != nil {
		if plaintext, err := open(c.previous[idx], blob[1:]); err == nil {
			return plaintext, nil
		}
	}
	return nil, ErrCorruptCredential
}

func open(aead cipher.AEAD, blob []byte) ([]byte, error) {
	if len(blob) < aead.NonceSize() {
		return nil, ErrCorruptCredential
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrCorruptCredential
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

func schemeIndex(scheme byte) int {
	return int(scheme) - 1
}
