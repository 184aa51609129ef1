package tokenstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	// argon2 parameters for master key derivation.
	argon2Time        = 3
	argon2Memory      = 64 * 1024 // KiB
	argon2Parallelism = 4
	argon2KeyLength   = 32 // AES-256

	saltLength = 16
)

var errCiphertextTooShort = errors.New("ciphertext shorter than nonce")

// box performs authenticated encryption of token material with a key
// derived from the operator-supplied master key.
type box struct {
	aead cipher.AEAD
	salt []byte
}

// newBox derives an AES-256-GCM box from the master key and salt. A nil
// salt generates a fresh random one (persisted alongside the ciphertext so
// the key can be re-derived).
func newBox(masterKey string, salt []byte) (*box, error) {
	if masterKey == "" {
		return nil, errors.New("master key is empty")
	}
	if salt == nil {
		salt = make([]byte, saltLength)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
	}

	key := argon2.IDKey([]byte(masterKey), salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLength)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &box{aead: aead, salt: salt}, nil
}

// seal encrypts plaintext, prepending the random nonce.
func (b *box) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return b.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts a seal-produced ciphertext.
func (b *box) open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < b.aead.NonceSize() {
		return nil, errCiphertextTooShort
	}
	nonce, sealed := ciphertext[:b.aead.NonceSize()], ciphertext[b.aead.NonceSize():]
	plaintext, err := b.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
