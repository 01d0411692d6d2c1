// Package hybrid implements the two step payload decryption: an
// RSA-OAEP unwrap of a one time AES-256 key, followed by an AES-GCM
// open of the downloaded blob. Both steps fail closed, no partial
// plaintext ever leaves this package.
//
// Wire format, version 1 (the only one): 12 byte nonce, then ciphertext
// with the 16 byte GCM tag appended in AEAD combined mode order. A blob
// with a standalone tag field between nonce and ciphertext is not
// supported and fails tag verification.
package hybrid

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	// KeySize is the AES-256 key length the unwrap must yield.
	KeySize = 32
	// NonceSize is the GCM nonce length leading the payload.
	NonceSize = 12
	// Overhead is the GCM tag appended to the ciphertext.
	Overhead = 16
)

var (
	ErrKeySize      = errors.New("unwrapped key is not 32 bytes")
	ErrShortPayload = errors.New("payload shorter than nonce and tag")
)

type Decryptor struct {
	key *rsa.PrivateKey
}

func New(key *rsa.PrivateKey) Decryptor {
	return Decryptor{key: key}
}

// UnwrapKey decodes the base64 encoded wrapped key and decrypts it
// with RSA-OAEP, SHA-256 as both digest and MGF1 hash. A key of any
// length other than KeySize is a decryption failure.
func (d Decryptor) UnwrapKey(wrapped string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("decoding wrapped key: %w", err)
	}

	key, err := rsa.DecryptOAEP(sha256.New(), nil, d.key, raw, nil)
	if err != nil {
		return nil, fmt.Errorf("unwrapping key: %w", err)
	}
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	return key, nil
}

// Open splits blob into nonce and ciphertext plus trailing tag and
// runs the authenticated decryption. Tag verification failure returns
// an error and no plaintext.
func (d Decryptor) Open(key, blob []byte) ([]byte, error) {
	if len(blob) < NonceSize+Overhead {
		return nil, ErrShortPayload
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("initializing gcm: %w", err)
	}

	nonce, sealed := blob[:NonceSize], blob[NonceSize:]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("opening payload: %w", err)
	}
	return plaintext, nil
}

// Decrypt runs both steps.
func (d Decryptor) Decrypt(wrappedKey string, blob []byte) ([]byte, error) {
	key, err := d.UnwrapKey(wrappedKey)
	if err != nil {
		return nil, err
	}
	return d.Open(key, blob)
}
