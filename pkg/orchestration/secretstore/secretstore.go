// Package secretstore encrypts external-service credentials (API keys,
// webhook URLs, OAuth tokens) at rest in the relational store, decrypting
// them only in the orchestrator process's memory when a connection's
// template is expanded. Uses golang.org/x/crypto/chacha20poly1305 with an
// HKDF-derived per-encryption key and a salt‖nonce‖ciphertext packing,
// with a single symmetric master key since there is exactly one
// decrypting party: this process.
package secretstore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/pkg/errors"
)

const (
	saltSize = 32
	hkdfInfo = "orchestrator-core-credential-vault"
)

// Vault encrypts/decrypts credential values with a single master key held
// only in process memory.
type Vault struct {
	masterKey []byte
}

// NewVault builds a Vault from a master key of any length (it is stretched
// to 32 bytes via HKDF per encryption rather than using masterKey directly
// as the cipher key).
func NewVault(masterKey []byte) (*Vault, error) {
	if len(masterKey) == 0 {
		return nil, errors.New("credential vault master key must not be empty")
	}
	return &Vault{masterKey: masterKey}, nil
}

// Encrypt returns a base64-encoded salt‖nonce‖ciphertext blob suitable for
// storing in a ConfigJSON/credential column.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", errors.Wrap(err, "failed to generate salt")
	}

	key, err := v.deriveKey(salt)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", errors.Wrap(err, "failed to construct cipher")
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "failed to generate nonce")
	}

	ciphertext := aead.Seal(nil, nonce, []byte(plaintext), nil)

	blob := make([]byte, 0, saltSize+len(nonce)+len(ciphertext))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, ciphertext...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt reverses Encrypt.
func (v *Vault) Decrypt(encoded string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errors.Wrap(err, "failed to decode credential blob")
	}
	if len(blob) < saltSize+chacha20poly1305.NonceSize {
		return "", errors.New("credential blob too short")
	}

	salt := blob[:saltSize]
	nonce := blob[saltSize : saltSize+chacha20poly1305.NonceSize]
	ciphertext := blob[saltSize+chacha20poly1305.NonceSize:]

	key, err := v.deriveKey(salt)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", errors.Wrap(err, "failed to construct cipher")
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to decrypt credential blob")
	}
	return string(plaintext), nil
}

// EncryptFields encrypts every value of a credential-field map, leaving
// keys untouched — used to persist a ContainerConnection's credential
// payload before it is marshaled into ConfigJSON.
func (v *Vault) EncryptFields(fields map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(fields))
	for k, val := range fields {
		enc, err := v.Encrypt(val)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encrypt credential field %q", k)
		}
		out[k] = enc
	}
	return out, nil
}

// DecryptFields reverses EncryptFields.
func (v *Vault) DecryptFields(fields map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(fields))
	for k, val := range fields {
		dec, err := v.Decrypt(val)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decrypt credential field %q", k)
		}
		out[k] = dec
	}
	return out, nil
}

func (v *Vault) deriveKey(salt []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, v.masterKey, salt, []byte(hkdfInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := reader.Read(key); err != nil {
		return nil, errors.Wrap(err, "failed to derive encryption key")
	}
	return key, nil
}
