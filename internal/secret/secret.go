// Package secret encrypts upstream API keys at rest. Decrypt(Encrypt(k))
// round-trips for any stored key; the model layer depends on this codec
// for every credential it persists.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"io"

	"github.com/Laisky/errors/v2"

	"github.com/relaygate/gateway/internal/config"
)

// HashKey derives ApiKey.key_hash from a raw inbound client key: sha256,
// hex-encoded. Used both when provisioning a key and when the auth gate
// looks up the presented credential, so the plaintext value itself is
// never stored.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

const mask = "******"

// Mask returns a display-safe placeholder for a decrypted secret.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	return mask
}

// IsMasked reports whether value is the placeholder Mask returns, used to
// detect "unchanged" submissions from admin forms that round-trip masked
// values.
func IsMasked(value string) bool {
	return value == mask
}

// Encrypt encrypts value with AES-GCM under a key derived from
// config.SessionSecret, returning a base64 payload safe to store in the
// UpstreamKey.api_key column.
func Encrypt(value string) (string, error) {
	if value == "" {
		return "", nil
	}

	gcm, err := newGCM()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.Wrap(err, "read nonce")
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(value), nil)
	payload := append(nonce, ciphertext...)
	return base64.StdEncoding.EncodeToString(payload), nil
}

// Decrypt reverses Encrypt. Called only at the point the Attempt Executor
// builds the outbound request so the plaintext key never lives
// longer than one attempt's stack frame.
func Decrypt(value string) (string, error) {
	if value == "" {
		return "", nil
	}

	payload, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return "", errors.Wrap(err, "decode secret")
	}

	gcm, err := newGCM()
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(payload) < nonceSize {
		return "", errors.New("secret payload too short")
	}

	nonce := payload[:nonceSize]
	ciphertext := payload[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", errors.Wrap(err, "decrypt secret")
	}

	return string(plaintext), nil
}

func newGCM() (cipher.AEAD, error) {
	key := deriveKey()
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "create gcm")
	}
	return gcm, nil
}

// deriveKey returns a stable 32-byte key derived from config.SessionSecret.
func deriveKey() []byte {
	s := config.SessionSecret
	if s == "" {
		s = "relaygate-default-secret"
	}
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}
