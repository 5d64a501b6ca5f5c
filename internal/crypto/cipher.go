// Package crypto implements at-rest encryption of token material and the
// signed state value passed through the OAuth redirect.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/TheHypedge/riviso-sub001/internal/errs"
)

// Blob layout: salt ∥ iv ∥ tag ∥ ciphertext, base64-encoded.
const (
	saltLen = 64
	ivLen   = 16
	tagLen  = 16
	keyLen  = 32

	// Changing the iteration count changes derived keys for every stored
	// blob; do not touch without a migration plan.
	pbkdf2Iters = 100_000
)

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// deriveKey stretches the passphrase into an AES-256 key with
// PBKDF2-HMAC-SHA512. Deliberately expensive.
func deriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iters, keyLen, sha512.New)
}

// Encrypt seals plaintext with AES-256-GCM under a key derived from
// passphrase and a fresh random salt. Every call draws a new salt and IV,
// so output is non-deterministic even for identical plaintext.
func Encrypt(plaintext, passphrase string) (string, error) {
	salt, err := RandBytes(saltLen)
	if err != nil {
		return "", err
	}
	iv, err := RandBytes(ivLen)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil) // ciphertext ∥ tag
	ct := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]

	out := make([]byte, 0, saltLen+ivLen+tagLen+len(ct))
	out = append(out, salt...)
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Any malformed input or failed authentication is
// reported as errs.ErrIntegrity: it means key rotation without migration or
// data corruption, never an absent token.
func Decrypt(blob, passphrase string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("%w: not base64", errs.ErrIntegrity)
	}
	if len(raw) < saltLen+ivLen+tagLen {
		return "", fmt.Errorf("%w: blob too short", errs.ErrIntegrity)
	}
	salt := raw[:saltLen]
	iv := raw[saltLen : saltLen+ivLen]
	tag := raw[saltLen+ivLen : saltLen+ivLen+tagLen]
	ct := raw[saltLen+ivLen+tagLen:]

	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return "", err
	}

	sealed := make([]byte, 0, len(ct)+tagLen)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	plain, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", errs.ErrIntegrity)
	}
	return string(plain), nil
}
