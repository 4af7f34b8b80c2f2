// Package cryptoutil holds the pure crypto primitives shared by the
// signed-request verifier, the adapter registry, and the egress proxy:
// constant-time comparison, hex digests, HMAC signing, and the AES-256-GCM
// envelope used by the secret vault.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
)

// SHA256Hex returns the lowercase hex SHA-256 digest of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEqual reports whether a and b are equal, without leaking
// timing information about the position of the first mismatch. Unlike
// subtle.ConstantTimeCompare, it is safe to call with operands of
// different lengths — callers in this codebase routinely compare an
// attacker-controlled header against a known-good value of fixed length.
func ConstantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		// Still run a comparison sized to a, so the work done depends only
		// on len(a) and not on whether the lengths match. Callers pass the
		// presented value as a; b can be a secret such as the bootstrap
		// or CSRF token.
		subtle.ConstantTimeCompare([]byte(a), []byte(a))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// HMACSHA256Hex returns the lowercase hex HMAC-SHA256 of message under key.
func HMACSHA256Hex(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// CanonicalSigningString builds the canonical string signed by runtime
// callers: "<METHOD>\n<path>\n<timestamp>\n<bodySha256hex>".
func CanonicalSigningString(method, path string, timestamp int64, bodySHA256Hex string) string {
	return fmt.Sprintf("%s\n%s\n%d\n%s", method, path, timestamp, bodySHA256Hex)
}

// RandomHex returns n random bytes hex-encoded (2n hex characters).
func RandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// DeriveKey derives a 256-bit AES key from a key-encrypting key (KEK) by
// SHA-256 hashing it. The KEK itself may be any length.
func DeriveKey(kek string) []byte {
	sum := sha256.Sum256([]byte(kek))
	return sum[:]
}

// Encrypt seals plaintext with AES-256-GCM under key, returning a fresh
// 12-byte nonce and the ciphertext (which includes the GCM auth tag).
func Encrypt(key []byte, plaintext []byte) (nonce []byte, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("creating GCM: %w", err)
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

// Decrypt opens an AES-256-GCM envelope. Any failure (bad key, corrupted
// ciphertext, wrong nonce) is returned as an error; callers in this
// codebase treat decrypt failure as "secret absent", not as a hard error.
func Decrypt(key []byte, nonce []byte, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("invalid nonce size %d", len(nonce))
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}
