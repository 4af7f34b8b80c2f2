package cryptoutil

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestConstantTimeEqual(t *testing.T) {
	require.True(t, ConstantTimeEqual("abc", "abc"))
	require.False(t, ConstantTimeEqual("abc", "abd"))
	require.False(t, ConstantTimeEqual("abc", "abcd"))
	require.True(t, ConstantTimeEqual("", ""))
}

func TestHMACSHA256Hex(t *testing.T) {
	sig := HMACSHA256Hex([]byte("secret"), "hello")
	require.Len(t, sig, 64)
	require.Equal(t, sig, HMACSHA256Hex([]byte("secret"), "hello"))
	require.NotEqual(t, sig, HMACSHA256Hex([]byte("other"), "hello"))
}

func TestCanonicalSigningString(t *testing.T) {
	got := CanonicalSigningString("GET", "/v1/adapter/youtube/list", 1700000000, "abc123")
	require.Equal(t, "GET\n/v1/adapter/youtube/list\n1700000000\nabc123", got)
}

// TestEncryptDecryptRoundTrip exercises the round-trip property:
// decrypt(encrypt(p, KEK), KEK) == p for all non-empty p.
func TestEncryptDecryptRoundTrip(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("decrypt(encrypt(p)) == p", prop.ForAll(
		func(kek string, plaintext string) bool {
			if plaintext == "" {
				return true
			}
			key := DeriveKey(kek)
			nonce, ciphertext, err := Encrypt(key, []byte(plaintext))
			if err != nil {
				return false
			}
			got, err := Decrypt(key, nonce, ciphertext)
			if err != nil {
				return false
			}
			return string(got) == plaintext
		},
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func TestDecryptWrongKeyFails(t *testing.T) {
	key1 := DeriveKey("kek-one")
	key2 := DeriveKey("kek-two")
	nonce, ciphertext, err := Encrypt(key1, []byte("top secret"))
	require.NoError(t, err)

	_, err = Decrypt(key2, nonce, ciphertext)
	require.Error(t, err)
}
