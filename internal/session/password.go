package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"

	"golang.org/x/crypto/pbkdf2"

	"github.com/dhannusch/pincer/internal/cryptoutil"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{3,64}$`)

const (
	saltBytes     = 16
	hashBytes     = 32 // 256 bits
	minPasswordLen = 12
)

func hashPassword(password string, iterations int) (saltHex, hashHex string, err error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", "", fmt.Errorf("generating salt: %w", err)
	}
	hash := pbkdf2.Key([]byte(password), salt, iterations, hashBytes, sha256.New)
	return hex.EncodeToString(salt), hex.EncodeToString(hash), nil
}

func verifyPassword(password, saltHex, expectedHashHex string, iterations int) (bool, error) {
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false, fmt.Errorf("decoding salt: %w", err)
	}
	hash := pbkdf2.Key([]byte(password), salt, iterations, hashBytes, sha256.New)
	return cryptoutil.ConstantTimeEqual(hex.EncodeToString(hash), expectedHashHex), nil
}
