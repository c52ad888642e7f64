package account

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Hashes use the werkzeug layout pbkdf2:sha256:{iterations}${salt}${hex digest}
// so rows written by the earlier site keep verifying.
const (
	hashMethod        = "pbkdf2:sha256"
	DefaultIterations = 600000
	saltLength        = 16
	saltChars         = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// HashPassword hashes password with a fresh random salt.
func HashPassword(password string) (string, error) {
	return hashPasswordIterations(password, DefaultIterations)
}

func hashPasswordIterations(password string, iterations int) (string, error) {
	salt, err := genSalt(saltLength)
	if err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return hashWithSalt(password, salt, iterations), nil
}

func hashWithSalt(password, salt string, iterations int) string {
	key := pbkdf2.Key([]byte(password), []byte(salt), iterations, sha256.Size, sha256.New)
	return fmt.Sprintf("%s:%d$%s$%s", hashMethod, iterations, salt, hex.EncodeToString(key))
}

// VerifyPassword reports whether password matches hash. The iteration count
// may be omitted from the method (pbkdf2:sha256$salt$hex), meaning DefaultIterations.
func VerifyPassword(hash, password string) bool {
	parts := strings.SplitN(hash, "$", 3)
	if len(parts) != 3 {
		return false
	}
	method, salt, want := parts[0], parts[1], parts[2]

	iterations := DefaultIterations
	switch {
	case method == hashMethod:
	case strings.HasPrefix(method, hashMethod+":"):
		n, err := strconv.Atoi(strings.TrimPrefix(method, hashMethod+":"))
		if err != nil || n <= 0 {
			return false
		}
		iterations = n
	default:
		return false
	}

	got := strings.SplitN(hashWithSalt(password, salt, iterations), "$", 3)[2]
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// IsHashed reports whether a stored password is already a pbkdf2 hash.
func IsHashed(stored string) bool {
	return strings.HasPrefix(stored, hashMethod)
}

func genSalt(n int) (string, error) {
	max := big.NewInt(int64(len(saltChars)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = saltChars[idx.Int64()]
	}
	return string(b), nil
}
