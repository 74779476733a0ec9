package random

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// GetUUID generates a UUID and returns it as a string without hyphens.
func GetUUID() string {
	code := uuid.New().String()
	return strings.Replace(code, "-", "", -1)
}

const keyChars = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// GenerateKey creates a 48-character credential consisting of 16 random
// characters followed by a case-mangled UUID. Uses crypto/rand throughout.
func GenerateKey() string {
	key := make([]byte, 48)
	for i := range 16 {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(keyChars))))
		if err != nil {
			// crypto/rand only fails when the platform entropy source is broken.
			panic(err)
		}
		key[i] = keyChars[n.Int64()]
	}
	id := GetUUID()
	for i := range 32 {
		c := id[i]
		if i%2 == 0 && c >= 'a' && c <= 'z' {
			c = c - 'a' + 'A'
		}
		key[i+16] = c
	}
	return string(key)
}

// GetShortID generates a 12-character lowercase identifier suitable for
// externally visible task handles.
func GetShortID() string {
	const shortChars = "0123456789abcdefghijklmnopqrstuvwxyz"
	id := make([]byte, 12)
	for i := range 12 {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(shortChars))))
		if err != nil {
			panic(err)
		}
		id[i] = shortChars[n.Int64()]
	}
	return string(id)
}
