package random_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aetherlab/aether/common/random"
)

func TestUniqueness(t *testing.T) {
	tests := []struct {
		name      string
		generator func() string
		length    int
	}{
		{"GetUUID", random.GetUUID, 32},
		{"GenerateKey", random.GenerateKey, 48},
		{"GetShortID", random.GetShortID, 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen := make(map[string]struct{}, 10000)
			for range 10000 {
				val := tt.generator()
				assert.Len(t, val, tt.length)
				_, dup := seen[val]
				assert.False(t, dup, "duplicate value %q", val)
				seen[val] = struct{}{}
			}
		})
	}
}

func TestGetShortIDCharset(t *testing.T) {
	for range 100 {
		id := random.GetShortID()
		for _, c := range id {
			ok := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z')
			assert.True(t, ok, "unexpected character %q in %q", c, id)
		}
	}
}
