package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeInputTokensForBilling(t *testing.T) {
	cases := []struct {
		apiFormat string
		input     int
		cached    int
		want      int
	}{
		{"claude:chat", 100, 30, 100},
		{"claude:cli", 100, 30, 100},
		{"openai:chat", 100, 30, 70},
		{"openai:cli", 100, 100, 0},
		{"gemini:chat", 100, 30, 70},
		{"gemini:video", 100, 150, 0},
		{"openai:chat", 0, 0, 0},
		{"unknown:chat", 100, 30, 100},
		{"", 100, 30, 100},
	}
	for _, tc := range cases {
		got := NormalizeInputTokensForBilling(tc.apiFormat, tc.input, tc.cached)
		assert.Equal(t, tc.want, got, "%s in=%d cached=%d", tc.apiFormat, tc.input, tc.cached)
	}
}
