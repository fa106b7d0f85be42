package text

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTruncate(t *testing.T) {
	testCases := []struct {
		name       string
		s          string
		maxLen     int
		assertions func(t *testing.T, result string)
	}{
		{
			name:   "no limit",
			s:      strings.Repeat("x", 500),
			maxLen: 0,
			assertions: func(t *testing.T, result string) {
				require.Len(t, result, 500)
			},
		},
		{
			name:   "fits",
			s:      "short message",
			maxLen: 100,
			assertions: func(t *testing.T, result string) {
				require.Equal(t, "short message", result)
			},
		},
		{
			name:   "truncated with marker",
			s:      strings.Repeat("x", 500),
			maxLen: 100,
			assertions: func(t *testing.T, result string) {
				require.LessOrEqual(t, len([]rune(result)), 100)
				require.Contains(t, result, "truncated")
			},
		},
		{
			name:   "limit smaller than the marker itself",
			s:      strings.Repeat("x", 500),
			maxLen: 5,
			assertions: func(t *testing.T, result string) {
				require.LessOrEqual(t, len([]rune(result)), 5)
			},
		},
		{
			name:   "multi-byte runes counted as single characters",
			s:      strings.Repeat("é", 200),
			maxLen: 50,
			assertions: func(t *testing.T, result string) {
				require.LessOrEqual(t, len([]rune(result)), 50)
			},
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			testCase.assertions(t, Truncate(testCase.s, testCase.maxLen))
		})
	}
}
