package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupeAndTrim(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		expected []string
	}{
		{
			name:     "nil slice",
			input:    nil,
			expected: nil,
		},
		{
			name:     "empty slice",
			input:    []string{},
			expected: []string{},
		},
		{
			name:     "trims whitespace",
			input:    []string{"  enrollment_mode_v1  ", "manual_v1  "},
			expected: []string{"enrollment_mode_v1", "manual_v1"},
		},
		{
			name:     "removes duplicates preserving order",
			input:    []string{"manual_v1", "last_login_v1", "manual_v1"},
			expected: []string{"manual_v1", "last_login_v1"},
		},
		{
			name:     "drops empty and whitespace-only entries",
			input:    []string{"manual_v1", "", "  ", "staff_status_v1"},
			expected: []string{"manual_v1", "staff_status_v1"},
		},
		{
			name:     "preserves case",
			input:    []string{"Alice", "alice", "ALICE"},
			expected: []string{"Alice", "alice", "ALICE"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DedupeAndTrim(tt.input))
		})
	}
}

func TestDedupeAndTrimLower(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		expected []string
	}{
		{
			name:     "nil slice",
			input:    nil,
			expected: nil,
		},
		{
			name:     "lowercases and dedupes",
			input:    []string{"Alice@Example.org", "alice@example.org", "ALICE@EXAMPLE.ORG"},
			expected: []string{"alice@example.org"},
		},
		{
			name:     "trims, lowercases, and dedupes",
			input:    []string{"  Bob ", "alice", "BOB", "Alice"},
			expected: []string{"bob", "alice"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DedupeAndTrimLower(tt.input))
		})
	}
}
