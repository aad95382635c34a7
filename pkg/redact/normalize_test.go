// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package redact

import (
	"testing"
)

func TestNormalizeLiterals(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "single quoted key",
			input:    "KeyError: 'alice'",
			expected: "KeyError: ?",
		},
		{
			name:     "double quoted value",
			input:    `invalid literal for int() with base 10: "abc"`,
			expected: "invalid literal for int() with base ?: ?",
		},
		{
			name:     "numbers",
			input:    "list index 12 out of range 3.5",
			expected: "list index ? out of range ?",
		},
		{
			name:     "object address",
			input:    "<Conn object at 0x7f3a2c>",
			expected: "<Conn object at ?>",
		},
		{
			name:     "empty",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeLiterals(tt.input)
			if got != tt.expected {
				t.Errorf("NormalizeLiterals(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}
