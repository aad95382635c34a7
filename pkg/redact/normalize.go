// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package redact

import (
	"regexp"
)

var (
	// String literals: 'value' or "value"
	singleQuotedStr = regexp.MustCompile(`'[^']*'`)
	doubleQuotedStr = regexp.MustCompile(`"[^"]*"`)

	// Numeric literals (integers and decimals, including negative)
	numericLiteral = regexp.MustCompile(`\b-?\d+(?:\.\d+)?\b`)

	// Hex values like 0xABCD, typically object addresses in reprs
	hexLiteral = regexp.MustCompile(`\b0x[0-9a-fA-F]+\b`)
)

// NormalizeLiterals replaces literal values in an exception message with '?'
// placeholders, e.g. KeyError: 'user-17' becomes KeyError: ?. Messages then
// group by shape and carry no data values.
func NormalizeLiterals(msg string) string {
	if msg == "" {
		return msg
	}

	result := hexLiteral.ReplaceAllString(msg, "?")
	result = singleQuotedStr.ReplaceAllString(result, "?")
	result = doubleQuotedStr.ReplaceAllString(result, "?")
	result = numericLiteral.ReplaceAllString(result, "?")

	return result
}
