// Package util provides utility functions shared across cadence components.
package util

import (
	"math/rand/v2"
	"strings"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID is in the format "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified
// length. Uses math/rand/v2; IDs are identifiers, not secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateDeliveryID generates a unique scheduled delivery ID with "dlv_" prefix.
func GenerateDeliveryID() string {
	return GenerateRandomID("dlv_", 32)
}

// GenerateProgramInstanceID generates a unique program instance ID with "prog_" prefix.
func GenerateProgramInstanceID() string {
	return GenerateRandomID("prog_", 32)
}
