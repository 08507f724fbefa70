package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

func HashString(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// NormalizeText lowercases, trims and collapses internal whitespace so that
// queries differing only in spacing or case share a fingerprint.
func NormalizeText(input string) string {
	return strings.Join(strings.FieldsFunc(strings.ToLower(input), unicode.IsSpace), " ")
}

// Fingerprint hashes the parts in order with a separator that cannot appear
// in normalized text.
func Fingerprint(parts ...string) string {
	return HashString(strings.Join(parts, "\x1f"))
}
