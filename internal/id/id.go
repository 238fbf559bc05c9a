// Package id generates the opaque identifiers and public handles used by memosync.
package id

import (
	"fmt"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Handle alphabet split so the leading digit is never zero, which keeps
// every candidate inside [100000000, 999999999].
const (
	handleLeadAlphabet = "123456789"
	handleTailAlphabet = "0123456789"

	// HandleLength is the number of decimal digits in a public handle.
	HandleLength = 9
)

// Prefixes for generated IDs.
const (
	PrefixRecommendation = "rec"
	PrefixSubscription   = "sub"
	PrefixNotice         = "ntc"
	PrefixClient         = "cli"
)

// Generate creates a prefixed unique ID using NanoID
// Format: prefix-nanoid (e.g., "rec-V1StGXR8_Z5jdHi6B-myT").
func Generate(prefix string) (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("generate nanoid: %w", err)
	}
	return prefix + "-" + id, nil
}

// MustGenerate is like Generate but panics if ID generation fails.
func MustGenerate(prefix string) string {
	id, err := Generate(prefix)
	if err != nil {
		panic(fmt.Sprintf("failed to generate ID: %v", err))
	}
	return id
}

// NewRecordID returns a fresh watch record ID.
// Records use random UUIDs so IDs stay unique across devices writing to one collection.
func NewRecordID() string {
	return uuid.NewString()
}

// NewHandle draws a 9-digit decimal handle uniformly from [100000000, 999999999].
func NewHandle() (string, error) {
	lead, err := gonanoid.Generate(handleLeadAlphabet, 1)
	if err != nil {
		return "", fmt.Errorf("generate handle: %w", err)
	}
	tail, err := gonanoid.Generate(handleTailAlphabet, HandleLength-1)
	if err != nil {
		return "", fmt.Errorf("generate handle: %w", err)
	}
	return lead + tail, nil
}

// IsHandle reports whether s has the shape of a public handle.
func IsHandle(s string) bool {
	if len(s) != HandleLength || s[0] == '0' {
		return false
	}
	for i := range len(s) {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
