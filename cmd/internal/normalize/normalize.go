// Package normalize canonicalizes user identifiers shared by the client and the relay.
package normalize

import "strings"

// Email returns a normalized form of an email address suitable for
// storage and comparisons. Normalization trims surrounding whitespace
// and lower-cases the address.
func Email(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

// DisplayName trims a display name and collapses inner whitespace runs.
func DisplayName(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
