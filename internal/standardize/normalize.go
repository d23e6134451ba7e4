// Package standardize maps raw financial-statement line items onto each
// company's canonical vocabulary using exact lookup matching followed by an
// LLM-assisted pass, with dedup and audit trails around both.
package standardize

import (
	"regexp"
	"strings"
)

// Spaces, hyphens, and apostrophes are presentation noise in statement
// headers; all other punctuation is significant and must match verbatim.
var normalizeRe = regexp.MustCompile(`[ \-']`)

// Normalize lowercases a header and strips spaces, hyphens, and apostrophes.
// "Net-Profit", "net profit", and "Net Profit" all normalize identically.
func Normalize(s string) string {
	return normalizeRe.ReplaceAllString(strings.ToLower(s), "")
}
