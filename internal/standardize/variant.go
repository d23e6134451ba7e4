package standardize

import (
	"sort"

	"github.com/jse-datasphere/standardize-cli/internal/model"
)

// Variant ties a company-specific line item to its standardized form.
type Variant struct {
	CompanyLineItem      string
	StandardizedLineItem string
}

// BuildVariantMap flattens the resolved snapshot vocabulary plus the timeless
// variants into a single normalized-variant index, and returns the distinct
// company line items the vocabulary expects to see (the canonical items the
// LLM pass is allowed to match).
//
// Snapshot entries win over timeless entries for the same normalized form.
// Every standardized name is implicitly a variant of itself, but implicit
// self-variants are not added to the expected canonical items; only labels
// the curators explicitly listed are expected to appear in statements.
func BuildVariantMap(snapshot, timeless model.Vocabulary) (map[string]Variant, []CanonicalItem) {
	variants := make(map[string]Variant)
	var canonical []CanonicalItem
	seen := make(map[string]bool)

	add := func(vocab model.Vocabulary) {
		for _, std := range sortedKeys(vocab) {
			for _, v := range vocab[std] {
				nk := Normalize(v)
				if _, ok := variants[nk]; !ok {
					variants[nk] = Variant{CompanyLineItem: v, StandardizedLineItem: std}
				}
				if !seen[v] {
					seen[v] = true
					canonical = append(canonical, CanonicalItem{
						CompanyLineItem:      v,
						StandardizedLineItem: std,
					})
				}
			}
			// The standardized name itself always exact-matches.
			nk := Normalize(std)
			if _, ok := variants[nk]; !ok {
				variants[nk] = Variant{CompanyLineItem: std, StandardizedLineItem: std}
			}
		}
	}

	add(snapshot)
	add(timeless)

	return variants, canonical
}

func sortedKeys(vocab model.Vocabulary) []string {
	keys := make([]string, 0, len(vocab))
	for k := range vocab {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
