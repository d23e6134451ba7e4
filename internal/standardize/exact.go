package standardize

// MatchExact checks each raw header against the normalized variant index.
// A header matches if and only if its normalized form equals the normalized
// form of a known variant; no partial or token-level matching happens here.
// Unmatched headers are returned in input order for the LLM pass.
func MatchExact(rawHeaders []string, variants map[string]Variant) (map[string]Variant, []string) {
	matched := make(map[string]Variant)
	var unmatched []string

	for _, raw := range rawHeaders {
		if v, ok := variants[Normalize(raw)]; ok {
			matched[raw] = v
		} else {
			unmatched = append(unmatched, raw)
		}
	}

	return matched, unmatched
}
