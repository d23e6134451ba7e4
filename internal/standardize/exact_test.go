package standardize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jse-datasphere/standardize-cli/internal/model"
)

func TestBuildVariantMap(t *testing.T) {
	t.Run("SnapshotWinsOverTimeless", func(t *testing.T) {
		snapshot := model.Vocabulary{"Revenue": {"Turnover"}}
		timeless := model.Vocabulary{"Other Income": {"Turnover"}}

		variants, _ := BuildVariantMap(snapshot, timeless)

		v, ok := variants[Normalize("Turnover")]
		require.True(t, ok)
		assert.Equal(t, "Revenue", v.StandardizedLineItem)
	})

	t.Run("StandardizedNameMatchesItself", func(t *testing.T) {
		variants, _ := BuildVariantMap(nil, model.Vocabulary{"Net Profit": {"Profit for the Year"}})

		v, ok := variants[Normalize("Net Profit")]
		require.True(t, ok)
		assert.Equal(t, "Net Profit", v.CompanyLineItem)
		assert.Equal(t, "Net Profit", v.StandardizedLineItem)
	})

	t.Run("CanonicalItemsAreExplicitVariantsOnly", func(t *testing.T) {
		_, canonical := BuildVariantMap(nil, model.Vocabulary{
			"Net Profit": {"Profit for the Year", "Net Profit for the Period"},
		})

		require.Len(t, canonical, 2)
		for _, it := range canonical {
			assert.Equal(t, "Net Profit", it.StandardizedLineItem)
			assert.NotEqual(t, "Net Profit", it.CompanyLineItem)
		}
	})

	t.Run("DeterministicOrder", func(t *testing.T) {
		vocab := model.Vocabulary{
			"Revenue":    {"Turnover"},
			"Net Profit": {"Profit for the Year"},
			"Assets":     {"Total Assets"},
		}
		_, first := BuildVariantMap(nil, vocab)
		for range 10 {
			_, again := BuildVariantMap(nil, vocab)
			assert.Equal(t, first, again)
		}
	})
}

func TestMatchExact(t *testing.T) {
	variants, _ := BuildVariantMap(nil, model.Vocabulary{
		"Revenue":    {"Turnover"},
		"Net Profit": {"Profit for the Year"},
	})

	t.Run("MatchesNormalizedForms", func(t *testing.T) {
		matched, unmatched := MatchExact(
			[]string{"TURNOVER", "profit for the year", "Mystery Item"}, variants)

		require.Len(t, matched, 2)
		assert.Equal(t, "Revenue", matched["TURNOVER"].StandardizedLineItem)
		assert.Equal(t, "Net Profit", matched["profit for the year"].StandardizedLineItem)
		assert.Equal(t, []string{"Mystery Item"}, unmatched)
	})

	t.Run("NoPartialMatching", func(t *testing.T) {
		matched, unmatched := MatchExact([]string{"Turnover from operations"}, variants)
		assert.Empty(t, matched)
		assert.Equal(t, []string{"Turnover from operations"}, unmatched)
	})

	t.Run("UnmatchedPreservesInputOrder", func(t *testing.T) {
		_, unmatched := MatchExact([]string{"zzz", "aaa", "mmm"}, variants)
		assert.Equal(t, []string{"zzz", "aaa", "mmm"}, unmatched)
	})
}
