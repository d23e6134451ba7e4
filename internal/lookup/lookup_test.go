package lookup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jse-datasphere/standardize-cli/internal/model"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestBuild(t *testing.T) {
	t.Run("GroupsDatedAndTimeless", func(t *testing.T) {
		snap := date(2022, 12, 31)
		lu := Build([]model.LookupRow{
			{Symbol: "GK", CompanyLineItem: "Turnover", StandardizedLineItem: "Revenue", AsOfDate: &snap},
			{Symbol: "GK", CompanyLineItem: "Sales", StandardizedLineItem: "Revenue", AsOfDate: &snap},
			{Symbol: "GK", CompanyLineItem: "Profit for the Year", StandardizedLineItem: "Net Profit"},
		})

		require.Len(t, lu.Dated, 1)
		assert.Equal(t, []string{"Turnover", "Sales"}, lu.Dated[snap]["Revenue"])
		assert.Equal(t, []string{"Profit for the Year"}, lu.Timeless["Net Profit"])
		assert.False(t, lu.Empty())
	})

	t.Run("SkipsLinkageRows", func(t *testing.T) {
		lu := Build([]model.LookupRow{
			{Symbol: "GK", CompanyLineItem: "Gross Margin", StandardizedLineItem: ""},
		})
		assert.True(t, lu.Empty())
	})

	t.Run("TruncatesSnapshotToDay", func(t *testing.T) {
		ts := time.Date(2022, 12, 31, 15, 4, 5, 0, time.UTC)
		lu := Build([]model.LookupRow{
			{Symbol: "GK", CompanyLineItem: "Turnover", StandardizedLineItem: "Revenue", AsOfDate: &ts},
		})
		require.Len(t, lu.SnapshotDates(), 1)
		assert.Equal(t, date(2022, 12, 31), lu.SnapshotDates()[0])
	})

	t.Run("EmptyInput", func(t *testing.T) {
		assert.True(t, Build(nil).Empty())
	})
}

func TestChooseSnapshot(t *testing.T) {
	t.Run("NoDatesIsError", func(t *testing.T) {
		_, err := ChooseSnapshot(nil, date(2023, 3, 31))
		require.Error(t, err)
	})

	t.Run("SingleDateAlwaysApplies", func(t *testing.T) {
		only := date(2022, 12, 31)
		for _, target := range []time.Time{date(2020, 1, 1), only, date(2025, 6, 30)} {
			got, err := ChooseSnapshot([]time.Time{only}, target)
			require.NoError(t, err)
			assert.Equal(t, only, got)
		}
	})

	t.Run("TwoDates", func(t *testing.T) {
		earlier, later := date(2020, 12, 31), date(2022, 12, 31)
		dates := []time.Time{later, earlier} // unsorted on purpose

		got, err := ChooseSnapshot(dates, date(2021, 6, 30))
		require.NoError(t, err)
		assert.Equal(t, earlier, got, "before the later date, the earlier revision governs")

		got, err = ChooseSnapshot(dates, later)
		require.NoError(t, err)
		assert.Equal(t, later, got, "the later revision takes effect on its own date")

		got, err = ChooseSnapshot(dates, date(2023, 3, 31))
		require.NoError(t, err)
		assert.Equal(t, later, got)
	})

	t.Run("ThreeOrMoreDates", func(t *testing.T) {
		dates := []time.Time{date(2020, 12, 31), date(2021, 12, 31), date(2022, 12, 31)}

		got, err := ChooseSnapshot(dates, date(2022, 3, 31))
		require.NoError(t, err)
		assert.Equal(t, date(2021, 12, 31), got, "greatest revision at or before the target")

		got, err = ChooseSnapshot(dates, date(2022, 12, 31))
		require.NoError(t, err)
		assert.Equal(t, date(2022, 12, 31), got)
	})

	t.Run("TargetBeforeAllFallsBackToEarliest", func(t *testing.T) {
		dates := []time.Time{date(2020, 12, 31), date(2021, 12, 31), date(2022, 12, 31)}
		got, err := ChooseSnapshot(dates, date(2019, 6, 30))
		require.NoError(t, err)
		assert.Equal(t, date(2020, 12, 31), got)
	})
}
