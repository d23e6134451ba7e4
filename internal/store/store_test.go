package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jse-datasphere/standardize-cli/internal/model"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func fl(v float64) *float64 { return &v }

func rawRow(symbol string, reportDate time.Time, period, periodType, raw string) model.RawLineItem {
	return model.RawLineItem{
		Symbol:      symbol,
		ReportDate:  reportDate,
		Period:      period,
		PeriodType:  periodType,
		Level:       "group",
		RawLineItem: raw,
		Value:       fl(100),
		SourceFile:  symbol + ".pdf",
	}
}

func mapping(runID, symbol string, reportDate time.Time, period, periodType, raw, company, standardized string) model.MappingRecord {
	return model.MappingRecord{
		RunID:                runID,
		Symbol:               symbol,
		ReportDate:           reportDate,
		Period:               period,
		PeriodType:           periodType,
		Level:                "group",
		RawLineItem:          raw,
		CompanyLineItem:      company,
		StandardizedLineItem: standardized,
		MatchType:            model.MatchExact,
	}
}

func audit(runID, symbol string, reportDate time.Time, status model.AuditStatus) model.AuditRecord {
	return model.AuditRecord{
		ID:              uuid.New().String(),
		RunID:           runID,
		Symbol:          symbol,
		ReportDate:      reportDate,
		Period:          "Q1",
		PeriodType:      "unaudited",
		Level:           "group",
		CompanyLineItem: "Some Item",
		Status:          status,
	}
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("ReplaceAndLoadLookup", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		snap := day(2022, 12, 31)
		rows := []model.LookupRow{
			{Symbol: "GK", CompanyLineItem: "Turnover", StandardizedLineItem: "Revenue", AsOfDate: &snap},
			{Symbol: "GK", CompanyLineItem: "Profit for the Year", StandardizedLineItem: "Net Profit"},
			{Symbol: "NCBFG", CompanyLineItem: "Operating Income", StandardizedLineItem: "Revenue"},
		}
		exceptions := []model.LookupException{
			{Symbol: "GK", CompanyLineItem: "Gross Margin", Reason: "calculated item without expression"},
		}
		require.NoError(t, s.ReplaceLookup(ctx, rows, exceptions))

		got, err := s.LoadLookup(ctx, "GK")
		require.NoError(t, err)
		require.Len(t, got, 2)

		byItem := make(map[string]model.LookupRow)
		for _, r := range got {
			byItem[r.CompanyLineItem] = r
		}
		require.NotNil(t, byItem["Turnover"].AsOfDate)
		assert.True(t, snap.Equal(*byItem["Turnover"].AsOfDate))
		assert.Nil(t, byItem["Profit for the Year"].AsOfDate)

		// Replace wipes previous contents.
		require.NoError(t, s.ReplaceLookup(ctx, rows[:1], nil))
		got, err = s.LoadLookup(ctx, "GK")
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("ListSymbolsAndSlices", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		d := day(2023, 3, 31)
		require.NoError(t, s.AppendRawLineItems(ctx, []model.RawLineItem{
			rawRow("GK", d, "Q1", "unaudited", "Turnover"),
			rawRow("GK", d, "Q1", "unaudited", "Finance costs"),
			rawRow("GK", d, "Q2", "unaudited", "Turnover"),
			rawRow("NCBFG", d, "Q1", "unaudited", "Net interest income"),
		}))

		symbols, err := s.ListSymbols(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"GK", "NCBFG"}, symbols)

		slices, err := s.ListSlices(ctx, "GK")
		require.NoError(t, err)
		require.Len(t, slices, 2)

		q1 := slices[0]
		assert.Equal(t, "Q1", q1.Key.Period)
		assert.True(t, d.Equal(q1.Key.ReportDate))
		assert.ElementsMatch(t, []string{"Turnover", "Finance costs"}, q1.RawHeaders)
		assert.Equal(t, []string{"GK.pdf"}, q1.SourceFiles)
	})

	t.Run("ListAuditedDates", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.AppendRawLineItems(ctx, []model.RawLineItem{
			rawRow("GK", day(2021, 9, 30), "FY", "audited", "Turnover"),
			rawRow("GK", day(2022, 9, 30), "FY", "audited", "Turnover"),
			rawRow("GK", day(2023, 3, 31), "Q1", "unaudited", "Turnover"),
		}))

		dates, err := s.ListAuditedDates(ctx, "GK")
		require.NoError(t, err)
		require.Len(t, dates, 2)
		assert.True(t, day(2021, 9, 30).Equal(dates[0]))
		assert.True(t, day(2022, 9, 30).Equal(dates[1]))
	})

	t.Run("RebuildStandardized", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		d := day(2023, 3, 31)
		require.NoError(t, s.AppendRawLineItems(ctx, []model.RawLineItem{
			rawRow("GK", d, "Q1", "unaudited", "Turnover"),
			rawRow("GK", d, "Q1", "unaudited", "Unmapped header"),
		}))
		require.NoError(t, s.AppendMappings(ctx, []model.MappingRecord{
			mapping("run1", "GK", d, "Q1", "unaudited", "Turnover", "Turnover", "Revenue"),
		}))

		n, err := s.RebuildStandardized(ctx, "GK", "run1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "only mapped headers appear")

		// A later run replaces the table wholesale.
		require.NoError(t, s.AppendMappings(ctx, []model.MappingRecord{
			mapping("run2", "GK", d, "Q1", "unaudited", "Turnover", "Turnover", "Revenue"),
			mapping("run2", "GK", d, "Q1", "unaudited", "Unmapped header", "Other Gains", "Other Income"),
		}))
		n, err = s.RebuildStandardized(ctx, "GK", "run2")
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		// Mappings from a different run never leak in.
		n, err = s.RebuildStandardized(ctx, "GK", "run1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("FiscalRangesAndAssignment", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		d := day(2021, 3, 31)
		require.NoError(t, s.AppendRawLineItems(ctx, []model.RawLineItem{
			rawRow("GK", d, "Q2", "unaudited", "Turnover"),
		}))
		require.NoError(t, s.AppendMappings(ctx, []model.MappingRecord{
			mapping("run1", "GK", d, "Q2", "unaudited", "Turnover", "Turnover", "Revenue"),
		}))
		_, err := s.RebuildStandardized(ctx, "GK", "run1")
		require.NoError(t, err)

		require.NoError(t, s.ReplaceFiscalRanges(ctx, "GK", []model.FiscalRange{
			{Symbol: "GK", FiscalYear: 2021, Start: day(2020, 9, 30), End: day(2021, 9, 30)},
		}))

		assigned, err := s.AssignFiscalYears(ctx, "GK")
		require.NoError(t, err)
		assert.Equal(t, int64(1), assigned)

		observations, err := s.ListQuarterObservations(ctx, "GK")
		require.NoError(t, err)
		require.Len(t, observations, 1)
		assert.Equal(t, 2021, observations[0].FiscalYear)
		assert.Equal(t, "Q2", observations[0].Period)
		assert.True(t, d.Equal(observations[0].ReportDate))
	})

	t.Run("ListAuditsFilters", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		d := day(2023, 3, 31)
		require.NoError(t, s.AppendAudits(ctx, []model.AuditRecord{
			audit("run1", "GK", d, model.AuditNone),
			audit("run1", "GK", d, model.AuditRawUnmapped),
			audit("run1", "NCBFG", d, model.AuditNone),
			audit("run2", "GK", d, model.AuditLowConfidence),
		}))

		all, err := s.ListAudits(ctx, AuditFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 4)

		run1, err := s.ListAudits(ctx, AuditFilter{RunID: "run1"})
		require.NoError(t, err)
		assert.Len(t, run1, 3)

		gk, err := s.ListAudits(ctx, AuditFilter{RunID: "run1", Symbol: "GK"})
		require.NoError(t, err)
		assert.Len(t, gk, 2)

		unmapped, err := s.ListAudits(ctx, AuditFilter{Status: model.AuditRawUnmapped})
		require.NoError(t, err)
		require.Len(t, unmapped, 1)
		assert.Equal(t, model.AuditRawUnmapped, unmapped[0].Status)

		limited, err := s.ListAudits(ctx, AuditFilter{RunID: "run1", Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		// Paging with only an offset must work without an explicit limit.
		paged, err := s.ListAudits(ctx, AuditFilter{RunID: "run1", Offset: 2})
		require.NoError(t, err)
		assert.Len(t, paged, 1)
	})

	t.Run("RunStats", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		d := day(2023, 3, 31)
		require.NoError(t, s.AppendMappings(ctx, []model.MappingRecord{
			mapping("run1", "GK", d, "Q1", "unaudited", "Turnover", "Turnover", "Revenue"),
			mapping("run1", "GK", d, "Q2", "unaudited", "Turnover", "Turnover", "Revenue"),
		}))
		require.NoError(t, s.AppendAudits(ctx, []model.AuditRecord{
			audit("run1", "GK", d, model.AuditNone),
			audit("run1", "GK", d, model.AuditNone),
			audit("run1", "GK", d, model.AuditAmbiguous),
		}))

		stats, err := s.RunStats(ctx, "run1")
		require.NoError(t, err)
		assert.Equal(t, 2, stats.MappingCount)
		assert.Equal(t, 3, stats.AuditCount)
		assert.Equal(t, int64(2), stats.AuditByStatus[model.AuditNone])
		assert.Equal(t, int64(1), stats.AuditByStatus[model.AuditAmbiguous])

		empty, err := s.RunStats(ctx, "missing-run")
		require.NoError(t, err)
		assert.Zero(t, empty.MappingCount)
		assert.Zero(t, empty.AuditCount)
	})

	t.Run("EmptyAppendsAreNoOps", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.AppendMappings(ctx, nil))
		require.NoError(t, s.AppendAudits(ctx, nil))
		require.NoError(t, s.AppendRawLineItems(ctx, nil))
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}

func TestSQLiteRebuildCarriesMappingColumns(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "rebuild.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	d := day(2023, 3, 31)
	snap := day(2022, 12, 31)
	require.NoError(t, s.AppendRawLineItems(ctx, []model.RawLineItem{
		rawRow("GK", d, "Q1", "unaudited", "Profit attributable to shareholders"),
	}))
	m := mapping("run1", "GK", d, "Q1", "unaudited",
		"Profit attributable to shareholders", "Profit for the Year", "Net Profit")
	m.SnapshotDate = &snap
	m.MatchType = model.MatchLLM
	require.NoError(t, s.AppendMappings(ctx, []model.MappingRecord{m}))

	n, err := s.RebuildStandardized(ctx, "GK", "run1")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	// The rebuilt row keeps the mapping's provenance for review.
	var company, matchType string
	var snapshot sql.NullString
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT company_line_item, match_type, snapshot_date FROM standardized_line_items`).
		Scan(&company, &matchType, &snapshot))
	assert.Equal(t, "Profit for the Year", company)
	assert.Equal(t, string(model.MatchLLM), matchType)
	require.True(t, snapshot.Valid)
	assert.Equal(t, "2022-12-31", snapshot.String)
}
