package standardize

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jse-datasphere/standardize-cli/internal/config"
	"github.com/jse-datasphere/standardize-cli/internal/model"
	"github.com/jse-datasphere/standardize-cli/internal/store"
)

// memStore is an in-memory Store covering what the engine touches.
type memStore struct {
	mu       sync.Mutex
	lookups  map[string][]model.LookupRow
	slices   map[string][]model.StatementSlice
	mappings []model.MappingRecord
	audits   []model.AuditRecord
	rebuilt  []string

	loadLookupErr map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		lookups:       make(map[string][]model.LookupRow),
		slices:        make(map[string][]model.StatementSlice),
		loadLookupErr: make(map[string]error),
	}
}

func (m *memStore) LoadLookup(ctx context.Context, symbol string) ([]model.LookupRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadLookupErr[symbol]; err != nil {
		return nil, err
	}
	return m.lookups[symbol], nil
}

func (m *memStore) ReplaceLookup(ctx context.Context, rows []model.LookupRow, exceptions []model.LookupException) error {
	return nil
}

func (m *memStore) AppendRawLineItems(ctx context.Context, rows []model.RawLineItem) error {
	return nil
}

func (m *memStore) ListSymbols(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for s := range m.slices {
		out = append(out, s)
	}
	return out, nil
}

func (m *memStore) ListSlices(ctx context.Context, symbol string) ([]model.StatementSlice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slices[symbol], nil
}

func (m *memStore) ListAuditedDates(ctx context.Context, symbol string) ([]time.Time, error) {
	return nil, nil
}

func (m *memStore) AppendMappings(ctx context.Context, rows []model.MappingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappings = append(m.mappings, rows...)
	return nil
}

func (m *memStore) AppendAudits(ctx context.Context, rows []model.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, rows...)
	return nil
}

func (m *memStore) RebuildStandardized(ctx context.Context, symbol, runID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebuilt = append(m.rebuilt, symbol)
	return 0, nil
}

func (m *memStore) ReplaceFiscalRanges(ctx context.Context, symbol string, ranges []model.FiscalRange) error {
	return nil
}

func (m *memStore) AssignFiscalYears(ctx context.Context, symbol string) (int64, error) {
	return 0, nil
}

func (m *memStore) ListQuarterObservations(ctx context.Context, symbol string) ([]model.QuarterObservation, error) {
	return nil, nil
}

func (m *memStore) ListAudits(ctx context.Context, filter store.AuditFilter) ([]model.AuditRecord, error) {
	return nil, nil
}

func (m *memStore) RunStats(ctx context.Context, runID string) (*model.RunStats, error) {
	return nil, nil
}

func (m *memStore) Migrate(ctx context.Context) error { return nil }
func (m *memStore) Close() error                      { return nil }

// scriptedMatcher returns fixed results per canonical item and counts calls.
type scriptedMatcher struct {
	mu      sync.Mutex
	results map[string]MatchResult
	err     error
	calls   int
	queried [][]string
}

func (f *scriptedMatcher) MapCanonicalToRaw(ctx context.Context, items []CanonicalItem, rawHeaders []string) (map[string]MatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	names := make([]string, len(items))
	for i, it := range items {
		names[i] = it.CompanyLineItem
	}
	f.queried = append(f.queried, names)

	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]MatchResult, len(items))
	for _, it := range items {
		if res, ok := f.results[it.CompanyLineItem]; ok {
			out[it.CompanyLineItem] = res
		} else {
			out[it.CompanyLineItem] = MatchResult{Outcome: OutcomeNone}
		}
	}
	return out, nil
}

var testCfg = config.StandardizeConfig{
	SimilarityThreshold:    0.70,
	MaxConcurrentLLM:       4,
	MaxConcurrentCompanies: 2,
	MaxConcurrentSlices:    2,
}

func sliceFor(symbol string, day time.Time, period string, headers ...string) model.StatementSlice {
	return model.StatementSlice{
		Key: model.SliceKey{
			Symbol:     symbol,
			ReportDate: day,
			Period:     period,
			PeriodType: "unaudited",
			Level:      "group",
		},
		SourceFiles: []string{symbol + "-" + period + ".pdf"},
		RawHeaders:  headers,
	}
}

func TestEngineProcessCompany(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2023, 3, 31, 0, 0, 0, 0, time.UTC)

	t.Run("ExactThenLLM", func(t *testing.T) {
		st := newMemStore()
		st.lookups["NCBFG"] = []model.LookupRow{
			{Symbol: "NCBFG", CompanyLineItem: "Turnover", StandardizedLineItem: "Revenue"},
			{Symbol: "NCBFG", CompanyLineItem: "Profit for the Year", StandardizedLineItem: "Net Profit"},
		}
		st.slices["NCBFG"] = []model.StatementSlice{
			sliceFor("NCBFG", day, "Q1", "TURNOVER", "Profit attributable to shareholders"),
		}
		matcher := &scriptedMatcher{results: map[string]MatchResult{
			"Profit for the Year": {
				Outcome:     OutcomeMatched,
				RawLineItem: "Profit attributable to shareholders",
				Similarity:  0.75,
			},
		}}

		result, err := NewEngine(st, matcher, testCfg).ProcessCompany(ctx, "NCBFG", "run1")
		require.NoError(t, err)
		assert.Equal(t, model.CompanySucceeded, result.Outcome)

		require.Len(t, st.mappings, 2)
		byRaw := make(map[string]model.MappingRecord)
		for _, m := range st.mappings {
			byRaw[m.RawLineItem] = m
		}
		assert.Equal(t, model.MatchExact, byRaw["TURNOVER"].MatchType)
		assert.Equal(t, "Revenue", byRaw["TURNOVER"].StandardizedLineItem)
		assert.Equal(t, model.MatchLLM, byRaw["Profit attributable to shareholders"].MatchType)
		assert.Equal(t, "Net Profit", byRaw["Profit attributable to shareholders"].StandardizedLineItem)

		// Exact winners never reach the LLM.
		require.Len(t, matcher.queried, 1)
		assert.Equal(t, []string{"Profit for the Year"}, matcher.queried[0])
		assert.Empty(t, st.audits)
		assert.Equal(t, []string{"NCBFG"}, st.rebuilt)
	})

	t.Run("SkipsCompanyWithoutLookup", func(t *testing.T) {
		st := newMemStore()
		st.slices["SJ"] = []model.StatementSlice{sliceFor("SJ", day, "Q1", "Turnover")}
		matcher := &scriptedMatcher{}

		result, err := NewEngine(st, matcher, testCfg).ProcessCompany(ctx, "SJ", "run1")
		require.NoError(t, err)
		assert.Equal(t, model.CompanySkipped, result.Outcome)
		assert.Zero(t, matcher.calls)
		assert.Empty(t, st.mappings)
	})

	t.Run("LowConfidenceMatchStoredAndFlagged", func(t *testing.T) {
		st := newMemStore()
		st.lookups["GK"] = []model.LookupRow{
			{Symbol: "GK", CompanyLineItem: "Turnover", StandardizedLineItem: "Revenue"},
		}
		st.slices["GK"] = []model.StatementSlice{sliceFor("GK", day, "Q1", "Sundry income")}
		matcher := &scriptedMatcher{results: map[string]MatchResult{
			"Turnover": {
				Outcome:       OutcomeMatched,
				RawLineItem:   "Sundry income",
				Similarity:    0.31,
				LowConfidence: true,
			},
		}}

		result, err := NewEngine(st, matcher, testCfg).ProcessCompany(ctx, "GK", "run1")
		require.NoError(t, err)
		assert.Equal(t, model.CompanySucceeded, result.Outcome)

		// The mapping survives; the flag is advisory.
		require.Len(t, st.mappings, 1)
		assert.Equal(t, model.MatchLLM, st.mappings[0].MatchType)
		require.Len(t, st.audits, 1)
		assert.Equal(t, model.AuditLowConfidence, st.audits[0].Status)
	})

	t.Run("AuditBuckets", func(t *testing.T) {
		st := newMemStore()
		st.lookups["JBG"] = []model.LookupRow{
			{Symbol: "JBG", CompanyLineItem: "Turnover", StandardizedLineItem: "Revenue"},
			{Symbol: "JBG", CompanyLineItem: "Finance Costs", StandardizedLineItem: "Interest Expense"},
			{Symbol: "JBG", CompanyLineItem: "Other Gains", StandardizedLineItem: "Other Income"},
		}
		st.slices["JBG"] = []model.StatementSlice{
			sliceFor("JBG", day, "Q1", "Mystery header one", "Mystery header two"),
		}
		matcher := &scriptedMatcher{results: map[string]MatchResult{
			"Turnover":      {Outcome: OutcomeNone},
			"Finance Costs": {Outcome: OutcomeAmbiguous},
			"Other Gains":   {Outcome: OutcomeError, Detail: "no decision returned for item"},
		}}

		_, err := NewEngine(st, matcher, testCfg).ProcessCompany(ctx, "JBG", "run1")
		require.NoError(t, err)

		byStatus := make(map[model.AuditStatus]int)
		for _, a := range st.audits {
			byStatus[a.Status]++
		}
		assert.Equal(t, 1, byStatus[model.AuditNone])
		assert.Equal(t, 1, byStatus[model.AuditAmbiguous])
		assert.Equal(t, 1, byStatus[model.AuditLLMError])
		// Neither raw header was claimed by anything.
		assert.Equal(t, 2, byStatus[model.AuditRawUnmapped])
		assert.Empty(t, st.mappings)
	})

	t.Run("ExpectedMissingWhenNothingToMatch", func(t *testing.T) {
		st := newMemStore()
		st.lookups["PJAM"] = []model.LookupRow{
			{Symbol: "PJAM", CompanyLineItem: "Turnover", StandardizedLineItem: "Revenue"},
			{Symbol: "PJAM", CompanyLineItem: "Finance Costs", StandardizedLineItem: "Interest Expense"},
		}
		// Every raw header exact-matches, so the LLM pass is skipped and the
		// leftover expected item is simply absent.
		st.slices["PJAM"] = []model.StatementSlice{sliceFor("PJAM", day, "Q1", "Turnover")}
		matcher := &scriptedMatcher{}

		_, err := NewEngine(st, matcher, testCfg).ProcessCompany(ctx, "PJAM", "run1")
		require.NoError(t, err)

		assert.Zero(t, matcher.calls)
		require.Len(t, st.audits, 1)
		assert.Equal(t, model.AuditExpectedMissing, st.audits[0].Status)
		assert.Equal(t, "Finance Costs", st.audits[0].CompanyLineItem)
	})

	t.Run("SnapshotDateRecordedOnMappings", func(t *testing.T) {
		snap := time.Date(2022, 12, 31, 0, 0, 0, 0, time.UTC)
		st := newMemStore()
		st.lookups["CPJ"] = []model.LookupRow{
			{Symbol: "CPJ", CompanyLineItem: "Turnover", StandardizedLineItem: "Revenue", AsOfDate: &snap},
		}
		st.slices["CPJ"] = []model.StatementSlice{sliceFor("CPJ", day, "Q1", "Turnover")}

		_, err := NewEngine(st, &scriptedMatcher{}, testCfg).ProcessCompany(ctx, "CPJ", "run1")
		require.NoError(t, err)

		require.Len(t, st.mappings, 1)
		require.NotNil(t, st.mappings[0].SnapshotDate)
		assert.True(t, snap.Equal(*st.mappings[0].SnapshotDate))
	})

	t.Run("OnlyChosenSnapshotVocabularyApplies", func(t *testing.T) {
		early := time.Date(2020, 12, 31, 0, 0, 0, 0, time.UTC)
		late := time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)
		st := newMemStore()
		st.lookups["MJE"] = []model.LookupRow{
			{Symbol: "MJE", CompanyLineItem: "Net Income", StandardizedLineItem: "Net Profit", AsOfDate: &early},
			{Symbol: "MJE", CompanyLineItem: "Net Earnings", StandardizedLineItem: "Net Profit", AsOfDate: &late},
		}
		// Each statement carries both labels; only the one from its governing
		// revision may exact-match.
		st.slices["MJE"] = []model.StatementSlice{
			sliceFor("MJE", time.Date(2021, 3, 31, 0, 0, 0, 0, time.UTC), "Q1",
				"Net Income", "Net Earnings"),
			sliceFor("MJE", time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC), "Q1",
				"Net Income", "Net Earnings"),
		}
		matcher := &scriptedMatcher{}

		result, err := NewEngine(st, matcher, testCfg).ProcessCompany(ctx, "MJE", "run1")
		require.NoError(t, err)
		assert.Equal(t, model.CompanySucceeded, result.Outcome)

		// The expected label always matched, so the LLM was never consulted.
		assert.Zero(t, matcher.calls)

		require.Len(t, st.mappings, 2)
		bySnapshot := make(map[time.Time]model.MappingRecord)
		for _, m := range st.mappings {
			require.NotNil(t, m.SnapshotDate)
			bySnapshot[*m.SnapshotDate] = m
		}
		assert.Equal(t, "Net Income", bySnapshot[early].RawLineItem)
		assert.Equal(t, "Net Earnings", bySnapshot[late].RawLineItem)

		// The other revision's label stays unmapped in each slice.
		require.Len(t, st.audits, 2)
		unmapped := make(map[string]bool)
		for _, a := range st.audits {
			assert.Equal(t, model.AuditRawUnmapped, a.Status)
			unmapped[a.CompanyLineItem] = true
		}
		assert.True(t, unmapped["Net Earnings"])
		assert.True(t, unmapped["Net Income"])
	})

	t.Run("MatcherTransportFailureFailsCompany", func(t *testing.T) {
		st := newMemStore()
		st.lookups["SVL"] = []model.LookupRow{
			{Symbol: "SVL", CompanyLineItem: "Turnover", StandardizedLineItem: "Revenue"},
		}
		st.slices["SVL"] = []model.StatementSlice{sliceFor("SVL", day, "Q1", "Unknown header")}
		matcher := &scriptedMatcher{err: eris.New("api unavailable")}

		result, err := NewEngine(st, matcher, testCfg).ProcessCompany(ctx, "SVL", "run1")
		require.Error(t, err)
		assert.Equal(t, model.CompanyFailed, result.Outcome)
		assert.Empty(t, st.mappings)
	})
}

func TestEngineRun(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2023, 3, 31, 0, 0, 0, 0, time.UTC)

	t.Run("CompanyFailureDoesNotStopSiblings", func(t *testing.T) {
		st := newMemStore()
		st.lookups["GOOD"] = []model.LookupRow{
			{Symbol: "GOOD", CompanyLineItem: "Turnover", StandardizedLineItem: "Revenue"},
		}
		st.slices["GOOD"] = []model.StatementSlice{sliceFor("GOOD", day, "Q1", "Turnover")}
		st.slices["BAD"] = []model.StatementSlice{sliceFor("BAD", day, "Q1", "Turnover")}
		st.loadLookupErr["BAD"] = eris.New("connection reset")

		summary, err := NewEngine(st, &scriptedMatcher{}, testCfg).Run(ctx, []string{"BAD", "GOOD"}, "run1")
		require.NoError(t, err)

		succeeded, skipped, failed := summary.Counts()
		assert.Equal(t, 1, succeeded)
		assert.Equal(t, 0, skipped)
		assert.Equal(t, 1, failed)
		assert.Equal(t, []string{"GOOD"}, st.rebuilt)
	})

	t.Run("DefaultsToAllSymbols", func(t *testing.T) {
		st := newMemStore()
		for _, symbol := range []string{"A", "B"} {
			st.lookups[symbol] = []model.LookupRow{
				{Symbol: symbol, CompanyLineItem: "Turnover", StandardizedLineItem: "Revenue"},
			}
			st.slices[symbol] = []model.StatementSlice{sliceFor(symbol, day, "Q1", "Turnover")}
		}

		summary, err := NewEngine(st, &scriptedMatcher{}, testCfg).Run(ctx, nil, "run1")
		require.NoError(t, err)
		assert.Len(t, summary.Companies, 2)
		succeeded, _, _ := summary.Counts()
		assert.Equal(t, 2, succeeded)
	})
}
