package standardize

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/jse-datasphere/standardize-cli/internal/config"
	"github.com/jse-datasphere/standardize-cli/internal/lookup"
	"github.com/jse-datasphere/standardize-cli/internal/model"
	"github.com/jse-datasphere/standardize-cli/internal/store"
)

// Engine runs the standardization pipeline: per company, resolve the lookup,
// match every statement slice exactly then via the LLM, and persist mappings,
// audits, and the rebuilt standardized table.
//
// Companies are isolated from each other: one company failing never stops its
// siblings. Within a company, slices run concurrently and share a dedup set;
// a failed slice aborts that company. The LLM semaphore is global to the
// engine so the cap holds across companies.
type Engine struct {
	store   store.Store
	matcher CanonicalMatcher
	cfg     config.StandardizeConfig
	llmSem  *semaphore.Weighted
}

func NewEngine(st store.Store, matcher CanonicalMatcher, cfg config.StandardizeConfig) *Engine {
	llmLimit := cfg.MaxConcurrentLLM
	if llmLimit <= 0 {
		llmLimit = 20
	}
	return &Engine{
		store:   st,
		matcher: matcher,
		cfg:     cfg,
		llmSem:  semaphore.NewWeighted(llmLimit),
	}
}

// Run standardizes the given symbols, or every symbol with raw data when none
// are given. The summary always covers all requested companies; failures are
// reported per company, not returned as an error.
func (e *Engine) Run(ctx context.Context, symbols []string, runID string) (model.RunSummary, error) {
	if len(symbols) == 0 {
		var err error
		symbols, err = e.store.ListSymbols(ctx)
		if err != nil {
			return model.RunSummary{}, eris.Wrap(err, "standardize: list symbols")
		}
	}

	summary := model.RunSummary{RunID: runID}
	var mu sync.Mutex

	companyLimit := e.cfg.MaxConcurrentCompanies
	if companyLimit <= 0 {
		companyLimit = 5
	}

	// Plain errgroup so one company's failure cannot cancel its siblings.
	var g errgroup.Group
	g.SetLimit(companyLimit)

	for _, symbol := range symbols {
		g.Go(func() error {
			result, err := e.ProcessCompany(ctx, symbol, runID)
			if err != nil {
				zap.L().Error("company standardization failed",
					zap.String("symbol", symbol),
					zap.String("run_id", runID),
					zap.Error(err))
			}
			mu.Lock()
			summary.Companies = append(summary.Companies, result)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	succeeded, skipped, failed := summary.Counts()
	zap.L().Info("standardization run complete",
		zap.String("run_id", runID),
		zap.Int("succeeded", succeeded),
		zap.Int("skipped", skipped),
		zap.Int("failed", failed))

	return summary, nil
}

// ProcessCompany standardizes every statement slice of one company and
// rebuilds its standardized table from this run's mappings.
func (e *Engine) ProcessCompany(ctx context.Context, symbol, runID string) (model.CompanyResult, error) {
	result := model.CompanyResult{Symbol: symbol, Outcome: model.CompanyFailed}
	fail := func(err error) (model.CompanyResult, error) {
		result.Error = err.Error()
		return result, err
	}

	lookupRows, err := e.store.LoadLookup(ctx, symbol)
	if err != nil {
		return fail(err)
	}
	lu := lookup.Build(lookupRows)
	if lu.Empty() {
		zap.L().Warn("no lookup vocabulary, skipping company",
			zap.String("symbol", symbol), zap.String("run_id", runID))
		result.Outcome = model.CompanySkipped
		return result, nil
	}

	slices, err := e.store.ListSlices(ctx, symbol)
	if err != nil {
		return fail(err)
	}
	if len(slices) == 0 {
		zap.L().Warn("no raw statement data, skipping company",
			zap.String("symbol", symbol), zap.String("run_id", runID))
		result.Outcome = model.CompanySkipped
		return result, nil
	}

	dedup := NewDedupSet()
	var mu sync.Mutex
	var mappings []model.MappingRecord
	var audits []model.AuditRecord

	sliceLimit := e.cfg.MaxConcurrentSlices
	if sliceLimit <= 0 {
		sliceLimit = 8
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sliceLimit)
	for _, sl := range slices {
		g.Go(func() error {
			out, err := e.processSlice(gctx, lu, sl, runID, dedup)
			if err != nil {
				return eris.Wrapf(err, "standardize: slice %s", sl.Key)
			}
			mu.Lock()
			mappings = append(mappings, out.mappings...)
			audits = append(audits, out.audits...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fail(err)
	}

	if err := e.store.AppendMappings(ctx, mappings); err != nil {
		return fail(err)
	}
	if err := e.store.AppendAudits(ctx, audits); err != nil {
		return fail(err)
	}
	rebuilt, err := e.store.RebuildStandardized(ctx, symbol, runID)
	if err != nil {
		return fail(err)
	}

	zap.L().Info("company standardized",
		zap.String("symbol", symbol),
		zap.String("run_id", runID),
		zap.Int("slices", len(slices)),
		zap.Int("mappings", len(mappings)),
		zap.Int("audits", len(audits)),
		zap.Int64("standardized_rows", rebuilt))

	result.Outcome = model.CompanySucceeded
	result.Slices = len(slices)
	result.Mappings = len(mappings)
	result.Audits = len(audits)
	return result, nil
}

type sliceOutput struct {
	mappings []model.MappingRecord
	audits   []model.AuditRecord
}

func (e *Engine) processSlice(ctx context.Context, lu model.Lookup, sl model.StatementSlice, runID string, dedup *DedupSet) (sliceOutput, error) {
	var out sliceOutput

	// Resolve which vocabulary snapshot governs this statement date.
	var snapshotDate *time.Time
	var snapshotVocab model.Vocabulary
	if dates := lu.SnapshotDates(); len(dates) > 0 {
		d, err := lookup.ChooseSnapshot(dates, sl.Key.ReportDate)
		if err != nil {
			return out, err
		}
		snapshotDate = &d
		snapshotVocab = lu.Dated[d]
	}

	variants, canonical := BuildVariantMap(snapshotVocab, lu.Timeless)
	matched, unmatched := MatchExact(sl.RawHeaders, variants)

	sourceFile := strings.Join(sl.SourceFiles, ";")
	mappedCompany := make(map[string]bool)

	// Exact matches first; the LLM only ever sees what exact left behind.
	for _, raw := range sl.RawHeaders {
		v, ok := matched[raw]
		if !ok {
			continue
		}
		mappedCompany[v.CompanyLineItem] = true
		if dedup.Add(e.dedupKey(sl.Key, raw, snapshotDate)) {
			out.mappings = append(out.mappings, e.mappingRecord(sl.Key, runID, snapshotDate, raw, v, model.MatchExact))
		}
	}

	var llmItems []CanonicalItem
	for _, it := range canonical {
		if !mappedCompany[it.CompanyLineItem] {
			llmItems = append(llmItems, it)
		}
	}

	queried := make(map[string]bool)
	llmMatchedRaw := make(map[string]bool)

	if len(unmatched) > 0 && len(llmItems) > 0 {
		if err := e.llmSem.Acquire(ctx, 1); err != nil {
			return out, eris.Wrap(err, "standardize: acquire llm slot")
		}
		results, err := e.matcher.MapCanonicalToRaw(ctx, llmItems, unmatched)
		e.llmSem.Release(1)
		if err != nil {
			return out, err
		}

		for _, it := range llmItems {
			queried[it.CompanyLineItem] = true
			res := results[it.CompanyLineItem]
			switch res.Outcome {
			case OutcomeMatched:
				mappedCompany[it.CompanyLineItem] = true
				llmMatchedRaw[res.RawLineItem] = true
				if dedup.Add(e.dedupKey(sl.Key, res.RawLineItem, snapshotDate)) {
					out.mappings = append(out.mappings, e.mappingRecord(sl.Key, runID, snapshotDate,
						res.RawLineItem, Variant{CompanyLineItem: it.CompanyLineItem, StandardizedLineItem: it.StandardizedLineItem},
						model.MatchLLM))
				}
				if res.LowConfidence {
					out.audits = append(out.audits, e.auditRecord(sl.Key, runID, sourceFile, snapshotDate, it,
						model.AuditLowConfidence,
						fmt.Sprintf("matched %q with similarity %.2f", res.RawLineItem, res.Similarity)))
				}
			case OutcomeNone:
				out.audits = append(out.audits, e.auditRecord(sl.Key, runID, sourceFile, snapshotDate, it,
					model.AuditNone, res.Detail))
			case OutcomeAmbiguous:
				out.audits = append(out.audits, e.auditRecord(sl.Key, runID, sourceFile, snapshotDate, it,
					model.AuditAmbiguous, res.Detail))
			default:
				out.audits = append(out.audits, e.auditRecord(sl.Key, runID, sourceFile, snapshotDate, it,
					model.AuditLLMError, res.Detail))
			}
		}
	}

	// Expected items never put in front of the LLM were simply absent.
	for _, it := range canonical {
		if !mappedCompany[it.CompanyLineItem] && !queried[it.CompanyLineItem] {
			out.audits = append(out.audits, e.auditRecord(sl.Key, runID, sourceFile, snapshotDate, it,
				model.AuditExpectedMissing, "not present in slice"))
		}
	}

	// Raw headers nothing claimed.
	for _, raw := range unmatched {
		if llmMatchedRaw[raw] {
			continue
		}
		out.audits = append(out.audits, e.auditRecord(sl.Key, runID, sourceFile, snapshotDate,
			CanonicalItem{CompanyLineItem: raw},
			model.AuditRawUnmapped, "no exact or LLM match"))
	}

	return out, nil
}

func (e *Engine) dedupKey(key model.SliceKey, raw string, snapshot *time.Time) DedupKey {
	k := DedupKey{
		RawLineItem: raw,
		ReportDate:  key.ReportDate,
		Period:      key.Period,
		PeriodType:  key.PeriodType,
		Level:       key.Level,
	}
	if snapshot != nil {
		k.Snapshot = *snapshot
	}
	return k
}

func (e *Engine) mappingRecord(key model.SliceKey, runID string, snapshot *time.Time, raw string, v Variant, matchType model.MatchType) model.MappingRecord {
	return model.MappingRecord{
		RunID:                runID,
		Symbol:               key.Symbol,
		SnapshotDate:         snapshot,
		ReportDate:           key.ReportDate,
		Period:               key.Period,
		PeriodType:           key.PeriodType,
		Level:                key.Level,
		RawLineItem:          raw,
		CompanyLineItem:      v.CompanyLineItem,
		StandardizedLineItem: v.StandardizedLineItem,
		MatchType:            matchType,
	}
}

func (e *Engine) auditRecord(key model.SliceKey, runID, sourceFile string, snapshot *time.Time, it CanonicalItem, status model.AuditStatus, detail string) model.AuditRecord {
	return model.AuditRecord{
		ID:                   uuid.New().String(),
		RunID:                runID,
		Symbol:               key.Symbol,
		SourceFile:           sourceFile,
		ReportDate:           key.ReportDate,
		Period:               key.Period,
		PeriodType:           key.PeriodType,
		Level:                key.Level,
		SnapshotDate:         snapshot,
		CompanyLineItem:      it.CompanyLineItem,
		StandardizedLineItem: it.StandardizedLineItem,
		Status:               status,
		Detail:               detail,
	}
}
