package model

import (
	"fmt"
	"time"
)

// LookupRow is one row of the curated line-item vocabulary: a company-specific
// label mapped to its standardized form, optionally scoped to an as-of date.
// A nil AsOfDate means the mapping is timeless.
type LookupRow struct {
	Symbol               string     `json:"symbol"`
	CompanyLineItem      string     `json:"company_line_item"`
	StandardizedLineItem string     `json:"standardized_line_item"`
	AsOfDate             *time.Time `json:"as_of_date,omitempty"`
}

// LookupException records a spreadsheet row that could not be turned into a
// usable lookup mapping (e.g., a calculated item with no expression provided).
type LookupException struct {
	Symbol          string `json:"symbol"`
	CompanyLineItem string `json:"company_line_item"`
	Reason          string `json:"reason"`
}

// Vocabulary maps a standardized line item to the company-specific variants
// that resolve to it.
type Vocabulary map[string][]string

// Lookup is a company's full vocabulary: snapshot-dated revisions plus
// timeless variants that apply regardless of statement date.
type Lookup struct {
	Dated    map[time.Time]Vocabulary
	Timeless Vocabulary
}

// Empty reports whether the lookup holds no mappings at all. Callers treat an
// empty lookup as "skip this company", not as an error.
func (l Lookup) Empty() bool {
	return len(l.Dated) == 0 && len(l.Timeless) == 0
}

// SnapshotDates returns the distinct as-of dates present in the lookup.
func (l Lookup) SnapshotDates() []time.Time {
	dates := make([]time.Time, 0, len(l.Dated))
	for d := range l.Dated {
		dates = append(dates, d)
	}
	return dates
}

// RawLineItem is one extracted statement row as it arrived from the financial
// statement ETL, before any standardization.
type RawLineItem struct {
	Symbol      string    `json:"symbol"`
	ReportDate  time.Time `json:"report_date"`
	Period      string    `json:"period"`
	PeriodType  string    `json:"period_type"`
	Level       string    `json:"group_or_company_level"`
	RawLineItem string    `json:"raw_line_item"`
	Value       *float64  `json:"value,omitempty"`
	SourceFile  string    `json:"source_file,omitempty"`
}

// SliceKey identifies one statement slice: every raw line item carrying the
// same key belongs to the same statement rendering.
type SliceKey struct {
	Symbol     string    `json:"symbol"`
	ReportDate time.Time `json:"report_date"`
	Period     string    `json:"period"`
	PeriodType string    `json:"period_type"`
	Level      string    `json:"group_or_company_level"`
}

func (k SliceKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s/%s",
		k.Symbol, k.ReportDate.Format("2006-01-02"), k.Period, k.PeriodType, k.Level)
}

// StatementSlice is the unit of work: one slice key with the raw headers
// observed under it and the source files they came from.
type StatementSlice struct {
	Key         SliceKey
	SourceFiles []string
	RawHeaders  []string
}

// MatchType records how a mapping was resolved.
type MatchType string

const (
	MatchExact MatchType = "EXACT"
	MatchLLM   MatchType = "LLM"
)

// MappingRecord is one accepted (raw → company → standardized) association
// for a statement slice. Rows are append-only and scoped to a run.
type MappingRecord struct {
	RunID                string     `json:"run_id"`
	Symbol               string     `json:"symbol"`
	SnapshotDate         *time.Time `json:"snapshot_date,omitempty"`
	ReportDate           time.Time  `json:"report_date"`
	Period               string     `json:"period"`
	PeriodType           string     `json:"period_type"`
	Level                string     `json:"group_or_company_level"`
	RawLineItem          string     `json:"raw_line_item"`
	CompanyLineItem      string     `json:"company_line_item"`
	StandardizedLineItem string     `json:"standardized_line_item"`
	MatchType            MatchType  `json:"match_type"`
}

// AuditStatus classifies why a line item landed in the audit table.
type AuditStatus string

const (
	AuditNone            AuditStatus = "NONE"
	AuditAmbiguous       AuditStatus = "AMBIG"
	AuditLLMError        AuditStatus = "LLM_ERROR"
	AuditLowConfidence   AuditStatus = "LOW_CONFIDENCE"
	AuditRawUnmapped     AuditStatus = "RAW_UNMAPPED"
	AuditExpectedMissing AuditStatus = "EXPECTED_MISSING"
)

// AuditRecord is one flagged exception for a statement slice. The audit table
// is the primary review surface for tuning the lookup vocabulary.
type AuditRecord struct {
	ID                   string      `json:"id"`
	RunID                string      `json:"run_id"`
	Symbol               string      `json:"symbol"`
	SourceFile           string      `json:"source_file,omitempty"`
	ReportDate           time.Time   `json:"report_date"`
	Period               string      `json:"period"`
	PeriodType           string      `json:"period_type"`
	Level                string      `json:"group_or_company_level"`
	SnapshotDate         *time.Time  `json:"snapshot_date,omitempty"`
	CompanyLineItem      string      `json:"company_line_item"`
	StandardizedLineItem string      `json:"standardized_line_item,omitempty"`
	Status               AuditStatus `json:"status"`
	Detail               string      `json:"detail,omitempty"`
}

// FiscalRange is one per-company fiscal-year window. A reference date belongs
// to the fiscal year when Start < date <= End.
type FiscalRange struct {
	Symbol     string    `json:"symbol"`
	FiscalYear int       `json:"fiscal_year"`
	Start      time.Time `json:"start_range"`
	End        time.Time `json:"end_range"`
}

// QuarterObservation is one distinct (fiscal year, period, report date)
// occurrence in the standardized table, used to validate quarter ordering.
type QuarterObservation struct {
	Symbol     string    `json:"symbol"`
	FiscalYear int       `json:"fiscal_year"`
	Period     string    `json:"period"`
	ReportDate time.Time `json:"report_date"`
}

// QuarterAnomaly flags a fiscal year whose quarterly report dates are out of
// order. Anomalies are reported, never auto-corrected.
type QuarterAnomaly struct {
	Symbol     string `json:"symbol"`
	FiscalYear int    `json:"fiscal_year"`
	Detail     string `json:"detail"`
}
