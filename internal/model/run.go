package model

import "time"

// NewRunID derives a run identifier from the current UTC time. IDs sort
// lexicographically in creation order, which is what scopes deduplication
// and the standardized-table rebuild.
func NewRunID(now time.Time) string {
	return now.UTC().Format("20060102T150405")
}

// CompanyOutcome classifies how a company fared within a run.
type CompanyOutcome string

const (
	CompanySucceeded CompanyOutcome = "succeeded"
	CompanySkipped   CompanyOutcome = "skipped"
	CompanyFailed    CompanyOutcome = "failed"
)

// CompanyResult summarizes one company's processing within a run.
type CompanyResult struct {
	Symbol   string         `json:"symbol" yaml:"symbol"`
	Outcome  CompanyOutcome `json:"outcome" yaml:"outcome"`
	Slices   int            `json:"slices" yaml:"slices"`
	Mappings int            `json:"mappings" yaml:"mappings"`
	Audits   int            `json:"audits" yaml:"audits"`
	Error    string         `json:"error,omitempty" yaml:"error,omitempty"`
}

// RunSummary aggregates company results for a whole run.
type RunSummary struct {
	RunID     string          `json:"run_id" yaml:"run_id"`
	Companies []CompanyResult `json:"companies" yaml:"companies"`
}

// Counts returns the number of succeeded, skipped, and failed companies.
func (s RunSummary) Counts() (succeeded, skipped, failed int) {
	for _, c := range s.Companies {
		switch c.Outcome {
		case CompanySucceeded:
			succeeded++
		case CompanySkipped:
			skipped++
		case CompanyFailed:
			failed++
		}
	}
	return succeeded, skipped, failed
}

// RunStats holds per-run persistence totals, used by the review API.
type RunStats struct {
	RunID         string                `json:"run_id"`
	MappingCount  int                   `json:"mapping_count"`
	AuditCount    int                   `json:"audit_count"`
	AuditByStatus map[AuditStatus]int64 `json:"audit_by_status"`
}
