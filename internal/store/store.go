// Package store persists lookup vocabularies, mappings, audits, and the
// standardized line-item table behind a driver-neutral interface.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/jse-datasphere/standardize-cli/internal/config"
	"github.com/jse-datasphere/standardize-cli/internal/model"
)

// AuditFilter specifies criteria for listing audit records.
type AuditFilter struct {
	RunID  string            `json:"run_id,omitempty"`
	Symbol string            `json:"symbol,omitempty"`
	Status model.AuditStatus `json:"status,omitempty"`
	Limit  int               `json:"limit,omitempty"`
	Offset int               `json:"offset,omitempty"`
}

// Store defines the persistence interface for the standardization pipeline.
type Store interface {
	// Lookup vocabulary
	LoadLookup(ctx context.Context, symbol string) ([]model.LookupRow, error)
	ReplaceLookup(ctx context.Context, rows []model.LookupRow, exceptions []model.LookupException) error

	// Raw statement data
	AppendRawLineItems(ctx context.Context, rows []model.RawLineItem) error
	ListSymbols(ctx context.Context) ([]string, error)
	ListSlices(ctx context.Context, symbol string) ([]model.StatementSlice, error)
	ListAuditedDates(ctx context.Context, symbol string) ([]time.Time, error)

	// Run output
	AppendMappings(ctx context.Context, rows []model.MappingRecord) error
	AppendAudits(ctx context.Context, rows []model.AuditRecord) error
	RebuildStandardized(ctx context.Context, symbol, runID string) (int64, error)

	// Fiscal years
	ReplaceFiscalRanges(ctx context.Context, symbol string, ranges []model.FiscalRange) error
	AssignFiscalYears(ctx context.Context, symbol string) (int64, error)
	ListQuarterObservations(ctx context.Context, symbol string) ([]model.QuarterObservation, error)

	// Review
	ListAudits(ctx context.Context, filter AuditFilter) ([]model.AuditRecord, error)
	RunStats(ctx context.Context, runID string) (*model.RunStats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// New constructs a Store for the configured driver.
func New(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL, &PoolConfig{
			MaxConns: cfg.MaxConns,
			MinConns: cfg.MinConns,
		})
	case "sqlite":
		return NewSQLite(cfg.DatabaseURL)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
