package store

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/jse-datasphere/standardize-cli/internal/db"
	"github.com/jse-datasphere/standardize-cli/internal/model"
)

// PostgresStore implements Store using pgxpool against the warehouse.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool, used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS lu_line_item_mappings (
	symbol                 TEXT NOT NULL,
	company_line_item      TEXT NOT NULL,
	standardized_line_item TEXT NOT NULL,
	as_of_date             DATE
);

CREATE INDEX IF NOT EXISTS idx_lu_line_item_mappings_symbol ON lu_line_item_mappings(symbol);

CREATE TABLE IF NOT EXISTS lu_lookup_exceptions (
	symbol            TEXT NOT NULL,
	company_line_item TEXT NOT NULL,
	reason            TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS raw_line_items (
	symbol                 TEXT NOT NULL,
	report_date            DATE NOT NULL,
	period                 TEXT NOT NULL,
	period_type            TEXT NOT NULL,
	group_or_company_level TEXT NOT NULL,
	raw_line_item          TEXT NOT NULL,
	value                  NUMERIC,
	source_file            TEXT
);

CREATE INDEX IF NOT EXISTS idx_raw_line_items_symbol ON raw_line_items(symbol);
CREATE INDEX IF NOT EXISTS idx_raw_line_items_slice
	ON raw_line_items(symbol, report_date, period, period_type, group_or_company_level);

CREATE TABLE IF NOT EXISTS line_item_mappings (
	run_id                 TEXT NOT NULL,
	symbol                 TEXT NOT NULL,
	snapshot_date          DATE,
	report_date            DATE NOT NULL,
	period                 TEXT NOT NULL,
	period_type            TEXT NOT NULL,
	group_or_company_level TEXT NOT NULL,
	raw_line_item          TEXT NOT NULL,
	company_line_item      TEXT NOT NULL,
	standardized_line_item TEXT NOT NULL,
	match_type             TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_line_item_mappings_run ON line_item_mappings(run_id, symbol);

CREATE TABLE IF NOT EXISTS standardization_audit (
	id                     TEXT PRIMARY KEY,
	run_id                 TEXT NOT NULL,
	symbol                 TEXT NOT NULL,
	source_file            TEXT,
	report_date            DATE NOT NULL,
	period                 TEXT NOT NULL,
	period_type            TEXT NOT NULL,
	group_or_company_level TEXT NOT NULL,
	snapshot_date          DATE,
	company_line_item      TEXT NOT NULL,
	standardized_line_item TEXT,
	status                 TEXT NOT NULL,
	detail                 TEXT,
	created_at             TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_standardization_audit_run ON standardization_audit(run_id);
CREATE INDEX IF NOT EXISTS idx_standardization_audit_status ON standardization_audit(status);

CREATE TABLE IF NOT EXISTS standardized_line_items (
	symbol                 TEXT NOT NULL,
	report_date            DATE NOT NULL,
	period                 TEXT NOT NULL,
	period_type            TEXT NOT NULL,
	group_or_company_level TEXT NOT NULL,
	standardized_line_item TEXT NOT NULL,
	company_line_item      TEXT NOT NULL,
	raw_line_item          TEXT NOT NULL,
	value                  NUMERIC,
	snapshot_date          DATE,
	match_type             TEXT NOT NULL,
	run_id                 TEXT NOT NULL,
	fiscal_year            INTEGER
);

CREATE INDEX IF NOT EXISTS idx_standardized_line_items_symbol ON standardized_line_items(symbol);

CREATE TABLE IF NOT EXISTS fiscal_year_ranges (
	symbol      TEXT NOT NULL,
	fiscal_year INTEGER NOT NULL,
	start_range DATE NOT NULL,
	end_range   DATE NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fiscal_year_ranges_symbol ON fiscal_year_ranges(symbol);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.closeFn()
	return nil
}

func (s *PostgresStore) LoadLookup(ctx context.Context, symbol string) ([]model.LookupRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, company_line_item, standardized_line_item, as_of_date
		 FROM lu_line_item_mappings WHERE symbol = $1`,
		symbol,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load lookup %s", symbol)
	}
	defer rows.Close()

	var out []model.LookupRow
	for rows.Next() {
		var r model.LookupRow
		if err := rows.Scan(&r.Symbol, &r.CompanyLineItem, &r.StandardizedLineItem, &r.AsOfDate); err != nil {
			return nil, eris.Wrap(err, "postgres: scan lookup row")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate lookup rows")
}

// ReplaceLookup swaps the entire curated vocabulary in one shot. The loader
// always reloads the full spreadsheet, so partial updates are not supported.
func (s *PostgresStore) ReplaceLookup(ctx context.Context, lookupRows []model.LookupRow, exceptions []model.LookupException) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM lu_line_item_mappings`); err != nil {
		return eris.Wrap(err, "postgres: clear lookup")
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM lu_lookup_exceptions`); err != nil {
		return eris.Wrap(err, "postgres: clear lookup exceptions")
	}

	rows := make([][]any, len(lookupRows))
	for i, r := range lookupRows {
		rows[i] = []any{r.Symbol, r.CompanyLineItem, r.StandardizedLineItem, r.AsOfDate}
	}
	if _, err := db.CopyFrom(ctx, s.pool, "lu_line_item_mappings",
		[]string{"symbol", "company_line_item", "standardized_line_item", "as_of_date"}, rows); err != nil {
		return err
	}

	excRows := make([][]any, len(exceptions))
	for i, e := range exceptions {
		excRows[i] = []any{e.Symbol, e.CompanyLineItem, e.Reason}
	}
	if _, err := db.CopyFrom(ctx, s.pool, "lu_lookup_exceptions",
		[]string{"symbol", "company_line_item", "reason"}, excRows); err != nil {
		return err
	}
	return nil
}

func (s *PostgresStore) AppendRawLineItems(ctx context.Context, rows []model.RawLineItem) error {
	copyRows := make([][]any, len(rows))
	for i, r := range rows {
		copyRows[i] = []any{
			r.Symbol, r.ReportDate, r.Period, r.PeriodType, r.Level,
			r.RawLineItem, r.Value, nullIfEmpty(r.SourceFile),
		}
	}
	_, err := db.CopyFrom(ctx, s.pool, "raw_line_items",
		[]string{
			"symbol", "report_date", "period", "period_type", "group_or_company_level",
			"raw_line_item", "value", "source_file",
		}, copyRows)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *PostgresStore) ListSymbols(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT symbol FROM raw_line_items ORDER BY symbol`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list symbols")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, eris.Wrap(err, "postgres: scan symbol")
		}
		out = append(out, sym)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate symbols")
}

func (s *PostgresStore) ListSlices(ctx context.Context, symbol string) ([]model.StatementSlice, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, report_date, period, period_type, group_or_company_level,
		        array_agg(DISTINCT raw_line_item ORDER BY raw_line_item),
		        COALESCE(array_agg(DISTINCT source_file) FILTER (WHERE source_file IS NOT NULL), '{}')
		 FROM raw_line_items
		 WHERE symbol = $1
		 GROUP BY symbol, report_date, period, period_type, group_or_company_level
		 ORDER BY report_date, period, period_type, group_or_company_level`,
		symbol,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list slices %s", symbol)
	}
	defer rows.Close()

	var out []model.StatementSlice
	for rows.Next() {
		var sl model.StatementSlice
		if err := rows.Scan(&sl.Key.Symbol, &sl.Key.ReportDate, &sl.Key.Period,
			&sl.Key.PeriodType, &sl.Key.Level, &sl.RawHeaders, &sl.SourceFiles); err != nil {
			return nil, eris.Wrap(err, "postgres: scan slice")
		}
		out = append(out, sl)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate slices")
}

func (s *PostgresStore) ListAuditedDates(ctx context.Context, symbol string) ([]time.Time, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT report_date FROM raw_line_items
		 WHERE symbol = $1 AND period_type = 'audited'
		 ORDER BY report_date`,
		symbol,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list audited dates %s", symbol)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audited date")
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate audited dates")
}

func (s *PostgresStore) AppendMappings(ctx context.Context, rows []model.MappingRecord) error {
	copyRows := make([][]any, len(rows))
	for i, m := range rows {
		copyRows[i] = []any{
			m.RunID, m.Symbol, m.SnapshotDate, m.ReportDate, m.Period, m.PeriodType,
			m.Level, m.RawLineItem, m.CompanyLineItem, m.StandardizedLineItem, string(m.MatchType),
		}
	}
	_, err := db.CopyFrom(ctx, s.pool, "line_item_mappings",
		[]string{
			"run_id", "symbol", "snapshot_date", "report_date", "period", "period_type",
			"group_or_company_level", "raw_line_item", "company_line_item",
			"standardized_line_item", "match_type",
		}, copyRows)
	return err
}

func (s *PostgresStore) AppendAudits(ctx context.Context, rows []model.AuditRecord) error {
	copyRows := make([][]any, len(rows))
	for i, a := range rows {
		copyRows[i] = []any{
			a.ID, a.RunID, a.Symbol, a.SourceFile, a.ReportDate, a.Period, a.PeriodType,
			a.Level, a.SnapshotDate, a.CompanyLineItem, a.StandardizedLineItem,
			string(a.Status), a.Detail,
		}
	}
	_, err := db.CopyFrom(ctx, s.pool, "standardization_audit",
		[]string{
			"id", "run_id", "symbol", "source_file", "report_date", "period", "period_type",
			"group_or_company_level", "snapshot_date", "company_line_item",
			"standardized_line_item", "status", "detail",
		}, copyRows)
	return err
}

// RebuildStandardized replaces a company's standardized rows by joining the
// raw table against this run's mappings on the full slice key plus the raw
// header. Rows whose headers never mapped simply do not appear.
func (s *PostgresStore) RebuildStandardized(ctx context.Context, symbol, runID string) (int64, error) {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM standardized_line_items WHERE symbol = $1`, symbol); err != nil {
		return 0, eris.Wrapf(err, "postgres: clear standardized %s", symbol)
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO standardized_line_items
		   (symbol, report_date, period, period_type, group_or_company_level,
		    standardized_line_item, company_line_item, raw_line_item, value,
		    snapshot_date, match_type, run_id)
		 SELECT r.symbol, r.report_date, r.period, r.period_type, r.group_or_company_level,
		        m.standardized_line_item, m.company_line_item, r.raw_line_item, r.value,
		        m.snapshot_date, m.match_type, m.run_id
		 FROM raw_line_items r
		 JOIN line_item_mappings m
		   ON m.symbol = r.symbol
		  AND m.report_date = r.report_date
		  AND m.period = r.period
		  AND m.period_type = r.period_type
		  AND m.group_or_company_level = r.group_or_company_level
		  AND m.raw_line_item = r.raw_line_item
		 WHERE r.symbol = $1 AND m.run_id = $2`,
		symbol, runID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: rebuild standardized %s", symbol)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ReplaceFiscalRanges(ctx context.Context, symbol string, ranges []model.FiscalRange) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM fiscal_year_ranges WHERE symbol = $1`, symbol); err != nil {
		return eris.Wrapf(err, "postgres: clear fiscal ranges %s", symbol)
	}

	rows := make([][]any, len(ranges))
	for i, r := range ranges {
		rows[i] = []any{r.Symbol, r.FiscalYear, r.Start, r.End}
	}
	_, err := db.CopyFrom(ctx, s.pool, "fiscal_year_ranges",
		[]string{"symbol", "fiscal_year", "start_range", "end_range"}, rows)
	return err
}

func (s *PostgresStore) AssignFiscalYears(ctx context.Context, symbol string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE standardized_line_items s
		 SET fiscal_year = f.fiscal_year
		 FROM fiscal_year_ranges f
		 WHERE s.symbol = $1 AND f.symbol = s.symbol
		   AND s.report_date > f.start_range AND s.report_date <= f.end_range`,
		symbol,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: assign fiscal years %s", symbol)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ListQuarterObservations(ctx context.Context, symbol string) ([]model.QuarterObservation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT symbol, fiscal_year, period, report_date
		 FROM standardized_line_items
		 WHERE symbol = $1 AND fiscal_year IS NOT NULL
		 ORDER BY fiscal_year, period`,
		symbol,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list quarter observations %s", symbol)
	}
	defer rows.Close()

	var out []model.QuarterObservation
	for rows.Next() {
		var q model.QuarterObservation
		if err := rows.Scan(&q.Symbol, &q.FiscalYear, &q.Period, &q.ReportDate); err != nil {
			return nil, eris.Wrap(err, "postgres: scan quarter observation")
		}
		out = append(out, q)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate quarter observations")
}

func (s *PostgresStore) ListAudits(ctx context.Context, filter AuditFilter) ([]model.AuditRecord, error) {
	query := `SELECT id, run_id, symbol, source_file, report_date, period, period_type,
	                 group_or_company_level, snapshot_date, company_line_item,
	                 standardized_line_item, status, detail
	          FROM standardization_audit WHERE 1=1`
	var args []any
	n := 0
	next := func(v any) string {
		n++
		args = append(args, v)
		return "$" + strconv.Itoa(n)
	}

	if filter.RunID != "" {
		query += " AND run_id = " + next(filter.RunID)
	}
	if filter.Symbol != "" {
		query += " AND symbol = " + next(filter.Symbol)
	}
	if filter.Status != "" {
		query += " AND status = " + next(string(filter.Status))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + next(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + next(filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list audits")
	}
	defer rows.Close()

	var out []model.AuditRecord
	for rows.Next() {
		var a model.AuditRecord
		var sourceFile, standardized, detail *string
		if err := rows.Scan(&a.ID, &a.RunID, &a.Symbol, &sourceFile, &a.ReportDate,
			&a.Period, &a.PeriodType, &a.Level, &a.SnapshotDate, &a.CompanyLineItem,
			&standardized, &a.Status, &detail); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit row")
		}
		if sourceFile != nil {
			a.SourceFile = *sourceFile
		}
		if standardized != nil {
			a.StandardizedLineItem = *standardized
		}
		if detail != nil {
			a.Detail = *detail
		}
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate audit rows")
}

func (s *PostgresStore) RunStats(ctx context.Context, runID string) (*model.RunStats, error) {
	stats := &model.RunStats{
		RunID:         runID,
		AuditByStatus: make(map[model.AuditStatus]int64),
	}

	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM line_item_mappings WHERE run_id = $1`, runID,
	).Scan(&stats.MappingCount); err != nil {
		return nil, eris.Wrapf(err, "postgres: count mappings %s", runID)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM standardization_audit
		 WHERE run_id = $1 GROUP BY status`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: count audits %s", runID)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit count")
		}
		stats.AuditByStatus[model.AuditStatus(status)] = count
		stats.AuditCount += int(count)
	}
	return stats, eris.Wrap(rows.Err(), "postgres: iterate audit counts")
}
