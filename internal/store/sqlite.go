package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/jse-datasphere/standardize-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs local
// development runs and the shared store test suite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
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
	value                  REAL,
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
	created_at             DATETIME NOT NULL DEFAULT (datetime('now'))
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
	value                  REAL,
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

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteDateLayout = "2006-01-02"

func sqliteDate(t time.Time) string {
	return t.UTC().Format(sqliteDateLayout)
}

func sqliteDatePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return sqliteDate(*t)
}

func parseSQLiteDate(s string) (time.Time, error) {
	t, err := time.Parse(sqliteDateLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse date %q", s)
	}
	return t, nil
}

func (s *SQLiteStore) LoadLookup(ctx context.Context, symbol string) ([]model.LookupRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, company_line_item, standardized_line_item, as_of_date
		 FROM lu_line_item_mappings WHERE symbol = ?`,
		symbol,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load lookup %s", symbol)
	}
	defer rows.Close()

	var out []model.LookupRow
	for rows.Next() {
		var r model.LookupRow
		var asOf sql.NullString
		if err := rows.Scan(&r.Symbol, &r.CompanyLineItem, &r.StandardizedLineItem, &asOf); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lookup row")
		}
		if asOf.Valid {
			d, err := parseSQLiteDate(asOf.String)
			if err != nil {
				return nil, err
			}
			r.AsOfDate = &d
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate lookup rows")
}

func (s *SQLiteStore) ReplaceLookup(ctx context.Context, lookupRows []model.LookupRow, exceptions []model.LookupException) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin replace lookup")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM lu_line_item_mappings`); err != nil {
		return eris.Wrap(err, "sqlite: clear lookup")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM lu_lookup_exceptions`); err != nil {
		return eris.Wrap(err, "sqlite: clear lookup exceptions")
	}

	for _, r := range lookupRows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO lu_line_item_mappings
			   (symbol, company_line_item, standardized_line_item, as_of_date)
			 VALUES (?, ?, ?, ?)`,
			r.Symbol, r.CompanyLineItem, r.StandardizedLineItem, sqliteDatePtr(r.AsOfDate),
		); err != nil {
			return eris.Wrap(err, "sqlite: insert lookup row")
		}
	}
	for _, e := range exceptions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO lu_lookup_exceptions (symbol, company_line_item, reason)
			 VALUES (?, ?, ?)`,
			e.Symbol, e.CompanyLineItem, e.Reason,
		); err != nil {
			return eris.Wrap(err, "sqlite: insert lookup exception")
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit replace lookup")
}

func (s *SQLiteStore) AppendRawLineItems(ctx context.Context, rows []model.RawLineItem) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin append raw rows")
	}
	defer tx.Rollback()

	for _, r := range rows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO raw_line_items
			   (symbol, report_date, period, period_type, group_or_company_level,
			    raw_line_item, value, source_file)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.Symbol, sqliteDate(r.ReportDate), r.Period, r.PeriodType, r.Level,
			r.RawLineItem, r.Value, nullableString(r.SourceFile),
		); err != nil {
			return eris.Wrap(err, "sqlite: insert raw row")
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit append raw rows")
}

func (s *SQLiteStore) ListSymbols(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT symbol FROM raw_line_items ORDER BY symbol`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list symbols")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan symbol")
		}
		out = append(out, sym)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate symbols")
}

// ListSlices groups raw rows in Go rather than relying on array aggregation,
// which SQLite lacks.
func (s *SQLiteStore) ListSlices(ctx context.Context, symbol string) ([]model.StatementSlice, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT report_date, period, period_type, group_or_company_level,
		        raw_line_item, source_file
		 FROM raw_line_items
		 WHERE symbol = ?
		 ORDER BY report_date, period, period_type, group_or_company_level, raw_line_item`,
		symbol,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list slices %s", symbol)
	}
	defer rows.Close()

	var out []model.StatementSlice
	index := make(map[model.SliceKey]int)
	for rows.Next() {
		var reportDate, period, periodType, level, raw string
		var sourceFile sql.NullString
		if err := rows.Scan(&reportDate, &period, &periodType, &level, &raw, &sourceFile); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan raw row")
		}
		d, err := parseSQLiteDate(reportDate)
		if err != nil {
			return nil, err
		}
		key := model.SliceKey{
			Symbol: symbol, ReportDate: d, Period: period, PeriodType: periodType, Level: level,
		}

		i, ok := index[key]
		if !ok {
			i = len(out)
			index[key] = i
			out = append(out, model.StatementSlice{Key: key})
		}
		if !containsString(out[i].RawHeaders, raw) {
			out[i].RawHeaders = append(out[i].RawHeaders, raw)
		}
		if sourceFile.Valid && !containsString(out[i].SourceFiles, sourceFile.String) {
			out[i].SourceFiles = append(out[i].SourceFiles, sourceFile.String)
		}
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate raw rows")
}

func containsString(items []string, s string) bool {
	for _, it := range items {
		if it == s {
			return true
		}
	}
	return false
}

func (s *SQLiteStore) ListAuditedDates(ctx context.Context, symbol string) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT report_date FROM raw_line_items
		 WHERE symbol = ? AND period_type = 'audited'
		 ORDER BY report_date`,
		symbol,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list audited dates %s", symbol)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audited date")
		}
		d, err := parseSQLiteDate(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate audited dates")
}

func (s *SQLiteStore) AppendMappings(ctx context.Context, mappings []model.MappingRecord) error {
	if len(mappings) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin append mappings")
	}
	defer tx.Rollback()

	for _, m := range mappings {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO line_item_mappings
			   (run_id, symbol, snapshot_date, report_date, period, period_type,
			    group_or_company_level, raw_line_item, company_line_item,
			    standardized_line_item, match_type)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.RunID, m.Symbol, sqliteDatePtr(m.SnapshotDate), sqliteDate(m.ReportDate),
			m.Period, m.PeriodType, m.Level, m.RawLineItem, m.CompanyLineItem,
			m.StandardizedLineItem, string(m.MatchType),
		); err != nil {
			return eris.Wrap(err, "sqlite: insert mapping")
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit append mappings")
}

func (s *SQLiteStore) AppendAudits(ctx context.Context, audits []model.AuditRecord) error {
	if len(audits) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin append audits")
	}
	defer tx.Rollback()

	for _, a := range audits {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO standardization_audit
			   (id, run_id, symbol, source_file, report_date, period, period_type,
			    group_or_company_level, snapshot_date, company_line_item,
			    standardized_line_item, status, detail)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.RunID, a.Symbol, nullableString(a.SourceFile), sqliteDate(a.ReportDate),
			a.Period, a.PeriodType, a.Level, sqliteDatePtr(a.SnapshotDate),
			a.CompanyLineItem, nullableString(a.StandardizedLineItem),
			string(a.Status), nullableString(a.Detail),
		); err != nil {
			return eris.Wrap(err, "sqlite: insert audit")
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit append audits")
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *SQLiteStore) RebuildStandardized(ctx context.Context, symbol, runID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin rebuild")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM standardized_line_items WHERE symbol = ?`, symbol); err != nil {
		return 0, eris.Wrapf(err, "sqlite: clear standardized %s", symbol)
	}

	res, err := tx.ExecContext(ctx,
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
		 WHERE r.symbol = ? AND m.run_id = ?`,
		symbol, runID,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: rebuild standardized %s", symbol)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: rows affected")
	}
	return n, eris.Wrap(tx.Commit(), "sqlite: commit rebuild")
}

func (s *SQLiteStore) ReplaceFiscalRanges(ctx context.Context, symbol string, ranges []model.FiscalRange) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin replace fiscal ranges")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM fiscal_year_ranges WHERE symbol = ?`, symbol); err != nil {
		return eris.Wrapf(err, "sqlite: clear fiscal ranges %s", symbol)
	}
	for _, r := range ranges {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fiscal_year_ranges (symbol, fiscal_year, start_range, end_range)
			 VALUES (?, ?, ?, ?)`,
			r.Symbol, r.FiscalYear, sqliteDate(r.Start), sqliteDate(r.End),
		); err != nil {
			return eris.Wrap(err, "sqlite: insert fiscal range")
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit replace fiscal ranges")
}

func (s *SQLiteStore) AssignFiscalYears(ctx context.Context, symbol string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE standardized_line_items
		 SET fiscal_year = (
		   SELECT f.fiscal_year FROM fiscal_year_ranges f
		   WHERE f.symbol = standardized_line_items.symbol
		     AND standardized_line_items.report_date > f.start_range
		     AND standardized_line_items.report_date <= f.end_range
		 )
		 WHERE symbol = ?
		   AND EXISTS (
		     SELECT 1 FROM fiscal_year_ranges f
		     WHERE f.symbol = standardized_line_items.symbol
		       AND standardized_line_items.report_date > f.start_range
		       AND standardized_line_items.report_date <= f.end_range
		   )`,
		symbol,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: assign fiscal years %s", symbol)
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) ListQuarterObservations(ctx context.Context, symbol string) ([]model.QuarterObservation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT symbol, fiscal_year, period, report_date
		 FROM standardized_line_items
		 WHERE symbol = ? AND fiscal_year IS NOT NULL
		 ORDER BY fiscal_year, period`,
		symbol,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list quarter observations %s", symbol)
	}
	defer rows.Close()

	var out []model.QuarterObservation
	for rows.Next() {
		var q model.QuarterObservation
		var reportDate string
		if err := rows.Scan(&q.Symbol, &q.FiscalYear, &q.Period, &reportDate); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan quarter observation")
		}
		d, err := parseSQLiteDate(reportDate)
		if err != nil {
			return nil, err
		}
		q.ReportDate = d
		out = append(out, q)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate quarter observations")
}

func (s *SQLiteStore) ListAudits(ctx context.Context, filter AuditFilter) ([]model.AuditRecord, error) {
	var conditions []string
	var args []any
	if filter.RunID != "" {
		conditions = append(conditions, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Symbol != "" {
		conditions = append(conditions, "symbol = ?")
		args = append(args, filter.Symbol)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT id, run_id, symbol, source_file, report_date, period, period_type,
	                 group_or_company_level, snapshot_date, company_line_item,
	                 standardized_line_item, status, detail
	          FROM standardization_audit`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	} else if filter.Offset > 0 {
		// SQLite rejects OFFSET without LIMIT; -1 means unbounded.
		query += " LIMIT -1"
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list audits")
	}
	defer rows.Close()

	var out []model.AuditRecord
	for rows.Next() {
		var a model.AuditRecord
		var sourceFile, snapshotDate, standardized, detail sql.NullString
		var reportDate string
		if err := rows.Scan(&a.ID, &a.RunID, &a.Symbol, &sourceFile, &reportDate,
			&a.Period, &a.PeriodType, &a.Level, &snapshotDate, &a.CompanyLineItem,
			&standardized, &a.Status, &detail); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit row")
		}
		d, err := parseSQLiteDate(reportDate)
		if err != nil {
			return nil, err
		}
		a.ReportDate = d
		if snapshotDate.Valid {
			sd, err := parseSQLiteDate(snapshotDate.String)
			if err != nil {
				return nil, err
			}
			a.SnapshotDate = &sd
		}
		a.SourceFile = sourceFile.String
		a.StandardizedLineItem = standardized.String
		a.Detail = detail.String
		out = append(out, a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate audit rows")
}

func (s *SQLiteStore) RunStats(ctx context.Context, runID string) (*model.RunStats, error) {
	stats := &model.RunStats{
		RunID:         runID,
		AuditByStatus: make(map[model.AuditStatus]int64),
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM line_item_mappings WHERE run_id = ?`, runID,
	).Scan(&stats.MappingCount); err != nil {
		return nil, eris.Wrapf(err, "sqlite: count mappings %s", runID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, count(*) FROM standardization_audit
		 WHERE run_id = ? GROUP BY status`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: count audits %s", runID)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit count")
		}
		stats.AuditByStatus[model.AuditStatus(status)] = count
		stats.AuditCount += int(count)
	}
	return stats, eris.Wrap(rows.Err(), "sqlite: iterate audit counts")
}
