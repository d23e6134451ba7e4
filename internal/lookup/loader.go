package lookup

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/jse-datasphere/standardize-cli/internal/model"
)

// The curators annotate cells with inline {...} snippets (formatting notes,
// source references). They are not part of the line-item label.
var braceSnippetRe = regexp.MustCompile(`\{[^}]*\}`)

// asOfLayouts are the date formats seen in the "as of" column, most common
// first. Curators write long-form dates; exports sometimes use ISO.
var asOfLayouts = []string{
	"January 2, 2006",
	"Jan 2, 2006",
	"2006-01-02",
}

const calculatedMarker = "CALCULATED"

// LoadFile reads the curated vocabulary from an .xlsx workbook or a .csv
// export. Expected columns, in order: symbol, company line item, standardized
// line item, as-of date (optional), calculation expression (optional).
func LoadFile(path, sheetName string) ([]model.LookupRow, []model.LookupException, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		return LoadWorkbook(path, sheetName)
	case ".csv":
		return LoadCSV(path)
	default:
		return nil, nil, eris.Errorf("lookup: unsupported file type %q", filepath.Ext(path))
	}
}

// LoadWorkbook reads vocabulary rows from one sheet of an xlsx workbook.
func LoadWorkbook(path, sheetName string) ([]model.LookupRow, []model.LookupException, error) {
	wb, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "lookup: open workbook %s", path)
	}

	sheet, ok := wb.Sheet[sheetName]
	if !ok {
		return nil, nil, eris.Errorf("lookup: sheet %q not found in %s", sheetName, path)
	}

	var records [][]string
	for _, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for i, c := range row.Cells {
			cells[i] = c.String()
		}
		records = append(records, cells)
	}
	return parseRecords(records)
}

// LoadCSV reads vocabulary rows from a CSV export of the workbook.
func LoadCSV(path string) ([]model.LookupRow, []model.LookupException, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "lookup: open csv %s", path)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var records [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, eris.Wrapf(err, "lookup: read csv %s", path)
		}
		records = append(records, rec)
	}
	return parseRecords(records)
}

// parseRecords turns raw spreadsheet records into lookup rows, skipping the
// header row and collecting unusable rows as exceptions instead of failing
// the whole load.
func parseRecords(records [][]string) ([]model.LookupRow, []model.LookupException, error) {
	var rows []model.LookupRow
	var exceptions []model.LookupException

	for i, rec := range records {
		if i == 0 {
			// header
			continue
		}
		symbol := cleanCell(field(rec, 0))
		company := cleanCell(field(rec, 1))
		standardized := cleanCell(field(rec, 2))
		asOf := cleanCell(field(rec, 3))
		expression := cleanCell(field(rec, 4))

		if symbol == "" || company == "" {
			continue
		}

		if strings.EqualFold(standardized, calculatedMarker) {
			if expression == "" {
				exceptions = append(exceptions, model.LookupException{
					Symbol:          symbol,
					CompanyLineItem: company,
					Reason:          "calculated item without expression",
				})
			}
			// Calculated items carry no vocabulary either way; the
			// expression is consumed by the metrics build downstream.
			continue
		}
		if standardized == "" {
			exceptions = append(exceptions, model.LookupException{
				Symbol:          symbol,
				CompanyLineItem: company,
				Reason:          "missing standardized line item",
			})
			continue
		}

		row := model.LookupRow{
			Symbol:               symbol,
			CompanyLineItem:      company,
			StandardizedLineItem: standardized,
		}
		if asOf != "" {
			d, err := parseAsOfDate(asOf)
			if err != nil {
				zap.L().Warn("unparseable as-of date, treating mapping as timeless",
					zap.String("symbol", symbol),
					zap.String("company_line_item", company),
					zap.String("as_of", asOf))
				exceptions = append(exceptions, model.LookupException{
					Symbol:          symbol,
					CompanyLineItem: company,
					Reason:          "unparseable as-of date: " + asOf,
				})
			} else {
				row.AsOfDate = &d
			}
		}
		rows = append(rows, row)
	}

	return rows, exceptions, nil
}

func field(rec []string, i int) string {
	if i < len(rec) {
		return rec[i]
	}
	return ""
}

func cleanCell(s string) string {
	return strings.TrimSpace(braceSnippetRe.ReplaceAllString(s, ""))
}

func parseAsOfDate(s string) (time.Time, error) {
	for _, layout := range asOfLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return d.UTC(), nil
		}
	}
	return time.Time{}, eris.Errorf("lookup: unparseable date %q", s)
}
