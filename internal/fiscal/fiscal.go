// Package fiscal derives per-company fiscal-year ranges from audited
// statement dates and validates quarterly report ordering within them.
package fiscal

import (
	"sort"
	"time"

	"github.com/jse-datasphere/standardize-cli/internal/model"
)

// rangeFloor anchors the first fiscal range so statements predating the
// earliest audited filing still land in that fiscal year.
var rangeFloor = time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC)

// BuildRanges turns a company's audited statement dates into half-open
// fiscal-year windows. Each audited date closes a fiscal year; the window
// opens just after the previous audited date (or at the floor for the first).
// A reference date belongs to the window when start < date <= end, and the
// fiscal year label is the year of the closing date.
func BuildRanges(symbol string, auditedDates []time.Time) []model.FiscalRange {
	if len(auditedDates) == 0 {
		return nil
	}

	sorted := make([]time.Time, len(auditedDates))
	copy(sorted, auditedDates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	ranges := make([]model.FiscalRange, 0, len(sorted))
	start := rangeFloor
	for _, end := range sorted {
		ranges = append(ranges, model.FiscalRange{
			Symbol:     symbol,
			FiscalYear: end.Year(),
			Start:      start,
			End:        end,
		})
		start = end
	}
	return ranges
}

// Assign returns the fiscal year containing the reference date, or false when
// no range covers it (e.g., statements newer than the latest audited filing).
func Assign(ranges []model.FiscalRange, ref time.Time) (int, bool) {
	for _, r := range ranges {
		if ref.After(r.Start) && !ref.After(r.End) {
			return r.FiscalYear, true
		}
	}
	return 0, false
}
