package lookup

import (
	"sort"
	"time"

	"github.com/rotisserie/eris"
)

// ChooseSnapshot picks which vocabulary revision applies to a statement dated
// targetDate. The most recent revision already in effect at the report date is
// the one to classify against:
//
//   - one known date: it always applies, even to earlier statements
//     (earliest-available vocabulary is the fallback)
//   - two dates: the later applies once targetDate reaches it
//   - three or more: the greatest date <= targetDate; if the target precedes
//     every snapshot, the earliest applies
//
// An empty date set is a caller bug and returns an error; callers guard with
// Lookup.Empty before resolving.
func ChooseSnapshot(dates []time.Time, targetDate time.Time) (time.Time, error) {
	if len(dates) == 0 {
		return time.Time{}, eris.New("lookup: no snapshot dates")
	}

	sorted := make([]time.Time, len(dates))
	copy(sorted, dates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	if len(sorted) == 1 {
		return sorted[0], nil
	}
	if len(sorted) == 2 {
		if !targetDate.Before(sorted[1]) {
			return sorted[1], nil
		}
		return sorted[0], nil
	}

	chosen := sorted[0]
	for _, d := range sorted {
		if d.After(targetDate) {
			break
		}
		chosen = d
	}
	return chosen, nil
}
