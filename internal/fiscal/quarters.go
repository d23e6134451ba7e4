package fiscal

import (
	"fmt"
	"sort"

	"github.com/jse-datasphere/standardize-cli/internal/model"
)

var quarterOrder = map[string]int{"Q1": 1, "Q2": 2, "Q3": 3, "Q4": 4}

// ValidateQuarters checks that quarterly report dates inside each fiscal year
// advance with the quarter number. Violations usually mean a mislabeled
// period or a misassigned fiscal year; they are flagged for review and never
// corrected automatically.
func ValidateQuarters(observations []model.QuarterObservation) []model.QuarterAnomaly {
	type yearKey struct {
		symbol string
		fy     int
	}
	byYear := make(map[yearKey][]model.QuarterObservation)
	for _, o := range observations {
		if _, ok := quarterOrder[o.Period]; !ok {
			continue
		}
		k := yearKey{o.Symbol, o.FiscalYear}
		byYear[k] = append(byYear[k], o)
	}

	keys := make([]yearKey, 0, len(byYear))
	for k := range byYear {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].symbol != keys[j].symbol {
			return keys[i].symbol < keys[j].symbol
		}
		return keys[i].fy < keys[j].fy
	})

	var anomalies []model.QuarterAnomaly
	for _, k := range keys {
		quarters := byYear[k]
		sort.Slice(quarters, func(i, j int) bool {
			return quarterOrder[quarters[i].Period] < quarterOrder[quarters[j].Period]
		})
		for i := 1; i < len(quarters); i++ {
			prev, cur := quarters[i-1], quarters[i]
			if prev.Period == cur.Period {
				if !prev.ReportDate.Equal(cur.ReportDate) {
					anomalies = append(anomalies, model.QuarterAnomaly{
						Symbol:     k.symbol,
						FiscalYear: k.fy,
						Detail: fmt.Sprintf("%s reported twice with different dates (%s vs %s)",
							cur.Period,
							prev.ReportDate.Format("2006-01-02"),
							cur.ReportDate.Format("2006-01-02")),
					})
				}
				continue
			}
			if !cur.ReportDate.After(prev.ReportDate) {
				anomalies = append(anomalies, model.QuarterAnomaly{
					Symbol:     k.symbol,
					FiscalYear: k.fy,
					Detail: fmt.Sprintf("%s (%s) does not follow %s (%s)",
						cur.Period, cur.ReportDate.Format("2006-01-02"),
						prev.Period, prev.ReportDate.Format("2006-01-02")),
				})
			}
		}
	}
	return anomalies
}
