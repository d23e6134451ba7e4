// Package lookup turns curated vocabulary rows into per-company lookups and
// resolves which snapshot of a company's vocabulary applies to a statement.
package lookup

import (
	"time"

	"github.com/jse-datasphere/standardize-cli/internal/model"
)

// Build groups lookup rows for one company into dated snapshots and timeless
// variants. Rows with an empty standardized name are linkage rows for
// calculated items and carry no vocabulary, so they are skipped.
func Build(rows []model.LookupRow) model.Lookup {
	lu := model.Lookup{
		Dated:    make(map[time.Time]model.Vocabulary),
		Timeless: make(model.Vocabulary),
	}

	for _, r := range rows {
		if r.StandardizedLineItem == "" {
			continue
		}
		if r.AsOfDate == nil {
			lu.Timeless[r.StandardizedLineItem] = append(
				lu.Timeless[r.StandardizedLineItem], r.CompanyLineItem)
			continue
		}
		d := truncateToDay(*r.AsOfDate)
		vocab, ok := lu.Dated[d]
		if !ok {
			vocab = make(model.Vocabulary)
			lu.Dated[d] = vocab
		}
		vocab[r.StandardizedLineItem] = append(vocab[r.StandardizedLineItem], r.CompanyLineItem)
	}

	if len(lu.Dated) == 0 {
		lu.Dated = nil
	}
	if len(lu.Timeless) == 0 {
		lu.Timeless = nil
	}
	return lu
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
