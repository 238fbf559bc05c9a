package memo

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/animemo/memosync/internal/domain"
)

// Filter narrows a history view. Empty sets match everything.
type Filter struct {
	// SearchText matches title substrings, ignoring case.
	SearchText string
	Years      []int
	Months     []time.Month
	// Ratings matches records whose rating is in the set. Unrated records
	// never match a non-empty set.
	Ratings []int
	// Location is used to derive year and month. Defaults to UTC.
	Location *time.Location
}

// Apply returns the records that match f, preserving their order.
func (f Filter) Apply(records []domain.WatchRecord) []domain.WatchRecord {
	loc := f.Location
	if loc == nil {
		loc = time.UTC
	}
	fold := cases.Fold()
	needle := fold.String(strings.TrimSpace(f.SearchText))

	out := make([]domain.WatchRecord, 0, len(records))
	for _, r := range records {
		if needle != "" && !strings.Contains(fold.String(r.Title), needle) {
			continue
		}
		local := r.Date.In(loc)
		if len(f.Years) > 0 && !slices.Contains(f.Years, local.Year()) {
			continue
		}
		if len(f.Months) > 0 && !slices.Contains(f.Months, local.Month()) {
			continue
		}
		if len(f.Ratings) > 0 && (r.Rating == nil || !slices.Contains(f.Ratings, *r.Rating)) {
			continue
		}
		out = append(out, r.Clone())
	}
	return out
}

// ByDateDesc returns a copy of records ordered newest first. Records with
// equal dates keep their relative order.
func ByDateDesc(records []domain.WatchRecord) []domain.WatchRecord {
	out := cloneRecords(records)
	slices.SortStableFunc(out, func(a, b domain.WatchRecord) int {
		return cmp.Compare(b.Date.UnixNano(), a.Date.UnixNano())
	})
	return out
}

// Years lists the distinct years present in records, newest first.
func Years(records []domain.WatchRecord, loc *time.Location) []int {
	if loc == nil {
		loc = time.UTC
	}
	var years []int
	for _, r := range records {
		y := r.Date.In(loc).Year()
		if !slices.Contains(years, y) {
			years = append(years, y)
		}
	}
	slices.SortFunc(years, func(a, b int) int { return cmp.Compare(b, a) })
	return years
}
