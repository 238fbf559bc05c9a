package domain

import (
	"strings"
	"time"
)

// Rating bounds for a watch record.
const (
	MinRating = 1
	MaxRating = 10
)

// WatchRecord is one watched item owned by a single identity.
type WatchRecord struct {
	ID     string    `json:"id"`
	Title  string    `json:"title" validate:"notblank"`
	Rating *int      `json:"rating" validate:"omitempty,gte=1,lte=10"`
	Note   string    `json:"note"`
	Date   time.Time `json:"date"`
}

// Clone returns a deep copy so callers can't alias the rating pointer.
func (r WatchRecord) Clone() WatchRecord {
	if r.Rating != nil {
		v := *r.Rating
		r.Rating = &v
	}
	return r
}

// WatchInput is the user-supplied content of a new record.
type WatchInput struct {
	Title  string    `json:"title" validate:"notblank"`
	Rating *int      `json:"rating" validate:"omitempty,gte=1,lte=10"`
	Note   string    `json:"note"`
	Date   time.Time `json:"date"`
}

// Record builds a record from the input, trimming the title and
// normalizing the date. A zero date becomes now.
func (in WatchInput) Record(recordID string, now time.Time) WatchRecord {
	date := in.Date
	if date.IsZero() {
		date = now
	}
	rec := WatchRecord{
		ID:     recordID,
		Title:  strings.TrimSpace(in.Title),
		Rating: in.Rating,
		Note:   in.Note,
		Date:   NormalizeDate(date),
	}
	return rec.Clone()
}

// WatchPatch is a shallow update. Nil fields are left untouched.
// ClearRating removes the rating and wins over Rating.
type WatchPatch struct {
	Title       *string    `json:"title,omitempty"`
	Rating      *int       `json:"rating,omitempty"`
	ClearRating bool       `json:"clearRating,omitempty"`
	Note        *string    `json:"note,omitempty"`
	Date        *time.Time `json:"date,omitempty"`
}

// Apply merges the patch into r. The ID never changes.
func (p WatchPatch) Apply(r WatchRecord) WatchRecord {
	out := r.Clone()
	if p.Title != nil {
		out.Title = strings.TrimSpace(*p.Title)
	}
	if p.Rating != nil {
		v := *p.Rating
		out.Rating = &v
	}
	if p.ClearRating {
		out.Rating = nil
	}
	if p.Note != nil {
		out.Note = *p.Note
	}
	if p.Date != nil {
		out.Date = NormalizeDate(*p.Date)
	}
	return out
}

// IsEmpty reports whether the patch changes nothing.
func (p WatchPatch) IsEmpty() bool {
	return p.Title == nil && p.Rating == nil && !p.ClearRating && p.Note == nil && p.Date == nil
}

// dateLayout is ISO-8601 in UTC with millisecond precision.
const dateLayout = "2006-01-02T15:04:05.000Z07:00"

// NormalizeDate returns the canonical at-rest form of a watch date:
// UTC, truncated to milliseconds.
func NormalizeDate(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// FormatDate serializes a date the way records store it.
func FormatDate(t time.Time) string {
	return NormalizeDate(t).Format(dateLayout)
}

// ParseDate parses a stored date. Any RFC 3339 value is accepted.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return NormalizeDate(t), nil
}

// IntPtr is a small helper for building optional ratings.
func IntPtr(v int) *int {
	return &v
}
