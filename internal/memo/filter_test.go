package memo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/animemo/memosync/internal/domain"
)

func filterFixture() []domain.WatchRecord {
	return []domain.WatchRecord{
		{ID: "a", Title: "Frieren", Rating: domain.IntPtr(10), Date: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
		{ID: "b", Title: "Spy x Family", Rating: domain.IntPtr(7), Date: time.Date(2023, 6, 2, 0, 0, 0, 0, time.UTC)},
		{ID: "c", Title: "Dungeon Meshi", Date: time.Date(2024, 6, 30, 23, 30, 0, 0, time.UTC)},
		{ID: "d", Title: "STRASSE", Rating: domain.IntPtr(7), Date: time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
}

func TestFilter_Apply(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{name: "empty matches all", filter: Filter{}, want: []string{"a", "b", "c", "d"}},
		{name: "case insensitive title", filter: Filter{SearchText: "FAMILY"}, want: []string{"b"}},
		{name: "case folding", filter: Filter{SearchText: "strasse"}, want: []string{"d"}},
		{name: "years", filter: Filter{Years: []int{2024}}, want: []string{"a", "c"}},
		{name: "months", filter: Filter{Months: []time.Month{time.January}}, want: []string{"a", "d"}},
		{name: "ratings skip unrated", filter: Filter{Ratings: []int{7, 10}}, want: []string{"a", "b", "d"}},
		{name: "combined", filter: Filter{Years: []int{2023, 2024}, Ratings: []int{7}}, want: []string{"b"}},
		{name: "location shifts month", filter: Filter{Months: []time.Month{time.July}, Location: tokyo}, want: []string{"c"}},
		{name: "no match", filter: Filter{SearchText: "naruto"}, want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(tt.filter.Apply(filterFixture())))
		})
	}
}

func TestFilter_ApplyReturnsCopies(t *testing.T) {
	records := filterFixture()
	out := Filter{}.Apply(records)
	*out[0].Rating = 1
	assert.Equal(t, 10, *records[0].Rating)
}

func TestByDateDesc(t *testing.T) {
	records := filterFixture()
	records = append(records, domain.WatchRecord{ID: "e", Title: "Tie", Date: records[0].Date})

	sorted := ByDateDesc(records)
	assert.Equal(t, []string{"c", "a", "e", "b", "d"}, ids(sorted))
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids(records), "input is untouched")
}

func TestYears(t *testing.T) {
	assert.Equal(t, []int{2024, 2023, 2022}, Years(filterFixture(), nil))
	assert.Nil(t, Years(nil, nil))
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	assert.NoError(t, err)
	assert.Equal(t, ModeRemote, m)

	m, err = ParseMode("local")
	assert.NoError(t, err)
	assert.True(t, m.Local())

	_, err = ParseMode("cloud")
	assert.Error(t, err)
}
