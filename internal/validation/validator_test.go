package validation_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animemo/memosync/internal/domain"
	"github.com/animemo/memosync/internal/errors"
	"github.com/animemo/memosync/internal/validation"
)

func TestValidator_WatchInput(t *testing.T) {
	v := validation.New()

	tests := []struct {
		name      string
		in        domain.WatchInput
		wantField string
	}{
		{name: "valid without rating", in: domain.WatchInput{Title: "Frieren"}},
		{name: "rating lower bound", in: domain.WatchInput{Title: "A", Rating: domain.IntPtr(1)}},
		{name: "rating upper bound", in: domain.WatchInput{Title: "A", Rating: domain.IntPtr(10)}},
		{name: "empty title", in: domain.WatchInput{Title: ""}, wantField: "title"},
		{name: "blank title", in: domain.WatchInput{Title: "  \t "}, wantField: "title"},
		{name: "rating zero", in: domain.WatchInput{Title: "A", Rating: domain.IntPtr(0)}, wantField: "rating"},
		{name: "rating eleven", in: domain.WatchInput{Title: "A", Rating: domain.IntPtr(11)}, wantField: "rating"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.in)
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrValidation)
			assert.Contains(t, validation.FieldErrors(err), tt.wantField)
		})
	}
}

func TestValidator_ProfileEdit(t *testing.T) {
	v := validation.New()

	assert.NoError(t, v.Validate(domain.ProfileEdit{Name: "Aki", PhotoURL: "https://example.com/a.png"}))

	err := v.Validate(domain.ProfileEdit{PhotoURL: "not a url"})
	require.Error(t, err)
	assert.Equal(t, "must be a valid URL", validation.FieldErrors(err)["photoURL"])
}

func TestFieldErrors_Foreign(t *testing.T) {
	assert.Nil(t, validation.FieldErrors(errors.New("boom")))
}
