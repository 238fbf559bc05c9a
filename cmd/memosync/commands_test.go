package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animemo/memosync/internal/errors"
)

func TestParseDate(t *testing.T) {
	got, err := parseDate("2024-03-05")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 5, 0, 0, 0, 0, time.Local), got)

	got, err = parseDate("2024-03-05T10:00:00Z")
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)))

	_, err = parseDate("March 5")
	assert.ErrorIs(t, err, errors.ErrValidation)
}

func TestParseInts(t *testing.T) {
	got, err := parseInts("2024, 2023")
	require.NoError(t, err)
	assert.Equal(t, []int{2024, 2023}, got)

	got, err = parseInts("")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseInts("1,x")
	assert.ErrorIs(t, err, errors.ErrValidation)
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
		{"y", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var out bytes.Buffer
			assert.Equal(t, tt.want, confirm(strings.NewReader(tt.input), &out, "Delete?"))
			assert.Equal(t, "Delete? [y/N] ", out.String())
		})
	}
}

func TestCommandsAreConsistent(t *testing.T) {
	for name, c := range commands {
		assert.Equal(t, name, c.name)
		assert.NotNil(t, c.run, name)
		assert.NotEmpty(t, c.summary, name)
	}
}

func TestFormatRating(t *testing.T) {
	assert.Equal(t, "-", formatRating(nil))
	seven := 7
	assert.Equal(t, "7", formatRating(&seven))
}
