package id

import (
	"strconv"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_Uniqueness(t *testing.T) {
	ids := make(map[string]bool)
	count := 1000

	for range count {
		id, err := Generate(PrefixRecommendation)
		require.NoError(t, err)
		assert.False(t, ids[id], "ID should be unique: %s", id)
		ids[id] = true
	}

	assert.Len(t, ids, count)
}

func TestGenerate_Format(t *testing.T) {
	for _, prefix := range []string{PrefixRecommendation, PrefixSubscription, PrefixNotice, PrefixClient} {
		t.Run(prefix, func(t *testing.T) {
			id, err := Generate(prefix)
			require.NoError(t, err)

			assert.True(t, strings.HasPrefix(id, prefix+"-"))
			// NanoID default is 21 characters.
			assert.Len(t, strings.TrimPrefix(id, prefix+"-"), 21)
		})
	}
}

func TestNewRecordID_IsUUID(t *testing.T) {
	a := NewRecordID()
	b := NewRecordID()

	_, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestNewHandle_Range(t *testing.T) {
	for range 500 {
		h, err := NewHandle()
		require.NoError(t, err)
		require.Len(t, h, HandleLength)

		n, err := strconv.Atoi(h)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 100000000)
		assert.LessOrEqual(t, n, 999999999)
		assert.True(t, IsHandle(h))
	}
}

func TestIsHandle(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"123456789", true},
		{"999999999", true},
		{"012345678", false},
		{"12345678", false},
		{"1234567890", false},
		{"12345678a", false},
		{"", false},
		{"uid-abc", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, IsHandle(tt.in))
		})
	}
}
