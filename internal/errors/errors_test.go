package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/animemo/memosync/internal/errors"
)

func TestError_IsMatchesByCode(t *testing.T) {
	err := errors.NotFoundf("record %s not found", "memo-1")

	assert.True(t, errors.Is(err, errors.ErrNotFound))
	assert.False(t, errors.Is(err, errors.ErrValidation))
	assert.Equal(t, "record memo-1 not found", err.Error())
}

func TestError_WrappedThroughFmt(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := fmt.Errorf("put memo: %w", errors.StoreUnavailable(cause, "redis write failed"))

	assert.True(t, errors.Is(err, errors.ErrStoreUnavailable))
	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Retryable(err))
	assert.Equal(t, errors.CodeStoreUnavailable, errors.CodeOf(err))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestError_Retryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"store unavailable", errors.StoreUnavailable(nil, "down"), true},
		{"partial write", errors.PartialWrite(nil, "one side", nil), true},
		{"validation", errors.Validation("bad"), false},
		{"self reference", errors.SelfReference("me"), false},
		{"foreign", stderrors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.Retryable(tt.err))
		})
	}
}

func TestError_WithDetailsKeepsCode(t *testing.T) {
	err := errors.Validation("validation failed").WithDetails(map[string]string{"title": "is required"})

	assert.True(t, errors.Is(err, errors.ErrValidation))
	assert.Equal(t, map[string]string{"title": "is required"}, err.Details)
}

func TestCodeOf_Foreign(t *testing.T) {
	assert.Equal(t, errors.CodeInternal, errors.CodeOf(stderrors.New("x")))
}
