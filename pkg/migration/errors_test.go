package migration

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"transient", NewTransientError("GetEndSN", "timeout", errors.New("deadline exceeded")), true},
		{"corruption", NewCorruptionError("Phase_StartSN_Copy_0", "not an int64", nil), false},
		{"source rejected", NewSourceRejectedError("RejectWrites", 409, "already rejected"), false},
		{"cancelled", NewCancelledError("EnumerateKeys", errors.New("context canceled")), false},
		{"apply", NewApplyError(42, "write conflict", nil), false},
		{"plain error", errors.New("boom"), false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, IsRetryable(c.err))
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	root := errors.New("root cause")
	wrapped := NewTransientError("GetStartSN", "connection refused", root)
	assert.ErrorIs(t, wrapped, root)
	assert.Contains(t, wrapped.Error(), "GetStartSN")
	assert.Contains(t, wrapped.Error(), "root cause")
}
