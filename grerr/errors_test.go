package grerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errCause = errors.New("boom")

func TestKindSentinels(t *testing.T) {
	tests := []struct {
		kind     Kind
		sentinel error
		fatal    bool
	}{
		{Validation, ErrValidation, false},
		{Backend, ErrBackend, true},
		{Timeout, ErrTimeout, true},
		{DeviceLost, ErrDeviceLost, true},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			err := E(tt.kind, "op", errCause)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.ErrorIs(t, err, errCause)
			assert.Equal(t, tt.kind, KindOf(err))
			assert.Equal(t, tt.fatal, IsFatal(err))

			wrapped := fmt.Errorf("outer: %w", err)
			assert.ErrorIs(t, wrapped, tt.sentinel)
			assert.Equal(t, tt.kind, KindOf(wrapped))
		})
	}
}

func TestEErrorNil(t *testing.T) {
	assert.NoError(t, E(Backend, "op", nil))
	assert.NoError(t, BackendErr("op", nil))
}

func TestBackendErrKeepsKind(t *testing.T) {
	lost := E(DeviceLost, "submit", errCause)
	err := BackendErr("end frame", lost)
	assert.ErrorIs(t, err, ErrDeviceLost)
	assert.NotErrorIs(t, err, ErrBackend)

	plain := BackendErr("create buffer", errCause)
	assert.ErrorIs(t, plain, ErrBackend)
}

func TestErrorString(t *testing.T) {
	err := E(Validation, "add pass", errCause)
	assert.Equal(t, "gr: add pass: validation: boom", err.Error())
	assert.Equal(t, Unknown, KindOf(errCause))
	assert.False(t, IsFatal(errCause))
}
