package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlockError_IsByCode(t *testing.T) {
	err := fmt.Errorf("start: %w", ErrAlreadyBlocking.WithMessage("ends at noon"))
	assert.ErrorIs(t, err, ErrAlreadyBlocking)
	assert.NotErrorIs(t, err, ErrNotBlocking)
	assert.Equal(t, "start: E_ALREADY_BLOCKING: ends at noon", err.Error())
	assert.Equal(t, "E_LOCK_TIMEOUT", ErrLockTimeout.Error())
}

func TestErrorFromCode(t *testing.T) {
	err := ErrorFromCode("E_LOCK_TIMEOUT", "settings busy")
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.Equal(t, "settings busy", err.Message)

	unknown := ErrorFromCode("E_FROM_THE_FUTURE", "x")
	assert.Equal(t, "E_FROM_THE_FUTURE", unknown.Code)
	assert.NotErrorIs(t, unknown, ErrInternal)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, "E_NO_NETWORK", CodeOf(fmt.Errorf("wrap: %w", ErrNoNetwork)))
	assert.Equal(t, "E_INTERNAL", CodeOf(errors.New("plain")))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitOK},
		{ErrMustBeRoot, ExitMustBeRoot},
		{fmt.Errorf("x: %w", ErrAuthorizationDenied), ExitAuthorizationDenied},
		{ErrNoNetwork.WithMessage("offline"), ExitNoNetwork},
		{ErrBackendInstallFailed, ExitInternalError},
		{errors.New("boom"), ExitInternalError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExitCode(tt.err), "err=%v", tt.err)
	}
}
