package fuerteerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorWrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := New(CouldNotConnect, cause)

	assert.Equal(t, "CouldNotConnect: connection refused", err.Error())
	assert.Same(t, cause, errors.Unwrap(err))
}

func TestErrorWithoutCauseUsesCodeName(t *testing.T) {
	err := New(VstCanceledDuringReset, nil)
	assert.Equal(t, "VstCanceledDuringReset", err.Error())
}

func TestErrorsIsMatchesByCodeNotCause(t *testing.T) {
	err := New(Timeout, errors.New("dial tcp: i/o timeout"))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.False(t, errors.Is(err, ErrCouldNotConnect))
}

func TestCodeStringUnknownValue(t *testing.T) {
	assert.Equal(t, "Code(99)", Code(99).String())
}
