package ioerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	require.Equal(t, OK, CodeOf(nil))
	require.Equal(t, Unknown, CodeOf(errors.New("plain")))

	err := New(Timeout, "connect", errors.New("dial"))
	require.Equal(t, Timeout, CodeOf(err))
	require.True(t, errors.Is(err, New(Timeout, "", nil)))
	require.False(t, errors.Is(err, New(Cancelled, "", nil)))
}

func TestRecoverable(t *testing.T) {
	require.True(t, Recoverable(New(WouldBlock, "read", nil)))
	require.True(t, Recoverable(New(Interrupted, "read", nil)))
	require.False(t, Recoverable(New(ConnectionReset, "read", nil)))
	require.False(t, Recoverable(nil))
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := New(Invalid, "bind", cause)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "bind")
	require.Contains(t, err.Error(), "invalid")
}
