package signal

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestFatalShutdown asserts that the first fatal error is kept and that the
// shutdown channel closes after the request.
func TestFatalShutdown(t *testing.T) {
	interceptor, err := Intercept()
	require.NoError(t, err)

	_, err = Intercept()
	require.ErrorIs(t, err, ErrAlreadyStarted)

	first := errors.New("first")
	interceptor.RequestFatalShutdown(first)
	interceptor.RequestFatalShutdown(errors.New("second"))

	select {
	case <-interceptor.ShutdownChannel():
	case <-time.After(time.Second):
		t.Fatal("shutdown channel not closed")
	}

	require.False(t, interceptor.Alive())
	require.ErrorIs(t, interceptor.FatalError(), first)
}
