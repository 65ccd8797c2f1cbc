package subscribe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

type testEvent struct {
	height int32
}

// TestSubscribeDelivery asserts every client receives every update in the
// order it was sent.
func TestSubscribeDelivery(t *testing.T) {
	t.Parallel()

	s := NewServer[testEvent]("block/block")
	require.NoError(t, s.Start())
	defer func() { require.NoError(t, s.Stop()) }()

	require.Equal(t, "block/block", s.Name())

	clients := make([]*Client[testEvent], 3)
	for i := range clients {
		c, err := s.Subscribe()
		require.NoError(t, err)
		clients[i] = c
	}

	const numUpdates = 50
	for i := 0; i < numUpdates; i++ {
		require.NoError(t, s.SendUpdate(testEvent{height: int32(i)}))
	}

	for _, c := range clients {
		for i := 0; i < numUpdates; i++ {
			select {
			case upd := <-c.Updates():
				require.EqualValues(t, i, upd.height)
			case <-time.After(testTimeout):
				t.Fatalf("update %d not received", i)
			}
		}
	}
}

// TestSubscribeCancel asserts a cancelled client is released and stops
// receiving updates while the others continue.
func TestSubscribeCancel(t *testing.T) {
	t.Parallel()

	s := NewServer[int]("peerready")
	require.NoError(t, s.Start())
	defer func() { require.NoError(t, s.Stop()) }()

	cancelled, err := s.Subscribe()
	require.NoError(t, err)
	active, err := s.Subscribe()
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return s.NumClients() == 2
	}, testTimeout, 10*time.Millisecond)

	cancelled.Cancel()
	select {
	case <-cancelled.Quit():
	case <-time.After(testTimeout):
		t.Fatal("client not released")
	}
	require.Equal(t, 1, s.NumClients())

	// A second cancel is a no-op.
	cancelled.Cancel()

	require.NoError(t, s.SendUpdate(7))
	select {
	case upd := <-active.Updates():
		require.Equal(t, 7, upd)
	case <-time.After(testTimeout):
		t.Fatal("update not received")
	}
}

// TestServerStop asserts calls after shutdown fail and clients are released.
func TestServerStop(t *testing.T) {
	t.Parallel()

	s := NewServer[string]("seederror")
	require.NoError(t, s.Start())

	c, err := s.Subscribe()
	require.NoError(t, err)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())

	select {
	case <-c.Quit():
	case <-time.After(testTimeout):
		t.Fatal("client not released")
	}
	require.Zero(t, s.NumClients())

	require.ErrorIs(t, s.SendUpdate("x"), ErrServerShuttingDown)

	_, err = s.Subscribe()
	require.ErrorIs(t, err, ErrServerShuttingDown)
}
