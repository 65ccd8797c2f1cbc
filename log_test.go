package qtumsync

import (
	"io"
	"testing"

	"github.com/lightninglabs/qtumsync/build"
	"github.com/stretchr/testify/require"
)

// TestSetupLoggers asserts every subsystem is registered and debug levels
// can be set per subsystem.
func TestSetupLoggers(t *testing.T) {
	root := build.NewSubLoggerManager(io.Discard)
	SetupLoggers(root, nil)

	require.Equal(t, []string{
		"BLKS", "CHDB", "CHIO", "HDRS", "MONR", "P2PS", "PCON", "PEER",
		"QTSD", "SGNL", "SUBS", "TXIX",
	}, root.SupportedSubsystems())

	require.NoError(t, build.ParseAndSetDebugLevels(
		"info,BLKS=debug,PEER=trace", root,
	))
	require.Error(t, build.ParseAndSetDebugLevels("XXXX=debug", root))
}
