package qtumsync

import (
	"github.com/btcsuite/btclog"
	"github.com/lightninglabs/qtumsync/blocksync"
	"github.com/lightninglabs/qtumsync/build"
	"github.com/lightninglabs/qtumsync/chaindb"
	"github.com/lightninglabs/qtumsync/chainio"
	"github.com/lightninglabs/qtumsync/headersync"
	"github.com/lightninglabs/qtumsync/monitoring"
	"github.com/lightninglabs/qtumsync/p2p"
	"github.com/lightninglabs/qtumsync/peer"
	"github.com/lightninglabs/qtumsync/peerconn"
	"github.com/lightninglabs/qtumsync/signal"
	"github.com/lightninglabs/qtumsync/subscribe"
	"github.com/lightninglabs/qtumsync/txindex"
)

// Subsystem is the logging code of the daemon itself.
const Subsystem = "QTSD"

// Loggers per subsystem. A single backend logger is created and all subsystem
// loggers created from it will write to the backend. When adding new
// subsystems, add the subsystem logger variable here and to SetupLoggers.
//
// Loggers can not be used before the log rotator has been initialized with a
// log file. This must be performed early during application startup by
// calling LoadConfig.
var qtsdLog = build.NewSubLogger(Subsystem, nil)

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.SubLoggerManager,
	interceptor *signal.Interceptor) {

	// Now that we have the proper root logger, we can replace the
	// placeholder daemon package logger.
	qtsdLog = build.NewSubLogger(Subsystem, genSubLogger(root, interceptor))
	SetSubLogger(root, Subsystem, qtsdLog)

	AddSubLogger(root, signal.Subsystem, interceptor, signal.UseLogger)
	AddSubLogger(root, peer.Subsystem, interceptor, peer.UseLogger)
	AddSubLogger(root, peerconn.Subsystem, interceptor, peerconn.UseLogger)
	AddSubLogger(root, p2p.Subsystem, interceptor, p2p.UseLogger)
	AddSubLogger(
		root, headersync.Subsystem, interceptor, headersync.UseLogger,
	)
	AddSubLogger(
		root, blocksync.Subsystem, interceptor, blocksync.UseLogger,
	)
	AddSubLogger(root, chainio.Subsystem, interceptor, chainio.UseLogger)
	AddSubLogger(root, chaindb.Subsystem, interceptor, chaindb.UseLogger)
	AddSubLogger(root, txindex.Subsystem, interceptor, txindex.UseLogger)
	AddSubLogger(
		root, monitoring.Subsystem, interceptor, monitoring.UseLogger,
	)
	AddSubLogger(
		root, subscribe.Subsystem, interceptor, subscribe.UseLogger,
	)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.SubLoggerManager, subsystem string,
	interceptor *signal.Interceptor, useLoggers ...func(btclog.Logger)) {

	// genSubLogger will return a callback for creating a logger instance,
	// which we will give to the root logger.
	genLogger := genSubLogger(root, interceptor)

	// Create and register just a single logger to prevent them from
	// overwriting each other internally.
	logger := build.NewSubLogger(subsystem, genLogger)
	SetSubLogger(root, subsystem, logger, useLoggers...)
}

// SetSubLogger is a helper method to conveniently register the logger of a
// sub system.
func SetSubLogger(root *build.SubLoggerManager, subsystem string,
	logger btclog.Logger, useLoggers ...func(btclog.Logger)) {

	root.RegisterSubLogger(subsystem, logger)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}

// genSubLogger creates a logger for a subsystem. We provide an instance of
// a signal.Interceptor to be able to shutdown in the case of a critical
// error.
func genSubLogger(root *build.SubLoggerManager,
	interceptor *signal.Interceptor) func(string) btclog.Logger {

	// A critical log records its message as the daemon's fatal error
	// and requests shutdown, if the interceptor is still listening.
	shutdown := func(err error) {
		if interceptor == nil || !interceptor.Alive() {
			return
		}

		interceptor.RequestFatalShutdown(err)
	}

	// Return a function which will create a sublogger from our root
	// logger that requests shutdown on critical errors.
	return func(tag string) btclog.Logger {
		return root.GenSubLogger(tag, shutdown)
	}
}
