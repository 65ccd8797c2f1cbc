// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Copyright (C) 2015-2020 The Lightning Network Developers

package qtumsync

import (
	"fmt"

	"github.com/lightninglabs/qtumsync/build"
	"github.com/lightninglabs/qtumsync/signal"
)

// Main is the true entry point for qtumsyncd. It's required since defers
// created in the top-level scope of a main method aren't executed if os.Exit()
// is called. It returns the error that stopped the daemon, if it did not stop
// because of a shutdown request.
func Main(cfg *Config, interceptor *signal.Interceptor) error {
	defer func() {
		qtsdLog.Info("Shutdown complete")
		err := cfg.LogWriter.Close()
		if err != nil {
			qtsdLog.Errorf("Could not close log rotator: %v", err)
		}
	}()

	// Show version at startup.
	qtsdLog.Infof("Version: %s commit=%s", build.Version(), build.Commit)
	qtsdLog.Infof("Active network: %v (protocol version %d)",
		cfg.ChainParams.Name, cfg.ChainParams.ProtocolVersion)

	// fatal is handed to every service that can fail in the background.
	// The error is recorded before the critical log so the original,
	// wrapped error is the one returned below.
	fatal := func(err error) {
		interceptor.RequestFatalShutdown(err)
		qtsdLog.Criticalf("Unrecoverable error: %v", err)
	}

	srv, err := newServer(cfg, fatal)
	if err != nil {
		err := fmt.Errorf("unable to create server: %w", err)
		qtsdLog.Error(err)
		return err
	}

	if err := srv.Start(); err != nil {
		err := fmt.Errorf("unable to start server: %w", err)
		qtsdLog.Error(err)
		return err
	}
	defer func() {
		if err := srv.Stop(); err != nil {
			qtsdLog.Errorf("Unable to stop server: %v", err)
		}
	}()

	// Tell systemd, if it is supervising us, that we are up.
	interceptor.NotifyReady()

	// Wait for shutdown signal from either a graceful server stop or from
	// the interrupt handler.
	<-interceptor.ShutdownChannel()

	return interceptor.FatalError()
}
