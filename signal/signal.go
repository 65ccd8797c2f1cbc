// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Heavily inspired by https://github.com/btcsuite/btcd/blob/master/signal.go
// Copyright (C) 2015-2017 The Lightning Network Developers

package signal

import (
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
)

// ErrAlreadyStarted is returned when Intercept is called twice.
var ErrAlreadyStarted = errors.New("signal handler already started")

var (
	// started indicates whether we have started our main interrupt
	// handler.
	started   bool
	startedMu sync.Mutex
)

// Interceptor contains channels and methods regarding application shutdown
// and interrupt signals.
type Interceptor struct {
	// interruptChannel is used to receive SIGINT (Ctrl+C) signals.
	interruptChannel chan os.Signal

	// shutdownChannel is closed once the main interrupt handler exits.
	shutdownChannel chan struct{}

	// shutdownRequestChannel is used to request the daemon to shutdown
	// gracefully, similar to when receiving SIGINT.
	shutdownRequestChannel chan struct{}

	// quit is closed when instructing the main interrupt handler to exit.
	quit chan struct{}

	// fatalMu guards fatalErr.
	fatalMu  sync.Mutex
	fatalErr error
}

// Intercept starts the interception of interrupt signals and returns an
// Interceptor instance. Note that any previous active interceptor must be
// stopped before a new one can be created.
func Intercept() (*Interceptor, error) {
	startedMu.Lock()
	defer startedMu.Unlock()

	if started {
		return nil, ErrAlreadyStarted
	}
	started = true

	channels := &Interceptor{
		interruptChannel:       make(chan os.Signal, 1),
		shutdownChannel:        make(chan struct{}),
		shutdownRequestChannel: make(chan struct{}),
		quit:                   make(chan struct{}),
	}

	signalsToCatch := []os.Signal{
		os.Interrupt,
		os.Kill,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	}
	signal.Notify(channels.interruptChannel, signalsToCatch...)
	go channels.mainInterruptHandler()

	return channels, nil
}

// mainInterruptHandler listens for SIGINT (Ctrl+C) signals on the
// interruptChannel and shutdown requests on the shutdownRequestChannel, and
// closes the quit channel on the first of either.
//
// NOTE: must be run as a goroutine.
func (c *Interceptor) mainInterruptHandler() {
	defer func() {
		// Stop sending signals to our channel before releasing the
		// started flag so a later Intercept gets a clean slate.
		signal.Stop(c.interruptChannel)

		startedMu.Lock()
		started = false
		startedMu.Unlock()
	}()

	var isShutdown bool
	shutdown := func() {
		// Ignore more than one shutdown signal.
		if isShutdown {
			log.Infof("Already shutting down...")
			return
		}
		isShutdown = true
		log.Infof("Shutting down...")
		c.notifySystemd("STOPPING=1")

		close(c.quit)
	}

	for {
		select {
		case signal := <-c.interruptChannel:
			log.Infof("Received %v", signal)
			shutdown()

		case <-c.shutdownRequestChannel:
			log.Infof("Received shutdown request.")
			shutdown()

		case <-c.quit:
			log.Infof("Gracefully shutting down.")
			close(c.shutdownChannel)

			return
		}
	}
}

// Alive returns true if the main interrupt handler has not been killed.
func (c *Interceptor) Alive() bool {
	select {
	case <-c.quit:
		return false
	default:
		return true
	}
}

// RequestShutdown initiates a graceful shutdown from the application.
func (c *Interceptor) RequestShutdown() {
	select {
	case c.shutdownRequestChannel <- struct{}{}:
	case <-c.quit:
	}
}

// RequestFatalShutdown records err as the reason the process is stopping and
// initiates a graceful shutdown. Only the first error is kept.
func (c *Interceptor) RequestFatalShutdown(err error) {
	c.fatalMu.Lock()
	if c.fatalErr == nil {
		c.fatalErr = err
	}
	c.fatalMu.Unlock()

	c.RequestShutdown()
}

// FatalError returns the error passed to the first RequestFatalShutdown call,
// if any.
func (c *Interceptor) FatalError() error {
	c.fatalMu.Lock()
	defer c.fatalMu.Unlock()

	return c.fatalErr
}

// ShutdownChannel returns the channel that will be closed once the main
// interrupt handler has exited.
func (c *Interceptor) ShutdownChannel() <-chan struct{} {
	return c.shutdownChannel
}

// NotifyReady tells systemd, if we are running under it, that startup has
// completed.
func (c *Interceptor) NotifyReady() {
	c.notifySystemd(daemon.SdNotifyReady)
}

// notifySystemd sends a state string to systemd when NOTIFY_SOCKET is set.
func (c *Interceptor) notifySystemd(state string) {
	notified, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		log.Warnf("Unable to notify systemd of %v: %v", state, err)

	case notified:
		log.Debugf("Notified systemd: %v", state)
	}
}
