package build

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btclog"
)

// ShutdownLogger is a logger whose critical messages are fatal. After
// logging, the message is handed to the shutdown function as an error so the
// daemon can stop and report it.
type ShutdownLogger struct {
	btclog.Logger
	shutdown func(error)
}

// NewShutdownLogger wraps logger so critical messages call shutdown.
func NewShutdownLogger(logger btclog.Logger,
	shutdown func(error)) *ShutdownLogger {

	return &ShutdownLogger{
		Logger:   logger,
		shutdown: shutdown,
	}
}

// Criticalf logs at LevelCritical and requests shutdown with the formatted
// message.
//
// NOTE: part of the btclog.Logger interface.
func (s *ShutdownLogger) Criticalf(format string, params ...interface{}) {
	msg := fmt.Sprintf(format, params...)
	s.Logger.Critical(msg)
	s.requestShutdown(errors.New(msg))
}

// Critical logs at LevelCritical and requests shutdown with the message.
//
// NOTE: part of the btclog.Logger interface.
func (s *ShutdownLogger) Critical(v ...interface{}) {
	msg := fmt.Sprint(v...)
	s.Logger.Critical(msg)
	s.requestShutdown(errors.New(msg))
}

func (s *ShutdownLogger) requestShutdown(err error) {
	s.Logger.Info("Sending request for shutdown")
	s.shutdown(err)
}
