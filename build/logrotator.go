package build

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/jrick/logrotate/rotator"
	"github.com/klauspost/compress/zstd"
)

const (
	// DefaultMaxLogFiles is the default maximum number of log files to
	// keep.
	DefaultMaxLogFiles = 3

	// DefaultMaxLogFileSize is the default maximum log file size in MB.
	DefaultMaxLogFileSize = 10

	// Gzip compresses rolled log files with gzip.
	Gzip = "gzip"

	// Zstd compresses rolled log files with zstd.
	Zstd = "zstd"

	// DefaultLogCompressor is the compressor used unless configured.
	DefaultLogCompressor = Gzip
)

// logCompressors maps every supported compressor to the suffix of its roll
// files.
var logCompressors = map[string]string{
	Gzip: ".gz",
	Zstd: ".zst",
}

// SupportedLogCompressor returns true if compressor names a supported roll
// file compressor.
func SupportedLogCompressor(compressor string) bool {
	_, ok := logCompressors[compressor]
	return ok
}

// RotatingLogWriter is the daemon's log backend writer. Every line goes to
// the console, if one is set, and to the rotating log file once
// InitLogRotator was called.
type RotatingLogWriter struct {
	console io.Writer

	mu      sync.Mutex
	pipe    *io.PipeWriter
	rotator *rotator.Rotator
	done    chan struct{}
}

// NewRotatingLogWriter creates a writer that mirrors to console. A nil
// console writes to the log file only.
func NewRotatingLogWriter(console io.Writer) *RotatingLogWriter {
	return &RotatingLogWriter{
		console: console,
	}
}

// InitLogRotator opens logFile, creating its directory, and starts rolling it
// into files compressed with compressor once it grows beyond maxLogFileSize
// megabytes. At most maxLogFiles rolls are kept.
func (r *RotatingLogWriter) InitLogRotator(logFile string, maxLogFileSize,
	maxLogFiles int, compressor string) error {

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rotator != nil {
		return fmt.Errorf("log rotator already initialized")
	}

	suffix, ok := logCompressors[compressor]
	if !ok {
		return fmt.Errorf("unknown log compressor: %v", compressor)
	}

	var c rotator.Compressor
	switch compressor {
	case Gzip:
		c = gzip.NewWriter(nil)

	case Zstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return fmt.Errorf("failed to create zstd compressor: "+
				"%w", err)
		}
		c = enc
	}

	if err := os.MkdirAll(filepath.Dir(logFile), 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	rot, err := rotator.New(
		logFile, int64(maxLogFileSize*1024), false, maxLogFiles,
	)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}
	rot.SetCompressor(c, suffix)

	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)

		// The log is unusable from here on, so stderr is the only
		// place left to report to.
		if err := rot.Run(pr); err != nil {
			_, _ = fmt.Fprintf(os.Stderr,
				"failed to run file rotator: %v\n", err)
		}
	}()

	r.rotator = rot
	r.pipe = pw
	r.done = done

	return nil
}

// Write writes b to the console and the log file. Write errors are dropped,
// a failing log sink must not stop the caller.
func (r *RotatingLogWriter) Write(b []byte) (int, error) {
	if r.console != nil {
		_, _ = r.console.Write(b)
	}

	r.mu.Lock()
	pipe := r.pipe
	r.mu.Unlock()

	if pipe != nil {
		_, _ = pipe.Write(b)
	}

	return len(b), nil
}

// Close drains the pipe into the log file and closes the rotator.
func (r *RotatingLogWriter) Close() error {
	r.mu.Lock()
	pipe, done, rot := r.pipe, r.done, r.rotator
	r.pipe = nil
	r.mu.Unlock()

	if pipe == nil {
		return nil
	}

	// Closing the pipe ends the rotator's read loop once everything
	// written so far reached the file.
	pipeErr := pipe.Close()
	<-done

	return errors.Join(pipeErr, rot.Close())
}
