package qcfg

import (
	"fmt"
	"time"
)

const (
	// DefaultCheckpoint is the default header rollback distance.
	DefaultCheckpoint = 2000

	// DefaultReadAhead is the default number of blocks per fetch.
	DefaultReadAhead = 2

	// DefaultBlockTimeout is the default wait for a requested block.
	DefaultBlockTimeout = 5 * time.Second

	// DefaultHeaderTimeout is the default wait for a headers reply.
	DefaultHeaderTimeout = 30 * time.Second

	// DefaultReorgDepth is the default maximum supported reorg depth.
	DefaultReorgDepth = 144

	// DefaultInvCacheSize is the default size of the inventory cache.
	DefaultInvCacheSize = 1000

	// DefaultTxCacheSize is the default size of the transaction cache.
	DefaultTxCacheSize = 100
)

// Sync holds the chain sync configuration.
//
//nolint:lll
type Sync struct {
	Checkpoint int32 `long:"checkpoint" description:"Number of headers rolled back on start and on reorg before syncing headers again."`

	ReadAhead int32 `long:"readahead" description:"Number of blocks requested per fetch."`

	BlockTimeout time.Duration `long:"blocktimeout" description:"Time to wait for a requested block before requesting it again."`

	HeaderTimeout time.Duration `long:"headertimeout" description:"Time to wait for a headers reply."`

	ReorgDepth int `long:"reorgdepth" description:"Maximum supported reorg depth. Deeper reorgs stop the daemon."`

	InvCacheSize uint `long:"invcache" description:"Number of announced inventory items remembered."`

	TxCacheSize uint `long:"txcache" description:"Number of relayed transactions kept to answer peers."`

	NoTxIndex bool `long:"notxindex" description:"Do not maintain the transaction index."`
}

// DefaultSync returns the default sync configuration.
func DefaultSync() *Sync {
	return &Sync{
		Checkpoint:    DefaultCheckpoint,
		ReadAhead:     DefaultReadAhead,
		BlockTimeout:  DefaultBlockTimeout,
		HeaderTimeout: DefaultHeaderTimeout,
		ReorgDepth:    DefaultReorgDepth,
		InvCacheSize:  DefaultInvCacheSize,
		TxCacheSize:   DefaultTxCacheSize,
	}
}

// Validate checks the sync configuration.
func (s *Sync) Validate() error {
	switch {
	case s.Checkpoint < 1:
		return fmt.Errorf("checkpoint must be positive")

	case s.ReadAhead < 1:
		return fmt.Errorf("readahead must be positive")

	case s.BlockTimeout <= 0 || s.HeaderTimeout <= 0:
		return fmt.Errorf("blocktimeout and headertimeout must be " +
			"positive")

	case s.ReorgDepth < 1:
		return fmt.Errorf("reorgdepth must be positive")

	case s.InvCacheSize == 0 || s.TxCacheSize == 0:
		return fmt.Errorf("invcache and txcache must be positive")
	}

	return nil
}
