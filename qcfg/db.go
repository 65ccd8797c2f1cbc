package qcfg

import (
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/kvdb"
)

// DB holds the database configuration.
//
//nolint:lll
type DB struct {
	Bolt *kvdb.BoltConfig `group:"bolt" namespace:"bolt" description:"Bolt settings."`
}

// DefaultDB returns the default database configuration.
func DefaultDB() *DB {
	return &DB{
		Bolt: &kvdb.BoltConfig{
			NoFreelistSync:    true,
			AutoCompactMinAge: kvdb.DefaultBoltAutoCompactMinAge,
			DBTimeout:         kvdb.DefaultDBTimeout,
		},
	}
}

// Validate checks the database configuration.
func (db *DB) Validate() error {
	if db.Bolt == nil {
		return fmt.Errorf("bolt settings missing")
	}
	if db.Bolt.DBTimeout < time.Second {
		return fmt.Errorf("bolt dbtimeout must be at least 1s, got %v",
			db.Bolt.DBTimeout)
	}

	return nil
}
