package chaindb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/kvdb"
)

const (
	// DefaultDBFileName is the name of the bolt file in the data dir.
	DefaultDBFileName = "chain.db"
)

var (
	// tipBucket maps a service name to its tip.
	tipBucket = []byte("tips")

	// headerBucket maps a header hash to its header record.
	headerBucket = []byte("headers")

	// headerHeightBucket maps a big endian height to a header hash.
	headerHeightBucket = []byte("header-heights")

	// blockBucket maps a block hash to its block record.
	blockBucket = []byte("blocks")

	// blockHeightBucket maps a big endian height to a block hash.
	blockHeightBucket = []byte("block-heights")

	topLevelBuckets = [][]byte{
		tipBucket, headerBucket, headerHeightBucket, blockBucket,
		blockHeightBucket,
	}
)

var (
	// ErrTipNotFound is returned for a service that never stored a tip.
	ErrTipNotFound = errors.New("tip not found")

	// ErrHeaderNotFound is returned when no header matches a query.
	ErrHeaderNotFound = errors.New("header not found")

	// ErrBlockNotFound is returned when no block record matches a query.
	ErrBlockNotFound = errors.New("block not found")
)

// TipStore persists the tip of every service by name.
type TipStore interface {
	// FetchTip returns the tip of the named service or ErrTipNotFound.
	FetchTip(name string) (*Tip, error)

	// PutTip stores the tip of the named service.
	PutTip(name string, tip *Tip) error
}

// Config describes where and how the database is opened.
type Config struct {
	// DBPath is the directory holding the database file.
	DBPath string

	// DBFileName is the file name, DefaultDBFileName if empty.
	DBFileName string

	// Bolt holds the bolt specific options.
	Bolt *kvdb.BoltConfig
}

// DB stores service tips, header records and block records in a single
// bolt database.
type DB struct {
	kvdb.Backend
}

// Open opens or creates the database and its buckets.
func Open(cfg *Config) (*DB, error) {
	fileName := cfg.DBFileName
	if fileName == "" {
		fileName = DefaultDBFileName
	}

	boltCfg := cfg.Bolt
	if boltCfg == nil {
		boltCfg = &kvdb.BoltConfig{
			NoFreelistSync:    true,
			AutoCompactMinAge: kvdb.DefaultBoltAutoCompactMinAge,
			DBTimeout:         kvdb.DefaultDBTimeout,
		}
	}

	backend, err := kvdb.GetBoltBackend(&kvdb.BoltBackendConfig{
		DBPath:            cfg.DBPath,
		DBFileName:        fileName,
		NoFreelistSync:    boltCfg.NoFreelistSync,
		AutoCompact:       boltCfg.AutoCompact,
		AutoCompactMinAge: boltCfg.AutoCompactMinAge,
		DBTimeout:         boltCfg.DBTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to open chain db: %w", err)
	}

	err = kvdb.Update(backend, func(tx kvdb.RwTx) error {
		for _, bucket := range topLevelBuckets {
			_, err := tx.CreateTopLevelBucket(bucket)
			if err != nil {
				return err
			}
		}

		return nil
	}, func() {})
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("unable to create buckets: %w", err)
	}

	log.Infof("Opened chain db at %v", cfg.DBPath)

	return &DB{Backend: backend}, nil
}

// heightKey returns the big endian key of a height so cursors iterate in
// height order.
func heightKey(height int32) []byte {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], uint32(height))

	return key[:]
}

// FetchTip returns the tip of the named service.
//
// NOTE: Part of the TipStore interface.
func (d *DB) FetchTip(name string) (*Tip, error) {
	var tip *Tip
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		v := tx.ReadBucket(tipBucket).Get([]byte(name))
		if v == nil {
			return fmt.Errorf("%w: %v", ErrTipNotFound, name)
		}

		tip = &Tip{}
		return tip.decode(bytes.NewReader(v))
	}, func() {
		tip = nil
	})
	if err != nil {
		return nil, err
	}

	return tip, nil
}

// PutTip stores the tip of the named service.
//
// NOTE: Part of the TipStore interface.
func (d *DB) PutTip(name string, tip *Tip) error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		return putTip(tx, name, tip)
	}, func() {})
}

// putTip writes a tip inside an open transaction.
func putTip(tx kvdb.RwTx, name string, tip *Tip) error {
	var b bytes.Buffer
	if err := tip.encode(&b); err != nil {
		return err
	}

	return tx.ReadWriteBucket(tipBucket).Put([]byte(name), b.Bytes())
}

// PutHeaders stores header records and indexes them by height. A record at
// an already indexed height replaces the previous one.
func (d *DB) PutHeaders(records []*HeaderRecord) error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		headers := tx.ReadWriteBucket(headerBucket)
		heights := tx.ReadWriteBucket(headerHeightBucket)

		for _, record := range records {
			var b bytes.Buffer
			if err := record.encode(&b); err != nil {
				return err
			}

			hash := record.Hash()
			key := heightKey(record.Height)

			// Drop the record of a replaced branch.
			old := heights.Get(key)
			if old != nil && !bytes.Equal(old, hash[:]) {
				if err := headers.Delete(old); err != nil {
					return err
				}
			}

			if err := headers.Put(hash[:], b.Bytes()); err != nil {
				return err
			}
			if err := heights.Put(key, hash[:]); err != nil {
				return err
			}
		}

		return nil
	}, func() {})
}

// FetchHeaderByHash returns the header record with the given hash.
func (d *DB) FetchHeaderByHash(hash chainhash.Hash) (*HeaderRecord, error) {
	var record *HeaderRecord
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		var err error
		record, err = fetchHeader(tx, hash)

		return err
	}, func() {
		record = nil
	})
	if err != nil {
		return nil, err
	}

	return record, nil
}

// FetchHeaderByHeight returns the header record indexed at height.
func (d *DB) FetchHeaderByHeight(height int32) (*HeaderRecord, error) {
	var record *HeaderRecord
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		v := tx.ReadBucket(headerHeightBucket).Get(heightKey(height))
		if v == nil {
			return fmt.Errorf("%w: height %d", ErrHeaderNotFound,
				height)
		}

		var hash chainhash.Hash
		copy(hash[:], v)

		var err error
		record, err = fetchHeader(tx, hash)

		return err
	}, func() {
		record = nil
	})
	if err != nil {
		return nil, err
	}

	return record, nil
}

// fetchHeader reads a header record inside an open transaction.
func fetchHeader(tx kvdb.RTx, hash chainhash.Hash) (*HeaderRecord, error) {
	v := tx.ReadBucket(headerBucket).Get(hash[:])
	if v == nil {
		return nil, fmt.Errorf("%w: %v", ErrHeaderNotFound, hash)
	}

	record := &HeaderRecord{}
	if err := record.decode(bytes.NewReader(v)); err != nil {
		return nil, err
	}

	return record, nil
}

// DeleteHeadersAbove removes every header record above height.
func (d *DB) DeleteHeadersAbove(height int32) error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		return deleteAbove(
			tx.ReadWriteBucket(headerHeightBucket),
			tx.ReadWriteBucket(headerBucket), height,
		)
	}, func() {})
}

// deleteAbove removes every entry of the height index above height together
// with the record it points to.
func deleteAbove(heights, records kvdb.RwBucket, height int32) error {
	var keys, hashes [][]byte

	cursor := heights.ReadWriteCursor()
	k, v := cursor.Seek(heightKey(height + 1))
	for ; k != nil; k, v = cursor.Next() {
		keys = append(keys, append([]byte(nil), k...))
		hashes = append(hashes, append([]byte(nil), v...))
	}

	for i := range keys {
		if err := heights.Delete(keys[i]); err != nil {
			return err
		}
		if err := records.Delete(hashes[i]); err != nil {
			return err
		}
	}

	return nil
}

// PutBlock stores a block record and moves the named tip to it in a single
// transaction.
func (d *DB) PutBlock(tipName string, record *BlockRecord) error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		var b bytes.Buffer
		if err := record.encode(&b); err != nil {
			return err
		}

		blocks := tx.ReadWriteBucket(blockBucket)
		if err := blocks.Put(record.Hash[:], b.Bytes()); err != nil {
			return err
		}

		heights := tx.ReadWriteBucket(blockHeightBucket)
		err := heights.Put(heightKey(record.Height), record.Hash[:])
		if err != nil {
			return err
		}

		return putTip(tx, tipName, record.Tip())
	}, func() {})
}

// HasBlock returns true if a record for the block exists.
func (d *DB) HasBlock(hash chainhash.Hash) (bool, error) {
	var exists bool
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		exists = tx.ReadBucket(blockBucket).Get(hash[:]) != nil
		return nil
	}, func() {
		exists = false
	})

	return exists, err
}

// FetchBlockByHash returns the block record with the given hash.
func (d *DB) FetchBlockByHash(hash chainhash.Hash) (*BlockRecord, error) {
	var record *BlockRecord
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		var err error
		record, err = fetchBlock(tx, hash[:])

		return err
	}, func() {
		record = nil
	})
	if err != nil {
		return nil, err
	}

	return record, nil
}

// FetchBlockByHeight returns the block record indexed at height.
func (d *DB) FetchBlockByHeight(height int32) (*BlockRecord, error) {
	var record *BlockRecord
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		v := tx.ReadBucket(blockHeightBucket).Get(heightKey(height))
		if v == nil {
			return fmt.Errorf("%w: height %d", ErrBlockNotFound,
				height)
		}

		var err error
		record, err = fetchBlock(tx, v)

		return err
	}, func() {
		record = nil
	})
	if err != nil {
		return nil, err
	}

	return record, nil
}

// FetchBlocks returns the block records from startHeight to endHeight
// inclusive, in height order. Missing heights are skipped.
func (d *DB) FetchBlocks(startHeight, endHeight int32) ([]*BlockRecord,
	error) {

	var records []*BlockRecord
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		cursor := tx.ReadBucket(blockHeightBucket).ReadCursor()
		end := heightKey(endHeight)

		k, v := cursor.Seek(heightKey(startHeight))
		for ; k != nil; k, v = cursor.Next() {
			if bytes.Compare(k, end) > 0 {
				break
			}

			record, err := fetchBlock(tx, v)
			if err != nil {
				return err
			}
			records = append(records, record)
		}

		return nil
	}, func() {
		records = nil
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

// fetchBlock reads a block record inside an open transaction.
func fetchBlock(tx kvdb.RTx, hash []byte) (*BlockRecord, error) {
	v := tx.ReadBucket(blockBucket).Get(hash)
	if v == nil {
		var h chainhash.Hash
		copy(h[:], hash)

		return nil, fmt.Errorf("%w: %v", ErrBlockNotFound, h)
	}

	record := &BlockRecord{}
	if err := record.decode(bytes.NewReader(v)); err != nil {
		return nil, err
	}

	return record, nil
}

// DeleteBlocks removes the given block records and their height index
// entries.
func (d *DB) DeleteBlocks(records []*BlockRecord) error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		blocks := tx.ReadWriteBucket(blockBucket)
		heights := tx.ReadWriteBucket(blockHeightBucket)

		for _, record := range records {
			if err := blocks.Delete(record.Hash[:]); err != nil {
				return err
			}

			key := heightKey(record.Height)
			if bytes.Equal(heights.Get(key), record.Hash[:]) {
				if err := heights.Delete(key); err != nil {
					return err
				}
			}
		}

		return nil
	}, func() {})
}

// DeleteBlocksAbove removes every block record above height.
func (d *DB) DeleteBlocksAbove(height int32) error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		return deleteAbove(
			tx.ReadWriteBucket(blockHeightBucket),
			tx.ReadWriteBucket(blockBucket), height,
		)
	}, func() {})
}
