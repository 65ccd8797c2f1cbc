package txindex

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/qtumsync/chaindb"
	"github.com/lightninglabs/qtumsync/chainio"
	"github.com/lightninglabs/qtumsync/qwire"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/tlv"
)

// ConsumerName is the name the index registers under.
const ConsumerName = "txindex"

const (
	locationHashType   tlv.Type = 0
	locationHeightType tlv.Type = 1
)

var (
	// txBucket maps a txid to the location of its block.
	txBucket = []byte("txindex")

	// txHeightBucket maps a big endian height to the txids of the block
	// indexed at that height.
	txHeightBucket = []byte("txindex-heights")

	// txMetaBucket holds the index tip.
	txMetaBucket = []byte("txindex-meta")

	tipKey = []byte("tip")

	// ErrTxNotFound is returned for a txid that is not indexed.
	ErrTxNotFound = errors.New("transaction not indexed")
)

// Location is the block a transaction was confirmed in.
type Location struct {
	BlockHash chainhash.Hash
	Height    int32
}

func (l *Location) stream() (*tlv.Stream, *uint32, error) {
	height := uint32(l.Height)
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(
			locationHashType, (*[32]byte)(&l.BlockHash),
		),
		tlv.MakePrimitiveRecord(locationHeightType, &height),
	)

	return stream, &height, err
}

func (l *Location) encode(w io.Writer) error {
	stream, _, err := l.stream()
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

func (l *Location) decode(r io.Reader) error {
	stream, height, err := l.stream()
	if err != nil {
		return err
	}
	if err := stream.Decode(r); err != nil {
		return err
	}
	l.Height = int32(*height)

	return nil
}

// Index maps every transaction of the applied chain to its block. It is a
// chain consumer with no dependencies and keeps its own tip, which never
// runs ahead of the blocks it was given.
type Index struct {
	db kvdb.Backend
}

// Compile-time constraint to ensure Index implements chainio.Consumer.
var _ chainio.Consumer = (*Index)(nil)

// New creates the index buckets in db.
func New(db kvdb.Backend) (*Index, error) {
	err := kvdb.Update(db, func(tx kvdb.RwTx) error {
		buckets := [][]byte{txBucket, txHeightBucket, txMetaBucket}
		for _, bucket := range buckets {
			_, err := tx.CreateTopLevelBucket(bucket)
			if err != nil {
				return err
			}
		}

		return nil
	}, func() {})
	if err != nil {
		return nil, fmt.Errorf("unable to create tx index: %w", err)
	}

	return &Index{db: db}, nil
}

// Name returns the name of the index.
func (i *Index) Name() string {
	return ConsumerName
}

// Dependencies returns nil, the index only needs the blocks.
func (i *Index) Dependencies() []string {
	return nil
}

// OnHeaders is a no-op.
func (i *Index) OnHeaders(context.Context) error {
	return nil
}

// OnBlock indexes every transaction of block. A block at or below the index
// tip first unwinds the entries from its height up.
func (i *Index) OnBlock(_ context.Context, block *qwire.MsgBlock,
	height int32) error {

	loc := &Location{BlockHash: block.BlockHash(), Height: height}

	var value bytes.Buffer
	if err := loc.encode(&value); err != nil {
		return err
	}

	txids := block.TxHashes()
	list := make([]byte, 0, len(txids)*chainhash.HashSize)
	for _, txid := range txids {
		list = append(list, txid[:]...)
	}

	return kvdb.Update(i.db, func(tx kvdb.RwTx) error {
		if err := unwindAbove(tx, height-1); err != nil {
			return err
		}

		txs := tx.ReadWriteBucket(txBucket)
		for _, txid := range txids {
			if err := txs.Put(txid[:], value.Bytes()); err != nil {
				return err
			}
		}

		heights := tx.ReadWriteBucket(txHeightBucket)
		if err := heights.Put(heightKey(height), list); err != nil {
			return err
		}

		log.Tracef("Indexed %d transactions of block %v", len(txids),
			loc.BlockHash)

		meta := tx.ReadWriteBucket(txMetaBucket)

		return meta.Put(tipKey, value.Bytes())
	}, func() {})
}

// OnReorg removes the transactions of every discarded block and moves the
// tip to the common ancestor.
func (i *Index) OnReorg(_ context.Context, event *chainio.ReorgEvent) error {
	tip := &Location{BlockHash: event.Hash, Height: event.Height}

	var value bytes.Buffer
	if err := tip.encode(&value); err != nil {
		return err
	}

	return kvdb.Update(i.db, func(tx kvdb.RwTx) error {
		txs := tx.ReadWriteBucket(txBucket)
		heights := tx.ReadWriteBucket(txHeightBucket)

		for _, record := range event.Discarded {
			for _, txid := range record.TxIDs {
				if err := txs.Delete(txid[:]); err != nil {
					return err
				}
			}

			err := heights.Delete(heightKey(record.Height))
			if err != nil {
				return err
			}
		}

		// Entries the discarded range did not name, as left by an
		// interrupted apply.
		if err := unwindAbove(tx, event.Height); err != nil {
			return err
		}

		log.Debugf("Removed %d blocks from the tx index, tip now %d",
			len(event.Discarded), event.Height)

		meta := tx.ReadWriteBucket(txMetaBucket)

		return meta.Put(tipKey, value.Bytes())
	}, func() {})
}

// OnSynced logs the index tip.
func (i *Index) OnSynced(context.Context) error {
	tip, err := i.Tip()
	if err != nil {
		return err
	}

	log.Infof("Tx index synced at %v", tip)

	return nil
}

// unwindAbove removes the transactions of every block indexed above
// height.
func unwindAbove(tx kvdb.RwTx, height int32) error {
	txs := tx.ReadWriteBucket(txBucket)
	heights := tx.ReadWriteBucket(txHeightBucket)

	var keys, lists [][]byte
	cursor := heights.ReadWriteCursor()
	k, v := cursor.Seek(heightKey(height + 1))
	for ; k != nil; k, v = cursor.Next() {
		keys = append(keys, append([]byte(nil), k...))
		lists = append(lists, append([]byte(nil), v...))
	}

	for n, key := range keys {
		list := lists[n]
		for len(list) >= chainhash.HashSize {
			err := txs.Delete(list[:chainhash.HashSize])
			if err != nil {
				return err
			}
			list = list[chainhash.HashSize:]
		}

		if err := heights.Delete(key); err != nil {
			return err
		}
	}

	return nil
}

// FetchTx returns the location of an indexed transaction.
func (i *Index) FetchTx(txid chainhash.Hash) (*Location, error) {
	var loc *Location
	err := kvdb.View(i.db, func(tx kvdb.RTx) error {
		v := tx.ReadBucket(txBucket).Get(txid[:])
		if v == nil {
			return fmt.Errorf("%w: %v", ErrTxNotFound, txid)
		}

		loc = &Location{}
		return loc.decode(bytes.NewReader(v))
	}, func() {
		loc = nil
	})
	if err != nil {
		return nil, err
	}

	return loc, nil
}

// Tip returns the last block the index processed, or ErrTipNotFound.
func (i *Index) Tip() (*chaindb.Tip, error) {
	var tip *chaindb.Tip
	err := kvdb.View(i.db, func(tx kvdb.RTx) error {
		v := tx.ReadBucket(txMetaBucket).Get(tipKey)
		if v == nil {
			return chaindb.ErrTipNotFound
		}

		loc := &Location{}
		if err := loc.decode(bytes.NewReader(v)); err != nil {
			return err
		}
		tip = &chaindb.Tip{Height: loc.Height, Hash: loc.BlockHash}

		return nil
	}, func() {
		tip = nil
	})
	if err != nil {
		return nil, err
	}

	return tip, nil
}

// heightKey returns the big endian key of a height.
func heightKey(height int32) []byte {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], uint32(height))

	return key[:]
}
