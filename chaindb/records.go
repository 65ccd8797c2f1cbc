package chaindb

import (
	"bytes"
	"fmt"
	"io"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/qtumsync/qwire"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	tipHeightType tlv.Type = 0
	tipHashType   tlv.Type = 1

	headerBytesType     tlv.Type = 0
	headerHeightType    tlv.Type = 1
	headerChainworkType tlv.Type = 2

	blockHashType   tlv.Type = 0
	blockHeightType tlv.Type = 1
	blockPrevType   tlv.Type = 2
	blockSizeType   tlv.Type = 3
	blockWeightType tlv.Type = 4
	blockTxIDsType  tlv.Type = 5
)

// Tip is the position of a service on the chain.
type Tip struct {
	Height int32
	Hash   chainhash.Hash
}

// String returns the tip as height:hash.
func (t *Tip) String() string {
	return fmt.Sprintf("%d:%v", t.Height, t.Hash)
}

// encode writes the tip as a TLV stream.
func (t *Tip) encode(w io.Writer) error {
	height := uint32(t.Height)
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(tipHeightType, &height),
		tlv.MakePrimitiveRecord(tipHashType, (*[32]byte)(&t.Hash)),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// decode reads a tip written by encode.
func (t *Tip) decode(r io.Reader) error {
	var height uint32
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(tipHeightType, &height),
		tlv.MakePrimitiveRecord(tipHashType, (*[32]byte)(&t.Hash)),
	)
	if err != nil {
		return err
	}

	if err := stream.Decode(r); err != nil {
		return err
	}
	t.Height = int32(height)

	return nil
}

// HeaderRecord is an accepted header together with its height and the
// cumulative chainwork up to and including it.
type HeaderRecord struct {
	Header    qwire.BlockHeader
	Height    int32
	Chainwork *big.Int
}

// Hash returns the hash of the header.
func (r *HeaderRecord) Hash() chainhash.Hash {
	return r.Header.BlockHash()
}

// Tip returns the record's position.
func (r *HeaderRecord) Tip() *Tip {
	return &Tip{Height: r.Height, Hash: r.Hash()}
}

// encode writes the record as a TLV stream.
func (r *HeaderRecord) encode(w io.Writer) error {
	var header bytes.Buffer
	if err := r.Header.Serialize(&header); err != nil {
		return err
	}

	headerBytes := header.Bytes()
	height := uint32(r.Height)
	chainwork := r.Chainwork.Bytes()

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(headerBytesType, &headerBytes),
		tlv.MakePrimitiveRecord(headerHeightType, &height),
		tlv.MakePrimitiveRecord(headerChainworkType, &chainwork),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// decode reads a record written by encode.
func (r *HeaderRecord) decode(rd io.Reader) error {
	var (
		headerBytes []byte
		height      uint32
		chainwork   []byte
	)
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(headerBytesType, &headerBytes),
		tlv.MakePrimitiveRecord(headerHeightType, &height),
		tlv.MakePrimitiveRecord(headerChainworkType, &chainwork),
	)
	if err != nil {
		return err
	}
	if err := stream.Decode(rd); err != nil {
		return err
	}

	err = r.Header.Deserialize(bytes.NewReader(headerBytes))
	if err != nil {
		return err
	}
	r.Height = int32(height)
	r.Chainwork = new(big.Int).SetBytes(chainwork)

	return nil
}

// BlockRecord is the summary kept for every applied block.
type BlockRecord struct {
	Hash     chainhash.Hash
	Height   int32
	PrevHash chainhash.Hash
	Size     uint32
	Weight   uint64
	TxIDs    []chainhash.Hash
}

// NewBlockRecord summarizes block at the given height.
func NewBlockRecord(block *qwire.MsgBlock, height int32) *BlockRecord {
	return &BlockRecord{
		Hash:     block.BlockHash(),
		Height:   height,
		PrevHash: block.Header.PrevBlock,
		Size:     uint32(block.SerializeSize()),
		Weight:   uint64(block.Weight()),
		TxIDs:    block.TxHashes(),
	}
}

// Tip returns the record's position.
func (r *BlockRecord) Tip() *Tip {
	return &Tip{Height: r.Height, Hash: r.Hash}
}

// encode writes the record as a TLV stream.
func (r *BlockRecord) encode(w io.Writer) error {
	height := uint32(r.Height)
	txids := make([]byte, 0, len(r.TxIDs)*chainhash.HashSize)
	for _, txid := range r.TxIDs {
		txids = append(txids, txid[:]...)
	}

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(blockHashType, (*[32]byte)(&r.Hash)),
		tlv.MakePrimitiveRecord(blockHeightType, &height),
		tlv.MakePrimitiveRecord(
			blockPrevType, (*[32]byte)(&r.PrevHash),
		),
		tlv.MakePrimitiveRecord(blockSizeType, &r.Size),
		tlv.MakePrimitiveRecord(blockWeightType, &r.Weight),
		tlv.MakePrimitiveRecord(blockTxIDsType, &txids),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// decode reads a record written by encode.
func (r *BlockRecord) decode(rd io.Reader) error {
	var (
		height uint32
		txids  []byte
	)
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(blockHashType, (*[32]byte)(&r.Hash)),
		tlv.MakePrimitiveRecord(blockHeightType, &height),
		tlv.MakePrimitiveRecord(
			blockPrevType, (*[32]byte)(&r.PrevHash),
		),
		tlv.MakePrimitiveRecord(blockSizeType, &r.Size),
		tlv.MakePrimitiveRecord(blockWeightType, &r.Weight),
		tlv.MakePrimitiveRecord(blockTxIDsType, &txids),
	)
	if err != nil {
		return err
	}
	if err := stream.Decode(rd); err != nil {
		return err
	}

	if len(txids)%chainhash.HashSize != 0 {
		return fmt.Errorf("invalid txid list length %d", len(txids))
	}

	r.Height = int32(height)
	r.TxIDs = make([]chainhash.Hash, len(txids)/chainhash.HashSize)
	for i := range r.TxIDs {
		copy(r.TxIDs[i][:], txids[i*chainhash.HashSize:])
	}

	return nil
}
