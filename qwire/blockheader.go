package qwire

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// MaxBlockSigSize bounds the block signature carried in proof of
	// stake headers.
	MaxBlockSigSize = 1024

	// baseHeaderSize is the size of a header without its signature:
	// version 4 + prev 32 + merkle 32 + time 4 + bits 4 + nonce 4 +
	// state root 32 + utxo root 32 + prevout stake 36.
	baseHeaderSize = 4 + 32 + 32 + 4 + 4 + 4 + 32 + 32 + 36

	// MaxBlockHeaderPayload is the largest serialized header we accept.
	MaxBlockHeaderPayload = baseHeaderSize + 3 + MaxBlockSigSize
)

// BlockHeader is a Qtum block header. On top of the Bitcoin fields it commits
// to the EVM state and UTXO roots, and proof of stake blocks carry the staked
// outpoint plus the staker's signature over the header.
type BlockHeader struct {
	// Version of the block.
	Version int32

	// PrevBlock is the hash of the previous block header in the chain.
	PrevBlock chainhash.Hash

	// MerkleRoot is the merkle tree reference to the block's
	// transactions.
	MerkleRoot chainhash.Hash

	// Timestamp is the time the block was created, with second
	// precision.
	Timestamp time.Time

	// Bits is the compact difficulty target.
	Bits uint32

	// Nonce used to generate the block.
	Nonce uint32

	// HashStateRoot is the root of the contract state trie.
	HashStateRoot chainhash.Hash

	// HashUTXORoot is the root of the contract UTXO trie.
	HashUTXORoot chainhash.Hash

	// PrevoutStake is the outpoint staked by a proof of stake block. It is
	// null for proof of work blocks.
	PrevoutStake wire.OutPoint

	// BlockSig is the staker's signature. Empty for proof of work blocks.
	BlockSig []byte
}

// BlockHash computes the block identifier hash for the header. The signature
// is part of the hashed serialization.
func (h *BlockHeader) BlockHash() chainhash.Hash {
	var buf bytes.Buffer
	buf.Grow(h.SerializeSize())
	_ = writeBlockHeader(&buf, h)

	return chainhash.DoubleHashH(buf.Bytes())
}

// IsProofOfStake returns true if the header stakes an outpoint.
func (h *BlockHeader) IsProofOfStake() bool {
	return h.PrevoutStake.Hash != (chainhash.Hash{}) ||
		h.PrevoutStake.Index != wire.MaxPrevOutIndex
}

// SerializeSize returns the number of bytes it would take to serialize the
// header.
func (h *BlockHeader) SerializeSize() int {
	return baseHeaderSize + wire.VarIntSerializeSize(
		uint64(len(h.BlockSig)),
	) + len(h.BlockSig)
}

// Serialize encodes the header to w.
func (h *BlockHeader) Serialize(w io.Writer) error {
	return writeBlockHeader(w, h)
}

// Deserialize decodes a header from r.
func (h *BlockHeader) Deserialize(r io.Reader) error {
	return readBlockHeader(r, h)
}

// readBlockHeader reads a Qtum block header from r.
func readBlockHeader(r io.Reader, bh *BlockHeader) error {
	var fixed [baseHeaderSize]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return err
	}

	le := binary.LittleEndian
	b := fixed[:]

	bh.Version = int32(le.Uint32(b[0:4]))
	copy(bh.PrevBlock[:], b[4:36])
	copy(bh.MerkleRoot[:], b[36:68])
	bh.Timestamp = time.Unix(int64(le.Uint32(b[68:72])), 0)
	bh.Bits = le.Uint32(b[72:76])
	bh.Nonce = le.Uint32(b[76:80])
	copy(bh.HashStateRoot[:], b[80:112])
	copy(bh.HashUTXORoot[:], b[112:144])
	copy(bh.PrevoutStake.Hash[:], b[144:176])
	bh.PrevoutStake.Index = le.Uint32(b[176:180])

	sig, err := wire.ReadVarBytes(r, 0, MaxBlockSigSize, "vchBlockSig")
	if err != nil {
		return err
	}
	bh.BlockSig = sig

	return nil
}

// writeBlockHeader writes a Qtum block header to w.
func writeBlockHeader(w io.Writer, bh *BlockHeader) error {
	var fixed [baseHeaderSize]byte

	le := binary.LittleEndian
	b := fixed[:]

	le.PutUint32(b[0:4], uint32(bh.Version))
	copy(b[4:36], bh.PrevBlock[:])
	copy(b[36:68], bh.MerkleRoot[:])
	le.PutUint32(b[68:72], uint32(bh.Timestamp.Unix()))
	le.PutUint32(b[72:76], bh.Bits)
	le.PutUint32(b[76:80], bh.Nonce)
	copy(b[80:112], bh.HashStateRoot[:])
	copy(b[112:144], bh.HashUTXORoot[:])
	copy(b[144:176], bh.PrevoutStake.Hash[:])
	le.PutUint32(b[176:180], bh.PrevoutStake.Index)

	if _, err := w.Write(b); err != nil {
		return err
	}

	return wire.WriteVarBytes(w, 0, bh.BlockSig)
}
