// Package chaintest builds linked Qtum block chains for tests.
package chaintest

import (
	"encoding/binary"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/qtumsync/chainreg"
	"github.com/lightninglabs/qtumsync/qwire"
)

const (
	// blockVersion is the version of every generated block.
	blockVersion = 0x20000000

	// regTestBits is the easiest regtest target.
	regTestBits = 0x207fffff

	// blockSpacing is the time between generated blocks.
	blockSpacing = 128 * time.Second
)

// Block returns a block at the given height on top of prev. Blocks with the
// same parent and height differ by salt.
func Block(prev *qwire.MsgBlock, height int32, salt uint32) *qwire.MsgBlock {
	var script [8]byte
	binary.LittleEndian.PutUint32(script[:4], uint32(height))
	binary.LittleEndian.PutUint32(script[4:], salt)

	coinbase := wire.NewMsgTx(wire.TxVersion)
	coinbase.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Index: wire.MaxPrevOutIndex},
		SignatureScript:  script[:],
		Sequence:         wire.MaxTxInSequenceNum,
	})
	coinbase.AddTxOut(wire.NewTxOut(int64(height)+1, []byte{0x51}))

	var prevHash chainhash.Hash
	timestamp := time.Unix(1504695029, 0)
	if prev != nil {
		prevHash = prev.BlockHash()
		timestamp = prev.Header.Timestamp.Add(blockSpacing)
	}

	block := qwire.NewMsgBlock(&qwire.BlockHeader{
		Version:      blockVersion,
		PrevBlock:    prevHash,
		MerkleRoot:   coinbase.TxHash(),
		Timestamp:    timestamp,
		Bits:         regTestBits,
		Nonce:        salt,
		PrevoutStake: wire.OutPoint{Index: wire.MaxPrevOutIndex},
	})
	block.AddTransaction(coinbase)

	return block
}

// Extend returns n blocks linked on top of parent, starting at height
// parentHeight+1.
func Extend(parent *qwire.MsgBlock, parentHeight int32, n int,
	salt uint32) []*qwire.MsgBlock {

	blocks := make([]*qwire.MsgBlock, 0, n)
	prev := parent
	for i := 1; i <= n; i++ {
		block := Block(prev, parentHeight+int32(i), salt)
		blocks = append(blocks, block)
		prev = block
	}

	return blocks
}

// NewChain returns the genesis block of params followed by n blocks. The
// index of each block is its height.
func NewChain(params *chainreg.Params, n int) []*qwire.MsgBlock {
	chain := []*qwire.MsgBlock{params.GenesisBlock}

	return append(chain, Extend(params.GenesisBlock, 0, n, 0)...)
}

// Fork returns chain[:height+1] followed by n new blocks built with salt.
func Fork(chain []*qwire.MsgBlock, height int32, n int,
	salt uint32) []*qwire.MsgBlock {

	fork := append([]*qwire.MsgBlock(nil), chain[:height+1]...)

	return append(fork, Extend(chain[height], height, n, salt)...)
}

// Headers returns the headers of blocks.
func Headers(blocks []*qwire.MsgBlock) []*qwire.BlockHeader {
	headers := make([]*qwire.BlockHeader, 0, len(blocks))
	for _, block := range blocks {
		header := block.Header
		headers = append(headers, &header)
	}

	return headers
}
