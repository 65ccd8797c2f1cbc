package chainreg

import (
	"encoding/hex"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/qtumsync/qwire"
)

const (
	// genesisTime is the timestamp shared by every network's genesis.
	genesisTime = 1504695029

	// genesisReward is the 50 QTUM genesis output in satoshis.
	genesisReward = 50 * 1e8

	genesisCoinbaseText = "Sep 02, 2017 Bitcoin breaks $5,000 in " +
		"latest price frenzy"

	genesisOutputKey = "040d61d8653448c98731ee5fffd303c15e71ec2057b77f1" +
		"1ab3601979728cdaff2d68afbba14e4fa0bc44f2072b0b23ef63717f8cdfb" +
		"58dcbd7ca0c2bd0fc0c1"

	genesisStateRoot = "e965ffd002cd6ad0e2dc402b8044de833e06b23127ea8c3" +
		"d80aec91410771495"

	genesisUTXORoot = "56e81f171bcc55a6ff8345e692c0f86e5b48e01b996cadc" +
		"001622fb5e363b421"
)

// genesisCoinbase builds the single transaction of every genesis block.
func genesisCoinbase() *wire.MsgTx {
	sigScript, err := txscript.NewScriptBuilder().
		AddInt64(0).
		AddInt64(488804799).
		AddFullData([]byte{4}).
		AddData([]byte(genesisCoinbaseText)).
		Script()
	if err != nil {
		panic(err)
	}

	key, err := hex.DecodeString(genesisOutputKey)
	if err != nil {
		panic(err)
	}
	pkScript, err := txscript.NewScriptBuilder().
		AddData(key).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	if err != nil {
		panic(err)
	}

	tx := wire.NewMsgTx(1)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Index: wire.MaxPrevOutIndex,
		},
		SignatureScript: sigScript,
		Sequence:        wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(wire.NewTxOut(genesisReward, pkScript))

	return tx
}

// genesisBlock builds a genesis block for the given proof of work solution.
func genesisBlock(nonce, bits uint32) *qwire.MsgBlock {
	coinbase := genesisCoinbase()

	stateRoot, err := chainhash.NewHashFromStr(genesisStateRoot)
	if err != nil {
		panic(err)
	}
	utxoRoot, err := chainhash.NewHashFromStr(genesisUTXORoot)
	if err != nil {
		panic(err)
	}

	block := qwire.NewMsgBlock(&qwire.BlockHeader{
		Version:       1,
		MerkleRoot:    coinbase.TxHash(),
		Timestamp:     time.Unix(genesisTime, 0),
		Bits:          bits,
		Nonce:         nonce,
		HashStateRoot: *stateRoot,
		HashUTXORoot:  *utxoRoot,
		PrevoutStake: wire.OutPoint{
			Index: wire.MaxPrevOutIndex,
		},
		BlockSig: []byte{},
	})
	block.AddTransaction(coinbase)

	return block
}
