package qwire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// maxTxPerBlock bounds the transaction count we are willing to allocate for
// before reading any transaction data. A transaction is at least 10 bytes.
const maxTxPerBlock = wire.MaxMessagePayload / 10

// MsgBlock implements the Message interface and represents a Qtum block
// message. Transactions use the Bitcoin encoding, including segwit.
type MsgBlock struct {
	Header       BlockHeader
	Transactions []*wire.MsgTx
}

// AddTransaction adds a transaction to the message.
func (msg *MsgBlock) AddTransaction(tx *wire.MsgTx) {
	msg.Transactions = append(msg.Transactions, tx)
}

// BlockHash computes the block identifier hash for this block.
func (msg *MsgBlock) BlockHash() chainhash.Hash {
	return msg.Header.BlockHash()
}

// TxHashes returns the txids of every transaction in block order.
func (msg *MsgBlock) TxHashes() []chainhash.Hash {
	hashes := make([]chainhash.Hash, 0, len(msg.Transactions))
	for _, tx := range msg.Transactions {
		hashes = append(hashes, tx.TxHash())
	}

	return hashes
}

// SerializeSize returns the number of bytes it would take to serialize the
// block, including witness data.
func (msg *MsgBlock) SerializeSize() int {
	n := msg.Header.SerializeSize() +
		wire.VarIntSerializeSize(uint64(len(msg.Transactions)))

	for _, tx := range msg.Transactions {
		n += tx.SerializeSize()
	}

	return n
}

// SerializeSizeStripped returns the number of bytes it would take to
// serialize the block without witness data.
func (msg *MsgBlock) SerializeSizeStripped() int {
	n := msg.Header.SerializeSize() +
		wire.VarIntSerializeSize(uint64(len(msg.Transactions)))

	for _, tx := range msg.Transactions {
		n += tx.SerializeSizeStripped()
	}

	return n
}

// Weight returns the BIP-0141 weight of the block.
func (msg *MsgBlock) Weight() int64 {
	stripped := int64(msg.SerializeSizeStripped())
	total := int64(msg.SerializeSize())

	return stripped*(blockchain.WitnessScaleFactor-1) + total
}

// BtcDecode decodes r using the protocol encoding into the receiver.
//
// NOTE: part of the wire.Message interface.
func (msg *MsgBlock) BtcDecode(r io.Reader, pver uint32,
	enc wire.MessageEncoding) error {

	if err := readBlockHeader(r, &msg.Header); err != nil {
		return err
	}

	txCount, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return err
	}

	if txCount > maxTxPerBlock {
		return fmt.Errorf("too many transactions to fit into a block "+
			"[count %d, max %d]", txCount, maxTxPerBlock)
	}

	msg.Transactions = make([]*wire.MsgTx, 0, txCount)
	for i := uint64(0); i < txCount; i++ {
		tx := wire.MsgTx{}
		if err := tx.BtcDecode(r, pver, enc); err != nil {
			return err
		}
		msg.Transactions = append(msg.Transactions, &tx)
	}

	return nil
}

// BtcEncode encodes the receiver to w using the protocol encoding.
//
// NOTE: part of the wire.Message interface.
func (msg *MsgBlock) BtcEncode(w io.Writer, pver uint32,
	enc wire.MessageEncoding) error {

	if err := writeBlockHeader(w, &msg.Header); err != nil {
		return err
	}

	err := wire.WriteVarInt(w, pver, uint64(len(msg.Transactions)))
	if err != nil {
		return err
	}

	for _, tx := range msg.Transactions {
		if err := tx.BtcEncode(w, pver, enc); err != nil {
			return err
		}
	}

	return nil
}

// Serialize encodes the block with witness data, as stored on disk.
func (msg *MsgBlock) Serialize(w io.Writer) error {
	return msg.BtcEncode(w, 0, wire.WitnessEncoding)
}

// Deserialize decodes a block with witness data from r.
func (msg *MsgBlock) Deserialize(r io.Reader) error {
	return msg.BtcDecode(r, 0, wire.WitnessEncoding)
}

// Bytes returns the serialized block.
func (msg *MsgBlock) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(msg.SerializeSize())
	if err := msg.Serialize(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Command returns the protocol command string for the message.
//
// NOTE: part of the wire.Message interface.
func (msg *MsgBlock) Command() string {
	return CmdBlock
}

// MaxPayloadLength returns the maximum length the payload can be.
//
// NOTE: part of the wire.Message interface.
func (msg *MsgBlock) MaxPayloadLength(_ uint32) uint32 {
	return wire.MaxMessagePayload
}

// NewMsgBlock returns a new block message with the given header and no
// transactions.
func NewMsgBlock(header *BlockHeader) *MsgBlock {
	return &MsgBlock{
		Header: *header,
	}
}
