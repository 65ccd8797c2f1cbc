package qwire

import (
	"fmt"
	"io"

	"github.com/btcsuite/btcd/wire"
)

// MaxBlockHeadersPerMsg is the maximum number of block headers that can be in
// a single headers message. A shorter reply means the peer has nothing more.
const MaxBlockHeadersPerMsg = 2000

// MsgHeaders implements the Message interface and represents a Qtum headers
// message. Each header is followed by a transaction count that is always
// zero.
type MsgHeaders struct {
	Headers []*BlockHeader
}

// AddBlockHeader adds a new block header to the message.
func (msg *MsgHeaders) AddBlockHeader(bh *BlockHeader) error {
	if len(msg.Headers)+1 > MaxBlockHeadersPerMsg {
		return fmt.Errorf("too many block headers in message [max %v]",
			MaxBlockHeadersPerMsg)
	}

	msg.Headers = append(msg.Headers, bh)

	return nil
}

// BtcDecode decodes r using the protocol encoding into the receiver.
//
// NOTE: part of the wire.Message interface.
func (msg *MsgHeaders) BtcDecode(r io.Reader, pver uint32,
	_ wire.MessageEncoding) error {

	count, err := wire.ReadVarInt(r, pver)
	if err != nil {
		return err
	}

	if count > MaxBlockHeadersPerMsg {
		return fmt.Errorf("too many block headers for message "+
			"[count %v, max %v]", count, MaxBlockHeadersPerMsg)
	}

	msg.Headers = make([]*BlockHeader, 0, count)
	for i := uint64(0); i < count; i++ {
		bh := &BlockHeader{}
		if err := readBlockHeader(r, bh); err != nil {
			return err
		}

		txCount, err := wire.ReadVarInt(r, pver)
		if err != nil {
			return err
		}
		if txCount > 0 {
			return fmt.Errorf("block headers may not contain "+
				"transactions [count %v]", txCount)
		}

		msg.Headers = append(msg.Headers, bh)
	}

	return nil
}

// BtcEncode encodes the receiver to w using the protocol encoding.
//
// NOTE: part of the wire.Message interface.
func (msg *MsgHeaders) BtcEncode(w io.Writer, pver uint32,
	_ wire.MessageEncoding) error {

	count := len(msg.Headers)
	if count > MaxBlockHeadersPerMsg {
		return fmt.Errorf("too many block headers for message "+
			"[count %v, max %v]", count, MaxBlockHeadersPerMsg)
	}

	if err := wire.WriteVarInt(w, pver, uint64(count)); err != nil {
		return err
	}

	for _, bh := range msg.Headers {
		if err := writeBlockHeader(w, bh); err != nil {
			return err
		}

		if err := wire.WriteVarInt(w, pver, 0); err != nil {
			return err
		}
	}

	return nil
}

// Command returns the protocol command string for the message.
//
// NOTE: part of the wire.Message interface.
func (msg *MsgHeaders) Command() string {
	return CmdHeaders
}

// MaxPayloadLength returns the maximum length the payload can be.
//
// NOTE: part of the wire.Message interface.
func (msg *MsgHeaders) MaxPayloadLength(pver uint32) uint32 {
	return wire.MaxVarIntPayload + ((MaxBlockHeaderPayload + 1) *
		MaxBlockHeadersPerMsg)
}

// NewMsgHeaders returns a new headers message.
func NewMsgHeaders() *MsgHeaders {
	return &MsgHeaders{
		Headers: make([]*BlockHeader, 0, MaxBlockHeadersPerMsg),
	}
}
