package qwire

import (
	"encoding/binary"
	"io"

	"github.com/btcsuite/btcd/wire"
)

// MsgSendCmpct implements the Message interface and represents a BIP-0152
// sendcmpct message. We decode it so it is not mistaken for garbage, but we
// never ask for compact blocks ourselves.
type MsgSendCmpct struct {
	// Announce asks the peer to announce new blocks with cmpctblock.
	Announce bool

	// Version is the compact block protocol version.
	Version uint64
}

// BtcDecode decodes r using the protocol encoding into the receiver.
//
// NOTE: part of the wire.Message interface.
func (msg *MsgSendCmpct) BtcDecode(r io.Reader, _ uint32,
	_ wire.MessageEncoding) error {

	var b [9]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}

	msg.Announce = b[0] != 0
	msg.Version = binary.LittleEndian.Uint64(b[1:])

	return nil
}

// BtcEncode encodes the receiver to w using the protocol encoding.
//
// NOTE: part of the wire.Message interface.
func (msg *MsgSendCmpct) BtcEncode(w io.Writer, _ uint32,
	_ wire.MessageEncoding) error {

	var b [9]byte
	if msg.Announce {
		b[0] = 1
	}
	binary.LittleEndian.PutUint64(b[1:], msg.Version)

	_, err := w.Write(b[:])

	return err
}

// Command returns the protocol command string for the message.
//
// NOTE: part of the wire.Message interface.
func (msg *MsgSendCmpct) Command() string {
	return CmdSendCmpct
}

// MaxPayloadLength returns the maximum length the payload can be.
//
// NOTE: part of the wire.Message interface.
func (msg *MsgSendCmpct) MaxPayloadLength(_ uint32) uint32 {
	return 9
}
