// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// code derived from https://github.com/btcsuite/btcd/blob/master/wire/message.go

package qwire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// MagicSize is the number of bytes used by the network magic.
	MagicSize = 4

	// CommandSize is the fixed size of all commands in the common message
	// header. Shorter commands are zero padded.
	CommandSize = 12

	// ChecksumSize is the number of dSHA256 bytes carried in the header.
	ChecksumSize = 4

	// MessageHeaderSize is the number of bytes in a message header:
	// magic 4 bytes + command 12 bytes + payload length 4 bytes +
	// checksum 4 bytes.
	MessageHeaderSize = MagicSize + CommandSize + 4 + ChecksumSize

	// lengthOffset is the offset of the payload length in the header.
	lengthOffset = MagicSize + CommandSize
)

// Commands used in message headers which describe the type of message. The
// Bitcoin shaped ones reuse btcd's constants so the two never drift.
const (
	CmdVersion     = wire.CmdVersion
	CmdVerAck      = wire.CmdVerAck
	CmdPing        = wire.CmdPing
	CmdPong        = wire.CmdPong
	CmdAddr        = wire.CmdAddr
	CmdGetAddr     = wire.CmdGetAddr
	CmdInv         = wire.CmdInv
	CmdGetData     = wire.CmdGetData
	CmdNotFound    = wire.CmdNotFound
	CmdGetHeaders  = wire.CmdGetHeaders
	CmdHeaders     = wire.CmdHeaders
	CmdGetBlocks   = wire.CmdGetBlocks
	CmdBlock       = wire.CmdBlock
	CmdTx          = wire.CmdTx
	CmdMemPool     = wire.CmdMemPool
	CmdFeeFilter   = wire.CmdFeeFilter
	CmdSendCmpct   = "sendcmpct"
	CmdSendHeaders = wire.CmdSendHeaders
	CmdReject      = wire.CmdReject
)

// Commands is the dispatch table: every command the parser decodes.
var Commands = []string{
	CmdVersion, CmdVerAck, CmdPing, CmdPong, CmdAddr, CmdGetAddr, CmdInv,
	CmdGetData, CmdNotFound, CmdGetHeaders, CmdHeaders, CmdGetBlocks,
	CmdBlock, CmdTx, CmdMemPool, CmdFeeFilter, CmdSendCmpct,
	CmdSendHeaders, CmdReject,
}

var (
	// ErrLeftoverBytes is returned when a known command did not consume
	// its whole payload.
	ErrLeftoverBytes = errors.New("payload has leftover bytes")

	// ErrCommandTooLong is returned when encoding a message whose command
	// does not fit the header.
	ErrCommandTooLong = errors.New("command too long")
)

// Message is the interface every message understood by this package
// implements. It is btcd's interface, so btcd message types are used
// unchanged next to the Qtum specific ones.
type Message = wire.Message

// ParseError is returned by the parser when a frame with a known command
// failed to decode. The frame has already been consumed, so parsing can
// continue with the next one.
type ParseError struct {
	// Command is the command of the offending frame.
	Command string

	// Err is the underlying decode failure.
	Err error
}

// Error returns a human readable description of the parse failure.
func (e *ParseError) Error() string {
	return fmt.Sprintf("unable to parse %v message: %v", e.Command, e.Err)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// makeEmptyMessage creates a message of the appropriate concrete type based
// on the command. The boolean is false for commands we do not understand.
func makeEmptyMessage(command string) (Message, bool) {
	var msg Message
	switch command {
	case CmdVersion:
		msg = &wire.MsgVersion{}
	case CmdVerAck:
		msg = &wire.MsgVerAck{}
	case CmdPing:
		msg = &wire.MsgPing{}
	case CmdPong:
		msg = &wire.MsgPong{}
	case CmdAddr:
		msg = &wire.MsgAddr{}
	case CmdGetAddr:
		msg = &wire.MsgGetAddr{}
	case CmdInv:
		msg = &wire.MsgInv{}
	case CmdGetData:
		msg = &wire.MsgGetData{}
	case CmdNotFound:
		msg = &wire.MsgNotFound{}
	case CmdGetHeaders:
		msg = &wire.MsgGetHeaders{}
	case CmdHeaders:
		msg = &MsgHeaders{}
	case CmdGetBlocks:
		msg = &wire.MsgGetBlocks{}
	case CmdBlock:
		msg = &MsgBlock{}
	case CmdTx:
		msg = &wire.MsgTx{}
	case CmdMemPool:
		msg = &wire.MsgMemPool{}
	case CmdFeeFilter:
		msg = &wire.MsgFeeFilter{}
	case CmdSendCmpct:
		msg = &MsgSendCmpct{}
	case CmdSendHeaders:
		msg = &wire.MsgSendHeaders{}
	case CmdReject:
		msg = &wire.MsgReject{}
	default:
		return nil, false
	}

	return msg, true
}

// IsKnownCommand returns true if the command has an entry in the dispatch
// table.
func IsKnownCommand(command string) bool {
	_, ok := makeEmptyMessage(command)
	return ok
}

// magicBytes returns the on-wire representation of the network magic.
func magicBytes(net wire.BitcoinNet) [MagicSize]byte {
	var magic [MagicSize]byte
	binary.LittleEndian.PutUint32(magic[:], uint32(net))

	return magic
}

// WriteMessage writes a framed message to buf and returns the number of bytes
// written. If any error is encountered, buf is truncated back to its
// original length so no partial frame is left behind.
func WriteMessage(buf *bytes.Buffer, msg Message, pver uint32,
	net wire.BitcoinNet) (int, error) {

	oldByteSize := buf.Len()
	cleanBrokenBytes := func(b *bytes.Buffer) int {
		b.Truncate(oldByteSize)
		return 0
	}

	command := msg.Command()
	if len(command) > CommandSize {
		return 0, fmt.Errorf("%w: %q", ErrCommandTooLong, command)
	}

	// Reserve room for the header, then encode the payload straight into
	// the buffer behind it.
	var hdr [MessageHeaderSize]byte
	buf.Write(hdr[:])

	if err := msg.BtcEncode(buf, pver, wire.WitnessEncoding); err != nil {
		return cleanBrokenBytes(buf), fmt.Errorf("failed to encode "+
			"%v payload: %w", command, err)
	}

	frame := buf.Bytes()[oldByteSize:]
	payload := frame[MessageHeaderSize:]

	lenp := len(payload)
	if lenp > wire.MaxMessagePayload {
		return cleanBrokenBytes(buf), fmt.Errorf("message payload is "+
			"too large - encoded %d bytes, but maximum message "+
			"payload is %d bytes", lenp, wire.MaxMessagePayload)
	}
	if mpl := msg.MaxPayloadLength(pver); uint32(lenp) > mpl {
		return cleanBrokenBytes(buf), fmt.Errorf("message payload is "+
			"too large - encoded %d bytes, but maximum message "+
			"payload size for %v messages is %d", lenp, command,
			mpl)
	}

	magic := magicBytes(net)
	copy(frame[:MagicSize], magic[:])
	copy(frame[MagicSize:lengthOffset], command)
	binary.LittleEndian.PutUint32(frame[lengthOffset:], uint32(lenp))
	checksum := chainhash.DoubleHashB(payload)
	copy(frame[lengthOffset+4:MessageHeaderSize], checksum[:ChecksumSize])

	return buf.Len() - oldByteSize, nil
}

// EncodeMessage returns the complete frame for msg.
func EncodeMessage(msg Message, pver uint32, net wire.BitcoinNet) ([]byte,
	error) {

	var buf bytes.Buffer
	if _, err := WriteMessage(&buf, msg, pver, net); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// ReadMessage reads exactly one frame from r. Unlike the Parser it does not
// resynchronize: the first bytes read must be the network magic. Frames with
// unknown commands or bad checksums are returned as errors.
func ReadMessage(r io.Reader, pver uint32, net wire.BitcoinNet) (Message,
	error) {

	var hdr [MessageHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	magic := magicBytes(net)
	if !bytes.Equal(hdr[:MagicSize], magic[:]) {
		return nil, fmt.Errorf("message from other network [%x]",
			hdr[:MagicSize])
	}

	length := binary.LittleEndian.Uint32(hdr[lengthOffset:])
	if length > wire.MaxMessagePayload {
		return nil, fmt.Errorf("message payload is too large - "+
			"header indicates %d bytes", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	p := &Parser{pver: pver, magic: magic}
	p.buf = append(hdr[:], payload...)

	msg, err := p.Next()
	switch {
	case err != nil:
		return nil, err

	case msg == nil:
		return nil, fmt.Errorf("unreadable frame for command %q",
			commandString(hdr[MagicSize:lengthOffset]))
	}

	return msg, nil
}

// commandString strips the NUL padding from a raw command.
func commandString(raw []byte) string {
	return string(bytes.TrimRight(raw, "\x00"))
}
