package qwire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// ParserStats counts the frames and bytes the parser threw away.
type ParserStats struct {
	// DiscardedBytes is the number of bytes skipped while looking for
	// the network magic.
	DiscardedBytes uint64

	// BadChecksums is the number of complete frames dropped because the
	// checksum did not match the payload.
	BadChecksums uint64

	// UnknownCommands is the number of frames dropped because their
	// command has no entry in the dispatch table.
	UnknownCommands uint64

	// Oversized is the number of headers that declared a payload larger
	// than any valid message.
	Oversized uint64
}

// Parser reassembles the byte stream received from a peer into messages. It
// tolerates garbage between frames, partial frames and corrupted frames; none
// of those are reported as errors. A Parser is not safe for concurrent use.
type Parser struct {
	pver  uint32
	magic [MagicSize]byte
	buf   []byte
	stats ParserStats
}

// NewParser creates a parser for frames of the given network.
func NewParser(net wire.BitcoinNet, pver uint32) *Parser {
	return &Parser{
		pver:  pver,
		magic: magicBytes(net),
	}
}

// Write appends received bytes to the parse buffer. It never fails.
func (p *Parser) Write(b []byte) (int, error) {
	p.buf = append(p.buf, b...)
	return len(b), nil
}

// Buffered returns the number of bytes waiting to be parsed.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// Stats returns a copy of the parser's drop counters.
func (p *Parser) Stats() ParserStats {
	return p.stats
}

// SetProtocolVersion changes the protocol version used to decode payloads,
// typically after the version handshake negotiated a lower one.
func (p *Parser) SetProtocolVersion(pver uint32) {
	p.pver = pver
}

// discard drops the first n buffered bytes.
func (p *Parser) discard(n int) {
	if n >= len(p.buf) {
		p.buf = nil
		return
	}

	p.buf = p.buf[n:]
}

// Next returns the next complete message in the buffer. It returns a nil
// message and a nil error when no complete frame is buffered yet. A non-nil
// error is always a *ParseError for a frame that has already been consumed,
// so the caller may keep calling Next.
func (p *Parser) Next() (Message, error) {
	for {
		idx := bytes.Index(p.buf, p.magic[:])
		if idx < 0 {
			// Keep a tail that may hold the first bytes of the
			// next magic.
			keep := len(p.buf)
			if keep > MagicSize-1 {
				keep = MagicSize - 1
			}
			dropped := len(p.buf) - keep
			p.stats.DiscardedBytes += uint64(dropped)
			p.discard(dropped)

			return nil, nil
		}

		if idx > 0 {
			p.stats.DiscardedBytes += uint64(idx)
			p.discard(idx)
		}

		if len(p.buf) < MessageHeaderSize {
			return nil, nil
		}

		length := binary.LittleEndian.Uint32(p.buf[lengthOffset:])
		if length > wire.MaxMessagePayload {
			// No valid frame is this large, so the magic was a
			// coincidence. Skip it and resync.
			p.stats.Oversized++
			p.stats.DiscardedBytes++
			p.discard(1)

			continue
		}

		frameLen := MessageHeaderSize + int(length)
		if len(p.buf) < frameLen {
			return nil, nil
		}

		command := commandString(p.buf[MagicSize:lengthOffset])

		var checksum [ChecksumSize]byte
		copy(checksum[:], p.buf[lengthOffset+4:MessageHeaderSize])

		payload := make([]byte, length)
		copy(payload, p.buf[MessageHeaderSize:frameLen])
		p.discard(frameLen)

		sum := chainhash.DoubleHashB(payload)
		if !bytes.Equal(sum[:ChecksumSize], checksum[:]) {
			p.stats.BadChecksums++
			continue
		}

		msg, ok := makeEmptyMessage(command)
		if !ok {
			p.stats.UnknownCommands++
			continue
		}

		// Some btcd decoders need to know how many bytes remain, so
		// they insist on a *bytes.Buffer.
		r := bytes.NewBuffer(payload)
		err := msg.BtcDecode(r, p.pver, wire.WitnessEncoding)
		if err != nil {
			return nil, &ParseError{Command: command, Err: err}
		}

		if r.Len() != 0 {
			return nil, &ParseError{
				Command: command,
				Err: fmt.Errorf("%w: %d of %d bytes",
					ErrLeftoverBytes, r.Len(), length),
			}
		}

		return msg, nil
	}
}
