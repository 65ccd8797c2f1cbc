package qwire

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// InvTypeCmpctBlock is the BIP-0152 inventory type for compact blocks. btcd
// does not define it.
const InvTypeCmpctBlock wire.InvType = 4

// BaseInvType strips the witness flag from an inventory type.
func BaseInvType(t wire.InvType) wire.InvType {
	return t &^ wire.InvWitnessFlag
}

// IsBlockInv returns true for every inventory type announcing a block.
func IsBlockInv(iv *wire.InvVect) bool {
	switch BaseInvType(iv.Type) {
	case wire.InvTypeBlock, wire.InvTypeFilteredBlock, InvTypeCmpctBlock:
		return true
	}

	return false
}

// IsTxInv returns true for inventory types announcing a transaction.
func IsTxInv(iv *wire.InvVect) bool {
	return BaseInvType(iv.Type) == wire.InvTypeTx
}

// NewGetBlocks returns a getblocks message that asks for blocks after
// start up to and including stop.
func NewGetBlocks(pver uint32, start, stop *chainhash.Hash) (*wire.MsgGetBlocks,
	error) {

	msg := wire.NewMsgGetBlocks(stop)
	msg.ProtocolVersion = pver
	if err := msg.AddBlockLocatorHash(start); err != nil {
		return nil, err
	}

	return msg, nil
}

// NewGetHeaders returns a getheaders message for the given locator with no
// stop hash, so the peer replies with as many headers as it can.
func NewGetHeaders(pver uint32, locator []*chainhash.Hash) (
	*wire.MsgGetHeaders, error) {

	msg := wire.NewMsgGetHeaders()
	msg.ProtocolVersion = pver
	for _, hash := range locator {
		if err := msg.AddBlockLocatorHash(hash); err != nil {
			return nil, err
		}
	}

	return msg, nil
}
