package chainreg

import (
	"fmt"
	"math/big"
	"net"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/qtumsync/qwire"
)

const (
	// DefaultProtocolVersion is the protocol version we advertise. It is
	// high enough for sendheaders, feefilter and witness relay.
	DefaultProtocolVersion uint32 = 70016

	// MainNet is the Qtum main network magic, f1cfa6d3 on the wire.
	MainNet wire.BitcoinNet = 0xd3a6cff1

	// TestNet is the Qtum test network magic, 0d221506 on the wire.
	TestNet wire.BitcoinNet = 0x0615220d

	// RegTest is the Qtum regression test network magic, fdddc6e1 on
	// the wire.
	RegTest wire.BitcoinNet = 0xe1c6ddfd
)

// StartingChainWork is the cumulative chainwork assigned to the genesis
// header when the header chain is reseeded.
var StartingChainWork = big.NewInt(0x100010001)

// Params defines a Qtum network by its wire magic, default port, seeds and
// genesis block.
type Params struct {
	// Name is a human readable identifier for the network.
	Name string

	// Net is the network magic.
	Net wire.BitcoinNet

	// DefaultPort is the default peer-to-peer port for the network.
	DefaultPort string

	// DNSSeeds is a list of DNS entries used to discover peers.
	DNSSeeds []chaincfg.DNSSeed

	// ProtocolVersion is the protocol version advertised to peers.
	ProtocolVersion uint32

	// GenesisBlock is the first block of the chain.
	GenesisBlock *qwire.MsgBlock

	// GenesisHash is the hash of GenesisBlock.
	GenesisHash chainhash.Hash
}

// MainNetParams defines the network parameters for the Qtum main network.
var MainNetParams = newParams(
	"mainnet", MainNet, "3888", []chaincfg.DNSSeed{
		{Host: "qtum3.dynu.net"},
		{Host: "qtum5.dynu.net"},
		{Host: "qtum6.dynu.net"},
		{Host: "qtum7.dynu.net"},
	}, genesisBlock(8026361, 0x1f00ffff),
)

// TestNetParams defines the network parameters for the Qtum test network.
var TestNetParams = newParams(
	"testnet", TestNet, "13888", []chaincfg.DNSSeed{
		{Host: "qtum4.dynu.net"},
	}, genesisBlock(7349697, 0x1f00ffff),
)

// RegTestParams defines the network parameters for a local regression test
// network. It has no seeds.
var RegTestParams = newParams(
	"regtest", RegTest, "23888", nil, genesisBlock(17, 0x207fffff),
)

func newParams(name string, netMagic wire.BitcoinNet, port string,
	seeds []chaincfg.DNSSeed, genesis *qwire.MsgBlock) *Params {

	return &Params{
		Name:            name,
		Net:             netMagic,
		DefaultPort:     port,
		DNSSeeds:        seeds,
		ProtocolVersion: DefaultProtocolVersion,
		GenesisBlock:    genesis,
		GenesisHash:     genesis.BlockHash(),
	}
}

// ParamsForNetwork returns the parameters of a network by name.
func ParamsForNetwork(name string) (*Params, error) {
	switch name {
	case MainNetParams.Name:
		return MainNetParams, nil
	case TestNetParams.Name:
		return TestNetParams, nil
	case RegTestParams.Name:
		return RegTestParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", name)
	}
}

// NormalizeAddr appends the network's default port to addr when it carries
// none.
func (p *Params) NormalizeAddr(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return net.JoinHostPort(addr, p.DefaultPort)
	}

	return addr
}
