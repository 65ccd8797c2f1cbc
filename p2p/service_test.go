package p2p

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/qtumsync/chainreg"
	"github.com/lightninglabs/qtumsync/internal/chaintest"
	"github.com/lightninglabs/qtumsync/peer"
	"github.com/lightninglabs/qtumsync/peerconn"
	"github.com/lightninglabs/qtumsync/qwire"
	"github.com/lightninglabs/qtumsync/subscribe"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

var testParams = chainreg.RegTestParams

// msgServer publishes the messages of one command.
type msgServer = subscribe.Server[*peerconn.PeerMessage]

// fakePool is a pool of a single peer whose messages are published the way
// the real pool does it.
type fakePool struct {
	t *testing.T

	peer   *peer.Peer
	remote net.Conn

	mu      sync.Mutex
	servers map[string]*msgServer
}

func newFakePool(t *testing.T) *fakePool {
	local, remote := net.Pipe()

	fp := &fakePool{
		t:       t,
		remote:  remote,
		servers: make(map[string]*msgServer),
	}
	for _, cmd := range qwire.Commands {
		s := subscribe.NewServer[*peerconn.PeerMessage](
			peerconn.MessageEvent(cmd),
		)
		require.NoError(t, s.Start())
		fp.servers[cmd] = s
	}

	ready := make(chan struct{})
	fp.peer = peer.NewPeer(&peer.Config{
		Addr:        "10.0.0.1:23888",
		ChainParams: testParams,
		OnReady: func(*peer.Peer) {
			close(ready)
		},
		OnMessage: func(pr *peer.Peer, msg wire.Message) {
			_ = fp.servers[msg.Command()].SendUpdate(
				&peerconn.PeerMessage{Peer: pr, Msg: msg},
			)
		},
	})
	require.NoError(t, fp.peer.Attach(local))

	t.Cleanup(func() {
		fp.peer.Disconnect(peer.ErrPeerDisconnected)
		fp.peer.WaitForDisconnect()
		for _, s := range fp.servers {
			require.NoError(t, s.Stop())
		}
	})

	// Remote half of the handshake.
	require.IsType(t, &wire.MsgVersion{}, fp.read())
	addr := wire.NewNetAddressIPPort(net.IPv4zero, 0, 0)
	version := wire.NewMsgVersion(addr, addr, 1, 42)
	version.ProtocolVersion = int32(testParams.ProtocolVersion)
	fp.write(version)
	require.IsType(t, &wire.MsgVerAck{}, fp.read())
	fp.write(wire.NewMsgVerAck())

	select {
	case <-ready:
	case <-time.After(testTimeout):
		t.Fatal("peer not ready")
	}

	return fp
}

func (fp *fakePool) read() wire.Message {
	_ = fp.remote.SetReadDeadline(time.Now().Add(testTimeout))
	msg, err := qwire.ReadMessage(
		fp.remote, testParams.ProtocolVersion, testParams.Net,
	)
	require.NoError(fp.t, err)

	return msg
}

func (fp *fakePool) write(msg wire.Message) {
	frame, err := qwire.EncodeMessage(
		msg, testParams.ProtocolVersion, testParams.Net,
	)
	require.NoError(fp.t, err)

	_ = fp.remote.SetWriteDeadline(time.Now().Add(testTimeout))
	_, err = fp.remote.Write(frame)
	require.NoError(fp.t, err)
}

func (fp *fakePool) SubscribeMessages(command string) (
	*subscribe.Client[*peerconn.PeerMessage], error) {

	return fp.servers[command].Subscribe()
}

func (fp *fakePool) BestPeer() (*peer.Peer, error) {
	return fp.peer, nil
}

func (fp *fakePool) Connections() []*peer.Peer {
	return []*peer.Peer{fp.peer}
}

func (fp *fakePool) Broadcast(msg wire.Message) int {
	if err := fp.peer.SendMessage(msg); err != nil {
		return 0
	}

	return 1
}

func newTestService(t *testing.T, fp *fakePool,
	testClock clock.Clock) *Service {

	s := NewService(&Config{
		Peers:       fp,
		ChainParams: testParams,
		Clock:       testClock,
	})
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		require.NoError(t, s.Stop())
	})

	return s
}

func invMsg(t *testing.T, ivs ...*wire.InvVect) *wire.MsgInv {
	msg := wire.NewMsgInv()
	for _, iv := range ivs {
		require.NoError(t, msg.AddInvVect(iv))
	}

	return msg
}

// TestInventoryDedup asserts announced items are requested once until the
// inventory cache is cleared.
func TestInventoryDedup(t *testing.T) {
	t.Parallel()

	fp := newFakePool(t)
	s := newTestService(t, fp, nil)

	blockHash := chainhash.Hash{1}
	txHash := chainhash.Hash{2}
	otherHash := chainhash.Hash{3}

	blockInv := wire.NewInvVect(wire.InvTypeWitnessBlock, &blockHash)
	txInv := wire.NewInvVect(wire.InvTypeTx, &txHash)
	errInv := wire.NewInvVect(wire.InvTypeError, &otherHash)

	fp.write(invMsg(t, blockInv, txInv, errInv))
	getData, ok := fp.read().(*wire.MsgGetData)
	require.True(t, ok)
	require.Equal(t, []*wire.InvVect{blockInv, txInv}, getData.InvList)

	// A repeated announcement is not requested again.
	fp.write(invMsg(t, blockInv, txInv))
	otherInv := wire.NewInvVect(wire.InvTypeBlock, &otherHash)
	fp.write(invMsg(t, otherInv))

	getData, ok = fp.read().(*wire.MsgGetData)
	require.True(t, ok)
	require.Equal(t, []*wire.InvVect{otherInv}, getData.InvList)

	s.ClearInventoryCache()
	fp.write(invMsg(t, blockInv))

	getData, ok = fp.read().(*wire.MsgGetData)
	require.True(t, ok)
	require.Equal(t, []*wire.InvVect{blockInv}, getData.InvList)
}

type blockResult struct {
	block *qwire.MsgBlock
	err   error
}

// TestGetP2PBlock asserts a fetch requests the range and resolves with the
// target, while other blocks of the range are published and cached.
func TestGetP2PBlock(t *testing.T) {
	t.Parallel()

	fp := newFakePool(t)
	s := newTestService(t, fp, nil)

	chain := chaintest.NewChain(testParams, 3)
	filter := &BlockFilter{
		StartHash: chain[0].BlockHash(),
		EndHash:   chain[2].BlockHash(),
	}

	live, err := s.SubscribeBlocks()
	require.NoError(t, err)

	results := make(chan blockResult, 1)
	go func() {
		block, err := s.GetP2PBlock(
			context.Background(), filter, chain[1].BlockHash(),
		)
		results <- blockResult{block, err}
	}()

	getBlocks, ok := fp.read().(*wire.MsgGetBlocks)
	require.True(t, ok)
	require.Equal(t, filter.EndHash, getBlocks.HashStop)
	require.Equal(t, filter.StartHash, *getBlocks.BlockLocatorHashes[0])

	fp.write(chain[1])
	fp.write(chain[2])

	select {
	case res := <-results:
		require.NoError(t, res.err)
		require.Equal(t, chain[1].BlockHash(), res.block.BlockHash())
	case <-time.After(testTimeout):
		t.Fatal("fetch did not resolve")
	}

	// The read-ahead block is published and served from the cache.
	select {
	case block := <-live.Updates():
		require.Equal(t, chain[2].BlockHash(), block.BlockHash())
	case <-time.After(testTimeout):
		t.Fatal("read-ahead block not published")
	}

	filter.StartHash = chain[1].BlockHash()
	block, err := s.GetP2PBlock(
		context.Background(), filter, chain[2].BlockHash(),
	)
	require.NoError(t, err)
	require.Equal(t, chain[2].BlockHash(), block.BlockHash())
}

// TestGetP2PBlockTimeout asserts a block that never arrives fails with
// ErrBlockTimeout once the block timeout passed.
func TestGetP2PBlockTimeout(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	testClock := clock.NewTestClock(now)

	fp := newFakePool(t)
	s := newTestService(t, fp, testClock)

	chain := chaintest.NewChain(testParams, 1)
	filter := &BlockFilter{
		StartHash: chain[0].BlockHash(),
		EndHash:   chain[1].BlockHash(),
	}

	results := make(chan blockResult, 1)
	go func() {
		block, err := s.GetP2PBlock(
			context.Background(), filter, chain[1].BlockHash(),
		)
		results <- blockResult{block, err}
	}()

	require.IsType(t, &wire.MsgGetBlocks{}, fp.read())

	var res blockResult
	require.Eventually(t, func() bool {
		now = now.Add(DefaultBlockTimeout + time.Second)
		testClock.SetTime(now)

		select {
		case res = <-results:
			return true
		default:
			return false
		}
	}, testTimeout, 10*time.Millisecond)

	require.ErrorIs(t, res.err, ErrBlockTimeout)

	// A late delivery is published instead of being lost.
	live, err := s.SubscribeBlocks()
	require.NoError(t, err)
	fp.write(chain[1])

	select {
	case block := <-live.Updates():
		require.Equal(t, chain[1].BlockHash(), block.BlockHash())
	case <-time.After(testTimeout):
		t.Fatal("late block not published")
	}
}

// TestGetHeaders asserts headers requests are answered by the peer's reply.
func TestGetHeaders(t *testing.T) {
	t.Parallel()

	fp := newFakePool(t)
	s := newTestService(t, fp, nil)

	chain := chaintest.NewChain(testParams, 5)
	tip := chain[0].BlockHash()

	type headersResult struct {
		headers *qwire.MsgHeaders
		err     error
	}
	results := make(chan headersResult, 1)
	go func() {
		headers, err := s.GetHeaders(
			context.Background(), []*chainhash.Hash{&tip},
		)
		results <- headersResult{headers, err}
	}()

	getHeaders, ok := fp.read().(*wire.MsgGetHeaders)
	require.True(t, ok)
	require.Equal(t, tip, *getHeaders.BlockLocatorHashes[0])

	reply := qwire.NewMsgHeaders()
	for _, header := range chaintest.Headers(chain[1:]) {
		require.NoError(t, reply.AddBlockHeader(header))
	}
	fp.write(reply)

	select {
	case res := <-results:
		require.NoError(t, res.err)
		require.Len(t, res.headers.Headers, 5)
		require.Equal(t, chain[5].BlockHash(),
			res.headers.Headers[4].BlockHash())
	case <-time.After(testTimeout):
		t.Fatal("headers not delivered")
	}

	require.EqualValues(t, 42, s.GetBestHeight())
	require.Equal(t, 1, s.GetConnections())
}

// TestSendTransaction asserts our transactions are announced and served to
// peers asking for them, and relayed transactions are published.
func TestSendTransaction(t *testing.T) {
	t.Parallel()

	fp := newFakePool(t)
	s := newTestService(t, fp, nil)

	txs, err := s.SubscribeTxs()
	require.NoError(t, err)

	tx := chaintest.NewChain(testParams, 1)[1].Transactions[0]
	txHash := tx.TxHash()
	require.NoError(t, s.SendTransaction(tx))

	inv, ok := fp.read().(*wire.MsgInv)
	require.True(t, ok)
	require.Equal(t, txHash, inv.InvList[0].Hash)

	getData := wire.NewMsgGetData()
	require.NoError(t, getData.AddInvVect(
		wire.NewInvVect(wire.InvTypeTx, &txHash),
	))
	fp.write(getData)

	served, ok := fp.read().(*wire.MsgTx)
	require.True(t, ok)
	require.Equal(t, txHash, served.TxHash())

	fp.write(tx)
	select {
	case relayed := <-txs.Updates():
		require.Equal(t, txHash, relayed.TxHash())
	case <-time.After(testTimeout):
		t.Fatal("tx not published")
	}
}
