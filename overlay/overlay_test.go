package overlay

import (
	"context"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ground-x/adnl/adnl"
	"github.com/ground-x/adnl/common"
	"github.com/ground-x/adnl/cryptoutil"
)

func mustListenUDP(t *testing.T) *net.UDPConn {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	return conn
}

func udpAddrOf(conn *net.UDPConn) adnl.AddressUDP {
	a := conn.LocalAddr().(*net.UDPAddr)
	ip4 := a.IP.To4()
	ipNum := uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
	return adnl.AddressUDP{IP: ipNum, Port: uint16(a.Port)}
}

type testPeer struct {
	adnlNode *adnl.Node
	overlay  *OverlayNode
	identity *cryptoutil.KeyPair
	shortID  common.Hash
	addr     adnl.AddressUDP
}

func newTestPeer(t *testing.T) *testPeer {
	conn := mustListenUDP(t)
	node := adnl.NewNode(conn, adnl.Config{})
	kp, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)
	shortID, err := node.AddKey(kp, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go node.Start(ctx)
	time.Sleep(20 * time.Millisecond)

	ov := NewOverlayNode(node, kp, shortID)
	return &testPeer{
		adnlNode: node,
		overlay:  ov,
		identity: kp,
		shortID:  shortID,
		addr:     udpAddrOf(conn),
	}
}

func (p *testPeer) node() *Node {
	return &Node{ID: p.identity.Public, Addr: adnl.AddressList{Addrs: []adnl.AddressUDP{p.addr}}}
}

func link(a, b *testPeer) {
	_, _ = a.adnlNode.AddPeer(adnl.ContextOrdinary, a.shortID, b.shortID, b.addr, b.identity.Public)
	_, _ = b.adnlNode.AddPeer(adnl.ContextOrdinary, b.shortID, a.shortID, a.addr, a.identity.Public)
}

func randomHash(t *testing.T) common.Hash {
	var h common.Hash
	_, err := rand.Read(h[:])
	require.NoError(t, err)
	return h
}

type recordingSubscriber struct {
	ch chan []byte
}

func (s *recordingSubscriber) OnBroadcast(_ context.Context, _, _ common.Hash, data []byte) {
	s.ch <- data
}

func (s *recordingSubscriber) HandleQuery(context.Context, common.Hash, common.Hash, []byte) ([]byte, bool, error) {
	return nil, false, nil
}

func TestComputeOverlayShortIDDeterministic(t *testing.T) {
	zsfh := randomHash(t)
	full := ComputeOverlayID(42, zsfh)
	id1, err := ComputeOverlayShortID(full)
	require.NoError(t, err)
	id2, err := ComputeOverlayShortID(full)
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestDeletePrivateOverlayRefusedForPublic(t *testing.T) {
	peer := newTestPeer(t)
	defer peer.adnlNode.Close()

	zsfh := randomHash(t)
	shard, isNew, err := peer.overlay.AddPublicOverlay(1, zsfh, ShardOptions{})
	require.NoError(t, err)
	require.True(t, isNew)

	err = peer.overlay.DeletePrivateOverlay(shard.ShortID)
	require.Error(t, err)
	kind, ok := ErrorKind(err)
	require.True(t, ok)
	require.Equal(t, KindDeletingPublicOverlay, kind)
}

func TestPrivateOverlayIgnoresGossipedPeers(t *testing.T) {
	peer := newTestPeer(t)
	defer peer.adnlNode.Close()

	overlayKey, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)
	zsfh := randomHash(t)
	full := ComputeOverlayID(7, zsfh)
	id, err := ComputeOverlayShortID(full)
	require.NoError(t, err)

	shard, isNew, err := peer.overlay.AddPrivateOverlay(id, full, overlayKey, nil, ShardOptions{})
	require.NoError(t, err)
	require.True(t, isNew)

	cKey, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)
	cNode := &Node{ID: cKey.Public, Addr: adnl.AddressList{}}

	resp := shard.handleGetRandomPeers(overlayKey, nil, &GetRandomPeers{Peers: Nodes{List: []*Node{cNode}}})
	require.NotNil(t, resp)

	cShort, err := adnl.ComputeShortID(cKey.Public)
	require.NoError(t, err)
	_, found := shard.getPeer(cShort)
	require.False(t, found)
}

func TestBroadcastDedupTriangle(t *testing.T) {
	a := newTestPeer(t)
	b := newTestPeer(t)
	c := newTestPeer(t)
	defer a.adnlNode.Close()
	defer b.adnlNode.Close()
	defer c.adnlNode.Close()

	link(a, b)
	link(a, c)
	link(b, c)

	zsfh := randomHash(t)
	shardA, _, err := a.overlay.AddPublicOverlay(1, zsfh, ShardOptions{})
	require.NoError(t, err)
	shardB, _, err := b.overlay.AddPublicOverlay(1, zsfh, ShardOptions{})
	require.NoError(t, err)
	shardC, _, err := c.overlay.AddPublicOverlay(1, zsfh, ShardOptions{})
	require.NoError(t, err)
	require.Equal(t, shardA.ShortID, shardB.ShortID)
	require.Equal(t, shardA.ShortID, shardC.ShortID)

	require.NoError(t, a.overlay.AddPrivatePeers(shardA.ShortID, []*Node{b.node(), c.node()}))
	require.NoError(t, b.overlay.AddPrivatePeers(shardB.ShortID, []*Node{a.node(), c.node()}))
	require.NoError(t, c.overlay.AddPrivatePeers(shardC.ShortID, []*Node{a.node(), b.node()}))

	subB := &recordingSubscriber{ch: make(chan []byte, 4)}
	subC := &recordingSubscriber{ch: make(chan []byte, 4)}
	require.True(t, b.overlay.AddSubscriber(shardB.ShortID, subB))
	require.True(t, c.overlay.AddSubscriber(shardC.ShortID, subC))

	payload := []byte("triangle broadcast payload")
	require.NoError(t, a.overlay.SendBroadcast(shardA.ShortID, payload))

	select {
	case got := <-subB.ch:
		require.Equal(t, payload, got)
	case <-time.After(2 * time.Second):
		t.Fatal("B never received the broadcast")
	}
	select {
	case got := <-subC.ch:
		require.Equal(t, payload, got)
	case <-time.After(2 * time.Second):
		t.Fatal("C never received the broadcast")
	}

	select {
	case <-subB.ch:
		t.Fatal("B received the broadcast a second time")
	case <-time.After(300 * time.Millisecond):
	}
	select {
	case <-subC.ch:
		t.Fatal("C received the broadcast a second time")
	case <-time.After(300 * time.Millisecond):
	}
}
