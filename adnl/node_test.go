package adnl

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ground-x/adnl/common"
	"github.com/ground-x/adnl/cryptoutil"
)

type recordingSubscriber struct {
	customCh chan []byte
	answer   []byte
}

func (s *recordingSubscriber) TryConsumeCustom(_ context.Context, _, _ common.Hash, data []byte) (bool, error) {
	s.customCh <- data
	return true, nil
}

func (s *recordingSubscriber) TryConsumeQuery(_ context.Context, _, _ common.Hash, _ []byte) (QueryConsumingResult, error) {
	return QueryConsumingResult{Consumed: true, Answer: s.answer}, nil
}

func mustListenUDP(t *testing.T) *net.UDPConn {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	return conn
}

func udpAddrOf(conn *net.UDPConn) AddressUDP {
	a := conn.LocalAddr().(*net.UDPAddr)
	ip4 := a.IP.To4()
	ipNum := uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
	return AddressUDP{IP: ipNum, Port: uint16(a.Port)}
}

func twoNodes(t *testing.T) (a, b *Node, closeFn func()) {
	connA := mustListenUDP(t)
	connB := mustListenUDP(t)
	nodeA := NewNode(connA, Config{})
	nodeB := NewNode(connB, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	go nodeA.Start(ctx)
	go nodeB.Start(ctx)
	time.Sleep(50 * time.Millisecond)

	return nodeA, nodeB, func() {
		cancel()
		nodeA.Close()
		nodeB.Close()
	}
}

func TestHandshakeAndCustomMessage(t *testing.T) {
	nodeA, nodeB, closeFn := twoNodes(t)
	defer closeFn()

	kpA, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)
	kpB, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)

	shortA, err := nodeA.AddKey(kpA, 0)
	require.NoError(t, err)
	shortB, err := nodeB.AddKey(kpB, 0)
	require.NoError(t, err)

	sub := &recordingSubscriber{customCh: make(chan []byte, 1)}
	nodeB.AddSubscriber(sub)

	connB := nodeB.conn.(*net.UDPConn)
	addrB := udpAddrOf(connB)

	isNew, err := nodeA.AddPeer(ContextOrdinary, shortA, shortB, addrB, kpB.Public)
	require.NoError(t, err)
	require.True(t, isNew)

	isNewAgain, err := nodeA.AddPeer(ContextOrdinary, shortA, shortB, addrB, kpB.Public)
	require.NoError(t, err)
	require.False(t, isNewAgain)

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	require.NoError(t, nodeA.SendCustomMessage(shortA, shortB, payload))

	select {
	case got := <-sub.customCh:
		require.True(t, bytes.Equal(payload, got))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for custom message")
	}
}

func TestQueryAnswerRoundTrip(t *testing.T) {
	nodeA, nodeB, closeFn := twoNodes(t)
	defer closeFn()

	kpA, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)
	kpB, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)

	shortA, err := nodeA.AddKey(kpA, 0)
	require.NoError(t, err)
	shortB, err := nodeB.AddKey(kpB, 0)
	require.NoError(t, err)

	answer := []byte("pong")
	nodeB.AddSubscriber(&recordingSubscriber{customCh: make(chan []byte, 1), answer: answer})

	connB := nodeB.conn.(*net.UDPConn)
	addrB := udpAddrOf(connB)
	_, err = nodeA.AddPeer(ContextOrdinary, shortA, shortB, addrB, kpB.Public)
	require.NoError(t, err)

	got, err := nodeA.Query(context.Background(), shortA, shortB, []byte("ping"), time.Second)
	require.NoError(t, err)
	require.True(t, bytes.Equal(answer, got))
}

func TestQueryTimeout(t *testing.T) {
	nodeA, _, closeFn := twoNodes(t)
	defer closeFn()

	kpA, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)
	shortA, err := nodeA.AddKey(kpA, 0)
	require.NoError(t, err)

	// Peer with no one listening: the query should time out rather than hang.
	kpGhost, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)
	ghostConn := mustListenUDP(t)
	ghostAddr := udpAddrOf(ghostConn)
	ghostConn.Close()
	ghostShort, err := computeShortID(kpGhost.Public)
	require.NoError(t, err)

	_, err = nodeA.AddPeer(ContextOrdinary, shortA, ghostShort, ghostAddr, kpGhost.Public)
	require.NoError(t, err)

	_, err = nodeA.Query(context.Background(), shortA, ghostShort, []byte("ping"), 100*time.Millisecond)
	require.Error(t, err)
	kind, ok := ErrorKind(err)
	require.True(t, ok)
	require.Equal(t, KindTimeout, kind)
}

func TestAddPeerUnknownLocalKey(t *testing.T) {
	nodeA, _, closeFn := twoNodes(t)
	defer closeFn()

	var unknownLocal, remote common.Hash
	_, err := nodeA.AddPeer(ContextOrdinary, unknownLocal, remote, AddressUDP{}, nil)
	require.Error(t, err)
	kind, ok := ErrorKind(err)
	require.True(t, ok)
	require.Equal(t, KindUnknownLocalKey, kind)
}

func TestSeqnoWindowRejectsRegression(t *testing.T) {
	p := &PeerEntry{}
	require.True(t, p.acceptInboundSeqno(100))
	require.True(t, p.acceptInboundSeqno(150))
	// within window (150 - 64 = 86 < 120)
	require.True(t, p.acceptInboundSeqno(120))
	// outside window: 150 - 64 = 86, 50 <= 86 is rejected
	require.False(t, p.acceptInboundSeqno(50))
}
