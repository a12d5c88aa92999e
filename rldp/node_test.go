package rldp

import (
	"bytes"
	"context"
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

type stubSubscriber struct {
	answerPrefix []byte
	msgCh        chan []byte
}

func (s *stubSubscriber) HandleQuery(_ context.Context, _ common.Hash, data []byte) ([]byte, error) {
	out := make([]byte, 0, len(s.answerPrefix)+len(data))
	out = append(out, s.answerPrefix...)
	out = append(out, data...)
	return out, nil
}

func (s *stubSubscriber) OnMessage(_ context.Context, _ common.Hash, data []byte) {
	if s.msgCh != nil {
		s.msgCh <- data
	}
}

type endpoint struct {
	adnlNode *adnl.Node
	rldpNode *Node
	identity *cryptoutil.KeyPair
	shortID  common.Hash
	addr     adnl.AddressUDP
}

func newEndpoint(t *testing.T, sub Subscriber, cfg Config) *endpoint {
	conn := mustListenUDP(t)
	adnlNode := adnl.NewNode(conn, adnl.Config{})
	kp, err := cryptoutil.GenerateKeyPair()
	require.NoError(t, err)
	shortID, err := adnlNode.AddKey(kp, 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go adnlNode.Start(ctx)
	time.Sleep(20 * time.Millisecond)

	rNode, err := NewNode(ctx, adnlNode, shortID, cfg, sub)
	require.NoError(t, err)

	return &endpoint{adnlNode: adnlNode, rldpNode: rNode, identity: kp, shortID: shortID, addr: udpAddrOf(conn)}
}

func link(a, b *endpoint) {
	_, _ = a.adnlNode.AddPeer(adnl.ContextOrdinary, a.shortID, b.shortID, b.addr, b.identity.Public)
	_, _ = b.adnlNode.AddPeer(adnl.ContextOrdinary, b.shortID, a.shortID, a.addr, a.identity.Public)
}

func fastPacingConfig() Config {
	return Config{SendInterval: 2 * time.Millisecond, BackoffInterval: 10 * time.Millisecond, AckEvery: 4}
}

func TestQueryAnswerRoundTrip(t *testing.T) {
	a := newEndpoint(t, &stubSubscriber{}, fastPacingConfig())
	b := newEndpoint(t, &stubSubscriber{answerPrefix: []byte("answer:")}, fastPacingConfig())
	defer a.adnlNode.Close()
	defer b.adnlNode.Close()
	link(a, b)

	request := bytes.Repeat([]byte("q"), 3000) // spans multiple 768-byte symbols
	ctx := context.Background()
	answer, err := a.rldpNode.Query(ctx, b.shortID, request, 3*time.Second, 1<<20)
	require.NoError(t, err)
	require.Equal(t, append([]byte("answer:"), request...), answer)
}

func TestSendMessageDelivers(t *testing.T) {
	msgCh := make(chan []byte, 1)
	a := newEndpoint(t, &stubSubscriber{}, fastPacingConfig())
	b := newEndpoint(t, &stubSubscriber{msgCh: msgCh}, fastPacingConfig())
	defer a.adnlNode.Close()
	defer b.adnlNode.Close()
	link(a, b)

	payload := bytes.Repeat([]byte("m"), 2500)
	err := a.rldpNode.SendMessage(b.shortID, payload, 3*time.Second)
	require.NoError(t, err)

	select {
	case got := <-msgCh:
		require.Equal(t, payload, got)
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}
}

func TestSendMessageTimesOutWithoutPeer(t *testing.T) {
	a := newEndpoint(t, &stubSubscriber{}, fastPacingConfig())
	defer a.adnlNode.Close()

	var unreachable common.Hash
	unreachable[0] = 0xAA

	err := a.rldpNode.SendMessage(unreachable, []byte("hello"), 150*time.Millisecond)
	require.Error(t, err)
	kind, ok := ErrorKind(err)
	require.True(t, ok)
	require.Equal(t, KindTransferTimedOut, kind)
}
