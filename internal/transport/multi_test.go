package transport

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiConnServesMemoryAndWebSocketPeers(t *testing.T) {
	network := NewMemoryNetwork(11)
	mem := network.Listen("server")
	ws := NewWebSocketListener("ws-server", zerolog.Nop())
	httpSrv := httptest.NewServer(ws)
	t.Cleanup(httpSrv.Close)

	multi := NewMultiConn(DefaultConfig().MaxPacketSize, mem, ws)
	server := New(multi, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go server.Run(ctx)

	wsConn, err := DialWebSocket(ctx, "ws"+strings.TrimPrefix(httpSrv.URL, "http"))
	require.NoError(t, err)
	wsClient := New(wsConn, testConfig())
	go wsClient.Run(ctx)
	remote := wsConn.(interface{ RemoteAddr() net.Addr }).RemoteAddr()
	wsClient.Connect(remote)

	memClient := New(network.Listen("client"), testConfig())
	go memClient.Run(ctx)
	memClient.Connect(mem.LocalAddr())

	require.NoError(t, wsClient.Send(remote, ChannelReliable, []byte("from-ws")))
	require.NoError(t, memClient.Send(mem.LocalAddr(), ChannelReliable, []byte("from-mem")))

	from := map[string]net.Addr{}
	require.Eventually(t, func() bool {
		for _, d := range server.Poll() {
			from[string(d.Payload)] = d.Addr
		}
		return len(from) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "ws", from["from-ws"].Network())
	assert.Equal(t, "mem", from["from-mem"].Network())

	require.NoError(t, server.Send(from["from-ws"], ChannelReliable, []byte("hello-ws")))
	require.NoError(t, server.Send(from["from-mem"], ChannelReliable, []byte("hello-mem")))
	var wsGot, memGot []string
	require.Eventually(t, func() bool {
		wsGot = append(wsGot, payloads(wsClient.Poll())...)
		memGot = append(memGot, payloads(memClient.Poll())...)
		return len(wsGot) == 1 && len(memGot) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"hello-ws"}, wsGot)
	assert.Equal(t, []string{"hello-mem"}, memGot)
}

func TestMultiConnRejectsUnknownNetwork(t *testing.T) {
	network := NewMemoryNetwork(1)
	multi := NewMultiConn(1024, network.Listen("a"))
	t.Cleanup(func() { multi.Close() })
	_, err := multi.WriteTo([]byte("x"), WebSocketAddr("ws:nowhere"))
	assert.ErrorIs(t, err, ErrUnknownPeer)
	assert.Equal(t, "a", multi.LocalAddr().String())

	require.NoError(t, multi.Close())
	_, _, err = multi.ReadFrom(make([]byte, 8))
	assert.ErrorIs(t, err, net.ErrClosed)
}
