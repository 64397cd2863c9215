// File: internal/proxy/server_test.go
package proxy

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func freeTestPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestServerCallbacksAndShutdown(t *testing.T) {
	var mu sync.Mutex
	var connects, closes int
	var received [][]byte
	messageSeen := make(chan struct{}, 8)
	closeSeen := make(chan struct{}, 1)

	port := freeTestPort(t)
	srv := NewServer(
		WithPort(port),
		WithLogger(zaptest.NewLogger(t)),
		WithOnConnect(func(c *ClientConn) {
			mu.Lock()
			connects++
			mu.Unlock()
			require.NoError(t, c.Send([]byte(`{"hello":true}`)))
		}),
		WithOnMessage(func(c *ClientConn, msg []byte) {
			mu.Lock()
			received = append(received, append([]byte(nil), msg...))
			mu.Unlock()
			messageSeen <- struct{}{}
		}),
		WithOnClose(func(c *ClientConn) {
			mu.Lock()
			closes++
			mu.Unlock()
			closeSeen <- struct{}{}
		}),
	)
	require.Equal(t, port, srv.Port())
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})

	url := fmt.Sprintf("ws://127.0.0.1:%d/", port)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, greeting, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"hello":true}`, string(greeting))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":1}`)))
	select {
	case <-messageSeen:
	case <-time.After(5 * time.Second):
		t.Fatal("message callback never fired")
	}

	require.NoError(t, conn.Close())
	select {
	case <-closeSeen:
	case <-time.After(5 * time.Second):
		t.Fatal("close callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, closes)
	require.Len(t, received, 1)
	assert.JSONEq(t, `{"id":1}`, string(received[0]))
}

func TestServerStopClosesClients(t *testing.T) {
	port := freeTestPort(t)
	srv := NewServer(WithPort(port), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, srv.Start())

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/", port), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "clients are disconnected when the server stops")
}

func TestStopWithoutStart(t *testing.T) {
	srv := NewServer(WithLogger(zaptest.NewLogger(t)))
	assert.NoError(t, srv.Stop(context.Background()))
}

func TestClientConnSendAfterClose(t *testing.T) {
	clientConn, clientSide := newClientPair(t)
	t.Cleanup(func() { _ = clientSide.Close() })

	require.NoError(t, clientConn.Close())
	assert.NoError(t, clientConn.Close())
	assert.Error(t, clientConn.Send([]byte("late")))
}
