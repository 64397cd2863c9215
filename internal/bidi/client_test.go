// File: internal/bidi/client_test.go
package bidi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// newTestServer runs handle against each upgraded connection and returns the
// ws:// URL of the server.
func newTestServer(t *testing.T, handle func(*websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// readCommand decodes the next command frame from the peer side.
func readCommand(conn *websocket.Conn) (command, error) {
	var cmd command
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return cmd, err
	}
	return cmd, json.Unmarshal(raw, &cmd)
}

func writeJSON(conn *websocket.Conn, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

func dialTest(t *testing.T, url string, opts ...Option) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, url, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestSendCorrelatesOutOfOrderResponses(t *testing.T) {
	url := newTestServer(t, func(conn *websocket.Conn) {
		first, err := readCommand(conn)
		if err != nil {
			return
		}
		second, err := readCommand(conn)
		if err != nil {
			return
		}
		// Answer in reverse arrival order.
		_ = writeJSON(conn, map[string]any{
			"type": "success", "id": second.ID,
			"result": map[string]any{"echo": second.Method},
		})
		_ = writeJSON(conn, map[string]any{
			"type": "success", "id": first.ID,
			"result": map[string]any{"echo": first.Method},
		})
		// Hold the connection until the client hangs up.
		_, _, _ = conn.ReadMessage()
	})

	client := dialTest(t, url)
	ctx := context.Background()

	type outcome struct {
		method string
		raw    json.RawMessage
		err    error
	}
	results := make(chan outcome, 2)
	var wg sync.WaitGroup
	for _, method := range []string{"first.method", "second.method"} {
		wg.Add(1)
		go func(method string) {
			defer wg.Done()
			raw, err := client.Send(ctx, method, nil)
			results <- outcome{method, raw, err}
		}(method)
		// Give the first send time to hit the wire so arrival order is fixed.
		time.Sleep(50 * time.Millisecond)
	}
	wg.Wait()
	close(results)

	for res := range results {
		require.NoError(t, res.err)
		var parsed struct {
			Echo string `json:"echo"`
		}
		require.NoError(t, json.Unmarshal(res.raw, &parsed))
		assert.Equal(t, res.method, parsed.Echo,
			"each caller must receive the response correlated to its own command")
	}
}

func TestErrorResponseBecomesProtocolError(t *testing.T) {
	url := newTestServer(t, func(conn *websocket.Conn) {
		cmd, err := readCommand(conn)
		if err != nil {
			return
		}
		_ = writeJSON(conn, map[string]any{
			"type": "error", "id": cmd.ID,
			"error": CodeNoSuchElement, "message": "nothing matched",
		})
		_, _, _ = conn.ReadMessage()
	})

	client := dialTest(t, url)
	_, err := client.Send(context.Background(), "vibium:find", map[string]any{"selector": "#x"})

	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, CodeNoSuchElement, pe.Code)
	assert.Equal(t, "nothing matched", pe.Message)
}

func TestEventsDoNotDisturbPendingCommands(t *testing.T) {
	url := newTestServer(t, func(conn *websocket.Conn) {
		cmd, err := readCommand(conn)
		if err != nil {
			return
		}
		// Events interleave with the in-flight response.
		_ = writeJSON(conn, map[string]any{
			"type": "event", "method": "log.entryAdded",
			"params": map[string]any{"level": "info"},
		})
		_ = writeJSON(conn, map[string]any{
			"type": "success", "id": cmd.ID, "result": map[string]any{},
		})
		_, _, _ = conn.ReadMessage()
	})

	var mu sync.Mutex
	var events []string
	client := dialTest(t, url, WithEventHandler(func(method string, _ json.RawMessage) {
		mu.Lock()
		events = append(events, method)
		mu.Unlock()
	}))

	_, err := client.Send(context.Background(), "browsingContext.getTree", nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"log.entryAdded"}, events)
}

func TestSendHonorsContextCancellation(t *testing.T) {
	url := newTestServer(t, func(conn *websocket.Conn) {
		// Swallow commands, never answer.
		for {
			if _, err := readCommand(conn); err != nil {
				return
			}
		}
	})

	client := dialTest(t, url)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Send(ctx, "browsingContext.getTree", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseFailsPendingSends(t *testing.T) {
	url := newTestServer(t, func(conn *websocket.Conn) {
		for {
			if _, err := readCommand(conn); err != nil {
				return
			}
		}
	})

	client := dialTest(t, url)

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Send(context.Background(), "browsingContext.getTree", nil)
		errCh <- err
	}()

	// Let the send register before closing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, client.Close())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending send did not fail after close")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	url := newTestServer(t, func(conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
	})

	client := dialTest(t, url)
	require.NoError(t, client.Close())
	assert.NoError(t, client.Close())

	_, err := client.Send(context.Background(), "browsingContext.getTree", nil)
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestPeerDisconnectFailsPendingSends(t *testing.T) {
	url := newTestServer(t, func(conn *websocket.Conn) {
		if _, err := readCommand(conn); err != nil {
			return
		}
		_ = conn.Close()
	})

	client := dialTest(t, url)
	_, err := client.Send(context.Background(), "browsingContext.getTree", nil)
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestRawHandlerReceivesUnownedFrames(t *testing.T) {
	url := newTestServer(t, func(conn *websocket.Conn) {
		cmd, err := readCommand(conn)
		if err != nil {
			return
		}
		// A response for an id this client never issued, as seen by a relay
		// sharing the connection with passthrough traffic.
		_ = writeJSON(conn, map[string]any{
			"type": "success", "id": 7, "result": map[string]any{},
		})
		_ = writeJSON(conn, map[string]any{
			"type": "success", "id": cmd.ID, "result": map[string]any{},
		})
		_, _, _ = conn.ReadMessage()
	})

	raws := make(chan []byte, 1)
	client := dialTest(t, url,
		WithIDBase(1<<40),
		WithRawHandler(func(raw []byte) { raws <- raw }))

	_, err := client.Send(context.Background(), "browsingContext.getTree", nil)
	require.NoError(t, err)

	select {
	case raw := <-raws:
		var msg message
		require.NoError(t, json.Unmarshal(raw, &msg))
		require.NotNil(t, msg.ID)
		assert.Equal(t, int64(7), *msg.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("raw handler never received the passthrough frame")
	}
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Dial(ctx, "ws://127.0.0.1:1/nothing-listens-here", zaptest.NewLogger(t))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrConnectionClosed))
}
