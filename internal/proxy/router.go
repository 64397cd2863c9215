// File: internal/proxy/router.go
package proxy

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jogjitu/vibium/internal/bidi"
	"github.com/jogjitu/vibium/internal/recording"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// extensionPrefix marks commands the router serves itself instead of
// relaying to the browser.
const extensionPrefix = "vibium:"

// relayIDBase offsets the ids of router-issued browser commands far above
// anything an end client plausibly allocates, so relay responses never
// collide with passthrough responses.
const relayIDBase = int64(1) << 40

// teardownTimeout bounds the browser stop during session teardown.
const teardownTimeout = 15 * time.Second

// ProcessHandle stops a launched browser instance.
type ProcessHandle interface {
	Stop(ctx context.Context) error
}

// LaunchFunc launches a browser and returns its BiDi WebSocket URL plus the
// handle used to stop it.
type LaunchFunc func(ctx context.Context) (string, ProcessHandle, error)

// RouterConfig tunes extension command handling.
type RouterConfig struct {
	// FindTimeout is the default wait for vibium:find when the client sends
	// no timeout. Default: 30s.
	FindTimeout time.Duration
	// PollInterval is the selector re-check interval. Default: 100ms.
	PollInterval time.Duration
	// RecordingFPS is the capture rate applied when vibium:startRecording
	// omits fps. Default: 10.
	RecordingFPS int
	// RecordingFormat is the container applied when vibium:startRecording
	// omits format. Default: "mp4".
	RecordingFormat string
}

// Router owns one browser session per connected client: it launches the
// browser, relays BiDi traffic both ways and serves vibium: extension
// commands against the browser connection.
type Router struct {
	launch LaunchFunc
	cfg    RouterConfig
	logger *zap.Logger

	sessions sync.Map // map[uint64]*browserSession, keyed by client id
}

// NewRouter creates a Router.
func NewRouter(launch LaunchFunc, cfg RouterConfig, logger *zap.Logger) *Router {
	if cfg.FindTimeout <= 0 {
		cfg.FindTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.RecordingFPS <= 0 {
		cfg.RecordingFPS = 10
	}
	if cfg.RecordingFormat == "" {
		cfg.RecordingFormat = "mp4"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		launch: launch,
		cfg:    cfg,
		logger: logger.Named("router"),
	}
}

// browserSession pairs one client with one launched browser.
type browserSession struct {
	id      string
	client  *ClientConn
	browser *bidi.Client
	proc    ProcessHandle
	logger  *zap.Logger

	recMu    sync.Mutex
	recorder *recording.Recorder

	closeOnce sync.Once
}

// OnClientConnect launches a browser for the client and wires the relay.
func (r *Router) OnClientConnect(client *ClientConn) {
	sessionID := uuid.NewString()
	logger := r.logger.With(
		zap.Uint64("client_id", client.ID), zap.String("session_id", sessionID))
	logger.Info("Launching browser for client")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	wsURL, proc, err := r.launch(ctx)
	if err != nil {
		logger.Error("Browser launch failed", zap.Error(err))
		r.rejectClient(client, "failed to launch browser: "+err.Error())
		return
	}

	sess := &browserSession{
		id:     sessionID,
		client: client,
		proc:   proc,
		logger: logger,
	}

	// Frames the relay does not own (passthrough responses and all browser
	// events) go straight back to the client.
	browser, err := bidi.Dial(ctx, wsURL, logger,
		bidi.WithIDBase(relayIDBase),
		bidi.WithRawHandler(func(raw []byte) {
			if err := sess.client.Send(raw); err != nil {
				logger.Debug("Failed to relay frame to client", zap.Error(err))
			}
		}))
	if err != nil {
		logger.Error("Failed to connect to browser BiDi endpoint", zap.Error(err))
		stopCtx, stopCancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer stopCancel()
		_ = proc.Stop(stopCtx)
		r.rejectClient(client, "failed to connect to browser: "+err.Error())
		return
	}
	sess.browser = browser

	r.sessions.Store(client.ID, sess)
	logger.Info("Browser session established", zap.String("ws_url", wsURL))
}

// OnClientMessage relays a client frame to the browser, or serves it locally
// when it is a vibium: extension command.
func (r *Router) OnClientMessage(client *ClientConn, msg []byte) {
	val, ok := r.sessions.Load(client.ID)
	if !ok {
		r.logger.Debug("Frame from client without session", zap.Uint64("client_id", client.ID))
		return
	}
	sess := val.(*browserSession)

	var cmd clientCommand
	if err := jsonAPI.Unmarshal(msg, &cmd); err == nil && strings.HasPrefix(cmd.Method, extensionPrefix) {
		// Extension commands can wait on the page; keep the client read
		// loop free.
		go r.handleExtension(sess, cmd)
		return
	}

	if err := sess.browser.SendRaw(msg); err != nil {
		sess.logger.Warn("Failed to relay frame to browser", zap.Error(err))
	}
}

// OnClientDisconnect tears the client's browser session down.
func (r *Router) OnClientDisconnect(client *ClientConn) {
	val, ok := r.sessions.LoadAndDelete(client.ID)
	if !ok {
		return
	}
	r.closeSession(val.(*browserSession))
}

// CloseAll tears down every session, concurrently.
func (r *Router) CloseAll() {
	var g errgroup.Group
	r.sessions.Range(func(key, value any) bool {
		sess := value.(*browserSession)
		r.sessions.Delete(key)
		g.Go(func() error {
			r.closeSession(sess)
			return nil
		})
		return true
	})
	_ = g.Wait()
}

func (r *Router) closeSession(sess *browserSession) {
	sess.closeOnce.Do(func() {
		sess.logger.Info("Closing browser session")

		sess.recMu.Lock()
		if sess.recorder != nil {
			if _, err := sess.recorder.Stop(); err != nil && err != recording.ErrNotRecording {
				sess.logger.Warn("Failed to stop recording during teardown", zap.Error(err))
			}
			sess.recorder = nil
		}
		sess.recMu.Unlock()

		if sess.browser != nil {
			_ = sess.browser.Close()
		}

		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()
		if err := sess.proc.Stop(ctx); err != nil {
			sess.logger.Warn("Failed to stop browser process", zap.Error(err))
		}

		_ = sess.client.Close()
	})
}

// rejectClient sends a launch failure in wire form and drops the client.
func (r *Router) rejectClient(client *ClientConn, msg string) {
	if raw, err := bidi.ErrorResponse(0, bidi.CodeUnknownError, msg); err == nil {
		_ = client.Send(raw)
	}
	_ = client.Close()
}
