// File: internal/launcher/launcher.go

// Package launcher spawns chromedriver, creates a WebDriver session with the
// BiDi socket enabled, and hands back the process handle plus the WebSocket
// endpoint the transport connects to.
package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/jogjitu/vibium/internal/config"
	"github.com/jogjitu/vibium/internal/paths"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// stopGrace is how long Stop waits for chromedriver to exit after an
// interrupt before killing it.
const stopGrace = 5 * time.Second

// Launcher starts browser instances according to configuration.
type Launcher struct {
	cfg    config.BrowserConfig
	logger *zap.Logger
	httpc  *http.Client
}

// New creates a Launcher.
func New(cfg config.BrowserConfig, logger *zap.Logger) *Launcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Launcher{
		cfg:    cfg,
		logger: logger.Named("launcher"),
		httpc:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Browser is a running chromedriver-managed browser instance.
type Browser struct {
	SessionID    string
	WebSocketURL string

	baseURL string
	cmd     *exec.Cmd
	httpc   *http.Client
	logger  *zap.Logger
}

// Launch starts chromedriver on a free port, waits for it to become ready
// and creates a WebDriver session with webSocketUrl enabled.
func (l *Launcher) Launch(ctx context.Context) (*Browser, error) {
	driverPath := l.cfg.DriverPath
	if driverPath == "" {
		var err error
		driverPath, err = paths.ChromedriverPath()
		if err != nil {
			return nil, fmt.Errorf("failed to locate chromedriver: %w", err)
		}
	}

	chromePath := l.cfg.BinaryPath
	if chromePath == "" {
		var err error
		chromePath, err = paths.ChromeExecutable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate chrome: %w", err)
		}
	}

	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("failed to pick a chromedriver port: %w", err)
	}

	launchTimeout := l.cfg.LaunchTimeout
	if launchTimeout <= 0 {
		launchTimeout = 30 * time.Second
	}
	launchCtx, cancel := context.WithTimeout(ctx, launchTimeout)
	defer cancel()

	cmd := exec.Command(driverPath, fmt.Sprintf("--port=%d", port))
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start chromedriver: %w", err)
	}

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	l.logger.Debug("Started chromedriver",
		zap.String("path", driverPath), zap.Int("port", port))

	if err := l.waitReady(launchCtx, baseURL); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, fmt.Errorf("chromedriver did not become ready: %w", err)
	}

	sessionID, wsURL, err := l.createSession(launchCtx, baseURL, chromePath)
	if err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}

	l.logger.Info("Browser launched",
		zap.String("session_id", sessionID), zap.String("ws_url", wsURL))

	return &Browser{
		SessionID:    sessionID,
		WebSocketURL: wsURL,
		baseURL:      baseURL,
		cmd:          cmd,
		httpc:        l.httpc,
		logger:       l.logger,
	}, nil
}

// waitReady polls the chromedriver status endpoint until it reports ready.
func (l *Launcher) waitReady(ctx context.Context, baseURL string) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/status", nil)
		if err != nil {
			return err
		}
		resp, err := l.httpc.Do(req)
		if err != nil {
			continue
		}

		var status struct {
			Value struct {
				Ready bool `json:"ready"`
			} `json:"value"`
		}
		decodeErr := jsonAPI.NewDecoder(resp.Body).Decode(&status)
		resp.Body.Close()
		if decodeErr == nil && status.Value.Ready {
			return nil
		}
	}
}

// createSession performs the WebDriver new-session handshake with the BiDi
// socket enabled and returns the session id and the BiDi WebSocket URL.
func (l *Launcher) createSession(ctx context.Context, baseURL, chromePath string) (string, string, error) {
	args := []string{"--disable-gpu", "--no-first-run"}
	if l.cfg.Headless {
		args = append(args, "--headless=new")
	}
	args = append(args, l.cfg.Args...)

	body, err := jsonAPI.Marshal(map[string]any{
		"capabilities": map[string]any{
			"alwaysMatch": map[string]any{
				"webSocketUrl": true,
				"goog:chromeOptions": map[string]any{
					"binary": chromePath,
					"args":   args,
				},
			},
		},
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal session request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/session", bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.httpc.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("session request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("failed to read session response: %w", err)
	}

	var sess struct {
		Value struct {
			SessionID    string `json:"sessionId"`
			Capabilities struct {
				WebSocketURL string `json:"webSocketUrl"`
			} `json:"capabilities"`
			Error   string `json:"error"`
			Message string `json:"message"`
		} `json:"value"`
	}
	if err := jsonAPI.Unmarshal(raw, &sess); err != nil {
		return "", "", fmt.Errorf("failed to parse session response: %w", err)
	}
	if sess.Value.Error != "" {
		return "", "", fmt.Errorf("session creation rejected: %s: %s", sess.Value.Error, sess.Value.Message)
	}
	if sess.Value.SessionID == "" || sess.Value.Capabilities.WebSocketURL == "" {
		return "", "", fmt.Errorf("session response missing sessionId or webSocketUrl")
	}

	return sess.Value.SessionID, sess.Value.Capabilities.WebSocketURL, nil
}

// Stop deletes the WebDriver session, then terminates the chromedriver
// process. Both steps always run; their failures are reported together.
func (b *Browser) Stop(ctx context.Context) error {
	var errs []error

	if err := b.deleteSession(ctx); err != nil {
		b.logger.Warn("Failed to delete WebDriver session", zap.Error(err))
		errs = append(errs, fmt.Errorf("delete session: %w", err))
	}

	if b.cmd != nil && b.cmd.Process != nil {
		if err := b.terminate(); err != nil {
			b.logger.Warn("Failed to terminate chromedriver", zap.Error(err))
			errs = append(errs, fmt.Errorf("terminate chromedriver: %w", err))
		}
	}

	return errors.Join(errs...)
}

func (b *Browser) deleteSession(ctx context.Context) error {
	url := fmt.Sprintf("%s/session/%s", b.baseURL, b.SessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	resp, err := b.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// terminate interrupts chromedriver and kills it if it ignores the signal.
func (b *Browser) terminate() error {
	if err := b.cmd.Process.Signal(interruptSignal()); err != nil {
		_ = b.cmd.Process.Kill()
		return b.cmd.Wait()
	}

	done := make(chan error, 1)
	go func() { done <- b.cmd.Wait() }()

	select {
	case <-done:
		return nil
	case <-time.After(stopGrace):
		_ = b.cmd.Process.Kill()
		return <-done
	}
}

// freePort asks the kernel for an unused TCP port.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
