// File: internal/vibe/session.go

// Package vibe is the session facade over the BiDi transport: it resolves and
// caches the active browsing context, exposes navigation, screenshot, element
// lookup and recording operations, and maps raw protocol results into typed
// outcomes.
package vibe

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/jogjitu/vibium/internal/bidi"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// BiDi methods issued by the session. The vibium: prefix marks extension
// commands served by the clicker proxy rather than the browser itself.
const (
	methodGetTree        = "browsingContext.getTree"
	methodNavigate       = "browsingContext.navigate"
	methodScreenshot     = "browsingContext.captureScreenshot"
	methodFind           = "vibium:find"
	methodClick          = "vibium:click"
	methodType           = "vibium:type"
	methodStartRecording = "vibium:startRecording"
	methodStopRecording  = "vibium:stopRecording"
)

// Commander is the duplex transport consumed by the session: it sends a named
// command with a params mapping and suspends until the correlated result
// arrives. Remote rejections surface as *bidi.ProtocolError.
type Commander interface {
	Send(ctx context.Context, method string, params any) (json.RawMessage, error)
	Close() error
}

// Process is the spawned browser helper the session may own. Stop is
// asynchronous and best-effort.
type Process interface {
	Stop(ctx context.Context) error
}

// Session drives one browser instance over a Commander. All operations
// lazily resolve the active browsing context on first use and reuse it for
// the lifetime of the session.
type Session struct {
	client Commander
	proc   Process
	logger *zap.Logger

	// sf collapses concurrent first resolutions into one getTree call.
	sf singleflight.Group

	mu        sync.Mutex
	contextID string
	recording bool
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithProcess attaches the browser helper process so Quit can stop it.
func WithProcess(p Process) SessionOption {
	return func(s *Session) { s.proc = p }
}

// WithLogger sets the session logger.
func WithLogger(l *zap.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

// NewSession creates a session over an established transport.
func NewSession(client Commander, opts ...SessionOption) *Session {
	s := &Session{
		client: client,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("session")
	return s
}

type contextInfo struct {
	Context string `json:"context"`
	URL     string `json:"url"`
}

type getTreeResult struct {
	Contexts []contextInfo `json:"contexts"`
}

// resolveContext returns the cached browsing context id, resolving it on
// first use. The first entry of the reported tree wins; the id is cached for
// the session lifetime so every operation targets the same tab even if new
// tabs open later. Concurrent first calls collapse into a single getTree.
func (s *Session) resolveContext(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.contextID != "" {
		id := s.contextID
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	v, err, _ := s.sf.Do("context", func() (any, error) {
		s.mu.Lock()
		if s.contextID != "" {
			id := s.contextID
			s.mu.Unlock()
			return id, nil
		}
		s.mu.Unlock()

		raw, err := s.client.Send(ctx, methodGetTree, nil)
		if err != nil {
			return "", err
		}

		var tree getTreeResult
		if err := jsonAPI.Unmarshal(raw, &tree); err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrMalformedResponse, methodGetTree, err)
		}
		if len(tree.Contexts) == 0 {
			return "", ErrNoContext
		}

		id := tree.Contexts[0].Context
		s.mu.Lock()
		s.contextID = id
		s.mu.Unlock()

		s.logger.Debug("Resolved browsing context", zap.String("context", id))
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Navigate loads the URL in the active context and blocks until the page
// load completes. Transport errors propagate verbatim; there are no retries.
func (s *Session) Navigate(ctx context.Context, url string) error {
	contextID, err := s.resolveContext(ctx)
	if err != nil {
		return err
	}

	s.logger.Debug("Navigating", zap.String("url", url))

	_, err = s.client.Send(ctx, methodNavigate, map[string]any{
		"context": contextID,
		"url":     url,
		"wait":    "complete",
	})
	if err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	return nil
}

type screenshotResult struct {
	Data string `json:"data"`
}

// Screenshot captures the viewport and returns the raw PNG bytes.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	contextID, err := s.resolveContext(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := s.client.Send(ctx, methodScreenshot, map[string]any{
		"context": contextID,
	})
	if err != nil {
		return nil, fmt.Errorf("screenshot failed: %w", err)
	}

	var res screenshotResult
	if err := jsonAPI.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedResponse, methodScreenshot, err)
	}
	if res.Data == "" {
		return nil, fmt.Errorf("%w: %s: missing data field", ErrMalformedResponse, methodScreenshot)
	}

	data, err := base64.StdEncoding.DecodeString(res.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: screenshot payload is not valid base64: %w", ErrMalformedResponse, err)
	}
	return data, nil
}

// FindOption tunes an element lookup.
type FindOption func(*findParams)

type findParams struct {
	timeout    time.Duration
	hasTimeout bool
}

// WithTimeout bounds how long the remote side waits for the selector to
// match. When omitted, the remote default (30s) applies; the session never
// invents its own.
func WithTimeout(d time.Duration) FindOption {
	return func(p *findParams) {
		p.timeout = d
		p.hasTimeout = true
	}
}

type elementResult struct {
	Tag  string      `json:"tag"`
	Text string      `json:"text"`
	Box  BoundingBox `json:"box"`
}

// Find waits for the selector to match at least one node and returns a
// handle to it. The handle re-derives the node by (context, selector) on
// each later use; the embedded snapshot is informational and may go stale.
func (s *Session) Find(ctx context.Context, selector string, opts ...FindOption) (*Element, error) {
	contextID, err := s.resolveContext(ctx)
	if err != nil {
		return nil, err
	}

	var fp findParams
	for _, opt := range opts {
		opt(&fp)
	}

	params := map[string]any{
		"context":  contextID,
		"selector": selector,
	}
	if fp.hasTimeout {
		params["timeout"] = fp.timeout.Milliseconds()
	}

	raw, err := s.client.Send(ctx, methodFind, params)
	if err != nil {
		var pe *bidi.ProtocolError
		if errors.As(err, &pe) && (pe.Code == bidi.CodeNoSuchElement || pe.Code == bidi.CodeTimeout) {
			return nil, fmt.Errorf("%w: selector %q: %w", ErrElementNotFound, selector, err)
		}
		return nil, fmt.Errorf("find %q failed: %w", selector, err)
	}

	var res elementResult
	if err := jsonAPI.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedResponse, methodFind, err)
	}
	if res.Tag == "" {
		return nil, fmt.Errorf("%w: %s: missing tag field", ErrMalformedResponse, methodFind)
	}

	return &Element{
		session:   s,
		contextID: contextID,
		selector:  selector,
		info: ElementInfo{
			Tag:  res.Tag,
			Text: res.Text,
			Box:  res.Box,
		},
	}, nil
}

// RecordingOptions configures a session video recording.
type RecordingOptions struct {
	// FPS is the capture rate. Defaults to 10.
	FPS int
	// Format is the container format, "mp4" or "webm". Defaults to "mp4".
	Format string
	// OutputPath is where the remote side writes the video. Empty means the
	// remote picks a temp path.
	OutputPath string
}

// StartRecording begins capturing the session as video. The session mirrors
// the recording state for fast failure on a double start, but the remote
// side stays authoritative: a stale mirror is corrected by whatever error
// the remote returns.
func (s *Session) StartRecording(ctx context.Context, opts RecordingOptions) error {
	if opts.FPS < 0 {
		return fmt.Errorf("recording fps must be positive, got %d", opts.FPS)
	}
	if opts.FPS == 0 {
		opts.FPS = 10
	}
	switch opts.Format {
	case "":
		opts.Format = "mp4"
	case "mp4", "webm":
	default:
		return fmt.Errorf("recording format must be mp4 or webm, got %q", opts.Format)
	}

	s.mu.Lock()
	if s.recording {
		s.mu.Unlock()
		return ErrRecordingActive
	}
	s.mu.Unlock()

	contextID, err := s.resolveContext(ctx)
	if err != nil {
		return err
	}

	params := map[string]any{
		"context": contextID,
		"fps":     opts.FPS,
		"format":  opts.Format,
	}
	if opts.OutputPath != "" {
		params["outputPath"] = opts.OutputPath
	}

	if _, err := s.client.Send(ctx, methodStartRecording, params); err != nil {
		return fmt.Errorf("failed to start recording: %w", err)
	}

	s.mu.Lock()
	s.recording = true
	s.mu.Unlock()

	s.logger.Debug("Recording started",
		zap.Int("fps", opts.FPS), zap.String("format", opts.Format))
	return nil
}

type stopRecordingResult struct {
	OutputPath string `json:"outputPath"`
}

// StopRecording stops the active recording and returns the path of the
// written video. The stop is always forwarded, even when the local mirror
// believes no recording is running, so a stale mirror can never strand a
// remote recording.
func (s *Session) StopRecording(ctx context.Context) (string, error) {
	contextID, err := s.resolveContext(ctx)
	if err != nil {
		return "", err
	}

	raw, err := s.client.Send(ctx, methodStopRecording, map[string]any{
		"context": contextID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to stop recording: %w", err)
	}

	var res stopRecordingResult
	if err := jsonAPI.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrMalformedResponse, methodStopRecording, err)
	}
	if res.OutputPath == "" {
		return "", fmt.Errorf("%w: %s: missing outputPath field", ErrMalformedResponse, methodStopRecording)
	}

	s.mu.Lock()
	s.recording = false
	s.mu.Unlock()

	s.logger.Debug("Recording stopped", zap.String("output", res.OutputPath))
	return res.OutputPath, nil
}

// Quit closes the transport and stops the helper process if one was
// attached. Both steps always run; failures are collected and returned
// together rather than short-circuiting the teardown.
func (s *Session) Quit(ctx context.Context) error {
	var errs []error

	if err := s.client.Close(); err != nil {
		s.logger.Warn("Transport close failed during teardown", zap.Error(err))
		errs = append(errs, fmt.Errorf("transport close: %w", err))
	}

	if s.proc != nil {
		if err := s.proc.Stop(ctx); err != nil {
			s.logger.Warn("Process stop failed during teardown", zap.Error(err))
			errs = append(errs, fmt.Errorf("process stop: %w", err))
		}
	}

	return errors.Join(errs...)
}
