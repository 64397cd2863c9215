// File: internal/proxy/intercept.go
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jogjitu/vibium/internal/bidi"
	"github.com/jogjitu/vibium/internal/recording"
)

// clientCommand is the envelope of an incoming client frame, decoded far
// enough to route it.
type clientCommand struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// extensionParams is the union of the parameter shapes of the vibium:
// extension commands.
type extensionParams struct {
	Context    string `json:"context"`
	Selector   string `json:"selector"`
	Text       string `json:"text"`
	Timeout    int64  `json:"timeout"`
	FPS        int    `json:"fps"`
	Format     string `json:"format"`
	OutputPath string `json:"outputPath"`
}

// elementSnapshot is the vibium:find result shape.
type elementSnapshot struct {
	Tag  string `json:"tag"`
	Text string `json:"text"`
	Box  struct {
		X      float64 `json:"x"`
		Y      float64 `json:"y"`
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	} `json:"box"`
}

// handleExtension serves one vibium: command against the browser connection
// and answers the client with the original command id.
func (r *Router) handleExtension(sess *browserSession, cmd clientCommand) {
	var params extensionParams
	if len(cmd.Params) > 0 {
		if err := jsonAPI.Unmarshal(cmd.Params, &params); err != nil {
			sess.replyError(cmd.ID, bidi.CodeInvalidArgument, "undecodable params: "+err.Error())
			return
		}
	}

	sess.logger.Debug("Handling extension command",
		zap.String("method", cmd.Method), zap.Int64("id", cmd.ID))

	switch cmd.Method {
	case "vibium:find":
		r.handleFind(sess, cmd.ID, params)
	case "vibium:click":
		r.handleInteract(sess, cmd.ID, params, clickScript(params.Selector), "click")
	case "vibium:type":
		r.handleInteract(sess, cmd.ID, params, typeScript(params.Selector, params.Text), "type")
	case "vibium:startRecording":
		r.handleStartRecording(sess, cmd.ID, params)
	case "vibium:stopRecording":
		r.handleStopRecording(sess, cmd.ID, params)
	default:
		sess.replyError(cmd.ID, bidi.CodeUnknownCommand, "unknown command: "+cmd.Method)
	}
}

// handleFind polls the selector until it matches or the timeout elapses.
func (r *Router) handleFind(sess *browserSession, id int64, params extensionParams) {
	if params.Selector == "" {
		sess.replyError(id, bidi.CodeInvalidArgument, "selector is required")
		return
	}

	timeout := r.cfg.FindTimeout
	if params.Timeout > 0 {
		timeout = time.Duration(params.Timeout) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	probe := findScript(params.Selector)
	for {
		value, err := sess.evaluate(ctx, params.Context, probe)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			sess.replyError(id, bidi.CodeUnknownError, "selector probe failed: "+err.Error())
			return
		}
		if value != "" {
			var snap elementSnapshot
			if err := jsonAPI.Unmarshal([]byte(value), &snap); err != nil {
				sess.replyError(id, bidi.CodeUnknownError, "undecodable probe result: "+err.Error())
				return
			}
			sess.replySuccess(id, snap)
			return
		}

		select {
		case <-ctx.Done():
		case <-time.After(r.cfg.PollInterval):
			continue
		}
		break
	}

	sess.replyError(id, bidi.CodeNoSuchElement,
		fmt.Sprintf("no element matching %q within %s", params.Selector, timeout))
}

// handleInteract runs a single-shot element interaction script.
func (r *Router) handleInteract(sess *browserSession, id int64, params extensionParams, script, verb string) {
	if params.Selector == "" {
		sess.replyError(id, bidi.CodeInvalidArgument, "selector is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	value, err := sess.evaluate(ctx, params.Context, script)
	if err != nil {
		sess.replyError(id, bidi.CodeUnknownError, verb+" failed: "+err.Error())
		return
	}
	if value == "" {
		sess.replyError(id, bidi.CodeNoSuchElement,
			fmt.Sprintf("no element matching %q", params.Selector))
		return
	}
	sess.replySuccess(id, map[string]any{})
}

// recordingOptions resolves the recorder options for one start command:
// client-supplied values win, configured defaults fill the gaps.
func (r *Router) recordingOptions(params extensionParams) recording.Options {
	opts := recording.Options{
		FPS:        params.FPS,
		Format:     params.Format,
		OutputPath: params.OutputPath,
	}
	if opts.FPS <= 0 {
		opts.FPS = r.cfg.RecordingFPS
	}
	if opts.Format == "" {
		opts.Format = r.cfg.RecordingFormat
	}
	return opts
}

func (r *Router) handleStartRecording(sess *browserSession, id int64, params extensionParams) {
	if !recording.IsFFmpegAvailable() {
		sess.replyError(id, bidi.CodeUnknownError, "ffmpeg is not installed")
		return
	}

	contextID := params.Context
	screenshotFn := func(ctx context.Context) (string, error) {
		raw, err := sess.browser.Send(ctx, "browsingContext.captureScreenshot", map[string]any{
			"context": contextID,
		})
		if err != nil {
			return "", err
		}
		var res struct {
			Data string `json:"data"`
		}
		if err := jsonAPI.Unmarshal(raw, &res); err != nil {
			return "", err
		}
		return res.Data, nil
	}

	sess.recMu.Lock()
	defer sess.recMu.Unlock()

	if sess.recorder != nil {
		sess.replyError(id, bidi.CodeInvalidArgument, "recording already in progress")
		return
	}

	rec := recording.New(screenshotFn, r.recordingOptions(params), sess.logger)
	if err := rec.Start(); err != nil {
		sess.replyError(id, bidi.CodeUnknownError, "failed to start recording: "+err.Error())
		return
	}

	sess.recorder = rec
	sess.replySuccess(id, map[string]any{})
}

func (r *Router) handleStopRecording(sess *browserSession, id int64, _ extensionParams) {
	sess.recMu.Lock()
	rec := sess.recorder
	sess.recorder = nil
	sess.recMu.Unlock()

	if rec == nil {
		sess.replyError(id, bidi.CodeInvalidArgument, "no recording in progress")
		return
	}

	path, err := rec.Stop()
	if err != nil {
		sess.replyError(id, bidi.CodeUnknownError, "failed to stop recording: "+err.Error())
		return
	}
	sess.replySuccess(id, map[string]any{"outputPath": path})
}

// evaluate runs a script expression in the page and returns its string
// value. Scripts signal "no match" with an empty string.
func (s *browserSession) evaluate(ctx context.Context, contextID, expression string) (string, error) {
	raw, err := s.browser.Send(ctx, "script.evaluate", map[string]any{
		"expression":   expression,
		"target":       map[string]any{"context": contextID},
		"awaitPromise": false,
	})
	if err != nil {
		return "", err
	}

	var eval struct {
		Result struct {
			Type  string `json:"type"`
			Value string `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	if err := jsonAPI.Unmarshal(raw, &eval); err != nil {
		return "", fmt.Errorf("undecodable script result: %w", err)
	}
	if eval.ExceptionDetails != nil {
		return "", fmt.Errorf("script threw: %s", eval.ExceptionDetails.Text)
	}
	return eval.Result.Value, nil
}

func (s *browserSession) replySuccess(id int64, result any) {
	raw, err := bidi.SuccessResponse(id, result)
	if err != nil {
		s.logger.Error("Failed to encode success response", zap.Error(err))
		return
	}
	if err := s.client.Send(raw); err != nil {
		s.logger.Debug("Failed to send response to client", zap.Error(err))
	}
}

func (s *browserSession) replyError(id int64, code, msg string) {
	raw, err := bidi.ErrorResponse(id, code, msg)
	if err != nil {
		s.logger.Error("Failed to encode error response", zap.Error(err))
		return
	}
	if err := s.client.Send(raw); err != nil {
		s.logger.Debug("Failed to send error to client", zap.Error(err))
	}
}

// jsString renders a Go string as a JS string literal.
func jsString(s string) string {
	b, _ := jsonAPI.Marshal(s)
	return string(b)
}

func findScript(selector string) string {
	return fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  if (!el) return "";
  const r = el.getBoundingClientRect();
  return JSON.stringify({
    tag: el.tagName.toLowerCase(),
    text: el.innerText || "",
    box: {x: r.x, y: r.y, width: r.width, height: r.height},
  });
})()`, jsString(selector))
}

func clickScript(selector string) string {
	return fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  if (!el) return "";
  el.scrollIntoView({block: "center", inline: "center"});
  el.click();
  return "ok";
})()`, jsString(selector))
}

func typeScript(selector, text string) string {
	return fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  if (!el) return "";
  el.focus();
  el.value = %s;
  el.dispatchEvent(new Event("input", {bubbles: true}));
  el.dispatchEvent(new Event("change", {bubbles: true}));
  return "ok";
})()`, jsString(selector), jsString(text))
}
