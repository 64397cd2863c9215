// File: internal/recording/recorder.go

// Package recording captures viewport screenshots at a fixed rate and
// encodes them into a video with FFmpeg.
package recording

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrAlreadyRecording is returned by Start while a capture is running.
	ErrAlreadyRecording = errors.New("recording already in progress")
	// ErrNotRecording is returned by Stop when no capture is running.
	ErrNotRecording = errors.New("no recording in progress")
	// ErrNoFrames is returned by Stop when the capture produced nothing to
	// encode.
	ErrNoFrames = errors.New("no frames captured")
)

// ScreenshotFunc captures one screenshot and returns it base64-encoded.
type ScreenshotFunc func(ctx context.Context) (string, error)

// Options configures a Recorder.
type Options struct {
	// FPS is the capture rate. Default: 10.
	FPS int
	// Format is "mp4" or "webm". Default: "mp4".
	Format string
	// OutputPath is the video destination. Empty picks a temp file.
	OutputPath string
}

// encodeFunc turns a directory of numbered frames into a video and returns
// the output path. Injectable so tests run without FFmpeg.
type encodeFunc func(framesDir string, opts Options) (string, error)

// Recorder drives one capture-and-encode cycle. Start/Stop may be called
// from different goroutines.
type Recorder struct {
	opts         Options
	screenshotFn ScreenshotFunc
	logger       *zap.Logger
	encode       encodeFunc

	mu          sync.Mutex
	running     bool
	tempDir     string
	frameCount  int
	captureErrs int
	cancel      context.CancelFunc
	done        chan struct{}
}

// New creates a Recorder. Zero option fields take their defaults.
func New(fn ScreenshotFunc, opts Options, logger *zap.Logger) *Recorder {
	if opts.FPS <= 0 {
		opts.FPS = 10
	}
	if opts.Format == "" {
		opts.Format = "mp4"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		opts:         opts,
		screenshotFn: fn,
		logger:       logger.Named("recorder"),
		encode:       ffmpegEncode,
	}
}

// Start begins capturing frames in the background.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return ErrAlreadyRecording
	}

	tempDir, err := os.MkdirTemp("", "vibium-recording-*")
	if err != nil {
		return fmt.Errorf("failed to create frame directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.tempDir = tempDir
	r.frameCount = 0
	r.captureErrs = 0
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	go r.captureLoop(ctx)

	r.logger.Debug("Recording started",
		zap.Int("fps", r.opts.FPS), zap.String("format", r.opts.Format))
	return nil
}

// Stop ends the capture, encodes the frames and returns the video path. The
// frame directory is removed regardless of the encode outcome.
func (r *Recorder) Stop() (string, error) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return "", ErrNotRecording
	}
	r.running = false
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	cancel()
	<-done

	r.mu.Lock()
	frameCount := r.frameCount
	captureErrs := r.captureErrs
	tempDir := r.tempDir
	r.mu.Unlock()

	defer os.RemoveAll(tempDir)

	if captureErrs > 0 {
		r.logger.Warn("Capture errors occurred during recording",
			zap.Int("errors", captureErrs))
	}
	if frameCount == 0 {
		return "", ErrNoFrames
	}

	r.logger.Info("Encoding recording",
		zap.Int("frames", frameCount), zap.String("format", r.opts.Format))

	outputPath, err := r.encode(tempDir, r.opts)
	if err != nil {
		return "", fmt.Errorf("failed to encode video: %w", err)
	}
	return outputPath, nil
}

// captureLoop grabs frames at the configured rate until cancelled.
func (r *Recorder) captureLoop(ctx context.Context) {
	defer close(r.done)

	limiter := rate.NewLimiter(rate.Limit(r.opts.FPS), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		r.captureFrame(ctx)
	}
}

func (r *Recorder) captureFrame(ctx context.Context) {
	data, err := r.screenshotFn(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Debug("Screenshot capture failed", zap.Error(err))
			r.noteCaptureError()
		}
		return
	}

	png, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		r.logger.Debug("Screenshot payload is not valid base64", zap.Error(err))
		r.noteCaptureError()
		return
	}

	r.mu.Lock()
	frameNum := r.frameCount
	tempDir := r.tempDir
	r.frameCount++
	r.mu.Unlock()

	framePath := filepath.Join(tempDir, fmt.Sprintf("frame_%06d.png", frameNum))
	if err := os.WriteFile(framePath, png, 0o644); err != nil {
		r.logger.Debug("Failed to write frame", zap.String("path", framePath), zap.Error(err))
		r.noteCaptureError()
	}
}

func (r *Recorder) noteCaptureError() {
	r.mu.Lock()
	r.captureErrs++
	r.mu.Unlock()
}

// ffmpegEncode shells out to FFmpeg to encode the numbered frames. mp4 uses
// libx264, webm uses libvpx-vp9; both scale to even dimensions as the codecs
// require.
func ffmpegEncode(framesDir string, opts Options) (string, error) {
	outputPath := opts.OutputPath
	if outputPath == "" {
		f, err := os.CreateTemp("", fmt.Sprintf("vibium-recording-*.%s", opts.Format))
		if err != nil {
			return "", fmt.Errorf("failed to create output file: %w", err)
		}
		outputPath = f.Name()
		f.Close()
	}

	inputPattern := filepath.Join(framesDir, "frame_%06d.png")
	args := []string{
		"-y",
		"-framerate", fmt.Sprintf("%d", opts.FPS),
		"-f", "image2",
		"-i", inputPattern,
		"-vf", "scale='trunc(iw/2)*2:trunc(ih/2)*2'",
	}
	switch opts.Format {
	case "webm":
		args = append(args, "-c:v", "libvpx-vp9", "-pix_fmt", "yuv420p", "-b:v", "2M")
	default:
		args = append(args, "-c:v", "libx264", "-pix_fmt", "yuv420p", "-preset", "fast", "-crf", "23")
	}
	args = append(args, outputPath)

	cmd := exec.Command("ffmpeg", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("ffmpeg failed: %w\noutput: %s", err, output)
	}
	return outputPath, nil
}

// IsFFmpegAvailable reports whether FFmpeg can be invoked.
func IsFFmpegAvailable() bool {
	return exec.Command("ffmpeg", "-version").Run() == nil
}
