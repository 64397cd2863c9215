// File: internal/vibe/errors.go
package vibe

import "errors"

var (
	// ErrNoContext is returned when the browser reports zero open browsing
	// contexts at resolution time.
	ErrNoContext = errors.New("no browsing context available")

	// ErrElementNotFound is returned when the remote side gives up waiting
	// for a selector to match. The original protocol error is wrapped as
	// the cause.
	ErrElementNotFound = errors.New("element not found")

	// ErrMalformedResponse is returned when a required result field is
	// missing or cannot be decoded.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrRecordingActive is the fast-fail answer to starting a recording
	// while the session already believes one is running. The remote side
	// remains authoritative; see Session.StartRecording.
	ErrRecordingActive = errors.New("recording already in progress")
)
