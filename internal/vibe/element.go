// File: internal/vibe/element.go
package vibe

import (
	"context"
	"fmt"
)

// BoundingBox is the viewport-coordinate box of an element at lookup time.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ElementInfo is an immutable snapshot of an element captured at lookup
// time. It does not track later DOM mutation.
type ElementInfo struct {
	Tag  string      `json:"tag"`
	Text string      `json:"text"`
	Box  BoundingBox `json:"box"`
}

// Element is a handle to a previously located DOM node. The durable part of
// the handle is the (context, selector) pair: every operation re-derives the
// node by selector, so a handle stays usable after its snapshot goes stale,
// and may silently re-resolve to a different node if the page mutates.
type Element struct {
	session   *Session
	contextID string
	selector  string
	info      ElementInfo
}

// Selector returns the CSS selector this handle re-targets on each use.
func (e *Element) Selector() string { return e.selector }

// Info returns the snapshot captured when the element was located.
func (e *Element) Info() ElementInfo { return e.info }

// Tag returns the snapshot tag name.
func (e *Element) Tag() string { return e.info.Tag }

// Text returns the snapshot text content.
func (e *Element) Text() string { return e.info.Text }

// Box returns the snapshot bounding box.
func (e *Element) Box() BoundingBox { return e.info.Box }

// Click clicks the element, re-resolving it by selector.
func (e *Element) Click(ctx context.Context) error {
	_, err := e.session.client.Send(ctx, methodClick, map[string]any{
		"context":  e.contextID,
		"selector": e.selector,
	})
	if err != nil {
		return fmt.Errorf("click on %q failed: %w", e.selector, err)
	}
	return nil
}

// Type sends text input to the element, re-resolving it by selector.
func (e *Element) Type(ctx context.Context, text string) error {
	_, err := e.session.client.Send(ctx, methodType, map[string]any{
		"context":  e.contextID,
		"selector": e.selector,
		"text":     text,
	})
	if err != nil {
		return fmt.Errorf("type into %q failed: %w", e.selector, err)
	}
	return nil
}
