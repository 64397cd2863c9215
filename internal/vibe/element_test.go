// File: internal/vibe/element_test.go
package vibe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jogjitu/vibium/internal/bidi"
)

func findTestElement(t *testing.T, client *fakeCommander) *Element {
	t.Helper()
	client.onTree("ctx-1")
	client.on("vibium:find", func(map[string]any) (any, error) {
		return map[string]any{
			"tag":  "input",
			"text": "",
			"box":  map[string]any{"x": 10, "y": 20, "width": 200, "height": 30},
		}, nil
	})

	el, err := newTestSession(t, client).Find(context.Background(), "#email")
	require.NoError(t, err)
	return el
}

func TestElementClickRetargetsBySelector(t *testing.T) {
	client := newFakeCommander()
	el := findTestElement(t, client)
	client.on("vibium:click", func(params map[string]any) (any, error) {
		assert.Equal(t, "ctx-1", params["context"])
		assert.Equal(t, "#email", params["selector"])
		return map[string]any{}, nil
	})

	require.NoError(t, el.Click(context.Background()))
	assert.Len(t, client.callsFor("vibium:click"), 1)
}

func TestElementTypeSendsText(t *testing.T) {
	client := newFakeCommander()
	el := findTestElement(t, client)
	client.on("vibium:type", func(params map[string]any) (any, error) {
		assert.Equal(t, "ctx-1", params["context"])
		assert.Equal(t, "#email", params["selector"])
		assert.Equal(t, "user@example.com", params["text"])
		return map[string]any{}, nil
	})

	require.NoError(t, el.Type(context.Background(), "user@example.com"))
}

func TestElementClickSurfacesRemoteError(t *testing.T) {
	client := newFakeCommander()
	el := findTestElement(t, client)
	remote := &bidi.ProtocolError{Code: bidi.CodeNoSuchElement, Message: "gone"}
	client.on("vibium:click", func(map[string]any) (any, error) {
		return nil, remote
	})

	err := el.Click(context.Background())
	var pe *bidi.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, remote, pe)
}

func TestElementSnapshotAccessors(t *testing.T) {
	client := newFakeCommander()
	el := findTestElement(t, client)

	assert.Equal(t, "input", el.Tag())
	assert.Equal(t, "", el.Text())
	assert.Equal(t, BoundingBox{X: 10, Y: 20, Width: 200, Height: 30}, el.Box())
}
