package exec

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dgnsrekt/hostbridge/internal/handle"
)

// Injected-script entry points addressed by handle. The remote side resolves
// the handle to its node before acting.
const (
	fnClick          = "node.click"
	fnSetChecked     = "node.setChecked"
	fnBoundingBox    = "node.boundingBox"
	fnDispatchEvent  = "node.dispatchEvent"
	fnHighlight      = "node.highlight"
	fnClearHighlight = "node.clearHighlight"
	fnSetFiles       = "node.setFiles"
	fnAXSnapshot     = "ax.snapshot"
	fnQuerySelector  = "dom.querySelector"
)

// Box is a node's bounding box in CSS pixels, page coordinates.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Click dispatches a click on the node behind h.
func (c *Context) Click(ctx context.Context, h handle.Handle) error {
	_, err := c.Run(ctx, fnClick, string(h))
	return err
}

// SetChecked forces the checked state of a checkbox or radio node. It is a
// no-op remotely when the node is already in the requested state.
func (c *Context) SetChecked(ctx context.Context, h handle.Handle, checked bool) error {
	_, err := c.Run(ctx, fnSetChecked, string(h), checked)
	return err
}

// BoundingBox returns the node's box, or (nil, nil) when the node has no
// layout (display:none, detached subtree).
func (c *Context) BoundingBox(ctx context.Context, h handle.Handle) (*Box, error) {
	raw, err := c.Run(ctx, fnBoundingBox, string(h))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var box Box
	if err := json.Unmarshal(raw, &box); err != nil {
		return nil, fmt.Errorf("exec: bounding box: %w", err)
	}
	return &box, nil
}

// DispatchEvent fires a DOM event of the given type on the node, with
// optional constructor init properties.
func (c *Context) DispatchEvent(ctx context.Context, h handle.Handle, eventType string, init map[string]any) error {
	_, err := c.Run(ctx, fnDispatchEvent, string(h), eventType, init)
	return err
}

// Highlight draws the visual overlay on the node. ClearHighlight removes
// every overlay in the frame.
func (c *Context) Highlight(ctx context.Context, h handle.Handle) error {
	_, err := c.Run(ctx, fnHighlight, string(h))
	return err
}

func (c *Context) ClearHighlight(ctx context.Context) error {
	_, err := c.Run(ctx, fnClearHighlight)
	return err
}

// QuerySelector resolves a CSS selector inside the frame and returns a
// handle to the first match. An empty handle with a nil error means no
// element matched.
func (c *Context) QuerySelector(ctx context.Context, selector string) (handle.Handle, error) {
	return c.RunForHandle(ctx, fnQuerySelector, selector)
}

// AXSnapshot returns the frame's accessibility tree rooted at h, or at the
// document when h is empty. The shape is host-defined; callers get it raw.
func (c *Context) AXSnapshot(ctx context.Context, h handle.Handle) (json.RawMessage, error) {
	if h == "" {
		return c.Run(ctx, fnAXSnapshot)
	}
	return c.Run(ctx, fnAXSnapshot, string(h))
}
