// Package exec runs remote operations against one (tab, frame, world)
// triple, racing every call against the context's single-fire destroyed
// signal so nothing blocks on a document that no longer exists.
package exec

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dgnsrekt/hostbridge/internal/handle"
	"github.com/dgnsrekt/hostbridge/internal/host"
	"github.com/dgnsrekt/hostbridge/internal/nav"
)

// frameTracker is the slice of the navigation tracker the context needs:
// frame presence checks and destroyer registration.
type frameTracker interface {
	Frame(tabID, frameID int64) (nav.Frame, bool)
	RegisterDestroyer(tabID, frameID int64, destroy func(reason string)) func()
}

// DestroyedError reports that the context's document was replaced or its
// frame detached while (or before) an operation ran.
type DestroyedError struct {
	Reason string
}

func (e *DestroyedError) Error() string {
	return fmt.Sprintf("execution context destroyed: %s", e.Reason)
}

// FrameDetachedError reports that the owning frame is already gone.
type FrameDetachedError struct {
	TabID   int64
	FrameID int64
}

func (e *FrameDetachedError) Error() string {
	return fmt.Sprintf("frame %d detached in tab %d", e.FrameID, e.TabID)
}

// Context runs injected functions in one frame and world. The destroyed
// scope is fired exactly once, by the navigation tracker, on document
// replacement or frame detach; the context never fires it itself.
type Context struct {
	surface host.Surface
	tracker frameTracker

	TabID   int64
	FrameID int64
	World   host.World

	destroyOnce sync.Once
	destroyed   chan struct{}
	reasonMu    sync.Mutex
	reason      string

	unregister func()
}

// NewContext creates a context and registers its destroy hook with the
// tracker. Release must be called when the owner is done with it.
func NewContext(surface host.Surface, tracker frameTracker, tabID, frameID int64, world host.World) *Context {
	c := &Context{
		surface:   surface,
		tracker:   tracker,
		TabID:     tabID,
		FrameID:   frameID,
		World:     world,
		destroyed: make(chan struct{}),
	}
	c.unregister = tracker.RegisterDestroyer(tabID, frameID, c.destroy)
	return c
}

// destroy fires the cancellation scope. Idempotent; only the first reason
// is kept.
func (c *Context) destroy(reason string) {
	c.destroyOnce.Do(func() {
		c.reasonMu.Lock()
		c.reason = reason
		c.reasonMu.Unlock()
		close(c.destroyed)
	})
}

// Destroyed is closed once the context is invalidated.
func (c *Context) Destroyed() <-chan struct{} { return c.destroyed }

// Release drops the tracker registration without firing the scope.
func (c *Context) Release() {
	if c.unregister != nil {
		c.unregister()
	}
}

func (c *Context) destroyedErr() *DestroyedError {
	c.reasonMu.Lock()
	defer c.reasonMu.Unlock()
	reason := c.reason
	if reason == "" {
		reason = ReasonUnknown
	}
	return &DestroyedError{Reason: reason}
}

// ReasonUnknown is reported when the scope fired without a recorded reason.
const ReasonUnknown = "context closed"

type execResult struct {
	raw json.RawMessage
	err error
}

// Run injects fn into the context's frame and world and returns its
// JSON-encoded result. Fails immediately with *FrameDetachedError when the
// frame is already gone, with *DestroyedError when the scope has fired or
// fires mid-call, and with a classified *host.ProtocolError when the host
// call itself failed. Never retried.
func (c *Context) Run(ctx context.Context, fn string, args ...any) (json.RawMessage, error) {
	select {
	case <-c.destroyed:
		return nil, c.destroyedErr()
	default:
	}

	if _, ok := c.tracker.Frame(c.TabID, c.FrameID); !ok {
		return nil, &FrameDetachedError{TabID: c.TabID, FrameID: c.FrameID}
	}

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resCh := make(chan execResult, 1)
	go func() {
		raw, err := c.surface.Execute(callCtx, host.Call{
			TabID:   c.TabID,
			FrameID: c.FrameID,
			World:   c.World,
			Fn:      fn,
			Args:    args,
		})
		resCh <- execResult{raw: raw, err: err}
	}()

	select {
	case res := <-resCh:
		return res.raw, res.err
	case <-c.destroyed:
		// Abandon the in-flight host call; its eventual result is for a
		// document that no longer exists.
		cancel()
		return nil, c.destroyedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RunForHandle is Run for operations whose result is a handle identifier.
// A JSON null result means "no match" and returns an empty handle with a
// nil error.
func (c *Context) RunForHandle(ctx context.Context, fn string, args ...any) (handle.Handle, error) {
	raw, err := c.Run(ctx, fn, args...)
	if err != nil {
		return "", err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", fmt.Errorf("exec: %s returned non-handle result: %w", fn, err)
	}
	return handle.Handle(id), nil
}
