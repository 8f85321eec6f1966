// Package host defines the automation surface the controller speaks to a
// document host through, and a WebSocket bridge implementation of it.
//
// The surface is deliberately narrow: enumerate tabs and frames, receive
// navigation lifecycle events, inject a function into a chosen frame/world,
// and pass structured messages over per-frame ports. There is no debugging
// protocol behind it; remote object references never cross the boundary.
package host

import (
	"context"
	"encoding/json"
)

// World selects the isolation boundary a function is injected into.
type World string

const (
	// WorldIsolated runs in the content-script world. Message size limits
	// are strict; large payloads must go through a transfer port.
	WorldIsolated World = "isolated"
	// WorldPrivileged runs in the page's own world.
	WorldPrivileged World = "privileged"
)

// MainFrameID is the frame identity of a tab's root frame.
const MainFrameID int64 = 0

// NoParentFrame marks a frame with no parent (the root frame).
const NoParentFrame int64 = -1

// TabInfo describes one host tab.
type TabInfo struct {
	ID       int64  `json:"id"`
	WindowID int64  `json:"window_id"`
	URL      string `json:"url"`
	Title    string `json:"title,omitempty"`
	Active   bool   `json:"active"`
}

// FrameInfo describes one frame within a tab as reported by the host.
type FrameInfo struct {
	TabID         int64  `json:"tab_id"`
	FrameID       int64  `json:"frame_id"`
	ParentFrameID int64  `json:"parent_frame_id"`
	URL           string `json:"url"`
}

// Call addresses one remote invocation of an injected function.
type Call struct {
	TabID   int64
	FrameID int64
	World   World
	Fn      string
	Args    []any
}

// Navigation event kinds delivered by the host. The stream is unordered and
// may contain duplicates; consumers are responsible for deduplication.
const (
	NavBeforeNavigate   = "before-navigate"
	NavCommitted        = "committed"
	NavDOMContentLoaded = "dom-content-loaded"
	NavCompleted        = "completed"
	NavHistoryUpdated   = "history-updated"
	NavErrorOccurred    = "error-occurred"
)

// NavigationEvent is one lifecycle notification for a (tab, frame).
type NavigationEvent struct {
	Kind          string `json:"kind"`
	TabID         int64  `json:"tab_id"`
	FrameID       int64  `json:"frame_id"`
	ParentFrameID int64  `json:"parent_frame_id"`
	// DocumentID distinguishes successive documents loaded into the same
	// frame. May be empty, in which case committed events cannot be
	// deduplicated.
	DocumentID string `json:"document_id,omitempty"`
	URL        string `json:"url"`
	ErrorText  string `json:"error_text,omitempty"`
}

// Tab event kinds.
const (
	TabCreated   = "created"
	TabRemoved   = "removed"
	TabActivated = "activated"
	TabCrashed   = "crashed"
)

// TabEvent is one tab lifecycle notification.
type TabEvent struct {
	Kind string  `json:"kind"`
	Tab  TabInfo `json:"tab"`
}

// Port is a bidirectional message channel bound to one (tab, frame).
// Messages are small structured frames; binary data beyond the frame limit
// must be chunked by the caller.
type Port interface {
	// ID returns the host-assigned port identity.
	ID() string
	// Post sends one structured message to the remote end.
	Post(ctx context.Context, msg any) error
	// OnMessage registers a handler for inbound messages. The returned
	// function unregisters it.
	OnMessage(fn func(raw json.RawMessage)) func()
	// Closed is closed when the port is closed from either side.
	Closed() <-chan struct{}
	// Close tears the port down. Idempotent.
	Close() error
}

// Surface is the abstract host automation surface. The tracker, execution
// contexts, and transfer layer are written against this interface; the
// Bridge implements it over a WebSocket endpoint.
type Surface interface {
	// Tabs enumerates open tabs.
	Tabs(ctx context.Context) ([]TabInfo, error)
	// Frames enumerates all frames of a tab.
	Frames(ctx context.Context, tabID int64) ([]FrameInfo, error)
	// Frame fetches a single frame's current details.
	Frame(ctx context.Context, tabID, frameID int64) (FrameInfo, error)
	// Execute injects and runs a function in the addressed frame/world and
	// returns its JSON-encoded result. Failures are classified
	// *ProtocolError values.
	Execute(ctx context.Context, call Call) (json.RawMessage, error)
	// OpenPort opens a message port to the addressed frame.
	OpenPort(ctx context.Context, tabID, frameID int64) (Port, error)
	// OnNavigation registers a navigation lifecycle handler. The returned
	// function unregisters it; callers own the registration and must
	// release it on disposal.
	OnNavigation(fn func(NavigationEvent)) func()
	// OnTab registers a tab lifecycle handler, released the same way.
	OnTab(fn func(TabEvent)) func()
}
