// Package nav reconstructs a consistent per-tab frame tree from the host's
// unordered, possibly duplicated navigation event stream, and drives
// execution-context invalidation when a frame's document is replaced.
package nav

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgnsrekt/hostbridge/internal/host"
)

// Status is a frame's lifecycle state.
type Status string

const (
	StatusAttached         Status = "attached"
	StatusNavigating       Status = "navigating"
	StatusCommitted        Status = "committed"
	StatusDOMContentLoaded Status = "dom-content-loaded"
	StatusLoaded           Status = "loaded"
	StatusDetached         Status = "detached"
)

// Signal kinds emitted by the tracker.
const (
	SignalCommitted           = "committed"
	SignalDOMContentLoaded    = "dom-content-loaded"
	SignalLoaded              = "loaded"
	SignalSameDocument        = "same-document"
	SignalNavigationRequested = "navigation-requested"
	SignalNavigationAborted   = "navigation-aborted"
	SignalTabRemoved          = "tab-removed"
	SignalTabCrashed          = "tab-crashed"
)

// Context destruction reasons passed to registered destroyers.
const (
	ReasonNewDocument   = "new document committed"
	ReasonFrameDetached = "frame detached"
	ReasonTabRemoved    = "tab removed"
)

// Signal is a higher-level navigation notification derived from raw host
// events after deduplication and tree reconciliation.
type Signal struct {
	Kind      string `json:"kind"`
	TabID     int64  `json:"tab_id"`
	FrameID   int64  `json:"frame_id"`
	URL       string `json:"url,omitempty"`
	ErrorText string `json:"error_text,omitempty"`
}

// Frame is the tracker's view of one frame.
type Frame struct {
	TabID    int64  `json:"tab_id"`
	ID       int64  `json:"frame_id"`
	ParentID int64  `json:"parent_frame_id"`
	URL      string `json:"url"`
	Status   Status `json:"status"`
}

type tabState struct {
	frames map[int64]*Frame
	// seenDocs holds consumed frameID:documentID dedup keys. Purged when
	// the tab closes.
	seenDocs map[string]struct{}
	// destroyers are the context-destroy callbacks registered per frame.
	destroyers map[int64]map[int64]func(reason string)
}

func newTabState() *tabState {
	return &tabState{
		frames:     make(map[int64]*Frame),
		seenDocs:   make(map[string]struct{}),
		destroyers: make(map[int64]map[int64]func(string)),
	}
}

// Tracker owns the per-tab frame trees and commit dedup sets, subscribing to
// the host surface for lifecycle events. All tree mutation happens on the
// host's event dispatch goroutine; reads take the same lock.
type Tracker struct {
	surface host.Surface

	mu     sync.Mutex
	tabs   map[int64]*tabState
	nextID int64
	subs   map[int64]func(Signal)

	unsubs []func()
}

// NewTracker creates a tracker over the given surface. Start must be called
// to begin consuming events.
func NewTracker(surface host.Surface) *Tracker {
	return &Tracker{
		surface: surface,
		tabs:    make(map[int64]*tabState),
		subs:    make(map[int64]func(Signal)),
	}
}

// Start registers host event handlers and seeds state from a full tab and
// frame enumeration.
func (t *Tracker) Start(ctx context.Context) error {
	tabs, err := t.surface.Tabs(ctx)
	if err != nil {
		return fmt.Errorf("tracker: enumerate tabs: %w", err)
	}
	for _, tab := range tabs {
		frames, err := t.surface.Frames(ctx, tab.ID)
		if err != nil {
			// The tab may have closed between enumeration and the
			// frame query; the event stream will self-correct.
			slog.Warn("tracker: frame enumeration failed", "tab_id", tab.ID, "error", err)
			continue
		}
		t.mu.Lock()
		t.attachAllLocked(tab.ID, frames)
		t.mu.Unlock()
	}

	t.unsubs = append(t.unsubs,
		t.surface.OnNavigation(t.handleNavigation),
		t.surface.OnTab(t.handleTab),
	)
	slog.Info("tracker started", "tabs", len(tabs))
	return nil
}

// Stop releases all host event registrations.
func (t *Tracker) Stop() {
	for _, fn := range t.unsubs {
		fn()
	}
	t.unsubs = nil
	slog.Info("tracker stopped")
}

// Subscribe registers a signal handler and returns its unregister function.
func (t *Tracker) Subscribe(fn func(Signal)) func() {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.subs[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

func (t *Tracker) publish(sig Signal) {
	t.mu.Lock()
	fns := make([]func(Signal), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(sig)
	}
}

// RegisterDestroyer registers a context-destroy callback for a frame. The
// tracker fires it exactly once, on document replacement, frame detach, or
// tab removal, then drops the registration. The returned function
// unregisters without firing.
func (t *Tracker) RegisterDestroyer(tabID, frameID int64, destroy func(reason string)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.tabs[tabID]
	if !ok {
		ts = newTabState()
		t.tabs[tabID] = ts
	}
	if ts.destroyers[frameID] == nil {
		ts.destroyers[frameID] = make(map[int64]func(string))
	}
	t.nextID++
	id := t.nextID
	ts.destroyers[frameID][id] = destroy
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if ts, ok := t.tabs[tabID]; ok {
			delete(ts.destroyers[frameID], id)
		}
	}
}

// takeDestroyersLocked collects and drops every destroyer registered for the
// frame. Caller holds t.mu; callbacks must run outside the lock.
func (t *Tracker) takeDestroyersLocked(ts *tabState, frameID int64) []func(string) {
	fns := make([]func(string), 0, len(ts.destroyers[frameID]))
	for _, fn := range ts.destroyers[frameID] {
		fns = append(fns, fn)
	}
	delete(ts.destroyers, frameID)
	return fns
}

// AttachFrame inserts or updates a single frame. A frame whose declared
// parent is not yet attached is rejected; bulk snapshots must be sorted
// parent-before-child first (see attachAllLocked).
func (t *Tracker) AttachFrame(tabID, frameID, parentFrameID int64, url string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attachFrameLocked(tabID, frameID, parentFrameID, url)
}

func (t *Tracker) attachFrameLocked(tabID, frameID, parentFrameID int64, url string) error {
	ts, ok := t.tabs[tabID]
	if !ok {
		ts = newTabState()
		t.tabs[tabID] = ts
	}

	if parentFrameID != host.NoParentFrame {
		if _, ok := ts.frames[parentFrameID]; !ok {
			return fmt.Errorf("tracker: frame %d declares unattached parent %d in tab %d", frameID, parentFrameID, tabID)
		}
	}

	if f, ok := ts.frames[frameID]; ok {
		f.ParentID = parentFrameID
		f.URL = url
		f.Status = StatusAttached
		return nil
	}
	ts.frames[frameID] = &Frame{
		TabID:    tabID,
		ID:       frameID,
		ParentID: parentFrameID,
		URL:      url,
		Status:   StatusAttached,
	}
	return nil
}

// attachAllLocked attaches a bulk frame snapshot in parent-before-child
// order regardless of the order the host reported them in.
func (t *Tracker) attachAllLocked(tabID int64, frames []host.FrameInfo) {
	for _, fi := range sortParentFirst(frames) {
		if err := t.attachFrameLocked(tabID, fi.FrameID, fi.ParentFrameID, fi.URL); err != nil {
			slog.Warn("tracker: dropping orphan frame", "tab_id", tabID, "frame_id", fi.FrameID, "error", err)
		}
	}
}

// sortParentFirst orders frames so every frame follows its parent: roots
// first, then a breadth-first walk over the parent pointers. Frames whose
// parent never appears are excluded.
func sortParentFirst(frames []host.FrameInfo) []host.FrameInfo {
	children := make(map[int64][]host.FrameInfo, len(frames))
	out := make([]host.FrameInfo, 0, len(frames))
	queue := make([]host.FrameInfo, 0, 1)

	for _, f := range frames {
		if f.ParentFrameID == host.NoParentFrame {
			queue = append(queue, f)
		} else {
			children[f.ParentFrameID] = append(children[f.ParentFrameID], f)
		}
	}
	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		out = append(out, f)
		queue = append(queue, children[f.FrameID]...)
	}
	return out
}

func (t *Tracker) handleNavigation(evt host.NavigationEvent) {
	switch evt.Kind {
	case host.NavBeforeNavigate:
		t.mu.Lock()
		if ts, ok := t.tabs[evt.TabID]; ok {
			if f, ok := ts.frames[evt.FrameID]; ok {
				f.Status = StatusNavigating
			}
		}
		t.mu.Unlock()
		t.publish(Signal{Kind: SignalNavigationRequested, TabID: evt.TabID, FrameID: evt.FrameID, URL: evt.URL})

	case host.NavCommitted:
		t.onCommitted(evt)

	case host.NavDOMContentLoaded:
		t.setStatus(evt.TabID, evt.FrameID, StatusDOMContentLoaded)
		t.publish(Signal{Kind: SignalDOMContentLoaded, TabID: evt.TabID, FrameID: evt.FrameID, URL: evt.URL})

	case host.NavCompleted:
		t.setStatus(evt.TabID, evt.FrameID, StatusLoaded)
		t.publish(Signal{Kind: SignalLoaded, TabID: evt.TabID, FrameID: evt.FrameID, URL: evt.URL})

	case host.NavHistoryUpdated:
		// Same-document navigation: no new document, no new world. The
		// execution context survives.
		t.mu.Lock()
		if ts, ok := t.tabs[evt.TabID]; ok {
			if f, ok := ts.frames[evt.FrameID]; ok {
				f.URL = evt.URL
			}
		}
		t.mu.Unlock()
		t.publish(Signal{Kind: SignalSameDocument, TabID: evt.TabID, FrameID: evt.FrameID, URL: evt.URL})

	case host.NavErrorOccurred:
		t.publish(Signal{Kind: SignalNavigationAborted, TabID: evt.TabID, FrameID: evt.FrameID, URL: evt.URL, ErrorText: evt.ErrorText})
	}
}

// onCommitted applies a navigation commit exactly once per
// (tab, frame, document) key. A commit with no document id cannot be
// deduplicated and always applies.
func (t *Tracker) onCommitted(evt host.NavigationEvent) {
	t.mu.Lock()
	ts, ok := t.tabs[evt.TabID]
	if !ok {
		ts = newTabState()
		t.tabs[evt.TabID] = ts
	}

	if evt.DocumentID != "" {
		key := fmt.Sprintf("%d:%s", evt.FrameID, evt.DocumentID)
		if _, seen := ts.seenDocs[key]; seen {
			t.mu.Unlock()
			slog.Debug("tracker: duplicate commit dropped",
				"tab_id", evt.TabID, "frame_id", evt.FrameID, "document_id", evt.DocumentID)
			return
		}
		ts.seenDocs[key] = struct{}{}
	}

	var newDoc, detached []func(string)
	if evt.FrameID == host.MainFrameID {
		// Full document replacement: the main frame gets a new document,
		// every subframe is detached with it.
		for id := range ts.destroyers {
			fns := t.takeDestroyersLocked(ts, id)
			if id == evt.FrameID {
				newDoc = append(newDoc, fns...)
			} else {
				detached = append(detached, fns...)
			}
		}
		ts.frames = make(map[int64]*Frame)
		t.mu.Unlock()

		for _, fn := range newDoc {
			fn(ReasonNewDocument)
		}
		for _, fn := range detached {
			fn(ReasonFrameDetached)
		}

		frames, err := t.surface.Frames(context.Background(), evt.TabID)
		if err != nil {
			// Tab may already be gone; the event stream is the source
			// of truth and will self-correct.
			slog.Warn("tracker: frame re-enumeration after commit failed",
				"tab_id", evt.TabID, "error", err)
			frames = []host.FrameInfo{{TabID: evt.TabID, FrameID: evt.FrameID, ParentFrameID: host.NoParentFrame, URL: evt.URL}}
		}
		t.mu.Lock()
		t.attachAllLocked(evt.TabID, frames)
		if ts, ok := t.tabs[evt.TabID]; ok {
			if f, ok := ts.frames[evt.FrameID]; ok {
				f.Status = StatusCommitted
				f.URL = evt.URL
			}
		}
		t.mu.Unlock()
	} else {
		// Subframe document replacement: the frame itself gets a new
		// document, anything nested under it is detached.
		newDoc = t.takeDestroyersLocked(ts, evt.FrameID)
		for _, id := range descendantsLocked(ts, evt.FrameID) {
			detached = append(detached, t.takeDestroyersLocked(ts, id)...)
			delete(ts.frames, id)
		}
		t.mu.Unlock()

		for _, fn := range newDoc {
			fn(ReasonNewDocument)
		}
		for _, fn := range detached {
			fn(ReasonFrameDetached)
		}

		fi, err := t.surface.Frame(context.Background(), evt.TabID, evt.FrameID)
		if err != nil {
			slog.Warn("tracker: frame detail fetch after commit failed",
				"tab_id", evt.TabID, "frame_id", evt.FrameID, "error", err)
			fi = host.FrameInfo{TabID: evt.TabID, FrameID: evt.FrameID, ParentFrameID: host.MainFrameID, URL: evt.URL}
		}
		t.mu.Lock()
		if err := t.attachFrameLocked(evt.TabID, fi.FrameID, fi.ParentFrameID, fi.URL); err != nil {
			slog.Warn("tracker: subframe re-attach failed", "tab_id", evt.TabID, "frame_id", evt.FrameID, "error", err)
			if ts, ok := t.tabs[evt.TabID]; ok {
				if f, ok := ts.frames[evt.FrameID]; ok {
					f.Status = StatusDetached
				}
			}
		} else if ts, ok := t.tabs[evt.TabID]; ok {
			if f, ok := ts.frames[evt.FrameID]; ok {
				f.Status = StatusCommitted
			}
		}
		t.mu.Unlock()
	}

	t.publish(Signal{Kind: SignalCommitted, TabID: evt.TabID, FrameID: evt.FrameID, URL: evt.URL})
}

// descendantsLocked collects every frame nested under root, breadth first.
// Caller holds t.mu.
func descendantsLocked(ts *tabState, root int64) []int64 {
	children := make(map[int64][]int64, len(ts.frames))
	for id, f := range ts.frames {
		children[f.ParentID] = append(children[f.ParentID], id)
	}
	var out []int64
	queue := append([]int64(nil), children[root]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		out = append(out, id)
		queue = append(queue, children[id]...)
	}
	return out
}

func (t *Tracker) setStatus(tabID, frameID int64, s Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ts, ok := t.tabs[tabID]; ok {
		if f, ok := ts.frames[frameID]; ok {
			f.Status = s
		}
	}
}

func (t *Tracker) handleTab(evt host.TabEvent) {
	switch evt.Kind {
	case host.TabRemoved:
		t.removeTab(evt.Tab.ID)
	case host.TabCrashed:
		t.publish(Signal{Kind: SignalTabCrashed, TabID: evt.Tab.ID, URL: evt.Tab.URL})
	}
}

// removeTab purges the tab's frame tree, dedup keys, and execution contexts.
func (t *Tracker) removeTab(tabID int64) {
	t.mu.Lock()
	ts, ok := t.tabs[tabID]
	if !ok {
		t.mu.Unlock()
		return
	}
	var destroyers []func(string)
	for id := range ts.destroyers {
		destroyers = append(destroyers, t.takeDestroyersLocked(ts, id)...)
	}
	delete(t.tabs, tabID)
	t.mu.Unlock()

	for _, fn := range destroyers {
		fn(ReasonTabRemoved)
	}
	t.publish(Signal{Kind: SignalTabRemoved, TabID: tabID})
	slog.Debug("tracker: tab purged", "tab_id", tabID)
}

// Frame returns the tracker's view of one frame.
func (t *Tracker) Frame(tabID, frameID int64) (Frame, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ts, ok := t.tabs[tabID]; ok {
		if f, ok := ts.frames[frameID]; ok {
			return *f, true
		}
	}
	return Frame{}, false
}

// Frames returns a snapshot of a tab's frames.
func (t *Tracker) Frames(tabID int64) []Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.tabs[tabID]
	if !ok {
		return nil
	}
	out := make([]Frame, 0, len(ts.frames))
	for _, f := range ts.frames {
		out = append(out, *f)
	}
	return out
}

// AncestorChain resolves the chain from a frame up to its root, the frame
// itself first.
func (t *Tracker) AncestorChain(tabID, frameID int64) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.tabs[tabID]
	if !ok {
		return nil
	}
	var chain []int64
	id := frameID
	for {
		f, ok := ts.frames[id]
		if !ok {
			return chain
		}
		chain = append(chain, id)
		if f.ParentID == host.NoParentFrame {
			return chain
		}
		id = f.ParentID
	}
}

// WaitForMainFrame blocks until the tab's main frame has committed a
// document, or ctx expires.
func (t *Tracker) WaitForMainFrame(ctx context.Context, tabID int64) (Frame, error) {
	ready := func() (Frame, bool) {
		f, ok := t.Frame(tabID, host.MainFrameID)
		if !ok {
			return Frame{}, false
		}
		switch f.Status {
		case StatusCommitted, StatusDOMContentLoaded, StatusLoaded:
			return f, true
		}
		return Frame{}, false
	}

	if f, ok := ready(); ok {
		return f, nil
	}

	ch := make(chan struct{}, 1)
	unsub := t.Subscribe(func(sig Signal) {
		if sig.TabID == tabID && sig.Kind == SignalCommitted && sig.FrameID == host.MainFrameID {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()

	// Re-check after subscribing to close the race with a commit that
	// landed in between.
	if f, ok := ready(); ok {
		return f, nil
	}

	for {
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-ch:
			if f, ok := ready(); ok {
				return f, nil
			}
		}
	}
}
