package exec

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/hostbridge/internal/handle"
	"github.com/dgnsrekt/hostbridge/internal/host"
	"github.com/dgnsrekt/hostbridge/internal/nav"
	"github.com/dgnsrekt/hostbridge/internal/transfer"
)

// fakeSurface implements host.Surface with a programmable Execute.
type fakeSurface struct {
	mu      sync.Mutex
	calls   []host.Call
	execute func(ctx context.Context, call host.Call) (json.RawMessage, error)
}

func (s *fakeSurface) Tabs(context.Context) ([]host.TabInfo, error) { return nil, nil }

func (s *fakeSurface) Frames(context.Context, int64) ([]host.FrameInfo, error) { return nil, nil }

func (s *fakeSurface) Frame(context.Context, int64, int64) (host.FrameInfo, error) {
	return host.FrameInfo{}, nil
}

func (s *fakeSurface) Execute(ctx context.Context, call host.Call) (json.RawMessage, error) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	fn := s.execute
	s.mu.Unlock()
	if fn == nil {
		return json.RawMessage(`null`), nil
	}
	return fn(ctx, call)
}

func (s *fakeSurface) OpenPort(context.Context, int64, int64) (host.Port, error) {
	return nil, errors.New("no ports in fake")
}

func (s *fakeSurface) OnNavigation(func(host.NavigationEvent)) func() { return func() {} }

func (s *fakeSurface) OnTab(func(host.TabEvent)) func() { return func() {} }

func (s *fakeSurface) recorded() []host.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]host.Call(nil), s.calls...)
}

// fakeTracker reports a fixed set of live frames and records destroyers so
// tests can fire them.
type fakeTracker struct {
	mu         sync.Mutex
	frames     map[[2]int64]nav.Frame
	destroyers []func(string)
	unregs     int
}

func newFakeTracker(frames ...nav.Frame) *fakeTracker {
	ft := &fakeTracker{frames: make(map[[2]int64]nav.Frame)}
	for _, f := range frames {
		ft.frames[[2]int64{f.TabID, f.ID}] = f
	}
	return ft
}

func (ft *fakeTracker) Frame(tabID, frameID int64) (nav.Frame, bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	f, ok := ft.frames[[2]int64{tabID, frameID}]
	return f, ok
}

func (ft *fakeTracker) RegisterDestroyer(tabID, frameID int64, destroy func(reason string)) func() {
	ft.mu.Lock()
	ft.destroyers = append(ft.destroyers, destroy)
	ft.mu.Unlock()
	return func() {
		ft.mu.Lock()
		ft.unregs++
		ft.mu.Unlock()
	}
}

func (ft *fakeTracker) fire(reason string) {
	ft.mu.Lock()
	fns := append([]func(string){}, ft.destroyers...)
	ft.mu.Unlock()
	for _, fn := range fns {
		fn(reason)
	}
}

func liveFrame(tabID, frameID int64) nav.Frame {
	return nav.Frame{TabID: tabID, ID: frameID, ParentID: host.NoParentFrame}
}

func TestRunReturnsResult(t *testing.T) {
	surface := &fakeSurface{
		execute: func(context.Context, host.Call) (json.RawMessage, error) {
			return json.RawMessage(`{"ok":true}`), nil
		},
	}
	tracker := newFakeTracker(liveFrame(1, 0))
	c := NewContext(surface, tracker, 1, 0, host.WorldIsolated)
	defer c.Release()

	raw, err := c.Run(context.Background(), "dom.title")
	if err != nil {
		t.Fatalf("Run error = %v", err)
	}
	if string(raw) != `{"ok":true}` {
		t.Fatalf("Run result = %s", raw)
	}

	calls := surface.recorded()
	if len(calls) != 1 {
		t.Fatalf("host calls = %d; want 1", len(calls))
	}
	if calls[0].TabID != 1 || calls[0].FrameID != 0 || calls[0].World != host.WorldIsolated || calls[0].Fn != "dom.title" {
		t.Fatalf("call = %+v", calls[0])
	}
}

func TestRunDestructionRace(t *testing.T) {
	// The host call blocks until released; the destroyed scope fires while
	// it is in flight. Run must resolve destroyed, not hang and not return
	// the stale result.
	release := make(chan struct{})
	surface := &fakeSurface{
		execute: func(ctx context.Context, _ host.Call) (json.RawMessage, error) {
			select {
			case <-release:
				return json.RawMessage(`"stale"`), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	tracker := newFakeTracker(liveFrame(1, 0))
	c := NewContext(surface, tracker, 1, 0, host.WorldIsolated)
	defer c.Release()

	type result struct {
		raw json.RawMessage
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		raw, err := c.Run(context.Background(), "node.click", "h1")
		resCh <- result{raw, err}
	}()

	// Let the call reach the host, then destroy the context.
	deadline := time.Now().Add(time.Second)
	for len(surface.recorded()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("host call never submitted")
		}
		time.Sleep(time.Millisecond)
	}
	tracker.fire("new document committed")

	select {
	case res := <-resCh:
		var de *DestroyedError
		if !errors.As(res.err, &de) {
			t.Fatalf("Run after destroy = (%s, %v); want destroyed error", res.raw, res.err)
		}
		if de.Reason != "new document committed" {
			t.Fatalf("destroyed reason = %q", de.Reason)
		}
		if res.raw != nil {
			t.Fatalf("stale result leaked: %s", res.raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run hung after context destruction")
	}
	close(release)
}

func TestRunAfterDestroyFailsImmediately(t *testing.T) {
	surface := &fakeSurface{}
	tracker := newFakeTracker(liveFrame(1, 0))
	c := NewContext(surface, tracker, 1, 0, host.WorldPrivileged)
	defer c.Release()

	tracker.fire("frame detached")

	_, err := c.Run(context.Background(), "dom.title")
	var de *DestroyedError
	if !errors.As(err, &de) || de.Reason != "frame detached" {
		t.Fatalf("Run on destroyed context = %v; want destroyed error", err)
	}
	if calls := surface.recorded(); len(calls) != 0 {
		t.Fatalf("host calls after destroy = %d; want 0", len(calls))
	}
}

func TestDestroyFiresOnce(t *testing.T) {
	tracker := newFakeTracker(liveFrame(1, 0))
	c := NewContext(&fakeSurface{}, tracker, 1, 0, host.WorldIsolated)
	defer c.Release()

	tracker.fire("new document committed")
	tracker.fire("tab removed")

	_, err := c.Run(context.Background(), "dom.title")
	var de *DestroyedError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v", err)
	}
	// Only the first reason is kept.
	if de.Reason != "new document committed" {
		t.Fatalf("reason = %q; want first-fire reason", de.Reason)
	}
}

func TestRunFrameDetachedFastFail(t *testing.T) {
	surface := &fakeSurface{}
	tracker := newFakeTracker() // no live frames
	c := NewContext(surface, tracker, 3, 7, host.WorldIsolated)
	defer c.Release()

	_, err := c.Run(context.Background(), "dom.title")
	var fd *FrameDetachedError
	if !errors.As(err, &fd) {
		t.Fatalf("Run with detached frame = %v; want frame-detached error", err)
	}
	if fd.TabID != 3 || fd.FrameID != 7 {
		t.Fatalf("detached frame identity = (%d, %d)", fd.TabID, fd.FrameID)
	}
	if calls := surface.recorded(); len(calls) != 0 {
		t.Fatalf("host calls = %d; want 0", len(calls))
	}
}

func TestRunForHandleNullMeansNoMatch(t *testing.T) {
	surface := &fakeSurface{
		execute: func(context.Context, host.Call) (json.RawMessage, error) {
			return json.RawMessage(`null`), nil
		},
	}
	tracker := newFakeTracker(liveFrame(1, 0))
	c := NewContext(surface, tracker, 1, 0, host.WorldIsolated)
	defer c.Release()

	h, err := c.QuerySelector(context.Background(), "#missing")
	if err != nil {
		t.Fatalf("QuerySelector error = %v", err)
	}
	if h != "" {
		t.Fatalf("handle for no match = %q; want empty", h)
	}
}

func TestRunForHandleReturnsHandle(t *testing.T) {
	surface := &fakeSurface{
		execute: func(context.Context, host.Call) (json.RawMessage, error) {
			return json.RawMessage(`"h-42"`), nil
		},
	}
	tracker := newFakeTracker(liveFrame(1, 0))
	c := NewContext(surface, tracker, 1, 0, host.WorldIsolated)
	defer c.Release()

	h, err := c.QuerySelector(context.Background(), "button")
	if err != nil {
		t.Fatalf("QuerySelector error = %v", err)
	}
	if h != handle.Handle("h-42") {
		t.Fatalf("handle = %q; want h-42", h)
	}
}

func TestReleaseUnregistersDestroyer(t *testing.T) {
	tracker := newFakeTracker(liveFrame(1, 0))
	c := NewContext(&fakeSurface{}, tracker, 1, 0, host.WorldIsolated)
	c.Release()

	tracker.mu.Lock()
	unregs := tracker.unregs
	tracker.mu.Unlock()
	if unregs != 1 {
		t.Fatalf("unregister count = %d; want 1", unregs)
	}
}

func TestSetInputFilesPrivilegedInlinesBase64(t *testing.T) {
	surface := &fakeSurface{}
	tracker := newFakeTracker(liveFrame(1, 0))
	c := NewContext(surface, tracker, 1, 0, host.WorldPrivileged)
	defer c.Release()

	data := []byte("file contents")
	err := c.SetInputFiles(context.Background(), "h-1", []FilePayload{
		{Name: "a.txt", MimeType: "text/plain", Data: data},
	}, nil)
	if err != nil {
		t.Fatalf("SetInputFiles error = %v", err)
	}

	calls := surface.recorded()
	if len(calls) != 1 || calls[0].Fn != fnSetFiles {
		t.Fatalf("calls = %+v; want one set-files call", calls)
	}
	args, ok := calls[0].Args[1].([]inlineFileArg)
	if !ok || len(args) != 1 {
		t.Fatalf("set-files args = %+v", calls[0].Args)
	}
	if args[0].Base64 != base64.StdEncoding.EncodeToString(data) {
		t.Fatalf("inline payload = %q", args[0].Base64)
	}
}

// recordingSender captures SendBuffer invocations without a real port.
type recordingSender struct {
	mu    sync.Mutex
	sent  []transfer.Meta
	calls int
}

func (s *recordingSender) SendBuffer(_ context.Context, _ []byte, meta transfer.Meta, binaryOK bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if binaryOK {
		return "", errors.New("isolated channel cannot carry binary frames")
	}
	s.calls++
	s.sent = append(s.sent, meta)
	return "tid-1", nil
}

func TestSetInputFilesIsolatedStreamsViaTransfer(t *testing.T) {
	surface := &fakeSurface{}
	tracker := newFakeTracker(liveFrame(1, 0))
	c := NewContext(surface, tracker, 1, 0, host.WorldIsolated)
	defer c.Release()

	sender := &recordingSender{}
	err := c.SetInputFiles(context.Background(), "h-1", []FilePayload{
		{Name: "big.bin", MimeType: "application/octet-stream", Data: make([]byte, 1024)},
	}, sender)
	if err != nil {
		t.Fatalf("SetInputFiles error = %v", err)
	}
	if sender.calls != 1 || sender.sent[0].Filename != "big.bin" {
		t.Fatalf("sender calls = %d, meta = %+v", sender.calls, sender.sent)
	}

	calls := surface.recorded()
	if len(calls) != 1 || calls[0].Fn != fnSetFiles {
		t.Fatalf("calls = %+v; want one set-files call", calls)
	}
	args, ok := calls[0].Args[1].([]transferFileArg)
	if !ok || len(args) != 1 || args[0].TransferID != "tid-1" {
		t.Fatalf("set-files args = %+v", calls[0].Args)
	}
}

func TestSetInputFilesIsolatedRequiresSender(t *testing.T) {
	tracker := newFakeTracker(liveFrame(1, 0))
	c := NewContext(&fakeSurface{}, tracker, 1, 0, host.WorldIsolated)
	defer c.Release()

	err := c.SetInputFiles(context.Background(), "h-1", nil, nil)
	if err == nil {
		t.Fatal("isolated SetInputFiles without a transfer connection succeeded")
	}
}

func TestBoundingBoxNullMeansNoLayout(t *testing.T) {
	surface := &fakeSurface{
		execute: func(context.Context, host.Call) (json.RawMessage, error) {
			return json.RawMessage(`null`), nil
		},
	}
	tracker := newFakeTracker(liveFrame(1, 0))
	c := NewContext(surface, tracker, 1, 0, host.WorldIsolated)
	defer c.Release()

	box, err := c.BoundingBox(context.Background(), "h-1")
	if err != nil {
		t.Fatalf("BoundingBox error = %v", err)
	}
	if box != nil {
		t.Fatalf("box = %+v; want nil for no layout", box)
	}
}

func TestRunPropagatesClassifiedHostError(t *testing.T) {
	surface := &fakeSurface{
		execute: func(context.Context, host.Call) (json.RawMessage, error) {
			return nil, &host.ProtocolError{Kind: host.KindClosed, Method: "inject.execute", Message: "message port closed before a response was received"}
		},
	}
	tracker := newFakeTracker(liveFrame(1, 0))
	c := NewContext(surface, tracker, 1, 0, host.WorldIsolated)
	defer c.Release()

	_, err := c.Run(context.Background(), "node.click", "h-1")
	var pe *host.ProtocolError
	if !errors.As(err, &pe) || pe.Kind != host.KindClosed {
		t.Fatalf("Run error = %v; want closed protocol error passed through", err)
	}
}
