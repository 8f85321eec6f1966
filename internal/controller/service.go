// Package controller orchestrates the host surface, frame tracker, handle
// registry, execution contexts, and transfer ports behind one service the
// HTTP API is written against.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/hostbridge/internal/exec"
	"github.com/dgnsrekt/hostbridge/internal/handle"
	"github.com/dgnsrekt/hostbridge/internal/host"
	"github.com/dgnsrekt/hostbridge/internal/nav"
	"github.com/dgnsrekt/hostbridge/internal/store"
	"github.com/dgnsrekt/hostbridge/internal/transfer"
)

type ctxKey struct {
	tabID   int64
	frameID int64
	world   host.World
}

type nodeKey struct {
	ctxKey
	remoteID string
}

// nodeRef is the controller-side stand-in for one remote node. Its handle
// stays valid while the owning execution context lives; destruction of the
// context disconnects every node minted under it, and the registry evicts
// them lazily on the next resolve.
type nodeRef struct {
	ctx      *exec.Context
	world    host.World
	remoteID string
}

func (n *nodeRef) Connected() bool {
	select {
	case <-n.ctx.Destroyed():
		return false
	default:
		return true
	}
}

// Service is the controller's operation surface.
type Service struct {
	surface   host.Surface
	tracker   *nav.Tracker
	registry  *handle.Registry
	transfers *transfer.Manager
	payloads  *store.Store

	execTimeout time.Duration

	mu       sync.Mutex
	contexts map[ctxKey]*exec.Context
	nodes    map[nodeKey]*nodeRef
}

// NewService wires the collaborators together.
func NewService(surface host.Surface, tracker *nav.Tracker, payloads *store.Store, execTimeout time.Duration) *Service {
	return &Service{
		surface:     surface,
		tracker:     tracker,
		registry:    handle.NewRegistry(),
		transfers:   transfer.NewManager(surface),
		payloads:    payloads,
		execTimeout: execTimeout,
		contexts:    make(map[ctxKey]*exec.Context),
		nodes:       make(map[nodeKey]*nodeRef),
	}
}

// Close tears down every transfer connection.
func (s *Service) Close() {
	s.transfers.CloseAll()
	s.mu.Lock()
	for _, c := range s.contexts {
		c.Release()
	}
	s.contexts = make(map[ctxKey]*exec.Context)
	s.mu.Unlock()
}

// getContext returns the live execution context for the triple, replacing a
// destroyed one. Context recreation is cheap: the bridge injects on demand.
func (s *Service) getContext(tabID, frameID int64, world host.World) *exec.Context {
	key := ctxKey{tabID, frameID, world}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.contexts[key]; ok {
		select {
		case <-c.Destroyed():
			c.Release()
		default:
			return c
		}
	}
	c := exec.NewContext(s.surface, s.tracker, tabID, frameID, world)
	s.contexts[key] = c
	return c
}

func (s *Service) mintHandle(c *exec.Context, world host.World, remoteID string) handle.Handle {
	key := nodeKey{ctxKey{c.TabID, c.FrameID, world}, remoteID}
	s.mu.Lock()
	n, ok := s.nodes[key]
	if !ok || !n.Connected() {
		n = &nodeRef{ctx: c, world: world, remoteID: remoteID}
		s.nodes[key] = n
	}
	s.mu.Unlock()
	return s.registry.GetOrCreate(n)
}

func (s *Service) resolveNode(h string) (*nodeRef, error) {
	n, ok := s.registry.Resolve(handle.Handle(h))
	if !ok {
		return nil, newError(CodeHandleNotFound, fmt.Sprintf("no live node for handle %s", h), nil)
	}
	ref, ok := n.(*nodeRef)
	if !ok {
		return nil, newError(CodeHandleNotFound, fmt.Sprintf("handle %s is not a node handle", h), nil)
	}
	return ref, nil
}

// callCtx bounds a remote call with the configured execution timeout.
func (s *Service) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.execTimeout)
}

// wrapExecErr translates exec/host failures into coded errors.
func wrapExecErr(err error) error {
	if err == nil {
		return nil
	}
	var destroyed *exec.DestroyedError
	if errors.As(err, &destroyed) {
		return newError(CodeContextDestroyed, destroyed.Reason, err)
	}
	var detached *exec.FrameDetachedError
	if errors.As(err, &detached) {
		return newError(CodeFrameNotFound, detached.Error(), err)
	}
	var proto *host.ProtocolError
	if errors.As(err, &proto) {
		switch proto.Kind {
		case host.KindClosed:
			return newError(CodeHostClosed, proto.Message, err)
		case host.KindCrashed:
			return newError(CodeHostCrashed, proto.Message, err)
		}
		return newError(CodeHostUnavailable, proto.Message, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(CodeExecTimeout, "remote call timed out", err)
	}
	return err
}

// ListTabs enumerates host tabs.
func (s *Service) ListTabs(ctx context.Context) ([]host.TabInfo, error) {
	tabs, err := s.surface.Tabs(ctx)
	if err != nil {
		return nil, wrapExecErr(err)
	}
	return tabs, nil
}

// ListFrames returns the tracker's view of a tab's frames.
func (s *Service) ListFrames(ctx context.Context, tabID int64) ([]nav.Frame, error) {
	frames := s.tracker.Frames(tabID)
	if frames == nil {
		return nil, newError(CodeTabNotFound, fmt.Sprintf("no tracked tab %d", tabID), nil)
	}
	return frames, nil
}

// GetFrame returns one tracked frame.
func (s *Service) GetFrame(ctx context.Context, tabID, frameID int64) (nav.Frame, error) {
	f, ok := s.tracker.Frame(tabID, frameID)
	if !ok {
		return nav.Frame{}, newError(CodeFrameNotFound, fmt.Sprintf("no frame %d in tab %d", frameID, tabID), nil)
	}
	return f, nil
}

// AncestorChain returns the frame-to-root chain of frame ids.
func (s *Service) AncestorChain(ctx context.Context, tabID, frameID int64) ([]int64, error) {
	chain := s.tracker.AncestorChain(tabID, frameID)
	if len(chain) == 0 {
		return nil, newError(CodeFrameNotFound, fmt.Sprintf("no frame %d in tab %d", frameID, tabID), nil)
	}
	return chain, nil
}

// WaitForMainFrame blocks until the tab's main frame has committed.
func (s *Service) WaitForMainFrame(ctx context.Context, tabID int64, timeoutMS int) (nav.Frame, error) {
	if timeoutMS <= 0 {
		timeoutMS = int(s.execTimeout / time.Millisecond)
	}
	waitCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
	defer cancel()
	f, err := s.tracker.WaitForMainFrame(waitCtx, tabID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nav.Frame{}, newError(CodeExecTimeout, fmt.Sprintf("main frame of tab %d did not commit", tabID), err)
		}
		return nav.Frame{}, err
	}
	return f, nil
}

// Execute runs an injected function and returns its raw JSON result.
func (s *Service) Execute(ctx context.Context, tabID, frameID int64, world host.World, fn string, args []any) (json.RawMessage, error) {
	if fn == "" {
		return nil, newError(CodeValidation, "fn is required", nil)
	}
	// Handle arguments are converted to their remote node ids before the
	// call crosses the boundary.
	conv := make([]any, len(args))
	for i, a := range args {
		conv[i] = s.argToRemote(a)
	}
	callCtx, cancel := s.callCtx(ctx)
	defer cancel()
	raw, err := s.getContext(tabID, frameID, world).Run(callCtx, fn, conv...)
	return raw, wrapExecErr(err)
}

// argToRemote swaps registry handles (passed as strings) for remote node
// ids, recursively through slices and string-keyed maps. Unknown strings
// pass through untouched.
func (s *Service) argToRemote(v any) any {
	switch val := v.(type) {
	case string:
		if n, ok := s.registry.Resolve(handle.Handle(val)); ok {
			if ref, ok := n.(*nodeRef); ok {
				return ref.remoteID
			}
		}
		return val
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = s.argToRemote(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = s.argToRemote(item)
		}
		return out
	default:
		return v
	}
}

// Query resolves a CSS selector to a node handle. Empty handle means no
// match.
func (s *Service) Query(ctx context.Context, tabID, frameID int64, world host.World, selector string) (string, error) {
	if selector == "" {
		return "", newError(CodeValidation, "selector is required", nil)
	}
	c := s.getContext(tabID, frameID, world)
	callCtx, cancel := s.callCtx(ctx)
	defer cancel()
	remote, err := c.QuerySelector(callCtx, selector)
	if err != nil {
		return "", wrapExecErr(err)
	}
	if remote == "" {
		return "", nil
	}
	return string(s.mintHandle(c, world, string(remote))), nil
}

// Click clicks the node behind a handle.
func (s *Service) Click(ctx context.Context, h string) error {
	n, err := s.resolveNode(h)
	if err != nil {
		return err
	}
	callCtx, cancel := s.callCtx(ctx)
	defer cancel()
	return wrapExecErr(n.ctx.Click(callCtx, handle.Handle(n.remoteID)))
}

// SetChecked forces a checkbox/radio state.
func (s *Service) SetChecked(ctx context.Context, h string, checked bool) error {
	n, err := s.resolveNode(h)
	if err != nil {
		return err
	}
	callCtx, cancel := s.callCtx(ctx)
	defer cancel()
	return wrapExecErr(n.ctx.SetChecked(callCtx, handle.Handle(n.remoteID), checked))
}

// BoundingBox returns the node's box, nil when it has no layout.
func (s *Service) BoundingBox(ctx context.Context, h string) (*exec.Box, error) {
	n, err := s.resolveNode(h)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := s.callCtx(ctx)
	defer cancel()
	box, err := n.ctx.BoundingBox(callCtx, handle.Handle(n.remoteID))
	return box, wrapExecErr(err)
}

// DispatchEvent fires a DOM event on the node.
func (s *Service) DispatchEvent(ctx context.Context, h, eventType string, init map[string]any) error {
	if eventType == "" {
		return newError(CodeValidation, "event type is required", nil)
	}
	n, err := s.resolveNode(h)
	if err != nil {
		return err
	}
	callCtx, cancel := s.callCtx(ctx)
	defer cancel()
	return wrapExecErr(n.ctx.DispatchEvent(callCtx, handle.Handle(n.remoteID), eventType, init))
}

// Highlight draws the overlay on the node.
func (s *Service) Highlight(ctx context.Context, h string) error {
	n, err := s.resolveNode(h)
	if err != nil {
		return err
	}
	callCtx, cancel := s.callCtx(ctx)
	defer cancel()
	return wrapExecErr(n.ctx.Highlight(callCtx, handle.Handle(n.remoteID)))
}

// ClearHighlights removes every overlay in the frame.
func (s *Service) ClearHighlights(ctx context.Context, tabID, frameID int64, world host.World) error {
	callCtx, cancel := s.callCtx(ctx)
	defer cancel()
	return wrapExecErr(s.getContext(tabID, frameID, world).ClearHighlight(callCtx))
}

// AXSnapshot returns the accessibility tree under the node, or the whole
// frame when h is empty.
func (s *Service) AXSnapshot(ctx context.Context, tabID, frameID int64, world host.World, h string) (json.RawMessage, error) {
	var remote handle.Handle
	c := s.getContext(tabID, frameID, world)
	if h != "" {
		n, err := s.resolveNode(h)
		if err != nil {
			return nil, err
		}
		c = n.ctx
		remote = handle.Handle(n.remoteID)
	}
	callCtx, cancel := s.callCtx(ctx)
	defer cancel()
	raw, err := c.AXSnapshot(callCtx, remote)
	return raw, wrapExecErr(err)
}

// SetInputFiles places files into the file input behind the handle. In the
// isolated world the bytes stream over the frame's transfer port first.
func (s *Service) SetInputFiles(ctx context.Context, h string, files []exec.FilePayload) error {
	if len(files) == 0 {
		return newError(CodeValidation, "at least one file is required", nil)
	}
	n, err := s.resolveNode(h)
	if err != nil {
		return err
	}

	var sender *transfer.Connection
	if n.world == host.WorldIsolated {
		sender, err = s.transfers.Connection(ctx, n.ctx.TabID, n.ctx.FrameID)
		if err != nil {
			return wrapExecErr(err)
		}
	}

	callCtx, cancel := s.callCtx(ctx)
	defer cancel()
	if sender != nil {
		return wrapExecErr(n.ctx.SetInputFiles(callCtx, handle.Handle(n.remoteID), files, sender))
	}
	return wrapExecErr(n.ctx.SetInputFiles(callCtx, handle.Handle(n.remoteID), files, nil))
}

// Transfer request kinds accepted by RequestPayload.
const (
	PayloadKindFile   = "file"
	PayloadKindImage  = "image"
	PayloadKindBuffer = "buffer"
)

func requestMessage(kind string) (string, error) {
	switch kind {
	case PayloadKindFile:
		return transfer.MsgRequestFile, nil
	case PayloadKindImage:
		return transfer.MsgRequestImage, nil
	case PayloadKindBuffer:
		return transfer.MsgRequestBuffer, nil
	}
	return "", newError(CodeValidation, fmt.Sprintf("unknown payload kind %q", kind), nil)
}

// RequestPayload asks the frame for a payload over its transfer port, waits
// for reassembly, and persists the result.
func (s *Service) RequestPayload(ctx context.Context, tabID, frameID int64, kind string, params map[string]any, timeoutMS int) (store.PayloadMeta, error) {
	msg, err := requestMessage(kind)
	if err != nil {
		return store.PayloadMeta{}, err
	}

	conn, err := s.transfers.Connection(ctx, tabID, frameID)
	if err != nil {
		return store.PayloadMeta{}, wrapExecErr(err)
	}

	if timeoutMS <= 0 {
		timeoutMS = int(s.execTimeout / time.Millisecond)
	}
	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
	defer cancel()

	tr, err := conn.Request(reqCtx, msg, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return store.PayloadMeta{}, newError(CodeExecTimeout, "payload request timed out", err)
		}
		return store.PayloadMeta{}, wrapExecErr(err)
	}

	chunks, _ := tr.Progress()
	meta := store.PayloadMeta{
		ID:        tr.ID,
		TabID:     tabID,
		FrameID:   frameID,
		Kind:      kind,
		Filename:  tr.Filename,
		MimeType:  tr.MimeType,
		SizeBytes: tr.Size,
		Chunks:    chunks,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.payloads.Save(meta, tr.Data()); err != nil {
		return store.PayloadMeta{}, err
	}
	slog.Info("payload stored", "id", tr.ID, "kind", kind, "tab_id", tabID, "frame_id", frameID, "bytes", tr.Size)
	return meta, nil
}

// PushBuffer streams a buffer into the frame over its transfer port and
// returns the transfer id.
func (s *Service) PushBuffer(ctx context.Context, tabID, frameID int64, data []byte, filename, mimeType string) (string, error) {
	conn, err := s.transfers.Connection(ctx, tabID, frameID)
	if err != nil {
		return "", wrapExecErr(err)
	}
	callCtx, cancel := s.callCtx(ctx)
	defer cancel()
	id, err := conn.SendBuffer(callCtx, data, transfer.Meta{Filename: filename, MimeType: mimeType}, true)
	return id, wrapExecErr(err)
}

// TransferProgress reports an in-flight transfer's state.
func (s *Service) TransferProgress(ctx context.Context, tabID, frameID int64, id string) (chunks, bytes int, complete bool, err error) {
	conn, err := s.transfers.Connection(ctx, tabID, frameID)
	if err != nil {
		return 0, 0, false, wrapExecErr(err)
	}
	tr, ok := conn.Transfer(id)
	if !ok {
		return 0, 0, false, newError(CodePayloadNotFound, fmt.Sprintf("no transfer %s", id), nil)
	}
	chunks, bytes = tr.Progress()
	return chunks, bytes, tr.IsComplete(), nil
}

// CancelTransfer stops an in-flight transfer; late chunks are dropped.
func (s *Service) CancelTransfer(ctx context.Context, tabID, frameID int64, id string) error {
	conn, err := s.transfers.Connection(ctx, tabID, frameID)
	if err != nil {
		return wrapExecErr(err)
	}
	return wrapExecErr(conn.Cancel(ctx, id))
}

// ClosePort discards the frame's transfer connection and its in-flight
// transfers.
func (s *Service) ClosePort(ctx context.Context, tabID, frameID int64) error {
	s.transfers.ClosePort(tabID, frameID)
	return nil
}

// ListPayloads returns stored payload metadata, newest first.
func (s *Service) ListPayloads(ctx context.Context) ([]store.PayloadMeta, error) {
	return s.payloads.List()
}

// GetPayload returns one stored payload's metadata.
func (s *Service) GetPayload(ctx context.Context, id string) (store.PayloadMeta, error) {
	meta, err := s.payloads.Get(id)
	if err != nil {
		return store.PayloadMeta{}, newError(CodePayloadNotFound, err.Error(), err)
	}
	return meta, nil
}

// ReadPayloadData returns a stored payload's bytes and metadata.
func (s *Service) ReadPayloadData(ctx context.Context, id string) ([]byte, store.PayloadMeta, error) {
	data, meta, err := s.payloads.ReadData(id)
	if err != nil {
		return nil, store.PayloadMeta{}, newError(CodePayloadNotFound, err.Error(), err)
	}
	return data, meta, nil
}

// DeletePayload removes a stored payload.
func (s *Service) DeletePayload(ctx context.Context, id string) error {
	if err := s.payloads.Delete(id); err != nil {
		return newError(CodePayloadNotFound, err.Error(), err)
	}
	return nil
}

// ReleaseHandle drops one handle without touching the remote node.
func (s *Service) ReleaseHandle(ctx context.Context, h string) error {
	s.registry.Unregister(handle.Handle(h))
	return nil
}

// SweepHandles evicts every handle whose node has disconnected.
func (s *Service) SweepHandles(ctx context.Context) (int, error) {
	return s.registry.SweepDisconnected(), nil
}

// HealthResult is the deep health check's body.
type HealthResult struct {
	BridgeOK    bool `json:"bridge_ok"`
	Tabs        int  `json:"tabs"`
	LiveHandles int  `json:"live_handles"`
}

// DeepHealthCheck probes the bridge with a tab enumeration.
func (s *Service) DeepHealthCheck(ctx context.Context) (HealthResult, error) {
	callCtx, cancel := s.callCtx(ctx)
	defer cancel()
	tabs, err := s.surface.Tabs(callCtx)
	if err != nil {
		return HealthResult{BridgeOK: false, LiveHandles: s.registry.Len()}, nil
	}
	return HealthResult{BridgeOK: true, Tabs: len(tabs), LiveHandles: s.registry.Len()}, nil
}
