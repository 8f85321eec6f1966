package host

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Bridge is a Surface implementation over a WebSocket endpoint exposed by
// the bridge component injected into the host. Requests are correlated to
// responses by sequence id; unsolicited frames are lifecycle events or port
// traffic.
type Bridge struct {
	endpoint string

	mu   sync.Mutex
	conn net.Conn
	seq  atomic.Int64

	pending   map[int64]chan bridgeResponse
	pendingMu sync.Mutex

	handlerMu   sync.RWMutex
	navHandlers map[int64]func(NavigationEvent)
	tabHandlers map[int64]func(TabEvent)

	portsMu sync.Mutex
	ports   map[string]*bridgePort
}

type bridgeResponse struct {
	Result json.RawMessage
	Err    string
}

// NewBridge creates a bridge client for the given ws:// endpoint. Connect
// must be called before use.
func NewBridge(endpoint string) *Bridge {
	return &Bridge{
		endpoint:    endpoint,
		pending:     make(map[int64]chan bridgeResponse),
		navHandlers: make(map[int64]func(NavigationEvent)),
		tabHandlers: make(map[int64]func(TabEvent)),
		ports:       make(map[string]*bridgePort),
	}
}

// Connect dials the bridge endpoint and starts the read loop.
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		return nil
	}

	slog.Debug("bridge connecting", "endpoint", b.endpoint)
	conn, _, _, err := ws.Dial(ctx, b.endpoint)
	if err != nil {
		return fmt.Errorf("bridge: dial %s: %w", b.endpoint, err)
	}

	b.conn = conn
	b.pending = make(map[int64]chan bridgeResponse)
	go b.readLoop()
	return nil
}

// Close tears down the connection. Pending calls fail with a closed error;
// open ports observe port-closed.
func (b *Bridge) Close() error {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	return nil
}

func (b *Bridge) readLoop() {
	for {
		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()
		if conn == nil {
			return
		}

		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			slog.Debug("bridge read loop exit", "error", err)
			b.failAllPending()
			b.closeAllPorts()
			return
		}

		var msg struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  *struct {
				Message string `json:"message"`
			} `json:"error"`
			Params json.RawMessage `json:"params"`
		}
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		switch {
		case msg.ID > 0:
			b.pendingMu.Lock()
			ch, ok := b.pending[msg.ID]
			if ok {
				delete(b.pending, msg.ID)
			}
			b.pendingMu.Unlock()
			if ok {
				resp := bridgeResponse{Result: msg.Result}
				if msg.Error != nil {
					resp.Err = msg.Error.Message
				}
				ch <- resp
			}
		case msg.Method != "":
			b.dispatchEvent(msg.Method, msg.Params)
		}
	}
}

func (b *Bridge) failAllPending() {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
}

func (b *Bridge) deletePending(id int64) {
	b.pendingMu.Lock()
	delete(b.pending, id)
	b.pendingMu.Unlock()
}

// call sends one request and waits for the matching response. Remote
// failures come back classified.
func (b *Bridge) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return nil, &ProtocolError{Kind: KindClosed, Method: method, Message: "bridge not connected"}
	}

	id := b.seq.Add(1)
	ch := make(chan bridgeResponse, 1)
	b.pendingMu.Lock()
	b.pending[id] = ch
	b.pendingMu.Unlock()

	req := struct {
		ID     int64  `json:"id"`
		Method string `json:"method"`
		Params any    `json:"params,omitempty"`
	}{ID: id, Method: method, Params: params}

	data, err := json.Marshal(req)
	if err != nil {
		b.deletePending(id)
		return nil, fmt.Errorf("bridge: marshal %s: %w", method, err)
	}

	b.mu.Lock()
	err = wsutil.WriteClientText(conn, data)
	b.mu.Unlock()
	if err != nil {
		b.deletePending(id)
		return nil, &ProtocolError{Kind: KindClosed, Method: method, Message: "send failed", Cause: err}
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, &ProtocolError{Kind: KindClosed, Method: method, Message: "bridge connection closed"}
		}
		if resp.Err != "" {
			return nil, Classify(method, resp.Err)
		}
		return resp.Result, nil
	case <-ctx.Done():
		b.deletePending(id)
		return nil, ctx.Err()
	}
}

// Tabs implements Surface.
func (b *Bridge) Tabs(ctx context.Context) ([]TabInfo, error) {
	raw, err := b.call(ctx, "tabs.list", nil)
	if err != nil {
		return nil, err
	}
	var tabs []TabInfo
	if err := json.Unmarshal(raw, &tabs); err != nil {
		return nil, fmt.Errorf("bridge: unmarshal tabs: %w", err)
	}
	return tabs, nil
}

// Frames implements Surface.
func (b *Bridge) Frames(ctx context.Context, tabID int64) ([]FrameInfo, error) {
	params := struct {
		TabID int64 `json:"tabId"`
	}{TabID: tabID}
	raw, err := b.call(ctx, "frames.list", params)
	if err != nil {
		return nil, err
	}
	var frames []FrameInfo
	if err := json.Unmarshal(raw, &frames); err != nil {
		return nil, fmt.Errorf("bridge: unmarshal frames: %w", err)
	}
	return frames, nil
}

// Frame implements Surface.
func (b *Bridge) Frame(ctx context.Context, tabID, frameID int64) (FrameInfo, error) {
	params := struct {
		TabID   int64 `json:"tabId"`
		FrameID int64 `json:"frameId"`
	}{TabID: tabID, FrameID: frameID}
	raw, err := b.call(ctx, "frames.get", params)
	if err != nil {
		return FrameInfo{}, err
	}
	var frame FrameInfo
	if err := json.Unmarshal(raw, &frame); err != nil {
		return FrameInfo{}, fmt.Errorf("bridge: unmarshal frame: %w", err)
	}
	return frame, nil
}

// Execute implements Surface.
func (b *Bridge) Execute(ctx context.Context, call Call) (json.RawMessage, error) {
	params := struct {
		TabID   int64  `json:"tabId"`
		FrameID int64  `json:"frameId"`
		World   World  `json:"world"`
		Fn      string `json:"fn"`
		Args    []any  `json:"args,omitempty"`
	}{TabID: call.TabID, FrameID: call.FrameID, World: call.World, Fn: call.Fn, Args: call.Args}
	return b.call(ctx, "inject.execute", params)
}

// OnNavigation implements Surface.
func (b *Bridge) OnNavigation(fn func(NavigationEvent)) func() {
	id := b.seq.Add(1)
	b.handlerMu.Lock()
	b.navHandlers[id] = fn
	b.handlerMu.Unlock()
	return func() {
		b.handlerMu.Lock()
		delete(b.navHandlers, id)
		b.handlerMu.Unlock()
	}
}

// OnTab implements Surface.
func (b *Bridge) OnTab(fn func(TabEvent)) func() {
	id := b.seq.Add(1)
	b.handlerMu.Lock()
	b.tabHandlers[id] = fn
	b.handlerMu.Unlock()
	return func() {
		b.handlerMu.Lock()
		delete(b.tabHandlers, id)
		b.handlerMu.Unlock()
	}
}

func (b *Bridge) dispatchEvent(method string, params json.RawMessage) {
	switch method {
	case "nav.event":
		var evt NavigationEvent
		if json.Unmarshal(params, &evt) != nil {
			return
		}
		b.handlerMu.RLock()
		handlers := make([]func(NavigationEvent), 0, len(b.navHandlers))
		for _, fn := range b.navHandlers {
			handlers = append(handlers, fn)
		}
		b.handlerMu.RUnlock()
		for _, fn := range handlers {
			fn(evt)
		}
	case "tab.event":
		var evt TabEvent
		if json.Unmarshal(params, &evt) != nil {
			return
		}
		b.handlerMu.RLock()
		handlers := make([]func(TabEvent), 0, len(b.tabHandlers))
		for _, fn := range b.tabHandlers {
			handlers = append(handlers, fn)
		}
		b.handlerMu.RUnlock()
		for _, fn := range handlers {
			fn(evt)
		}
	case "port.message":
		var evt struct {
			PortID  string          `json:"portId"`
			Message json.RawMessage `json:"message"`
		}
		if json.Unmarshal(params, &evt) != nil {
			return
		}
		b.portsMu.Lock()
		p := b.ports[evt.PortID]
		b.portsMu.Unlock()
		if p != nil {
			p.deliver(evt.Message)
		}
	case "port.closed":
		var evt struct {
			PortID string `json:"portId"`
		}
		if json.Unmarshal(params, &evt) != nil {
			return
		}
		b.portsMu.Lock()
		p := b.ports[evt.PortID]
		delete(b.ports, evt.PortID)
		b.portsMu.Unlock()
		if p != nil {
			p.markClosed()
		}
	}
}
