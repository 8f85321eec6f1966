package host

import (
	"context"
	"encoding/json"
	"sync"
)

// bridgePort is a Port multiplexed over the bridge connection. The remote
// end is the bridge component inside the addressed frame.
type bridgePort struct {
	bridge *Bridge
	id     string

	handlerMu sync.RWMutex
	handlers  map[int64]func(json.RawMessage)
	nextID    int64

	closeOnce sync.Once
	closed    chan struct{}
}

// OpenPort implements Surface.
func (b *Bridge) OpenPort(ctx context.Context, tabID, frameID int64) (Port, error) {
	params := struct {
		TabID   int64 `json:"tabId"`
		FrameID int64 `json:"frameId"`
	}{TabID: tabID, FrameID: frameID}

	raw, err := b.call(ctx, "port.open", params)
	if err != nil {
		return nil, err
	}
	var resp struct {
		PortID string `json:"portId"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.PortID == "" {
		return nil, &ProtocolError{Kind: KindGeneric, Method: "port.open", Message: "malformed port id in response"}
	}

	p := &bridgePort{
		bridge:   b,
		id:       resp.PortID,
		handlers: make(map[int64]func(json.RawMessage)),
		closed:   make(chan struct{}),
	}
	b.portsMu.Lock()
	b.ports[resp.PortID] = p
	b.portsMu.Unlock()
	return p, nil
}

func (p *bridgePort) ID() string { return p.id }

func (p *bridgePort) Post(ctx context.Context, msg any) error {
	select {
	case <-p.closed:
		return &ProtocolError{Kind: KindClosed, Method: "port.post", Message: "port closed"}
	default:
	}
	params := struct {
		PortID  string `json:"portId"`
		Message any    `json:"message"`
	}{PortID: p.id, Message: msg}
	_, err := p.bridge.call(ctx, "port.post", params)
	return err
}

func (p *bridgePort) OnMessage(fn func(raw json.RawMessage)) func() {
	p.handlerMu.Lock()
	p.nextID++
	id := p.nextID
	p.handlers[id] = fn
	p.handlerMu.Unlock()
	return func() {
		p.handlerMu.Lock()
		delete(p.handlers, id)
		p.handlerMu.Unlock()
	}
}

func (p *bridgePort) Closed() <-chan struct{} { return p.closed }

func (p *bridgePort) Close() error {
	var err error
	p.closeOnce.Do(func() {
		params := struct {
			PortID string `json:"portId"`
		}{PortID: p.id}
		_, err = p.bridge.call(context.Background(), "port.close", params)
		p.bridge.portsMu.Lock()
		delete(p.bridge.ports, p.id)
		p.bridge.portsMu.Unlock()
		close(p.closed)
	})
	return err
}

func (p *bridgePort) deliver(raw json.RawMessage) {
	p.handlerMu.RLock()
	handlers := make([]func(json.RawMessage), 0, len(p.handlers))
	for _, fn := range p.handlers {
		handlers = append(handlers, fn)
	}
	p.handlerMu.RUnlock()
	for _, fn := range handlers {
		fn(raw)
	}
}

// markClosed flags the port as closed by the remote side without issuing a
// port.close call back.
func (p *bridgePort) markClosed() {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
}

// closeAllPorts marks every open port closed; used when the underlying
// connection drops so transfer waiters observe port-closed.
func (b *Bridge) closeAllPorts() {
	b.portsMu.Lock()
	ports := make([]*bridgePort, 0, len(b.ports))
	for _, p := range b.ports {
		ports = append(ports, p)
	}
	b.ports = make(map[string]*bridgePort)
	b.portsMu.Unlock()
	for _, p := range ports {
		p.markClosed()
	}
}
