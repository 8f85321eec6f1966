package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgnsrekt/hostbridge/internal/host"
)

// Connection is the receiving side of the protocol for one port. In-flight
// transfers are owned by the connection; closing it discards them wholesale
// without delivering completion to unsettled waiters, which observe
// port-closed instead.
type Connection struct {
	TabID   int64
	FrameID int64

	port  messagePort
	unsub func()

	mu        sync.Mutex
	transfers map[string]*Inbound
	started   chan *Inbound
}

// NewConnection wraps a port and starts consuming transfer frames.
func NewConnection(tabID, frameID int64, port messagePort) *Connection {
	c := &Connection{
		TabID:     tabID,
		FrameID:   frameID,
		port:      port,
		transfers: make(map[string]*Inbound),
		started:   make(chan *Inbound, 8),
	}
	c.unsub = port.OnMessage(c.onMessage)
	return c
}

func (c *Connection) onMessage(raw json.RawMessage) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		slog.Debug("transfer: malformed frame dropped", "error", err)
		return
	}

	switch msg.Type {
	case MsgStart:
		if msg.TransferID == "" || msg.Chunks <= 0 {
			slog.Debug("transfer: invalid start frame dropped", "transfer_id", msg.TransferID)
			return
		}
		c.mu.Lock()
		t, exists := c.transfers[msg.TransferID]
		if !exists {
			t = newInbound(&msg)
			c.transfers[msg.TransferID] = t
		}
		c.mu.Unlock()
		if !exists {
			select {
			case c.started <- t:
			default:
			}
		}

	case MsgChunk:
		c.mu.Lock()
		t := c.transfers[msg.TransferID]
		c.mu.Unlock()
		if t == nil {
			// Cancelled or never started; late chunks are dropped
			// silently.
			return
		}
		t.addChunk(msg.ChunkIndex, msg.chunkBytes())

	case MsgComplete:
		// Completion is derived from the chunk set, not from this frame;
		// an early completion frame for a still-partial transfer is a
		// no-op.

	case MsgCancel:
		c.mu.Lock()
		delete(c.transfers, msg.TransferID)
		c.mu.Unlock()

	case MsgError:
		c.mu.Lock()
		t := c.transfers[msg.TransferID]
		c.mu.Unlock()
		if t != nil {
			t.fail(msg.Error)
		}
	}
}

// Transfer returns an in-flight or completed transfer by id.
func (c *Connection) Transfer(id string) (*Inbound, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.transfers[id]
	return t, ok
}

// Await blocks until the transfer settles (complete or failed), the port
// closes, or ctx expires. Port closure is reported distinctly from a
// per-transfer error.
func (c *Connection) Await(ctx context.Context, id string) (*Inbound, error) {
	c.mu.Lock()
	t := c.transfers[id]
	c.mu.Unlock()
	if t == nil {
		return nil, fmt.Errorf("transfer: unknown transfer %s", id)
	}

	select {
	case <-t.done:
		if err := t.Err(); err != nil {
			return nil, err
		}
		return t, nil
	case <-c.port.Closed():
		return nil, &host.ProtocolError{Kind: host.KindClosed, Method: "transfer.await", Message: "port closed"}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel removes an in-flight transfer and tells the remote side to stop
// sending. Further chunks for the id are dropped silently.
func (c *Connection) Cancel(ctx context.Context, id string) error {
	c.mu.Lock()
	delete(c.transfers, id)
	c.mu.Unlock()
	return c.port.Post(ctx, Message{Type: MsgCancel, TransferID: id})
}

// Request asks the remote side to send a payload back over this connection
// (request-file, request-image, request-buffer) and waits for it.
func (c *Connection) Request(ctx context.Context, kind string, params any) (*Inbound, error) {
	if err := c.port.Post(ctx, Message{Type: kind, Params: params}); err != nil {
		return nil, fmt.Errorf("transfer: %s: %w", kind, err)
	}

	// The remote side answers with a start frame opening a new transfer.
	// One outstanding request per connection at a time is the protocol's
	// contract.
	select {
	case t := <-c.started:
		return c.Await(ctx, t.ID)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.port.Closed():
		return nil, &host.ProtocolError{Kind: host.KindClosed, Method: kind, Message: "port closed"}
	}
}

// SendBuffer transmits buf to the remote end of this connection.
func (c *Connection) SendBuffer(ctx context.Context, buf []byte, meta Meta, binaryOK bool) (string, error) {
	return SendBuffer(ctx, c.port, buf, meta, DefaultChunkSize, binaryOK)
}

// Close discards all in-flight transfers and closes the port. Waiters that
// have not settled observe port-closed.
func (c *Connection) Close() error {
	c.unsub()
	c.mu.Lock()
	c.transfers = make(map[string]*Inbound)
	c.mu.Unlock()
	return c.port.Close()
}

// Manager opens connections on demand, keyed by (tab, frame).
type Manager struct {
	surface host.Surface

	mu    sync.Mutex
	conns map[connKey]*Connection
}

type connKey struct {
	tabID   int64
	frameID int64
}

// NewManager creates a connection manager over the surface.
func NewManager(surface host.Surface) *Manager {
	return &Manager{surface: surface, conns: make(map[connKey]*Connection)}
}

// Connection returns the existing connection for (tab, frame) or opens a
// new port.
func (m *Manager) Connection(ctx context.Context, tabID, frameID int64) (*Connection, error) {
	key := connKey{tabID, frameID}
	m.mu.Lock()
	if c, ok := m.conns[key]; ok {
		select {
		case <-c.port.Closed():
			delete(m.conns, key)
		default:
			m.mu.Unlock()
			return c, nil
		}
	}
	m.mu.Unlock()

	port, err := m.surface.OpenPort(ctx, tabID, frameID)
	if err != nil {
		return nil, err
	}
	c := NewConnection(tabID, frameID, port)

	m.mu.Lock()
	m.conns[key] = c
	m.mu.Unlock()
	return c, nil
}

// ClosePort closes and forgets the connection for (tab, frame), discarding
// its in-flight transfers.
func (m *Manager) ClosePort(tabID, frameID int64) {
	key := connKey{tabID, frameID}
	m.mu.Lock()
	c := m.conns[key]
	delete(m.conns, key)
	m.mu.Unlock()
	if c != nil {
		if err := c.Close(); err != nil {
			slog.Debug("transfer: port close failed", "tab_id", tabID, "frame_id", frameID, "error", err)
		}
	}
}

// CloseAll tears down every connection.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[connKey]*Connection)
	m.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
