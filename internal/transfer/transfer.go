// Package transfer moves binary payloads of arbitrary size between the
// controller and an injected context over a message channel that can only
// carry small structured frames. Payloads are chunked on the sending side,
// accumulated sparsely on the receiving side, and reassembled strictly in
// chunk-index order regardless of arrival order.
package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// DefaultChunkSize is the chunk payload size used when the caller does not
// override it. Chosen to stay under isolated-world message limits.
const DefaultChunkSize = 64 * 1024

// Meta describes the payload being transferred.
type Meta struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
}

// Message kinds carried over a port for the transfer protocol.
const (
	MsgStart    = "receive-file-start"
	MsgChunk    = "receive-file-chunk"
	MsgComplete = "receive-file-complete"
	MsgCancel   = "cancel-transfer"
	MsgError    = "transfer-error"

	MsgRequestFile   = "request-file"
	MsgRequestImage  = "request-image"
	MsgRequestBuffer = "request-buffer"
)

// Message is the wire frame for every transfer-protocol exchange. Data
// carries chunk bytes when the channel supports binary frames (JSON base64);
// DataBytes is the numeric-array fallback for channels that do not.
type Message struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId,omitempty"`
	Filename   string `json:"filename,omitempty"`
	MimeType   string `json:"mimeType,omitempty"`
	Size       int    `json:"size,omitempty"`
	Chunks     int    `json:"chunks,omitempty"`
	ChunkIndex int    `json:"chunkIndex"`
	Total      int    `json:"totalChunks,omitempty"`
	Data       []byte `json:"data,omitempty"`
	DataBytes  []int  `json:"dataBytes,omitempty"`
	Error      string `json:"error,omitempty"`
	Params     any    `json:"params,omitempty"`
}

// chunkBytes returns the chunk payload from whichever encoding was used.
func (m *Message) chunkBytes() []byte {
	if len(m.Data) > 0 || len(m.DataBytes) == 0 {
		return m.Data
	}
	out := make([]byte, len(m.DataBytes))
	for i, v := range m.DataBytes {
		out[i] = byte(v)
	}
	return out
}

// Inbound is one in-flight (or completed) received transfer.
type Inbound struct {
	ID       string
	Filename string
	MimeType string
	Size     int
	Chunks   int

	mu            sync.Mutex
	chunks        map[int][]byte
	bytesReceived int
	failure       string
	done          chan struct{}
}

func newInbound(m *Message) *Inbound {
	return &Inbound{
		ID:       m.TransferID,
		Filename: m.Filename,
		MimeType: m.MimeType,
		Size:     m.Size,
		Chunks:   m.Chunks,
		chunks:   make(map[int][]byte),
		done:     make(chan struct{}),
	}
}

func (t *Inbound) addChunk(index int, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.chunks[index]; dup {
		return
	}
	t.chunks[index] = data
	t.bytesReceived += len(data)
	if t.completeLocked() {
		select {
		case <-t.done:
		default:
			close(t.done)
		}
	}
}

func (t *Inbound) completeLocked() bool {
	if t.Chunks == 0 {
		return false
	}
	for i := 0; i < t.Chunks; i++ {
		if _, ok := t.chunks[i]; !ok {
			return false
		}
	}
	return true
}

// IsComplete reports whether every chunk index in {0 .. Chunks-1} has been
// received.
func (t *Inbound) IsComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completeLocked()
}

// Progress returns the running (chunksReceived, bytesReceived) counters,
// independent of completion.
func (t *Inbound) Progress() (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.chunks), t.bytesReceived
}

// Data concatenates the chunks strictly by ascending index. Returns nil
// unless the transfer is complete.
func (t *Inbound) Data() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.completeLocked() {
		return nil
	}
	out := make([]byte, 0, t.bytesReceived)
	for i := 0; i < t.Chunks; i++ {
		out = append(out, t.chunks[i]...)
	}
	return out
}

func (t *Inbound) fail(msg string) {
	t.mu.Lock()
	t.failure = msg
	t.mu.Unlock()
	select {
	case <-t.done:
	default:
		close(t.done)
	}
}

// Err returns the per-transfer failure, if any.
func (t *Inbound) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failure == "" {
		return nil
	}
	return fmt.Errorf("transfer %s: %s", t.ID, t.failure)
}

// messagePort is the subset of a host port the protocol needs.
type messagePort interface {
	Post(ctx context.Context, msg any) error
	OnMessage(fn func(raw json.RawMessage)) func()
	Closed() <-chan struct{}
	Close() error
}

// SendBuffer chunks buf and sends it over the port: one start frame, exactly
// ceil(len/chunkSize) chunk frames in index order, then a completion frame.
// Returns the generated transfer id. binaryOK selects the native []byte
// encoding; otherwise chunks go as numeric byte arrays.
func SendBuffer(ctx context.Context, port messagePort, buf []byte, meta Meta, chunkSize int, binaryOK bool) (string, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	id := uuid.NewString()
	total := (len(buf) + chunkSize - 1) / chunkSize
	if len(buf) == 0 {
		total = 1
	}

	start := Message{
		Type:       MsgStart,
		TransferID: id,
		Filename:   meta.Filename,
		MimeType:   meta.MimeType,
		Size:       len(buf),
		Chunks:     total,
	}
	if err := port.Post(ctx, start); err != nil {
		return "", fmt.Errorf("transfer: start: %w", err)
	}

	for i := 0; i < total; i++ {
		lo := i * chunkSize
		hi := lo + chunkSize
		if hi > len(buf) {
			hi = len(buf)
		}
		chunk := Message{
			Type:       MsgChunk,
			TransferID: id,
			ChunkIndex: i,
			Total:      total,
		}
		if binaryOK {
			chunk.Data = buf[lo:hi]
		} else {
			nums := make([]int, hi-lo)
			for j, b := range buf[lo:hi] {
				nums[j] = int(b)
			}
			chunk.DataBytes = nums
		}
		if err := port.Post(ctx, chunk); err != nil {
			return "", fmt.Errorf("transfer: chunk %d/%d: %w", i, total, err)
		}
	}

	if err := port.Post(ctx, Message{Type: MsgComplete, TransferID: id}); err != nil {
		return "", fmt.Errorf("transfer: complete: %w", err)
	}
	return id, nil
}
