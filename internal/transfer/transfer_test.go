package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/hostbridge/internal/host"
)

// fakePort is an in-memory message port. Posted messages are recorded;
// inject delivers a frame to registered handlers as if it arrived from the
// remote side.
type fakePort struct {
	mu       sync.Mutex
	sent     []Message
	handlers map[int]func(json.RawMessage)
	nextID   int
	closed   chan struct{}
	once     sync.Once
}

func newFakePort() *fakePort {
	return &fakePort{
		handlers: make(map[int]func(json.RawMessage)),
		closed:   make(chan struct{}),
	}
}

func (p *fakePort) ID() string { return "fake-port" }

func (p *fakePort) Post(_ context.Context, msg any) error {
	select {
	case <-p.closed:
		return errors.New("port closed")
	default:
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	p.mu.Lock()
	p.sent = append(p.sent, m)
	p.mu.Unlock()
	return nil
}

func (p *fakePort) OnMessage(fn func(raw json.RawMessage)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	p.handlers[id] = fn
	return func() {
		p.mu.Lock()
		delete(p.handlers, id)
		p.mu.Unlock()
	}
}

func (p *fakePort) Closed() <-chan struct{} { return p.closed }

func (p *fakePort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePort) inject(t *testing.T, msg Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal inject: %v", err)
	}
	p.mu.Lock()
	fns := make([]func(json.RawMessage), 0, len(p.handlers))
	for _, fn := range p.handlers {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

func (p *fakePort) sentMessages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.sent...)
}

func payload(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i * 7)
	}
	return buf
}

func TestSendBufferFraming(t *testing.T) {
	port := newFakePort()
	buf := payload(150000)

	id, err := SendBuffer(context.Background(), port, buf, Meta{Filename: "f.bin", MimeType: "application/octet-stream"}, 65536, true)
	if err != nil {
		t.Fatalf("SendBuffer error = %v", err)
	}
	if id == "" {
		t.Fatal("empty transfer id")
	}

	sent := port.sentMessages()
	// start + 3 chunks + complete
	if len(sent) != 5 {
		t.Fatalf("frames sent = %d; want 5", len(sent))
	}
	if sent[0].Type != MsgStart || sent[0].Chunks != 3 || sent[0].Size != 150000 {
		t.Fatalf("start frame = %+v", sent[0])
	}
	for i := 1; i <= 3; i++ {
		if sent[i].Type != MsgChunk || sent[i].ChunkIndex != i-1 {
			t.Fatalf("chunk frame %d = %+v; want index %d in order", i, sent[i], i-1)
		}
	}
	if sent[4].Type != MsgComplete {
		t.Fatalf("last frame = %+v; want completion", sent[4])
	}
	if got := len(sent[1].Data) + len(sent[2].Data) + len(sent[3].Data); got != 150000 {
		t.Fatalf("chunk bytes = %d; want 150000", got)
	}
}

func TestSendBufferNumericFallback(t *testing.T) {
	port := newFakePort()
	buf := payload(10)
	if _, err := SendBuffer(context.Background(), port, buf, Meta{}, 4, false); err != nil {
		t.Fatalf("SendBuffer error = %v", err)
	}
	sent := port.sentMessages()
	chunk := sent[1]
	if len(chunk.Data) != 0 || len(chunk.DataBytes) != 4 {
		t.Fatalf("fallback chunk = %+v; want numeric byte array", chunk)
	}
	if got := chunk.chunkBytes(); !bytes.Equal(got, buf[:4]) {
		t.Fatalf("reconstructed bytes = %v; want %v", got, buf[:4])
	}
}

func TestReassemblyOutOfOrder(t *testing.T) {
	port := newFakePort()
	conn := NewConnection(7, 0, port)
	defer conn.Close()

	buf := payload(150000)
	chunk := func(i int) []byte { return buf[i*65536 : min((i+1)*65536, len(buf))] }

	port.inject(t, Message{Type: MsgStart, TransferID: "t1", Filename: "f.bin", Size: 150000, Chunks: 3})

	tr, ok := conn.Transfer("t1")
	if !ok {
		t.Fatal("transfer not registered after start frame")
	}

	// Arrival order [2, 0, 1].
	for _, i := range []int{2, 0, 1} {
		port.inject(t, Message{Type: MsgChunk, TransferID: "t1", ChunkIndex: i, Total: 3, Data: chunk(i)})
	}

	if !tr.IsComplete() {
		t.Fatal("transfer not complete after all chunks")
	}
	if got := tr.Data(); !bytes.Equal(got, buf) {
		t.Fatalf("reassembled %d bytes, mismatch with original", len(got))
	}
	chunksRecv, bytesRecv := tr.Progress()
	if chunksRecv != 3 || bytesRecv != 150000 {
		t.Fatalf("Progress() = (%d, %d); want (3, 150000)", chunksRecv, bytesRecv)
	}
}

func TestIncompleteTransferHasNoData(t *testing.T) {
	port := newFakePort()
	conn := NewConnection(1, 0, port)
	defer conn.Close()

	buf := payload(150000)
	port.inject(t, Message{Type: MsgStart, TransferID: "t1", Size: 150000, Chunks: 3})
	port.inject(t, Message{Type: MsgChunk, TransferID: "t1", ChunkIndex: 0, Data: buf[:65536]})
	port.inject(t, Message{Type: MsgChunk, TransferID: "t1", ChunkIndex: 2, Data: buf[131072:]})

	tr, _ := conn.Transfer("t1")
	if tr.IsComplete() {
		t.Fatal("2 of 3 chunks reported complete")
	}
	if got := tr.Data(); got != nil {
		t.Fatalf("Data() on incomplete transfer = %d bytes; want nil", len(got))
	}
	chunksRecv, bytesRecv := tr.Progress()
	if chunksRecv != 2 || bytesRecv != 150000-65536 {
		t.Fatalf("Progress() = (%d, %d)", chunksRecv, bytesRecv)
	}
}

func TestDuplicateChunkCountedOnce(t *testing.T) {
	port := newFakePort()
	conn := NewConnection(1, 0, port)
	defer conn.Close()

	port.inject(t, Message{Type: MsgStart, TransferID: "t1", Size: 8, Chunks: 2})
	port.inject(t, Message{Type: MsgChunk, TransferID: "t1", ChunkIndex: 0, Data: []byte("abcd")})
	port.inject(t, Message{Type: MsgChunk, TransferID: "t1", ChunkIndex: 0, Data: []byte("abcd")})

	tr, _ := conn.Transfer("t1")
	chunksRecv, bytesRecv := tr.Progress()
	if chunksRecv != 1 || bytesRecv != 4 {
		t.Fatalf("Progress() after duplicate chunk = (%d, %d); want (1, 4)", chunksRecv, bytesRecv)
	}
}

func TestCancelDropsLateChunks(t *testing.T) {
	port := newFakePort()
	conn := NewConnection(1, 0, port)
	defer conn.Close()

	port.inject(t, Message{Type: MsgStart, TransferID: "t1", Size: 8, Chunks: 2})
	if err := conn.Cancel(context.Background(), "t1"); err != nil {
		t.Fatalf("Cancel error = %v", err)
	}

	// Late chunk after cancel is dropped silently.
	port.inject(t, Message{Type: MsgChunk, TransferID: "t1", ChunkIndex: 0, Data: []byte("abcd")})
	if _, ok := conn.Transfer("t1"); ok {
		t.Fatal("cancelled transfer still present")
	}

	sent := port.sentMessages()
	if len(sent) != 1 || sent[0].Type != MsgCancel || sent[0].TransferID != "t1" {
		t.Fatalf("sent = %+v; want one cancel frame", sent)
	}
}

func TestAwaitObservesPortClosed(t *testing.T) {
	port := newFakePort()
	conn := NewConnection(1, 0, port)

	port.inject(t, Message{Type: MsgStart, TransferID: "t1", Size: 8, Chunks: 2})

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Await(context.Background(), "t1")
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	_ = port.Close()

	select {
	case err := <-errCh:
		var pe *host.ProtocolError
		if !errors.As(err, &pe) || pe.Kind != host.KindClosed {
			t.Fatalf("Await after port close = %v; want closed protocol error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not observe port close")
	}
}

func TestTransferErrorIsPerTransfer(t *testing.T) {
	port := newFakePort()
	conn := NewConnection(1, 0, port)
	defer conn.Close()

	port.inject(t, Message{Type: MsgStart, TransferID: "t1", Size: 8, Chunks: 2})
	port.inject(t, Message{Type: MsgError, TransferID: "t1", Error: "read failed"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := conn.Await(ctx, "t1")
	if err == nil || err.Error() != "transfer t1: read failed" {
		t.Fatalf("Await error = %v; want per-transfer failure", err)
	}
}

func TestRequestRoundTrip(t *testing.T) {
	port := newFakePort()
	conn := NewConnection(1, 0, port)
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		tr, err := conn.Request(ctx, MsgRequestImage, map[string]any{"format": "png"})
		if err != nil {
			t.Errorf("Request error = %v", err)
			return
		}
		if !bytes.Equal(tr.Data(), []byte("imagebytes")) {
			t.Errorf("payload = %q", tr.Data())
		}
	}()

	// Wait for the request frame, then play the remote side.
	deadline := time.Now().Add(time.Second)
	for {
		sent := port.sentMessages()
		if len(sent) == 1 && sent[0].Type == MsgRequestImage {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("request frame not sent: %+v", sent)
		}
		time.Sleep(5 * time.Millisecond)
	}
	port.inject(t, Message{Type: MsgStart, TransferID: "img-1", MimeType: "image/png", Size: 10, Chunks: 1})
	port.inject(t, Message{Type: MsgChunk, TransferID: "img-1", ChunkIndex: 0, Data: []byte("imagebytes")})
	port.inject(t, Message{Type: MsgComplete, TransferID: "img-1"})

	<-done
}
