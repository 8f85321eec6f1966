package events

import (
	"bufio"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dgnsrekt/hostbridge/internal/nav"
)

func TestBrokerFanOut(t *testing.T) {
	b := NewBroker()
	id1, ch1 := b.Subscribe()
	id2, ch2 := b.Subscribe()
	defer b.Unsubscribe(id1)
	defer b.Unsubscribe(id2)

	b.Publish(Event{Stream: "lifecycle", Signal: "committed", Payload: "{}"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			if evt.Stream != "lifecycle" || evt.Signal != "committed" {
				t.Fatalf("event = %+v", evt)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBrokerDropsOnSlowConsumer(t *testing.T) {
	b := NewBroker()
	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	// Never drained: the buffer fills, further publishes are dropped, and
	// Publish never blocks.
	for i := 0; i < subscriberBufSize+50; i++ {
		b.Publish(Event{Stream: "lifecycle", Payload: "x"})
	}
	if got := len(ch); got != subscriberBufSize {
		t.Fatalf("buffered events = %d; want %d", got, subscriberBufSize)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	id, ch := b.Subscribe()
	b.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after unsubscribe")
	}
	if n := b.ClientCount(); n != 0 {
		t.Fatalf("ClientCount() = %d; want 0", n)
	}
}

func TestFeedAppliesStreamFilters(t *testing.T) {
	cfg := &StreamsConfig{Streams: []StreamConfig{
		{Name: "commits", Signals: []string{nav.SignalCommitted}},
		{Name: "everything"},
		{Name: "tab7", TabIDs: []int64{7}},
	}}
	b := NewBroker()
	f := NewFeed(cfg, b)
	id, ch := b.Subscribe()
	defer b.Unsubscribe(id)

	f.onSignal(nav.Signal{Kind: nav.SignalLoaded, TabID: 1, FrameID: 0})

	var streams []string
	timeout := time.After(time.Second)
	for len(streams) < 1 {
		select {
		case evt := <-ch:
			streams = append(streams, evt.Stream)
		case <-timeout:
			t.Fatalf("streams so far = %v", streams)
		}
	}
	// Loaded on tab 1 matches only the unfiltered stream.
	if len(ch) != 0 || streams[0] != "everything" {
		t.Fatalf("streams = %v (+%d pending); want [everything]", streams, len(ch))
	}

	f.onSignal(nav.Signal{Kind: nav.SignalCommitted, TabID: 7, FrameID: 0})
	want := map[string]bool{"commits": true, "everything": true, "tab7": true}
	for i := 0; i < 3; i++ {
		select {
		case evt := <-ch:
			if !want[evt.Stream] {
				t.Fatalf("unexpected stream %q", evt.Stream)
			}
			delete(want, evt.Stream)
		case <-time.After(time.Second):
			t.Fatalf("missing streams: %v", want)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "streams.yaml")
	data := `streams:
  - name: commits
    signals: [committed, same-document]
  - name: all
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error = %v", err)
	}
	if len(cfg.Streams) != 2 {
		t.Fatalf("streams = %d; want 2", len(cfg.Streams))
	}
	if cfg.Streams[0].Name != "commits" || len(cfg.Streams[0].Signals) != 2 {
		t.Fatalf("stream[0] = %+v", cfg.Streams[0])
	}
}

func TestLoadConfigRejectsUnnamedStream(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "streams.yaml")
	if err := os.WriteFile(path, []byte("streams:\n  - signals: [loaded]\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("config with unnamed stream accepted")
	}
}

func TestSSEHandlerStreamsAndFilters(t *testing.T) {
	b := NewBroker()
	srv := httptest.NewServer(SSEHandler(b))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "?signals=committed")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	// Wait for the subscriber to register before publishing.
	deadline := time.Now().Add(time.Second)
	for b.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("SSE client never subscribed")
		}
		time.Sleep(time.Millisecond)
	}

	b.Publish(Event{Stream: "lifecycle", Signal: "loaded", Payload: `{"kind":"loaded"}`})
	b.Publish(Event{Stream: "lifecycle", Signal: "committed", Payload: `{"kind":"committed"}`})

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 2 {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read SSE stream: %v (lines: %v)", err, lines)
		}
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	// The filtered-out "loaded" event must not appear.
	if lines[0] != "event: lifecycle" || lines[1] != `data: {"kind":"committed"}` {
		t.Fatalf("SSE frame = %v", lines)
	}
}
