package journal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgnsrekt/hostbridge/internal/nav"
)

func TestWriterWritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "lifecycle", 16, 10)

	entries := []Entry{
		{Time: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC), Signal: nav.Signal{Kind: nav.SignalCommitted, TabID: 1, FrameID: 0, URL: "https://a.example/"}},
		{Time: time.Date(2026, 8, 1, 12, 0, 1, 0, time.UTC), Signal: nav.Signal{Kind: nav.SignalLoaded, TabID: 1, FrameID: 0}},
	}
	for _, e := range entries {
		if err := w.Write(e); err != nil {
			t.Fatalf("Write error = %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}

	date := time.Now().UTC().Format("2006-01-02")
	files, err := filepath.Glob(filepath.Join(dir, date, "lifecycle", "*.jsonl"))
	if err != nil || len(files) != 1 {
		t.Fatalf("journal files = %v (err %v); want exactly one", files, err)
	}

	f, err := os.Open(files[0])
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer f.Close()

	var got []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("line %d not valid JSON: %v", len(got), err)
		}
		got = append(got, e)
	}
	if len(got) != 2 {
		t.Fatalf("journalled entries = %d; want 2", len(got))
	}
	if got[0].Signal.Kind != nav.SignalCommitted || got[1].Signal.Kind != nav.SignalLoaded {
		t.Fatalf("entries = %+v", got)
	}
}

func TestWriterRejectsAfterClose(t *testing.T) {
	w := NewWriter(t.TempDir(), "lifecycle", 4, 10)
	if err := w.Close(); err != nil {
		t.Fatalf("Close error = %v", err)
	}
	if err := w.Write(Entry{}); err == nil {
		t.Fatal("Write after Close succeeded")
	}
}

func TestWriterDropsWhenBufferFull(t *testing.T) {
	// Buffer of 1 with no reader draining fast enough is not reliable to
	// force; use a writer whose loop is stalled by never starting it.
	// Instead, fill the channel directly before the loop can drain.
	w := &Writer{
		baseDir:   t.TempDir(),
		subDir:    "lifecycle",
		maxSizeMB: 10,
		writeCh:   make(chan any, 1),
		done:      make(chan struct{}),
	}
	if err := w.Write(Entry{}); err != nil {
		t.Fatalf("first Write error = %v", err)
	}
	if err := w.Write(Entry{}); err == nil {
		t.Fatal("Write into full buffer succeeded; want drop")
	}
}
