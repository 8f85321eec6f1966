// Package journal persists navigation lifecycle signals as JSON lines in
// date-organized files, written asynchronously so the event path never
// blocks on disk.
package journal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/hostbridge/internal/nav"
)

// Entry is one journalled signal with its observation time.
type Entry struct {
	Time   time.Time  `json:"time"`
	Signal nav.Signal `json:"signal"`
}

// Writer handles async writing of JSON lines to date-organized files.
type Writer struct {
	baseDir     string
	subDir      string
	maxSizeMB   int
	writeCh     chan any
	done        chan struct{}
	wg          sync.WaitGroup
	currentDate string
	logger      *lumberjack.Logger
	mu          sync.Mutex
}

// NewWriter creates an async JSONL writer rooted at baseDir/<date>/<subDir>.
func NewWriter(baseDir, subDir string, bufferSize, maxSizeMB int) *Writer {
	w := &Writer{
		baseDir:   baseDir,
		subDir:    subDir,
		maxSizeMB: maxSizeMB,
		writeCh:   make(chan any, bufferSize),
		done:      make(chan struct{}),
	}

	w.wg.Add(1)
	go w.writeLoop()

	return w
}

// Write queues a record for async writing.
func (w *Writer) Write(record any) error {
	select {
	case <-w.done:
		return fmt.Errorf("writer is closed")
	default:
	}

	select {
	case w.writeCh <- record:
		return nil
	default:
		// Channel full, log warning but don't block
		slog.Warn("journal write buffer full, dropping record",
			"subdir", w.subDir)
		return fmt.Errorf("buffer full")
	}
}

// Close shuts down the writer and flushes pending data.
func (w *Writer) Close() error {
	close(w.done)

	// Drain remaining items with timeout
	timeout := time.After(5 * time.Second)
	for {
		select {
		case record := <-w.writeCh:
			w.writeRecord(record)
		case <-timeout:
			slog.Warn("journal writer close timeout, some records may be lost",
				"subdir", w.subDir)
			goto done
		default:
			goto done
		}
	}

done:
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.logger != nil {
		return w.logger.Close()
	}
	return nil
}

func (w *Writer) writeLoop() {
	defer w.wg.Done()

	for {
		select {
		case record := <-w.writeCh:
			w.writeRecord(record)
		case <-w.done:
			return
		}
	}
}

func (w *Writer) writeRecord(record any) {
	data, err := json.Marshal(record)
	if err != nil {
		slog.Error("failed to marshal journal record",
			"error", err,
			"subdir", w.subDir)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// Rotate into a new directory when the UTC date changes.
	currentDate := time.Now().UTC().Format("2006-01-02")
	if currentDate != w.currentDate || w.logger == nil {
		w.rotateForDate(currentDate)
	}

	if _, err = w.logger.Write(append(data, '\n')); err != nil {
		slog.Error("failed to write journal record",
			"error", err,
			"subdir", w.subDir)
	}
}

func (w *Writer) rotateForDate(date string) {
	if w.logger != nil {
		w.logger.Close()
	}

	dir := filepath.Join(w.baseDir, date, w.subDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Error("failed to create journal directory",
			"error", err,
			"dir", dir)
		return
	}

	filename := filepath.Join(dir, fmt.Sprintf("%d.jsonl", time.Now().Unix()))
	w.logger = &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    w.maxSizeMB,
		MaxBackups: 100,
		MaxAge:     30,
		Compress:   false,
		LocalTime:  false,
	}

	w.currentDate = date
	slog.Info("opened new journal file",
		"file", filename,
		"subdir", w.subDir)
}

// Recorder subscribes to the tracker and journals every signal.
type Recorder struct {
	writer     *Writer
	unregister func()
}

// NewRecorder starts journalling signals from the tracker into baseDir.
func NewRecorder(tracker *nav.Tracker, baseDir string, bufferSize, maxSizeMB int) *Recorder {
	r := &Recorder{writer: NewWriter(baseDir, "lifecycle", bufferSize, maxSizeMB)}
	r.unregister = tracker.Subscribe(func(sig nav.Signal) {
		_ = r.writer.Write(Entry{Time: time.Now().UTC(), Signal: sig})
	})
	return r
}

// Close stops recording and flushes the writer.
func (r *Recorder) Close() error {
	if r.unregister != nil {
		r.unregister()
		r.unregister = nil
	}
	return r.writer.Close()
}
