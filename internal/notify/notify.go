// Package notify posts plain-text webhook notifications for host incidents.
package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dgnsrekt/hostbridge/internal/nav"
)

// Send sends a message to the requested endpoint using HTTP POST.
func Send(ctx context.Context, client *http.Client, endpoint, message string) error {
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook notification failed: status=%d", resp.StatusCode)
	}
	return nil
}

// CrashWatcher posts a notification whenever a tab crashes.
type CrashWatcher struct {
	client   *http.Client
	endpoint string

	unregister func()
}

// NewCrashWatcher subscribes to the tracker. A nil client uses
// http.DefaultClient; an empty endpoint disables the watcher.
func NewCrashWatcher(tracker *nav.Tracker, client *http.Client, endpoint string) *CrashWatcher {
	w := &CrashWatcher{client: client, endpoint: endpoint}
	if endpoint == "" {
		return w
	}
	w.unregister = tracker.Subscribe(func(sig nav.Signal) {
		if sig.Kind != nav.SignalTabCrashed {
			return
		}
		// Fire and forget; delivery failures must not affect tracking.
		go func() {
			_ = Send(context.Background(), w.client, w.endpoint, crashMessage(sig))
		}()
	})
	return w
}

// Stop releases the tracker subscription.
func (w *CrashWatcher) Stop() {
	if w.unregister != nil {
		w.unregister()
		w.unregister = nil
	}
}

func crashMessage(sig nav.Signal) string {
	if sig.URL != "" {
		return fmt.Sprintf("tab %d crashed (%s)", sig.TabID, sig.URL)
	}
	return fmt.Sprintf("tab %d crashed", sig.TabID)
}
