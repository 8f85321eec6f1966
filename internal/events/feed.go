package events

import (
	"encoding/json"
	"log/slog"

	"github.com/dgnsrekt/hostbridge/internal/nav"
)

type streamInfo struct {
	name         string
	signalFilter map[string]bool // nil means accept all
	tabFilter    map[int64]bool  // nil means accept all
}

// Feed consumes tracker signals and publishes them to the broker, once per
// matching stream profile.
type Feed struct {
	streams []streamInfo
	broker  *Broker

	unregister func()
}

// NewFeed builds a feed from the stream profiles.
func NewFeed(cfg *StreamsConfig, broker *Broker) *Feed {
	f := &Feed{broker: broker}
	for _, s := range cfg.Streams {
		info := streamInfo{name: s.Name}
		if len(s.Signals) > 0 {
			info.signalFilter = make(map[string]bool, len(s.Signals))
			for _, sig := range s.Signals {
				info.signalFilter[sig] = true
			}
		}
		if len(s.TabIDs) > 0 {
			info.tabFilter = make(map[int64]bool, len(s.TabIDs))
			for _, id := range s.TabIDs {
				info.tabFilter[id] = true
			}
		}
		f.streams = append(f.streams, info)
	}
	return f
}

// Start subscribes the feed to the tracker.
func (f *Feed) Start(tracker *nav.Tracker) {
	f.unregister = tracker.Subscribe(f.onSignal)
	slog.Info("event feed started", "streams", len(f.streams))
}

// Stop releases the tracker subscription.
func (f *Feed) Stop() {
	if f.unregister != nil {
		f.unregister()
		f.unregister = nil
	}
	slog.Info("event feed stopped")
}

func (f *Feed) onSignal(sig nav.Signal) {
	var payload []byte
	for _, s := range f.streams {
		if s.signalFilter != nil && !s.signalFilter[sig.Kind] {
			continue
		}
		if s.tabFilter != nil && !s.tabFilter[sig.TabID] {
			continue
		}
		if payload == nil {
			var err error
			payload, err = json.Marshal(sig)
			if err != nil {
				slog.Debug("events: marshal signal failed", "kind", sig.Kind, "error", err)
				return
			}
		}
		f.broker.Publish(Event{Stream: s.name, Signal: sig.Kind, Payload: string(payload)})
	}
}
