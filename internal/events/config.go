package events

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StreamConfig describes one named event stream: which lifecycle signals it
// carries and, optionally, which tabs it is restricted to. An empty signal
// list means every signal.
type StreamConfig struct {
	Name    string   `yaml:"name"`
	Signals []string `yaml:"signals,omitempty"`
	TabIDs  []int64  `yaml:"tab_ids,omitempty"`
}

// StreamsConfig is the top-level YAML configuration.
type StreamsConfig struct {
	Streams []StreamConfig `yaml:"streams"`
}

// DefaultStreams is used when no config file is given: one stream carrying
// everything.
func DefaultStreams() *StreamsConfig {
	return &StreamsConfig{Streams: []StreamConfig{{Name: "lifecycle"}}}
}

// LoadConfig reads and validates a streams YAML config file.
func LoadConfig(path string) (*StreamsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("events config: %w", err)
	}
	var cfg StreamsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("events config: %w", err)
	}
	for i, s := range cfg.Streams {
		if s.Name == "" {
			return nil, fmt.Errorf("events config: stream[%d] missing name", i)
		}
	}
	if len(cfg.Streams) == 0 {
		return nil, fmt.Errorf("events config: no streams defined")
	}
	return &cfg, nil
}
