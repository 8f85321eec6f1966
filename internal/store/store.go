// Package store persists payloads received over transfer ports, each as a
// data file with a JSON metadata sidecar.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"
)

var uuidRe = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// PayloadMeta describes one stored payload.
type PayloadMeta struct {
	ID        string    `json:"id"`
	TabID     int64     `json:"tab_id"`
	FrameID   int64     `json:"frame_id"`
	Kind      string    `json:"kind"` // file, image, buffer
	Filename  string    `json:"filename,omitempty"`
	MimeType  string    `json:"mime_type,omitempty"`
	SizeBytes int       `json:"size_bytes"`
	Chunks    int       `json:"chunks"`
	CreatedAt time.Time `json:"created_at"`
}

// Store manages payload files on disk.
type Store struct {
	dir string
	mu  sync.RWMutex
}

// NewStore creates a Store and ensures the directory exists.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("payload store: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) validateID(id string) error {
	if !uuidRe.MatchString(id) {
		return fmt.Errorf("invalid payload id: %q", id)
	}
	return nil
}

// Save writes both the payload file and metadata sidecar.
func (s *Store) Save(meta PayloadMeta, data []byte) error {
	if err := s.validateID(meta.ID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	binPath := filepath.Join(s.dir, meta.ID+".bin")
	jsonPath := filepath.Join(s.dir, meta.ID+".json")

	if err := os.WriteFile(binPath, data, 0o644); err != nil {
		return fmt.Errorf("payload store: write data: %w", err)
	}

	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		_ = os.Remove(binPath)
		return fmt.Errorf("payload store: marshal meta: %w", err)
	}

	if err := os.WriteFile(jsonPath, metaBytes, 0o644); err != nil {
		_ = os.Remove(binPath)
		return fmt.Errorf("payload store: write meta: %w", err)
	}

	return nil
}

// Get reads payload metadata by ID.
func (s *Store) Get(id string) (PayloadMeta, error) {
	if err := s.validateID(id); err != nil {
		return PayloadMeta{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	jsonPath := filepath.Join(s.dir, id+".json")
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		if os.IsNotExist(err) {
			return PayloadMeta{}, fmt.Errorf("payload not found: %s", id)
		}
		return PayloadMeta{}, fmt.Errorf("payload store: read meta: %w", err)
	}

	var meta PayloadMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return PayloadMeta{}, fmt.Errorf("payload store: unmarshal meta: %w", err)
	}
	return meta, nil
}

// List returns all payloads sorted by creation time (newest first).
func (s *Store) List() ([]PayloadMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("payload store: glob: %w", err)
	}

	metas := make([]PayloadMeta, 0, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var meta PayloadMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		metas = append(metas, meta)
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].CreatedAt.After(metas[j].CreatedAt)
	})

	return metas, nil
}

// ReadData reads the raw payload bytes along with the metadata.
func (s *Store) ReadData(id string) ([]byte, PayloadMeta, error) {
	meta, err := s.Get(id)
	if err != nil {
		return nil, PayloadMeta{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	binPath := filepath.Join(s.dir, id+".bin")
	data, err := os.ReadFile(binPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, PayloadMeta{}, fmt.Errorf("payload data not found: %s", id)
		}
		return nil, PayloadMeta{}, fmt.Errorf("payload store: read data: %w", err)
	}
	return data, meta, nil
}

// Delete removes both the payload and metadata files.
func (s *Store) Delete(id string) error {
	if err := s.validateID(id); err != nil {
		return err
	}

	// Meta must exist; the data file may already be gone.
	if _, err := s.Get(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	binPath := filepath.Join(s.dir, id+".bin")
	jsonPath := filepath.Join(s.dir, id+".json")

	if err := os.Remove(binPath); err != nil && !os.IsNotExist(err) {
		slog.Debug("payload data cleanup failed", "id", id, "error", err)
	}
	if err := os.Remove(jsonPath); err != nil {
		return fmt.Errorf("payload store: remove meta: %w", err)
	}
	return nil
}
