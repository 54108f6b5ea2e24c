package feedstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"bitriver-submerger/internal/models"
)

// JSONStore persists seen feed items to a single JSON file, rewritten
// atomically (temp file + rename) on every Insert.
//
// Grounded on the teacher's internal/storage.Storage.persistDataset: a
// MkdirAll, a CreateTemp in the same directory, an indented json.Encoder,
// Sync, then an atomic os.Rename over the target path.
type JSONStore struct {
	mu       sync.Mutex
	filePath string
	items    map[string]models.FeedItemRecord
}

// NewJSONStore opens (or creates) the JSON-backed store at path.
func NewJSONStore(path string) (*JSONStore, error) {
	s := &JSONStore{filePath: path, items: make(map[string]models.FeedItemRecord)}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("feedstore: read json store: %w", err)
	}
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s.items); err != nil {
		return nil, fmt.Errorf("feedstore: decode json store: %w", err)
	}
	return s, nil
}

func (s *JSONStore) Exists(_ context.Context, itemID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[itemID]
	return ok, nil
}

func (s *JSONStore) Insert(_ context.Context, record models.FeedItemRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[record.ItemID]; ok {
		return nil
	}
	s.items[record.ItemID] = record
	return s.persistLocked()
}

func (s *JSONStore) persistLocked() error {
	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("feedstore: create data dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "feedstore-*.json")
	if err != nil {
		return fmt.Errorf("feedstore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmp)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.items); err != nil {
		return fmt.Errorf("feedstore: encode: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("feedstore: flush: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("feedstore: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("feedstore: replace store file: %w", err)
	}
	success = true
	return nil
}

func (s *JSONStore) Close(context.Context) error { return nil }

var _ Store = (*JSONStore)(nil)
