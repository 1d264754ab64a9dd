package database

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	apperrors "github.com/c.mueller/tasksync/internal/errors"
	"github.com/c.mueller/tasksync/internal/models"
	"github.com/gofrs/flock"
)

// JSONStore keeps all entries in a single JSON document guarded by a lock file
type JSONStore struct {
	filePath string
	fileLock *flock.Flock
	init     lazyOpen
	mu       sync.Mutex
}

// jsonDocument represents the JSON file structure
type jsonDocument struct {
	Entries  []models.QueueEntry `json:"entries"`
	Metadata jsonMetadata        `json:"metadata"`
}

type jsonMetadata struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewJSONStore creates a JSON file store at filePath
func NewJSONStore(filePath string) *JSONStore {
	return &JSONStore{
		filePath: filePath,
		fileLock: flock.New(filePath + ".lock"),
	}
}

// OpenOrCreate creates the parent directory and an empty document if missing
func (s *JSONStore) OpenOrCreate(ctx context.Context) error {
	err := s.init.do(func() error {
		if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		unlock, err := s.lock(ctx)
		if err != nil {
			return err
		}
		defer unlock()

		if _, err := os.Stat(s.filePath); err == nil {
			return nil
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("failed to stat store file: %w", err)
		}

		now := time.Now().UTC()
		return s.write(&jsonDocument{
			Entries:  []models.QueueEntry{},
			Metadata: jsonMetadata{Version: "1.0", CreatedAt: now, UpdatedAt: now},
		})
	})
	if err != nil {
		return apperrors.Storage("failed to open queue store", err)
	}
	return nil
}

// Put inserts or replaces an entry
func (s *JSONStore) Put(ctx context.Context, entry models.QueueEntry) error {
	return s.modify(ctx, func(doc *jsonDocument) {
		for i, e := range doc.Entries {
			if e.ID == entry.ID {
				doc.Entries[i] = entry
				return
			}
		}
		doc.Entries = append(doc.Entries, entry)
	})
}

// Get returns the entry with the given id
func (s *JSONStore) Get(ctx context.Context, id string) (models.QueueEntry, bool, error) {
	entries, err := s.GetAll(ctx)
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	for _, e := range entries {
		if e.ID == id {
			return e, true, nil
		}
	}
	return models.QueueEntry{}, false, nil
}

// GetAll returns every entry
func (s *JSONStore) GetAll(ctx context.Context) ([]models.QueueEntry, error) {
	if err := s.OpenOrCreate(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, apperrors.Storage("failed to lock queue store", err)
	}
	defer unlock()

	doc, err := s.read()
	if err != nil {
		return nil, apperrors.Storage("failed to read queue store", err)
	}
	return doc.Entries, nil
}

// Delete removes an entry; absent ids are ignored
func (s *JSONStore) Delete(ctx context.Context, id string) error {
	return s.modify(ctx, func(doc *jsonDocument) {
		kept := doc.Entries[:0]
		for _, e := range doc.Entries {
			if e.ID != id {
				kept = append(kept, e)
			}
		}
		doc.Entries = kept
	})
}

// Close releases resources
func (s *JSONStore) Close() error {
	_ = os.Remove(s.filePath + ".lock")
	s.init.reset()
	return nil
}

// modify runs fn on the current document and writes the result atomically
func (s *JSONStore) modify(ctx context.Context, fn func(doc *jsonDocument)) error {
	if err := s.OpenOrCreate(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lock(ctx)
	if err != nil {
		return apperrors.Storage("failed to lock queue store", err)
	}
	defer unlock()

	doc, err := s.read()
	if err != nil {
		return apperrors.Storage("failed to read queue store", err)
	}

	fn(doc)
	doc.Metadata.UpdatedAt = time.Now().UTC()

	if err := s.write(doc); err != nil {
		return apperrors.Storage("failed to write queue store", err)
	}
	return nil
}

func (s *JSONStore) lock(ctx context.Context) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	locked, err := s.fileLock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("could not acquire file lock")
	}
	return func() { _ = s.fileLock.Unlock() }, nil
}

// read loads the document; the caller holds both locks
func (s *JSONStore) read() (*jsonDocument, error) {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	doc := &jsonDocument{}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return doc, nil
}

// write saves the document via a temp file and rename
func (s *JSONStore) write(doc *jsonDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	tmpFile := s.filePath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmpFile, s.filePath); err != nil {
		_ = os.Remove(tmpFile)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}
