// Package storage persists the forwarding watermark: the highest source
// UID that has been resolved (forwarded or permanently skipped) for one
// account/host/folder stream.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zyd/mailrelay/internal/pkg/kvstore"
)

// Key identifies one independent watermark stream.
type Key struct {
	Account string
	Host    string
	Folder  string
}

// String renders the key in the account:host:folder form used as the
// JSON object key inside the state file.
func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Account, k.Host, k.Folder)
}

// FileStore keeps watermarks in a JSON file. The file is read in full
// when the store is opened and rewritten in full (atomic rename, never
// append) after every update, so a crash leaves either the old or the
// new state, not a torn one. The store assumes it is the file's only
// writer and reader for its lifetime: after opening, reads are served
// from memory and never go back to disk, so concurrent edits to the
// file by another process are lost on the next flush.
type FileStore struct {
	path string
	data *kvstore.KVStore[string, uint32]
}

// OpenFileStore loads the state file at path. A missing file is an
// empty store; a corrupt file is an error so that a half-written state
// is never silently discarded.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path: path,
		data: kvstore.New[string, uint32](),
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	entries := make(map[string]uint32)
	if err = json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("unmarshal state file %q: %w", path, err)
	}
	s.data.Replace(entries)

	return s, nil
}

// Get returns the watermark for the given stream, if one was recorded.
func (s *FileStore) Get(key Key) (uint32, bool) {
	return s.data.Get(key.String())
}

// Set advances the watermark for the given stream and persists the whole
// state. The watermark never moves backwards: a lower value is ignored.
func (s *FileStore) Set(key Key, uid uint32) error {
	if old, ok := s.data.Get(key.String()); ok && old >= uid {
		return nil
	}
	s.data.Set(key.String(), uid)
	return s.flush()
}

func (s *FileStore) flush() error {
	raw, err := json.MarshalIndent(s.data.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if _, err = tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp state file: %w", err)
	}

	if err = os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// MemoryStore is an ephemeral watermark store. Every restart
// reprocesses whatever is still unseen, which is safe with
// at-least-once semantics.
type MemoryStore struct {
	data *kvstore.KVStore[string, uint32]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: kvstore.New[string, uint32]()}
}

func (s *MemoryStore) Get(key Key) (uint32, bool) {
	return s.data.Get(key.String())
}

func (s *MemoryStore) Set(key Key, uid uint32) error {
	if old, ok := s.data.Get(key.String()); ok && old >= uid {
		return nil
	}
	s.data.Set(key.String(), uid)
	return nil
}
