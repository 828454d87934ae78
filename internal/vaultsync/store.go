package vaultsync

import (
	"encoding/json"
	"errors"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidState   = errors.New("invalid state")
	ErrOffline        = errors.New("cannot sync while offline")
	ErrNotImplemented = errors.New("not implemented")
)

// Fixed logical keys shared by every queue instance against one store.
// Two tabs pointing at the same store read and write the same keys; there is
// no transactional isolation. That race is accepted: the coordinator's
// write-authority signal is the advisory answer, not a storage-level lock.
const (
	KeyPendingOperations = "vaultsync.pending"
	KeyDeadLetters       = "vaultsync.deadletter"
)

// KVStore is the persistence contract: synchronous string get/set/remove on
// a key space shared across contexts of the same vault.
type KVStore interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Remove(key string) error
	Close() error
}

// ChangeNotifier is implemented by stores that can observe writes made by
// peer contexts and report them to the owning process.
type ChangeNotifier interface {
	OnExternalChange(fn func())
}

type memoryKVStore struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemoryKVStore() KVStore {
	return &memoryKVStore{values: map[string]string{}}
}

func (s *memoryKVStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	return value, ok
}

func (s *memoryKVStore) Set(key, value string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *memoryKVStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *memoryKVStore) Close() error {
	return nil
}

type fileKVStore struct {
	path string

	mu        sync.Mutex
	values    map[string]string
	lastHash  uint64
	watcher   *fsnotify.Watcher
	onChange  func()
	closeOnce sync.Once
	done      chan struct{}
}

type fileKVSnapshot struct {
	Values map[string]string `json:"values"`
}

// NewFileKVStore opens a JSON-file backed store. When the host filesystem
// supports it, the file is watched so writes from peer processes surface
// through OnExternalChange.
func NewFileKVStore(path string) (KVStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := &fileKVStore{
		path:   path,
		values: map[string]string{},
		done:   make(chan struct{}),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	s.startWatcher()
	return s, nil
}

func (s *fileKVStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	return value, ok
}

func (s *fileKVStore) Set(key, value string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return s.saveLocked()
}

func (s *fileKVStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return s.saveLocked()
}

func (s *fileKVStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.watcher != nil {
			_ = s.watcher.Close()
		}
	})
	return nil
}

func (s *fileKVStore) OnExternalChange(fn func()) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *fileKVStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *fileKVStore) loadLocked() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileKVSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if snapshot.Values == nil {
		snapshot.Values = map[string]string{}
	}
	s.values = snapshot.Values
	s.lastHash = hashBytes(data)
	return nil
}

func (s *fileKVStore) saveLocked() error {
	snapshot := fileKVSnapshot{Values: s.values}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	s.lastHash = hashBytes(data)
	return nil
}

func (s *fileKVStore) startWatcher() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		_ = watcher.Close()
		return
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return
	}
	s.watcher = watcher
	go func() {
		for {
			select {
			case <-s.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				s.reloadIfForeign()
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

// reloadIfForeign reloads the file and fires the change callback only when
// the on-disk bytes differ from the last write this process made.
func (s *fileKVStore) reloadIfForeign() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	s.mu.Lock()
	if hashBytes(data) == s.lastHash {
		s.mu.Unlock()
		return
	}
	var snapshot fileKVSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		s.mu.Unlock()
		return
	}
	if snapshot.Values == nil {
		snapshot.Values = map[string]string{}
	}
	s.values = snapshot.Values
	s.lastHash = hashBytes(data)
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func hashBytes(data []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(data)
	return h.Sum64()
}
