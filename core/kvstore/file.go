package kvstore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultPollInterval is how often the file backend checks the state file
// for writes made by other processes.
const DefaultPollInterval = time.Second

// FileBackend persists entries as a single JSON document on disk. Writes go
// through a temp file and an atomic rename so concurrent readers never see
// a torn file. Cross-process change notification is modification-time
// polling: cheap, portable, and good enough for the eventual-convergence
// model the session layer is built on.
type FileBackend struct {
	path         string
	pollInterval time.Duration

	mu      sync.Mutex
	data    map[string]string
	modTime time.Time
	subs    map[int]func(key, value string)
	nextSub int
	polling bool
	stop    chan struct{}
	closed  bool
}

// FileOption configures a FileBackend.
type FileOption func(*FileBackend)

// WithPollInterval sets how often the backend polls the state file for
// external changes. Default is DefaultPollInterval.
func WithPollInterval(d time.Duration) FileOption {
	return func(f *FileBackend) {
		if d > 0 {
			f.pollInterval = d
		}
	}
}

// NewFileBackend creates a file backend persisting to path. Parent
// directories are created as needed; a missing state file is treated as an
// empty store.
func NewFileBackend(path string, opts ...FileOption) (*FileBackend, error) {
	f := &FileBackend{
		path:         path,
		pollInterval: DefaultPollInterval,
		data:         make(map[string]string),
		subs:         make(map[int]func(key, value string)),
		stop:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := f.reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Load implements Backend.
func (f *FileBackend) Load(key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.reloadIfChangedLocked(); err != nil {
		return "", false, err
	}
	v, ok := f.data[key]
	return v, ok, nil
}

// Store implements Backend.
func (f *FileBackend) Store(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("kvstore: file backend closed")
	}
	if err := f.reloadIfChangedLocked(); err != nil {
		return err
	}
	f.data[key] = value
	return f.persistLocked()
}

// Delete implements Backend.
func (f *FileBackend) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	if err := f.reloadIfChangedLocked(); err != nil {
		return err
	}
	if _, ok := f.data[key]; !ok {
		return nil
	}
	delete(f.data, key)
	return f.persistLocked()
}

// Keys implements Backend.
func (f *FileBackend) Keys(prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.reloadIfChangedLocked(); err != nil {
		return nil, err
	}
	var keys []string
	for k := range f.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Close implements Backend and stops the poll loop if one is running.
func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	close(f.stop)
	return nil
}

// Notify implements Notifier. The first registration starts the poll loop.
func (f *FileBackend) Notify(fn func(key, value string)) (func(), error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, errors.New("kvstore: file backend closed")
	}
	id := f.nextSub
	f.nextSub++
	f.subs[id] = fn
	if !f.polling {
		f.polling = true
		go f.pollLoop()
	}
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}, nil
}

func (f *FileBackend) pollLoop() {
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			f.pollOnce()
		}
	}
}

// pollOnce reloads the state file when its modification time advanced and
// fans out the diff to registered callbacks.
func (f *FileBackend) pollOnce() {
	f.mu.Lock()
	info, err := os.Stat(f.path)
	if err != nil || !info.ModTime().After(f.modTime) {
		f.mu.Unlock()
		return
	}

	previous := f.data
	if err := f.reload(); err != nil {
		f.mu.Unlock()
		return
	}

	type change struct{ key, value string }
	var changes []change
	for k, v := range f.data {
		if old, ok := previous[k]; !ok || old != v {
			changes = append(changes, change{k, v})
		}
	}
	for k := range previous {
		if _, ok := f.data[k]; !ok {
			changes = append(changes, change{k, ""})
		}
	}

	var subs []func(key, value string)
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.mu.Unlock()

	for _, c := range changes {
		for _, fn := range subs {
			fn(c.key, c.value)
		}
	}
}

// reload reads the state file into memory; callers must hold f.mu (or be
// the constructor before the backend is shared).
func (f *FileBackend) reload() error {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			f.data = make(map[string]string)
			f.modTime = time.Time{}
			return nil
		}
		return err
	}

	data := make(map[string]string)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return err
		}
	}
	f.data = data
	if info, err := os.Stat(f.path); err == nil {
		f.modTime = info.ModTime()
	}
	return nil
}

func (f *FileBackend) reloadIfChangedLocked() error {
	info, err := os.Stat(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.ModTime().After(f.modTime) {
		return f.reload()
	}
	return nil
}

func (f *FileBackend) persistLocked() error {
	raw, err := json.Marshal(f.data)
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".beacon-state-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if info, err := os.Stat(f.path); err == nil {
		f.modTime = info.ModTime()
	}
	return nil
}
