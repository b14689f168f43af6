package offline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"golang.org/x/exp/maps"
)

// durable key-value state under the subsystems. values are always JSON.
// the three record families are laid out as:
//
//	ops            the whole pending operations list
//	cache/<key>    one row per cache entry
//	update/<kind>  the latest update record per kind
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// in-memory storage. does not survive restarts, used by tests and
// ephemeral sessions.
type MemoryStorage struct {
	mutex  sync.Mutex
	values map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		values: map[string][]byte{},
	}
}

func (self *MemoryStorage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	value, ok := self.values[key]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(value), true, nil
}

func (self *MemoryStorage) Set(ctx context.Context, key string, value []byte) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.values[key] = slices.Clone(value)
	return nil
}

func (self *MemoryStorage) Delete(ctx context.Context, key string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.values, key)
	return nil
}

func (self *MemoryStorage) Keys(ctx context.Context, prefix string) ([]string, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	keys := []string{}
	for _, key := range maps.Keys(self.values) {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func (self *MemoryStorage) Close() error {
	return nil
}

// one file per key under a root directory. writes go to a temp file in the
// same directory and are renamed into place, so a crash never leaves a
// half-written value.
type FileStorage struct {
	rootDir string

	mutex sync.Mutex
}

func NewFileStorage(rootDir string) (*FileStorage, error) {
	if err := os.MkdirAll(rootDir, 0700); err != nil {
		return nil, err
	}
	return &FileStorage{
		rootDir: rootDir,
	}, nil
}

func (self *FileStorage) path(key string) string {
	// keys contain "/", escape so each key is a single flat file
	return filepath.Join(self.rootDir, url.PathEscape(key)+".json")
}

func (self *FileStorage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	value, err := os.ReadFile(self.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if len(value) == 0 {
		return nil, false, nil
	}
	return value, true, nil
}

func (self *FileStorage) Set(ctx context.Context, key string, value []byte) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	f, err := os.CreateTemp(self.rootDir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := f.Name()
	if _, err := f.Write(value); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, self.path(key)); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func (self *FileStorage) Delete(ctx context.Context, key string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	err := os.Remove(self.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (self *FileStorage) Keys(ctx context.Context, prefix string) ([]string, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	entries, err := os.ReadDir(self.rootDir)
	if err != nil {
		return nil, err
	}
	keys := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, fmt.Errorf("bad storage file name %s: %w", name, err)
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func (self *FileStorage) Close() error {
	return nil
}
