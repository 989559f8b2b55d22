package worker

import (
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/batchq/batchq/pkg/log"
	"github.com/batchq/batchq/pkg/utils"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
)

// An entry in the store index.
type object struct {
	key  string
	size int64
	dir  bool
}

func (o *object) Path() string {
	return o.key
}

func (o *object) Size() int64 {
	return o.size
}

// Store holds the files staged to a worker, compressed at rest.
//
// Entries are keyed by remote name. Sizes reported by the store are
// uncompressed sizes. When a size bound is configured, the least
// recently used entries are evicted to stay below it.
type Store struct {
	mu sync.Mutex

	fs afero.Fs

	index map[string]*object
	lru   *utils.LRU[*object]
}

// NewStore creates a store on the given filesystem. A maxSize of zero
// or less leaves the store unbounded.
func NewStore(fs afero.Fs, maxSize int64) *Store {
	store := &Store{
		fs:    fs,
		index: map[string]*object{},
	}

	store.lru = utils.NewLRU(maxSize, store.evict)
	return store
}

// Called by the LRU with the store lock held.
// Directory markers are never evicted.
func (s *Store) evict(obj *object) bool {
	if obj.dir {
		return false
	}

	log.Tracef("evict - object - key: %s, size: %d", obj.key, obj.size)

	if err := s.fs.Remove(s.objectPath(obj.key)); err != nil {
		log.Debug("eviction failed:", err)
		return false
	}

	delete(s.index, obj.key)
	return true
}

func (s *Store) objectPath(key string) string {
	return path.Join("objects", key) + ".zst"
}

// Contains returns true if the store holds an entry with the given key.
func (s *Store) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.index[key]
	return ok
}

// Size returns the uncompressed size of the entry with the given key.
func (s *Store) Size(key string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.index[key]
	if !ok {
		return 0, false
	}
	return obj.size, true
}

// Put stores an entry, replacing any existing entry with the same key.
// Returns the number of uncompressed bytes written.
func (s *Store) Put(key string, reader io.Reader) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	size, err := s.write(s.objectPath(key), reader)
	if err != nil {
		return 0, err
	}

	s.insert(&object{key: key, size: size})
	return size, nil
}

// Append adds bytes to an existing entry, creating it if absent.
// Returns the number of uncompressed bytes appended.
func (s *Store) Append(key string, reader io.Reader) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.index[key]
	if !ok {
		size, err := s.write(s.objectPath(key), reader)
		if err != nil {
			return 0, err
		}
		s.insert(&object{key: key, size: size})
		return size, nil
	}

	// Compressed frames do not append in place. Rewrite the object
	// with the old content followed by the new bytes.
	old, err := s.open(key)
	if err != nil {
		return 0, err
	}

	tmpPath := s.objectPath(key) + ".tmp"
	total, err := s.write(tmpPath, io.MultiReader(old, reader))
	old.Close()
	if err != nil {
		s.fs.Remove(tmpPath)
		return 0, err
	}

	if err := s.fs.Rename(tmpPath, s.objectPath(key)); err != nil {
		s.fs.Remove(tmpPath)
		return 0, err
	}

	appended := total - obj.size
	s.insert(&object{key: key, size: total})
	return appended, nil
}

// PutDir creates an empty directory entry.
func (s *Store) PutDir(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if obj, ok := s.index[key]; ok {
		if !obj.dir {
			return fmt.Errorf("%w: %q is not a directory", utils.ErrBadRequest, key)
		}
		return nil
	}

	s.insert(&object{key: key, dir: true})
	return nil
}

// Get returns a reader over the uncompressed entry content.
func (s *Store) Get(key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.index[key]
	if !ok {
		return nil, utils.ErrNotFound
	}
	if obj.dir {
		return nil, fmt.Errorf("%w: %q is a directory", utils.ErrBadRequest, key)
	}

	s.lru.Get(key)
	return s.open(key)
}

// List returns the keys of all file entries at or below the
// given prefix, sorted.
func (s *Store) List(prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for key, obj := range s.index {
		if obj.dir {
			continue
		}
		if key == prefix || strings.HasPrefix(key, prefix+"/") {
			keys = append(keys, key)
		}
	}

	sort.Strings(keys)
	return keys, nil
}

// Keys returns the keys of all file entries in the store, sorted.
func (s *Store) Keys() []string {
	keys, _ := s.List("")
	return keys
}

// Delete removes the entry with the given key.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.index[key]
	if !ok {
		return utils.ErrNotFound
	}

	if !obj.dir {
		if err := s.fs.Remove(s.objectPath(key)); err != nil {
			return err
		}
	}

	delete(s.index, key)
	s.lru.Remove(key)
	return nil
}

func (s *Store) insert(obj *object) {
	s.index[obj.key] = obj
	s.lru.Add(obj)
}

func (s *Store) write(filePath string, reader io.Reader) (int64, error) {
	if err := s.fs.MkdirAll(path.Dir(filePath), 0755); err != nil {
		return 0, err
	}

	file, err := s.fs.Create(filePath)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	encoder, err := zstd.NewWriter(file)
	if err != nil {
		return 0, err
	}

	size, err := io.Copy(encoder, reader)
	if err != nil {
		encoder.Close()
		return 0, err
	}

	return size, encoder.Close()
}

func (s *Store) open(key string) (io.ReadCloser, error) {
	file, err := s.fs.Open(s.objectPath(key))
	if err != nil {
		return nil, err
	}

	decoder, err := zstd.NewReader(file)
	if err != nil {
		file.Close()
		return nil, err
	}

	return &decodedReader{decoder: decoder, file: file}, nil
}

type decodedReader struct {
	decoder *zstd.Decoder
	file    afero.File
}

func (r *decodedReader) Read(p []byte) (int, error) {
	return r.decoder.Read(p)
}

func (r *decodedReader) Close() error {
	r.decoder.Close()
	return r.file.Close()
}
