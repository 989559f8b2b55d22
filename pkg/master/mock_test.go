package master

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/batchq/batchq/pkg/protocol"
)

// In-memory content store used by the fake worker.
type memEntry struct {
	data []byte
	dir  bool
}

type memStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
}

func newMemStore() *memStore {
	return &memStore{entries: map[string]*memEntry{}}
}

func (s *memStore) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

func (s *memStore) Size(key string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return 0, false
	}
	return int64(len(entry.data)), true
}

func (s *memStore) Put(key string, reader io.Reader) (int64, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &memEntry{data: data}
	return int64(len(data)), nil
}

func (s *memStore) Append(key string, reader io.Reader) (int64, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		entry = &memEntry{}
		s.entries[key] = entry
	}
	entry.data = append(entry.data, data...)
	return int64(len(data)), nil
}

func (s *memStore) PutDir(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &memEntry{dir: true}
	return nil
}

func (s *memStore) Get(key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, fmt.Errorf("no such entry: %s", key)
	}
	return io.NopCloser(bytes.NewReader(entry.data)), nil
}

func (s *memStore) List(prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for key, entry := range s.entries {
		if entry.dir {
			continue
		}
		if key == prefix || strings.HasPrefix(key, prefix+"/") {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *memStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *memStore) put(key, content string) {
	s.Put(key, strings.NewReader(content))
}

func (s *memStore) content(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return ""
	}
	return string(entry.data)
}

// A worker that completes tasks according to a scripted run function.
// With manual set, tasks stay running until complete is called.
type fakeWorker struct {
	mu sync.Mutex

	id        string
	hostname  string
	resources protocol.Resources
	store     *memStore

	// Zero until a test pins it; a live worker reports a fresh heartbeat.
	heartbeat time.Time

	// Invoked on Start. Returns the exit status of the command.
	// The default succeeds without touching the store.
	run func(command string, store *memStore) int

	manual  bool
	running map[uint64]string

	started []uint64
	aborted []uint64
	pending []*Completion

	shutdown bool
}

func newFakeWorker(id string, cores int) *fakeWorker {
	return &fakeWorker{
		id:       id,
		hostname: id + ".local",
		resources: protocol.Resources{
			Cores:    cores,
			MemoryMB: 1024,
			DiskMB:   10240,
		},
		store:   newMemStore(),
		running: map[uint64]string{},
	}
}

func (w *fakeWorker) Id() string                     { return w.id }
func (w *fakeWorker) Hostname() string               { return w.hostname }
func (w *fakeWorker) Addr() string                   { return w.id + ":9123" }
func (w *fakeWorker) Resources() protocol.Resources  { return w.resources }
func (w *fakeWorker) Store() ContentStore            { return w.store }
func (w *fakeWorker) Shutdown() error                { w.shutdown = true; return nil }

func (w *fakeWorker) LastHeartbeat() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.heartbeat.IsZero() {
		return time.Now()
	}
	return w.heartbeat
}

func (w *fakeWorker) setHeartbeat(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.heartbeat = t
}

func (w *fakeWorker) Start(taskId uint64, command string, env map[string]string, unset []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.started = append(w.started, taskId)

	if w.manual {
		w.running[taskId] = command
		return nil
	}

	exit := 0
	if w.run != nil {
		exit = w.run(command, w.store)
	}

	now := time.Now()
	w.pending = append(w.pending, &Completion{
		TaskId:       taskId,
		ReturnStatus: exit,
		StartedAt:    now,
		FinishedAt:   now.Add(time.Millisecond),
	})
	return nil
}

// Finish a manually held task.
func (w *fakeWorker) complete(taskId uint64, exit int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.running, taskId)

	now := time.Now()
	w.pending = append(w.pending, &Completion{
		TaskId:       taskId,
		ReturnStatus: exit,
		StartedAt:    now.Add(-time.Millisecond),
		FinishedAt:   now,
	})
}

func (w *fakeWorker) Poll() (*Completion, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.pending) == 0 {
		return nil, false
	}

	completion := w.pending[0]
	w.pending = w.pending[1:]
	return completion, true
}

func (w *fakeWorker) Abort(taskId uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.aborted = append(w.aborted, taskId)
	delete(w.running, taskId)
	return nil
}
