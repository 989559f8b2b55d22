package worker

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/batchq/batchq/pkg/log"
	"github.com/batchq/batchq/pkg/master"
	"github.com/batchq/batchq/pkg/protocol"
	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// Matches the byte range suffix of piece entries, "name[start-end]".
var pieceSuffix = regexp.MustCompile(`^(.*)\[\d+-\d+\]$`)

// LocalWorker executes commands as local processes.
//
// Each task runs in its own sandbox directory. Staged store entries are
// materialized into the sandbox before the command starts; afterwards
// the sandbox contents are ingested back into the store so that the
// queue can collect declared outputs.
type LocalWorker struct {
	mu sync.Mutex

	id       string
	hostname string
	addr     string

	root      string
	resources protocol.Resources
	store     *Store

	running     map[uint64]*exec.Cmd
	completions chan *master.Completion

	closed bool
}

// NewLocalWorker creates a worker rooted at the given directory.
// The store size bound is in bytes; zero or less leaves it unbounded.
func NewLocalWorker(root string, resources protocol.Resources, storeSize int64) (*LocalWorker, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	addr := "local://" + hostname
	if mid, err := machineid.ProtectedID("batchq"); err == nil {
		addr = "local://" + mid[:12]
	}

	fs := afero.NewBasePathFs(afero.NewOsFs(), root)

	worker := &LocalWorker{
		id:          uuid.NewString(),
		hostname:    hostname,
		addr:        addr,
		root:        root,
		resources:   resources,
		store:       NewStore(fs, storeSize),
		running:     map[uint64]*exec.Cmd{},
		completions: make(chan *master.Completion, 64),
	}

	log.Info("new - worker - id:", worker.id, "- root:", root)
	return worker, nil
}

func (w *LocalWorker) Id() string {
	return w.id
}

func (w *LocalWorker) Hostname() string {
	return w.hostname
}

func (w *LocalWorker) Addr() string {
	return w.addr
}

func (w *LocalWorker) Resources() protocol.Resources {
	return w.resources
}

func (w *LocalWorker) Store() master.ContentStore {
	return w.store
}

// The worker executes in-process. Its heartbeat is always fresh.
func (w *LocalWorker) LastHeartbeat() time.Time {
	return time.Now()
}

// Start executes a command in a fresh sandbox. The outcome is
// delivered through Poll.
func (w *LocalWorker) Start(taskId uint64, command string, env map[string]string, unset []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("worker %s is shut down", w.id)
	}

	if _, ok := w.running[taskId]; ok {
		return fmt.Errorf("task %d is already running", taskId)
	}

	sandbox := filepath.Join(w.root, "sandbox", fmt.Sprint(taskId))
	if err := w.materialize(sandbox); err != nil {
		return err
	}

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = sandbox
	cmd.Env = buildEnv(env, unset)

	startedAt := time.Now()
	if err := cmd.Start(); err != nil {
		os.RemoveAll(sandbox)
		return err
	}

	w.running[taskId] = cmd

	go w.await(taskId, cmd, sandbox, startedAt)
	return nil
}

func (w *LocalWorker) await(taskId uint64, cmd *exec.Cmd, sandbox string, startedAt time.Time) {
	err := cmd.Wait()
	finishedAt := time.Now()

	w.mu.Lock()
	delete(w.running, taskId)
	w.mu.Unlock()

	completion := &master.Completion{
		TaskId:     taskId,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	}

	if err != nil {
		if exit, ok := err.(*exec.ExitError); ok {
			completion.ReturnStatus = exit.ExitCode()
			if status, ok := exit.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				completion.Signal = int(status.Signal())
			}
		} else {
			completion.Err = err
		}
	}

	if completion.Err == nil {
		if err := w.ingest(sandbox); err != nil {
			completion.Err = err
		}
	}

	os.RemoveAll(sandbox)
	w.completions <- completion
}

// Poll returns a finished execution, if one is available.
func (w *LocalWorker) Poll() (*master.Completion, bool) {
	select {
	case completion := <-w.completions:
		return completion, true
	default:
		return nil, false
	}
}

// Abort kills the process of a running task.
// Its completion is still delivered through Poll.
func (w *LocalWorker) Abort(taskId uint64) error {
	w.mu.Lock()
	cmd, ok := w.running[taskId]
	w.mu.Unlock()

	if !ok {
		return nil
	}

	log.Debugf("abt - task - id: %d", taskId)
	return cmd.Process.Kill()
}

// Shutdown kills all running tasks and refuses further work.
func (w *LocalWorker) Shutdown() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	for id, cmd := range w.running {
		log.Debugf("abt - task - id: %d - worker shutdown", id)
		cmd.Process.Kill()
	}

	log.Info("del - worker - id:", w.id)
	return nil
}

// Write every store entry into the sandbox under its key.
// Piece entries drop their byte range suffix.
func (w *LocalWorker) materialize(sandbox string) error {
	if err := os.MkdirAll(sandbox, 0755); err != nil {
		return err
	}

	for _, key := range w.store.Keys() {
		name := key
		if match := pieceSuffix.FindStringSubmatch(key); match != nil {
			name = match[1]
		}

		target := filepath.Join(sandbox, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}

		reader, err := w.store.Get(key)
		if err != nil {
			return err
		}

		file, err := os.Create(target)
		if err != nil {
			reader.Close()
			return err
		}

		_, err = file.ReadFrom(reader)
		reader.Close()
		file.Close()

		if err != nil {
			return err
		}
	}

	return nil
}

// Read every file in the sandbox back into the store, keyed by its
// sandbox-relative path. Makes command outputs collectable.
func (w *LocalWorker) ingest(sandbox string) error {
	return filepath.Walk(sandbox, func(walked string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}

		rel, err := filepath.Rel(sandbox, walked)
		if err != nil {
			return err
		}

		file, err := os.Open(walked)
		if err != nil {
			return err
		}
		defer file.Close()

		_, err = w.store.Put(filepath.ToSlash(rel), file)
		return err
	})
}

func buildEnv(env map[string]string, unset []string) []string {
	skip := map[string]struct{}{}
	for _, name := range unset {
		skip[name] = struct{}{}
	}
	for name := range env {
		skip[name] = struct{}{}
	}

	var result []string
	for _, entry := range os.Environ() {
		name := entry
		for i := 0; i < len(entry); i++ {
			if entry[i] == '=' {
				name = entry[:i]
				break
			}
		}
		if _, ok := skip[name]; ok {
			continue
		}
		result = append(result, entry)
	}

	for name, value := range env {
		result = append(result, name+"="+value)
	}

	return result
}
