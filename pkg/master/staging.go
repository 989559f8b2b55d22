package master

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/batchq/batchq/pkg/log"
	"github.com/batchq/batchq/pkg/utils"
	"github.com/spf13/afero"
)

// Raised when a declared input cannot be read locally or a declared
// output was not produced by the command. Distinguished from transport
// errors, which are retried.
type stagingError struct {
	spec *FileSpec
	err  error
}

func (e *stagingError) Error() string {
	return fmt.Sprintf("staging %q: %v", e.spec.RemoteName, e.err)
}

func (e *stagingError) Unwrap() error {
	return e.err
}

// Resolves each task's file specifications into transfer and cache
// operations against a worker's content store.
type stagingManager struct {
	// The local (master-side) filesystem files are read from and
	// written to.
	fs utils.Fs

	// Byte offsets of watched files, per worker id and cache key.
	// Watched files stream appended bytes instead of retransferring.
	watchOffsets map[string]int64

	// Cache keys to purge per worker id and task id once the owning
	// task finishes.
	purge map[string]map[uint64][]string
}

func newStagingManager(fs utils.Fs) *stagingManager {
	return &stagingManager{
		fs:           fs,
		watchOffsets: map[string]int64{},
		purge:        map[string]map[uint64][]string{},
	}
}

func watchKey(worker Worker, key string) string {
	return worker.Id() + "/" + key
}

// Returns target relative to base, or "." when they are equal.
// Both are slash separated.
func relativeTo(base, target string) (string, error) {
	base = strings.TrimSuffix(path.Clean(base), "/")
	target = path.Clean(target)

	if target == base {
		return ".", nil
	}

	if !strings.HasPrefix(target, base+"/") {
		return "", fmt.Errorf("%q is not below %q", target, base)
	}

	return strings.TrimPrefix(target, base+"/"), nil
}

// StageInputs transfers the task's input files to the worker in
// specification order, honoring each file's cache policy.
// Byte and time counters are recorded on the task report.
func (m *stagingManager) StageInputs(worker Worker, task *Task) error {
	store := worker.Store()
	start := time.Now()
	task.report.SendInputStart = start

	for _, spec := range task.Files() {
		if spec.Direction != FileInput {
			continue
		}

		sent, err := m.stageInput(store, worker, task, spec)
		if err != nil {
			return err
		}

		task.report.BytesSent += sent
		task.report.BytesTransferred += sent
	}

	task.report.SendInputFinish = time.Now()
	task.report.TransferTime += task.report.SendInputFinish.Sub(start)
	return nil
}

func (m *stagingManager) stageInput(store ContentStore, worker Worker, task *Task, spec *FileSpec) (int64, error) {
	key := spec.CacheKey()

	switch spec.Policy {
	case CacheAlways:
		if store.Contains(key) {
			log.Tracef("hit - file - key: %s, worker: %s", key, worker.Id())
			return 0, nil
		}

	case CacheNever:
		m.rememberPurge(worker, task, key)

	case CacheWatch:
		return m.stageWatched(store, worker, spec, key)
	}

	return m.transferInput(store, spec, key)
}

func (m *stagingManager) transferInput(store ContentStore, spec *FileSpec, key string) (int64, error) {
	switch spec.Kind {
	case FileKindBuffer:
		return store.Put(key, bytes.NewReader(spec.Payload))

	case FileKindDirectory:
		return m.transferDirectory(store, spec, key)

	default:
		reader, err := m.openInput(spec)
		if err != nil {
			return 0, &stagingError{spec: spec, err: err}
		}
		defer reader.Close()

		return store.Put(key, reader)
	}
}

// Directory specs expand recursively only when the recursive flag is
// set; otherwise only the empty directory entry is created.
func (m *stagingManager) transferDirectory(store ContentStore, spec *FileSpec, key string) (int64, error) {
	if !spec.Recursive {
		return 0, store.PutDir(key)
	}

	var total int64

	err := afero.Walk(m.fs, spec.LocalPath, func(walked string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := relativeTo(spec.LocalPath, walked)
		if err != nil {
			return err
		}

		entry := key
		if rel != "." {
			entry = path.Join(key, rel)
		}

		if info.IsDir() {
			return store.PutDir(entry)
		}

		file, err := m.fs.Open(walked)
		if err != nil {
			return err
		}
		defer file.Close()

		n, err := store.Put(entry, file)
		total += n
		return err
	})

	if err != nil {
		return total, &stagingError{spec: spec, err: err}
	}

	return total, nil
}

// Watched inputs transfer only the bytes appended since the previous
// staging to the same worker.
func (m *stagingManager) stageWatched(store ContentStore, worker Worker, spec *FileSpec, key string) (int64, error) {
	file, err := m.fs.Open(spec.LocalPath)
	if err != nil {
		return 0, &stagingError{spec: spec, err: err}
	}
	defer file.Close()

	offset := m.watchOffsets[watchKey(worker, key)]
	if offset > 0 && store.Contains(key) {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			return 0, &stagingError{spec: spec, err: err}
		}

		appended, err := store.Append(key, file)
		if err != nil {
			return appended, err
		}

		m.watchOffsets[watchKey(worker, key)] = offset + appended
		return appended, nil
	}

	written, err := store.Put(key, file)
	if err != nil {
		return written, err
	}

	m.watchOffsets[watchKey(worker, key)] = written
	return written, nil
}

func (m *stagingManager) openInput(spec *FileSpec) (io.ReadCloser, error) {
	file, err := m.fs.Open(spec.LocalPath)
	if err != nil {
		return nil, err
	}

	if !spec.IsPiece {
		return file, nil
	}

	if _, err := file.Seek(spec.StartByte, io.SeekStart); err != nil {
		file.Close()
		return nil, err
	}

	return &limitedReadCloser{
		Reader: io.LimitReader(file, spec.EndByte-spec.StartByte),
		closer: file,
	}, nil
}

type limitedReadCloser struct {
	io.Reader
	closer io.Closer
}

func (r *limitedReadCloser) Close() error {
	return r.closer.Close()
}

// CollectOutputs pulls the task's declared output files back from the
// worker. A missing declared output is reported through missing, not
// as a transport error.
func (m *stagingManager) CollectOutputs(worker Worker, task *Task) (missing string, err error) {
	store := worker.Store()
	start := time.Now()
	task.report.ReceiveOutputStart = start

	defer func() {
		task.report.ReceiveOutputFinish = time.Now()
		task.report.TransferTime += task.report.ReceiveOutputFinish.Sub(start)
	}()

	for _, spec := range task.Files() {
		if spec.Direction != FileOutput {
			continue
		}

		received, err := m.collectOutput(store, worker, task, spec)
		task.report.BytesReceived += received
		task.report.BytesTransferred += received

		if err != nil {
			var staged *stagingError
			if errors.As(err, &staged) {
				return spec.RemoteName, nil
			}
			return "", err
		}
	}

	return "", nil
}

func (m *stagingManager) collectOutput(store ContentStore, worker Worker, task *Task, spec *FileSpec) (int64, error) {
	key := spec.CacheKey()

	if spec.Kind == FileKindDirectory && spec.Recursive {
		return m.collectDirectory(store, spec, key)
	}

	if !store.Contains(key) {
		return 0, &stagingError{spec: spec, err: utils.ErrNotFound}
	}

	if spec.Policy == CacheNever {
		m.rememberPurge(worker, task, key)
	}

	reader, err := store.Get(key)
	if err != nil {
		return 0, err
	}
	defer reader.Close()

	if spec.Policy == CacheWatch {
		return m.appendLocal(spec, reader, watchKey(worker, key))
	}

	return m.writeLocal(spec.LocalPath, reader)
}

func (m *stagingManager) collectDirectory(store ContentStore, spec *FileSpec, key string) (int64, error) {
	keys, err := store.List(key)
	if err != nil {
		return 0, err
	}

	if len(keys) == 0 {
		return 0, &stagingError{spec: spec, err: utils.ErrNotFound}
	}

	var total int64

	for _, entry := range keys {
		rel, err := relativeTo(key, entry)
		if err != nil {
			return total, err
		}

		local := spec.LocalPath
		if rel != "." {
			local = path.Join(spec.LocalPath, rel)
		}

		reader, err := store.Get(entry)
		if err != nil {
			return total, err
		}

		n, err := m.writeLocal(local, reader)
		reader.Close()
		total += n

		if err != nil {
			return total, err
		}
	}

	return total, nil
}

func (m *stagingManager) writeLocal(localPath string, reader io.Reader) (int64, error) {
	if err := m.fs.MkdirAll(path.Dir(localPath), 0755); err != nil {
		return 0, err
	}

	file, err := m.fs.Create(localPath)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	return io.Copy(file, reader)
}

// Watched outputs append newly produced bytes to the local file
// instead of overwriting it.
func (m *stagingManager) appendLocal(spec *FileSpec, reader io.Reader, offsetKey string) (int64, error) {
	offset := m.watchOffsets[offsetKey]

	if _, err := io.CopyN(io.Discard, reader, offset); err != nil && err != io.EOF {
		return 0, err
	}

	file, err := m.fs.OpenFile(spec.LocalPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	appended, err := io.Copy(file, reader)
	if err != nil {
		return appended, err
	}

	m.watchOffsets[offsetKey] = offset + appended
	return appended, nil
}

// Release purges the task's uncached files from the worker.
// Called once the task has finished on that worker.
func (m *stagingManager) Release(worker Worker, task *Task) {
	byTask, ok := m.purge[worker.Id()]
	if !ok {
		return
	}

	for _, key := range byTask[task.Id()] {
		log.Tracef("del - file - key: %s, worker: %s", key, worker.Id())
		worker.Store().Delete(key)
	}

	delete(byTask, task.Id())
}

func (m *stagingManager) rememberPurge(worker Worker, task *Task, key string) {
	byTask, ok := m.purge[worker.Id()]
	if !ok {
		byTask = map[uint64][]string{}
		m.purge[worker.Id()] = byTask
	}
	byTask[task.Id()] = append(byTask[task.Id()], key)
}
