package master

import (
	"io"
	"time"

	"github.com/batchq/batchq/pkg/protocol"
)

// The per-worker persistent content store that staged files live in.
//
// The store is keyed by remote name. Cached entries survive across
// tasks on the same worker; uncached entries are purged by the queue
// after the owning task finishes.
type ContentStore interface {
	// Returns true if the store holds an entry with the given key.
	Contains(key string) bool

	// Returns the size in bytes of the entry with the given key.
	Size(key string) (int64, bool)

	// Store an entry. An existing entry with the same key is replaced.
	// Returns the number of bytes written.
	Put(key string, reader io.Reader) (int64, error)

	// Append bytes to an existing entry, creating it if absent.
	// Returns the number of bytes appended.
	Append(key string, reader io.Reader) (int64, error)

	// Create an empty directory entry.
	PutDir(key string) error

	// Returns a reader for the entry with the given key.
	Get(key string) (io.ReadCloser, error)

	// Returns the keys of all entries below the given prefix.
	List(prefix string) ([]string, error)

	// Remove the entry with the given key.
	Delete(key string) error
}

// The result of one command execution on a worker.
type Completion struct {
	// Id of the task that finished.
	TaskId uint64

	// Exit code of the command.
	ReturnStatus int

	// Signal that terminated the command, or 0.
	Signal int

	// Transport or execution failure, if any. A non-nil error means
	// the command outcome is unknown and the task should be retried.
	Err error

	// Execution timestamps as observed by the worker.
	StartedAt  time.Time
	FinishedAt time.Time
}

// A worker that receives and executes tasks.
//
// The core never sees the wire transport. Workers advertise capacity,
// expose a content store for staging and accept asynchronous execution
// requests that are collected with Poll.
type Worker interface {
	// UUID identity of the worker.
	Id() string

	// Name of the host the worker runs on.
	Hostname() string

	// Address and port of the worker.
	Addr() string

	// The resource capacity advertised by the worker.
	// Re-read on every match decision, never cached by the engine.
	Resources() protocol.Resources

	// The content store files are staged to and from.
	Store() ContentStore

	// Begin executing a command. Returns immediately; the outcome is
	// collected with Poll.
	Start(taskId uint64, command string, env map[string]string, unset []string) error

	// Returns a finished execution, if one is available.
	Poll() (*Completion, bool)

	// Abort a running task.
	Abort(taskId uint64) error

	// Time of the last keepalive response from the worker.
	LastHeartbeat() time.Time

	// Order the worker to shut down.
	Shutdown() error
}
