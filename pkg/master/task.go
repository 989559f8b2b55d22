package master

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/batchq/batchq/pkg/protocol"
	"github.com/batchq/batchq/pkg/utils"
)

// Direction of a file transfer.
type FileDirection int

const (
	// The file is staged to the worker before execution.
	FileInput FileDirection = iota

	// The file is pulled back from the worker after execution.
	FileOutput
)

// Per-file policy controlling whether a transferred file persists
// in a worker's content store across tasks.
type CachePolicy int

const (
	// Transfer once per worker, keyed by remote name. Subsequent tasks
	// targeting the same worker reuse the stored copy.
	CacheAlways CachePolicy = iota

	// Transfer every time, purge from the worker after the task finishes.
	CacheNever

	// Stream incremental appends instead of retransferring the whole file.
	CacheWatch
)

// Kind of a file specification.
type FileKind int

const (
	FileKindRegular FileKind = iota
	FileKindBuffer
	FileKindDirectory
)

// A single file transfer declared on a task.
type FileSpec struct {
	// What is being transferred.
	Kind FileKind

	// Transfer direction.
	Direction FileDirection

	// Cache policy at the worker.
	Policy CachePolicy

	// Path on the local (master-side) filesystem. Unused for buffers.
	LocalPath string

	// Buffer payload for FileKindBuffer.
	Payload []byte

	// Name of the file at the execution site.
	// Must be relative and unique among a task's file specs.
	RemoteName string

	// Expand directory contents recursively. Directories only.
	Recursive bool

	// Byte range of a piece transfer. EndByte is exclusive.
	StartByte int64
	EndByte   int64
	IsPiece   bool
}

// CacheKey returns the key under which the file is stored
// in a worker's content store.
func (f *FileSpec) CacheKey() string {
	if f.IsPiece {
		return fmt.Sprintf("%s[%d-%d]", f.RemoteName, f.StartByte, f.EndByte)
	}
	return f.RemoteName
}

// A task to be executed by a worker.
//
// A task is exclusively owned by the caller before submission. Ownership
// transfers to the queue on submission and back to the caller when Wait
// returns the task. Specification setters fail while the queue owns the task.
type Task struct {
	sync.RWMutex

	// Identity. Assigned at first submission, immutable thereafter.
	id uint64

	// Caller-defined logical name. Not unique.
	tag string

	// The shell command line to execute.
	command string

	// Per-task override of the worker selection algorithm.
	algorithm Algorithm

	// Scheduling priority. Higher is scheduled first.
	priority int

	// Requested resources.
	resources protocol.Resources

	// If set, the task is only matched to this host.
	preferredHost string

	// Absolute deadline. Zero means no deadline.
	deadline time.Time

	// Environment variable overrides. A nil value unsets the variable.
	env map[string]*string

	// Declared file transfers, in specification order.
	files []*FileSpec

	// Lifecycle state.
	state protocol.TaskState

	// True while the queue owns the task.
	owned bool

	// Number of times the task has been dispatched to a worker.
	totalSubmissions int

	// Arrival sequence number in the ready queue.
	arrival uint64

	// Measurements, exposed via Report once the task is terminal.
	report Report
}

// Measurements and results of a task execution.
// Only valid once the task has reached a terminal state.
type Report struct {
	// Exit code of the command.
	ReturnStatus int

	// Outcome kind.
	Result protocol.TaskResult

	// Address and hostname of the worker that ran the task.
	Host     string
	Hostname string

	// Lifecycle timestamps.
	SubmittedAt         time.Time
	FinishedAt          time.Time
	SendInputStart      time.Time
	SendInputFinish     time.Time
	ExecuteStart        time.Time
	ExecuteFinish       time.Time
	ReceiveOutputStart  time.Time
	ReceiveOutputFinish time.Time

	// Transfer counters.
	BytesSent        int64
	BytesReceived    int64
	BytesTransferred int64

	// Accumulated transfer and execution time.
	TransferTime time.Duration
	ExecuteTime  time.Duration

	// Number of times the task was dispatched.
	TotalSubmissions int
}

// Create a new task that executes the given shell command line.
func NewTask(command string) *Task {
	return &Task{
		command: command,
		env:     map[string]*string{},
		files:   []*FileSpec{},
	}
}

// Returns the task id. Zero until the task has been submitted.
func (t *Task) Id() uint64 {
	t.RLock()
	defer t.RUnlock()
	return t.id
}

// Returns the caller-defined tag.
func (t *Task) Tag() string {
	t.RLock()
	defer t.RUnlock()
	return t.tag
}

// Returns the shell command line.
func (t *Task) Command() string {
	t.RLock()
	defer t.RUnlock()
	return t.command
}

// Returns the scheduling priority.
func (t *Task) Priority() int {
	t.RLock()
	defer t.RUnlock()
	return t.priority
}

// Returns the per-task selection algorithm override.
func (t *Task) Algorithm() Algorithm {
	t.RLock()
	defer t.RUnlock()
	return t.algorithm
}

// Returns the requested resources.
func (t *Task) Resources() protocol.Resources {
	t.RLock()
	defer t.RUnlock()
	return t.resources
}

// Returns the current lifecycle state.
func (t *Task) State() protocol.TaskState {
	t.RLock()
	defer t.RUnlock()
	return t.state
}

// Returns the number of times the task has been dispatched to a worker.
func (t *Task) TotalSubmissions() int {
	t.RLock()
	defer t.RUnlock()
	return t.totalSubmissions
}

// Returns the declared file transfers in specification order.
func (t *Task) Files() []*FileSpec {
	t.RLock()
	defer t.RUnlock()
	return t.files
}

// Report returns the execution report of the task.
// Fails with ErrNotAvailable until the task reaches a terminal state,
// never stale data.
func (t *Task) Report() (*Report, error) {
	t.RLock()
	defer t.RUnlock()

	if !t.state.IsTerminal() {
		return nil, utils.ErrNotAvailable
	}

	report := t.report
	report.TotalSubmissions = t.totalSubmissions
	return &report, nil
}

// Set the command to be executed by the task.
func (t *Task) SetCommand(command string) error {
	return t.specify(func() { t.command = command })
}

// Attach a caller-defined logical name to the task.
func (t *Task) SetTag(tag string) error {
	return t.specify(func() { t.tag = tag })
}

// Set the worker selection algorithm for this task,
// overriding the queue-wide default.
func (t *Task) SetAlgorithm(algorithm Algorithm) error {
	return t.specify(func() { t.algorithm = algorithm })
}

// Set the scheduling priority. Higher is scheduled first.
func (t *Task) SetPriority(priority int) error {
	return t.specify(func() { t.priority = priority })
}

// Set the number of cores required by the task.
func (t *Task) SetCores(cores int) error {
	return t.specify(func() { t.resources.Cores = cores })
}

// Set the memory in MB required by the task.
func (t *Task) SetMemory(memoryMB int64) error {
	return t.specify(func() { t.resources.MemoryMB = memoryMB })
}

// Set the disk space in MB required by the task.
func (t *Task) SetDisk(diskMB int64) error {
	return t.specify(func() { t.resources.DiskMB = diskMB })
}

// Indicate that the task would optimally run on the given host.
// The task is only matched to that host while it is present.
func (t *Task) SetPreferredHost(hostname string) error {
	return t.specify(func() { t.preferredHost = hostname })
}

// Set the absolute deadline of the task. A task whose deadline has
// passed before being matched fails with a deadline-exceeded result.
func (t *Task) SetDeadline(deadline time.Time) error {
	return t.specify(func() { t.deadline = deadline })
}

// Set an environment variable for the command.
func (t *Task) SetEnv(name, value string) error {
	return t.specify(func() { t.env[name] = &value })
}

// Unset an environment variable for the command.
func (t *Task) UnsetEnv(name string) error {
	return t.specify(func() { t.env[name] = nil })
}

// Add a file to the task.
func (t *Task) AddFile(localPath, remoteName string, direction FileDirection, policy CachePolicy) error {
	return t.addSpec(&FileSpec{
		Kind:       FileKindRegular,
		Direction:  direction,
		Policy:     policy,
		LocalPath:  localPath,
		RemoteName: remoteName,
	})
}

// Add a byte-range piece of a file to the task. EndByte is exclusive.
func (t *Task) AddFilePiece(localPath, remoteName string, startByte, endByte int64, direction FileDirection, policy CachePolicy) error {
	if startByte < 0 || endByte < startByte {
		return fmt.Errorf("%w: invalid byte range [%d-%d]", utils.ErrBadRequest, startByte, endByte)
	}

	return t.addSpec(&FileSpec{
		Kind:       FileKindRegular,
		Direction:  direction,
		Policy:     policy,
		LocalPath:  localPath,
		RemoteName: remoteName,
		StartByte:  startByte,
		EndByte:    endByte,
		IsPiece:    true,
	})
}

// Add an input buffer to the task.
func (t *Task) AddBuffer(payload []byte, remoteName string, policy CachePolicy) error {
	return t.addSpec(&FileSpec{
		Kind:       FileKindBuffer,
		Direction:  FileInput,
		Policy:     policy,
		Payload:    payload,
		RemoteName: remoteName,
	})
}

// Add a directory to the task. The directory contents are expanded
// only when recursive is set, otherwise only the empty directory
// entry is created at the execution site.
func (t *Task) AddDirectory(localPath, remoteName string, direction FileDirection, policy CachePolicy, recursive bool) error {
	return t.addSpec(&FileSpec{
		Kind:       FileKindDirectory,
		Direction:  direction,
		Policy:     policy,
		LocalPath:  localPath,
		RemoteName: remoteName,
		Recursive:  recursive,
	})
}

// Clone returns a copy of the task specification that can be
// submitted independently. Runtime state is not copied.
func (t *Task) Clone() *Task {
	t.RLock()
	defer t.RUnlock()

	clone := NewTask(t.command)
	clone.tag = t.tag
	clone.algorithm = t.algorithm
	clone.priority = t.priority
	clone.resources = t.resources
	clone.preferredHost = t.preferredHost
	clone.deadline = t.deadline

	for name, value := range t.env {
		if value == nil {
			clone.env[name] = nil
		} else {
			v := *value
			clone.env[name] = &v
		}
	}

	for _, file := range t.files {
		spec := *file
		clone.files = append(clone.files, &spec)
	}

	return clone
}

// Environment returns the effective variable overrides and the
// variables to unset.
func (t *Task) Environment() (set map[string]string, unset []string) {
	t.RLock()
	defer t.RUnlock()

	set = map[string]string{}
	for name, value := range t.env {
		if value == nil {
			unset = append(unset, name)
		} else {
			set[name] = *value
		}
	}
	return set, unset
}

func (t *Task) specify(apply func()) error {
	t.Lock()
	defer t.Unlock()

	if t.owned {
		return utils.ErrTaskOwned
	}

	apply()
	return nil
}

func (t *Task) addSpec(spec *FileSpec) error {
	if err := validateSpec(spec); err != nil {
		return err
	}

	t.Lock()
	defer t.Unlock()

	if t.owned {
		return utils.ErrTaskOwned
	}

	for _, existing := range t.files {
		if existing.RemoteName == spec.RemoteName {
			return fmt.Errorf("%w: duplicate remote name %q", utils.ErrBadRequest, spec.RemoteName)
		}
	}

	t.files = append(t.files, spec)
	return nil
}

// File specs are rejected at specification time,
// before the task is ever eligible for dispatch.
func validateSpec(spec *FileSpec) error {
	if spec.RemoteName == "" {
		return fmt.Errorf("%w: empty remote name", utils.ErrBadRequest)
	}

	if filepath.IsAbs(spec.RemoteName) {
		return fmt.Errorf("%w: absolute remote name %q", utils.ErrBadRequest, spec.RemoteName)
	}

	if spec.Kind != FileKindBuffer && spec.Direction == FileInput && spec.LocalPath == "" {
		return fmt.Errorf("%w: missing local path for %q", utils.ErrBadRequest, spec.RemoteName)
	}

	return nil
}

// Returns the signature under which execution times for this
// command line are aggregated.
func (t *Task) Signature() string {
	signature, _ := utils.Sha1String(t.Command())
	return signature
}

func (t *Task) setState(state protocol.TaskState) {
	t.Lock()
	defer t.Unlock()
	t.state = state
}

func (t *Task) deadlineExceeded(now time.Time) bool {
	t.RLock()
	defer t.RUnlock()
	return !t.deadline.IsZero() && now.After(t.deadline)
}
