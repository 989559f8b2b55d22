package master

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/batchq/batchq/pkg/log"
	"github.com/batchq/batchq/pkg/protocol"
	"github.com/batchq/batchq/pkg/utils"
	"github.com/spf13/afero"
)

const (
	// Default listening port of a queue.
	DefaultPort = 9123

	// Pass to NewQueue to select a random free port.
	RandomPort = -1

	// Pass to Wait to block until a task finishes or the queue empties.
	WaitForever = time.Duration(-1)

	// Interval between engine advances while a Wait call is blocked.
	pollInterval = 10 * time.Millisecond
)

// Queue tunables with their defaults. Adjusted at runtime with Tune.
type tunables struct {
	// Scaling of advertised worker cores when computing free capacity.
	asynchronyMultiplier float64
	asynchronyModifier   float64

	// Lower bound on the per-transfer timeout, in seconds.
	minTransferTimeout int64

	// Per-transfer timeout towards foremen, in seconds.
	foremanTransferTimeout int64

	// Straggler detection multiplier. Disabled unless > 0.
	fastAbortMultiplier float64

	// Worker keepalive probing interval and timeout, in seconds.
	keepaliveInterval int64
	keepaliveTimeout  int64
}

func defaultTunables() tunables {
	return tunables{
		asynchronyMultiplier:   1.0,
		asynchronyModifier:     0,
		minTransferTimeout:     300,
		foremanTransferTimeout: 3600,
		fastAbortMultiplier:    0,
		keepaliveInterval:      300,
		keepaliveTimeout:       30,
	}
}

// A task currently executing on a worker.
type assignment struct {
	task      *Task
	worker    Worker
	startedAt time.Time
}

// Queue is the master of a pool of workers.
//
// Callers submit tasks, the queue matches them to workers, stages their
// files, and hands finished tasks back through Wait. All public methods
// are safe for concurrent use; the engine itself only advances inside
// calls, there is no background scheduling thread.
type Queue struct {
	sync.Mutex

	name     string
	password string

	catalogHost string
	catalogPort int

	// Shut remaining workers down on Close.
	shutdownOnClose bool

	listener net.Listener

	fs       utils.Fs
	registry *taskRegistry
	engine   *dispatchEngine
	health   *healthMonitor
	capacity *capacityEstimator
	staging  *stagingManager
	events   *eventLog

	workers     map[string]Worker
	assignments map[uint64]*assignment

	// Terminal tasks not yet claimed through Wait, in completion order.
	finished []uint64

	tunables tunables

	stats protocol.Stats

	closed bool
}

type QueueOption func(*Queue)

// WithFs replaces the filesystem the queue stages files from
// and writes logs to.
func WithFs(fs utils.Fs) QueueOption {
	return func(q *Queue) {
		q.fs = fs
	}
}

// WithName sets the project name the queue reports under.
func WithName(name string) QueueOption {
	return func(q *Queue) {
		q.name = name
	}
}

// WithShutdownOnClose orders all remaining workers to shut down
// when the queue is closed.
func WithShutdownOnClose() QueueOption {
	return func(q *Queue) {
		q.shutdownOnClose = true
	}
}

// NewQueue creates a queue listening on the given TCP port.
// Port 0 selects the default port, RandomPort a random free one.
func NewQueue(port int, options ...QueueOption) (*Queue, error) {
	queue := &Queue{
		fs:          afero.NewOsFs(),
		registry:    newTaskRegistry(),
		health:      newHealthMonitor(),
		capacity:    newCapacityEstimator(),
		workers:     map[string]Worker{},
		assignments: map[uint64]*assignment{},
		tunables:    defaultTunables(),
	}

	queue.engine = newDispatchEngine(queue.health)

	for _, option := range options {
		option(queue)
	}

	queue.staging = newStagingManager(queue.fs)
	queue.events = newEventLog(queue.fs)

	switch port {
	case 0:
		port = DefaultPort
	case RandomPort:
		port = 0
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrUnavailable, err)
	}
	queue.listener = listener

	log.Info("new - queue - port:", queue.Port())
	return queue, nil
}

// Port returns the TCP port the queue is listening on.
func (q *Queue) Port() int {
	return q.listener.Addr().(*net.TCPAddr).Port
}

// Name returns the project name of the queue.
func (q *Queue) Name() string {
	q.Lock()
	defer q.Unlock()
	return q.name
}

// SetName sets the project name the queue reports under.
func (q *Queue) SetName(name string) {
	q.Lock()
	defer q.Unlock()
	q.name = name
}

// SetCatalog records the catalog server the queue advertises itself to.
func (q *Queue) SetCatalog(host string, port int) {
	q.Lock()
	defer q.Unlock()
	q.catalogHost = host
	q.catalogPort = port
}

// Catalog returns the configured catalog server,
// or ok false when none is set.
func (q *Queue) Catalog() (host string, port int, ok bool) {
	q.Lock()
	defer q.Unlock()
	return q.catalogHost, q.catalogPort, q.catalogHost != ""
}

// SetPassword requires workers to present the given password
// when joining the queue.
func (q *Queue) SetPassword(password string) {
	q.Lock()
	defer q.Unlock()
	q.password = password
}

// SetPasswordFile reads the admission password from a file.
// Surrounding whitespace is stripped.
func (q *Queue) SetPasswordFile(path string) error {
	q.Lock()
	defer q.Unlock()

	data, err := afero.ReadFile(q.fs, path)
	if err != nil {
		return err
	}

	q.password = strings.TrimSpace(string(data))
	return nil
}

// SpecifyLog opens an append-only log of task lifecycle transitions
// at the given path.
func (q *Queue) SpecifyLog(path string) error {
	q.Lock()
	defer q.Unlock()
	return q.events.Open(path)
}

// SetTaskOrder sets the dispatch order for equal-priority tasks.
func (q *Queue) SetTaskOrder(order TaskOrder) {
	q.Lock()
	defer q.Unlock()
	q.engine.SetOrder(order)
}

// SetAlgorithm sets the queue-wide default worker selection algorithm.
func (q *Queue) SetAlgorithm(algorithm Algorithm) {
	q.Lock()
	defer q.Unlock()
	q.engine.SetAlgorithm(algorithm)
}

// SetSelector replaces the worker selection heuristic
// for an algorithm.
func (q *Queue) SetSelector(algorithm Algorithm, selector Selector) {
	q.Lock()
	defer q.Unlock()
	q.engine.SetSelector(algorithm, selector)
}

// ActivateFastAbort enables straggler detection: a running task whose
// elapsed time exceeds multiplier times the established average for its
// command is aborted and re-queued. A multiplier <= 0 deactivates.
// Returns the previous multiplier.
func (q *Queue) ActivateFastAbort(multiplier float64) float64 {
	q.Lock()
	defer q.Unlock()

	previous := q.tunables.fastAbortMultiplier
	q.tunables.fastAbortMultiplier = multiplier
	q.health.SetMultiplier(multiplier)
	return previous
}

// EnableCapacityEstimation turns on worker pool capacity measurements.
func (q *Queue) EnableCapacityEstimation() {
	q.Lock()
	defer q.Unlock()
	q.capacity.Enable()
}

// Blacklist excludes a host from matching.
func (q *Queue) Blacklist(hostname string) {
	q.Lock()
	defer q.Unlock()
	q.health.Blacklist(hostname)
}

// BlacklistRemove readmits a host for matching.
func (q *Queue) BlacklistRemove(hostname string) {
	q.Lock()
	defer q.Unlock()
	q.health.BlacklistRemove(hostname)
}

// BlacklistClear clears the host blacklist.
func (q *Queue) BlacklistClear() {
	q.Lock()
	defer q.Unlock()
	q.health.BlacklistClear()
}

// Tune adjusts a named runtime parameter.
// Fails with ErrBadRequest for unknown names.
func (q *Queue) Tune(name string, value float64) error {
	q.Lock()
	defer q.Unlock()

	switch name {
	case "asynchrony-multiplier":
		q.tunables.asynchronyMultiplier = value
	case "asynchrony-modifier":
		q.tunables.asynchronyModifier = value
	case "min-transfer-timeout":
		q.tunables.minTransferTimeout = int64(value)
	case "foreman-transfer-timeout":
		q.tunables.foremanTransferTimeout = int64(value)
	case "fast-abort-multiplier":
		q.tunables.fastAbortMultiplier = value
		q.health.SetMultiplier(value)
	case "keepalive-interval":
		q.tunables.keepaliveInterval = int64(value)
	case "keepalive-timeout":
		q.tunables.keepaliveTimeout = int64(value)
	default:
		return fmt.Errorf("%w: unknown tunable %q", utils.ErrBadRequest, name)
	}

	log.Debugf("set - tunable - %s: %v", name, value)
	return nil
}

// AddWorker admits a worker into the pool. If the queue carries a
// password the worker must present a matching one.
func (q *Queue) AddWorker(worker Worker, password string) error {
	q.Lock()
	defer q.Unlock()

	if q.password != "" && password != q.password {
		log.Info("rej - worker - id:", worker.Id(), "- bad password")
		return utils.ErrUnauthorized
	}

	q.workers[worker.Id()] = worker
	q.events.Event("worker %s joined from %s", worker.Id(), worker.Hostname())
	log.Info("new - worker - id:", worker.Id(), "- host:", worker.Hostname())
	return nil
}

// RemoveWorker removes a worker from the pool.
// Its running tasks are re-queued.
func (q *Queue) RemoveWorker(id string) {
	q.Lock()
	defer q.Unlock()
	q.evictWorker(id)
}

// ShutdownWorkers orders up to limit idle workers to shut down and
// returns the number reached. A negative limit shuts down all idle
// workers.
func (q *Queue) ShutdownWorkers(limit int) int {
	q.Lock()
	defer q.Unlock()

	count := 0
	for id, worker := range q.workers {
		if limit >= 0 && count >= limit {
			break
		}
		if q.busyCount(id) > 0 {
			continue
		}

		if err := worker.Shutdown(); err != nil {
			log.Debug("worker shutdown failed:", err)
			continue
		}

		delete(q.workers, id)
		count++
	}

	return count
}

// Submit hands a task over to the queue. The task id is assigned on
// first submission and returned; the caller must not mutate the task
// until Wait returns it.
func (q *Queue) Submit(task *Task) (uint64, error) {
	if task.Command() == "" {
		return 0, fmt.Errorf("%w: empty command", utils.ErrBadRequest)
	}

	q.Lock()
	defer q.Unlock()

	if q.closed {
		return 0, utils.ErrUnavailable
	}

	task.Lock()
	if task.owned {
		task.Unlock()
		return 0, utils.ErrTaskOwned
	}
	task.owned = true
	previous := task.state
	task.state = protocol.TaskState_READY
	task.report = Report{SubmittedAt: time.Now()}
	task.totalSubmissions = 0
	task.Unlock()

	id := q.registry.Insert(task)
	q.engine.Enqueue(task)
	q.events.Transition(task, previous, protocol.TaskState_READY)

	log.Info("new - task - id:", id)
	return id, nil
}

// Wait blocks until a task finishes and returns it, transferring
// ownership back to the caller. Returns nil without error when the
// timeout elapses, or when the queue holds no tasks at all.
// Pass WaitForever to block until a task finishes.
func (q *Queue) Wait(timeout time.Duration) (*Task, error) {
	deadline := time.Now().Add(timeout)

	for {
		q.Lock()

		if q.closed {
			q.Unlock()
			return nil, utils.ErrUnavailable
		}

		q.advance()

		if task, ok := q.claimFinished(); ok {
			q.Unlock()
			return task, nil
		}

		empty := q.registry.Empty()
		q.Unlock()

		if empty {
			return nil, nil
		}

		if timeout != WaitForever && !time.Now().Before(deadline) {
			return nil, nil
		}

		time.Sleep(pollInterval)
	}
}

// CancelByTaskID cancels a waiting or running task and returns it,
// transferring ownership back to the caller.
func (q *Queue) CancelByTaskID(id uint64) (*Task, error) {
	q.Lock()
	defer q.Unlock()

	task, ok := q.registry.Get(id)
	if !ok {
		return nil, utils.ErrNotFound
	}

	return q.cancel(task)
}

// CancelByTaskTag cancels the waiting or running task with the lowest
// id carrying the given tag and returns it.
func (q *Queue) CancelByTaskTag(tag string) (*Task, error) {
	q.Lock()
	defer q.Unlock()

	task, ok := q.registry.FindByTag(tag)
	if !ok {
		return nil, utils.ErrNotFound
	}

	return q.cancel(task)
}

func (q *Queue) cancel(task *Task) (*Task, error) {
	state := task.State()
	if !state.IsCancellable() {
		return nil, utils.ErrTerminal
	}

	switch state {
	case protocol.TaskState_READY:
		q.engine.Remove(task)

	case protocol.TaskState_RUNNING:
		if active, ok := q.assignments[task.Id()]; ok {
			if err := active.worker.Abort(task.Id()); err != nil {
				log.Debug("abort failed:", err)
			}
			q.staging.Release(active.worker, task)
			delete(q.assignments, task.Id())
		}
	}

	task.Lock()
	task.report.Result = protocol.TaskResult_ABORTED
	task.report.FinishedAt = time.Now()
	task.Unlock()

	task.setState(protocol.TaskState_CANCELLED)
	q.events.Transition(task, state, protocol.TaskState_CANCELLED)
	log.Info("del - task - id:", task.Id(), "- cancelled")

	claimed, _ := q.registry.Claim(task.Id())
	return claimed, nil
}

// TaskState reports the lifecycle state of a task the queue still
// holds. Fails with ErrNotFound for unknown ids and for tasks already
// claimed through Wait.
func (q *Queue) TaskState(id uint64) (protocol.TaskState, error) {
	q.Lock()
	defer q.Unlock()

	task, ok := q.registry.Get(id)
	if !ok {
		return protocol.TaskState_INIT, utils.ErrNotFound
	}
	return task.State(), nil
}

// Empty returns true if the queue holds no tasks in any state.
func (q *Queue) Empty() bool {
	q.Lock()
	defer q.Unlock()
	return q.registry.Empty()
}

// Hungry returns the number of additional tasks the queue could
// usefully accept, based on the aggregate core capacity of the
// current worker pool.
func (q *Queue) Hungry() int {
	q.Lock()
	defer q.Unlock()

	cores := 0
	for _, worker := range q.workers {
		cores += worker.Resources().Cores
	}

	hunger := 2*cores - (q.engine.Len() + len(q.assignments))
	if hunger < 0 {
		return 0
	}
	return hunger
}

// Stats returns a snapshot of queue statistics.
func (q *Queue) Stats() protocol.Stats {
	q.Lock()
	defer q.Unlock()

	stats := q.stats
	stats.TasksWaiting = q.engine.Len()
	stats.TasksRunning = len(q.assignments)
	stats.WorkersBusy = 0

	for id := range q.workers {
		if q.busyCount(id) > 0 {
			stats.WorkersBusy++
		}
	}
	stats.WorkersIdle = len(q.workers) - stats.WorkersBusy
	stats.Capacity = q.capacity.Estimate()

	return stats
}

// CatalogReport returns the report the queue would publish
// to a catalog server.
func (q *Queue) CatalogReport() protocol.CatalogReport {
	return protocol.CatalogReport{
		Name:  q.Name(),
		Port:  q.Port(),
		Stats: q.Stats(),
	}
}

// Close shuts the queue down. Unclaimed tasks are released
// and the listening socket is closed.
func (q *Queue) Close() error {
	q.Lock()
	defer q.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true

	for id, active := range q.assignments {
		if err := active.worker.Abort(id); err != nil {
			log.Debug("abort failed:", err)
		}
	}
	q.assignments = map[uint64]*assignment{}

	if q.shutdownOnClose {
		for id, worker := range q.workers {
			if err := worker.Shutdown(); err != nil {
				log.Debug("worker shutdown failed:", err)
			}
			delete(q.workers, id)
		}
	}

	q.registry.Sweep()
	q.events.Close()

	log.Info("del - queue - port:", q.Port())
	return q.listener.Close()
}

// advance runs one engine round: collect completions, police running
// tasks, expire silent workers and dispatch ready tasks.
// Caller holds the queue lock.
func (q *Queue) advance() {
	now := time.Now()

	q.collectCompletions()
	q.policeRunning(now)
	q.expireWorkers(now)
	q.dispatch(now)

	q.capacity.ObserveBusy(len(q.assignments))
}

func (q *Queue) collectCompletions() {
	for _, worker := range q.workers {
		for {
			completion, ok := worker.Poll()
			if !ok {
				break
			}
			q.handleCompletion(worker, completion)
		}
	}
}

func (q *Queue) handleCompletion(worker Worker, completion *Completion) {
	active, ok := q.assignments[completion.TaskId]
	if !ok || active.worker != worker {
		// Stale completion from an aborted or reassigned task.
		return
	}

	task := active.task
	delete(q.assignments, completion.TaskId)

	if completion.Err != nil {
		log.Debug("execution failed, re-queueing:", completion.Err)
		q.requeue(worker, task)
		return
	}

	task.Lock()
	task.report.ReturnStatus = completion.ReturnStatus
	task.report.ExecuteStart = completion.StartedAt
	task.report.ExecuteFinish = completion.FinishedAt
	task.report.ExecuteTime += completion.FinishedAt.Sub(completion.StartedAt)
	task.Unlock()

	if completion.Signal != 0 {
		q.finish(worker, task, protocol.TaskResult_SIGNAL)
		return
	}

	missing, err := q.staging.CollectOutputs(worker, task)
	if err != nil {
		log.Debug("output transfer failed, re-queueing:", err)
		q.requeue(worker, task)
		return
	}

	if missing != "" {
		log.Info("err - task - id:", task.Id(), "- missing output:", missing)
		q.finish(worker, task, protocol.TaskResult_OUTPUT_MISSING)
		return
	}

	q.health.Observe(task.Signature(), worker.Hostname(),
		completion.FinishedAt.Sub(completion.StartedAt))

	q.finish(worker, task, protocol.TaskResult_SUCCESS)
}

// Finish a task on a worker with the given result. SUCCESS finishes
// as DONE regardless of the command's exit code; every other result
// finishes as FAILED.
func (q *Queue) finish(worker Worker, task *Task, result protocol.TaskResult) {
	q.staging.Release(worker, task)

	state := protocol.TaskState_DONE
	if result != protocol.TaskResult_SUCCESS {
		state = protocol.TaskState_FAILED
	}

	task.Lock()
	task.report.Result = result
	task.report.FinishedAt = time.Now()
	task.report.Host = worker.Addr()
	task.report.Hostname = worker.Hostname()
	previous := task.state
	task.state = state

	q.stats.BytesSent += task.report.BytesSent
	q.stats.BytesReceived += task.report.BytesReceived
	q.stats.TotalTransferTime += task.report.TransferTime.Microseconds()
	q.stats.TotalExecuteTime += task.report.ExecuteTime.Microseconds()
	execute, transfer := task.report.ExecuteTime, task.report.TransferTime
	task.Unlock()

	q.capacity.ObserveTask(execute, transfer)
	q.stats.TasksComplete++
	q.finished = append(q.finished, task.Id())
	q.events.Transition(task, previous, state)

	log.Info("end - task - id:", task.Id(), "-", state.String())
}

// Fail a task that never reached a worker.
func (q *Queue) fail(task *Task, result protocol.TaskResult) {
	task.Lock()
	task.report.Result = result
	task.report.FinishedAt = time.Now()
	previous := task.state
	task.state = protocol.TaskState_FAILED
	task.Unlock()

	q.stats.TasksComplete++
	q.finished = append(q.finished, task.Id())
	q.events.Transition(task, previous, protocol.TaskState_FAILED)

	log.Info("end - task - id:", task.Id(), "-", result.String())
}

// Return a running task to the ready queue, keeping its identity.
func (q *Queue) requeue(worker Worker, task *Task) {
	q.staging.Release(worker, task)

	previous := task.State()
	task.setState(protocol.TaskState_READY)
	q.engine.Enqueue(task)
	q.events.Transition(task, previous, protocol.TaskState_READY)

	log.Debugf("req - task - id: %d - re-queued", task.Id())
}

// Abort stragglers and tasks that ran past their deadline.
func (q *Queue) policeRunning(now time.Time) {
	for id, active := range q.assignments {
		task := active.task

		if task.deadlineExceeded(now) {
			q.abortRunning(id, active)
			q.finish(active.worker, task, protocol.TaskResult_DEADLINE_EXCEEDED)
			continue
		}

		elapsed := now.Sub(active.startedAt)
		if q.health.ShouldAbort(task.Signature(), elapsed) {
			log.Info("abt - task - id:", id, "- straggler, elapsed:", elapsed)
			q.abortRunning(id, active)
			q.requeue(active.worker, task)
		}
	}
}

func (q *Queue) abortRunning(id uint64, active *assignment) {
	if err := active.worker.Abort(id); err != nil {
		log.Debug("abort failed:", err)
	}
	delete(q.assignments, id)
}

// Evict workers whose keepalive has expired and re-queue their tasks.
func (q *Queue) expireWorkers(now time.Time) {
	timeout := time.Duration(q.tunables.keepaliveTimeout) * time.Second

	all := make([]Worker, 0, len(q.workers))
	for _, worker := range q.workers {
		all = append(all, worker)
	}

	for _, worker := range q.health.Expired(all, timeout, now) {
		log.Info("del - worker - id:", worker.Id(), "- keepalive expired")
		q.evictWorker(worker.Id())
	}
}

func (q *Queue) evictWorker(id string) {
	worker, ok := q.workers[id]
	if !ok {
		return
	}

	delete(q.workers, id)
	q.events.Event("worker %s removed", id)

	for taskId, active := range q.assignments {
		if active.worker != worker {
			continue
		}
		delete(q.assignments, taskId)
		q.requeue(worker, active.task)
	}
}

// Match ready tasks to free workers, stage their inputs
// and start execution.
func (q *Queue) dispatch(now time.Time) {
	if q.engine.Len() == 0 || len(q.workers) == 0 {
		return
	}

	candidates := make([]Candidate, 0, len(q.workers))
	for id, worker := range q.workers {
		candidates = append(candidates, Candidate{
			Worker: worker,
			Free:   q.freeResources(id, worker),
		})
	}

	matches, expired := q.engine.MatchAll(candidates, now)

	for _, task := range expired {
		q.fail(task, protocol.TaskResult_DEADLINE_EXCEEDED)
	}

	for _, matched := range matches {
		q.start(matched.task, matched.worker)
	}
}

func (q *Queue) start(task *Task, worker Worker) {
	if err := q.staging.StageInputs(worker, task); err != nil {
		var staged *stagingError
		if errors.As(err, &staged) {
			log.Info("err - task - id:", task.Id(), "- missing input:", staged.spec.RemoteName)
			q.staging.Release(worker, task)
			q.fail(task, protocol.TaskResult_INPUT_MISSING)
			return
		}

		log.Debug("input transfer failed, re-queueing:", err)
		q.requeue(worker, task)
		return
	}

	env, unset := task.Environment()

	if err := worker.Start(task.Id(), task.Command(), env, unset); err != nil {
		log.Debug("start failed, re-queueing:", err)
		q.requeue(worker, task)
		return
	}

	task.Lock()
	task.totalSubmissions++
	previous := task.state
	task.state = protocol.TaskState_RUNNING
	task.Unlock()

	q.assignments[task.Id()] = &assignment{
		task:      task,
		worker:    worker,
		startedAt: time.Now(),
	}

	q.events.Transition(task, previous, protocol.TaskState_RUNNING)
	log.Info("run - task - id:", task.Id(), "- worker:", worker.Id())
}

// The free resources of a worker: its advertised capacity scaled by the
// asynchrony tunables, minus the resources of its running tasks.
func (q *Queue) freeResources(id string, worker Worker) protocol.Resources {
	free := worker.Resources()

	free.Cores = int(float64(free.Cores)*q.tunables.asynchronyMultiplier +
		q.tunables.asynchronyModifier)

	for _, active := range q.assignments {
		if active.worker == worker {
			free = free.Sub(active.task.Resources())
		}
	}

	return free
}

func (q *Queue) busyCount(workerId string) int {
	count := 0
	for _, active := range q.assignments {
		if active.worker.Id() == workerId {
			count++
		}
	}
	return count
}

func (q *Queue) claimFinished() (*Task, bool) {
	for len(q.finished) > 0 {
		id := q.finished[0]
		q.finished = q.finished[1:]

		if task, ok := q.registry.Claim(id); ok {
			return task, true
		}
	}
	return nil, false
}
