package master

import (
	"math/rand"
	"time"

	"github.com/batchq/batchq/pkg/log"
	"github.com/batchq/batchq/pkg/protocol"
	"github.com/batchq/batchq/pkg/utils"
)

// Worker selection algorithm.
type Algorithm int

const (
	// Use the queue-wide default. Only meaningful on tasks.
	AlgoDefault Algorithm = iota

	// First ready task to any worker with sufficient free resources.
	AlgoFCFS

	// Prefer the worker whose cache holds the largest overlap with
	// the task's input file set.
	AlgoFiles

	// Prefer the worker with the best historical execution time for
	// tasks sharing the same command signature.
	AlgoTime

	// Prefer the most idle worker, spreading load.
	AlgoWorstFit

	// Uniform choice among eligible workers.
	AlgoRandom
)

var algorithmNames = map[Algorithm]string{
	AlgoDefault:  "default",
	AlgoFCFS:     "fcfs",
	AlgoFiles:    "files",
	AlgoTime:     "time",
	AlgoWorstFit: "worst-fit",
	AlgoRandom:   "random",
}

func (a Algorithm) String() string {
	if name, ok := algorithmNames[a]; ok {
		return name
	}
	return "unknown"
}

// Ordering policy for equal-priority ready tasks.
type TaskOrder int

const (
	// Dispatch in submission order.
	OrderFIFO TaskOrder = iota

	// Dispatch in reverse submission order.
	OrderLIFO
)

// A worker eligible for matching, with its free resources
// as computed at decision time.
type Candidate struct {
	Worker Worker
	Free   protocol.Resources
}

// Selector picks a worker among eligible candidates for a task.
// Returns the index of the chosen candidate, or -1.
//
// The Files overlap heuristic is exposed this way so that callers can
// plug in their own scoring.
type Selector func(task *Task, candidates []Candidate) int

// A matched task and worker pair.
type match struct {
	task   *Task
	worker Worker
}

// The scheduler: maintains the ready queue, applies the ordering policy
// and the worker selection algorithm, and produces task/worker matches.
type dispatchEngine struct {
	// Ready tasks, ordered by priority descending, then arrival order
	// per policy, ties broken by ascending id.
	ready *utils.PriorityQueue[*Task]

	// Ordering policy for equal priorities.
	order TaskOrder

	// Queue-wide default selection algorithm.
	algorithm Algorithm

	// Pluggable selectors per algorithm.
	selectors map[Algorithm]Selector

	// Timing statistics and blacklist.
	health *healthMonitor

	// Source for the Random algorithm.
	rng *rand.Rand

	// Arrival counter for ready ordering.
	arrival uint64
}

func newDispatchEngine(health *healthMonitor) *dispatchEngine {
	engine := &dispatchEngine{
		order:     OrderFIFO,
		algorithm: AlgoFCFS,
		health:    health,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	engine.ready = utils.NewPriorityQueue[*Task](engine.compare, func(a, b *Task) bool {
		return a == b
	})

	engine.selectors = map[Algorithm]Selector{
		AlgoFCFS:     engine.selectFCFS,
		AlgoFiles:    engine.selectFiles,
		AlgoTime:     engine.selectTime,
		AlgoWorstFit: engine.selectWorstFit,
		AlgoRandom:   engine.selectRandom,
	}

	return engine
}

// Compares two ready tasks. Priority is always the primary key.
func (e *dispatchEngine) compare(a, b *Task) int {
	if a.Priority() != b.Priority() {
		if a.Priority() > b.Priority() {
			return -1
		}
		return 1
	}

	if a.arrival != b.arrival {
		first := a.arrival < b.arrival
		if e.order == OrderLIFO {
			first = !first
		}
		if first {
			return -1
		}
		return 1
	}

	if a.Id() < b.Id() {
		return -1
	} else if a.Id() > b.Id() {
		return 1
	}
	return 0
}

// Add a task to the ready queue.
func (e *dispatchEngine) Enqueue(task *Task) {
	e.arrival++
	task.arrival = e.arrival
	e.ready.Push(task)
}

// Remove a task from the ready queue.
func (e *dispatchEngine) Remove(task *Task) {
	e.ready.Remove(task)
}

// Returns the number of ready tasks.
func (e *dispatchEngine) Len() int {
	return e.ready.Len()
}

// Set the ordering policy for equal-priority tasks.
func (e *dispatchEngine) SetOrder(order TaskOrder) {
	e.order = order
	e.ready.Reorder()
}

// Set the queue-wide default selection algorithm.
func (e *dispatchEngine) SetAlgorithm(algorithm Algorithm) {
	if algorithm == AlgoDefault {
		algorithm = AlgoFCFS
	}
	e.algorithm = algorithm
}

// Replace the selector for an algorithm.
func (e *dispatchEngine) SetSelector(algorithm Algorithm, selector Selector) {
	e.selectors[algorithm] = selector
}

// Resolve the effective algorithm for a task:
// task-level value if set, else the queue default.
func (e *dispatchEngine) resolve(task *Task) Algorithm {
	if algorithm := task.Algorithm(); algorithm != AlgoDefault {
		return algorithm
	}
	return e.algorithm
}

// MatchAll drains the ready queue once, matching tasks to candidate
// workers in priority order. Candidate capacity is consumed as matches
// are made so that no worker is committed beyond its free resources.
// Tasks whose deadline has passed are returned separately and are
// never dispatched.
func (e *dispatchEngine) MatchAll(candidates []Candidate, now time.Time) (matches []match, expired []*Task) {
	var skipped []*Task

	for e.ready.Len() > 0 {
		task := e.ready.Pop()

		if task.deadlineExceeded(now) {
			log.Debugf("exp - task - id: %d - deadline exceeded", task.Id())
			expired = append(expired, task)
			continue
		}

		eligible := e.eligible(task, candidates)
		if len(eligible) == 0 {
			skipped = append(skipped, task)
			continue
		}

		selector, ok := e.selectors[e.resolve(task)]
		if !ok {
			selector = e.selectFCFS
		}

		index := selector(task, eligible)
		if index < 0 || index >= len(eligible) {
			skipped = append(skipped, task)
			continue
		}

		chosen := eligible[index]
		matches = append(matches, match{task: task, worker: chosen.Worker})

		// Consume the chosen worker's free capacity before the next
		// decision is made.
		for i := range candidates {
			if candidates[i].Worker == chosen.Worker {
				candidates[i].Free = candidates[i].Free.Sub(task.Resources())
			}
		}
	}

	// Skipped tasks remain ready, keeping their arrival order.
	for _, task := range skipped {
		e.ready.Push(task)
	}

	return matches, expired
}

// Returns the candidates eligible to run the task: enough free
// resources, not blacklisted and matching a preferred host if one
// is set. An unavailable preferred host leaves the task ready.
func (e *dispatchEngine) eligible(task *Task, candidates []Candidate) []Candidate {
	var eligible []Candidate

	for _, candidate := range candidates {
		if e.health.IsBlacklisted(candidate.Worker.Hostname()) {
			continue
		}

		if host := task.preferredHost; host != "" && candidate.Worker.Hostname() != host {
			continue
		}

		if !candidate.Free.Fits(task.Resources()) {
			continue
		}

		eligible = append(eligible, candidate)
	}

	return eligible
}

func (e *dispatchEngine) selectFCFS(task *Task, candidates []Candidate) int {
	return 0
}

// Default Files heuristic: prefer the worker whose store already holds
// the most input bytes for the task. Ties fall back to FCFS order.
func (e *dispatchEngine) selectFiles(task *Task, candidates []Candidate) int {
	best := 0
	var bestScore int64 = -1

	for i, candidate := range candidates {
		var score int64

		for _, spec := range task.Files() {
			if spec.Direction != FileInput || spec.Policy != CacheAlways {
				continue
			}
			if size, ok := candidate.Worker.Store().Size(spec.CacheKey()); ok {
				score += size + 1
			}
		}

		if score > bestScore {
			best = i
			bestScore = score
		}
	}

	return best
}

func (e *dispatchEngine) selectTime(task *Task, candidates []Candidate) int {
	signature := task.Signature()

	best := -1
	var bestAverage time.Duration

	for i, candidate := range candidates {
		average, ok := e.health.HostAverage(signature, candidate.Worker.Hostname())
		if !ok {
			continue
		}

		if best < 0 || average < bestAverage {
			best = i
			bestAverage = average
		}
	}

	if best < 0 {
		// No execution history for this command yet.
		return e.selectFCFS(task, candidates)
	}

	return best
}

func (e *dispatchEngine) selectWorstFit(task *Task, candidates []Candidate) int {
	best := 0

	for i, candidate := range candidates {
		free := candidate.Free
		bestFree := candidates[best].Free

		if free.Cores > bestFree.Cores ||
			(free.Cores == bestFree.Cores && free.MemoryMB > bestFree.MemoryMB) {
			best = i
		}
	}

	return best
}

func (e *dispatchEngine) selectRandom(task *Task, candidates []Candidate) int {
	return e.rng.Intn(len(candidates))
}
