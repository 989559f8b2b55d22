package master

import (
	"github.com/batchq/batchq/pkg/log"
)

// The id to task mapping, exclusively owned by the queue.
//
// Submission inserts an entry and marks it unclaimed. Wait claims and
// removes the entry when returning the task to the caller. Teardown
// sweeps all unclaimed entries so that no task is leaked.
type taskRegistry struct {
	// Next task id to assign. Ids are monotonically increasing
	// and assigned exactly once.
	nextId uint64

	// All registered tasks, by id.
	entries map[uint64]*Task
}

func newTaskRegistry() *taskRegistry {
	return &taskRegistry{
		nextId:  1,
		entries: map[uint64]*Task{},
	}
}

// Insert a task into the registry. Assigns an id on first submission;
// resubmitted tasks keep their prior id.
func (r *taskRegistry) Insert(task *Task) uint64 {
	task.Lock()
	if task.id == 0 {
		task.id = r.nextId
		r.nextId++
	}
	id := task.id
	task.Unlock()

	r.entries[id] = task
	return id
}

// Get returns the task with the given id, if registered.
func (r *taskRegistry) Get(id uint64) (*Task, bool) {
	task, ok := r.entries[id]
	return task, ok
}

// FindByTag returns the registered task with the lowest id
// carrying the given tag.
func (r *taskRegistry) FindByTag(tag string) (*Task, bool) {
	var found *Task
	for _, task := range r.entries {
		if task.Tag() != tag {
			continue
		}
		if found == nil || task.Id() < found.Id() {
			found = task
		}
	}
	return found, found != nil
}

// Claim removes the task with the given id from the registry,
// transferring ownership back to the caller.
func (r *taskRegistry) Claim(id uint64) (*Task, bool) {
	task, ok := r.entries[id]
	if !ok {
		return nil, false
	}

	delete(r.entries, id)

	task.Lock()
	task.owned = false
	task.Unlock()

	return task, true
}

// Empty returns true if no tasks are registered.
func (r *taskRegistry) Empty() bool {
	return len(r.entries) == 0
}

// Len returns the number of registered tasks.
func (r *taskRegistry) Len() int {
	return len(r.entries)
}

// Sweep removes and returns all registered tasks.
// Called on teardown to release tasks the caller never retrieved.
func (r *taskRegistry) Sweep() []*Task {
	swept := make([]*Task, 0, len(r.entries))

	for id, task := range r.entries {
		log.Debugf("del - task - id: %d - released on teardown", id)
		task.Lock()
		task.owned = false
		task.Unlock()
		swept = append(swept, task)
		delete(r.entries, id)
	}

	return swept
}
