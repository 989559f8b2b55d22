package protocol

// Lifecycle state of a task.
type TaskState int

const (
	// Created by the caller, not yet submitted.
	TaskState_INIT TaskState = iota

	// Submitted and waiting to be matched with a worker.
	TaskState_READY

	// Dispatched to a worker and executing.
	TaskState_RUNNING

	// Completed successfully.
	TaskState_DONE

	// Completed unsuccessfully.
	TaskState_FAILED

	// Cancelled by the caller.
	TaskState_CANCELLED
)

var taskStateNames = map[TaskState]string{
	TaskState_INIT:      "init",
	TaskState_READY:     "ready",
	TaskState_RUNNING:   "running",
	TaskState_DONE:      "done",
	TaskState_FAILED:    "failed",
	TaskState_CANCELLED: "cancelled",
}

func (state TaskState) String() string {
	if name, ok := taskStateNames[state]; ok {
		return name
	}
	return "unknown"
}

// Should return true if the task is no longer in progress
func (state TaskState) IsTerminal() bool {
	switch state {
	case TaskState_INIT, TaskState_READY, TaskState_RUNNING:
		return false
	default:
		return true
	}
}

// Should return true if the task may still be cancelled
func (state TaskState) IsCancellable() bool {
	switch state {
	case TaskState_READY, TaskState_RUNNING:
		return true
	default:
		return false
	}
}
