package protocol

// Outcome kind of a completed task.
type TaskResult int

const (
	// The command ran to completion. Inspect the return status
	// to determine whether it succeeded.
	TaskResult_SUCCESS TaskResult = iota

	// A declared input file could not be staged to the worker.
	TaskResult_INPUT_MISSING

	// A declared output file was not produced by the command.
	TaskResult_OUTPUT_MISSING

	// The command was terminated by a signal on the worker.
	TaskResult_SIGNAL

	// The task deadline passed before the task could complete.
	TaskResult_DEADLINE_EXCEEDED

	// The task was aborted, either explicitly or by straggler mitigation.
	TaskResult_ABORTED

	// The outcome could not be determined.
	TaskResult_UNKNOWN
)

var taskResultNames = map[TaskResult]string{
	TaskResult_SUCCESS:           "success",
	TaskResult_INPUT_MISSING:     "input missing",
	TaskResult_OUTPUT_MISSING:    "output missing",
	TaskResult_SIGNAL:            "signal",
	TaskResult_DEADLINE_EXCEEDED: "deadline exceeded",
	TaskResult_ABORTED:           "aborted",
	TaskResult_UNKNOWN:           "unknown",
}

func (result TaskResult) String() string {
	if name, ok := taskResultNames[result]; ok {
		return name
	}
	return "unknown"
}
