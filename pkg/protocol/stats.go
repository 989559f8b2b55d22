package protocol

// A point-in-time snapshot of queue statistics.
// Refreshed on demand, never push-updated.
type Stats struct {
	// Number of workers currently executing a task.
	WorkersBusy int `json:"workers_busy"`

	// Number of workers currently idle.
	WorkersIdle int `json:"workers_idle"`

	// Number of tasks waiting to be matched with a worker.
	TasksWaiting int `json:"tasks_waiting"`

	// Number of tasks currently executing.
	TasksRunning int `json:"tasks_running"`

	// Number of tasks that have reached a terminal state.
	TasksComplete int `json:"tasks_complete"`

	// Total number of bytes sent to workers.
	BytesSent int64 `json:"bytes_sent"`

	// Total number of bytes received from workers.
	BytesReceived int64 `json:"bytes_received"`

	// Total time spent transferring files, in microseconds.
	TotalTransferTime int64 `json:"total_transfer_time"`

	// Total time workers spent executing commands, in microseconds.
	TotalExecuteTime int64 `json:"total_execute_time"`

	// Recommended worker pool size, if capacity estimation is enabled.
	Capacity int `json:"capacity"`
}

// The payload reported to a catalog server.
type CatalogReport struct {
	// Project name of the master.
	Name string `json:"name"`

	// Listening port of the master.
	Port int `json:"port"`

	// Statistics snapshot at the time of the report.
	Stats Stats `json:"stats"`
}
