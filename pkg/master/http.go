package master

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

func NewHttpHandler(queue *Queue, r *echo.Echo) {
	r.GET("/metrics", func(c echo.Context) error {
		stats := queue.Stats()

		metrics := fmt.Sprintln("# TYPE batchq_master_workers_busy gauge")
		metrics += fmt.Sprintln("# HELP batchq_master_workers_busy The number of workers currently executing a task.")
		metrics += fmt.Sprintf("batchq_master_workers_busy %d\n", stats.WorkersBusy)

		metrics += fmt.Sprintln("# TYPE batchq_master_workers_idle gauge")
		metrics += fmt.Sprintln("# HELP batchq_master_workers_idle The number of workers currently idle.")
		metrics += fmt.Sprintf("batchq_master_workers_idle %d\n", stats.WorkersIdle)

		metrics += fmt.Sprintln("# TYPE batchq_master_tasks_waiting gauge")
		metrics += fmt.Sprintln("# HELP batchq_master_tasks_waiting The number of tasks waiting to be matched with a worker.")
		metrics += fmt.Sprintf("batchq_master_tasks_waiting %d\n", stats.TasksWaiting)

		metrics += fmt.Sprintln("# TYPE batchq_master_tasks_running gauge")
		metrics += fmt.Sprintln("# HELP batchq_master_tasks_running The number of tasks currently executing.")
		metrics += fmt.Sprintf("batchq_master_tasks_running %d\n", stats.TasksRunning)

		metrics += fmt.Sprintln("# TYPE batchq_master_tasks_complete_total counter")
		metrics += fmt.Sprintln("# HELP batchq_master_tasks_complete_total The total number of tasks that reached a terminal state.")
		metrics += fmt.Sprintf("batchq_master_tasks_complete_total %d\n", stats.TasksComplete)

		metrics += fmt.Sprintln("# TYPE batchq_master_bytes_sent_total counter")
		metrics += fmt.Sprintln("# HELP batchq_master_bytes_sent_total The total number of bytes sent to workers.")
		metrics += fmt.Sprintf("batchq_master_bytes_sent_total %d\n", stats.BytesSent)

		metrics += fmt.Sprintln("# TYPE batchq_master_bytes_received_total counter")
		metrics += fmt.Sprintln("# HELP batchq_master_bytes_received_total The total number of bytes received from workers.")
		metrics += fmt.Sprintf("batchq_master_bytes_received_total %d\n", stats.BytesReceived)

		metrics += fmt.Sprintln("# TYPE batchq_master_transfer_time_microseconds_total counter")
		metrics += fmt.Sprintln("# HELP batchq_master_transfer_time_microseconds_total The total time spent transferring files.")
		metrics += fmt.Sprintf("batchq_master_transfer_time_microseconds_total %d\n", stats.TotalTransferTime)

		metrics += fmt.Sprintln("# TYPE batchq_master_execute_time_microseconds_total counter")
		metrics += fmt.Sprintln("# HELP batchq_master_execute_time_microseconds_total The total time workers spent executing commands.")
		metrics += fmt.Sprintf("batchq_master_execute_time_microseconds_total %d\n", stats.TotalExecuteTime)

		metrics += fmt.Sprintln("# TYPE batchq_master_capacity gauge")
		metrics += fmt.Sprintln("# HELP batchq_master_capacity The recommended worker pool size, if capacity estimation is enabled.")
		metrics += fmt.Sprintf("batchq_master_capacity %d\n", stats.Capacity)

		c.String(http.StatusOK, metrics)
		return nil
	})

	r.GET("/stats", func(c echo.Context) error {
		return c.JSON(http.StatusOK, queue.Stats())
	})
}
