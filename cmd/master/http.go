package main

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	echo "github.com/labstack/echo/v4"
	"github.com/batchq/batchq/pkg/master"
	"github.com/batchq/batchq/pkg/utils"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// The REST surface of the queue. Finished tasks are drained into a
// result map so that clients can fetch reports by id.
type server struct {
	queue *master.Queue

	mu      sync.Mutex
	results map[uint64]*master.Task
}

func newServer(queue *master.Queue) *server {
	return &server{
		queue:   queue,
		results: map[uint64]*master.Task{},
	}
}

// Drain finished tasks from the queue until the context is cancelled.
func (s *server) drain(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		task, err := s.queue.Wait(time.Second)
		if err != nil {
			return err
		}

		if task == nil {
			time.Sleep(100 * time.Millisecond)
			continue
		}

		s.mu.Lock()
		s.results[task.Id()] = task
		s.mu.Unlock()
	}
}

type fileRequest struct {
	LocalPath  string `json:"local_path"`
	RemoteName string `json:"remote_name"`
	Output     bool   `json:"output"`
	Policy     string `json:"policy"`
}

type submitRequest struct {
	Command  string            `json:"command"`
	Tag      string            `json:"tag"`
	Priority int               `json:"priority"`
	Cores    int               `json:"cores"`
	MemoryMB int64             `json:"memory_mb"`
	DiskMB   int64             `json:"disk_mb"`
	Env      map[string]string `json:"env"`
	Files    []fileRequest     `json:"files"`
}

func (r *submitRequest) build() (*master.Task, error) {
	task := master.NewTask(r.Command)
	task.SetTag(r.Tag)
	task.SetPriority(r.Priority)
	task.SetCores(r.Cores)
	task.SetMemory(r.MemoryMB)
	task.SetDisk(r.DiskMB)

	for name, value := range r.Env {
		task.SetEnv(name, value)
	}

	for _, file := range r.Files {
		direction := master.FileInput
		if file.Output {
			direction = master.FileOutput
		}

		policy := master.CacheAlways
		switch file.Policy {
		case "nocache":
			policy = master.CacheNever
		case "watch":
			policy = master.CacheWatch
		}

		if err := task.AddFile(file.LocalPath, file.RemoteName, direction, policy); err != nil {
			return nil, err
		}
	}

	return task, nil
}

func (s *server) register(r *echo.Echo) {
	r.POST("/tasks", s.submitTask)
	r.GET("/tasks/:id", s.getTask)
	r.DELETE("/tasks/:id", s.cancelTask)
	r.POST("/blacklist/:host", s.blacklistHost)
	r.DELETE("/blacklist/:host", s.readmitHost)

	master.NewHttpHandler(s.queue, r)
}

func (s *server) submitTask(c echo.Context) error {
	var request submitRequest
	if err := c.Bind(&request); err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}

	task, err := request.build()
	if err != nil {
		return c.String(httpStatus(err), err.Error())
	}

	id, err := s.queue.Submit(task)
	if err != nil {
		return c.String(httpStatus(err), err.Error())
	}

	return c.JSON(http.StatusCreated, map[string]uint64{"id": id})
}

func (s *server) getTask(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}

	s.mu.Lock()
	task, ok := s.results[id]
	s.mu.Unlock()

	if !ok {
		state, err := s.queue.TaskState(id)
		if err != nil {
			return c.String(httpStatus(err), err.Error())
		}

		return c.JSON(http.StatusOK, map[string]any{
			"id":       id,
			"finished": false,
			"state":    state.String(),
		})
	}

	report, err := task.Report()
	if err != nil {
		return c.String(httpStatus(err), err.Error())
	}

	return c.JSON(http.StatusOK, map[string]any{
		"id":       id,
		"finished": true,
		"state":    task.State().String(),
		"report":   report,
	})
}

func (s *server) cancelTask(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		return c.String(http.StatusBadRequest, err.Error())
	}

	task, err := s.queue.CancelByTaskID(id)
	if err != nil {
		return c.String(httpStatus(err), err.Error())
	}

	s.mu.Lock()
	s.results[task.Id()] = task
	s.mu.Unlock()

	return c.NoContent(http.StatusNoContent)
}

func (s *server) blacklistHost(c echo.Context) error {
	s.queue.Blacklist(c.Param("host"))
	return c.NoContent(http.StatusNoContent)
}

func (s *server) readmitHost(c echo.Context) error {
	s.queue.BlacklistRemove(c.Param("host"))
	return c.NoContent(http.StatusNoContent)
}

// Maps the error taxonomy onto HTTP status codes through the
// shared status code mapping.
func httpStatus(err error) int {
	switch status.Code(utils.GrpcError(err)) {
	case codes.NotFound:
		return http.StatusNotFound
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.FailedPrecondition:
		return http.StatusConflict
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
