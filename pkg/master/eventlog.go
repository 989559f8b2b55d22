package master

import (
	"fmt"
	"os"
	"path"
	"time"

	"github.com/batchq/batchq/pkg/log"
	"github.com/batchq/batchq/pkg/protocol"
	"github.com/batchq/batchq/pkg/utils"
)

// Append-only log of task lifecycle transitions.
//
// One line per transition, written as they happen. Intended for
// postmortem analysis of a queue run; not read back by the engine.
type eventLog struct {
	fs   utils.Fs
	file utils.File
}

func newEventLog(fs utils.Fs) *eventLog {
	return &eventLog{fs: fs}
}

// Open the log at the given path, appending to an existing file.
func (l *eventLog) Open(logPath string) error {
	l.Close()

	if err := l.fs.MkdirAll(path.Dir(logPath), 0755); err != nil {
		return err
	}

	file, err := l.fs.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	l.file = file
	return nil
}

// Record a task state transition.
func (l *eventLog) Transition(task *Task, from, to protocol.TaskState) {
	if l.file == nil {
		return
	}

	line := fmt.Sprintf("%s task %d %s %s\n",
		time.Now().Format(time.RFC3339Nano), task.Id(), from, to)

	if _, err := l.file.WriteString(line); err != nil {
		log.Debug("event log write failed:", err)
	}
}

// Record a free-form queue event.
func (l *eventLog) Event(format string, args ...any) {
	if l.file == nil {
		return
	}

	line := fmt.Sprintf("%s queue %s\n",
		time.Now().Format(time.RFC3339Nano), fmt.Sprintf(format, args...))

	if _, err := l.file.WriteString(line); err != nil {
		log.Debug("event log write failed:", err)
	}
}

func (l *eventLog) Close() {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
