package master

import (
	"testing"
	"time"

	"github.com/batchq/batchq/pkg/protocol"
	"github.com/batchq/batchq/pkg/utils"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type QueueTest struct {
	suite.Suite
	fs    afero.Fs
	queue *Queue
}

func (suite *QueueTest) SetupTest() {
	suite.fs = afero.NewMemMapFs()

	queue, err := NewQueue(RandomPort, WithFs(suite.fs), WithName("test"))
	assert.NoError(suite.T(), err)
	suite.queue = queue
}

func (suite *QueueTest) TearDownTest() {
	suite.queue.Close()
}

func (suite *QueueTest) addWorker(id string, cores int) *fakeWorker {
	worker := newFakeWorker(id, cores)
	assert.NoError(suite.T(), suite.queue.AddWorker(worker, ""))
	return worker
}

func (suite *QueueTest) submit(command string) (*Task, uint64) {
	task := NewTask(command)
	task.SetCores(1)
	id, err := suite.queue.Submit(task)
	assert.NoError(suite.T(), err)
	return task, id
}

func (suite *QueueTest) TestSubmitAndWait() {
	suite.addWorker("w1", 1)
	_, id := suite.submit("echo hello")

	done, err := suite.queue.Wait(WaitForever)
	assert.NoError(suite.T(), err)
	assert.NotNil(suite.T(), done)
	assert.Equal(suite.T(), id, done.Id())
	assert.Equal(suite.T(), protocol.TaskState_DONE, done.State())

	report, err := done.Report()
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), protocol.TaskResult_SUCCESS, report.Result)
	assert.Equal(suite.T(), 0, report.ReturnStatus)
	assert.Equal(suite.T(), 1, report.TotalSubmissions)
	assert.Equal(suite.T(), "w1.local", report.Hostname)

	assert.True(suite.T(), suite.queue.Empty())
}

func (suite *QueueTest) TestNonzeroExitIsStillDone() {
	worker := suite.addWorker("w1", 1)
	worker.run = func(command string, store *memStore) int {
		return 7
	}

	suite.submit("exit 7")

	done, err := suite.queue.Wait(WaitForever)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), protocol.TaskState_DONE, done.State())

	report, _ := done.Report()
	assert.Equal(suite.T(), protocol.TaskResult_SUCCESS, report.Result)
	assert.Equal(suite.T(), 7, report.ReturnStatus)
}

func (suite *QueueTest) TestEmptyQueueWaitReturnsImmediately() {
	task, err := suite.queue.Wait(WaitForever)
	assert.NoError(suite.T(), err)
	assert.Nil(suite.T(), task)
}

func (suite *QueueTest) TestWaitTimeout() {
	worker := suite.addWorker("w1", 1)
	worker.manual = true

	suite.submit("sleep forever")

	task, err := suite.queue.Wait(50 * time.Millisecond)
	assert.NoError(suite.T(), err)
	assert.Nil(suite.T(), task)
	assert.False(suite.T(), suite.queue.Empty())
}

func (suite *QueueTest) drainIds(count int) []uint64 {
	var ids []uint64
	for i := 0; i < count; i++ {
		task, err := suite.queue.Wait(WaitForever)
		assert.NoError(suite.T(), err)
		assert.NotNil(suite.T(), task)
		ids = append(ids, task.Id())
	}
	return ids
}

func (suite *QueueTest) TestFifoDispatchOrder() {
	worker := suite.addWorker("w1", 1)

	_, a := suite.submit("task a")
	_, b := suite.submit("task b")
	_, c := suite.submit("task c")

	suite.drainIds(3)
	assert.Equal(suite.T(), []uint64{a, b, c}, worker.started)
}

func (suite *QueueTest) TestLifoDispatchOrder() {
	suite.queue.SetTaskOrder(OrderLIFO)
	worker := suite.addWorker("w1", 1)

	_, a := suite.submit("task a")
	_, b := suite.submit("task b")
	_, c := suite.submit("task c")

	suite.drainIds(3)
	assert.Equal(suite.T(), []uint64{c, b, a}, worker.started)
}

func (suite *QueueTest) TestOutputCollected() {
	worker := suite.addWorker("w1", 1)
	worker.run = func(command string, store *memStore) int {
		store.put("result.txt", "payload")
		return 0
	}

	task := NewTask("produce result.txt")
	task.AddFile("/out/result.txt", "result.txt", FileOutput, CacheNever)
	_, err := suite.queue.Submit(task)
	assert.NoError(suite.T(), err)

	done, err := suite.queue.Wait(WaitForever)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), protocol.TaskState_DONE, done.State())

	data, err := afero.ReadFile(suite.fs, "/out/result.txt")
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), "payload", string(data))
}

func (suite *QueueTest) TestMissingOutputFailsTask() {
	suite.addWorker("w1", 1)

	task := NewTask("true")
	task.AddFile("/out/result.txt", "result.txt", FileOutput, CacheNever)
	_, err := suite.queue.Submit(task)
	assert.NoError(suite.T(), err)

	done, err := suite.queue.Wait(WaitForever)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), protocol.TaskState_FAILED, done.State())

	report, _ := done.Report()
	assert.Equal(suite.T(), protocol.TaskResult_OUTPUT_MISSING, report.Result)
}

func (suite *QueueTest) TestMissingInputFailsTask() {
	suite.addWorker("w1", 1)

	task := NewTask("cat data")
	task.AddFile("/no/such/file", "data", FileInput, CacheAlways)
	_, err := suite.queue.Submit(task)
	assert.NoError(suite.T(), err)

	done, err := suite.queue.Wait(WaitForever)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), protocol.TaskState_FAILED, done.State())

	report, _ := done.Report()
	assert.Equal(suite.T(), protocol.TaskResult_INPUT_MISSING, report.Result)
}

func (suite *QueueTest) TestDeadlineExceededBeforeDispatch() {
	suite.addWorker("w1", 1)

	task := NewTask("too late")
	task.SetCores(1)
	task.SetDeadline(time.Now().Add(-time.Minute))
	_, err := suite.queue.Submit(task)
	assert.NoError(suite.T(), err)

	done, err := suite.queue.Wait(WaitForever)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), protocol.TaskState_FAILED, done.State())

	report, _ := done.Report()
	assert.Equal(suite.T(), protocol.TaskResult_DEADLINE_EXCEEDED, report.Result)
}

func (suite *QueueTest) TestCancelReadyTask() {
	_, id := suite.submit("never runs")

	cancelled, err := suite.queue.CancelByTaskID(id)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), protocol.TaskState_CANCELLED, cancelled.State())

	report, err := cancelled.Report()
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), protocol.TaskResult_ABORTED, report.Result)

	assert.True(suite.T(), suite.queue.Empty())

	_, err = suite.queue.CancelByTaskID(id)
	assert.ErrorIs(suite.T(), err, utils.ErrNotFound)
}

func (suite *QueueTest) TestCancelRunningTask() {
	worker := suite.addWorker("w1", 1)
	worker.manual = true

	_, id := suite.submit("sleep forever")

	// Let the task reach a worker.
	task, err := suite.queue.Wait(50 * time.Millisecond)
	assert.NoError(suite.T(), err)
	assert.Nil(suite.T(), task)

	cancelled, err := suite.queue.CancelByTaskID(id)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), protocol.TaskState_CANCELLED, cancelled.State())
	assert.Equal(suite.T(), []uint64{id}, worker.aborted)
}

func (suite *QueueTest) TestCancelByTag() {
	task := NewTask("tagged work")
	task.SetTag("batch-7")
	_, err := suite.queue.Submit(task)
	assert.NoError(suite.T(), err)

	cancelled, err := suite.queue.CancelByTaskTag("batch-7")
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), "batch-7", cancelled.Tag())

	_, err = suite.queue.CancelByTaskTag("batch-7")
	assert.ErrorIs(suite.T(), err, utils.ErrNotFound)
}

func (suite *QueueTest) TestResubmissionKeepsId() {
	suite.addWorker("w1", 1)

	_, id := suite.submit("echo once")
	done, err := suite.queue.Wait(WaitForever)
	assert.NoError(suite.T(), err)

	again, err := suite.queue.Submit(done)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), id, again)

	done, err = suite.queue.Wait(WaitForever)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), id, done.Id())
}

func (suite *QueueTest) TestSubmitOwnedTaskRejected() {
	worker := suite.addWorker("w1", 1)
	worker.manual = true

	task, _ := suite.submit("held")
	_, err := suite.queue.Submit(task)
	assert.ErrorIs(suite.T(), err, utils.ErrTaskOwned)
}

func (suite *QueueTest) TestHungry() {
	assert.Zero(suite.T(), suite.queue.Hungry())

	worker := suite.addWorker("w1", 4)
	worker.manual = true
	assert.Equal(suite.T(), 8, suite.queue.Hungry())

	suite.submit("held")
	task, _ := suite.queue.Wait(50 * time.Millisecond)
	assert.Nil(suite.T(), task)
	assert.Equal(suite.T(), 7, suite.queue.Hungry())
}

func (suite *QueueTest) TestTune() {
	assert.NoError(suite.T(), suite.queue.Tune("asynchrony-multiplier", 2.0))
	assert.NoError(suite.T(), suite.queue.Tune("asynchrony-modifier", 1))
	assert.NoError(suite.T(), suite.queue.Tune("min-transfer-timeout", 60))
	assert.NoError(suite.T(), suite.queue.Tune("foreman-transfer-timeout", 1800))
	assert.NoError(suite.T(), suite.queue.Tune("fast-abort-multiplier", 3))
	assert.NoError(suite.T(), suite.queue.Tune("keepalive-interval", 120))
	assert.NoError(suite.T(), suite.queue.Tune("keepalive-timeout", 60))

	err := suite.queue.Tune("no-such-knob", 1)
	assert.ErrorIs(suite.T(), err, utils.ErrBadRequest)
}

func (suite *QueueTest) TestAsynchronyOvercommitsCores() {
	worker := suite.addWorker("w1", 1)
	worker.manual = true

	// Two single-core tasks on a one-core worker.
	assert.NoError(suite.T(), suite.queue.Tune("asynchrony-multiplier", 2.0))

	suite.submit("a")
	suite.submit("b")

	task, _ := suite.queue.Wait(50 * time.Millisecond)
	assert.Nil(suite.T(), task)
	assert.Len(suite.T(), worker.started, 2)
}

func (suite *QueueTest) TestFastAbortRequeuesStraggler() {
	worker := suite.addWorker("w1", 1)
	worker.manual = true

	task := NewTask("render scene")
	signature := task.Signature()
	for i := 0; i < DefaultMinSamples; i++ {
		suite.queue.health.Observe(signature, worker.Hostname(), time.Millisecond)
	}
	suite.queue.ActivateFastAbort(2)

	id, err := suite.queue.Submit(task)
	assert.NoError(suite.T(), err)

	// The straggler is aborted and dispatched again.
	waited, err := suite.queue.Wait(100 * time.Millisecond)
	assert.NoError(suite.T(), err)
	assert.Nil(suite.T(), waited)
	assert.NotEmpty(suite.T(), worker.aborted)
	assert.GreaterOrEqual(suite.T(), len(worker.started), 2)

	// Finishing the retry completes the task.
	suite.queue.ActivateFastAbort(0)
	worker.complete(id, 0)

	done, err := suite.queue.Wait(WaitForever)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), id, done.Id())
	assert.Equal(suite.T(), protocol.TaskState_DONE, done.State())

	report, _ := done.Report()
	assert.Greater(suite.T(), report.TotalSubmissions, 1)
}

func (suite *QueueTest) TestExpiredWorkerRequeuesTasks() {
	worker := suite.addWorker("w1", 1)
	worker.manual = true

	suite.submit("held")
	task, _ := suite.queue.Wait(50 * time.Millisecond)
	assert.Nil(suite.T(), task)
	assert.Len(suite.T(), worker.started, 1)

	worker.setHeartbeat(time.Now().Add(-time.Minute))
	task, _ = suite.queue.Wait(50 * time.Millisecond)
	assert.Nil(suite.T(), task)

	stats := suite.queue.Stats()
	assert.Equal(suite.T(), 1, stats.TasksWaiting)
	assert.Zero(suite.T(), stats.TasksRunning)
	assert.Zero(suite.T(), stats.WorkersBusy+stats.WorkersIdle)
}

func (suite *QueueTest) TestPasswordAdmission() {
	suite.queue.SetPassword("s3cret")

	worker := newFakeWorker("w1", 1)
	err := suite.queue.AddWorker(worker, "wrong")
	assert.ErrorIs(suite.T(), err, utils.ErrUnauthorized)

	assert.NoError(suite.T(), suite.queue.AddWorker(worker, "s3cret"))
}

func (suite *QueueTest) TestPasswordFile() {
	err := afero.WriteFile(suite.fs, "/etc/queue.pw", []byte("hunter2\n"), 0600)
	assert.NoError(suite.T(), err)

	assert.NoError(suite.T(), suite.queue.SetPasswordFile("/etc/queue.pw"))

	worker := newFakeWorker("w1", 1)
	assert.NoError(suite.T(), suite.queue.AddWorker(worker, "hunter2"))
}

func (suite *QueueTest) TestShutdownWorkers() {
	a := suite.addWorker("w1", 1)
	b := suite.addWorker("w2", 1)

	assert.Equal(suite.T(), 1, suite.queue.ShutdownWorkers(1))
	assert.Equal(suite.T(), 1, suite.queue.ShutdownWorkers(-1))
	assert.True(suite.T(), a.shutdown)
	assert.True(suite.T(), b.shutdown)
	assert.Zero(suite.T(), suite.queue.ShutdownWorkers(-1))
}

func (suite *QueueTest) TestStats() {
	suite.addWorker("w1", 1)

	suite.submit("echo one")
	suite.submit("echo two")
	suite.drainIds(2)

	stats := suite.queue.Stats()
	assert.Equal(suite.T(), 2, stats.TasksComplete)
	assert.Zero(suite.T(), stats.TasksWaiting)
	assert.Zero(suite.T(), stats.TasksRunning)
	assert.Equal(suite.T(), 1, stats.WorkersIdle)
}

func (suite *QueueTest) TestCapacityEstimationInStats() {
	suite.queue.EnableCapacityEstimation()
	suite.addWorker("w1", 1)

	suite.submit("echo hello")
	suite.drainIds(1)

	stats := suite.queue.Stats()
	assert.GreaterOrEqual(suite.T(), stats.Capacity, 1)
}

func (suite *QueueTest) TestCatalogReport() {
	report := suite.queue.CatalogReport()
	assert.Equal(suite.T(), "test", report.Name)
	assert.Equal(suite.T(), suite.queue.Port(), report.Port)

	_, _, ok := suite.queue.Catalog()
	assert.False(suite.T(), ok)

	suite.queue.SetCatalog("catalog.local", 9097)
	host, port, ok := suite.queue.Catalog()
	assert.True(suite.T(), ok)
	assert.Equal(suite.T(), "catalog.local", host)
	assert.Equal(suite.T(), 9097, port)
}

func (suite *QueueTest) TestShutdownOnClose() {
	queue, err := NewQueue(RandomPort, WithFs(suite.fs), WithShutdownOnClose())
	assert.NoError(suite.T(), err)

	worker := newFakeWorker("w1", 1)
	assert.NoError(suite.T(), queue.AddWorker(worker, ""))

	assert.NoError(suite.T(), queue.Close())
	assert.True(suite.T(), worker.shutdown)
}

func (suite *QueueTest) TestEventLog() {
	assert.NoError(suite.T(), suite.queue.SpecifyLog("/logs/queue.log"))

	suite.addWorker("w1", 1)
	suite.submit("echo hello")
	suite.drainIds(1)

	data, err := afero.ReadFile(suite.fs, "/logs/queue.log")
	assert.NoError(suite.T(), err)
	assert.Contains(suite.T(), string(data), "init ready")
	assert.Contains(suite.T(), string(data), "ready running")
	assert.Contains(suite.T(), string(data), "running done")
}

func (suite *QueueTest) TestTaskStateQuery() {
	worker := suite.addWorker("w1", 1)
	worker.manual = true

	_, held := suite.submit("held")
	_, waiting := suite.submit("queued behind held")

	waited, _ := suite.queue.Wait(50 * time.Millisecond)
	assert.Nil(suite.T(), waited)

	state, err := suite.queue.TaskState(held)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), protocol.TaskState_RUNNING, state)

	state, err = suite.queue.TaskState(waiting)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), protocol.TaskState_READY, state)

	_, err = suite.queue.TaskState(9999)
	assert.ErrorIs(suite.T(), err, utils.ErrNotFound)

	worker.complete(held, 0)
	suite.drainIds(1)

	// Claimed tasks are no longer queryable.
	_, err = suite.queue.TaskState(held)
	assert.ErrorIs(suite.T(), err, utils.ErrNotFound)

	worker.complete(waiting, 0)
	suite.drainIds(1)
}

func (suite *QueueTest) TestCloseReleasesTasks() {
	worker := suite.addWorker("w1", 1)
	worker.manual = true

	task, _ := suite.submit("held")
	waited, _ := suite.queue.Wait(50 * time.Millisecond)
	assert.Nil(suite.T(), waited)

	assert.NoError(suite.T(), suite.queue.Close())
	assert.False(suite.T(), task.owned)

	_, err := suite.queue.Wait(time.Second)
	assert.ErrorIs(suite.T(), err, utils.ErrUnavailable)

	_, err = suite.queue.Submit(NewTask("late"))
	assert.ErrorIs(suite.T(), err, utils.ErrUnavailable)
}

func TestQueue(t *testing.T) {
	suite.Run(t, &QueueTest{})
}
