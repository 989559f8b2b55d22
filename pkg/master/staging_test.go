package master

import (
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type StagingTest struct {
	suite.Suite
	fs      afero.Fs
	staging *stagingManager
	worker  *fakeWorker
}

func (suite *StagingTest) SetupTest() {
	suite.fs = afero.NewMemMapFs()
	suite.staging = newStagingManager(suite.fs)
	suite.worker = newFakeWorker("w1", 1)
}

func (suite *StagingTest) writeLocal(path, content string) {
	err := afero.WriteFile(suite.fs, path, []byte(content), 0644)
	assert.NoError(suite.T(), err)
}

func (suite *StagingTest) readLocal(path string) string {
	data, err := afero.ReadFile(suite.fs, path)
	assert.NoError(suite.T(), err)
	return string(data)
}

func (suite *StagingTest) TestCachedInputTransferredOnce() {
	suite.writeLocal("/data/input.txt", "hello")

	task := NewTask("cat input.txt")
	task.AddFile("/data/input.txt", "input.txt", FileInput, CacheAlways)

	assert.NoError(suite.T(), suite.staging.StageInputs(suite.worker, task))
	assert.Equal(suite.T(), "hello", suite.worker.store.content("input.txt"))
	assert.Equal(suite.T(), int64(5), task.report.BytesSent)

	// Already in the worker's store, no bytes move.
	again := NewTask("cat input.txt")
	again.AddFile("/data/input.txt", "input.txt", FileInput, CacheAlways)

	assert.NoError(suite.T(), suite.staging.StageInputs(suite.worker, again))
	assert.Zero(suite.T(), again.report.BytesSent)
}

func (suite *StagingTest) TestUncachedInputPurgedOnRelease() {
	suite.writeLocal("/data/secret.txt", "secret")

	task := NewTask("cat secret.txt")
	task.id = 1
	task.AddFile("/data/secret.txt", "secret.txt", FileInput, CacheNever)

	assert.NoError(suite.T(), suite.staging.StageInputs(suite.worker, task))
	assert.True(suite.T(), suite.worker.store.Contains("secret.txt"))

	suite.staging.Release(suite.worker, task)
	assert.False(suite.T(), suite.worker.store.Contains("secret.txt"))
}

func (suite *StagingTest) TestUncachedInputRetransferred() {
	suite.writeLocal("/data/fresh.txt", "v1")

	task := NewTask("cat fresh.txt")
	task.id = 1
	task.AddFile("/data/fresh.txt", "fresh.txt", FileInput, CacheNever)
	assert.NoError(suite.T(), suite.staging.StageInputs(suite.worker, task))
	suite.staging.Release(suite.worker, task)

	suite.writeLocal("/data/fresh.txt", "v2")

	again := NewTask("cat fresh.txt")
	again.id = 2
	again.AddFile("/data/fresh.txt", "fresh.txt", FileInput, CacheNever)
	assert.NoError(suite.T(), suite.staging.StageInputs(suite.worker, again))

	assert.Equal(suite.T(), "v2", suite.worker.store.content("fresh.txt"))
}

func (suite *StagingTest) TestWatchedInputStreamsAppends() {
	suite.writeLocal("/data/log.txt", "line1\n")

	task := NewTask("tail log.txt")
	task.AddFile("/data/log.txt", "log.txt", FileInput, CacheWatch)
	assert.NoError(suite.T(), suite.staging.StageInputs(suite.worker, task))
	assert.Equal(suite.T(), int64(6), task.report.BytesSent)

	suite.writeLocal("/data/log.txt", "line1\nline2\n")

	again := NewTask("tail log.txt")
	again.AddFile("/data/log.txt", "log.txt", FileInput, CacheWatch)
	assert.NoError(suite.T(), suite.staging.StageInputs(suite.worker, again))

	// Only the appended bytes moved.
	assert.Equal(suite.T(), int64(6), again.report.BytesSent)
	assert.Equal(suite.T(), "line1\nline2\n", suite.worker.store.content("log.txt"))
}

func (suite *StagingTest) TestBufferInput() {
	task := NewTask("cat config.json")
	task.AddBuffer([]byte(`{"debug":true}`), "config.json", CacheAlways)

	assert.NoError(suite.T(), suite.staging.StageInputs(suite.worker, task))
	assert.Equal(suite.T(), `{"debug":true}`, suite.worker.store.content("config.json"))
}

func (suite *StagingTest) TestPieceInput() {
	suite.writeLocal("/data/big.bin", "0123456789")

	task := NewTask("cat chunk")
	task.AddFilePiece("/data/big.bin", "chunk", 2, 6, FileInput, CacheAlways)

	assert.NoError(suite.T(), suite.staging.StageInputs(suite.worker, task))
	assert.Equal(suite.T(), "2345", suite.worker.store.content("chunk[2-6]"))
	assert.Equal(suite.T(), int64(4), task.report.BytesSent)
}

func (suite *StagingTest) TestDirectoryInputNonRecursive() {
	task := NewTask("ls")
	task.AddDirectory("/data/dir", "dir", FileInput, CacheAlways, false)

	assert.NoError(suite.T(), suite.staging.StageInputs(suite.worker, task))
	assert.True(suite.T(), suite.worker.store.Contains("dir"))
}

func (suite *StagingTest) TestDirectoryInputRecursive() {
	suite.writeLocal("/data/dir/a.txt", "a")
	suite.writeLocal("/data/dir/sub/b.txt", "b")

	task := NewTask("ls dir")
	task.AddDirectory("/data/dir", "dir", FileInput, CacheAlways, true)

	assert.NoError(suite.T(), suite.staging.StageInputs(suite.worker, task))
	assert.Equal(suite.T(), "a", suite.worker.store.content("dir/a.txt"))
	assert.Equal(suite.T(), "b", suite.worker.store.content("dir/sub/b.txt"))
}

func (suite *StagingTest) TestMissingInputIsStagingError() {
	task := NewTask("cat nope")
	task.AddFile("/data/nope.txt", "nope", FileInput, CacheAlways)

	err := suite.staging.StageInputs(suite.worker, task)
	assert.Error(suite.T(), err)

	var staged *stagingError
	assert.True(suite.T(), errors.As(err, &staged))
}

func (suite *StagingTest) TestCollectOutput() {
	suite.worker.store.put("result.txt", "done")

	task := NewTask("produce result.txt")
	task.AddFile("/out/result.txt", "result.txt", FileOutput, CacheNever)

	missing, err := suite.staging.CollectOutputs(suite.worker, task)
	assert.NoError(suite.T(), err)
	assert.Empty(suite.T(), missing)
	assert.Equal(suite.T(), "done", suite.readLocal("/out/result.txt"))
	assert.Equal(suite.T(), int64(4), task.report.BytesReceived)
}

func (suite *StagingTest) TestMissingOutputReported() {
	task := NewTask("true")
	task.AddFile("/out/result.txt", "result.txt", FileOutput, CacheNever)

	missing, err := suite.staging.CollectOutputs(suite.worker, task)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), "result.txt", missing)
}

func (suite *StagingTest) TestWatchedOutputAppendsLocally() {
	suite.worker.store.put("progress.log", "step1\n")

	task := NewTask("work")
	task.AddFile("/out/progress.log", "progress.log", FileOutput, CacheWatch)

	_, err := suite.staging.CollectOutputs(suite.worker, task)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), "step1\n", suite.readLocal("/out/progress.log"))

	suite.worker.store.put("progress.log", "step1\nstep2\n")

	again := NewTask("work")
	again.AddFile("/out/progress.log", "progress.log", FileOutput, CacheWatch)

	_, err = suite.staging.CollectOutputs(suite.worker, again)
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), "step1\nstep2\n", suite.readLocal("/out/progress.log"))
}

func (suite *StagingTest) TestCollectRecursiveDirectory() {
	suite.worker.store.put("results/a.txt", "a")
	suite.worker.store.put("results/sub/b.txt", "b")

	task := NewTask("produce results")
	task.AddDirectory("/out/results", "results", FileOutput, CacheNever, true)

	missing, err := suite.staging.CollectOutputs(suite.worker, task)
	assert.NoError(suite.T(), err)
	assert.Empty(suite.T(), missing)
	assert.Equal(suite.T(), "a", suite.readLocal("/out/results/a.txt"))
	assert.Equal(suite.T(), "b", suite.readLocal("/out/results/sub/b.txt"))
}

func TestStaging(t *testing.T) {
	suite.Run(t, &StagingTest{})
}
