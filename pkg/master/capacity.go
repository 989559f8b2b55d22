package master

import "time"

// Estimates the worker pool size the queue could keep busy.
//
// The estimate compares the time workers spend executing commands with
// the time the master spends serving each task (file transfers): a
// master that spends 1 unit serving a task that executes for 10 units
// can feed roughly 10 workers. The estimate is exposed as read-only
// statistics for an external autoscaling collaborator; the engine never
// spawns or terminates workers itself.
type capacityEstimator struct {
	// Estimation is off by default.
	enabled bool

	// Accumulated execution and master-side transfer time.
	executeTotal  time.Duration
	transferTotal time.Duration

	// Number of completed tasks sampled.
	samples int

	// Peak number of concurrently busy workers.
	peakBusy int
}

func newCapacityEstimator() *capacityEstimator {
	return &capacityEstimator{}
}

// Enable capacity measurements.
func (c *capacityEstimator) Enable() {
	c.enabled = true
}

// Record the current number of busy workers.
func (c *capacityEstimator) ObserveBusy(busy int) {
	if busy > c.peakBusy {
		c.peakBusy = busy
	}
}

// Record a completed task's execution and transfer time.
func (c *capacityEstimator) ObserveTask(execute, transfer time.Duration) {
	if !c.enabled {
		return
	}

	c.executeTotal += execute
	c.transferTotal += transfer
	c.samples++
}

// Estimate returns the recommended total worker pool size,
// or 0 if estimation is disabled or no tasks have been sampled.
func (c *capacityEstimator) Estimate() int {
	if !c.enabled || c.samples == 0 {
		return 0
	}

	if c.transferTotal <= 0 {
		// Transfers were too fast to measure. The master is not the
		// bottleneck; recommend at least the observed peak.
		if c.peakBusy > 0 {
			return c.peakBusy
		}
		return 1
	}

	capacity := int(c.executeTotal / c.transferTotal)
	if capacity < 1 {
		capacity = 1
	}
	if capacity < c.peakBusy {
		capacity = c.peakBusy
	}

	return capacity
}
