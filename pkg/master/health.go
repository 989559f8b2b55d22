package master

import (
	"time"

	"github.com/batchq/batchq/pkg/log"
)

// Default number of samples required before a command signature's
// average execution time is considered established.
const DefaultMinSamples = 10

// Tracks per-command and per-worker timing statistics.
//
// Implements fast-abort straggler detection: once enough samples of a
// command signature have been observed, a running task whose elapsed
// time exceeds multiplier times the average is aborted and re-queued.
// Also owns the host blacklist and worker keepalive bookkeeping.
type healthMonitor struct {
	// Minimum sample count before an average activates.
	minSamples int

	// Fast-abort multiplier. Disabled unless > 0.
	multiplier float64

	// Running execution time statistics per command signature.
	commands map[string]*runningStat

	// Running execution time statistics per command signature and host.
	hosts map[string]map[string]*runningStat

	// Hostnames excluded from matching.
	blacklist map[string]struct{}
}

type runningStat struct {
	count int64
	total time.Duration
}

func (s *runningStat) observe(d time.Duration) {
	s.count++
	s.total += d
}

func (s *runningStat) average() time.Duration {
	if s.count == 0 {
		return 0
	}
	return s.total / time.Duration(s.count)
}

func newHealthMonitor() *healthMonitor {
	return &healthMonitor{
		minSamples: DefaultMinSamples,
		commands:   map[string]*runningStat{},
		hosts:      map[string]map[string]*runningStat{},
		blacklist:  map[string]struct{}{},
	}
}

// Record a completed execution of the given command signature
// on the given host.
func (h *healthMonitor) Observe(signature, hostname string, elapsed time.Duration) {
	stat, ok := h.commands[signature]
	if !ok {
		stat = &runningStat{}
		h.commands[signature] = stat
	}
	stat.observe(elapsed)

	byHost, ok := h.hosts[signature]
	if !ok {
		byHost = map[string]*runningStat{}
		h.hosts[signature] = byHost
	}

	hostStat, ok := byHost[hostname]
	if !ok {
		hostStat = &runningStat{}
		byHost[hostname] = hostStat
	}
	hostStat.observe(elapsed)
}

// Average returns the established average execution time for a command
// signature. Not ok until the minimum sample count has been reached.
func (h *healthMonitor) Average(signature string) (time.Duration, bool) {
	stat, ok := h.commands[signature]
	if !ok || stat.count < int64(h.minSamples) {
		return 0, false
	}
	return stat.average(), true
}

// HostAverage returns the average execution time for a command
// signature on a specific host. Used by the Time selection algorithm.
func (h *healthMonitor) HostAverage(signature, hostname string) (time.Duration, bool) {
	byHost, ok := h.hosts[signature]
	if !ok {
		return 0, false
	}

	stat, ok := byHost[hostname]
	if !ok || stat.count == 0 {
		return 0, false
	}
	return stat.average(), true
}

// SetMultiplier activates fast abort when multiplier > 0
// and deactivates it otherwise.
func (h *healthMonitor) SetMultiplier(multiplier float64) {
	h.multiplier = multiplier
}

// ShouldAbort returns true if a task with the given command signature
// has been running long enough to be presumed a straggler.
func (h *healthMonitor) ShouldAbort(signature string, elapsed time.Duration) bool {
	if h.multiplier <= 0 {
		return false
	}

	average, ok := h.Average(signature)
	if !ok || average <= 0 {
		return false
	}

	return elapsed > time.Duration(h.multiplier*float64(average))
}

// Blacklist a host. Blacklisted hosts receive no further matches
// regardless of selection algorithm.
func (h *healthMonitor) Blacklist(hostname string) {
	log.Info("new - blacklist - host:", hostname)
	h.blacklist[hostname] = struct{}{}
}

// Remove a host from the blacklist.
func (h *healthMonitor) BlacklistRemove(hostname string) {
	log.Info("del - blacklist - host:", hostname)
	delete(h.blacklist, hostname)
}

// Clear the blacklist in full.
func (h *healthMonitor) BlacklistClear() {
	h.blacklist = map[string]struct{}{}
}

// IsBlacklisted returns true if the host is excluded from matching.
func (h *healthMonitor) IsBlacklisted(hostname string) bool {
	_, ok := h.blacklist[hostname]
	return ok
}

// Expired returns the workers whose last keepalive response is older
// than the given timeout.
func (h *healthMonitor) Expired(workers []Worker, timeout time.Duration, now time.Time) []Worker {
	var expired []Worker

	for _, worker := range workers {
		if now.Sub(worker.LastHeartbeat()) > timeout {
			expired = append(expired, worker)
		}
	}

	return expired
}
