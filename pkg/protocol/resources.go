package protocol

// Resource quantities advertised by a worker or requested by a task.
// Zero values mean "no request" on tasks and "nothing free" on workers.
type Resources struct {
	// Number of cores.
	Cores int `json:"cores"`

	// Memory in megabytes.
	MemoryMB int64 `json:"memory_mb"`

	// Disk in megabytes.
	DiskMB int64 `json:"disk_mb"`
}

// Fits returns true if the requested resources fit within r.
func (r Resources) Fits(request Resources) bool {
	return r.Cores >= request.Cores &&
		r.MemoryMB >= request.MemoryMB &&
		r.DiskMB >= request.DiskMB
}

// Sub returns r with the requested resources consumed.
func (r Resources) Sub(request Resources) Resources {
	return Resources{
		Cores:    r.Cores - request.Cores,
		MemoryMB: r.MemoryMB - request.MemoryMB,
		DiskMB:   r.DiskMB - request.DiskMB,
	}
}

// Add returns r with the released resources returned.
func (r Resources) Add(release Resources) Resources {
	return Resources{
		Cores:    r.Cores + release.Cores,
		MemoryMB: r.MemoryMB + release.MemoryMB,
		DiskMB:   r.DiskMB + release.DiskMB,
	}
}
