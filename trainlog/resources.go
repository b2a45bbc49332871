package trainlog

import (
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/process"
)

// Resources is the serving process's footprint when an entry was written.
type Resources struct {
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Goroutines int     `json:"goroutines"`
}

// Sampler reads the current process's resource usage.
type Sampler struct {
	proc *process.Process
}

// NewSampler binds to the current process. If the process handle cannot be
// opened the sampler still reports goroutines.
func NewSampler() *Sampler {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return &Sampler{}
	}
	return &Sampler{proc: proc}
}

// Sample is best effort: fields that cannot be read stay zero.
func (s *Sampler) Sample() Resources {
	res := Resources{Goroutines: runtime.NumGoroutine()}
	if s == nil || s.proc == nil {
		return res
	}
	if mem, err := s.proc.MemoryInfo(); err == nil && mem != nil {
		res.RSSBytes = mem.RSS
	}
	if cpu, err := s.proc.CPUPercent(); err == nil {
		res.CPUPercent = cpu
	}
	return res
}
