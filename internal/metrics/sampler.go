package metrics

import (
	"os"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
)

// Sampler reads the current process's RSS and CPU usage. Platform probes can
// fail (restricted containers, exotic kernels); failures degrade to zero so
// metrics collection never takes a server down.
type Sampler struct {
	once sync.Once
	proc *process.Process
}

// NewSampler returns a sampler bound lazily to the current process.
func NewSampler() *Sampler {
	return &Sampler{}
}

func (s *Sampler) bind() {
	s.once.Do(func() {
		p, err := process.NewProcess(int32(os.Getpid()))
		if err != nil {
			return
		}
		s.proc = p
	})
}

// Memory returns the resident set size in bytes, zero when unavailable.
func (s *Sampler) Memory() uint64 {
	s.bind()
	if s.proc == nil {
		return 0
	}
	info, err := s.proc.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return info.RSS
}

// CPU returns the process CPU percentage since the previous call, zero when
// unavailable.
func (s *Sampler) CPU() float64 {
	s.bind()
	if s.proc == nil {
		return 0
	}
	pct, err := s.proc.CPUPercent()
	if err != nil {
		return 0
	}
	return pct
}
