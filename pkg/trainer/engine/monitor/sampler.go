package monitor

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Sample is one reading of the process resource usage.
type Sample struct {
	RSSBytes uint64
	// CPUPercent is normalized to the whole machine: 100 means every core busy.
	CPUPercent float64
	At         time.Time
}

// Sampler reads the current resource usage.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// minCPUWindow is the shortest span a CPU reading is taken over.
const minCPUWindow = 100 * time.Millisecond

// ProcessSampler samples the current process through gopsutil.
type ProcessSampler struct {
	proc  *process.Process
	cores float64

	mu   sync.Mutex
	last time.Time
}

// NewProcessSampler returns a sampler for this process. It takes the CPU
// baseline at once, so the first Sample covers the time since construction.
func NewProcessSampler(ctx context.Context) (*ProcessSampler, error) {
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("inspect process %d: %w", os.Getpid(), err)
	}
	if _, err := p.PercentWithContext(ctx, 0); err != nil {
		return nil, fmt.Errorf("read cpu baseline: %w", err)
	}
	return &ProcessSampler{proc: p, cores: float64(runtime.NumCPU()), last: time.Now()}, nil
}

// Sample reads RSS and the CPU usage since the previous call. When the previous
// call is more recent than minCPUWindow the CPU usage is measured over a fresh
// window of that length instead.
func (s *ProcessSampler) Sample(ctx context.Context) (Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mi, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("read memory info: %w", err)
	}
	var interval time.Duration
	if time.Since(s.last) < minCPUWindow {
		interval = minCPUWindow
	}
	cpu, err := s.proc.PercentWithContext(ctx, interval)
	if err != nil {
		return Sample{}, fmt.Errorf("read cpu percent: %w", err)
	}
	s.last = time.Now()
	return Sample{RSSBytes: mi.RSS, CPUPercent: cpu / s.cores, At: s.last}, nil
}
