package prof

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/pprof"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
)

var (
	ErrCPUProfileActive = errors.New("cpu profile already active")
	ErrInvalidProfile   = errors.New("invalid profile")
)

// Profile names a pprof snapshot profile.
type Profile string

// Snapshot profiles.
const (
	ProfileHeap      Profile = "heap"
	ProfileAllocs    Profile = "allocs"
	ProfileGoroutine Profile = "goroutine"
	ProfileBlock     Profile = "block"
	ProfileMutex     Profile = "mutex"
)

func (p Profile) String() string { return string(p) }

// cpuBusy guards the process-wide CPU profiler.
var cpuBusy atomic.Bool

// Options selects the profiles a [Profiler] records. Empty paths are
// skipped.
type Options struct {
	CPU       string // CPU samples, from Start to Stop
	Heap      string // heap snapshot taken at Stop
	Goroutine string // goroutine dump taken at Stop
}

// Profiler records the profiles selected by its [Options].
type Profiler struct {
	opts Options
	cpu  *os.File
	once sync.Once
	err  error
}

// Start begins CPU sampling when opts.CPU is set. Only one profiler may
// sample the CPU at a time.
func Start(opts Options) (*Profiler, error) {
	p := &Profiler{opts: opts}
	if opts.CPU == "" {
		return p, nil
	}
	if !cpuBusy.CompareAndSwap(false, true) {
		return nil, ErrCPUProfileActive
	}
	f, err := os.Create(opts.CPU)
	if err != nil {
		cpuBusy.Store(false)
		return nil, fmt.Errorf("cpu profile: %w", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		cpuBusy.Store(false)
		return nil, fmt.Errorf("cpu profile: %w", err)
	}
	p.cpu = f
	return p, nil
}

// Stop ends CPU sampling and writes the snapshot profiles. Later calls
// return the first call's result.
func (p *Profiler) Stop() error {
	p.once.Do(func() {
		if p.cpu != nil {
			pprof.StopCPUProfile()
			if err := p.cpu.Close(); err != nil {
				p.err = multierror.Append(p.err, fmt.Errorf("cpu profile: %w", err))
			}
			cpuBusy.Store(false)
		}
		if p.opts.Heap != "" {
			runtime.GC()
			if err := write(ProfileHeap, p.opts.Heap); err != nil {
				p.err = multierror.Append(p.err, err)
			}
		}
		if p.opts.Goroutine != "" {
			if err := write(ProfileGoroutine, p.opts.Goroutine); err != nil {
				p.err = multierror.Append(p.err, err)
			}
		}
	})
	return p.err
}

func write(profile Profile, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%s profile: %w", profile, err)
	}
	if err := WriteTo(profile, f, 0); err != nil {
		f.Close()
		return fmt.Errorf("%s profile: %w", profile, err)
	}
	return f.Close()
}

// WriteTo writes a snapshot of profile to w at the given pprof debug level.
func WriteTo(profile Profile, w io.Writer, debug int) error {
	p := pprof.Lookup(string(profile))
	if p == nil {
		return ErrInvalidProfile
	}
	return p.WriteTo(w, debug)
}
