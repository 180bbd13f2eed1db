// Package prof records pprof profiles around a command run.
//
//	p, err := prof.Start(prof.Options{CPU: "cpu.prof", Heap: "heap.prof"})
//	if err != nil {
//	    return err
//	}
//	defer p.Stop()
//
// The self-test command exposes it as --cpuprofile and --memprofile.
package prof
