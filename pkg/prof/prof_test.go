package prof

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func nonEmpty(t *testing.T, path string) {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() == 0 {
		t.Errorf("%s is empty", filepath.Base(path))
	}
}

func TestProfiler(t *testing.T) {
	dir := t.TempDir()
	opts := Options{
		CPU:       filepath.Join(dir, "cpu.prof"),
		Heap:      filepath.Join(dir, "heap.prof"),
		Goroutine: filepath.Join(dir, "goroutine.prof"),
	}
	p, err := Start(opts)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := Start(Options{CPU: filepath.Join(dir, "other.prof")}); !errors.Is(err, ErrCPUProfileActive) {
		t.Errorf("second Start() error = %v, want %v", err, ErrCPUProfileActive)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
	nonEmpty(t, opts.CPU)
	nonEmpty(t, opts.Heap)
	nonEmpty(t, opts.Goroutine)

	again, err := Start(Options{CPU: filepath.Join(dir, "again.prof")})
	if err != nil {
		t.Fatalf("Start() after Stop() error = %v", err)
	}
	again.Stop()
}

func TestProfiler_Errors(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing", "x.prof")
	if _, err := Start(Options{CPU: missing}); err == nil {
		t.Error("Start() with bad CPU path error = nil")
	}
	p, err := Start(Options{Heap: missing})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := p.Stop(); err == nil {
		t.Error("Stop() with bad heap path error = nil")
	}
}

func TestWriteTo(t *testing.T) {
	tests := []struct {
		profile Profile
		wantErr error
	}{
		{ProfileHeap, nil},
		{ProfileAllocs, nil},
		{ProfileGoroutine, nil},
		{ProfileBlock, nil},
		{ProfileMutex, nil},
		{Profile("nonexistent"), ErrInvalidProfile},
	}
	for _, tt := range tests {
		t.Run(tt.profile.String(), func(t *testing.T) {
			var buf bytes.Buffer
			err := WriteTo(tt.profile, &buf, 1)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("WriteTo() error = %v, want %v", err, tt.wantErr)
			}
			if err == nil && buf.Len() == 0 {
				t.Error("WriteTo() wrote nothing")
			}
		})
	}
}
