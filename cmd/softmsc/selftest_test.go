package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ardnew/softmsc/device/class/msc/storage"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func testOptions() selfTestOptions {
	return selfTestOptions{
		sectors:   256,
		blockSize: 16 * sectorSize,
		depth:     2,
		passes:    2,
		timeout:   20 * time.Second,
	}
}

func checkReport(t *testing.T, out string) {
	t.Helper()
	if strings.Contains(out, "FAIL") {
		t.Errorf("report has failures:\n%s", out)
	}
	for _, check := range []string{"inquiry", "write/read round trip", "verify miscompare", "phase error recovery", "mass storage reset"} {
		if !strings.Contains(out, "ok   "+check) {
			t.Errorf("report missing %q:\n%s", check, out)
		}
	}
}

func TestSelfTest_RAMDisk(t *testing.T) {
	tests := []struct {
		name string
		opts func(*selfTestOptions)
	}{
		{"defaults", func(*selfTestOptions) {}},
		{"deep queue", func(o *selfTestOptions) { o.depth = 4 }},
		{"small buffers", func(o *selfTestOptions) { o.blockSize = sectorSize }},
		{"encrypted", func(o *selfTestOptions) { o.key = testKey }},
		{"tiny medium", func(o *selfTestOptions) { o.sectors = 8 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions()
			tt.opts(&opts)
			var out bytes.Buffer
			if err := runSelfTest(context.Background(), opts, &out); err != nil {
				t.Fatalf("runSelfTest() error = %v\n%s", err, out.String())
			}
			checkReport(t, out.String())
		})
	}
}

func TestSelfTest_Images(t *testing.T) {
	dir := t.TempDir()
	raw := filepath.Join(dir, "disk.img")
	if err := buildImage(raw, imageOptions{size: testImageSize, label: volumeID}); err != nil {
		t.Fatalf("buildImage() error = %v", err)
	}
	compressed := filepath.Join(dir, "disk.img.xz")
	if err := buildImage(compressed, imageOptions{size: testImageSize, label: volumeID}); err != nil {
		t.Fatalf("buildImage() error = %v", err)
	}
	contents := func(path string) []byte {
		f, err := os.Open(path)
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()
		data, err := storage.ReadImage(f, sectorSize, strings.HasSuffix(path, ".xz"))
		if err != nil {
			t.Fatal(err)
		}
		return data
	}

	tests := []struct {
		name   string
		image  string
		direct bool
	}{
		{"file backend", raw, true},
		{"memory backend", raw, false},
		{"compressed", compressed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := contents(tt.image)
			opts := testOptions()
			opts.image, opts.direct = tt.image, tt.direct
			opts.save = filepath.Join(t.TempDir(), "saved.img")
			if tt.direct {
				opts.save = ""
			}
			var out bytes.Buffer
			if err := runSelfTest(context.Background(), opts, &out); err != nil {
				t.Fatalf("runSelfTest() error = %v\n%s", err, out.String())
			}
			checkReport(t, out.String())

			after := tt.image
			if opts.save != "" {
				after = opts.save
			}
			if !bytes.Equal(contents(after), before) {
				t.Error("medium changed by the self test")
			}
		})
	}
}

func TestSelfTest_Errors(t *testing.T) {
	tests := []struct {
		name string
		opts func(*selfTestOptions)
	}{
		{"bad key encoding", func(o *selfTestOptions) { o.key = "zz" }},
		{"bad key length", func(o *selfTestOptions) { o.key = "00112233" }},
		{"missing image", func(o *selfTestOptions) { o.image = filepath.Join(t.TempDir(), "missing.img") }},
		{"block size", func(o *selfTestOptions) { o.blockSize = 100 }},
		{"save without memory", func(o *selfTestOptions) {
			path := filepath.Join(t.TempDir(), "disk.img")
			if err := os.WriteFile(path, make([]byte, 64*sectorSize), 0o644); err != nil {
				t.Fatal(err)
			}
			o.image, o.direct = path, true
			o.save = filepath.Join(t.TempDir(), "saved.img")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions()
			tt.opts(&opts)
			if err := runSelfTest(context.Background(), opts, &bytes.Buffer{}); err == nil {
				t.Error("runSelfTest() error = nil")
			}
		})
	}
}

func TestOpenBackend_Kinds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, make([]byte, 16*sectorSize), 0o644); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name    string
		opts    selfTestOptions
		wantMem bool
	}{
		{"ram", selfTestOptions{sectors: 4}, true},
		{"loaded", selfTestOptions{image: path}, true},
		{"direct", selfTestOptions{image: path, direct: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend, mem, release, err := openBackend(context.Background(), tt.opts)
			if err != nil {
				t.Fatalf("openBackend() error = %v", err)
			}
			defer release()
			if (mem != nil) != tt.wantMem {
				t.Errorf("memory medium = %v, want %v", mem != nil, tt.wantMem)
			}
			if _, ok := backend.(*storage.File); ok == tt.wantMem {
				t.Errorf("backend = %T", backend)
			}
		})
	}
}
