package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type result struct {
	op     string
	status Status
	n      int
	media  *Media
}

// recorder is a Completion that queues every callback.
type recorder struct {
	ch chan result
}

func newRecorder() *recorder { return &recorder{ch: make(chan result, 16)} }

func (r *recorder) ReadComplete(s Status, n int)   { r.ch <- result{op: "read", status: s, n: n} }
func (r *recorder) WriteComplete(s Status, n int)  { r.ch <- result{op: "write", status: s, n: n} }
func (r *recorder) VerifyComplete(s Status, n int) { r.ch <- result{op: "verify", status: s, n: n} }
func (r *recorder) MediaReady(m *Media, s Status)  { r.ch <- result{op: "media", status: s, media: m} }
func (r *recorder) MediaChanged()                  { r.ch <- result{op: "changed"} }

func (r *recorder) next(t *testing.T) result {
	t.Helper()
	select {
	case res := <-r.ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("no completion")
		return result{}
	}
}

func (r *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case res := <-r.ch:
		t.Fatalf("unexpected completion %+v", res)
	default:
	}
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}

func TestStatus_Error(t *testing.T) {
	tests := []struct {
		status Status
		want   error
	}{
		{StatusOK, nil},
		{StatusTimeout, ErrTimeout},
		{StatusCRCError, ErrCRC},
		{StatusWriteProtected, ErrWriteProtected},
		{StatusInvalidParams, ErrInvalidParams},
		{StatusHardwareFailure, ErrHardwareFailure},
		{StatusMiscompare, ErrMiscompare},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			if got := tt.status.Error(); !errors.Is(got, tt.want) || (tt.want == nil) != (got == nil) {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMemory_ReadWrite(t *testing.T) {
	m := NewMemory(NewDescriptor("v", "p", "r"), 16, 512)
	rec := newRecorder()
	m.Bind(rec)

	var ios []IO
	m.Observe(func(io IO) { ios = append(ios, io) })

	data := pattern(1024, 3)
	if st := m.WriteBlocks(4, data, 2); st != StatusOK {
		t.Fatalf("WriteBlocks() = %v", st)
	}
	if res := rec.next(t); res.op != "write" || res.status != StatusOK || res.n != 1024 {
		t.Fatalf("write completion = %+v", res)
	}

	got := make([]byte, 1024)
	if st := m.ReadBlocks(4, got, 2); st != StatusOK {
		t.Fatalf("ReadBlocks() = %v", st)
	}
	if res := rec.next(t); res.op != "read" || res.n != 1024 {
		t.Fatalf("read completion = %+v", res)
	}
	if !bytes.Equal(got, data) {
		t.Error("read data differs from written data")
	}

	if st := m.VerifyBlocks(4, data, 2); st != StatusOK {
		t.Fatalf("VerifyBlocks() = %v", st)
	}
	if res := rec.next(t); res.status != StatusOK {
		t.Errorf("verify completion = %+v", res)
	}
	data[0] ^= 0xFF
	m.VerifyBlocks(4, data, 2)
	if res := rec.next(t); res.status != StatusMiscompare {
		t.Errorf("verify after corruption = %+v, want miscompare", res)
	}

	want := []IO{{OpWrite, 4, 2}, {OpRead, 4, 2}, {OpVerify, 4, 2}, {OpVerify, 4, 2}}
	if len(ios) != len(want) {
		t.Fatalf("observed %v, want %v", ios, want)
	}
	for i := range want {
		if ios[i] != want[i] {
			t.Errorf("io[%d] = %+v, want %+v", i, ios[i], want[i])
		}
	}
}

func TestMemory_Rejections(t *testing.T) {
	m := NewMemory(Descriptor{Removable: true}, 8, 512)
	rec := newRecorder()
	m.Bind(rec)
	buf := make([]byte, 4096)

	tests := []struct {
		name  string
		setup func()
		call  func() Status
		want  Status
	}{
		{"past end", nil, func() Status { return m.ReadBlocks(7, buf, 2) }, StatusInvalidParams},
		{"zero count", nil, func() Status { return m.ReadBlocks(0, buf, 0) }, StatusInvalidParams},
		{"short buffer", nil, func() Status { return m.ReadBlocks(0, buf[:100], 1) }, StatusInvalidParams},
		{"nil write buffer", nil, func() Status { return m.WriteBlocks(0, nil, 1) }, StatusInvalidParams},
		{"write protected", func() { m.SetReadOnly(true) }, func() Status { return m.WriteBlocks(0, buf, 1) }, StatusWriteProtected},
		{"no media", func() { m.Remove() }, func() Status { return m.ReadBlocks(0, buf, 1) }, StatusHardwareFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setup != nil {
				tt.setup()
			}
			if got := tt.call(); got != tt.want {
				t.Errorf("status = %v, want %v", got, tt.want)
			}
			rec.none(t)
		})
	}
}

func TestMemory_Faults(t *testing.T) {
	m := NewMemory(Descriptor{}, 8, 512)
	rec := newRecorder()
	m.Bind(rec)
	m.InjectFault(func(io IO) Status {
		if io.Addr == 3 {
			return StatusCRCError
		}
		return StatusOK
	})

	buf := make([]byte, 512)
	if st := m.ReadBlocks(3, buf, 1); st != StatusOK {
		t.Fatalf("ReadBlocks() = %v, want accepted", st)
	}
	if res := rec.next(t); res.status != StatusCRCError || res.n != 0 {
		t.Errorf("completion = %+v, want crc error", res)
	}
	m.ReadBlocks(2, buf, 1)
	if res := rec.next(t); res.status != StatusOK {
		t.Errorf("completion = %+v, want ok", res)
	}
}

func TestMemory_MediaChange(t *testing.T) {
	m := NewMemory(Descriptor{Removable: true}, 8, 512)
	rec := newRecorder()
	m.Bind(rec)

	m.RequestMedia()
	res := rec.next(t)
	if res.media == nil || res.media.Sectors != 8 || res.media.SectorSize != 512 {
		t.Fatalf("MediaReady = %+v", res)
	}

	m.NotifyMediaChange()
	if err := m.Eject(); err != nil {
		t.Fatalf("Eject() error = %v", err)
	}
	if res := rec.next(t); res.op != "changed" {
		t.Fatalf("got %+v, want media change", res)
	}
	if m.CheckMedia() {
		t.Error("CheckMedia() = true after eject")
	}

	// One-shot: a second change is not reported until re-armed.
	m.Insert()
	rec.none(t)

	m.NotifyMediaChange()
	m.CancelNotify()
	m.Remove()
	rec.none(t)

	m.RequestMedia()
	if res := rec.next(t); res.media != nil {
		t.Errorf("MediaReady with no media = %+v", res)
	}

	fixed := NewMemory(Descriptor{}, 8, 512)
	if err := fixed.Eject(); !errors.Is(err, ErrNotSupported) {
		t.Errorf("Eject() on fixed media error = %v", err)
	}
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, make([]byte, 64*512), 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := OpenFile(context.Background(), path, Descriptor{}, FileOptions{})
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	rec := newRecorder()
	f.Bind(rec)

	f.RequestMedia()
	if res := rec.next(t); res.media == nil || res.media.Sectors != 64 {
		t.Fatalf("MediaReady = %+v", res)
	}

	data := pattern(2048, 9)
	if st := f.WriteBlocks(10, data, 4); st != StatusOK {
		t.Fatalf("WriteBlocks() = %v", st)
	}
	if res := rec.next(t); res.op != "write" || res.n != 2048 {
		t.Fatalf("write completion = %+v", res)
	}
	got := make([]byte, 2048)
	f.ReadBlocks(10, got, 4)
	if res := rec.next(t); res.op != "read" || res.status != StatusOK {
		t.Fatalf("read completion = %+v", res)
	}
	if !bytes.Equal(got, data) {
		t.Error("read data differs from written data")
	}
	f.VerifyBlocks(10, nil, 4)
	if res := rec.next(t); res.op != "verify" || res.status != StatusOK {
		t.Errorf("verify completion = %+v", res)
	}
	if st := f.ReadBlocks(63, got, 2); st != StatusInvalidParams {
		t.Errorf("ReadBlocks() past end = %v", st)
	}
	if err := f.Sync(); err != nil {
		t.Errorf("Sync() error = %v", err)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if f.CheckMedia() {
		t.Error("CheckMedia() = true after close")
	}
	if st := f.ReadBlocks(0, got, 1); st != StatusHardwareFailure {
		t.Errorf("ReadBlocks() after close = %v", st)
	}

	// A media request that cannot be queued is still answered.
	f.RequestMedia()
	if res := rec.next(t); res.op != "media" || res.media != nil || res.status != StatusHardwareFailure {
		t.Errorf("MediaReady after close = %+v", res)
	}
}

func TestCipher(t *testing.T) {
	mem := NewMemory(Descriptor{}, 16, 512)
	key := pattern(64, 1)
	c, err := NewCipher(mem, key)
	if err != nil {
		t.Fatalf("NewCipher() error = %v", err)
	}
	rec := newRecorder()
	c.Bind(rec)
	c.RequestMedia()
	rec.next(t)

	plain := pattern(1536, 42)
	orig := append([]byte(nil), plain...)
	if st := c.WriteBlocks(5, plain, 3); st != StatusOK {
		t.Fatalf("WriteBlocks() = %v", st)
	}
	rec.next(t)
	if !bytes.Equal(plain, orig) {
		t.Error("WriteBlocks() modified the caller's buffer")
	}
	stored := mem.Bytes()[5*512 : 8*512]
	if bytes.Equal(stored, plain) {
		t.Error("medium holds plaintext")
	}

	got := make([]byte, 1536)
	c.ReadBlocks(5, got, 3)
	if res := rec.next(t); res.status != StatusOK {
		t.Fatalf("read completion = %+v", res)
	}
	if !bytes.Equal(got, plain) {
		t.Error("decrypted data differs from plaintext")
	}

	c.VerifyBlocks(5, plain, 3)
	if res := rec.next(t); res.status != StatusOK {
		t.Errorf("verify completion = %+v", res)
	}

	if _, err := NewCipher(mem, key[:20]); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("NewCipher() short key error = %v", err)
	}
}

func TestImage(t *testing.T) {
	data := pattern(1000, 5)
	for _, name := range []string{"disk.img", "disk.img.xz"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			m := NewMemoryFrom(Descriptor{}, append([]byte(nil), data...), 512)
			if err := SaveImage(path, m); err != nil {
				t.Fatalf("SaveImage() error = %v", err)
			}
			loaded, err := LoadImage(path, Descriptor{}, 512)
			if err != nil {
				t.Fatalf("LoadImage() error = %v", err)
			}
			got := loaded.Bytes()
			if len(got) != 1024 {
				t.Fatalf("loaded %d bytes, want 1024 (padded)", len(got))
			}
			if !bytes.Equal(got[:1000], data) {
				t.Error("loaded image differs")
			}
		})
	}

	if _, err := ReadImage(bytes.NewReader(nil), 512, false); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("ReadImage() empty error = %v", err)
	}
}
