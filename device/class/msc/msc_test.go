package msc

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ardnew/softmsc/device"
	"github.com/ardnew/softmsc/device/class/msc/scsi"
	"github.com/ardnew/softmsc/device/class/msc/storage"
	"github.com/ardnew/softmsc/device/hal"
	"github.com/ardnew/softmsc/device/hal/loopback"
	"github.com/ardnew/softmsc/pkg"
)

const (
	testSector  = 512
	testSectors = 200
	testChunk   = 50 // sectors per data buffer
)

// harness runs a function on a loopback controller and plays the host.
type harness struct {
	t    *testing.T
	ctx  context.Context
	host *loopback.Host
	m    *MSC
	tag  uint32
}

func newHarness(t *testing.T, backends ...storage.Backend) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BlockSize = testChunk * testSector

	ctrl := loopback.New(hal.SpeedHigh)
	router := device.NewRouter(ctrl)
	m, err := New(ctrl, cfg, backends...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := router.Register(m); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	runCtx, stop := context.WithCancel(context.Background())
	go m.Run(runCtx)
	t.Cleanup(func() {
		stop()
		<-m.Done()
		cancel()
	})

	h := &harness{t: t, ctx: ctx, host: ctrl.Host(), m: m}
	if err := h.host.Configure(ctx, 1); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	return h
}

func newDisk() *storage.Memory {
	desc := storage.NewDescriptor("SoftMSC", "Test Disk", "0100")
	return storage.NewMemory(desc, testSectors, testSector)
}

// transact sends a raw CBW, runs the data phase and returns the CSW and
// any data received. Halted endpoints are cleared the way a host would.
func (h *harness) transact(cbw []byte, in bool, length int, data []byte) (CommandStatusWrapper, []byte) {
	h.t.Helper()
	if _, err := h.host.BulkOut(h.ctx, DefaultEndpointOut, cbw); err != nil {
		h.t.Fatalf("CBW: %v", err)
	}

	var got []byte
	if length > 0 {
		var err error
		if in {
			got = make([]byte, length)
			var n int
			n, err = h.host.BulkIn(h.ctx, DefaultEndpointIn, got)
			got = got[:n]
		} else {
			_, err = h.host.BulkOut(h.ctx, DefaultEndpointOut, data)
		}
		if errors.Is(err, pkg.ErrStall) {
			addr := uint8(DefaultEndpointOut)
			if in {
				addr = DefaultEndpointIn
			}
			if err := h.host.ClearHalt(h.ctx, addr); err != nil {
				h.t.Fatalf("ClearHalt(%#02x): %v", addr, err)
			}
		} else if err != nil {
			h.t.Fatalf("data phase: %v", err)
		}
	}

	buf := make([]byte, CSWSize)
	n, err := h.host.BulkIn(h.ctx, DefaultEndpointIn, buf)
	if err != nil {
		h.t.Fatalf("CSW: %v", err)
	}
	var csw CommandStatusWrapper
	if err := ParseCSW(buf[:n], &csw); err != nil {
		h.t.Fatalf("ParseCSW: %v", err)
	}
	return csw, got
}

// do issues cdb to lun. For OUT commands data is sent; its length is the
// CBW data length.
func (h *harness) do(lun uint8, cdb []byte, in bool, length int, data []byte) (CommandStatusWrapper, []byte) {
	h.t.Helper()
	h.tag++
	if !in && data != nil {
		length = len(data)
	}
	buf := make([]byte, CBWSize)
	NewCBW(h.tag, lun, uint32(length), in, cdb).MarshalTo(buf)
	csw, got := h.transact(buf, in, length, data)
	if csw.Tag != h.tag {
		h.t.Errorf("CSW tag = %d, want %d", csw.Tag, h.tag)
	}
	return csw, got
}

func (h *harness) expect(csw CommandStatusWrapper, status uint8, residue uint32) {
	h.t.Helper()
	if csw.Status != status || csw.DataResidue != residue {
		h.t.Errorf("CSW status %s residue %d, want %s residue %d",
			CSWStatusString(csw.Status), csw.DataResidue, CSWStatusString(status), residue)
	}
}

func (h *harness) testUnitReady() {
	h.t.Helper()
	csw, _ := h.do(0, []byte{scsi.OpTestUnitReady, 0, 0, 0, 0, 0}, false, 0, nil)
	h.expect(csw, CSWStatusGood, 0)
}

func (h *harness) sense(lun uint8) scsi.Sense {
	h.t.Helper()
	csw, data := h.do(lun, []byte{scsi.OpRequestSense, 0, 0, 0, scsi.SenseFixedSize, 0}, true, scsi.SenseFixedSize, nil)
	h.expect(csw, CSWStatusGood, 0)
	if len(data) != scsi.SenseFixedSize {
		h.t.Fatalf("sense data = % x", data)
	}
	return scsi.Sense{Key: data[2] & 0x0F, ASCQ: uint16(data[12])<<8 | uint16(data[13])}
}

func rw10(op byte, lba uint32, count uint16) []byte {
	return []byte{op, 0, byte(lba >> 24), byte(lba >> 16), byte(lba >> 8), byte(lba), 0, byte(count >> 8), byte(count), 0}
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/testSector)
	}
	return b
}

func TestMSC_InvalidCBW(t *testing.T) {
	disk := newDisk()
	var ops atomic.Int32
	disk.Observe(func(storage.IO) { ops.Add(1) })
	h := newHarness(t, disk)

	good := make([]byte, CBWSize)
	NewCBW(0x1234, 0, 0, false, []byte{scsi.OpTestUnitReady, 0, 0, 0, 0, 0}).MarshalTo(good)

	tests := []struct {
		name    string
		cbw     []byte
		wantTag uint32
	}{
		{"bad signature", append([]byte{'X'}, good[1:]...), 0x1234},
		{"short", good[:20], 0},
		{"zero command length", append(append(append([]byte(nil), good[:14]...), 0), good[15:]...), 0x1234},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			csw, _ := h.transact(tt.cbw, false, 0, nil)
			h.expect(csw, CSWStatusPhaseError, 0)
			if csw.Tag != tt.wantTag {
				t.Errorf("CSW tag = %#x, want %#x", csw.Tag, tt.wantTag)
			}
		})
	}
	if n := ops.Load(); n != 0 {
		t.Errorf("backend saw %d operations", n)
	}
	h.testUnitReady()
}

func TestMSC_WriteRead(t *testing.T) {
	disk := newDisk()
	var ops []storage.IO
	disk.Observe(func(io storage.IO) { ops = append(ops, io) })
	h := newHarness(t, disk)

	want := pattern(120 * testSector)
	csw, _ := h.do(0, rw10(scsi.OpWrite10, 10, 120), false, 0, want)
	h.expect(csw, CSWStatusGood, 0)
	if !bytes.Equal(disk.Bytes()[10*testSector:130*testSector], want) {
		t.Error("medium contents differ from written data")
	}

	csw, got := h.do(0, rw10(scsi.OpRead10, 10, 120), true, len(want), nil)
	h.expect(csw, CSWStatusGood, 0)
	if !bytes.Equal(got, want) {
		t.Errorf("read back %d bytes, differs from written data", len(got))
	}

	wantOps := []storage.IO{
		{Op: storage.OpWrite, Addr: 10, Count: 50}, {Op: storage.OpWrite, Addr: 60, Count: 50}, {Op: storage.OpWrite, Addr: 110, Count: 20},
		{Op: storage.OpRead, Addr: 10, Count: 50}, {Op: storage.OpRead, Addr: 60, Count: 50}, {Op: storage.OpRead, Addr: 110, Count: 20},
	}
	if len(ops) != len(wantOps) {
		t.Fatalf("backend operations = %v, want %v", ops, wantOps)
	}
	for i := range ops {
		if ops[i] != wantOps[i] {
			t.Errorf("operation %d = %+v, want %+v", i, ops[i], wantOps[i])
		}
	}
	if got := h.m.q.Available(); got != h.m.q.Depth() {
		t.Errorf("free buffers = %d, want %d", got, h.m.q.Depth())
	}
}

func TestMSC_Residue(t *testing.T) {
	h := newHarness(t, newDisk())

	tests := []struct {
		name    string
		cdb     []byte
		in      bool
		length  int
		data    []byte
		status  uint8
		residue uint32
		got     int
	}{
		{"inquiry short answer", []byte{scsi.OpInquiry, 0, 0, 0, 255, 0}, true, 255, nil, CSWStatusGood, 219, 36},
		{"no data with IN length", []byte{scsi.OpTestUnitReady, 0, 0, 0, 0, 0}, true, 512, nil, CSWStatusGood, 512, 0},
		{"read shorter than host length", rw10(scsi.OpRead10, 0, 1), true, 1024, nil, CSWStatusGood, 512, 512},
		{"write shorter than host length", rw10(scsi.OpWrite10, 0, 1), false, 0, make([]byte, 1024), CSWStatusGood, 512, 0},
		{"inquiry truncated by host", []byte{scsi.OpInquiry, 0, 0, 0, 36, 0}, true, 8, nil, CSWStatusGood, 0, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			csw, got := h.do(0, tt.cdb, tt.in, tt.length, tt.data)
			h.expect(csw, tt.status, tt.residue)
			if tt.in && len(got) != tt.got {
				t.Errorf("received %d bytes, want %d", len(got), tt.got)
			}
		})
	}
}

func TestMSC_PhaseError(t *testing.T) {
	h := newHarness(t, newDisk())

	tests := []struct {
		name   string
		cdb    []byte
		in     bool
		length int
		data   []byte
	}{
		{"read with OUT direction", rw10(scsi.OpRead10, 0, 1), false, 0, make([]byte, 512)},
		{"write with IN direction", rw10(scsi.OpWrite10, 0, 1), true, 512, nil},
		{"read longer than host length", rw10(scsi.OpRead10, 0, 2), true, 512, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			csw, _ := h.do(0, tt.cdb, tt.in, tt.length, tt.data)
			if csw.Status != CSWStatusPhaseError {
				t.Errorf("CSW status = %s, want phase error", CSWStatusString(csw.Status))
			}
			h.testUnitReady()
		})
	}
}

func TestMSC_WriteProtected(t *testing.T) {
	disk := newDisk()
	disk.SetReadOnly(true)
	h := newHarness(t, disk)

	csw, _ := h.do(0, rw10(scsi.OpWrite10, 0, 2), false, 0, make([]byte, 1024))
	h.expect(csw, CSWStatusFailed, 1024)

	want := scsi.Sense{Key: scsi.SenseDataProtect, ASCQ: scsi.ASCWriteProtected}
	if got := h.sense(0); got != want {
		t.Errorf("sense = %s, want %s", got, want)
	}
}

func TestMSC_LUNs(t *testing.T) {
	first, second := newDisk(), newDisk()
	h := newHarness(t, first, second)

	data := make([]byte, 1)
	n, err := h.host.Control(h.ctx, hal.SetupPacket{
		RequestType: requestTypeGetMaxLUN,
		Request:     RequestGetMaxLUN,
		Length:      1,
	}, data)
	if err != nil || n != 1 || data[0] != 1 {
		t.Fatalf("Get Max LUN = %d (% x), %v", n, data[:n], err)
	}

	csw, _ := h.do(1, rw10(scsi.OpWrite10, 5, 1), false, 0, pattern(testSector))
	h.expect(csw, CSWStatusGood, 0)
	if !bytes.Equal(second.Bytes()[5*testSector:6*testSector], pattern(testSector)) {
		t.Error("second LUN not written")
	}
	if bytes.Equal(first.Bytes()[5*testSector:6*testSector], pattern(testSector)) {
		t.Error("first LUN written")
	}

	csw, _ = h.do(2, []byte{scsi.OpTestUnitReady, 0, 0, 0, 0, 0}, false, 0, nil)
	h.expect(csw, CSWStatusFailed, 0)
}

func TestMSC_Reset(t *testing.T) {
	h := newHarness(t, newDisk())

	h.tag++
	cbw := make([]byte, CBWSize)
	NewCBW(h.tag, 0, 100*testSector, false, rw10(scsi.OpWrite10, 0, 100)).MarshalTo(cbw)
	if _, err := h.host.BulkOut(h.ctx, DefaultEndpointOut, cbw); err != nil {
		t.Fatalf("CBW: %v", err)
	}

	_, err := h.host.Control(h.ctx, hal.SetupPacket{
		RequestType: requestTypeReset,
		Request:     RequestBulkOnlyMassStorageReset,
	}, nil)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}

	h.testUnitReady()
	if got := h.m.q.Available(); got != h.m.q.Depth() {
		t.Errorf("free buffers after reset = %d, want %d", got, h.m.q.Depth())
	}

	_, err = h.host.Control(h.ctx, hal.SetupPacket{
		RequestType: requestTypeReset,
		Request:     RequestBulkOnlyMassStorageReset,
		Value:       1,
	}, nil)
	if !errors.Is(err, pkg.ErrStall) {
		t.Errorf("malformed reset error = %v, want %v", err, pkg.ErrStall)
	}
}

// heldDisk parks its first read until release. Parked reads complete
// before any later write is served, as on a backend with one request queue.
type heldDisk struct {
	*storage.Memory
	mu     sync.Mutex
	hold   bool
	parked []func()
	ready  chan struct{}
	writes atomic.Int32
}

func newHeldDisk() *heldDisk {
	return &heldDisk{Memory: newDisk(), hold: true, ready: make(chan struct{})}
}

func (d *heldDisk) ReadBlocks(addr uint64, buf []byte, count uint32) storage.Status {
	d.mu.Lock()
	if !d.hold {
		d.mu.Unlock()
		return d.Memory.ReadBlocks(addr, buf, count)
	}
	d.hold = false
	d.parked = append(d.parked, func() { d.Memory.ReadBlocks(addr, buf, count) })
	d.mu.Unlock()
	close(d.ready)
	return storage.StatusOK
}

func (d *heldDisk) WriteBlocks(addr uint64, buf []byte, count uint32) storage.Status {
	d.release()
	d.writes.Add(1)
	return d.Memory.WriteBlocks(addr, buf, count)
}

func (d *heldDisk) release() {
	d.mu.Lock()
	parked := d.parked
	d.parked = nil
	d.mu.Unlock()
	for _, fn := range parked {
		fn()
	}
}

func TestMSC_ResetDuringBackendRead(t *testing.T) {
	disk := newHeldDisk()
	h := newHarness(t, disk)

	old := bytes.Repeat([]byte{0xAA}, testSector)
	csw, _ := h.do(0, rw10(scsi.OpWrite10, 0, 1), false, 0, old)
	h.expect(csw, CSWStatusGood, 0)
	writes := disk.writes.Load()

	h.tag++
	cbw := make([]byte, CBWSize)
	NewCBW(h.tag, 0, testSector, true, rw10(scsi.OpRead10, 0, 1)).MarshalTo(cbw)
	if _, err := h.host.BulkOut(h.ctx, DefaultEndpointOut, cbw); err != nil {
		t.Fatalf("CBW: %v", err)
	}
	select {
	case <-disk.ready:
	case <-h.ctx.Done():
		t.Fatal("read never reached the backend")
	}

	_, err := h.host.Control(h.ctx, hal.SetupPacket{
		RequestType: requestTypeReset,
		Request:     RequestBulkOnlyMassStorageReset,
	}, nil)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	h.testUnitReady()
	if got, want := h.m.q.Available(), h.m.q.Depth()-1; got != want {
		t.Errorf("free buffers with a read parked = %d, want %d", got, want)
	}

	// The write data arrives while the backend still owns the read buffer.
	data := bytes.Repeat([]byte{0x55}, testSector)
	h.tag++
	NewCBW(h.tag, 0, testSector, false, rw10(scsi.OpWrite10, 10, 1)).MarshalTo(cbw)
	if _, err := h.host.BulkOut(h.ctx, DefaultEndpointOut, cbw); err != nil {
		t.Fatalf("CBW: %v", err)
	}
	if _, err := h.host.BulkOut(h.ctx, DefaultEndpointOut, data); err != nil {
		t.Fatalf("data phase: %v", err)
	}
	if n := disk.writes.Load(); n != writes {
		t.Errorf("backend wrote %d times before the parked read completed", n-writes)
	}
	disk.release()

	buf := make([]byte, CSWSize)
	n, err := h.host.BulkIn(h.ctx, DefaultEndpointIn, buf)
	if err != nil {
		t.Fatalf("CSW: %v", err)
	}
	var status CommandStatusWrapper
	if err := ParseCSW(buf[:n], &status); err != nil {
		t.Fatalf("ParseCSW: %v", err)
	}
	h.expect(status, CSWStatusGood, 0)

	tests := []struct {
		name string
		lba  uint32
		want []byte
	}{
		{"written", 10, data},
		{"untouched", 0, old},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			csw, got := h.do(0, rw10(scsi.OpRead10, tt.lba, 1), true, testSector, nil)
			h.expect(csw, CSWStatusGood, 0)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("LBA %d read back %d bytes that differ from what was written", tt.lba, len(got))
			}
		})
	}
	if got := h.m.q.Available(); got != h.m.q.Depth() {
		t.Errorf("free buffers = %d, want %d", got, h.m.q.Depth())
	}
}

func TestMSC_Reconfigure(t *testing.T) {
	h := newHarness(t, newDisk())
	h.testUnitReady()

	if err := h.host.Configure(h.ctx, 0); err != nil {
		t.Fatalf("deconfigure: %v", err)
	}
	if err := h.host.Configure(h.ctx, 1); err != nil {
		t.Fatalf("configure: %v", err)
	}
	h.testUnitReady()
}

func TestNew_Validation(t *testing.T) {
	disk := newDisk()
	tests := []struct {
		name     string
		mutate   func(*Config)
		backends []storage.Backend
		want     error
	}{
		{"no backends", func(*Config) {}, nil, pkg.ErrInvalidParameter},
		{"OUT address as IN", func(c *Config) { c.EndpointIn = 0x01 }, []storage.Backend{disk}, pkg.ErrInvalidEndpoint},
		{"IN address as OUT", func(c *Config) { c.EndpointOut = 0x82 }, []storage.Backend{disk}, pkg.ErrInvalidEndpoint},
		{"block not packet multiple", func(c *Config) { c.BlockSize = 1000 }, []storage.Backend{disk}, pkg.ErrInvalidParameter},
		{"zero packet size", func(c *Config) { c.MaxPacketSize = 0 }, []storage.Backend{disk}, pkg.ErrInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if _, err := New(loopback.New(hal.SpeedHigh), cfg, tt.backends...); !errors.Is(err, tt.want) {
				t.Errorf("New() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestMSC_RunOnce(t *testing.T) {
	m, err := New(loopback.New(hal.SpeedHigh), DefaultConfig(), newDisk())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	for !m.running.Load() {
		time.Sleep(time.Millisecond)
	}
	if err := m.Run(ctx); !errors.Is(err, pkg.ErrAlreadyRunning) {
		t.Errorf("second Run() error = %v, want %v", err, pkg.ErrAlreadyRunning)
	}
	cancel()
	<-m.Done()
}
