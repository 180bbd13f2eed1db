package storage

import (
	"bytes"
	"sync"

	"github.com/ardnew/softmsc/pkg"
)

// Op identifies a block operation.
type Op uint8

// Block operations.
const (
	OpRead Op = iota
	OpWrite
	OpVerify
)

// String returns the operation name.
func (o Op) String() string {
	switch o {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpVerify:
		return "verify"
	default:
		return "unknown"
	}
}

// IO describes one accepted block operation.
type IO struct {
	Op    Op
	Addr  uint64
	Count uint32
}

// Memory is a RAM-backed [Backend]. Completions are delivered
// synchronously from the calling goroutine.
type Memory struct {
	desc Descriptor

	mu         sync.Mutex
	data       []byte
	sectorSize uint32
	readOnly   bool
	present    bool
	notify     bool
	sink       Completion
	observe    func(IO)
	fault      func(IO) Status
}

var (
	_ Backend = (*Memory)(nil)
	_ Syncer  = (*Memory)(nil)
	_ Ejecter = (*Memory)(nil)
)

// NewMemory creates a zeroed medium of sectors × sectorSize bytes.
func NewMemory(desc Descriptor, sectors uint64, sectorSize uint32) *Memory {
	return NewMemoryFrom(desc, make([]byte, sectors*uint64(sectorSize)), sectorSize)
}

// NewMemoryFrom wraps data as a medium. Trailing bytes that do not fill a
// sector are not addressable.
func NewMemoryFrom(desc Descriptor, data []byte, sectorSize uint32) *Memory {
	return &Memory{
		desc:       desc,
		data:       data,
		sectorSize: sectorSize,
		present:    true,
	}
}

// Bytes returns the backing store.
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data
}

// SetReadOnly sets the write-protect switch.
func (m *Memory) SetReadOnly(readOnly bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readOnly = readOnly
}

// Observe installs fn to be called for every accepted block operation.
func (m *Memory) Observe(fn func(IO)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observe = fn
}

// InjectFault installs fn to choose the completion status of accepted
// block operations. A non-OK result completes the operation with no data.
func (m *Memory) InjectFault(fn func(IO) Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = fn
}

// Remove takes the medium out.
func (m *Memory) Remove() { m.setPresent(false) }

// Insert puts the medium back.
func (m *Memory) Insert() { m.setPresent(true) }

func (m *Memory) setPresent(present bool) {
	m.mu.Lock()
	if m.present == present {
		m.mu.Unlock()
		return
	}
	m.present = present
	fire := m.notify
	m.notify = false
	sink := m.sink
	m.mu.Unlock()

	pkg.LogDebug(pkg.ComponentStorage, "media presence changed", "present", present)
	if fire && sink != nil {
		sink.MediaChanged()
	}
}

// Descriptor implements [Backend].
func (m *Memory) Descriptor() Descriptor { return m.desc }

// Bind implements [Backend].
func (m *Memory) Bind(sink Completion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
}

// CheckMedia implements [Backend].
func (m *Memory) CheckMedia() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.present
}

func (m *Memory) mediaLocked() *Media {
	if !m.present {
		return nil
	}
	return &Media{
		Sectors:        uint64(len(m.data)) / uint64(m.sectorSize),
		SectorSize:     m.sectorSize,
		WriteProtected: m.readOnly,
	}
}

// RequestMedia implements [Backend].
func (m *Memory) RequestMedia() {
	m.mu.Lock()
	media := m.mediaLocked()
	sink := m.sink
	m.mu.Unlock()

	if sink == nil {
		pkg.LogWarn(pkg.ComponentStorage, "media request with no completion sink")
		return
	}
	if media == nil {
		sink.MediaReady(nil, StatusHardwareFailure)
		return
	}
	sink.MediaReady(media, StatusOK)
}

// ReadBlocks implements [Backend].
func (m *Memory) ReadBlocks(addr uint64, buf []byte, count uint32) Status {
	return m.do(IO{OpRead, addr, count}, buf)
}

// WriteBlocks implements [Backend].
func (m *Memory) WriteBlocks(addr uint64, buf []byte, count uint32) Status {
	return m.do(IO{OpWrite, addr, count}, buf)
}

// VerifyBlocks implements [Backend].
func (m *Memory) VerifyBlocks(addr uint64, buf []byte, count uint32) Status {
	return m.do(IO{OpVerify, addr, count}, buf)
}

func (m *Memory) do(blk IO, buf []byte) Status {
	m.mu.Lock()
	if blk.Op != OpVerify && buf == nil {
		m.mu.Unlock()
		return StatusInvalidParams
	}
	if st := check(m.mediaLocked(), blk.Addr, buf, blk.Count, blk.Op == OpWrite); st != StatusOK {
		m.mu.Unlock()
		pkg.LogDebug(pkg.ComponentStorage, "block request rejected",
			"op", blk.Op.String(), "addr", blk.Addr, "count", blk.Count, "status", st.String())
		return st
	}
	if m.observe != nil {
		m.observe(blk)
	}

	status := StatusOK
	if m.fault != nil {
		status = m.fault(blk)
	}
	n := 0
	if status == StatusOK {
		off := blk.Addr * uint64(m.sectorSize)
		n = int(blk.Count) * int(m.sectorSize)
		switch blk.Op {
		case OpRead:
			copy(buf[:n], m.data[off:])
		case OpWrite:
			copy(m.data[off:], buf[:n])
		case OpVerify:
			if buf != nil && !bytes.Equal(buf[:n], m.data[off:off+uint64(n)]) {
				status, n = StatusMiscompare, 0
			}
		}
	}
	sink := m.sink
	m.mu.Unlock()

	if sink != nil {
		switch blk.Op {
		case OpRead:
			sink.ReadComplete(status, n)
		case OpWrite:
			sink.WriteComplete(status, n)
		case OpVerify:
			sink.VerifyComplete(status, n)
		}
	}
	return StatusOK
}

// NotifyMediaChange implements [Backend].
func (m *Memory) NotifyMediaChange() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = true
}

// CancelNotify implements [Backend].
func (m *Memory) CancelNotify() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = false
}

// Sync implements [Syncer]. Memory has no cache.
func (m *Memory) Sync() error { return nil }

// Eject implements [Ejecter]. Fixed media cannot be ejected.
func (m *Memory) Eject() error {
	if !m.desc.Removable {
		return ErrNotSupported
	}
	m.Remove()
	return nil
}
