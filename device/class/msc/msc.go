package msc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ardnew/softmsc/device"
	"github.com/ardnew/softmsc/device/class/msc/scsi"
	"github.com/ardnew/softmsc/device/class/msc/storage"
	"github.com/ardnew/softmsc/device/hal"
	"github.com/ardnew/softmsc/pkg"
	"github.com/ardnew/softmsc/pkg/bufq"
)

// Config holds the options of a mass-storage function.
type Config struct {
	// InterfaceNumber is the bInterfaceNumber served.
	InterfaceNumber uint8

	// EndpointIn and EndpointOut are the bulk endpoint addresses.
	EndpointIn  uint8
	EndpointOut uint8

	// MaxPacketSize is the bulk wMaxPacketSize.
	MaxPacketSize uint16

	// BlockSize is the capacity of each data buffer and so the largest
	// data leg. It must be a multiple of MaxPacketSize.
	BlockSize int

	// QueueDepth is the number of data buffers (at least 2).
	QueueDepth int

	// Alignment is the buffer alignment in bytes (power of two).
	Alignment int

	// SCSI configures every logical unit's session. LUNs is filled in
	// from the number of backends.
	SCSI scsi.Config
}

// DefaultConfig returns a high-speed configuration on endpoints 0x81/0x02.
func DefaultConfig() Config {
	return Config{
		EndpointIn:    DefaultEndpointIn,
		EndpointOut:   DefaultEndpointOut,
		MaxPacketSize: DefaultMaxPacketSize,
		BlockSize:     DefaultBlockSize,
		QueueDepth:    DefaultQueueDepth,
		Alignment:     DefaultAlignment,
		SCSI:          scsi.DefaultConfig(),
	}
}

func (c *Config) validate(luns int) error {
	switch {
	case luns < 1 || luns > MaxLUNs:
		return fmt.Errorf("msc: %d logical units: %w", luns, pkg.ErrInvalidParameter)
	case c.EndpointIn&hal.EndpointDirIn == 0 || c.EndpointIn&0x0F == 0:
		return fmt.Errorf("msc: IN endpoint %#02x: %w", c.EndpointIn, pkg.ErrInvalidEndpoint)
	case c.EndpointOut&hal.EndpointDirIn != 0 || c.EndpointOut&0x0F == 0:
		return fmt.Errorf("msc: OUT endpoint %#02x: %w", c.EndpointOut, pkg.ErrInvalidEndpoint)
	case c.MaxPacketSize == 0:
		return fmt.Errorf("msc: max packet size 0: %w", pkg.ErrInvalidParameter)
	case c.BlockSize <= 0 || c.BlockSize%int(c.MaxPacketSize) != 0:
		return fmt.Errorf("msc: block size %d not a multiple of %d: %w",
			c.BlockSize, c.MaxPacketSize, pkg.ErrInvalidParameter)
	}
	return nil
}

// lun is one logical unit: a backend and the session interpreting for it.
type lun struct {
	index   int
	backend storage.Backend
	session *scsi.Session
}

// MSC is a USB Mass Storage Bulk-Only Transport function.
//
// Controller and backend callbacks only post events; [MSC.Run] is the one
// goroutine that advances the transport and SCSI state machines.
type MSC struct {
	cfg  Config
	ctrl hal.Controller
	q    *bufq.Queue
	luns []*lun

	// Event queue shared with callback goroutines.
	evMu   sync.Mutex
	events []event
	signal chan struct{}

	started atomic.Bool
	running atomic.Bool
	done    chan struct{}

	// Data-phase accounting shared with the endpoint completion callback.
	xfer struct {
		sync.Mutex
		epoch       uint64
		requested   uint32
		transferred uint32
		inData      bool // IN data leg outstanding
		outData     bool // OUT data leg outstanding
	}

	// Worker-owned transport state.
	phase     phase
	cbw       CommandBlockWrapper
	cmdBuf    [commandBufferSize]byte
	active    *lun
	responses []response

	held        *bufq.Buffer   // buffer the active session holds
	tx          *bufq.Buffer   // IN data leg in flight
	txQueue     []*bufq.Buffer // IN data legs waiting for tx
	rx          *bufq.Buffer   // OUT data leg in flight
	outPending  outKind
	inPending   inKind
	needIO      bool
	statusReady bool
	status      uint8
}

var _ device.Function = (*MSC)(nil)

// New creates a mass-storage function on ctrl with one logical unit per
// backend. Each backend is bound to its session's completion sink.
func New(ctrl hal.Controller, cfg Config, backends ...storage.Backend) (*MSC, error) {
	if err := cfg.validate(len(backends)); err != nil {
		return nil, err
	}
	q, err := bufq.New(cfg.QueueDepth, cfg.BlockSize, cfg.Alignment)
	if err != nil {
		return nil, fmt.Errorf("msc: %w", err)
	}

	m := &MSC{
		cfg:    cfg,
		ctrl:   ctrl,
		q:      q,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	scfg := cfg.SCSI
	scfg.LUNs = len(backends)
	for i, b := range backends {
		l := &lun{index: i, backend: b}
		b.Bind(lunSink{m: m, lun: i})
		l.session = scsi.NewSession(b, lunHost{m: m, lun: i}, scfg)
		m.luns = append(m.luns, l)
	}

	pkg.LogDebug(pkg.ComponentBOT, "function created",
		"interface", cfg.InterfaceNumber,
		"in", cfg.EndpointIn,
		"out", cfg.EndpointOut,
		"luns", len(backends),
		"block", cfg.BlockSize,
		"depth", cfg.QueueDepth)
	return m, nil
}

// Session returns the SCSI session of logical unit n, or nil.
func (m *MSC) Session(n int) *scsi.Session {
	if n < 0 || n >= len(m.luns) {
		return nil
	}
	return m.luns[n].session
}

// MaxLUN returns the highest logical unit number.
func (m *MSC) MaxLUN() uint8 { return uint8(len(m.luns) - 1) }

// InterfaceNumber implements [device.Function].
func (m *MSC) InterfaceNumber() uint8 { return m.cfg.InterfaceNumber }

// Endpoints implements [device.Function].
func (m *MSC) Endpoints() []hal.EndpointConfig {
	return []hal.EndpointConfig{
		{Address: m.cfg.EndpointIn, Attributes: hal.TransferTypeBulk, MaxPacketSize: m.cfg.MaxPacketSize},
		{Address: m.cfg.EndpointOut, Attributes: hal.TransferTypeBulk, MaxPacketSize: m.cfg.MaxPacketSize},
	}
}

// HandleSetup implements [device.Function]. It serves the Bulk-Only Mass
// Storage Reset and Get Max LUN class requests. The reset returns once the
// worker has aborted the command in flight.
func (m *MSC) HandleSetup(setup *hal.SetupPacket, data []byte) (int, error) {
	if !setup.IsClass() {
		return 0, fmt.Errorf("msc: %s: %w", setup.String(), pkg.ErrInvalidRequest)
	}

	switch setup.Request {
	case RequestBulkOnlyMassStorageReset:
		if setup.RequestType != requestTypeReset || setup.Value != 0 || setup.Length != 0 {
			return 0, fmt.Errorf("msc: reset %s: %w", setup.String(), pkg.ErrInvalidRequest)
		}
		if !m.running.Load() {
			return 0, fmt.Errorf("msc: reset: %w", pkg.ErrNotRunning)
		}
		pkg.LogDebug(pkg.ComponentBOT, "bulk-only reset requested")
		ack := make(chan struct{})
		m.post(event{kind: eventReset, ack: ack})
		select {
		case <-ack:
			return 0, nil
		case <-m.done:
			return 0, fmt.Errorf("msc: reset: %w", pkg.ErrNotRunning)
		}

	case RequestGetMaxLUN:
		if setup.RequestType != requestTypeGetMaxLUN || setup.Value != 0 || setup.Length != 1 || len(data) < 1 {
			return 0, fmt.Errorf("msc: get max lun %s: %w", setup.String(), pkg.ErrInvalidRequest)
		}
		data[0] = m.MaxLUN()
		pkg.LogDebug(pkg.ComponentBOT, "get max lun", "maxLUN", data[0])
		return 1, nil
	}
	return 0, fmt.Errorf("msc: %s: %w", setup.String(), pkg.ErrInvalidRequest)
}

// TransferComplete implements [device.Function]. Data legs are credited to
// the transferred count here, before the worker sees the event.
func (m *MSC) TransferComplete(address uint8, n int, status pkg.TransferStatus) {
	m.xfer.Lock()
	epoch := m.xfer.epoch
	switch {
	case address == m.cfg.EndpointIn && m.xfer.inData:
		m.xfer.inData = false
		m.xfer.transferred += uint32(n)
	case address == m.cfg.EndpointOut && m.xfer.outData:
		m.xfer.outData = false
		m.xfer.transferred += uint32(n)
	}
	m.xfer.Unlock()

	m.post(event{kind: eventTransfer, addr: address, n: n, xfer: status, epoch: epoch})
}

// StateChanged implements [device.Function].
func (m *MSC) StateChanged(old, new device.State) {
	switch {
	case new == device.StateConfigured && old != device.StateSuspended:
		m.post(event{kind: eventConfigured})
	case old == device.StateConfigured && (new == device.StateDefault || new == device.StateAttached):
		m.post(event{kind: eventDeconfigured})
	case old == device.StateSuspended && (new == device.StateDefault || new == device.StateAttached):
		m.post(event{kind: eventDeconfigured})
	}
}

// Run processes events until ctx ends. It may be called once.
func (m *MSC) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return pkg.ErrAlreadyRunning
	}
	m.running.Store(true)
	defer close(m.done)
	defer m.running.Store(false)

	pkg.LogInfo(pkg.ComponentBOT, "worker started", "interface", m.cfg.InterfaceNumber)
	for {
		select {
		case <-ctx.Done():
			m.abort(false)
			for _, l := range m.luns {
				l.backend.CancelNotify()
			}
			pkg.LogInfo(pkg.ComponentBOT, "worker stopped", "interface", m.cfg.InterfaceNumber)
			return ctx.Err()
		case <-m.signal:
		}
		for {
			e, ok := m.next()
			if !ok {
				break
			}
			m.handle(e)
		}
	}
}

// Done is closed when Run returns.
func (m *MSC) Done() <-chan struct{} { return m.done }

type eventKind uint8

const (
	eventTransfer eventKind = iota
	eventReadComplete
	eventWriteComplete
	eventVerifyComplete
	eventMediaReady
	eventMediaChanged
	eventReset
	eventConfigured
	eventDeconfigured
)

type event struct {
	kind   eventKind
	lun    int
	addr   uint8
	n      int
	xfer   pkg.TransferStatus
	epoch  uint64
	status storage.Status
	media  *storage.Media
	ack    chan struct{}
}

func (m *MSC) post(e event) {
	m.evMu.Lock()
	m.events = append(m.events, e)
	m.evMu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *MSC) next() (event, bool) {
	m.evMu.Lock()
	defer m.evMu.Unlock()
	if len(m.events) == 0 {
		return event{}, false
	}
	e := m.events[0]
	m.events[0] = event{}
	m.events = m.events[1:]
	return e, true
}

// lunSink forwards one backend's completions to the worker.
type lunSink struct {
	m   *MSC
	lun int
}

func (s lunSink) ReadComplete(status storage.Status, n int) {
	s.m.post(event{kind: eventReadComplete, lun: s.lun, status: status, n: n})
}

func (s lunSink) WriteComplete(status storage.Status, n int) {
	s.m.post(event{kind: eventWriteComplete, lun: s.lun, status: status, n: n})
}

func (s lunSink) VerifyComplete(status storage.Status, n int) {
	s.m.post(event{kind: eventVerifyComplete, lun: s.lun, status: status, n: n})
}

func (s lunSink) MediaReady(media *storage.Media, status storage.Status) {
	var c *storage.Media
	if media != nil {
		copied := *media
		c = &copied
	}
	s.m.post(event{kind: eventMediaReady, lun: s.lun, status: status, media: c})
}

func (s lunSink) MediaChanged() {
	s.m.post(event{kind: eventMediaChanged, lun: s.lun})
}

// lunHost records session responses; the worker drains them once the
// session call that produced them returns.
type lunHost struct {
	m   *MSC
	lun int
}

type response struct {
	lun  int
	resp scsi.Response
	n    int
}

func (h lunHost) SCSIResponse(resp scsi.Response, n int) {
	h.m.responses = append(h.m.responses, response{lun: h.lun, resp: resp, n: n})
}

// Reclaim returns a buffer a backend held across a transport reset.
func (h lunHost) Reclaim(b *bufq.Buffer) {
	pkg.LogDebug(pkg.ComponentBOT, "buffer reclaimed", "lun", h.lun)
	h.m.q.Put(b)
}
