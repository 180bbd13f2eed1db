package msc

import (
	"slices"

	"github.com/ardnew/softmsc/device/class/msc/scsi"
	"github.com/ardnew/softmsc/pkg"
	"github.com/ardnew/softmsc/pkg/bufq"
)

// phase is the Bulk-Only Transport state.
type phase uint8

const (
	phaseIdle    phase = iota // Endpoints not enabled
	phaseCBW                  // Awaiting a CBW
	phaseData                 // Command executing, data legs in progress
	phaseCSW                  // Status phase (ZLP or CSW) in progress
	phaseCSWSent              // CSW delivered
)

// String returns the phase name.
func (p phase) String() string {
	switch p {
	case phaseIdle:
		return "IDLE"
	case phaseCBW:
		return "CBW"
	case phaseData:
		return "DATA"
	case phaseCSW:
		return "CSW"
	case phaseCSWSent:
		return "CSW_SENT"
	default:
		return "UNKNOWN"
	}
}

// Outstanding transfer kinds per direction.
type (
	outKind uint8
	inKind  uint8
)

const (
	outNone  outKind = iota
	outCBW           // CBW receive
	outData          // Data leg from the host
	outDrain         // Zero-length read discarding unused host data
)

const (
	inNone inKind = iota
	inData        // Data leg to the host
	inZLP         // Zero-length packet ending the data phase
	inCSW         // Status wrapper
)

func (m *MSC) handle(e event) {
	switch e.kind {
	case eventTransfer:
		m.transfer(e)
	case eventReadComplete:
		m.luns[e.lun].session.ReadComplete(e.status, e.n)
		m.serviceNeedIO()
	case eventWriteComplete:
		m.luns[e.lun].session.WriteComplete(e.status, e.n)
		m.serviceNeedIO()
	case eventVerifyComplete:
		m.luns[e.lun].session.VerifyComplete(e.status, e.n)
		m.serviceNeedIO()
	case eventMediaReady:
		m.luns[e.lun].session.MediaReady(e.media, e.status)
	case eventMediaChanged:
		m.luns[e.lun].session.MediaChanged()
	case eventReset:
		m.abort(true)
		m.armCBW()
		close(e.ack)
	case eventConfigured:
		m.abort(false)
		m.armCBW()
	case eventDeconfigured:
		m.abort(false)
	}
	m.drain()
}

// abort drops the command in flight and every buffer it holds, except
// those a backend is still filling or draining. The sessions hand these
// back once the backend completes. With cancel set the bulk endpoints are
// cycled to cancel outstanding transfers.
func (m *MSC) abort(cancel bool) {
	if m.active != nil {
		m.active.session.Reset()
	}
	pkg.LogDebug(pkg.ComponentBOT, "transport reset", "phase", m.phase.String(), "cancel", cancel)

	m.xfer.Lock()
	m.xfer.epoch++
	m.xfer.requested, m.xfer.transferred = 0, 0
	m.xfer.inData, m.xfer.outData = false, false
	m.xfer.Unlock()

	if cancel {
		for _, ep := range m.Endpoints() {
			if err := m.ctrl.DisableEndpoint(ep.Address); err != nil {
				pkg.LogDebug(pkg.ComponentBOT, "endpoint disable", "ep", ep.Address, "error", err)
			}
			if err := m.ctrl.EnableEndpoint(ep); err != nil {
				pkg.LogWarn(pkg.ComponentBOT, "endpoint enable failed", "ep", ep.Address, "error", err)
			}
		}
	}

	var busy []*bufq.Buffer
	for _, l := range m.luns {
		busy = append(busy, l.session.Orphans()...)
	}
	m.q.Reset(busy...)
	m.held, m.tx, m.rx = nil, nil, nil
	m.txQueue = m.txQueue[:0]
	m.outPending, m.inPending = outNone, inNone
	m.needIO, m.statusReady = false, false
	m.responses = m.responses[:0]
	m.active = nil
	m.phase = phaseIdle
}

func (m *MSC) armCBW() {
	m.phase = phaseCBW
	m.outPending = outCBW
	if err := m.ctrl.Read(m.cfg.EndpointOut, m.cmdBuf[:]); err != nil {
		m.outPending = outNone
		pkg.LogWarn(pkg.ComponentBOT, "cannot arm CBW receive", "error", err)
	}
}

func (m *MSC) transfer(e event) {
	m.xfer.Lock()
	epoch := m.xfer.epoch
	m.xfer.Unlock()
	if e.epoch != epoch || e.xfer == pkg.TransferStatusCancelled {
		pkg.LogDebug(pkg.ComponentBOT, "dropping stale completion", "ep", e.addr, "status", e.xfer.String())
		return
	}

	switch e.addr {
	case m.cfg.EndpointOut:
		kind := m.outPending
		m.outPending = outNone
		if e.xfer != pkg.TransferStatusSuccess {
			m.transportError(e)
			return
		}
		switch kind {
		case outCBW:
			m.command(e.n)
		case outData:
			b := m.rx
			m.rx = nil
			b.SetLen(min(e.n, b.Cap()))
			m.held = b
			m.active.session.HostIO(b)
		case outDrain:
			m.sendCSW()
		default:
			pkg.LogWarn(pkg.ComponentBOT, "unexpected OUT completion", "n", e.n)
		}

	case m.cfg.EndpointIn:
		kind := m.inPending
		m.inPending = inNone
		if e.xfer != pkg.TransferStatusSuccess {
			m.transportError(e)
			return
		}
		switch kind {
		case inData:
			m.q.Put(m.tx)
			m.tx = nil
			if len(m.txQueue) > 0 {
				b := m.txQueue[0]
				m.txQueue = append(m.txQueue[:0], m.txQueue[1:]...)
				m.startIn(b)
			}
			m.serviceNeedIO()
			m.tryFinish()
		case inZLP:
			m.sendCSW()
		case inCSW:
			m.phase = phaseCSWSent
			m.active = nil
			m.armCBW()
		default:
			pkg.LogWarn(pkg.ComponentBOT, "unexpected IN completion", "n", e.n)
		}
	}
}

func (m *MSC) transportError(e event) {
	pkg.LogError(pkg.ComponentBOT, "transfer failed",
		"ep", e.addr, "status", e.xfer.String(), "phase", m.phase.String())
	m.abort(true)
	m.armCBW()
}

// command starts the command carried by an n-byte CBW.
func (m *MSC) command(n int) {
	m.xfer.Lock()
	m.xfer.requested, m.xfer.transferred = 0, 0
	m.xfer.Unlock()
	m.statusReady, m.needIO = false, false
	m.phase = phaseData

	m.cbw = CommandBlockWrapper{}
	if err := ParseCBW(m.cmdBuf[:n], &m.cbw); err != nil {
		pkg.LogWarn(pkg.ComponentBOT, "invalid CBW", "length", n, "error", err)
		m.cbw.DataTransferLength, m.cbw.Flags = 0, 0
		m.finish(CSWStatusPhaseError)
		return
	}

	pkg.LogDebug(pkg.ComponentBOT, "CBW received",
		"tag", m.cbw.Tag,
		"dataLen", m.cbw.DataTransferLength,
		"flags", m.cbw.Flags,
		"lun", m.cbw.LUN,
		"cbLen", m.cbw.CBLength,
		"opcode", m.cbw.CB[0])

	if int(m.cbw.LUN) >= len(m.luns) {
		pkg.LogWarn(pkg.ComponentBOT, "CBW addresses missing LUN", "lun", m.cbw.LUN)
		m.finish(CSWStatusFailed)
		return
	}

	m.active = m.luns[m.cbw.LUN]
	buf, ok := m.q.TryGet()
	if ok {
		m.held = buf
	} else {
		buf = nil
	}
	m.active.session.Request(m.cbw.Command(), buf)
}

// drain acts on the responses recorded during the last session call.
// Acting on one may record more.
func (m *MSC) drain() {
	for i := 0; i < len(m.responses); i++ {
		r := m.responses[i]
		if m.active == nil || r.lun != m.active.index {
			pkg.LogWarn(pkg.ComponentBOT, "response from inactive LUN",
				"lun", r.lun, "response", r.resp.String())
			continue
		}
		m.respond(r.resp, r.n)
	}
	m.responses = m.responses[:0]
}

func (m *MSC) respond(resp scsi.Response, n int) {
	switch resp {
	case scsi.ResponseWrite:
		m.dataIn(n)
	case scsi.ResponseRead:
		m.dataOut(n)
	case scsi.ResponseNeedIO:
		m.needIO = true
		m.serviceNeedIO()
	case scsi.ResponseReleaseIO:
		if m.held == nil {
			pkg.LogWarn(pkg.ComponentBOT, "release without a lent buffer")
			return
		}
		m.q.Put(m.held)
		m.held = nil
	case scsi.ResponsePass:
		m.finish(CSWStatusGood)
	case scsi.ResponseFail:
		m.finish(CSWStatusFailed)
	}
}

// take returns the buffer the session just handed over.
func (m *MSC) take() *bufq.Buffer {
	b := m.held
	m.held = nil
	return b
}

// remaining returns how many more data bytes the CBW allows.
func (m *MSC) remaining() uint32 {
	m.xfer.Lock()
	defer m.xfer.Unlock()
	if m.xfer.requested >= m.cbw.DataTransferLength {
		return 0
	}
	return m.cbw.DataTransferLength - m.xfer.requested
}

// legLength bounds an n-byte leg in direction in by what the host allows.
// Single-shot responses are truncated; anything else that exceeds the
// host's length, or runs against its direction, is a phase error.
func (m *MSC) legLength(n int, in bool) (int, bool) {
	allowed := uint32(0)
	if m.cbw.IsDataIn() == in {
		allowed = m.remaining()
	}
	if uint32(n) <= allowed {
		return n, true
	}
	mismatch := m.cbw.IsDataIn() != in && m.cbw.DataTransferLength != 0
	if m.active.session.State() != scsi.StateComplete || mismatch {
		return 0, false
	}
	pkg.LogDebug(pkg.ComponentBOT, "truncating response", "n", n, "allowed", allowed)
	return int(allowed), true
}

// dataIn sends n bytes of the handed-over buffer to the host.
func (m *MSC) dataIn(n int) {
	b := m.take()
	if b == nil {
		m.phaseError("WRITE without a buffer")
		return
	}
	n, ok := m.legLength(n, true)
	if !ok {
		m.q.Put(b)
		m.phaseError("device-to-host data not allowed by CBW")
		return
	}
	if n == 0 {
		m.q.Put(b)
		m.active.session.HostIO(nil)
		return
	}
	b.SetLen(n)

	m.xfer.Lock()
	m.xfer.requested += uint32(n)
	m.xfer.Unlock()

	if m.tx == nil {
		m.startIn(b)
	} else {
		m.txQueue = append(m.txQueue, b)
	}
	m.active.session.HostIO(nil)
}

func (m *MSC) startIn(b *bufq.Buffer) {
	m.tx = b
	m.inPending = inData
	m.xfer.Lock()
	m.xfer.inData = true
	m.xfer.Unlock()
	if err := m.ctrl.Write(m.cfg.EndpointIn, b.Bytes()); err != nil {
		pkg.LogError(pkg.ComponentBOT, "IN data leg failed to start", "error", err)
		m.abort(true)
		m.armCBW()
	}
}

// dataOut receives n bytes from the host into the handed-over buffer.
func (m *MSC) dataOut(n int) {
	b := m.take()
	if b == nil {
		m.phaseError("READ without a buffer")
		return
	}
	n, ok := m.legLength(n, false)
	if !ok {
		m.q.Put(b)
		m.phaseError("host-to-device data not allowed by CBW")
		return
	}
	if n == 0 {
		b.SetLen(0)
		m.held = b
		m.active.session.HostIO(b)
		return
	}

	m.xfer.Lock()
	m.xfer.requested += uint32(n)
	m.xfer.outData = true
	m.xfer.Unlock()

	m.rx = b
	m.outPending = outData
	if err := m.ctrl.Read(m.cfg.EndpointOut, b.Data()[:n]); err != nil {
		pkg.LogError(pkg.ComponentBOT, "OUT data leg failed to start", "error", err)
		m.abort(true)
		m.armCBW()
	}
}

// serviceNeedIO lends the session a free buffer if it is waiting for one.
func (m *MSC) serviceNeedIO() {
	if !m.needIO || m.active == nil {
		return
	}
	b, ok := m.q.TryGet()
	if !ok {
		pkg.LogDebug(pkg.ComponentBOT, "session waiting for a buffer")
		return
	}
	m.needIO = false
	m.held = b
	m.active.session.HostIO(b)
}

func (m *MSC) phaseError(reason string) {
	pkg.LogWarn(pkg.ComponentBOT, "phase error", "reason", reason, "tag", m.cbw.Tag)
	if m.active != nil {
		m.active.session.Reset()
	}
	if m.held != nil && !m.orphaned(m.held) {
		m.q.Put(m.held)
	}
	m.held = nil
	for _, b := range m.txQueue {
		m.q.Put(b)
	}
	m.txQueue = m.txQueue[:0]
	m.needIO = false
	m.responses = m.responses[:0]
	m.finish(CSWStatusPhaseError)
}

// orphaned reports whether a backend still owns b after a session reset.
func (m *MSC) orphaned(b *bufq.Buffer) bool {
	return m.active != nil && slices.Contains(m.active.session.Orphans(), b)
}

func (m *MSC) finish(status uint8) {
	if m.statusReady {
		return
	}
	m.statusReady = true
	m.status = status
	m.tryFinish()
}

// tryFinish enters the status phase once the command has ended and no
// data leg is in flight.
func (m *MSC) tryFinish() {
	if !m.statusReady || m.phase != phaseData || m.tx != nil || len(m.txQueue) > 0 || m.rx != nil {
		return
	}
	if m.held != nil {
		pkg.LogWarn(pkg.ComponentBOT, "session ended holding a buffer")
		m.q.Put(m.held)
		m.held = nil
	}
	m.phase = phaseCSW

	transferred := m.transferred()
	if needZLP(transferred, m.cbw.DataTransferLength, m.cfg.MaxPacketSize) {
		if m.cbw.IsDataIn() {
			m.inPending = inZLP
			if err := m.ctrl.Write(m.cfg.EndpointIn, nil); err != nil {
				pkg.LogWarn(pkg.ComponentBOT, "ZLP failed", "error", err)
				m.sendCSW()
			}
			return
		}
		m.outPending = outDrain
		if err := m.ctrl.Read(m.cfg.EndpointOut, nil); err != nil {
			pkg.LogWarn(pkg.ComponentBOT, "OUT drain failed", "error", err)
			m.sendCSW()
		}
		return
	}
	if m.cbw.IsDataOut() && transferred < m.cbw.DataTransferLength {
		if err := m.ctrl.Stall(m.cfg.EndpointOut); err != nil {
			pkg.LogWarn(pkg.ComponentBOT, "OUT stall failed", "error", err)
		}
	}
	m.sendCSW()
}

func (m *MSC) transferred() uint32 {
	m.xfer.Lock()
	defer m.xfer.Unlock()
	return m.xfer.transferred
}

func (m *MSC) sendCSW() {
	var residue uint32
	if t := m.transferred(); t < m.cbw.DataTransferLength {
		residue = m.cbw.DataTransferLength - t
	}
	csw := NewCSW(m.cbw.Tag, residue, m.status)
	n := csw.MarshalTo(m.cmdBuf[:])

	pkg.LogDebug(pkg.ComponentBOT, "CSW sent",
		"tag", csw.Tag,
		"residue", residue,
		"status", CSWStatusString(m.status))

	m.phase = phaseCSW
	m.inPending = inCSW
	if err := m.ctrl.Write(m.cfg.EndpointIn, m.cmdBuf[:n]); err != nil {
		pkg.LogError(pkg.ComponentBOT, "CSW failed to start", "error", err)
		m.inPending = inNone
		m.armCBW()
	}
}
