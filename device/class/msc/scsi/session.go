package scsi

import (
	"fmt"

	"github.com/ardnew/softmsc/device/class/msc/storage"
	"github.com/ardnew/softmsc/pkg"
	"github.com/ardnew/softmsc/pkg/bufq"
)

// Response is a notification from a [Session] to its [Host].
type Response uint8

// Session responses.
const (
	ResponseRead      Response = iota // Host must fill the buffer with n bytes and return it via HostIO
	ResponseWrite                     // n bytes in the buffer are ready for the host
	ResponsePass                      // Command succeeded
	ResponseFail                      // Command failed; sense data queued
	ResponseNeedIO                    // Session needs a buffer via HostIO
	ResponseReleaseIO                 // Session is done with its buffer
)

// String returns the response name.
func (r Response) String() string {
	switch r {
	case ResponseRead:
		return "READ"
	case ResponseWrite:
		return "WRITE"
	case ResponsePass:
		return "PASS"
	case ResponseFail:
		return "FAIL"
	case ResponseNeedIO:
		return "NEED_IO"
	case ResponseReleaseIO:
		return "RELEASE_IO"
	default:
		return fmt.Sprintf("Response(%d)", uint8(r))
	}
}

// Host receives session responses. READ and WRITE hand the session's
// buffer to the host; it comes back (or a replacement does) through
// [Session.HostIO]. RELEASE_IO returns a buffer the host lent earlier.
type Host interface {
	SCSIResponse(resp Response, n int)
}

// Reclaimer is implemented by hosts that take back buffers the backend
// kept using past a [Session.Reset]. Reclaim is called once the late
// completion for buf arrives.
type Reclaimer interface {
	Reclaim(buf *bufq.Buffer)
}

// State is the session state.
type State uint8

// Session states.
const (
	StateIdle        State = iota // No command in flight
	StateComplete                 // Single-shot data phase in progress
	StateRead                     // Multi-block read
	StateWrite                    // Multi-block write
	StateVerify                   // Multi-block verify
	StateWriteVerify              // Multi-block write followed by verify per chunk
	StateMedia                    // Command parked until the media descriptor arrives
	StateAwaitIO                  // Command parked until the host supplies a buffer
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateComplete:
		return "COMPLETE"
	case StateRead:
		return "READ"
	case StateWrite:
		return "WRITE"
	case StateVerify:
		return "VERIFY"
	case StateWriteVerify:
		return "WRITE_VERIFY"
	case StateMedia:
		return "MEDIA"
	case StateAwaitIO:
		return "AWAIT_IO"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

func (s State) block() bool {
	return s >= StateRead && s <= StateWriteVerify
}

// Config holds session options.
type Config struct {
	// SenseDepth is the sense ring capacity.
	SenseDepth int

	// MaskFinalOutOfRange completes a command successfully when the
	// backend reports StatusInvalidParams on its final chunk.
	MaskFinalOutOfRange bool

	// LUNs is the number of logical units reported by REPORT LUNS.
	LUNs int
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		SenseDepth: DefaultSenseDepth,
		LUNs:       1,
	}
}

// maxCDB is the longest command accepted (variable-length 32-byte CDBs).
const maxCDB = 32

// Session interprets SCSI commands for one logical unit.
//
// A Session is not safe for concurrent use: every method, including the
// backend completion methods, must be called from one goroutine.
type Session struct {
	cfg     Config
	backend storage.Backend
	desc    storage.Descriptor
	host    Host
	sense   *SenseRing

	state     State
	media     *storage.Media
	needMedia bool
	askMedia  bool // RequestMedia unanswered
	prevent   bool

	buf      *bufq.Buffer
	cdb      [maxCDB]byte
	cdbLen   int
	lba      uint64
	count    uint32
	countCur uint32
	compare  bool
	dataOut  bool

	pending   bool
	deferred  bool // pendingOp waits for orphans to drain
	pendingOp storage.Op

	// orphans holds, in issue order, the buffers of backend operations
	// abandoned by Reset. A nil entry is a verify without host data.
	orphans []*bufq.Buffer

	scratch [256]byte
}

// NewSession creates a session over backend reporting to host. The
// caller binds the backend's completions to the session's completion
// methods. Removable backends are subscribed to media changes.
func NewSession(backend storage.Backend, host Host, cfg Config) *Session {
	if cfg.SenseDepth < 1 {
		cfg.SenseDepth = DefaultSenseDepth
	}
	if cfg.LUNs < 1 {
		cfg.LUNs = 1
	}
	s := &Session{
		cfg:       cfg,
		backend:   backend,
		desc:      backend.Descriptor(),
		host:      host,
		sense:     NewSenseRing(cfg.SenseDepth),
		needMedia: true,
	}
	if s.desc.Removable {
		backend.NotifyMediaChange()
	}
	return s
}

// State returns the current state.
func (s *Session) State() State { return s.state }

// Sense returns the session's sense ring.
func (s *Session) Sense() *SenseRing { return s.sense }

// Media returns a copy of the cached media descriptor, or nil.
func (s *Session) Media() *storage.Media {
	if s.media == nil {
		return nil
	}
	m := *s.media
	return &m
}

// Prevented reports whether the host has prevented medium removal.
func (s *Session) Prevented() bool { return s.prevent }

// Orphans returns the buffers the backend still holds for operations
// abandoned by Reset. They must stay checked out until handed back
// through [Reclaimer].
func (s *Session) Orphans() []*bufq.Buffer {
	var held []*bufq.Buffer
	for _, b := range s.orphans {
		if b != nil {
			held = append(held, b)
		}
	}
	return held
}

// Request starts a command. buf is the host buffer to work in; with a nil
// buf the session answers NEED_IO before dispatching.
func (s *Session) Request(cdb []byte, buf *bufq.Buffer) {
	if s.state != StateIdle {
		pkg.LogWarn(pkg.ComponentSCSI, "request while busy, aborting previous command",
			"state", s.state.String())
		s.Reset()
	}
	s.buf = buf
	if len(cdb) == 0 || len(cdb) > maxCDB {
		s.fail(SenseIllegalRequest, ASCInvalidFieldInCDB)
		return
	}
	s.cdbLen = copy(s.cdb[:], cdb)
	if buf == nil {
		s.state = StateAwaitIO
		s.respond(ResponseNeedIO, 0)
		return
	}
	s.dispatch(true)
}

// HostIO continues the command after a READ, WRITE or NEED_IO response.
// buf carries the data requested by READ, or the buffer to continue with;
// it may be nil when the host has none to offer.
func (s *Session) HostIO(buf *bufq.Buffer) {
	switch {
	case s.state == StateAwaitIO:
		if buf == nil {
			s.respond(ResponseNeedIO, 0)
			return
		}
		s.buf = buf
		s.dispatch(true)

	case s.state == StateComplete:
		s.buf = buf
		s.finish()

	case s.state.block() && s.dataOut:
		s.dataOut = false
		s.buf = buf
		if s.media == nil {
			s.fail(SenseNotReady, ASCMediumNotPresent)
			return
		}
		if buf == nil || buf.Len() != int(s.countCur)*int(s.media.SectorSize) {
			s.fail(SenseHardwareError, ASCCommunicationFailure)
			return
		}
		if s.state == StateVerify {
			s.issue(storage.OpVerify)
			return
		}
		s.issue(storage.OpWrite)

	case s.state.block() && !s.pending:
		if buf != nil {
			s.buf = buf
		}
		s.io()

	default:
		if buf != nil {
			pkg.LogWarn(pkg.ComponentSCSI, "unexpected host buffer", "state", s.state.String())
			s.buf = buf
			s.release()
		}
	}
}

// Reset aborts the command in flight without any response. Buffers lent
// by the host are forgotten, except one the backend is still working in:
// it is listed by [Session.Orphans] until its completion arrives, and no
// new backend operation starts before then.
func (s *Session) Reset() {
	if s.pending && !s.deferred {
		s.orphans = append(s.orphans, s.buf)
	}
	s.pending, s.deferred = false, false
	if s.state != StateIdle {
		pkg.LogDebug(pkg.ComponentSCSI, "session reset", "state", s.state.String())
	}
	s.state = StateIdle
	s.buf = nil
	s.dataOut = false
	s.cdbLen = 0
}

// ReadComplete handles a backend read completion.
func (s *Session) ReadComplete(status storage.Status, n int) {
	s.complete(storage.OpRead, status, n)
}

// WriteComplete handles a backend write completion.
func (s *Session) WriteComplete(status storage.Status, n int) {
	s.complete(storage.OpWrite, status, n)
}

// VerifyComplete handles a backend verify completion.
func (s *Session) VerifyComplete(status storage.Status, n int) {
	s.complete(storage.OpVerify, status, n)
}

// MediaReady handles the answer to a media descriptor request. A parked
// command is dispatched once the answer is known.
func (s *Session) MediaReady(media *storage.Media, status storage.Status) {
	s.askMedia = false
	s.media = nil
	if status == storage.StatusOK && media != nil {
		m := *media
		if m.Sectors > s.desc.HiddenSectors && m.SectorSize > 0 {
			m.Sectors -= s.desc.HiddenSectors
			s.media = &m
			s.needMedia = false
		} else {
			pkg.LogWarn(pkg.ComponentSCSI, "medium smaller than hidden area",
				"sectors", media.Sectors, "hidden", s.desc.HiddenSectors)
		}
	}
	pkg.LogDebug(pkg.ComponentSCSI, "media descriptor", "present", s.media != nil, "status", status.String())

	if s.state == StateMedia {
		s.dispatch(false)
	}
}

// MediaChanged handles a media change notification: the cached
// descriptor is dropped, the subscription renewed and, when a medium is
// present, a new descriptor requested. A command in flight fails NOT
// READY at its next step; a command parked for media waits for the answer.
func (s *Session) MediaChanged() {
	pkg.LogInfo(pkg.ComponentSCSI, "media changed", "state", s.state.String())
	s.media = nil
	s.needMedia = true
	s.backend.NotifyMediaChange()
	if s.backend.CheckMedia() {
		s.requestMedia()
	}
}

// requestMedia asks the backend for a descriptor unless a request is
// already unanswered.
func (s *Session) requestMedia() {
	if s.askMedia {
		return
	}
	s.askMedia = true
	s.backend.RequestMedia()
}

func (s *Session) respond(r Response, n int) {
	pkg.LogDebug(pkg.ComponentSCSI, "response", "response", r.String(), "n", n)
	s.host.SCSIResponse(r, n)
}

func (s *Session) release() {
	if s.buf != nil {
		s.buf = nil
		s.respond(ResponseReleaseIO, 0)
	}
}

// finish ends the command successfully.
func (s *Session) finish() {
	s.release()
	s.state = StateIdle
	s.dataOut = false
	s.respond(ResponsePass, 0)
}

// fail ends the command, queueing key and ascq as sense data.
func (s *Session) fail(key uint8, ascq uint16) {
	sense := Sense{Key: key, ASCQ: ascq}
	s.sense.Push(sense)
	op := uint8(0)
	if s.cdbLen > 0 {
		op = s.cdb[0]
	}
	pkg.LogDebug(pkg.ComponentSCSI, "command failed", "opcode", op, "sense", sense.String())
	s.release()
	s.state = StateIdle
	s.dataOut = false
	s.respond(ResponseFail, 0)
}

// SenseForStatus maps a backend status to sense data.
func SenseForStatus(status storage.Status) Sense {
	switch status {
	case storage.StatusCRCError:
		return Sense{SenseMediumError, ASCCRCError}
	case storage.StatusWriteProtected:
		return Sense{SenseMediumError, ASCWriteProtected}
	case storage.StatusInvalidParams:
		return Sense{SenseMediumError, ASCLBAOutOfRange}
	case storage.StatusMiscompare:
		return Sense{SenseMiscompare, ASCMiscompareDuringVerify}
	default:
		return Sense{SenseHardwareError, ASCCommunicationFailure}
	}
}

// failStatus fails the command for a backend error. Errors seen while the
// medium is gone report NOT READY rather than the backend status.
func (s *Session) failStatus(status storage.Status) {
	if !s.backend.CheckMedia() {
		s.media = nil
		s.needMedia = true
		s.fail(SenseNotReady, ASCMediumNotPresent)
		return
	}
	sense := SenseForStatus(status)
	s.fail(sense.Key, sense.ASCQ)
}

// reply sends data to the host, truncated to the allocation length and
// the buffer capacity, then passes.
func (s *Session) reply(data []byte, alloc int) {
	n := min(len(data), alloc, s.buf.Cap())
	if n == 0 {
		s.finish()
		return
	}
	s.buf.Reset()
	copy(s.buf.Data(), data[:n])
	s.buf.SetLen(n)
	s.buf = nil
	s.state = StateComplete
	s.respond(ResponseWrite, n)
}

// accept receives up to n bytes of parameter data from the host and
// discards it.
func (s *Session) accept(n int) {
	n = min(n, s.buf.Cap())
	if n == 0 {
		s.finish()
		return
	}
	s.buf.Reset()
	s.buf = nil
	s.state = StateComplete
	s.respond(ResponseRead, n)
}

// startBlock validates and begins a multi-block command.
func (s *Session) startBlock(state State, lba uint64, count uint32, compare bool) {
	if lba > s.media.Sectors || uint64(count) > s.media.Sectors-lba {
		s.fail(SenseIllegalRequest, ASCLBAOutOfRange)
		return
	}
	if (state == StateWrite || state == StateWriteVerify) && s.media.WriteProtected {
		s.fail(SenseDataProtect, ASCWriteProtected)
		return
	}
	if count == 0 {
		s.finish()
		return
	}
	pkg.LogDebug(pkg.ComponentSCSI, "block command",
		"state", state.String(), "lba", lba, "count", count)
	s.state = state
	s.lba = lba
	s.count = count
	s.countCur = 0
	s.compare = compare || state == StateWriteVerify
	s.dataOut = false
	s.io()
}

// io advances a multi-block command by one chunk.
func (s *Session) io() {
	if s.media == nil {
		s.fail(SenseNotReady, ASCMediumNotPresent)
		return
	}
	if s.count == 0 {
		s.finish()
		return
	}
	if s.buf == nil {
		s.respond(ResponseNeedIO, 0)
		return
	}

	sector := s.media.SectorSize
	s.lba += uint64(s.countCur)
	s.buf.Reset()
	cur := uint32(s.buf.Free() / int(sector))
	if cur == 0 {
		pkg.LogError(pkg.ComponentSCSI, "buffer smaller than a sector",
			"buffer", s.buf.Free(), "sector", sector)
		s.fail(SenseHardwareError, ASCCommunicationFailure)
		return
	}
	if cur > s.count {
		cur = s.count
	}
	s.countCur = cur
	s.count -= cur

	switch {
	case s.state == StateRead:
		s.issue(storage.OpRead)
	case s.state == StateVerify && !s.compare:
		s.issue(storage.OpVerify)
	default:
		n := int(cur) * int(sector)
		s.buf = nil
		s.dataOut = true
		s.respond(ResponseRead, n)
	}
}

// issue starts a backend operation on the current chunk, or parks it
// while the backend still owes completions for abandoned operations.
func (s *Session) issue(op storage.Op) {
	s.pending = true
	s.pendingOp = op
	if len(s.orphans) > 0 {
		pkg.LogDebug(pkg.ComponentSCSI, "backend busy with an abandoned operation",
			"op", op.String(), "orphans", len(s.orphans))
		s.deferred = true
		return
	}
	s.start()
}

func (s *Session) start() {
	op := s.pendingOp
	if s.media == nil {
		s.pending = false
		s.fail(SenseNotReady, ASCMediumNotPresent)
		return
	}
	addr := s.lba + s.desc.HiddenSectors
	n := int(s.countCur) * int(s.media.SectorSize)
	var buf []byte
	if op != storage.OpVerify || s.compare {
		buf = s.buf.Data()[:n]
	}

	var status storage.Status
	switch op {
	case storage.OpRead:
		status = s.backend.ReadBlocks(addr, buf, s.countCur)
	case storage.OpWrite:
		status = s.backend.WriteBlocks(addr, buf, s.countCur)
	case storage.OpVerify:
		status = s.backend.VerifyBlocks(addr, buf, s.countCur)
	}
	if status != storage.StatusOK {
		s.pending = false
		s.chunkDone(op, status, 0)
	}
}

// complete handles a backend completion for the current chunk.
func (s *Session) complete(op storage.Op, status storage.Status, n int) {
	if len(s.orphans) > 0 {
		b := s.orphans[0]
		s.orphans = append(s.orphans[:0], s.orphans[1:]...)
		pkg.LogDebug(pkg.ComponentSCSI, "discarding completion of abandoned operation", "op", op.String())
		if r, ok := s.host.(Reclaimer); ok && b != nil {
			r.Reclaim(b)
		}
		if len(s.orphans) == 0 && s.deferred {
			s.deferred = false
			s.start()
		}
		return
	}
	if !s.pending || s.deferred || s.pendingOp != op {
		pkg.LogWarn(pkg.ComponentSCSI, "unexpected completion",
			"op", op.String(), "state", s.state.String())
		return
	}
	s.pending = false
	s.chunkDone(op, status, n)
}

// chunkDone ends the current chunk with status, whether the backend
// rejected it up front or completed it later.
func (s *Session) chunkDone(op storage.Op, status storage.Status, n int) {
	if s.media == nil {
		s.fail(SenseNotReady, ASCMediumNotPresent)
		return
	}
	want := int(s.countCur) * int(s.media.SectorSize)
	if status == storage.StatusInvalidParams && s.count == 0 && s.cfg.MaskFinalOutOfRange {
		pkg.LogDebug(pkg.ComponentSCSI, "masking out-of-range on final chunk", "lba", s.lba)
		status, n = storage.StatusOK, want
	}
	if status != storage.StatusOK {
		s.failStatus(status)
		return
	}
	if n != want {
		pkg.LogWarn(pkg.ComponentSCSI, "short completion", "op", op.String(), "n", n, "want", want)
		s.fail(SenseHardwareError, ASCCommunicationFailure)
		return
	}

	switch {
	case s.state == StateRead:
		s.buf.SetLen(n)
		s.buf = nil
		s.respond(ResponseWrite, n)
	case s.state == StateWriteVerify && op == storage.OpWrite:
		s.issue(storage.OpVerify)
	default:
		s.io()
	}
}
