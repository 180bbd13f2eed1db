package storage

import (
	"errors"
	"fmt"

	uuid "github.com/satori/go.uuid"
)

// Status is the outcome of a backend operation.
type Status uint8

// Backend status values.
const (
	StatusOK              Status = iota // Operation succeeded
	StatusTimeout                       // Medium did not answer in time
	StatusCRCError                      // Data integrity failure
	StatusWriteProtected                // Medium refuses writes
	StatusInvalidParams                 // Address or length outside the medium
	StatusHardwareFailure               // Backend or medium fault
	StatusMiscompare                    // Verify found different data
)

// Errors returned by [Status.Error] and by optional backend operations.
var (
	ErrTimeout         = errors.New("storage: timeout")
	ErrCRC             = errors.New("storage: crc error")
	ErrWriteProtected  = errors.New("storage: write protected")
	ErrInvalidParams   = errors.New("storage: invalid parameters")
	ErrHardwareFailure = errors.New("storage: hardware failure")
	ErrMiscompare      = errors.New("storage: miscompare")
	ErrNotSupported    = errors.New("storage: operation not supported")
	ErrNoMedia         = errors.New("storage: no media present")
	ErrClosed          = errors.New("storage: backend closed")
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusTimeout:
		return "timeout"
	case StatusCRCError:
		return "crc error"
	case StatusWriteProtected:
		return "write protected"
	case StatusInvalidParams:
		return "invalid params"
	case StatusHardwareFailure:
		return "hardware failure"
	case StatusMiscompare:
		return "miscompare"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Error converts s to its sentinel error; StatusOK yields nil.
func (s Status) Error() error {
	switch s {
	case StatusOK:
		return nil
	case StatusTimeout:
		return ErrTimeout
	case StatusCRCError:
		return ErrCRC
	case StatusWriteProtected:
		return ErrWriteProtected
	case StatusInvalidParams:
		return ErrInvalidParams
	case StatusMiscompare:
		return ErrMiscompare
	default:
		return ErrHardwareFailure
	}
}

// Descriptor is the static identity of a backend.
type Descriptor struct {
	Vendor        string    // INQUIRY vendor identification (8 chars)
	Product       string    // INQUIRY product identification (16 chars)
	Revision      string    // INQUIRY product revision (4 chars)
	DeviceType    uint8     // SCSI peripheral device type
	Removable     bool      // Medium can be removed or swapped
	HiddenSectors uint64    // Sectors at the start of the medium not exposed to the host
	ID            uuid.UUID // Unit serial number and NAA designator source
}

// NewDescriptor returns a direct-access descriptor with a fresh time-based ID.
func NewDescriptor(vendor, product, revision string) Descriptor {
	return Descriptor{
		Vendor:   vendor,
		Product:  product,
		Revision: revision,
		ID:       uuid.NewV1(),
	}
}

// Media describes the medium currently present.
type Media struct {
	Sectors        uint64 // Number of addressable sectors
	SectorSize     uint32 // Bytes per sector
	WriteProtected bool   // Writes are refused
}

// Bytes returns the medium capacity in bytes.
func (m *Media) Bytes() uint64 {
	return m.Sectors * uint64(m.SectorSize)
}

// Completion receives the results of asynchronous backend operations.
//
// Methods may be called from any goroutine, including synchronously from
// inside the Backend method that started the operation.
type Completion interface {
	// ReadComplete ends a ReadBlocks. n is the number of bytes read.
	ReadComplete(status Status, n int)

	// WriteComplete ends a WriteBlocks. n is the number of bytes written.
	WriteComplete(status Status, n int)

	// VerifyComplete ends a VerifyBlocks. n is the number of bytes checked.
	VerifyComplete(status Status, n int)

	// MediaReady answers RequestMedia. media is nil when none is present.
	MediaReady(media *Media, status Status)

	// MediaChanged fires once per NotifyMediaChange subscription.
	MediaChanged()
}

// Backend is an asynchronous block device.
//
// ReadBlocks, WriteBlocks and VerifyBlocks start an operation and return
// its immediate status. A non-OK return means the operation was rejected
// and no completion follows; StatusOK means exactly one completion call
// will report the result. One operation is outstanding at a time.
//
// Addresses are absolute sectors on the medium.
type Backend interface {
	// Descriptor returns the backend identity.
	Descriptor() Descriptor

	// Bind installs the completion sink. It must be called before any
	// other asynchronous method.
	Bind(sink Completion)

	// CheckMedia reports whether a medium is physically present.
	CheckMedia() bool

	// RequestMedia asks for the current media descriptor. The answer
	// always arrives through [Completion.MediaReady], with
	// StatusHardwareFailure when the request cannot be served.
	RequestMedia()

	// ReadBlocks reads count sectors at addr into buf.
	ReadBlocks(addr uint64, buf []byte, count uint32) Status

	// WriteBlocks writes count sectors from buf at addr.
	WriteBlocks(addr uint64, buf []byte, count uint32) Status

	// VerifyBlocks checks count sectors at addr. A nil buf only checks
	// that the medium is readable; otherwise the contents are compared
	// with buf and a difference completes with StatusMiscompare.
	VerifyBlocks(addr uint64, buf []byte, count uint32) Status

	// NotifyMediaChange arms a one-shot [Completion.MediaChanged].
	NotifyMediaChange()

	// CancelNotify disarms a pending NotifyMediaChange.
	CancelNotify()
}

// Syncer is implemented by backends with a write cache.
type Syncer interface {
	Sync() error
}

// Ejecter is implemented by backends that can release their medium.
type Ejecter interface {
	Eject() error
}

// check validates a block request against media.
func check(media *Media, addr uint64, buf []byte, count uint32, write bool) Status {
	if media == nil {
		return StatusHardwareFailure
	}
	if count == 0 || addr >= media.Sectors || uint64(count) > media.Sectors-addr {
		return StatusInvalidParams
	}
	if buf != nil && uint64(len(buf)) < uint64(count)*uint64(media.SectorSize) {
		return StatusInvalidParams
	}
	if write && media.WriteProtected {
		return StatusWriteProtected
	}
	return StatusOK
}
