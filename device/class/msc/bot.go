package msc

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softmsc/pkg"
)

// CommandBlockWrapper is the 31-byte header opening every Bulk-Only
// command. DataTransferLength is what the host expects to move; the tag is
// echoed in the matching status wrapper.
type CommandBlockWrapper struct {
	Signature          uint32
	Tag                uint32
	DataTransferLength uint32
	Flags              uint8
	LUN                uint8 // 4 bits
	CBLength           uint8 // 5 bits, 1..16 when valid
	CB                 [CBWMaxCBLength]byte
}

// ParseCBW decodes a Command Block Wrapper from one OUT transfer.
//
// The fields are decoded whenever data holds at least CBWSize bytes, so a
// caller can echo the tag of a rejected wrapper. The error wraps
// [pkg.ErrInvalidCBW] when the length, signature or command length is
// wrong.
func ParseCBW(data []byte, out *CommandBlockWrapper) error {
	if len(data) >= CBWSize {
		out.Signature = binary.LittleEndian.Uint32(data[0:4])
		out.Tag = binary.LittleEndian.Uint32(data[4:8])
		out.DataTransferLength = binary.LittleEndian.Uint32(data[8:12])
		out.Flags = data[12]
		out.LUN = data[13] & 0x0F
		out.CBLength = data[14] & 0x1F
		copy(out.CB[:], data[15:31])
	}

	switch {
	case len(data) != CBWSize:
		return fmt.Errorf("cbw length %d: %w", len(data), pkg.ErrInvalidCBW)
	case out.Signature != CBWSignature:
		return fmt.Errorf("cbw signature %#08x: %w", out.Signature, pkg.ErrInvalidCBW)
	case out.CBLength == 0 || out.CBLength > CBWMaxCBLength:
		return fmt.Errorf("cbw command length %d: %w", out.CBLength, pkg.ErrInvalidCBW)
	}
	return nil
}

// MarshalTo writes the Command Block Wrapper to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (cbw *CommandBlockWrapper) MarshalTo(buf []byte) int {
	if len(buf) < CBWSize {
		return 0
	}

	binary.LittleEndian.PutUint32(buf[0:4], cbw.Signature)
	binary.LittleEndian.PutUint32(buf[4:8], cbw.Tag)
	binary.LittleEndian.PutUint32(buf[8:12], cbw.DataTransferLength)
	buf[12] = cbw.Flags
	buf[13] = cbw.LUN & 0x0F
	buf[14] = cbw.CBLength & 0x1F
	copy(buf[15:31], cbw.CB[:])

	return CBWSize
}

// NewCBW creates a Command Block Wrapper carrying cdb. in selects the
// device-to-host data direction.
func NewCBW(tag uint32, lun uint8, length uint32, in bool, cdb []byte) *CommandBlockWrapper {
	cbw := &CommandBlockWrapper{
		Signature:          CBWSignature,
		Tag:                tag,
		DataTransferLength: length,
		LUN:                lun,
	}
	if in {
		cbw.Flags = CBWFlagDataIn
	}
	cbw.CBLength = uint8(copy(cbw.CB[:], cdb))
	return cbw
}

// Command returns the meaningful part of the command block.
func (cbw *CommandBlockWrapper) Command() []byte {
	n := min(int(cbw.CBLength), len(cbw.CB))
	return cbw.CB[:n]
}

func (cbw *CommandBlockWrapper) IsDataIn() bool  { return cbw.Flags&CBWFlagDataIn != 0 }
func (cbw *CommandBlockWrapper) IsDataOut() bool { return !cbw.IsDataIn() }

// CommandStatusWrapper is the 13-byte trailer ending a command.
// DataResidue counts the expected bytes that were not moved.
type CommandStatusWrapper struct {
	Signature   uint32
	Tag         uint32
	DataResidue uint32
	Status      uint8
}

// MarshalTo encodes csw into buf and returns CSWSize, or 0 when buf is
// too short.
func (csw *CommandStatusWrapper) MarshalTo(buf []byte) int {
	if len(buf) < CSWSize {
		return 0
	}
	le := binary.LittleEndian
	le.PutUint32(buf[0:], csw.Signature)
	le.PutUint32(buf[4:], csw.Tag)
	le.PutUint32(buf[8:], csw.DataResidue)
	buf[12] = csw.Status
	return CSWSize
}

// ParseCSW decodes a Command Status Wrapper. The error wraps
// [pkg.ErrInvalidCSW] when the length, signature or status is wrong.
func ParseCSW(data []byte, out *CommandStatusWrapper) error {
	if len(data) != CSWSize {
		return fmt.Errorf("csw length %d: %w", len(data), pkg.ErrInvalidCSW)
	}
	out.Signature = binary.LittleEndian.Uint32(data[0:4])
	out.Tag = binary.LittleEndian.Uint32(data[4:8])
	out.DataResidue = binary.LittleEndian.Uint32(data[8:12])
	out.Status = data[12]

	if out.Signature != CSWSignature {
		return fmt.Errorf("csw signature %#08x: %w", out.Signature, pkg.ErrInvalidCSW)
	}
	if out.Status > CSWStatusPhaseError {
		return fmt.Errorf("csw status %d: %w", out.Status, pkg.ErrInvalidCSW)
	}
	return nil
}

// NewCSW returns a signed status wrapper.
func NewCSW(tag, residue uint32, status uint8) *CommandStatusWrapper {
	return &CommandStatusWrapper{
		Signature:   CSWSignature,
		Tag:         tag,
		DataResidue: residue,
		Status:      status,
	}
}

// CSWStatusString returns the name of a CSW status code.
func CSWStatusString(status uint8) string {
	switch status {
	case CSWStatusGood:
		return "good"
	case CSWStatusFailed:
		return "failed"
	case CSWStatusPhaseError:
		return "phase error"
	default:
		return fmt.Sprintf("status(%d)", status)
	}
}

// needZLP reports whether a zero-length packet must end the data phase:
// the host asked for data, fewer bytes moved, and the last packet was full.
func needZLP(transferred, dataLength uint32, mps uint16) bool {
	return dataLength != 0 && transferred < dataLength && transferred%uint32(mps) == 0
}
