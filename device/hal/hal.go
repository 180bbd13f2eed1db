package hal

import (
	"encoding/binary"

	"github.com/ardnew/softmsc/pkg"
)

// Speed is the negotiated bus speed.
type Speed uint8

const (
	SpeedUnknown Speed = iota
	SpeedLow           // 1.5 Mbit/s
	SpeedFull          // 12 Mbit/s
	SpeedHigh          // 480 Mbit/s
)

var speedNames = [...]string{"unknown", "low", "full", "high"}

func (s Speed) String() string {
	if int(s) >= len(speedNames) {
		return speedNames[SpeedUnknown]
	}
	return speedNames[s]
}

// Transfer types, from bits 1..0 of bmAttributes.
const (
	TransferTypeControl     = 0x00
	TransferTypeIsochronous = 0x01
	TransferTypeBulk        = 0x02
	TransferTypeInterrupt   = 0x03
)

// EndpointDirIn marks an IN endpoint address.
const EndpointDirIn = 0x80

// EndpointConfig is passed to [Controller.EnableEndpoint].
type EndpointConfig struct {
	Address       uint8
	Attributes    uint8
	MaxPacketSize uint16
	Interval      uint8 // interrupt and isochronous only
}

func (e *EndpointConfig) Number() uint8       { return e.Address & 0x0F }
func (e *EndpointConfig) IsIn() bool          { return e.Address&EndpointDirIn != 0 }
func (e *EndpointConfig) TransferType() uint8 { return e.Attributes & 0x03 }

// SetupPacketSize is the length of a SETUP stage.
const SetupPacketSize = 8

// SetupPacket holds the decoded SETUP stage of a control transfer. Fields
// are named after their bmRequestType/bRequest/wValue/wIndex/wLength
// counterparts.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// ParseSetupPacket decodes data into out and reports whether data held a
// complete packet.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	le := binary.LittleEndian
	*out = SetupPacket{
		RequestType: data[0],
		Request:     data[1],
		Value:       le.Uint16(data[2:]),
		Index:       le.Uint16(data[4:]),
		Length:      le.Uint16(data[6:]),
	}
	return true
}

// MarshalTo encodes s into buf, returning SetupPacketSize, or 0 when buf
// is too short.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0], buf[1] = s.RequestType, s.Request
	le := binary.LittleEndian
	le.PutUint16(buf[2:], s.Value)
	le.PutUint16(buf[4:], s.Index)
	le.PutUint16(buf[6:], s.Length)
	return SetupPacketSize
}

// Event is a bus-level change reported through [Handler.BusEvent].
type Event uint8

const (
	EventReset        Event = iota // device returns to Default
	EventConfigured                // SET_CONFIGURATION with a nonzero value
	EventDeconfigured              // SET_CONFIGURATION(0)
	EventSuspended
	EventResumed
	EventDisconnected
)

var eventNames = [...]string{
	EventReset:        "reset",
	EventConfigured:   "configured",
	EventDeconfigured: "deconfigured",
	EventSuspended:    "suspended",
	EventResumed:      "resumed",
	EventDisconnected: "disconnected",
}

func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return "unknown"
}

// Handler receives asynchronous notifications from a [Controller].
//
// Methods may be called from any goroutine, including from inside a
// [Controller] method invoked by the handler itself. Implementations must
// not block on work that waits for the calling goroutine.
type Handler interface {
	// TransferComplete reports the end of a Read or Write on address.
	// n is the number of bytes moved.
	TransferComplete(address uint8, n int, status pkg.TransferStatus)

	// ControlRequest serves a control transfer on endpoint 0. For
	// device-to-host requests the handler fills data (sized to wLength)
	// and returns the byte count; for host-to-device requests data holds
	// the payload. A non-nil error stalls endpoint 0.
	ControlRequest(setup *SetupPacket, data []byte) (int, error)

	// BusEvent reports a bus-level state change.
	BusEvent(event Event)
}

// Controller is the asynchronous USB device-controller contract.
//
// Read and Write start a transfer and return immediately; completion is
// reported through [Handler.TransferComplete]. At most one transfer may be
// outstanding per endpoint. DisableEndpoint cancels the outstanding
// transfer, if any, with [pkg.TransferStatusCancelled].
type Controller interface {
	// SetHandler registers the completion and request sink.
	SetHandler(h Handler)

	// EnableEndpoint configures and enables a non-control endpoint.
	EnableEndpoint(cfg EndpointConfig) error

	// DisableEndpoint disables an endpoint and cancels its transfer.
	DisableEndpoint(address uint8) error

	// Read starts an OUT transfer into buf. A zero-length buf receives
	// (and discards) the remainder of the host's current transfer.
	Read(address uint8, buf []byte) error

	// Write starts an IN transfer of data. A zero-length data sends a ZLP.
	Write(address uint8, data []byte) error

	// Stall halts an endpoint.
	Stall(address uint8) error

	// ClearStall clears a halt condition.
	ClearStall(address uint8) error

	// IsStalled reports whether an endpoint is halted.
	IsStalled(address uint8) bool

	// Speed returns the negotiated bus speed.
	Speed() Speed
}
