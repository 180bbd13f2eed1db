package hal

import "fmt"

// Standard requests the router serves (USB 2.0 Table 9-4).
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
)

// FeatureEndpointHalt is the ENDPOINT_HALT feature selector.
const FeatureEndpointHalt = 0x00

// bmRequestType fields (USB 2.0 Table 9-2).
const (
	requestIn        = 0x80
	requestKindMask  = 0x60
	requestRecipMask = 0x1F

	kindStandard = 0x00
	kindClass    = 0x20
	kindVendor   = 0x40

	recipDevice    = 0x00
	recipInterface = 0x01
	recipEndpoint  = 0x02
	recipOther     = 0x03
)

var (
	kindNames  = map[uint8]string{kindStandard: "standard", kindClass: "class", kindVendor: "vendor"}
	recipNames = map[uint8]string{recipDevice: "device", recipInterface: "interface", recipEndpoint: "endpoint", recipOther: "other"}
)

// IsDeviceToHost reports whether the data stage flows to the host.
func (s *SetupPacket) IsDeviceToHost() bool { return s.RequestType&requestIn != 0 }

// IsStandard reports a standard request.
func (s *SetupPacket) IsStandard() bool { return s.RequestType&requestKindMask == kindStandard }

// IsClass reports a class request.
func (s *SetupPacket) IsClass() bool { return s.RequestType&requestKindMask == kindClass }

// IsInterfaceRecipient reports a request addressed to an interface.
func (s *SetupPacket) IsInterfaceRecipient() bool {
	return s.RequestType&requestRecipMask == recipInterface
}

// IsEndpointRecipient reports a request addressed to an endpoint.
func (s *SetupPacket) IsEndpointRecipient() bool {
	return s.RequestType&requestRecipMask == recipEndpoint
}

// InterfaceNumber is the low byte of wIndex for interface requests.
func (s *SetupPacket) InterfaceNumber() uint8 { return uint8(s.Index) }

// EndpointAddress is the low byte of wIndex for endpoint requests.
func (s *SetupPacket) EndpointAddress() uint8 { return uint8(s.Index) }

func (s *SetupPacket) String() string {
	dir := "OUT"
	if s.IsDeviceToHost() {
		dir = "IN"
	}
	kind, ok := kindNames[s.RequestType&requestKindMask]
	if !ok {
		kind = "reserved"
	}
	recip, ok := recipNames[s.RequestType&requestRecipMask]
	if !ok {
		recip = fmt.Sprintf("recipient(%d)", s.RequestType&requestRecipMask)
	}
	return fmt.Sprintf("%s %s/%s req=0x%02x val=0x%04x idx=0x%04x len=%d",
		dir, kind, recip, s.Request, s.Value, s.Index, s.Length)
}
