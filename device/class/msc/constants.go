package msc

// Interface triple of a Bulk-Only SCSI device.
const (
	ClassMassStorage = 0x08
	SubclassSCSI     = 0x06 // transparent command set
	ProtocolBulkOnly = 0x50
)

// Class requests, both addressed to the interface.
const (
	RequestBulkOnlyMassStorageReset = 0xFF
	RequestGetMaxLUN                = 0xFE

	requestTypeReset     = 0x21
	requestTypeGetMaxLUN = 0xA1
)

// Wrapper layout. Both signatures read as ASCII on the wire: "USBC" and
// "USBS".
const (
	CBWSignature   = 0x43425355
	CBWSize        = 31
	CBWMaxCBLength = 16
	CBWFlagDataIn  = 0x80 // bit 7 of bmCBWFlags; clear means OUT

	CSWSignature = 0x53425355
	CSWSize      = 13
)

// bCSWStatus values.
const (
	CSWStatusGood       = 0x00
	CSWStatusFailed     = 0x01
	CSWStatusPhaseError = 0x02
)

// MaxLUNs is the number of logical units a CBW can address.
const MaxLUNs = 16

// Defaults used by [DefaultConfig].
const (
	DefaultEndpointIn    = 0x81
	DefaultEndpointOut   = 0x02
	DefaultMaxPacketSize = 512
	DefaultBlockSize     = 64 * 1024
	DefaultQueueDepth    = 2
	DefaultAlignment     = 32
)

// commandBufferSize is the OUT buffer a CBW is read into. Oversized
// wrappers arrive with their real length and are rejected.
const commandBufferSize = 512
