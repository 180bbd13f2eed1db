package scsi

// Operation codes.
const (
	OpTestUnitReady        = 0x00
	OpRequestSense         = 0x03
	OpRead6                = 0x08
	OpWrite6               = 0x0A
	OpInquiry              = 0x12
	OpModeSelect6          = 0x15
	OpModeSense6           = 0x1A
	OpStartStopUnit        = 0x1B
	OpPreventAllowRemoval  = 0x1E
	OpReadFormatCapacities = 0x23
	OpReadCapacity10       = 0x25
	OpRead10               = 0x28
	OpWrite10              = 0x2A
	OpWriteAndVerify10     = 0x2E
	OpVerify10             = 0x2F
	OpSynchronizeCache10   = 0x35
	OpReadTOC              = 0x43 // MMC
	OpGetConfiguration     = 0x46 // MMC
	OpGetEventStatus       = 0x4A // MMC
	OpReadDiscInformation  = 0x51 // MMC
	OpModeSelect10         = 0x55
	OpModeSense10          = 0x5A
	OpVariableLength       = 0x7F
	OpATAPassThrough16     = 0x85
	OpRead16               = 0x88
	OpWrite16              = 0x8A
	OpWriteAndVerify16     = 0x8E
	OpVerify16             = 0x8F
	OpSynchronizeCache16   = 0x91
	OpServiceActionIn16    = 0x9E
	OpReportLUNs           = 0xA0
	OpATAPassThrough12     = 0xA1
	OpRead12               = 0xA8
	OpWrite12              = 0xAA
	OpWriteAndVerify12     = 0xAE
	OpVerify12             = 0xAF
)

// Service actions.
const (
	ServiceActionReadCapacity16 = 0x10 // OpServiceActionIn16

	ServiceActionRead32        = 0x0009 // OpVariableLength
	ServiceActionVerify32      = 0x000A
	ServiceActionWrite32       = 0x000B
	ServiceActionWriteVerify32 = 0x000C
)

// Sense keys.
const (
	SenseNoSense        = 0x00
	SenseRecoveredError = 0x01
	SenseNotReady       = 0x02
	SenseMediumError    = 0x03
	SenseHardwareError  = 0x04
	SenseIllegalRequest = 0x05
	SenseUnitAttention  = 0x06
	SenseDataProtect    = 0x07
	SenseAbortedCommand = 0x0B
	SenseMiscompare     = 0x0E
)

// Additional sense code and qualifier pairs (ASC<<8 | ASCQ).
const (
	ASCNoAdditionalInfo       = 0x0000
	ASCCommunicationFailure   = 0x0800
	ASCCRCError               = 0x1000 // ID CRC or ECC error
	ASCMiscompareDuringVerify = 0x1D00
	ASCInvalidCommand         = 0x2000
	ASCLBAOutOfRange          = 0x2100
	ASCInvalidFieldInCDB      = 0x2400
	ASCWriteProtected         = 0x2700
	ASCNotReadyToReadyChange  = 0x2800
	ASCSavingNotSupported     = 0x3900
	ASCMediumNotPresent       = 0x3A00
	ASCMediumRemovalPrevented = 0x5302
)

// Peripheral device types.
const (
	DeviceTypeDisk  = 0x00
	DeviceTypeCDROM = 0x05
	DeviceTypeRBC   = 0x0E
)

// INQUIRY constants.
const (
	InquiryStandardSize      = 36
	InquiryVersionSPC4       = 0x06
	InquiryResponseFormatSPC = 0x02
	InquiryRMB               = 0x80
	InquiryEVPD              = 0x01
)

// Vital product data pages.
const (
	VPDSupportedPages       = 0x00
	VPDUnitSerialNumber     = 0x80
	VPDDeviceIdentification = 0x83
)

// Mode pages.
const (
	ModePageCaching  = 0x08
	ModePageAllPages = 0x3F
	ModeSenseDBD     = 0x08 // CDB byte 1: disable block descriptors
	ModeWriteProtect = 0x80 // Device-specific parameter: medium is write protected
	cachingPageSize  = 20
)

// Fixed-format sense data.
const (
	SenseResponseCurrent = 0x70
	SenseFixedSize       = 18
)

// READ FORMAT CAPACITIES descriptor types.
const (
	FormatUnformatted = 0x01
	FormatFormatted   = 0x02
	FormatNoMedia     = 0x03
)
