package scsi

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	uuid "github.com/satori/go.uuid"
)

// InquiryResponse represents standard INQUIRY data.
type InquiryResponse struct {
	DeviceType uint8
	Removable  bool
	Vendor     string // 8 bytes on the wire
	Product    string // 16 bytes on the wire
	Revision   string // 4 bytes on the wire
}

// MarshalTo writes the 36-byte standard INQUIRY response to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *InquiryResponse) MarshalTo(buf []byte) int {
	if len(buf) < InquiryStandardSize {
		return 0
	}
	clear(buf[:InquiryStandardSize])
	buf[0] = r.DeviceType & 0x1F
	if r.Removable {
		buf[1] = InquiryRMB
	}
	buf[2] = InquiryVersionSPC4
	buf[3] = InquiryResponseFormatSPC
	buf[4] = InquiryStandardSize - 5
	putASCII(buf[8:16], r.Vendor)
	putASCII(buf[16:32], r.Product)
	putASCII(buf[32:36], r.Revision)
	return InquiryStandardSize
}

// putASCII copies s into field, replacing non-printable bytes and padding
// with spaces.
func putASCII(field []byte, s string) {
	for i := range field {
		c := byte(' ')
		if i < len(s) && s[i] >= 0x20 && s[i] < 0x7F {
			c = s[i]
		}
		field[i] = c
	}
}

// SerialNumber renders id as the 32-character unit serial number.
func SerialNumber(id uuid.UUID) string {
	return strings.ToUpper(hex.EncodeToString(id.Bytes()))
}

// vpdHeader writes a VPD page header for page with payload length n.
func vpdHeader(buf []byte, deviceType, page uint8, n int) int {
	buf[0] = deviceType & 0x1F
	buf[1] = page
	binary.BigEndian.PutUint16(buf[2:4], uint16(n))
	return 4
}

// SupportedPagesVPD is the list of VPD pages the interpreter serves.
var SupportedPagesVPD = []byte{VPDSupportedPages, VPDUnitSerialNumber, VPDDeviceIdentification}

// marshalSupportedPages writes VPD page 0x00.
func marshalSupportedPages(buf []byte, deviceType uint8) int {
	n := vpdHeader(buf, deviceType, VPDSupportedPages, len(SupportedPagesVPD))
	return n + copy(buf[n:], SupportedPagesVPD)
}

// marshalSerialNumber writes VPD page 0x80.
func marshalSerialNumber(buf []byte, deviceType uint8, id uuid.UUID) int {
	serial := SerialNumber(id)
	n := vpdHeader(buf, deviceType, VPDUnitSerialNumber, len(serial))
	return n + copy(buf[n:], serial)
}

// Designator fields for VPD page 0x83 (SPC-4 7.8.6).
const (
	codeSetBinary         = 0x01
	codeSetASCII          = 0x02
	designatorT10VendorID = 0x01
	designatorNAA         = 0x03
	naaRegisteredExtended = 0x60
	naaDesignatorSize     = 16
)

// marshalDeviceIdentification writes VPD page 0x83 with an NAA designator
// derived from id followed by a T10 vendor designator.
func marshalDeviceIdentification(buf []byte, vendor, product string, deviceType uint8, id uuid.UUID) int {
	off := 4

	buf[off] = codeSetBinary
	buf[off+1] = designatorNAA
	buf[off+2] = 0
	buf[off+3] = naaDesignatorSize
	naa := buf[off+4 : off+4+naaDesignatorSize]
	copy(naa, id.Bytes())
	naa[0] = naaRegisteredExtended | naa[0]&0x0F
	off += 4 + naaDesignatorSize

	serial := SerialNumber(id)
	t10 := 8 + 16 + len(serial)
	buf[off] = codeSetASCII
	buf[off+1] = designatorT10VendorID
	buf[off+2] = 0
	buf[off+3] = uint8(t10)
	putASCII(buf[off+4:off+12], vendor)
	putASCII(buf[off+12:off+28], product)
	copy(buf[off+28:], serial)
	off += 4 + t10

	vpdHeader(buf, deviceType, VPDDeviceIdentification, off-4)
	return off
}

// ReadCapacity10Response represents READ CAPACITY (10) data.
type ReadCapacity10Response struct {
	LastLBA     uint32 // 0xFFFFFFFF when the medium needs READ CAPACITY (16)
	BlockLength uint32
}

// MarshalTo writes the response to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *ReadCapacity10Response) MarshalTo(buf []byte) int {
	if len(buf) < 8 {
		return 0
	}
	binary.BigEndian.PutUint32(buf[0:4], r.LastLBA)
	binary.BigEndian.PutUint32(buf[4:8], r.BlockLength)
	return 8
}

// ReadCapacity16Response represents READ CAPACITY (16) data.
type ReadCapacity16Response struct {
	LastLBA     uint64
	BlockLength uint32
}

// MarshalTo writes the response to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *ReadCapacity16Response) MarshalTo(buf []byte) int {
	if len(buf) < 32 {
		return 0
	}
	clear(buf[:32])
	binary.BigEndian.PutUint64(buf[0:8], r.LastLBA)
	binary.BigEndian.PutUint32(buf[8:12], r.BlockLength)
	return 32
}

// FormatCapacityResponse represents READ FORMAT CAPACITIES data with a
// single current/maximum capacity descriptor.
type FormatCapacityResponse struct {
	Blocks      uint32
	Type        uint8 // FormatFormatted, FormatUnformatted or FormatNoMedia
	BlockLength uint32
}

// MarshalTo writes the response to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *FormatCapacityResponse) MarshalTo(buf []byte) int {
	if len(buf) < 12 {
		return 0
	}
	clear(buf[:4])
	buf[3] = 8
	binary.BigEndian.PutUint32(buf[4:8], r.Blocks)
	binary.BigEndian.PutUint32(buf[8:12], r.BlockLength&0x00FFFFFF)
	buf[8] = r.Type & 0x03
	return 12
}

// ModeSenseResponse describes the mode parameter data returned by
// MODE SENSE (6) and (10).
type ModeSenseResponse struct {
	WriteProtected bool
	BlockDesc      bool   // Include a short block descriptor
	Blocks         uint64 // Block descriptor: number of blocks
	BlockLength    uint32 // Block descriptor: block length
	Caching        bool   // Include the caching page
	Changeable     bool   // Report the changeable mask: every field zero
}

func (r *ModeSenseResponse) size(long bool) int {
	n := 4
	if long {
		n = 8
	}
	if r.BlockDesc {
		n += 8
	}
	if r.Caching {
		n += cachingPageSize
	}
	return n
}

// MarshalTo writes the response to buf, using the MODE SENSE (10) header
// when long is set. Returns the number of bytes written, or 0 if buf is
// too small.
func (r *ModeSenseResponse) MarshalTo(buf []byte, long bool) int {
	total := r.size(long)
	if len(buf) < total {
		return 0
	}
	clear(buf[:total])

	var dsp uint8
	if r.WriteProtected {
		dsp = ModeWriteProtect
	}
	var bdl uint8
	if r.BlockDesc {
		bdl = 8
	}

	off := 4
	if long {
		binary.BigEndian.PutUint16(buf[0:2], uint16(total-2))
		buf[3] = dsp
		buf[7] = bdl
		off = 8
	} else {
		buf[0] = uint8(total - 1)
		buf[2] = dsp
		buf[3] = bdl
	}

	if r.BlockDesc && r.Changeable {
		off += 8
	} else if r.BlockDesc {
		blocks := r.Blocks
		if blocks > 0xFFFFFF {
			blocks = 0xFFFFFF
		}
		binary.BigEndian.PutUint32(buf[off:off+4], uint32(blocks))
		binary.BigEndian.PutUint32(buf[off+4:off+8], r.BlockLength&0x00FFFFFF)
		buf[off] = 0 // density code
		off += 8
	}
	if r.Caching {
		buf[off] = ModePageCaching
		buf[off+1] = cachingPageSize - 2
		off += cachingPageSize
	}
	return off
}

// marshalReportLUNs writes a REPORT LUNS list for luns units using
// peripheral device addressing.
func marshalReportLUNs(buf []byte, luns int) int {
	total := 8 + 8*luns
	if len(buf) < total {
		return 0
	}
	clear(buf[:total])
	binary.BigEndian.PutUint32(buf[0:4], uint32(8*luns))
	for i := 0; i < luns; i++ {
		buf[8+8*i+1] = uint8(i)
	}
	return total
}
