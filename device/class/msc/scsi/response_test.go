package scsi

import (
	"encoding/binary"
	"strings"
	"testing"

	uuid "github.com/satori/go.uuid"
)

func TestInquiryResponse_MarshalTo(t *testing.T) {
	tests := []struct {
		name    string
		resp    InquiryResponse
		vendor  string
		product string
	}{
		{"padded", InquiryResponse{Vendor: "ACME", Product: "Disk", Revision: "1"}, "ACME    ", "Disk            "},
		{"truncated", InquiryResponse{Vendor: "LongVendorName", Product: strings.Repeat("P", 20)}, "LongVend", strings.Repeat("P", 16)},
		{"non-printable", InquiryResponse{Vendor: "A\x00B\xFF"}, "A B     ", strings.Repeat(" ", 16)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, 64)
			if n := tt.resp.MarshalTo(buf); n != InquiryStandardSize {
				t.Fatalf("MarshalTo() = %d", n)
			}
			if got := string(buf[8:16]); got != tt.vendor {
				t.Errorf("vendor = %q, want %q", got, tt.vendor)
			}
			if got := string(buf[16:32]); got != tt.product {
				t.Errorf("product = %q, want %q", got, tt.product)
			}
			if buf[4] != InquiryStandardSize-5 {
				t.Errorf("additional length = %d", buf[4])
			}
		})
	}

	if n := (&InquiryResponse{}).MarshalTo(make([]byte, 35)); n != 0 {
		t.Errorf("MarshalTo() short buffer = %d", n)
	}
}

func TestSerialNumber(t *testing.T) {
	id := uuid.Must(uuid.FromString("6ba7b810-9dad-11d1-80b4-00c04fd430c8"))
	if got := SerialNumber(id); got != "6BA7B8109DAD11D180B400C04FD430C8" {
		t.Errorf("SerialNumber() = %q", got)
	}
}

func TestModeSenseResponse_MarshalTo(t *testing.T) {
	r := ModeSenseResponse{WriteProtected: true, BlockDesc: true, Blocks: 1 << 30, BlockLength: 512}
	buf := make([]byte, 64)

	n := r.MarshalTo(buf, false)
	if n != 12 || buf[0] != 11 || buf[2] != ModeWriteProtect || buf[3] != 8 {
		t.Fatalf("MODE SENSE (6) = % x", buf[:n])
	}
	if got := binary.BigEndian.Uint32(buf[4:8]); got != 0xFFFFFF {
		t.Errorf("clamped block count = %#x", got)
	}
	if got := binary.BigEndian.Uint32(buf[8:12]); got != 512 {
		t.Errorf("block length = %d", got)
	}

	if n := r.MarshalTo(buf[:8], true); n != 0 {
		t.Errorf("MarshalTo() short buffer = %d", n)
	}
}

func TestCdbLength(t *testing.T) {
	tests := []struct {
		cdb  []byte
		want int
	}{
		{[]byte{OpTestUnitReady}, 6},
		{[]byte{OpRead10}, 10},
		{[]byte{OpModeSense10}, 10},
		{[]byte{OpRead16}, 16},
		{[]byte{OpRead12}, 12},
		{[]byte{OpVariableLength, 0, 0, 0, 0, 0, 0, 0x18}, 32},
		{[]byte{0xC5}, 0},
		{[]byte{0xE0}, 0},
	}
	for _, tt := range tests {
		if got := cdbLength(tt.cdb); got != tt.want {
			t.Errorf("cdbLength(%#02x) = %d, want %d", tt.cdb[0], got, tt.want)
		}
	}
}
