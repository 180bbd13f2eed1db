package msc

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ardnew/softmsc/pkg"
)

func TestParseCBW(t *testing.T) {
	valid := make([]byte, CBWSize)
	NewCBW(0xDEADBEEF, 3, 4096, true, []byte{0x28, 0, 0, 0, 0, 1, 0, 0, 8, 0}).MarshalTo(valid)

	mutate := func(fn func(b []byte)) []byte {
		b := append([]byte(nil), valid...)
		fn(b)
		return b
	}

	tests := []struct {
		name    string
		data    []byte
		wantErr bool
		wantTag uint32
	}{
		{"valid", valid, false, 0xDEADBEEF},
		{"short", valid[:30], true, 0},
		{"long", append(append([]byte(nil), valid...), 0), true, 0xDEADBEEF},
		{"bad signature", mutate(func(b []byte) { b[0] = 'X' }), true, 0xDEADBEEF},
		{"zero command length", mutate(func(b []byte) { b[14] = 0 }), true, 0xDEADBEEF},
		{"oversized command length", mutate(func(b []byte) { b[14] = 17 }), true, 0xDEADBEEF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cbw CommandBlockWrapper
			err := ParseCBW(tt.data, &cbw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCBW() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, pkg.ErrInvalidCBW) {
				t.Errorf("ParseCBW() error = %v, want %v", err, pkg.ErrInvalidCBW)
			}
			if cbw.Tag != tt.wantTag {
				t.Errorf("Tag = %#x, want %#x", cbw.Tag, tt.wantTag)
			}
		})
	}
}

func TestCommandBlockWrapper_Fields(t *testing.T) {
	cdb := []byte{0x2A, 0, 0, 0, 0, 10, 0, 0, 2, 0}
	buf := make([]byte, CBWSize)
	if n := NewCBW(7, 0x13, 1024, false, cdb).MarshalTo(buf); n != CBWSize {
		t.Fatalf("MarshalTo() = %d", n)
	}

	var cbw CommandBlockWrapper
	if err := ParseCBW(buf, &cbw); err != nil {
		t.Fatalf("ParseCBW() error = %v", err)
	}
	if cbw.LUN != 3 {
		t.Errorf("LUN = %d, want low nibble 3", cbw.LUN)
	}
	if !cbw.IsDataOut() || cbw.IsDataIn() {
		t.Errorf("direction flags = %#02x", cbw.Flags)
	}
	if !bytes.Equal(cbw.Command(), cdb) {
		t.Errorf("Command() = % x, want % x", cbw.Command(), cdb)
	}
	if n := cbw.MarshalTo(buf[:CBWSize-1]); n != 0 {
		t.Errorf("MarshalTo() short buffer = %d", n)
	}
}

func TestParseCSW(t *testing.T) {
	valid := make([]byte, CSWSize)
	NewCSW(42, 512, CSWStatusFailed).MarshalTo(valid)

	tests := []struct {
		name    string
		data    []byte
		wantErr bool
	}{
		{"valid", valid, false},
		{"short", valid[:12], true},
		{"bad signature", append([]byte{0}, valid[1:]...), true},
		{"bad status", append(append([]byte(nil), valid[:12]...), 3), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var csw CommandStatusWrapper
			err := ParseCSW(tt.data, &csw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCSW() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, pkg.ErrInvalidCSW) {
					t.Errorf("ParseCSW() error = %v, want %v", err, pkg.ErrInvalidCSW)
				}
				return
			}
			if csw.Tag != 42 || csw.DataResidue != 512 || csw.Status != CSWStatusFailed {
				t.Errorf("ParseCSW() = %+v", csw)
			}
		})
	}
}

func TestNeedZLP(t *testing.T) {
	tests := []struct {
		name        string
		transferred uint32
		dataLength  uint32
		want        bool
	}{
		{"no data phase", 0, 0, false},
		{"nothing moved", 0, 512, true},
		{"full packet boundary", 512, 1024, true},
		{"short packet", 36, 255, false},
		{"complete", 1024, 1024, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := needZLP(tt.transferred, tt.dataLength, 512); got != tt.want {
				t.Errorf("needZLP(%d, %d) = %v, want %v", tt.transferred, tt.dataLength, got, tt.want)
			}
		})
	}
}

func TestCSWStatusString(t *testing.T) {
	for status, want := range map[uint8]string{
		CSWStatusGood:       "good",
		CSWStatusFailed:     "failed",
		CSWStatusPhaseError: "phase error",
		9:                   "status(9)",
	} {
		if got := CSWStatusString(status); got != want {
			t.Errorf("CSWStatusString(%d) = %q, want %q", status, got, want)
		}
	}
}
