package msc

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ardnew/softmsc/device/class/msc/scsi"
	"github.com/ardnew/softmsc/pkg"
)

// Inquiry is decoded standard INQUIRY data.
type Inquiry struct {
	DeviceType uint8
	Removable  bool
	Vendor     string
	Product    string
	Revision   string
}

func (i Inquiry) String() string {
	return fmt.Sprintf("%s %s %s", i.Vendor, i.Product, i.Revision)
}

// Capacity is decoded READ CAPACITY data.
type Capacity struct {
	Blocks      uint64 // Number of addressable blocks
	BlockLength uint32
}

// Bytes returns the medium size.
func (c Capacity) Bytes() uint64 { return c.Blocks * uint64(c.BlockLength) }

// TestUnitReady sends TEST UNIT READY.
func (c *Client) TestUnitReady(ctx context.Context) error {
	_, err := c.Do(ctx, Command{CDB: []byte{scsi.OpTestUnitReady, 0, 0, 0, 0, 0}})
	return err
}

// RequestSense fetches the oldest pending sense entry.
func (c *Client) RequestSense(ctx context.Context) (scsi.Sense, error) {
	buf := make([]byte, scsi.SenseFixedSize)
	res, err := c.transport(ctx, Command{
		CDB:  []byte{scsi.OpRequestSense, 0, 0, 0, scsi.SenseFixedSize, 0},
		Dir:  DirIn,
		Data: buf,
	})
	if err != nil {
		return scsi.Sense{}, err
	}
	if res.CSW.Status != 0 {
		return scsi.Sense{}, fmt.Errorf("request sense status %d: %w", res.CSW.Status, pkg.ErrCommandFailed)
	}
	return parseSense(res.Data)
}

func parseSense(data []byte) (scsi.Sense, error) {
	if len(data) < 14 || data[0]&0x7F != scsi.SenseResponseCurrent {
		return scsi.Sense{}, fmt.Errorf("sense data % x: %w", data, pkg.ErrProtocol)
	}
	return scsi.Sense{
		Key:  data[2] & 0x0F,
		ASCQ: binary.BigEndian.Uint16(data[12:14]),
	}, nil
}

// Inquiry sends a standard INQUIRY.
func (c *Client) Inquiry(ctx context.Context) (Inquiry, error) {
	res, err := c.Do(ctx, Command{
		CDB:  []byte{scsi.OpInquiry, 0, 0, 0, scsi.InquiryStandardSize, 0},
		Dir:  DirIn,
		Data: make([]byte, scsi.InquiryStandardSize),
	})
	if err != nil {
		return Inquiry{}, err
	}
	return parseInquiry(res.Data)
}

func parseInquiry(data []byte) (Inquiry, error) {
	if len(data) < scsi.InquiryStandardSize {
		return Inquiry{}, fmt.Errorf("inquiry data %d bytes: %w", len(data), pkg.ErrProtocol)
	}
	return Inquiry{
		DeviceType: data[0] & 0x1F,
		Removable:  data[1]&scsi.InquiryRMB != 0,
		Vendor:     strings.TrimSpace(string(data[8:16])),
		Product:    strings.TrimSpace(string(data[16:32])),
		Revision:   strings.TrimSpace(string(data[32:36])),
	}, nil
}

// InquiryVPD fetches vital product data page and returns its payload.
func (c *Client) InquiryVPD(ctx context.Context, page uint8) ([]byte, error) {
	const alloc = 255
	res, err := c.Do(ctx, Command{
		CDB:  []byte{scsi.OpInquiry, scsi.InquiryEVPD, page, 0, alloc, 0},
		Dir:  DirIn,
		Data: make([]byte, alloc),
	})
	if err != nil {
		return nil, err
	}
	data := res.Data
	if len(data) < 4 || data[1] != page {
		return nil, fmt.Errorf("vpd page %#02x: % x: %w", page, data, pkg.ErrProtocol)
	}
	n := int(binary.BigEndian.Uint16(data[2:4]))
	if 4+n > len(data) {
		return nil, fmt.Errorf("vpd page %#02x: length %d of %d: %w", page, n, len(data)-4, pkg.ErrProtocol)
	}
	return data[4 : 4+n], nil
}

// ReadCapacity10 sends READ CAPACITY (10). A medium too large for it
// reports 0xFFFFFFFF+1 blocks; use ReadCapacity16.
func (c *Client) ReadCapacity10(ctx context.Context) (Capacity, error) {
	res, err := c.Do(ctx, Command{
		CDB:  make10(scsi.OpReadCapacity10, 0, 0),
		Dir:  DirIn,
		Data: make([]byte, 8),
	})
	if err != nil {
		return Capacity{}, err
	}
	if len(res.Data) < 8 {
		return Capacity{}, fmt.Errorf("read capacity data %d bytes: %w", len(res.Data), pkg.ErrProtocol)
	}
	return Capacity{
		Blocks:      uint64(binary.BigEndian.Uint32(res.Data[0:4])) + 1,
		BlockLength: binary.BigEndian.Uint32(res.Data[4:8]),
	}, nil
}

// ReadCapacity16 sends READ CAPACITY (16).
func (c *Client) ReadCapacity16(ctx context.Context) (Capacity, error) {
	cdb := make([]byte, 16)
	cdb[0] = scsi.OpServiceActionIn16
	cdb[1] = scsi.ServiceActionReadCapacity16
	binary.BigEndian.PutUint32(cdb[10:14], 32)
	res, err := c.Do(ctx, Command{CDB: cdb, Dir: DirIn, Data: make([]byte, 32)})
	if err != nil {
		return Capacity{}, err
	}
	if len(res.Data) < 12 {
		return Capacity{}, fmt.Errorf("read capacity data %d bytes: %w", len(res.Data), pkg.ErrProtocol)
	}
	return Capacity{
		Blocks:      binary.BigEndian.Uint64(res.Data[0:8]) + 1,
		BlockLength: binary.BigEndian.Uint32(res.Data[8:12]),
	}, nil
}

// Read10 reads count blocks of blockLength bytes at lba.
func (c *Client) Read10(ctx context.Context, lba uint32, count uint16, blockLength uint32) ([]byte, error) {
	res, err := c.Do(ctx, Command{
		CDB:  make10(scsi.OpRead10, lba, count),
		Dir:  DirIn,
		Data: make([]byte, int(count)*int(blockLength)),
	})
	if err != nil {
		return nil, err
	}
	if res.CSW.DataResidue != 0 {
		return res.Data, fmt.Errorf("read10: residue %d: %w", res.CSW.DataResidue, pkg.ErrProtocol)
	}
	return res.Data, nil
}

// Write10 writes data, a whole number of blockLength blocks, at lba.
func (c *Client) Write10(ctx context.Context, lba uint32, data []byte, blockLength uint32) error {
	if blockLength == 0 || len(data)%int(blockLength) != 0 || len(data)/int(blockLength) > 0xFFFF {
		return fmt.Errorf("write10: %d bytes: %w", len(data), pkg.ErrInvalidParameter)
	}
	count := uint16(len(data) / int(blockLength))
	res, err := c.Do(ctx, Command{CDB: make10(scsi.OpWrite10, lba, count), Dir: DirOut, Data: data})
	if err != nil {
		return err
	}
	if res.CSW.DataResidue != 0 {
		return fmt.Errorf("write10: residue %d: %w", res.CSW.DataResidue, pkg.ErrProtocol)
	}
	return nil
}

// Verify10 verifies count blocks at lba. With data set the device
// compares the medium against it byte for byte; otherwise it only checks
// the medium is readable.
func (c *Client) Verify10(ctx context.Context, lba uint32, count uint16, data []byte) error {
	cmd := Command{CDB: make10(scsi.OpVerify10, lba, count)}
	if data != nil {
		cmd.CDB[1] = 0x02 // BYTCHK
		cmd.Dir, cmd.Data = DirOut, data
	}
	_, err := c.Do(ctx, cmd)
	return err
}

// SynchronizeCache flushes the device's write cache.
func (c *Client) SynchronizeCache(ctx context.Context) error {
	_, err := c.Do(ctx, Command{CDB: make10(scsi.OpSynchronizeCache10, 0, 0)})
	return err
}

// make10 builds a 10-byte CDB with the usual LBA and length fields.
func make10(op uint8, lba uint32, count uint16) []byte {
	cdb := make([]byte, 10)
	cdb[0] = op
	binary.BigEndian.PutUint32(cdb[2:6], lba)
	binary.BigEndian.PutUint16(cdb[7:9], count)
	return cdb
}
