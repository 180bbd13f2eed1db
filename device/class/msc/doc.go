// Package msc implements the USB Mass Storage Class (MSC) device function
// using the Bulk-Only Transport (BOT) protocol with the SCSI transparent
// command set.
//
// # Architecture
//
// An [MSC] owns one bulk IN and one bulk OUT endpoint and serves one or
// more logical units. Each logical unit pairs a storage backend (package
// storage) with a SCSI session (package scsi). Three kinds of callbacks
// arrive on foreign goroutines:
//
//   - endpoint completions and device state changes from the controller,
//   - class requests on endpoint 0,
//   - block I/O and media completions from the backends.
//
// None of them touch protocol state. They post events to a queue that
// [MSC.Run] drains, so the transport and SCSI state machines only ever run
// on the worker goroutine.
//
// # Bulk-Only Transport
//
// Every command has three phases:
//
//  1. Command: the host sends a 31-byte Command Block Wrapper (CBW).
//  2. Data: zero or more data legs in the direction the CBW names.
//  3. Status: the device sends a 13-byte Command Status Wrapper (CSW).
//
// A malformed CBW is answered with a phase-error CSW and no command runs.
// When the device moves less data than the host asked for, an IN data
// phase that ended on a packet boundary is closed with a zero-length
// packet, and an OUT data phase drains the host's unused data with a
// zero-length read. The CSW residue reports the difference.
//
// Data legs are at most [Config.BlockSize] bytes, one buffer each. Reads
// are double-buffered: the next chunk is read from the backend while the
// previous one is on the bus.
//
// # Class Requests
//
//   - Bulk-Only Mass Storage Reset (0xFF) aborts the command in flight,
//     reclaims every buffer and re-arms the CBW receive.
//   - Get Max LUN (0xFE) returns the highest logical unit number.
//
// # Usage Example
//
//	ctrl := loopback.New(hal.SpeedHigh)
//	router := device.NewRouter(ctrl)
//
//	disk := storage.NewMemory(storage.NewDescriptor("softmsc", "RAM Disk", "0100"), 2048, 512)
//	fn, err := msc.New(ctrl, msc.DefaultConfig(), disk)
//	if err != nil {
//		return err
//	}
//	if err := router.Register(fn); err != nil {
//		return err
//	}
//	go fn.Run(ctx)
//
// # References
//
//   - USB Mass Storage Class Bulk-Only Transport 1.0
//   - SCSI Primary Commands (SPC-4)
//   - SCSI Block Commands (SBC-3)
package msc
