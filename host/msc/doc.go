// Package msc is a host-side USB Mass Storage Bulk-Only Transport client.
//
// A [Client] wraps SCSI commands in CBWs, runs the data phase and checks
// the returned CSW against its tag. Failed commands are followed by
// REQUEST SENSE and reported as [*CommandError]; phase errors and
// malformed status wrappers trigger reset recovery.
//
// Two transports are provided: [Loopback] drives an in-process loopback
// controller and [USB] drives a real device through gousb.
package msc
