// Package scsi implements a SCSI primary and block command interpreter
// for one logical unit over an asynchronous [storage.Backend].
//
// A [Session] is driven entirely by calls from its owner: commands arrive
// through [Session.Request], host data-phase progress through
// [Session.HostIO], and backend results through the completion methods.
// The session answers through [Host.SCSIResponse]. It never blocks and
// never starts goroutines.
//
// # Responses
//
//	READ        host fills the buffer with n bytes and hands it back
//	WRITE       n bytes are ready for the host; the buffer is handed over
//	NEED_IO     the session needs a buffer before it can continue
//	RELEASE_IO  the session is done with the buffer it holds
//	PASS, FAIL  terminal; exactly one per accepted command
//
// # Multi-block commands
//
// READ, WRITE, VERIFY and WRITE AND VERIFY are split into chunks of at
// most one buffer. Each chunk is min(remaining blocks, free buffer space /
// sector size) sectors. Reads are issued to the backend and then handed to
// the host; writes and compare-verifies first ask the host for the chunk's
// data. Backend errors map to sense data through [SenseForStatus].
//
// # Media
//
// The media descriptor is fetched lazily: after start-up or a change
// notification, the next command that needs media waits in StateMedia
// until the backend answers. Removable backends are subscribed to change
// notifications for the life of the session.
//
// # Sense data
//
// Failed commands queue a [Sense] entry in a [SenseRing]. REQUEST SENSE
// pops the oldest entry; an empty ring reports NO SENSE.
package scsi
