// Package hal defines the asynchronous USB device-controller contract
// consumed by the mass-storage stack.
//
// The contract is deliberately narrow: enable and disable endpoints,
// start reads and writes, stall and clear stalls. Enumeration and
// descriptor negotiation happen below this interface; the stack only sees
// the resulting bus events and the control requests addressed to its
// interfaces.
//
// # Completion model
//
// [Controller.Read] and [Controller.Write] return as soon as the transfer
// is queued. The controller reports the outcome later through
// [Handler.TransferComplete], possibly from another goroutine. Each
// endpoint carries at most one outstanding transfer; a second request
// returns [github.com/ardnew/softmsc/pkg.ErrBusy].
//
// Zero-length transfers are meaningful:
//
//   - Write with empty data sends a zero-length packet, terminating an IN
//     transfer whose length is a multiple of the max packet size.
//   - Read with an empty buffer consumes whatever remains of the host's
//     current OUT transfer.
//
// # Implementations
//
// The loopback subpackage provides an in-memory controller paired with a
// host-side API, used by tests and by the selftest command.
package hal
