package pkg

import "errors"

// Pipe-level errors reported by controllers and transports.
var (
	ErrStall     = errors.New("endpoint stalled")
	ErrTimeout   = errors.New("transfer timeout")
	ErrCancelled = errors.New("transfer cancelled")
	ErrOverrun   = errors.New("data overrun")
	ErrProtocol  = errors.New("protocol error")
	ErrBusy      = errors.New("endpoint busy") // a transfer is already queued
)

// Configuration and lifecycle errors.
var (
	ErrNotConfigured    = errors.New("device not configured")
	ErrInvalidEndpoint  = errors.New("invalid endpoint")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrAlreadyRunning   = errors.New("already running")
	ErrNotRunning       = errors.New("not running")
)

// Bulk-Only Transport errors.
var (
	// ErrInvalidCBW rejects a Command Block Wrapper that is short, unsigned
	// or carries an out-of-range command length.
	ErrInvalidCBW = errors.New("invalid command block wrapper")

	// ErrInvalidCSW rejects a Command Status Wrapper that is short,
	// unsigned, answers another tag or reports an impossible residue.
	ErrInvalidCSW = errors.New("invalid command status wrapper")

	// ErrCommandFailed reports CSW status 1.
	ErrCommandFailed = errors.New("command failed")

	// ErrPhaseError reports CSW status 2.
	ErrPhaseError = errors.New("phase error")
)

// TransferStatus is the outcome a controller reports for an endpoint
// transfer.
type TransferStatus int

// Transfer outcomes.
const (
	TransferStatusSuccess TransferStatus = iota
	TransferStatusError
	TransferStatusStall
	TransferStatusTimeout
	TransferStatusCancelled // endpoint disabled with the transfer queued
	TransferStatusOverrun
)

var transferStatus = [...]struct {
	name string
	err  error
}{
	TransferStatusSuccess:   {"success", nil},
	TransferStatusError:     {"error", ErrProtocol},
	TransferStatusStall:     {"stall", ErrStall},
	TransferStatusTimeout:   {"timeout", ErrTimeout},
	TransferStatusCancelled: {"cancelled", ErrCancelled},
	TransferStatusOverrun:   {"overrun", ErrOverrun},
}

func (s TransferStatus) String() string {
	if s < 0 || int(s) >= len(transferStatus) {
		return "unknown"
	}
	return transferStatus[s].name
}

// Error returns the sentinel matching s, nil for success and
// [ErrProtocol] for anything unrecognized.
func (s TransferStatus) Error() error {
	if s < 0 || int(s) >= len(transferStatus) {
		return ErrProtocol
	}
	return transferStatus[s].err
}
