package device

import (
	"github.com/ardnew/softmsc/device/hal"
	"github.com/ardnew/softmsc/pkg"
)

// Function is a class driver bound to one interface of the active
// configuration.
//
// The [Router] calls every method from the goroutine that delivered the
// underlying controller event. Implementations hand work to their own
// goroutine instead of blocking the caller.
type Function interface {
	// InterfaceNumber returns the bInterfaceNumber the function serves.
	InterfaceNumber() uint8

	// Endpoints lists the non-control endpoints the function owns. The
	// router enables them on entering the Configured state and disables
	// them on leaving it.
	Endpoints() []hal.EndpointConfig

	// HandleSetup serves class and vendor requests addressed to the
	// function's interface. The contract matches [hal.Handler.ControlRequest].
	HandleSetup(setup *hal.SetupPacket, data []byte) (int, error)

	// TransferComplete reports a completion on one of the function's endpoints.
	TransferComplete(address uint8, n int, status pkg.TransferStatus)

	// StateChanged reports a device state transition.
	StateChanged(old, new State)
}
