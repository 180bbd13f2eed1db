// Package device connects class functions to an asynchronous USB
// controller.
//
// Enumeration and descriptor negotiation are assumed to happen below the
// [hal.Controller] interface. What reaches this package is the result: a
// configuration being selected, bus resets and suspends, control requests
// addressed to an interface or endpoint, and endpoint completions.
//
// # Architecture
//
//   - [Router] is the [hal.Handler] installed on the controller
//   - [Function] is implemented by class drivers (mass storage, ...)
//   - [State] is the device state machine visible above the controller
//
// # Device States
//
//	Attached → Default → Configured ⇄ Suspended
//
// Entering Configured enables every registered function's endpoints;
// returning to Default or Attached disables them, which cancels their
// outstanding transfers. Suspend leaves endpoints untouched.
//
// # Request routing
//
// Standard requests the router answers itself: SET_CONFIGURATION,
// GET_CONFIGURATION, GET_INTERFACE, GET_STATUS and SET/CLEAR_FEATURE
// (ENDPOINT_HALT) on owned endpoints. Class and vendor requests with an
// interface recipient go to the function registered for wIndex.
package device
