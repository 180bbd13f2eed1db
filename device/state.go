package device

import "strconv"

// MaxFunctions is the number of functions a [Router] accepts.
const MaxFunctions = 8

// State is the device state seen by functions. It folds the USB 2.0
// chapter 9 states into the four a function can act on.
type State uint8

const (
	StateAttached   State = iota // no host
	StateDefault                 // reset, or configuration 0
	StateConfigured              // function endpoints enabled
	StateSuspended
)

var stateNames = [...]string{
	StateAttached:   "attached",
	StateDefault:    "default",
	StateConfigured: "configured",
	StateSuspended:  "suspended",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}
