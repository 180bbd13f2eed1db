package device

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ardnew/softmsc/device/hal"
	"github.com/ardnew/softmsc/pkg"
)

// Router dispatches controller events to registered functions. It is the
// [hal.Handler] installed on the controller: bulk completions are routed by
// endpoint address, class requests by interface number, and bus events
// drive the device state machine.
type Router struct {
	ctrl hal.Controller

	mu          sync.RWMutex
	state       State
	resumeState State
	config      uint8
	enabled     bool
	funcs       []Function
	byIface     map[uint8]Function
	byEndpoint  map[uint8]Function
}

var _ hal.Handler = (*Router)(nil)

// NewRouter creates a router and installs it as ctrl's handler.
func NewRouter(ctrl hal.Controller) *Router {
	r := &Router{
		ctrl:       ctrl,
		state:      StateDefault,
		byIface:    make(map[uint8]Function),
		byEndpoint: make(map[uint8]Function),
	}
	ctrl.SetHandler(r)
	return r
}

// Register adds a function. Its interface number and endpoint addresses
// must not collide with a function already registered.
func (r *Router) Register(f Function) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.funcs) >= MaxFunctions {
		return fmt.Errorf("register interface %d: %w", f.InterfaceNumber(), pkg.ErrInvalidParameter)
	}
	if _, dup := r.byIface[f.InterfaceNumber()]; dup {
		return fmt.Errorf("register interface %d: %w", f.InterfaceNumber(), pkg.ErrBusy)
	}
	for _, ep := range f.Endpoints() {
		if _, dup := r.byEndpoint[ep.Address]; dup || ep.Number() == 0 {
			return fmt.Errorf("register endpoint %#02x: %w", ep.Address, pkg.ErrInvalidEndpoint)
		}
	}

	r.funcs = append(r.funcs, f)
	r.byIface[f.InterfaceNumber()] = f
	for _, ep := range f.Endpoints() {
		r.byEndpoint[ep.Address] = f
	}
	pkg.LogDebug(pkg.ComponentDevice, "function registered",
		"interface", f.InterfaceNumber(),
		"endpoints", len(f.Endpoints()))
	return nil
}

// State returns the current device state.
func (r *Router) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Configuration returns the active configuration value (0 if none).
func (r *Router) Configuration() uint8 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config
}

// TransferComplete implements [hal.Handler].
func (r *Router) TransferComplete(address uint8, n int, status pkg.TransferStatus) {
	r.mu.RLock()
	f := r.byEndpoint[address]
	r.mu.RUnlock()

	if f == nil {
		pkg.LogWarn(pkg.ComponentDevice, "completion on unowned endpoint", "ep", address)
		return
	}
	f.TransferComplete(address, n, status)
}

// ControlRequest implements [hal.Handler].
func (r *Router) ControlRequest(setup *hal.SetupPacket, data []byte) (int, error) {
	pkg.LogDebug(pkg.ComponentDevice, "setup received", "request", setup.String())

	if setup.IsStandard() {
		return r.standardRequest(setup, data)
	}
	if setup.IsInterfaceRecipient() {
		r.mu.RLock()
		f := r.byIface[setup.InterfaceNumber()]
		r.mu.RUnlock()
		if f != nil {
			return f.HandleSetup(setup, data)
		}
	}
	return 0, fmt.Errorf("%s: %w", setup.String(), pkg.ErrInvalidRequest)
}

func (r *Router) standardRequest(setup *hal.SetupPacket, data []byte) (int, error) {
	switch setup.Request {
	case hal.RequestSetConfiguration:
		r.mu.Lock()
		r.config = uint8(setup.Value)
		r.mu.Unlock()
		if setup.Value == 0 {
			r.setState(StateDefault)
		} else {
			r.setState(StateConfigured)
		}
		return 0, nil

	case hal.RequestGetConfiguration:
		if len(data) < 1 {
			return 0, pkg.ErrInvalidRequest
		}
		data[0] = r.Configuration()
		return 1, nil

	case hal.RequestGetInterface:
		if len(data) < 1 {
			return 0, pkg.ErrInvalidRequest
		}
		data[0] = 0
		return 1, nil

	case hal.RequestGetStatus:
		if len(data) < 2 {
			return 0, pkg.ErrInvalidRequest
		}
		var status uint16
		if setup.IsEndpointRecipient() && r.ctrl.IsStalled(setup.EndpointAddress()) {
			status = 1
		}
		binary.LittleEndian.PutUint16(data, status)
		return 2, nil

	case hal.RequestClearFeature, hal.RequestSetFeature:
		if !setup.IsEndpointRecipient() || setup.Value != hal.FeatureEndpointHalt {
			return 0, pkg.ErrInvalidRequest
		}
		addr := setup.EndpointAddress()
		r.mu.RLock()
		_, owned := r.byEndpoint[addr]
		r.mu.RUnlock()
		if !owned {
			return 0, pkg.ErrInvalidEndpoint
		}
		if setup.Request == hal.RequestSetFeature {
			return 0, r.ctrl.Stall(addr)
		}
		return 0, r.ctrl.ClearStall(addr)
	}
	return 0, fmt.Errorf("%s: %w", setup.String(), pkg.ErrInvalidRequest)
}

// BusEvent implements [hal.Handler].
func (r *Router) BusEvent(event hal.Event) {
	pkg.LogDebug(pkg.ComponentDevice, "bus event", "event", event.String())

	switch event {
	case hal.EventReset, hal.EventDeconfigured:
		r.mu.Lock()
		r.config = 0
		r.mu.Unlock()
		r.setState(StateDefault)
	case hal.EventConfigured:
		r.mu.Lock()
		if r.config == 0 {
			r.config = 1
		}
		r.mu.Unlock()
		r.setState(StateConfigured)
	case hal.EventSuspended:
		r.mu.Lock()
		if r.state != StateSuspended {
			r.resumeState = r.state
		}
		r.mu.Unlock()
		r.setState(StateSuspended)
	case hal.EventResumed:
		r.mu.RLock()
		resume := r.resumeState
		suspended := r.state == StateSuspended
		r.mu.RUnlock()
		if suspended {
			r.setState(resume)
		}
	case hal.EventDisconnected:
		r.mu.Lock()
		r.config = 0
		r.mu.Unlock()
		r.setState(StateAttached)
	}
}

// setState performs a transition, enabling or disabling function endpoints
// and notifying every function. No lock is held while functions run.
func (r *Router) setState(next State) {
	r.mu.Lock()
	old := r.state
	r.state = next
	enable := next == StateConfigured && !r.enabled
	disable := (next == StateDefault || next == StateAttached) && r.enabled
	if enable {
		r.enabled = true
	}
	if disable {
		r.enabled = false
	}
	funcs := append([]Function(nil), r.funcs...)
	r.mu.Unlock()

	if old == next {
		return
	}
	pkg.LogInfo(pkg.ComponentDevice, "state changed", "from", old.String(), "to", next.String())

	for _, f := range funcs {
		for _, ep := range f.Endpoints() {
			var err error
			switch {
			case enable:
				err = r.ctrl.EnableEndpoint(ep)
			case disable:
				err = r.ctrl.DisableEndpoint(ep.Address)
			}
			if err != nil {
				pkg.LogWarn(pkg.ComponentDevice, "endpoint transition failed",
					"ep", ep.Address, "error", err)
			}
		}
	}
	for _, f := range funcs {
		f.StateChanged(old, next)
	}
}
