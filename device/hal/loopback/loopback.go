// Package loopback implements an in-memory USB device controller with a
// host-side API.
//
// The device half satisfies [hal.Controller]. The host half ([Host]) moves
// bytes in and out of the device's outstanding transfers with USB bulk
// semantics: an IN transfer on the host ends on a full buffer, a short
// packet or a zero-length packet; an OUT transfer ends once the device has
// consumed all of it. Device completions are delivered on the host
// goroutine that moved the data.
package loopback

import (
	"fmt"
	"sync"

	"github.com/ardnew/softmsc/device/hal"
	"github.com/ardnew/softmsc/pkg"
)

type transfer struct {
	buf []byte
	off int
}

type endpoint struct {
	cfg     hal.EndpointConfig
	enabled bool
	stalled bool
	gen     uint64 // bumped on disable; host operations in progress abort
	xfer    *transfer
}

// Controller is an in-memory USB device controller.
type Controller struct {
	mu      sync.Mutex
	cond    *sync.Cond
	handler hal.Handler
	speed   hal.Speed
	eps     map[uint8]*endpoint
}

var _ hal.Controller = (*Controller)(nil)

// New creates a controller that reports the given bus speed.
func New(speed hal.Speed) *Controller {
	c := &Controller{
		speed: speed,
		eps:   make(map[uint8]*endpoint),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// SetHandler registers the completion and request sink.
func (c *Controller) SetHandler(h hal.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Speed returns the configured bus speed.
func (c *Controller) Speed() hal.Speed {
	return c.speed
}

// endpointLocked returns the state for address, creating it if needed.
func (c *Controller) endpointLocked(address uint8) *endpoint {
	ep, ok := c.eps[address]
	if !ok {
		ep = &endpoint{}
		c.eps[address] = ep
	}
	return ep
}

// EnableEndpoint enables a non-control endpoint with a clean state.
func (c *Controller) EnableEndpoint(cfg hal.EndpointConfig) error {
	if cfg.Number() == 0 || cfg.MaxPacketSize == 0 {
		return fmt.Errorf("enable %#02x: %w", cfg.Address, pkg.ErrInvalidParameter)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ep := c.endpointLocked(cfg.Address)
	ep.cfg = cfg
	ep.enabled = true
	ep.stalled = false
	ep.xfer = nil
	c.cond.Broadcast()
	pkg.LogDebug(pkg.ComponentHAL, "endpoint enabled", "ep", cfg.Address, "mps", cfg.MaxPacketSize)
	return nil
}

// DisableEndpoint disables an endpoint, cancelling its outstanding transfer.
func (c *Controller) DisableEndpoint(address uint8) error {
	c.mu.Lock()
	ep, ok := c.eps[address]
	if !ok || !ep.enabled {
		c.mu.Unlock()
		return fmt.Errorf("disable %#02x: %w", address, pkg.ErrInvalidEndpoint)
	}
	ep.enabled = false
	ep.gen++
	x := ep.xfer
	ep.xfer = nil
	h := c.handler
	c.cond.Broadcast()
	c.mu.Unlock()

	pkg.LogDebug(pkg.ComponentHAL, "endpoint disabled", "ep", address)
	if x != nil && h != nil {
		h.TransferComplete(address, x.off, pkg.TransferStatusCancelled)
	}
	return nil
}

// Read queues an OUT transfer into buf.
func (c *Controller) Read(address uint8, buf []byte) error {
	if address&hal.EndpointDirIn != 0 {
		return fmt.Errorf("read %#02x: %w", address, pkg.ErrInvalidEndpoint)
	}
	return c.submit(address, buf)
}

// Write queues an IN transfer of data.
func (c *Controller) Write(address uint8, data []byte) error {
	if address&hal.EndpointDirIn == 0 {
		return fmt.Errorf("write %#02x: %w", address, pkg.ErrInvalidEndpoint)
	}
	return c.submit(address, data)
}

func (c *Controller) submit(address uint8, buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ep, ok := c.eps[address]
	if !ok || !ep.enabled {
		return fmt.Errorf("transfer %#02x: %w", address, pkg.ErrInvalidEndpoint)
	}
	if ep.xfer != nil {
		return fmt.Errorf("transfer %#02x: %w", address, pkg.ErrBusy)
	}
	ep.xfer = &transfer{buf: buf}
	c.cond.Broadcast()
	return nil
}

// Stall halts an endpoint. An outstanding transfer stays queued until the
// host clears the halt.
func (c *Controller) Stall(address uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep, ok := c.eps[address]
	if !ok || !ep.enabled {
		return fmt.Errorf("stall %#02x: %w", address, pkg.ErrInvalidEndpoint)
	}
	ep.stalled = true
	c.cond.Broadcast()
	return nil
}

// ClearStall clears a halt condition.
func (c *Controller) ClearStall(address uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep, ok := c.eps[address]
	if !ok || !ep.enabled {
		return fmt.Errorf("clear stall %#02x: %w", address, pkg.ErrInvalidEndpoint)
	}
	ep.stalled = false
	c.cond.Broadcast()
	return nil
}

// IsStalled reports whether an endpoint is halted.
func (c *Controller) IsStalled(address uint8) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep, ok := c.eps[address]
	return ok && ep.stalled
}

// Host returns the host-side view of the controller.
func (c *Controller) Host() *Host {
	return &Host{c: c}
}
