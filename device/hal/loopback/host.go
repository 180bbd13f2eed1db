package loopback

import (
	"context"
	"fmt"

	"github.com/ardnew/softmsc/device/hal"
	"github.com/ardnew/softmsc/pkg"
)

// Standard request fields used by the host helpers.
const (
	requestClearFeature     = 0x01
	requestSetConfiguration = 0x09
	recipientEndpoint       = 0x02
	featureEndpointHalt     = 0x00
)

// Host drives a [Controller] from the bus side.
type Host struct {
	c *Controller
}

func (h *Host) handler() (hal.Handler, error) {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	if h.c.handler == nil {
		return nil, pkg.ErrNotConfigured
	}
	return h.c.handler, nil
}

// Control performs a control transfer on endpoint 0. For device-to-host
// requests data receives the response; the returned count is its length.
// A request the device rejects fails with [pkg.ErrStall].
func (h *Host) Control(ctx context.Context, setup hal.SetupPacket, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	handler, err := h.handler()
	if err != nil {
		return 0, err
	}
	if int(setup.Length) < len(data) {
		data = data[:setup.Length]
	}
	n, err := handler.ControlRequest(&setup, data)
	if err != nil {
		return 0, fmt.Errorf("control request %#02x: %w (%v)", setup.Request, pkg.ErrStall, err)
	}
	return n, nil
}

// Configure selects configuration value (0 deconfigures).
func (h *Host) Configure(ctx context.Context, value uint8) error {
	_, err := h.Control(ctx, hal.SetupPacket{
		Request: requestSetConfiguration,
		Value:   uint16(value),
	}, nil)
	return err
}

// ClearHalt sends CLEAR_FEATURE(ENDPOINT_HALT) for address.
func (h *Host) ClearHalt(ctx context.Context, address uint8) error {
	_, err := h.Control(ctx, hal.SetupPacket{
		RequestType: recipientEndpoint,
		Request:     requestClearFeature,
		Value:       featureEndpointHalt,
		Index:       uint16(address),
	}, nil)
	return err
}

// BusReset signals a bus reset to the device.
func (h *Host) BusReset() { h.event(hal.EventReset) }

// Suspend signals bus suspend.
func (h *Host) Suspend() { h.event(hal.EventSuspended) }

// Resume signals bus resume.
func (h *Host) Resume() { h.event(hal.EventResumed) }

// Disconnect signals cable removal.
func (h *Host) Disconnect() { h.event(hal.EventDisconnected) }

func (h *Host) event(e hal.Event) {
	if handler, err := h.handler(); err == nil {
		handler.BusEvent(e)
	}
}

// wait blocks until the endpoint has an outstanding device transfer. It
// returns an error if ctx ends, the endpoint halts, or it is disabled
// after the operation started.
func (h *Host) wait(ctx context.Context, ep *endpoint, started *bool, gen *uint64) error {
	c := h.c
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if *started && ep.gen != *gen {
			return pkg.ErrCancelled
		}
		if ep.enabled {
			if !*started {
				*started, *gen = true, ep.gen
			}
			if ep.stalled {
				return pkg.ErrStall
			}
			if ep.xfer != nil {
				return nil
			}
		}
		c.cond.Wait()
	}
}

func (h *Host) wake() {
	h.c.mu.Lock()
	h.c.cond.Broadcast()
	h.c.mu.Unlock()
}

// BulkOut sends data to an OUT endpoint and returns once the device has
// consumed all of it. An empty data sends a zero-length packet.
func (h *Host) BulkOut(ctx context.Context, address uint8, data []byte) (int, error) {
	c := h.c
	stop := context.AfterFunc(ctx, h.wake)
	defer stop()

	c.mu.Lock()
	ep := c.endpointLocked(address)
	var (
		started bool
		gen     uint64
		off     int
	)
	for {
		if err := h.wait(ctx, ep, &started, &gen); err != nil {
			c.mu.Unlock()
			return off, fmt.Errorf("bulk out %#02x: %w", address, err)
		}
		x := ep.xfer
		var n int
		if len(x.buf) == 0 {
			off = len(data)
		} else {
			n = copy(x.buf, data[off:])
			off += n
		}
		ep.xfer = nil
		handler := c.handler
		c.mu.Unlock()

		if handler != nil {
			handler.TransferComplete(address, n, pkg.TransferStatusSuccess)
		}
		if off >= len(data) {
			return off, nil
		}
		c.mu.Lock()
	}
}

// BulkIn receives from an IN endpoint into buf. It returns when buf is
// full or the device ends its transfer with a short or zero-length packet.
func (h *Host) BulkIn(ctx context.Context, address uint8, buf []byte) (int, error) {
	c := h.c
	stop := context.AfterFunc(ctx, h.wake)
	defer stop()

	c.mu.Lock()
	ep := c.endpointLocked(address)
	var (
		started bool
		gen     uint64
		n       int
	)
	for {
		if err := h.wait(ctx, ep, &started, &gen); err != nil {
			c.mu.Unlock()
			return n, fmt.Errorf("bulk in %#02x: %w", address, err)
		}
		x := ep.xfer
		moved := copy(buf[n:], x.buf[x.off:])
		x.off += moved
		n += moved

		done := x.off == len(x.buf)
		short := false
		if done {
			ep.xfer = nil
			mps := int(ep.cfg.MaxPacketSize)
			short = len(x.buf) == 0 || len(x.buf)%mps != 0
		}
		handler := c.handler
		c.mu.Unlock()

		if done && handler != nil {
			handler.TransferComplete(address, len(x.buf), pkg.TransferStatusSuccess)
		}
		if short || n == len(buf) {
			return n, nil
		}
		c.mu.Lock()
	}
}
