package msc

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/gousb"
	"github.com/hashicorp/go-multierror"

	bot "github.com/ardnew/softmsc/device/class/msc"
	"github.com/ardnew/softmsc/device/hal"
	"github.com/ardnew/softmsc/device/hal/loopback"
	"github.com/ardnew/softmsc/pkg"
)

// Transport is the bus access a [Client] needs: the bulk pipe pair of one
// mass-storage interface and the default control pipe. Stalls are
// reported as errors wrapping [pkg.ErrStall].
type Transport interface {
	// Interface returns the bInterfaceNumber class requests address.
	Interface() uint8

	BulkOut(ctx context.Context, data []byte) (int, error)
	BulkIn(ctx context.Context, buf []byte) (int, error)

	// ClearHalt clears a halt on the IN (in set) or OUT bulk endpoint.
	ClearHalt(ctx context.Context, in bool) error

	Control(ctx context.Context, requestType, request uint8, value, index uint16, data []byte) (int, error)
}

// Loopback is a [Transport] over an in-process loopback controller.
type Loopback struct {
	Host  *loopback.Host
	Iface uint8
	In    uint8
	Out   uint8
}

var _ Transport = (*Loopback)(nil)

// Interface implements [Transport].
func (l *Loopback) Interface() uint8 { return l.Iface }

// BulkOut implements [Transport].
func (l *Loopback) BulkOut(ctx context.Context, data []byte) (int, error) {
	return l.Host.BulkOut(ctx, l.Out, data)
}

// BulkIn implements [Transport].
func (l *Loopback) BulkIn(ctx context.Context, buf []byte) (int, error) {
	return l.Host.BulkIn(ctx, l.In, buf)
}

// ClearHalt implements [Transport].
func (l *Loopback) ClearHalt(ctx context.Context, in bool) error {
	if in {
		return l.Host.ClearHalt(ctx, l.In)
	}
	return l.Host.ClearHalt(ctx, l.Out)
}

// Control implements [Transport].
func (l *Loopback) Control(ctx context.Context, requestType, request uint8, value, index uint16, data []byte) (int, error) {
	return l.Host.Control(ctx, hal.SetupPacket{
		RequestType: requestType,
		Request:     request,
		Value:       value,
		Index:       index,
		Length:      uint16(len(data)),
	}, data)
}

// USB is a [Transport] over a real device's mass-storage interface.
type USB struct {
	dev   *gousb.Device
	cfg   *gousb.Config
	intf  *gousb.Interface
	num   uint8
	in    *gousb.InEndpoint
	out   *gousb.OutEndpoint
	inEP  uint8
	outEP uint8
}

var _ Transport = (*USB)(nil)

// OpenUSB claims the first Bulk-Only mass-storage interface of dev's
// active configuration, detaching the kernel driver.
func OpenUSB(dev *gousb.Device) (*USB, error) {
	if err := dev.SetAutoDetach(true); err != nil {
		return nil, fmt.Errorf("auto detach: %w", err)
	}
	cfgNum, err := dev.ActiveConfigNum()
	if err != nil {
		return nil, fmt.Errorf("active config: %w", err)
	}
	desc, ok := dev.Desc.Configs[cfgNum]
	if !ok {
		return nil, fmt.Errorf("config %d: %w", cfgNum, pkg.ErrNotConfigured)
	}

	for _, ifd := range desc.Interfaces {
		if len(ifd.AltSettings) == 0 {
			continue
		}
		alt := ifd.AltSettings[0]
		if !IsBulkOnly(alt) {
			continue
		}

		u := &USB{dev: dev, num: uint8(ifd.Number)}
		var in, out *gousb.EndpointDesc
		for _, ep := range alt.Endpoints {
			if ep.TransferType != gousb.TransferTypeBulk {
				continue
			}
			ep := ep
			switch ep.Direction {
			case gousb.EndpointDirectionIn:
				in = &ep
			case gousb.EndpointDirectionOut:
				out = &ep
			}
		}
		if in == nil || out == nil {
			return nil, fmt.Errorf("interface %d: missing bulk endpoint: %w", ifd.Number, pkg.ErrInvalidEndpoint)
		}

		if u.cfg, err = dev.Config(cfgNum); err != nil {
			return nil, fmt.Errorf("claim config %d: %w", cfgNum, err)
		}
		if u.intf, err = u.cfg.Interface(ifd.Number, alt.Alternate); err != nil {
			return nil, multierror.Append(fmt.Errorf("claim interface %d: %w", ifd.Number, err), u.Close())
		}
		if u.in, err = u.intf.InEndpoint(in.Number); err != nil {
			return nil, multierror.Append(fmt.Errorf("IN endpoint: %w", err), u.Close())
		}
		if u.out, err = u.intf.OutEndpoint(out.Number); err != nil {
			return nil, multierror.Append(fmt.Errorf("OUT endpoint: %w", err), u.Close())
		}
		u.inEP, u.outEP = uint8(in.Address), uint8(out.Address)
		pkg.LogDebug(pkg.ComponentHost, "mass-storage interface claimed",
			"interface", ifd.Number, "in", u.inEP, "out", u.outEP, "mps", in.MaxPacketSize)
		return u, nil
	}
	return nil, fmt.Errorf("no Bulk-Only mass-storage interface: %w", pkg.ErrInvalidParameter)
}

// Interface implements [Transport].
func (u *USB) Interface() uint8 { return u.num }

// BulkOut implements [Transport].
func (u *USB) BulkOut(ctx context.Context, data []byte) (int, error) {
	n, err := u.out.WriteContext(ctx, data)
	return n, usbError(err)
}

// BulkIn implements [Transport].
func (u *USB) BulkIn(ctx context.Context, buf []byte) (int, error) {
	n, err := u.in.ReadContext(ctx, buf)
	return n, usbError(err)
}

// ClearHalt implements [Transport].
func (u *USB) ClearHalt(ctx context.Context, in bool) error {
	addr := u.outEP
	if in {
		addr = u.inEP
	}
	_, err := u.Control(ctx, requestTypeEndpointOut, requestClearFeature, featureEndpointHalt, uint16(addr), nil)
	return err
}

// Control implements [Transport].
func (u *USB) Control(ctx context.Context, requestType, request uint8, value, index uint16, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n, err := u.dev.Control(requestType, request, value, index, data)
	return n, usbError(err)
}

// Close releases the interface and configuration. The device stays open.
func (u *USB) Close() error {
	var errs error
	if u.intf != nil {
		u.intf.Close()
		u.intf = nil
	}
	if u.cfg != nil {
		if err := u.cfg.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close config: %w", err))
		}
		u.cfg = nil
	}
	return errs
}

func usbError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gousb.ErrorPipe), errors.Is(err, gousb.TransferStall):
		return fmt.Errorf("%w (%v)", pkg.ErrStall, err)
	case errors.Is(err, gousb.ErrorTimeout), errors.Is(err, gousb.TransferTimedOut):
		return fmt.Errorf("%w (%v)", pkg.ErrTimeout, err)
	}
	return err
}

// IsBulkOnly reports whether alt is a Bulk-Only SCSI mass-storage setting.
func IsBulkOnly(alt gousb.InterfaceSetting) bool {
	return alt.Class == gousb.Class(bot.ClassMassStorage) &&
		alt.SubClass == gousb.Class(bot.SubclassSCSI) &&
		alt.Protocol == gousb.Protocol(bot.ProtocolBulkOnly)
}
