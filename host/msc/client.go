package msc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"

	bot "github.com/ardnew/softmsc/device/class/msc"
	"github.com/ardnew/softmsc/device/class/msc/scsi"
	"github.com/ardnew/softmsc/pkg"
)

// Standard request fields used for halt recovery.
const (
	requestTypeEndpointOut = 0x02 // Standard, endpoint, host-to-device
	requestClearFeature    = 0x01
	featureEndpointHalt    = 0x00
)

// Class request types (interface recipient).
const (
	requestTypeClassOut = 0x21
	requestTypeClassIn  = 0xA1
)

// Direction is the data phase direction of a command.
type Direction uint8

// Data phase directions.
const (
	DirNone Direction = iota
	DirIn             // Device to host
	DirOut            // Host to device
)

// Command is one SCSI command and its data phase.
type Command struct {
	CDB []byte
	Dir Direction

	// Data is the buffer to fill for DirIn or the bytes to send for
	// DirOut. Its length is the CBW data transfer length.
	Data []byte
}

// Result is the outcome of a transported command.
type Result struct {
	CSW bot.CommandStatusWrapper

	// Data holds the bytes received for DirIn.
	Data []byte
}

// CommandError reports a command the device answered with a failed
// status, with the sense data fetched right after it.
type CommandError struct {
	Opcode uint8
	Sense  scsi.Sense
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("opcode %#02x: %s (sense %s)", e.Opcode, pkg.ErrCommandFailed, e.Sense)
}

// Unwrap returns [pkg.ErrCommandFailed].
func (e *CommandError) Unwrap() error { return pkg.ErrCommandFailed }

// Client issues SCSI commands to one logical unit of a Bulk-Only device.
// It is safe for concurrent use; commands are serialized.
type Client struct {
	t   Transport
	lun uint8

	mu  sync.Mutex
	tag uint32
}

// NewClient returns a client for logical unit lun reached through t.
func NewClient(t Transport, lun uint8) *Client {
	return &Client{t: t, lun: lun}
}

// LUN returns the logical unit the client addresses.
func (c *Client) LUN() uint8 { return c.lun }

// Do runs cmd through the three Bulk-Only phases. A failed status yields
// a [*CommandError]; a phase error or a malformed CSW triggers reset
// recovery and an error wrapping [pkg.ErrPhaseError] or
// [pkg.ErrInvalidCSW].
func (c *Client) Do(ctx context.Context, cmd Command) (Result, error) {
	res, err := c.transport(ctx, cmd)
	if err != nil {
		return res, err
	}
	if res.CSW.Status == bot.CSWStatusFailed {
		sense, serr := c.RequestSense(ctx)
		if serr != nil {
			return res, fmt.Errorf("opcode %#02x: %w (sense unavailable: %v)", cmd.CDB[0], pkg.ErrCommandFailed, serr)
		}
		return res, &CommandError{Opcode: cmd.CDB[0], Sense: sense}
	}
	return res, nil
}

// transport runs one command without automatic sense.
func (c *Client) transport(ctx context.Context, cmd Command) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var res Result
	if len(cmd.CDB) == 0 || len(cmd.CDB) > bot.CBWMaxCBLength {
		return res, fmt.Errorf("command length %d: %w", len(cmd.CDB), pkg.ErrInvalidParameter)
	}

	c.tag++
	tag := c.tag
	length := uint32(0)
	if cmd.Dir != DirNone {
		length = uint32(len(cmd.Data))
	}
	var wrapper [bot.CBWSize]byte
	bot.NewCBW(tag, c.lun, length, cmd.Dir == DirIn, cmd.CDB).MarshalTo(wrapper[:])

	pkg.LogDebug(pkg.ComponentHost, "sending CBW",
		"tag", tag, "opcode", cmd.CDB[0], "length", length, "lun", c.lun)
	if _, err := c.t.BulkOut(ctx, wrapper[:]); err != nil {
		return res, multierror.Append(fmt.Errorf("CBW: %w", err), c.recover(ctx))
	}

	switch {
	case cmd.Dir == DirIn && length > 0:
		n, err := c.t.BulkIn(ctx, cmd.Data)
		res.Data = cmd.Data[:n]
		if err := c.dataError(ctx, err, true); err != nil {
			return res, err
		}
	case cmd.Dir == DirOut && length > 0:
		_, err := c.t.BulkOut(ctx, cmd.Data)
		if err := c.dataError(ctx, err, false); err != nil {
			return res, err
		}
	}

	csw, err := c.readCSW(ctx)
	if err != nil {
		return res, multierror.Append(err, c.recover(ctx))
	}
	res.CSW = csw
	if csw.Tag != tag {
		err := fmt.Errorf("CSW tag %d, want %d: %w", csw.Tag, tag, pkg.ErrInvalidCSW)
		return res, multierror.Append(err, c.recover(ctx))
	}
	if csw.DataResidue > length {
		err := fmt.Errorf("CSW residue %d exceeds %d: %w", csw.DataResidue, length, pkg.ErrInvalidCSW)
		return res, multierror.Append(err, c.recover(ctx))
	}

	pkg.LogDebug(pkg.ComponentHost, "CSW received",
		"tag", csw.Tag, "residue", csw.DataResidue, "status", bot.CSWStatusString(csw.Status))
	if csw.Status == bot.CSWStatusPhaseError {
		err := fmt.Errorf("opcode %#02x: %w", cmd.CDB[0], pkg.ErrPhaseError)
		return res, multierror.Append(err, c.recover(ctx))
	}
	return res, nil
}

// dataError clears a halted data pipe. Anything else is fatal.
func (c *Client) dataError(ctx context.Context, err error, in bool) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pkg.ErrStall) {
		pkg.LogDebug(pkg.ComponentHost, "data phase stalled", "in", in)
		if cerr := c.t.ClearHalt(ctx, in); cerr != nil {
			return fmt.Errorf("clear halt: %w", cerr)
		}
		return nil
	}
	return multierror.Append(fmt.Errorf("data phase: %w", err), c.recover(ctx))
}

// readCSW reads the status wrapper, retrying once after a halt.
func (c *Client) readCSW(ctx context.Context) (bot.CommandStatusWrapper, error) {
	var (
		csw bot.CommandStatusWrapper
		buf [bot.CSWSize]byte
	)
	n, err := c.t.BulkIn(ctx, buf[:])
	if errors.Is(err, pkg.ErrStall) {
		if err := c.t.ClearHalt(ctx, true); err != nil {
			return csw, fmt.Errorf("clear halt: %w", err)
		}
		n, err = c.t.BulkIn(ctx, buf[:])
	}
	if err != nil {
		return csw, fmt.Errorf("CSW: %w", err)
	}
	if err := bot.ParseCSW(buf[:n], &csw); err != nil {
		return csw, err
	}
	return csw, nil
}

// recover performs Bulk-Only reset recovery: a class reset followed by
// clearing both bulk halts.
func (c *Client) recover(ctx context.Context) error {
	pkg.LogWarn(pkg.ComponentHost, "reset recovery", "interface", c.t.Interface())
	var errs error
	if err := c.reset(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	for _, in := range []bool{true, false} {
		if err := c.t.ClearHalt(ctx, in); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("clear halt: %w", err))
		}
	}
	return errs
}

func (c *Client) reset(ctx context.Context) error {
	_, err := c.t.Control(ctx, requestTypeClassOut, bot.RequestBulkOnlyMassStorageReset, 0, uint16(c.t.Interface()), nil)
	if err != nil {
		return fmt.Errorf("mass storage reset: %w", err)
	}
	return nil
}

// Reset sends Bulk-Only Mass Storage Reset and clears both bulk halts.
func (c *Client) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recover(ctx)
}

// MaxLUN sends Get Max LUN. A device that stalls the request has a
// single logical unit.
func (c *Client) MaxLUN(ctx context.Context) (uint8, error) {
	var data [1]byte
	n, err := c.t.Control(ctx, requestTypeClassIn, bot.RequestGetMaxLUN, 0, uint16(c.t.Interface()), data[:])
	switch {
	case errors.Is(err, pkg.ErrStall):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("get max lun: %w", err)
	case n != 1:
		return 0, fmt.Errorf("get max lun: %d bytes: %w", n, pkg.ErrProtocol)
	}
	return data[0], nil
}
