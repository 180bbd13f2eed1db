package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/gousb"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	bot "github.com/ardnew/softmsc/device/class/msc"
	hostmsc "github.com/ardnew/softmsc/host/msc"
	"github.com/ardnew/softmsc/pkg/usbid"
)

var (
	probeVID     string
	probePID     string
	probeTimeout time.Duration
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Identify Bulk-Only mass-storage devices over libusb",
	Long: `Opens every attached device exposing a Bulk-Only mass-storage interface, or
only the one matching --vid/--pid, and reports the identity and capacity of
each logical unit. The kernel driver is detached while the device is probed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var vid, pid uint64
		var err error
		if probeVID != "" {
			if vid, err = parseNumber(probeVID, 16); err != nil {
				return fmt.Errorf("invalid vendor ID: %w", err)
			}
		}
		if probePID != "" {
			if pid, err = parseNumber(probePID, 16); err != nil {
				return fmt.Errorf("invalid product ID: %w", err)
			}
		}

		uctx, err := newContext()
		if err != nil {
			return fmt.Errorf("failed to initialize USB: %w", err)
		}
		defer uctx.Close()

		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		defer cancel()
		return probe(ctx, uctx, gousb.ID(vid), gousb.ID(pid), cmd.OutOrStdout())
	},
}

func init() {
	probeCmd.Flags().StringVar(&probeVID, "vid", "", "Only probe this vendor ID")
	probeCmd.Flags().StringVar(&probePID, "pid", "", "Only probe this product ID (with --vid)")
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", 10*time.Second, "Probe timeout")
}

// newContext initializes libusb, which panics when it cannot.
func newContext() (*gousb.Context, error) {
	resC := make(chan *gousb.Context)
	errC := make(chan error)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				errC <- fmt.Errorf("%v", r)
			}
		}()

		resC <- gousb.NewContext()
	}()

	select {
	case err := <-errC:
		return nil, err
	case res := <-resC:
		return res, nil
	}
}

// massStorageSetting returns the first Bulk-Only mass-storage interface
// setting of desc in any configuration.
func massStorageSetting(desc *gousb.DeviceDesc) (gousb.InterfaceSetting, bool) {
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if hostmsc.IsBulkOnly(alt) {
					return alt, true
				}
			}
		}
	}
	return gousb.InterfaceSetting{}, false
}

func probe(ctx context.Context, uctx *gousb.Context, vid, pid gousb.ID, out io.Writer) error {
	devs, err := uctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if vid != 0 && (desc.Vendor != vid || (pid != 0 && desc.Product != pid)) {
			return false
		}
		_, ok := massStorageSetting(desc)
		return ok
	})
	var errs error
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()
	if len(devs) == 0 {
		if errs == nil {
			return fmt.Errorf("no mass-storage device found")
		}
		return errs
	}

	db := usbid.New()
	db.Load()
	for _, d := range devs {
		v, p := uint16(d.Desc.Vendor), uint16(d.Desc.Product)
		fmt.Fprintf(out, "%04x:%04x bus %d address %d: %s %s\n",
			v, p, d.Desc.Bus, d.Desc.Address, name(db.LookupVendor(v)), name(db.LookupProduct(v, p)))
		if alt, ok := massStorageSetting(d.Desc); ok {
			fmt.Fprintf(out, "  interface %d: %s\n", alt.Number,
				name(db.LookupClass(uint8(alt.Class), uint8(alt.SubClass), uint8(alt.Protocol))))
		}
		if err := probeDevice(ctx, d, out); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%04x:%04x: %w", v, p, err))
		}
	}
	return errs
}

func name(s string) string {
	if s == "" {
		return "(unknown)"
	}
	return s
}

func probeDevice(ctx context.Context, d *gousb.Device, out io.Writer) (err error) {
	u, err := hostmsc.OpenUSB(d)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := u.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}()

	maxLUN, err := hostmsc.NewClient(u, 0).MaxLUN(ctx)
	if err != nil {
		return err
	}
	if int(maxLUN) >= bot.MaxLUNs {
		return fmt.Errorf("max lun %d out of range", maxLUN)
	}
	var errs error
	for lun := uint8(0); lun <= maxLUN; lun++ {
		if err := probeLUN(ctx, hostmsc.NewClient(u, lun), out); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("lun %d: %w", lun, err))
		}
	}
	return errs
}

func probeLUN(ctx context.Context, c *hostmsc.Client, out io.Writer) error {
	inq, err := c.Inquiry(ctx)
	if err != nil {
		return err
	}
	removable := ""
	if inq.Removable {
		removable = ", removable"
	}
	fmt.Fprintf(out, "  lun %d: %s (type %#02x%s)\n", c.LUN(), inq, inq.DeviceType, removable)

	if err := c.TestUnitReady(ctx); err != nil {
		fmt.Fprintf(out, "    not ready: %v\n", err)
		return nil
	}
	capacity, err := c.ReadCapacity10(ctx)
	if err == nil && capacity.Blocks > 0xFFFFFFFF {
		capacity, err = c.ReadCapacity16(ctx)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "    %d blocks of %d bytes (%.1f MiB)\n",
		capacity.Blocks, capacity.BlockLength, float64(capacity.Bytes())/(1<<20))
	return nil
}
