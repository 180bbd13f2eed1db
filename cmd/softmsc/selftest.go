package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softmsc/device"
	"github.com/ardnew/softmsc/device/class/msc"
	"github.com/ardnew/softmsc/device/class/msc/scsi"
	"github.com/ardnew/softmsc/device/class/msc/storage"
	"github.com/ardnew/softmsc/device/hal"
	"github.com/ardnew/softmsc/device/hal/loopback"
	hostmsc "github.com/ardnew/softmsc/host/msc"
	"github.com/ardnew/softmsc/pkg"
	"github.com/ardnew/softmsc/pkg/prof"
)

// maxTransferBlocks bounds one READ(10)/WRITE(10) issued by the self test.
const maxTransferBlocks = 128

type selfTestOptions struct {
	image     string
	direct    bool
	sectors   uint64
	blockSize int
	depth     int
	key       string
	passes    int
	timeout   time.Duration
	save      string
}

var (
	selfTest   selfTestOptions
	cpuProfile string
	memProfile string
)

var selfTestCmd = &cobra.Command{
	Use:   "selftest [image]",
	Short: "Run a Bulk-Only self test against an in-process device",
	Long: `Serves a RAM disk, or the given image, through the mass-storage function on
a loopback controller and drives it with the host-side client: identification,
capacity, write/read/verify round trips, error sense and reset recovery.

Data written by the test is restored afterwards. Images ending in .xz are
loaded into memory; other images are served from memory unless --direct is
given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			selfTest.image = args[0]
		}
		p, err := prof.Start(prof.Options{CPU: cpuProfile, Heap: memProfile})
		if err != nil {
			return fmt.Errorf("could not start profiling: %w", err)
		}
		err = runSelfTest(cmd.Context(), selfTest, cmd.OutOrStdout())
		if perr := p.Stop(); perr != nil {
			err = multierror.Append(err, perr)
		}
		return err
	},
}

func init() {
	flags := selfTestCmd.Flags()
	flags.BoolVar(&selfTest.direct, "direct", false, "Serve an uncompressed image from its file instead of memory")
	flags.Uint64Var(&selfTest.sectors, "sectors", 2048, "RAM disk size in 512-byte sectors")
	flags.IntVar(&selfTest.blockSize, "block", msc.DefaultBlockSize, "Transfer buffer size in bytes")
	flags.IntVar(&selfTest.depth, "depth", msc.DefaultQueueDepth, "Number of transfer buffers")
	flags.StringVar(&selfTest.key, "key", "", "Hex AES-XTS key (32 or 64 bytes) to encrypt the medium")
	flags.IntVarP(&selfTest.passes, "passes", "n", 1, "Throughput passes over the test region")
	flags.DurationVar(&selfTest.timeout, "timeout", 30*time.Second, "Overall test timeout")
	flags.StringVar(&selfTest.save, "save", "", "Write the memory-backed medium to this path afterwards")
	flags.StringVar(&cpuProfile, "cpuprofile", "", "Write a CPU profile to this file")
	flags.StringVar(&memProfile, "memprofile", "", "Write a heap profile to this file")
}

// openBackend returns the medium under test, the memory disk behind it if
// there is one, and a function releasing it.
func openBackend(ctx context.Context, opts selfTestOptions) (storage.Backend, *storage.Memory, func() error, error) {
	desc := storage.NewDescriptor("SoftMSC", "Self Test", "0100")
	nop := func() error { return nil }

	var (
		backend storage.Backend
		mem     *storage.Memory
		release = nop
	)
	switch {
	case opts.image == "":
		mem = storage.NewMemory(desc, opts.sectors, sectorSize)
		backend = mem
	case opts.direct && !strings.HasSuffix(opts.image, ".xz"):
		f, err := storage.OpenFile(ctx, opts.image, desc, storage.FileOptions{SectorSize: sectorSize})
		if err != nil {
			return nil, nil, nil, err
		}
		backend, release = f, f.Close
	default:
		m, err := storage.LoadImage(opts.image, desc, sectorSize)
		if err != nil {
			return nil, nil, nil, err
		}
		mem, backend = m, m
	}

	if opts.key != "" {
		key, err := hex.DecodeString(opts.key)
		if err != nil {
			return nil, nil, nil, multierror.Append(fmt.Errorf("invalid key: %w", err), release())
		}
		c, err := storage.NewCipher(backend, key)
		if err != nil {
			return nil, nil, nil, multierror.Append(err, release())
		}
		backend = c
	}
	return backend, mem, release, nil
}

// runSelfTest serves the medium described by opts and runs the host
// checks against it, writing one line per check to out.
func runSelfTest(ctx context.Context, opts selfTestOptions, out io.Writer) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	backend, mem, release, err := openBackend(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := release(); rerr != nil {
			err = multierror.Append(err, rerr)
		}
	}()

	ctrl := loopback.New(hal.SpeedHigh)
	router := device.NewRouter(ctrl)
	cfg := msc.DefaultConfig()
	cfg.BlockSize = opts.blockSize
	cfg.QueueDepth = opts.depth
	fn, err := msc.New(ctrl, cfg, backend)
	if err != nil {
		return err
	}
	if err := router.Register(fn); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := fn.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()
		tctx, done := context.WithTimeout(gctx, opts.timeout)
		defer done()
		return exercise(tctx, ctrl.Host(), cfg, opts.passes, out)
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if opts.save != "" {
		if mem == nil {
			return fmt.Errorf("--save needs a memory-backed medium: %w", pkg.ErrInvalidParameter)
		}
		if err := storage.SaveImage(opts.save, mem); err != nil {
			return err
		}
	}
	return nil
}

// checker runs named checks, reporting each and collecting failures.
type checker struct {
	out  io.Writer
	errs error
}

func (k *checker) run(name string, fn func() error) bool {
	if err := fn(); err != nil {
		fmt.Fprintf(k.out, "FAIL %s: %v\n", name, err)
		k.errs = multierror.Append(k.errs, fmt.Errorf("%s: %w", name, err))
		return false
	}
	fmt.Fprintf(k.out, "ok   %s\n", name)
	return true
}

// expectSense checks that err is a failed command with the given sense.
func expectSense(err error, want scsi.Sense) error {
	var cerr *hostmsc.CommandError
	if !errors.As(err, &cerr) {
		return fmt.Errorf("got %v, want sense %s", err, want)
	}
	if cerr.Sense != want {
		return fmt.Errorf("sense %s, want %s", cerr.Sense, want)
	}
	return nil
}

func exercise(ctx context.Context, host *loopback.Host, cfg msc.Config, passes int, out io.Writer) error {
	if err := host.Configure(ctx, 1); err != nil {
		return fmt.Errorf("configure: %w", err)
	}
	tr := &hostmsc.Loopback{Host: host, Iface: cfg.InterfaceNumber, In: cfg.EndpointIn, Out: cfg.EndpointOut}
	c := hostmsc.NewClient(tr, 0)
	k := &checker{out: out}

	k.run("get max lun", func() error {
		n, err := c.MaxLUN(ctx)
		if err == nil && n != 0 {
			err = fmt.Errorf("max lun %d", n)
		}
		return err
	})
	k.run("test unit ready", func() error { return c.TestUnitReady(ctx) })
	k.run("inquiry", func() error {
		inq, err := c.Inquiry(ctx)
		if err == nil {
			fmt.Fprintf(out, "     %s\n", inq)
		}
		return err
	})

	var capacity hostmsc.Capacity
	ok := k.run("read capacity", func() error {
		var err error
		if capacity, err = c.ReadCapacity10(ctx); err != nil {
			return err
		}
		if capacity.Blocks > 0xFFFFFFFF {
			capacity, err = c.ReadCapacity16(ctx)
		}
		if err == nil {
			fmt.Fprintf(out, "     %d blocks of %d bytes\n", capacity.Blocks, capacity.BlockLength)
		}
		return err
	})
	if !ok || capacity.Blocks == 0 || capacity.BlockLength == 0 {
		return k.errs
	}

	// The test region is the end of the medium, addressable by READ(10).
	count := uint64(maxTransferBlocks)
	if capacity.Blocks < count {
		count = capacity.Blocks
	}
	end := capacity.Blocks
	if end > 0xFFFFFFFF {
		end = 0xFFFFFFFF
	}
	lba := uint32(end - count)
	n, size := uint16(count), capacity.BlockLength

	original, err := c.Read10(ctx, lba, n, size)
	if err != nil {
		return multierror.Append(k.errs, fmt.Errorf("save test region: %w", err))
	}
	data := make([]byte, len(original))
	if _, err := rand.Read(data); err != nil {
		return multierror.Append(k.errs, err)
	}

	k.run("write/read round trip", func() error {
		start := time.Now()
		for i := 0; i < passes; i++ {
			if err := c.Write10(ctx, lba, data, size); err != nil {
				return err
			}
			got, err := c.Read10(ctx, lba, n, size)
			if err != nil {
				return err
			}
			if !bytes.Equal(got, data) {
				return errors.New("data read back differs")
			}
		}
		elapsed := time.Since(start)
		moved := float64(2*passes*len(data)) / (1 << 20)
		fmt.Fprintf(out, "     %.1f MiB in %s (%.1f MiB/s)\n", moved, elapsed.Round(time.Millisecond), moved/elapsed.Seconds())
		return nil
	})
	k.run("verify", func() error { return c.Verify10(ctx, lba, n, data) })
	k.run("verify miscompare", func() error {
		bad := append([]byte(nil), data[:size]...)
		bad[0] ^= 0xFF
		return expectSense(c.Verify10(ctx, lba, 1, bad),
			scsi.Sense{Key: scsi.SenseMiscompare, ASCQ: scsi.ASCMiscompareDuringVerify})
	})
	k.run("restore test region", func() error {
		if err := c.Write10(ctx, lba, original, size); err != nil {
			return err
		}
		return c.SynchronizeCache(ctx)
	})

	if capacity.Blocks <= 0xFFFFFFFF {
		k.run("read past end", func() error {
			_, err := c.Read10(ctx, uint32(capacity.Blocks-1), 2, size)
			return expectSense(err, scsi.Sense{Key: scsi.SenseIllegalRequest, ASCQ: scsi.ASCLBAOutOfRange})
		})
	}
	k.run("unsupported command", func() error {
		_, err := c.Do(ctx, hostmsc.Command{CDB: []byte{0xC5, 0, 0, 0, 0, 0}})
		return expectSense(err, scsi.Sense{Key: scsi.SenseIllegalRequest, ASCQ: scsi.ASCInvalidCommand})
	})
	k.run("phase error recovery", func() error {
		_, err := c.Do(ctx, hostmsc.Command{
			CDB:  []byte{scsi.OpRead10, 0, 0, 0, 0, 0, 0, 0, 1, 0},
			Dir:  hostmsc.DirOut,
			Data: make([]byte, size),
		})
		if !errors.Is(err, pkg.ErrPhaseError) {
			return fmt.Errorf("got %v, want phase error", err)
		}
		return c.TestUnitReady(ctx)
	})
	k.run("mass storage reset", func() error {
		if err := c.Reset(ctx); err != nil {
			return err
		}
		return c.TestUnitReady(ctx)
	})
	return k.errs
}
