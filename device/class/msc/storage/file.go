package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softmsc/pkg"
)

// fileQueueDepth bounds requests queued to the I/O goroutine.
const fileQueueDepth = 4

type fileRequest struct {
	blk   IO
	buf   []byte
	media bool
}

// File is a [Backend] over a disk image file. Block operations are served
// in order by one I/O goroutine and complete asynchronously.
type File struct {
	desc       Descriptor
	file       *os.File
	sectorSize uint32
	sectors    uint64
	readOnly   bool
	timeout    time.Duration

	mu     sync.Mutex
	sink   Completion
	closed bool
	reqs   chan fileRequest
	cancel context.CancelFunc
	group  *errgroup.Group
	bounce []byte
}

var (
	_ Backend = (*File)(nil)
	_ Syncer  = (*File)(nil)
)

// FileOptions configures [OpenFile].
type FileOptions struct {
	SectorSize uint32        // Bytes per sector (default 512)
	ReadOnly   bool          // Open without write access
	Timeout    time.Duration // Operations slower than this complete with StatusTimeout (0 disables)
}

// OpenFile opens path as a block device and starts its I/O goroutine.
// The goroutine runs until ctx ends or [File.Close] is called.
func OpenFile(ctx context.Context, path string, desc Descriptor, opts FileOptions) (*File, error) {
	if opts.SectorSize == 0 {
		opts.SectorSize = 512
	}
	flags := os.O_RDWR
	if opts.ReadOnly {
		flags = os.O_RDONLY
	}

	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat image: %w", err)
	}
	sectors := uint64(stat.Size()) / uint64(opts.SectorSize)
	if sectors == 0 {
		file.Close()
		return nil, fmt.Errorf("image %s smaller than one sector: %w", path, ErrInvalidParams)
	}

	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	f := &File{
		desc:       desc,
		file:       file,
		sectorSize: opts.SectorSize,
		sectors:    sectors,
		readOnly:   opts.ReadOnly,
		timeout:    opts.Timeout,
		reqs:       make(chan fileRequest, fileQueueDepth),
		cancel:     cancel,
		group:      g,
	}
	g.Go(func() error { return f.serve(ctx) })

	pkg.LogInfo(pkg.ComponentStorage, "image opened",
		"path", path, "sectors", sectors, "sectorSize", opts.SectorSize, "readOnly", opts.ReadOnly)
	return f, nil
}

// Close stops the I/O goroutine and closes the image.
func (f *File) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	f.cancel()
	err := f.group.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if cerr := f.file.Close(); err == nil {
		err = cerr
	}
	return err
}

func (f *File) media() *Media {
	return &Media{Sectors: f.sectors, SectorSize: f.sectorSize, WriteProtected: f.readOnly}
}

// Descriptor implements [Backend].
func (f *File) Descriptor() Descriptor { return f.desc }

// Bind implements [Backend].
func (f *File) Bind(sink Completion) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = sink
}

// CheckMedia implements [Backend]. An open image is always present.
func (f *File) CheckMedia() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

// RequestMedia implements [Backend]. A request that cannot be queued is
// answered at once with StatusHardwareFailure.
func (f *File) RequestMedia() {
	if f.submit(fileRequest{media: true}) {
		return
	}
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	if sink == nil {
		pkg.LogWarn(pkg.ComponentStorage, "media request with no completion sink")
		return
	}
	sink.MediaReady(nil, StatusHardwareFailure)
}

// ReadBlocks implements [Backend].
func (f *File) ReadBlocks(addr uint64, buf []byte, count uint32) Status {
	return f.block(IO{OpRead, addr, count}, buf)
}

// WriteBlocks implements [Backend].
func (f *File) WriteBlocks(addr uint64, buf []byte, count uint32) Status {
	return f.block(IO{OpWrite, addr, count}, buf)
}

// VerifyBlocks implements [Backend].
func (f *File) VerifyBlocks(addr uint64, buf []byte, count uint32) Status {
	return f.block(IO{OpVerify, addr, count}, buf)
}

func (f *File) block(blk IO, buf []byte) Status {
	if blk.Op != OpVerify && buf == nil {
		return StatusInvalidParams
	}
	if st := check(f.media(), blk.Addr, buf, blk.Count, blk.Op == OpWrite); st != StatusOK {
		return st
	}
	if !f.submit(fileRequest{blk: blk, buf: buf}) {
		return StatusHardwareFailure
	}
	return StatusOK
}

func (f *File) submit(req fileRequest) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	select {
	case f.reqs <- req:
		return true
	default:
		pkg.LogWarn(pkg.ComponentStorage, "request queue full", "op", req.blk.Op.String())
		return false
	}
}

// NotifyMediaChange implements [Backend]. Image files never change.
func (f *File) NotifyMediaChange() {}

// CancelNotify implements [Backend].
func (f *File) CancelNotify() {}

// Sync implements [Syncer].
func (f *File) Sync() error {
	if f.readOnly {
		return nil
	}
	return f.file.Sync()
}

func (f *File) serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-f.reqs:
			f.mu.Lock()
			sink := f.sink
			f.mu.Unlock()
			if sink == nil {
				pkg.LogWarn(pkg.ComponentStorage, "request dropped, no completion sink",
					"op", req.blk.Op.String(), "media", req.media)
				continue
			}
			if req.media {
				sink.MediaReady(f.media(), StatusOK)
				continue
			}
			start := time.Now()
			status, n := f.run(req)
			if status == StatusOK && f.timeout > 0 && time.Since(start) > f.timeout {
				status, n = StatusTimeout, 0
			}
			switch req.blk.Op {
			case OpRead:
				sink.ReadComplete(status, n)
			case OpWrite:
				sink.WriteComplete(status, n)
			case OpVerify:
				sink.VerifyComplete(status, n)
			}
		}
	}
}

func (f *File) run(req fileRequest) (Status, int) {
	off := int64(req.blk.Addr) * int64(f.sectorSize)
	n := int(req.blk.Count) * int(f.sectorSize)

	var err error
	switch req.blk.Op {
	case OpRead:
		_, err = f.file.ReadAt(req.buf[:n], off)
	case OpWrite:
		_, err = f.file.WriteAt(req.buf[:n], off)
	case OpVerify:
		if cap(f.bounce) < n {
			f.bounce = make([]byte, n)
		}
		scratch := f.bounce[:n]
		if _, err = f.file.ReadAt(scratch, off); err == nil && req.buf != nil &&
			!bytes.Equal(scratch, req.buf[:n]) {
			return StatusMiscompare, 0
		}
	}
	if err != nil && !errors.Is(err, io.EOF) {
		pkg.LogError(pkg.ComponentStorage, "image i/o failed",
			"op", req.blk.Op.String(), "addr", req.blk.Addr, "error", err)
		return StatusHardwareFailure, 0
	}
	return StatusOK, n
}
