package storage

import (
	"crypto/aes"
	"fmt"
	"sync"

	"golang.org/x/crypto/xts"
)

// Cipher is a [Backend] decorator that stores sectors encrypted with
// AES-XTS, using the absolute sector number as the tweak (equivalent to
// dm-crypt aes-xts-plain64).
type Cipher struct {
	inner Backend
	xts   *xts.Cipher

	mu         sync.Mutex
	sink       Completion
	sectorSize int
	read       pendingRead
	scratch    []byte
}

type pendingRead struct {
	buf   []byte
	addr  uint64
	count uint32
}

var (
	_ Backend = (*Cipher)(nil)
	_ Syncer  = (*Cipher)(nil)
	_ Ejecter = (*Cipher)(nil)
)

// NewCipher wraps inner. key is 32 bytes for AES-128-XTS or 64 bytes for
// AES-256-XTS.
func NewCipher(inner Backend, key []byte) (*Cipher, error) {
	if len(key) != 32 && len(key) != 64 {
		return nil, fmt.Errorf("xts key length %d: %w", len(key), ErrInvalidParams)
	}
	x, err := xts.NewCipher(aes.NewCipher, key)
	if err != nil {
		return nil, fmt.Errorf("xts cipher: %w", err)
	}
	return &Cipher{inner: inner, xts: x}, nil
}

// unit returns the sector size learned from the medium, falling back to
// splitting n bytes evenly across count sectors.
func (c *Cipher) unit(n int, count uint32) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sectorSize > 0 {
		return c.sectorSize
	}
	return n / int(count)
}

// crypt transforms count sectors of size bytes from src into dst.
func (c *Cipher) crypt(dst, src []byte, addr uint64, count uint32, size int, encrypt bool) {
	for i := 0; i < int(count); i++ {
		d := dst[i*size : (i+1)*size]
		s := src[i*size : (i+1)*size]
		if encrypt {
			c.xts.Encrypt(d, s, addr+uint64(i))
		} else {
			c.xts.Decrypt(d, s, addr+uint64(i))
		}
	}
}

// sealed returns an encrypted copy of the first count sectors of buf, or
// nil if buf is too short.
func (c *Cipher) sealed(buf []byte, addr uint64, count uint32) []byte {
	size := c.unit(len(buf), count)
	n := size * int(count)
	if size == 0 || len(buf) < n {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cap(c.scratch) < n {
		c.scratch = make([]byte, n)
	}
	out := c.scratch[:n]
	c.crypt(out, buf[:n], addr, count, size, true)
	return out
}

// Descriptor implements [Backend].
func (c *Cipher) Descriptor() Descriptor { return c.inner.Descriptor() }

// Bind implements [Backend].
func (c *Cipher) Bind(sink Completion) {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
	c.inner.Bind(cipherSink{c})
}

// CheckMedia implements [Backend].
func (c *Cipher) CheckMedia() bool { return c.inner.CheckMedia() }

// RequestMedia implements [Backend].
func (c *Cipher) RequestMedia() { c.inner.RequestMedia() }

// ReadBlocks implements [Backend]. Data is decrypted in place on completion.
func (c *Cipher) ReadBlocks(addr uint64, buf []byte, count uint32) Status {
	c.mu.Lock()
	c.read = pendingRead{buf: buf, addr: addr, count: count}
	c.mu.Unlock()
	return c.inner.ReadBlocks(addr, buf, count)
}

// WriteBlocks implements [Backend]. buf is left untouched.
func (c *Cipher) WriteBlocks(addr uint64, buf []byte, count uint32) Status {
	if buf == nil || count == 0 {
		return StatusInvalidParams
	}
	sealed := c.sealed(buf, addr, count)
	if sealed == nil {
		return StatusInvalidParams
	}
	return c.inner.WriteBlocks(addr, sealed, count)
}

// VerifyBlocks implements [Backend]. A comparison buffer is encrypted
// before it reaches the medium.
func (c *Cipher) VerifyBlocks(addr uint64, buf []byte, count uint32) Status {
	if buf == nil || count == 0 {
		return c.inner.VerifyBlocks(addr, nil, count)
	}
	sealed := c.sealed(buf, addr, count)
	if sealed == nil {
		return StatusInvalidParams
	}
	return c.inner.VerifyBlocks(addr, sealed, count)
}

// NotifyMediaChange implements [Backend].
func (c *Cipher) NotifyMediaChange() { c.inner.NotifyMediaChange() }

// CancelNotify implements [Backend].
func (c *Cipher) CancelNotify() { c.inner.CancelNotify() }

// Sync implements [Syncer].
func (c *Cipher) Sync() error {
	if s, ok := c.inner.(Syncer); ok {
		return s.Sync()
	}
	return nil
}

// Eject implements [Ejecter].
func (c *Cipher) Eject() error {
	if e, ok := c.inner.(Ejecter); ok {
		return e.Eject()
	}
	return ErrNotSupported
}

// cipherSink forwards inner completions to the bound sink, decrypting
// read data on the way.
type cipherSink struct{ c *Cipher }

func (s cipherSink) target() Completion {
	s.c.mu.Lock()
	defer s.c.mu.Unlock()
	return s.c.sink
}

func (s cipherSink) ReadComplete(status Status, n int) {
	s.c.mu.Lock()
	r := s.c.read
	s.c.read = pendingRead{}
	s.c.mu.Unlock()

	if status == StatusOK && r.count > 0 && n > 0 {
		if size := s.c.unit(len(r.buf), r.count); size > 0 {
			s.c.crypt(r.buf, r.buf, r.addr, uint32(n/size), size, false)
		}
	}
	if t := s.target(); t != nil {
		t.ReadComplete(status, n)
	}
}

func (s cipherSink) WriteComplete(status Status, n int) {
	if t := s.target(); t != nil {
		t.WriteComplete(status, n)
	}
}

func (s cipherSink) VerifyComplete(status Status, n int) {
	if t := s.target(); t != nil {
		t.VerifyComplete(status, n)
	}
}

func (s cipherSink) MediaReady(media *Media, status Status) {
	if media != nil {
		s.c.mu.Lock()
		s.c.sectorSize = int(media.SectorSize)
		s.c.mu.Unlock()
	}
	if t := s.target(); t != nil {
		t.MediaReady(media, status)
	}
}

func (s cipherSink) MediaChanged() {
	if t := s.target(); t != nil {
		t.MediaChanged()
	}
}
