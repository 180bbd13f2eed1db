package scsi

import "fmt"

// DefaultSenseDepth is the sense ring capacity used when none is configured.
const DefaultSenseDepth = 8

// Sense is a sense key with its additional sense code and qualifier.
type Sense struct {
	Key  uint8
	ASCQ uint16 // ASC<<8 | ASCQ
}

// ASC returns the additional sense code.
func (s Sense) ASC() uint8 { return uint8(s.ASCQ >> 8) }

// Qualifier returns the additional sense code qualifier.
func (s Sense) Qualifier() uint8 { return uint8(s.ASCQ) }

// String formats the sense triple as KEY/ASC/ASCQ in hex.
func (s Sense) String() string {
	return fmt.Sprintf("%x/%02x/%02x", s.Key, s.ASC(), s.Qualifier())
}

// MarshalTo writes fixed-format sense data to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (s Sense) MarshalTo(buf []byte) int {
	if len(buf) < SenseFixedSize {
		return 0
	}
	clear(buf[:SenseFixedSize])
	buf[0] = SenseResponseCurrent
	buf[2] = s.Key & 0x0F
	buf[7] = SenseFixedSize - 8
	buf[12] = s.ASC()
	buf[13] = s.Qualifier()
	return SenseFixedSize
}

// SenseRing is a fixed-depth FIFO of sense entries. Pushing onto a full
// ring drops the oldest entry.
type SenseRing struct {
	entries []Sense
	head    int
	n       int
}

// NewSenseRing creates a ring holding depth entries (DefaultSenseDepth if
// depth < 1).
func NewSenseRing(depth int) *SenseRing {
	if depth < 1 {
		depth = DefaultSenseDepth
	}
	return &SenseRing{entries: make([]Sense, depth)}
}

// Push appends s, overwriting the oldest entry when full.
func (r *SenseRing) Push(s Sense) {
	tail := (r.head + r.n) % len(r.entries)
	r.entries[tail] = s
	if r.n == len(r.entries) {
		r.head = (r.head + 1) % len(r.entries)
		return
	}
	r.n++
}

// Pop removes and returns the oldest entry. An empty ring yields NO SENSE.
func (r *SenseRing) Pop() Sense {
	if r.n == 0 {
		return Sense{Key: SenseNoSense, ASCQ: ASCNoAdditionalInfo}
	}
	s := r.entries[r.head]
	r.head = (r.head + 1) % len(r.entries)
	r.n--
	return s
}

// Len returns the number of queued entries.
func (r *SenseRing) Len() int { return r.n }

// Cap returns the ring depth.
func (r *SenseRing) Cap() int { return len(r.entries) }

// Reset empties the ring.
func (r *SenseRing) Reset() { r.head, r.n = 0, 0 }
