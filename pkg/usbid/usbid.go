package usbid

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
)

// DefaultPaths lists the standard locations for the USB ID database.
var DefaultPaths = []string{
	"/usr/share/hwdata/usb.ids",
	"/var/lib/usbutils/usb.ids",
	"/usr/share/misc/usb.ids",
}

// Database holds vendor, product and interface class names.
type Database struct {
	mu       sync.RWMutex
	paths    []string
	loaded   bool
	vendors  map[uint16]string
	products map[uint32]string // VID<<16 | PID
	classes  map[uint32]string // see classKey; 0x100 marks an absent subclass or protocol
}

// New creates a database that searches paths, or [DefaultPaths] if none
// are given.
func New(paths ...string) *Database {
	if len(paths) == 0 {
		paths = DefaultPaths
	}
	return &Database{
		paths:    paths,
		vendors:  make(map[uint16]string),
		products: make(map[uint32]string),
		classes:  make(map[uint32]string),
	}
}

// Load parses the first database file found on the search path. It reports
// whether a file was found. Only the first call searches.
func (db *Database) Load() bool {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.loaded {
		return len(db.vendors) > 0 || len(db.classes) > 0
	}
	db.loaded = true
	for _, path := range db.paths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		defer f.Close()
		db.parse(f)
		return true
	}
	return false
}

// Parse reads database entries from r, adding to any already loaded.
func (db *Database) Parse(r io.Reader) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.loaded = true
	db.parse(r)
}

type section int

const (
	sectionNone section = iota
	sectionVendor
	sectionClass
)

func classKey(class, sub, proto int) uint32 {
	return uint32(class&0xFF)<<20 | uint32(sub&0x3FF)<<10 | uint32(proto&0x3FF)
}

// parse handles the vendor block and the "C" class block of usb.ids.
// Unrecognized blocks (AT, HID, L, ...) end the current section.
func (db *Database) parse(r io.Reader) {
	scanner := bufio.NewScanner(r)
	var (
		sec      section
		vid      uint16
		cls, sub int
	)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		depth := 0
		for depth < len(line) && line[depth] == '\t' {
			depth++
		}
		body := line[depth:]

		switch {
		case depth == 0 && strings.HasPrefix(body, "C "):
			id, name, ok := splitEntry(body[2:], 2)
			if !ok {
				sec = sectionNone
				continue
			}
			sec, cls = sectionClass, id
			db.classes[classKey(cls, 0x100, 0x100)] = name

		case depth == 0:
			id, name, ok := splitEntry(body, 4)
			if !ok {
				sec = sectionNone
				continue
			}
			sec, vid = sectionVendor, uint16(id)
			db.vendors[vid] = name

		case sec == sectionVendor && depth == 1:
			if id, name, ok := splitEntry(body, 4); ok {
				db.products[uint32(vid)<<16|uint32(id)] = name
			}

		case sec == sectionClass && depth == 1:
			if id, name, ok := splitEntry(body, 2); ok {
				sub = id
				db.classes[classKey(cls, sub, 0x100)] = name
			}

		case sec == sectionClass && depth == 2:
			if id, name, ok := splitEntry(body, 2); ok {
				db.classes[classKey(cls, sub, id)] = name
			}
		}
	}
}

// splitEntry splits "hhhh  Name" into its hex id of width digits and name.
func splitEntry(s string, width int) (int, string, bool) {
	if len(s) < width+2 || s[width] != ' ' {
		return 0, "", false
	}
	id, err := strconv.ParseUint(s[:width], 16, 16)
	if err != nil {
		return 0, "", false
	}
	return int(id), strings.TrimLeft(s[width:], " "), true
}

// LookupVendor returns the vendor name for vid, or "" if unknown.
func (db *Database) LookupVendor(vid uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.vendors[vid]
}

// LookupProduct returns the product name for vid:pid, or "" if unknown.
func (db *Database) LookupProduct(vid, pid uint16) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.products[uint32(vid)<<16|uint32(pid)]
}

// LookupClass returns the most specific name known for an interface
// class triple, falling back to the subclass and then the class name.
func (db *Database) LookupClass(class, subclass, protocol uint8) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	c, s, p := int(class), int(subclass), int(protocol)
	for _, k := range []uint32{classKey(c, s, p), classKey(c, s, 0x100), classKey(c, 0x100, 0x100)} {
		if name, ok := db.classes[k]; ok {
			return name
		}
	}
	return ""
}
