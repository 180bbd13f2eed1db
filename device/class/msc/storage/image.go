package storage

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ulikunitz/xz"
)

// xzExt marks compressed images.
const xzExt = ".xz"

// ReadImage reads a raw image from r, zero-padding it to a whole number of
// sectors. When compressed is set r holds an xz stream.
func ReadImage(r io.Reader, sectorSize uint32, compressed bool) ([]byte, error) {
	if compressed {
		zr, err := xz.NewReader(bufio.NewReader(r))
		if err != nil {
			return nil, fmt.Errorf("xz header: %w", err)
		}
		r = zr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if rem := len(data) % int(sectorSize); rem != 0 {
		data = append(data, make([]byte, int(sectorSize)-rem)...)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty image: %w", ErrInvalidParams)
	}
	return data, nil
}

// LoadImage reads the image at path into a [Memory] backend. Paths ending
// in ".xz" are decompressed.
func LoadImage(path string, desc Descriptor, sectorSize uint32) (*Memory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image: %w", err)
	}
	defer f.Close()

	data, err := ReadImage(f, sectorSize, strings.HasSuffix(path, xzExt))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return NewMemoryFrom(desc, data, sectorSize), nil
}

// WriteImage writes data to w, xz-compressed when compress is set.
func WriteImage(w io.Writer, data []byte, compress bool) error {
	if !compress {
		_, err := w.Write(data)
		return err
	}
	zw, err := xz.NewWriter(w)
	if err != nil {
		return fmt.Errorf("xz writer: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return fmt.Errorf("compress image: %w", err)
	}
	return zw.Close()
}

// SaveImage writes the contents of m to path, compressing when path ends
// in ".xz".
func SaveImage(path string, m *Memory) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create image: %w", err)
	}
	if err := WriteImage(f, m.Bytes(), strings.HasSuffix(path, xzExt)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
