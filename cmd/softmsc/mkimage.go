package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/mitchellh/go-fs"
	"github.com/mitchellh/go-fs/fat"
	"github.com/spf13/cobra"

	"github.com/ardnew/softmsc/device/class/msc/storage"
	"github.com/ardnew/softmsc/pkg"
)

const (
	sectorSize = 512

	// defaultImage is the image path relative to the XDG data directory.
	defaultImage = "softmsc/disk.img"

	// Partitioned images place the volume at 1 MiB.
	partitionOffset = 2048
	partitionType   = 0x0E // FAT16, LBA addressed
	mbrSignature    = 0xAA55

	volumeID = "SOFTMSC"
)

var (
	mkimageSize  string
	mkimageLabel string
	mkimageFiles []string
	mkimageMBR   bool
)

var mkimageCmd = &cobra.Command{
	Use:   "mkimage [path]",
	Short: "Create a FAT16 disk image",
	Long: `Formats a FAT16 super-floppy image, optionally copying files into its root
directory and wrapping it in an MBR partition table. Paths ending in .xz are
written xz-compressed. Without a path the image is created in the XDG data
directory.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		size, err := parseSize(mkimageSize)
		if err != nil {
			return fmt.Errorf("invalid size: %w", err)
		}
		path := ""
		if len(args) > 0 {
			path = args[0]
		} else if path, err = xdg.DataFile(defaultImage); err != nil {
			return fmt.Errorf("could not resolve image path: %w", err)
		}
		opts := imageOptions{size: size, label: mkimageLabel, files: mkimageFiles, mbr: mkimageMBR}
		if err := buildImage(path, opts); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d bytes\n", path, opts.size)
		return nil
	},
}

func init() {
	mkimageCmd.Flags().StringVarP(&mkimageSize, "size", "s", "16M", "Volume size (K, M and G suffixes accepted)")
	mkimageCmd.Flags().StringVarP(&mkimageLabel, "label", "L", volumeID, "Volume label")
	mkimageCmd.Flags().StringArrayVarP(&mkimageFiles, "add", "a", nil, "File to copy into the root directory (repeatable)")
	mkimageCmd.Flags().BoolVar(&mkimageMBR, "mbr", false, "Wrap the volume in an MBR partition table")
}

type imageOptions struct {
	size  uint64
	label string
	files []string
	mbr   bool
}

// buildImage formats a volume of opts.size bytes and writes it to path.
func buildImage(path string, opts imageOptions) error {
	if opts.size == 0 || opts.size%sectorSize != 0 {
		return fmt.Errorf("size %d not a multiple of %d: %w", opts.size, sectorSize, pkg.ErrInvalidParameter)
	}
	compress := strings.HasSuffix(path, ".xz")

	// A plain image is formatted in place; anything else is staged.
	target := path
	if compress || opts.mbr {
		tmp, err := os.CreateTemp(filepath.Dir(path), ".softmsc-*.img")
		if err != nil {
			return fmt.Errorf("could not create staging file: %w", err)
		}
		tmp.Close()
		defer os.Remove(tmp.Name())
		target = tmp.Name()
	}

	if err := formatVolume(target, opts); err != nil {
		return err
	}
	if target == path {
		return nil
	}

	volume, err := os.ReadFile(target)
	if err != nil {
		return fmt.Errorf("could not read staged volume: %w", err)
	}
	data := volume
	if opts.mbr {
		data = partition(volume)
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not create image: %w", err)
	}
	if err := storage.WriteImage(out, data, compress); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func formatVolume(path string, opts imageOptions) error {
	img, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("could not open image: %w", err)
	}
	defer img.Close()

	if err := img.Truncate(int64(opts.size)); err != nil {
		return fmt.Errorf("could not size image: %w", err)
	}

	dev, err := fs.NewFileDisk(img)
	if err != nil {
		return fmt.Errorf("could not open block device: %w", err)
	}
	conf := &fat.SuperFloppyConfig{
		FATType: fat.FAT16,
		Label:   opts.label,
		OEMName: volumeID,
	}
	if err := fat.FormatSuperFloppy(dev, conf); err != nil {
		return fmt.Errorf("could not format: %w", err)
	}

	if len(opts.files) == 0 {
		return nil
	}
	f, err := fat.New(dev)
	if err != nil {
		return fmt.Errorf("could not open filesystem: %w", err)
	}
	root, err := f.RootDir()
	if err != nil {
		return fmt.Errorf("could not open root directory: %w", err)
	}
	for _, name := range opts.files {
		data, err := os.ReadFile(name)
		if err != nil {
			return err
		}
		if err := addFile(root, filepath.Base(name), data); err != nil {
			return fmt.Errorf("could not add %s: %w", name, err)
		}
		pkg.LogDebug(pkg.ComponentStorage, "file added", "name", filepath.Base(name), "bytes", len(data))
	}
	return nil
}

func addFile(root fs.Directory, name string, data []byte) error {
	entry, err := root.AddFile(name)
	if err != nil {
		return err
	}
	file, err := entry.File()
	if err != nil {
		return err
	}
	_, err = file.Write(data)
	return err
}

// partition prefixes volume with an MBR holding one partition that spans
// it, at partitionOffset.
func partition(volume []byte) []byte {
	data := make([]byte, partitionOffset*sectorSize, partitionOffset*sectorSize+len(volume))

	entry := data[446:462]
	entry[0] = 0x00                            // not bootable
	copy(entry[1:4], []byte{0xFE, 0xFF, 0xFF}) // CHS unused
	entry[4] = partitionType
	copy(entry[5:8], []byte{0xFE, 0xFF, 0xFF})
	binary.LittleEndian.PutUint32(entry[8:12], partitionOffset)
	binary.LittleEndian.PutUint32(entry[12:16], uint32(len(volume)/sectorSize))
	binary.LittleEndian.PutUint16(data[510:512], mbrSignature)

	return append(data, volume...)
}
