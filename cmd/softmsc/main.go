// Command softmsc exercises the software mass-storage stack: it formats
// disk images, runs a Bulk-Only self test against an in-process device and
// probes real mass-storage devices over libusb.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ardnew/softmsc/pkg"
)

var rootCmd = &cobra.Command{
	Use:   "softmsc",
	Short: "softmsc drives a software USB mass-storage device",
	Long: `Serves disk images through a USB Mass Storage Bulk-Only Transport
function running on a loopback controller, and talks to real Bulk-Only
devices through libusb.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
}

var (
	logLevel string
	logJSON  bool
)

func main() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Log in JSON format")
	rootCmd.AddCommand(selfTestCmd)
	rootCmd.AddCommand(mkimageCmd)
	rootCmd.AddCommand(probeCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
}

func setupLogging() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q", logLevel)
	}
	pkg.SetLogLevel(level)
	if logJSON {
		pkg.SetLogFormat(os.Stderr, pkg.LogFormatJSON)
	} else {
		pkg.SetLogFormat(os.Stderr, pkg.LogFormatText)
	}
	return nil
}

// parseNumber accepts decimal or 0x-prefixed hexadecimal.
func parseNumber(s string, bits int) (uint64, error) {
	base := 10
	if strings.HasPrefix(strings.ToLower(s), "0x") {
		s, base = s[2:], 16
	}
	v, err := strconv.ParseUint(s, base, bits)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return v, nil
}

// parseSize accepts a byte count with an optional K, M or G suffix
// (powers of 1024).
func parseSize(s string) (uint64, error) {
	shift := 0
	switch {
	case strings.HasSuffix(s, "K"), strings.HasSuffix(s, "k"):
		shift = 10
	case strings.HasSuffix(s, "M"), strings.HasSuffix(s, "m"):
		shift = 20
	case strings.HasSuffix(s, "G"), strings.HasSuffix(s, "g"):
		shift = 30
	}
	if shift != 0 {
		s = s[:len(s)-1]
	}
	v, err := parseNumber(s, 64-shift)
	if err != nil {
		return 0, err
	}
	return v << shift, nil
}
