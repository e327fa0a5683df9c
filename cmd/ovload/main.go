// Command ovload programs the OpenVizsla FPGA from a firmware package.
//
// Usage:
//
//	ovload [-config file] [-progress] ov3.fwpkg
//
// The package path defaults to the firmware key of the config file. The
// configuration pin status is printed before and after loading.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/ardnew/openvizsla/config"
	"github.com/ardnew/openvizsla/fpga"
	"github.com/ardnew/openvizsla/hal"
	"github.com/ardnew/openvizsla/hal/libusb"
	"github.com/ardnew/openvizsla/ov"
	"github.com/ardnew/openvizsla/pkg"
)

var newHAL = func() hal.Device { return libusb.New() }

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ovload", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "config file (default $"+config.EnvVar+")")
	progress := fs.Bool("progress", false, "report programming progress")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: ovload [flags] [firmware.fwpkg]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}

	pkg.SetLogOutput(stderr)
	defer pkg.SetLogOutput(nil)

	cfg, err := config.Resolve(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if err := cfg.ApplyLogging(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	path := cfg.Firmware
	if fs.NArg() > 0 {
		path = fs.Arg(0)
	}
	if path == "" {
		fs.Usage()
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var opts []ov.Option
	if *progress {
		last := fpga.Phase(-1)
		opts = append(opts, ov.WithProgrammerOptions(fpga.WithProgress(func(p fpga.Phase, written, total int) {
			if p != last || written == total {
				fmt.Fprintf(stdout, "%s: %d/%d\n", p, written, total)
				last = p
			}
		})))
	}

	dev, err := ov.New(newHAL(), opts...)
	if err != nil {
		fmt.Fprintf(stderr, "Cannot open OpenVizsla device: %v\n", err)
		return 1
	}
	defer dev.Close()
	if err := dev.Open(ctx); err != nil {
		fmt.Fprintf(stderr, "Cannot open OpenVizsla device: %v\n", err)
		return 1
	}

	if !printStatus(ctx, dev, stdout, stderr) {
		return 1
	}
	if err := dev.LoadFirmware(ctx, path); err != nil {
		fmt.Fprintf(stderr, "Cannot load firmware: %v\n", err)
		return 1
	}
	if !printStatus(ctx, dev, stdout, stderr) {
		return 1
	}
	return 0
}

func printStatus(ctx context.Context, dev *ov.Device, stdout, stderr io.Writer) bool {
	s, err := dev.Status(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Cannot get device status: %v\n", err)
		return false
	}
	fmt.Fprintf(stdout, "Device status: %s\n", s)
	return true
}
