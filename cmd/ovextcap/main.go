// Command ovextcap is a Wireshark extcap interface for the OpenVizsla USB
// analyzer.
//
// Wireshark runs it to list interfaces and options and then with --capture
// to stream packets into a FIFO as a pcap file. It may also be run by hand:
//
//	ovextcap --extcap-interface=ov-high --capture --fifo=out.pcap --filter-nak
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/ardnew/openvizsla/config"
	"github.com/ardnew/openvizsla/hal"
	"github.com/ardnew/openvizsla/hal/libusb"
	"github.com/ardnew/openvizsla/ov"
	"github.com/ardnew/openvizsla/pcap"
	"github.com/ardnew/openvizsla/pkg"
)

const (
	extcapVersion = "0.0.3"
	helpURL       = "https://github.com/matwey/libopenvizsla/"
)

// Interface names offered to Wireshark.
const (
	ifaceDeprecated = "ov"
	ifaceLow        = "ov-low"
	ifaceFull       = "ov-full"
	ifaceHigh       = "ov-high"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// newHAL opens the analyzer hardware.
var newHAL = func() hal.Device { return libusb.New() }

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// versionFlag is --extcap-version, which takes an optional value.
type versionFlag struct {
	set     bool
	version string
}

func (v *versionFlag) String() string { return v.version }

func (v *versionFlag) Set(s string) error {
	v.set = true
	if s != "true" {
		v.version = s
	}
	return nil
}

func (v *versionFlag) IsBoolFlag() bool { return true }

type options struct {
	version    versionFlag
	interfaces bool
	iface      string
	dlts       bool
	config     bool
	capture    bool
	fifo       string
	speed      string
	filterNak  bool
	filterSof  bool
	debugPcap  string
	overwrite  bool
	configPath string
}

func run(args []string, stdout, stderr io.Writer) int {
	var o options
	fs := flag.NewFlagSet("ovextcap", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Var(&o.version, "extcap-version", "print the extcap version; the value is the Wireshark version")
	fs.BoolVar(&o.interfaces, "extcap-interfaces", false, "list interfaces")
	fs.StringVar(&o.iface, "extcap-interface", "", "interface to use")
	fs.BoolVar(&o.dlts, "extcap-dlts", false, "list link types of the interface")
	fs.BoolVar(&o.config, "extcap-config", false, "list options of the interface")
	fs.BoolVar(&o.capture, "capture", false, "start capturing")
	fs.StringVar(&o.fifo, "fifo", "", "output FIFO or file")
	fs.StringVar(&o.speed, "speed", "", "bus speed as a func_ctl value (72 high, 73 full, 74 low)")
	fs.BoolVar(&o.filterNak, "filter-nak", false, "filter NAKed transactions")
	fs.BoolVar(&o.filterSof, "filter-sof", false, "filter SOF packets that do not interrupt a transaction")
	fs.StringVar(&o.debugPcap, "debug-pcap", "", "also write every packet, unfiltered, to this file")
	fs.BoolVar(&o.overwrite, "overwrite-debug-pcap", false, "overwrite the debug pcap file if it exists")
	fs.StringVar(&o.configPath, "config", "", "config file (default $"+config.EnvVar+")")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	pkg.SetLogOutput(stderr)
	defer pkg.SetLogOutput(nil)

	cfg, err := config.Resolve(o.configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailure
	}
	if err := cfg.ApplyLogging(); err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailure
	}

	speed, err := ov.ParseSpeed(cfg.Speed)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitFailure
	}
	if o.speed != "" {
		n, err := strconv.Atoi(o.speed)
		speed = ov.Speed(n)
		if err != nil || n < 0 || n > 0xFF || !speed.Valid() {
			fmt.Fprintln(stderr, "Invalid speed option!")
			return exitFailure
		}
	}

	if o.version.set {
		fmt.Fprintf(stdout, "extcap {version=%s}{help=%s}\n", extcapVersion, helpURL)
	}
	if o.interfaces {
		printInterfaces(stdout, parseWiresharkVersion(o.version.version))
	}

	linkType := pcap.LinkTypeUSBLL
	if o.iface != "" {
		if o.dlts {
			printDLTs(stdout, o.iface)
		}
		if o.config {
			printConfig(stdout, o.iface)
		}
		switch o.iface {
		case ifaceLow:
			linkType, speed = pcap.LinkTypeUSBLLLowSpeed, ov.SpeedLow
		case ifaceFull:
			linkType, speed = pcap.LinkTypeUSBLLFullSpeed, ov.SpeedFull
		case ifaceHigh:
			linkType, speed = pcap.LinkTypeUSBLLHighSpeed, ov.SpeedHigh
		}
	}

	if !o.capture {
		return exitOK
	}
	if o.fifo == "" || o.iface == "" {
		fmt.Fprintln(stderr, "--capture needs --fifo and --extcap-interface")
		return exitFailure
	}

	var debug *os.File
	if o.debugPcap != "" {
		flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
		if o.overwrite {
			flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		}
		debug, err = os.OpenFile(o.debugPcap, flags, 0o666)
		if err != nil {
			fmt.Fprintln(stderr, "Cannot create debug pcap file!")
			return exitFailure
		}
		defer debug.Close()
	}

	cfg.FilterNAK = cfg.FilterNAK || o.filterNak
	cfg.FilterSOF = cfg.FilterSOF || o.filterSof
	return startCapture(captureParams{
		cfg:      cfg,
		speed:    speed,
		linkType: linkType,
		fifo:     o.fifo,
		debug:    debug,
	}, stderr)
}

type wiresharkVersion int

const (
	wiresharkUnknown wiresharkVersion = iota
	wireshark29                       // Supports --extcap-version
	wireshark31                       // Supports the USBLL link type only
	wireshark40                       // Supports speed specific link types
)

// parseWiresharkVersion classifies a "major.minor[.patch]" version string.
func parseWiresharkVersion(s string) wiresharkVersion {
	var major, minor int
	if n, _ := fmt.Sscanf(s, "%d.%d", &major, &minor); n != 2 {
		return wiresharkUnknown
	}
	switch {
	case major >= 4:
		return wireshark40
	case major == 3 && minor >= 1:
		return wireshark31
	default:
		return wireshark29
	}
}

func printInterfaces(w io.Writer, v wiresharkVersion) {
	if v == wireshark31 {
		fmt.Fprintf(w, "interface {value=%s}{display=OpenVizsla FPGA-based USB sniffer}\n", ifaceDeprecated)
		return
	}
	fmt.Fprintf(w, "interface {value=%s}{display=OpenVizsla Low Speed USB capture}\n", ifaceLow)
	fmt.Fprintf(w, "interface {value=%s}{display=OpenVizsla Full Speed USB capture}\n", ifaceFull)
	fmt.Fprintf(w, "interface {value=%s}{display=OpenVizsla High Speed USB capture}\n", ifaceHigh)
}

func printDLTs(w io.Writer, iface string) {
	var lt pcap.LinkType
	var display string
	switch iface {
	case ifaceDeprecated:
		lt, display = pcap.LinkTypeUSBLL, "USB 2.0/1.1/1.0"
	case ifaceLow:
		lt, display = pcap.LinkTypeUSBLLLowSpeed, "Low-Speed USB 2.0/1.1/1.0"
	case ifaceFull:
		lt, display = pcap.LinkTypeUSBLLFullSpeed, "Full-Speed USB 2.0/1.1/1.0"
	case ifaceHigh:
		lt, display = pcap.LinkTypeUSBLLHighSpeed, "High-Speed USB 2.0"
	default:
		return
	}
	fmt.Fprintf(w, "dlt {number=%d}{name=%s}{display=%s}\n", uint32(lt), lt, display)
}

func printConfig(w io.Writer, iface string) {
	if iface == ifaceDeprecated {
		fmt.Fprintf(w, "arg {number=0}{call=--speed}"+
			"{display=Capture speed}{tooltip=Analyzed device USB speed}"+
			"{type=selector}{default=%d}{group=Capture}\n", ov.SpeedHigh)
		fmt.Fprintf(w, "value {arg=0}{value=%d}{display=High}\n", ov.SpeedHigh)
		fmt.Fprintf(w, "value {arg=0}{value=%d}{display=Full}\n", ov.SpeedFull)
		fmt.Fprintf(w, "value {arg=0}{value=%d}{display=Low}\n", ov.SpeedLow)
	}

	fmt.Fprint(w, "arg {number=1}{call=--filter-nak}"+
		"{display=Filter NAKed transactions}"+
		"{tooltip=NAKed SPLIT transactions won't be filtered}"+
		"{type=boolflag}{default=false}{group=Capture}\n")

	sof := ""
	switch iface {
	case ifaceDeprecated:
		sof = "Filter Full and High speed Start-of-Frame packets"
	case ifaceFull, ifaceHigh:
		sof = "Filter Start-of-Frame packets"
	}
	if sof != "" {
		fmt.Fprintf(w, "arg {number=2}{call=--filter-sof}"+
			"{display=%s}"+
			"{tooltip=Only SOFs that do not interrupt any transaction will be filtered}"+
			"{type=boolflag}{default=false}{group=Capture}\n", sof)
	}

	fmt.Fprint(w, "arg {number=800}{call=--overwrite-debug-pcap}{display=Overwrite .pcap file if it exists}{type=boolflag}"+
		"{required=false}{default=false}{group=Debug}\n")
	fmt.Fprint(w, "arg {number=801}{call=--debug-pcap}{display=Save all packets to .pcap file}{type=fileselect}{fileext=pcap (*.pcap)}"+
		"{tooltip=Set a file where all incoming packets are written (unfiltered)}"+
		"{required=false}{group=Debug}\n")
}
