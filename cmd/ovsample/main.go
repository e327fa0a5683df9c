// Command ovsample starts a capture on the OpenVizsla and prints the decoded
// packets, or writes them to a pcap file.
//
// Usage:
//
//	ovsample [-config file] [-speed high] [-count 10] [-pcap out.pcap]
//
// A count of 0 captures until interrupted. When the config file sets
// metrics_addr, capture counters are served at /metrics on that address.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ardnew/openvizsla/capture"
	"github.com/ardnew/openvizsla/config"
	"github.com/ardnew/openvizsla/decoder"
	"github.com/ardnew/openvizsla/hal"
	"github.com/ardnew/openvizsla/hal/libusb"
	"github.com/ardnew/openvizsla/metrics"
	"github.com/ardnew/openvizsla/ov"
	"github.com/ardnew/openvizsla/pcap"
	"github.com/ardnew/openvizsla/pkg"
)

var newHAL = func() hal.Device { return libusb.New() }

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ovsample", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "config file (default $"+config.EnvVar+")")
	speedName := fs.String("speed", "", "bus speed: low, full or high (default from config)")
	count := fs.Int("count", 10, "packets to capture, 0 for no limit")
	pcapPath := fs.String("pcap", "", "write packets to this pcap file instead of printing them")
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
	if *speedName != "" {
		cfg.Speed = *speedName
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if err := cfg.ApplyLogging(); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	speed, _ := ov.ParseSpeed(cfg.Speed)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	m, err := metrics.NewCapture(reg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if cfg.MetricsAddr != "" {
		srv := metricsServer(cfg.MetricsAddr, reg)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				pkg.LogError(pkg.ComponentCapture, "metrics server failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
		defer srv.Close()
	}

	opts := []ov.Option{
		ov.WithSpeed(speed),
		ov.WithCaptureOptions(append(cfg.CaptureOptions(), capture.WithMetrics(m))...),
	}
	if cfg.Firmware != "" {
		opts = append(opts, ov.WithFirmware(cfg.Firmware))
	}
	dev, err := ov.New(newHAL(), opts...)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer dev.Close()
	if err := dev.Open(ctx); err != nil {
		fmt.Fprintf(stderr, "Cannot open OpenVizsla device: %v\n", err)
		return 1
	}

	st, err := dev.Status(ctx)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "Device status: %s\n", st)

	var handler decoder.PacketFunc
	var flush func()
	if *pcapPath != "" {
		f, err := os.Create(*pcapPath)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		defer f.Close()
		bw := bufio.NewWriter(f)
		w := pcap.NewWriter(bw, linkType(speed))
		if err := w.WriteHeader(); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		session := pcap.NewSession(w, nil, time.Now(), cfg.FilterNAK, cfg.FilterSOF)
		handler = func(p *decoder.Packet) {
			session.Packet(p)
			if session.Broken() {
				dev.CaptureBreak()
			}
		}
		flush = func() {
			session.Flush()
			bw.Flush()
		}
	} else {
		handler = func(p *decoder.Packet) { printPacket(stdout, p) }
	}

	if err := dev.CaptureStart(ctx, make([]byte, cfg.BufferSize), handler); err != nil {
		fmt.Fprintf(stderr, "Cannot start capture: %v\n", err)
		return 1
	}
	interrupted := context.AfterFunc(ctx, dev.CaptureBreak)
	defer interrupted()

	fmt.Fprintln(stdout, "Start looping")
	code := 0
	n := dev.CaptureDispatch(*count)
	if n == capture.CodeFatal {
		fmt.Fprintf(stderr, "Cannot dispatch capture: %s\n", dev.ErrorString())
		code = 1
	}
	if flush != nil {
		flush()
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ov.DefaultStopTimeout)
	defer cancel()
	if err := dev.CaptureStop(stopCtx); err != nil {
		fmt.Fprintf(stderr, "Cannot stop capture: %v\n", err)
		code = 1
	}
	return code
}

func linkType(s ov.Speed) pcap.LinkType {
	switch s {
	case ov.SpeedLow:
		return pcap.LinkTypeUSBLLLowSpeed
	case ov.SpeedFull:
		return pcap.LinkTypeUSBLLFullSpeed
	default:
		return pcap.LinkTypeUSBLLHighSpeed
	}
}

// printPacket writes one line per packet: timestamp, flags, PID and payload.
func printPacket(w io.Writer, p *decoder.Packet) {
	pid := "-"
	if p.Size > 0 {
		pid = pcap.PID(p.Data[0]).String()
	}
	fmt.Fprintf(w, "[%12d] %02x %-8s %4d: % x\n", p.Timestamp, p.Flags, pid, p.Size, p.Data)
}

func metricsServer(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
