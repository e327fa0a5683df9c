package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardnew/openvizsla/capture"
	"github.com/ardnew/openvizsla/config"
	"github.com/ardnew/openvizsla/decoder"
	"github.com/ardnew/openvizsla/ov"
	"github.com/ardnew/openvizsla/pcap"
	"github.com/ardnew/openvizsla/pkg"
)

type captureParams struct {
	cfg      config.Config
	speed    ov.Speed
	linkType pcap.LinkType
	fifo     string
	debug    *os.File // Unfiltered copy of the capture, may be nil
}

// startCapture streams packets from the analyzer into p.fifo until the
// capture ends, the FIFO reader goes away or the process is interrupted.
func startCapture(p captureParams, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []ov.Option{ov.WithCaptureOptions(p.cfg.CaptureOptions()...)}
	if p.cfg.Firmware != "" {
		opts = append(opts, ov.WithFirmware(p.cfg.Firmware))
	}
	dev, err := ov.New(newHAL(), opts...)
	if err != nil {
		fmt.Fprintf(stderr, "Cannot open OpenVizsla device: %v\n", err)
		return exitFailure
	}
	defer dev.Close()

	if err := dev.Open(ctx); err != nil {
		fmt.Fprintf(stderr, "Cannot open OpenVizsla device: %v\n", err)
		return exitFailure
	}
	if err := dev.SetUSBSpeed(ctx, p.speed); err != nil {
		fmt.Fprintf(stderr, "Cannot set USB speed: %v\n", err)
		return exitFailure
	}

	fifo, err := os.OpenFile(p.fifo, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		fmt.Fprintln(stderr, "Cannot open fifo for writing")
		return exitFailure
	}
	defer fifo.Close()

	fw := bufio.NewWriter(fifo)
	out := pcap.NewWriter(fw, p.linkType)
	out.WriteHeader()

	var debug *pcap.Writer
	var dw *bufio.Writer
	if p.debug != nil {
		dw = bufio.NewWriter(p.debug)
		debug = pcap.NewWriter(dw, p.linkType)
		debug.WriteHeader()
	}

	session := pcap.NewSession(out, debug, time.Now(), p.cfg.FilterNAK, p.cfg.FilterSOF)
	handler := func(pkt *decoder.Packet) {
		session.Packet(pkt)
		if session.Broken() {
			dev.CaptureBreak()
		}
	}

	if err := dev.CaptureStart(ctx, make([]byte, p.cfg.BufferSize), handler); err != nil {
		fmt.Fprintf(stderr, "Cannot start capture: %v\n", err)
		return exitFailure
	}
	interrupted := context.AfterFunc(ctx, dev.CaptureBreak)
	defer interrupted()

	code := exitOK
	n := dev.CaptureDispatch(0)
	pkg.LogInfo(pkg.ComponentCapture, "capture dispatched", "result", n, "records", out.Records())
	if n == capture.CodeFatal {
		fmt.Fprintf(stderr, "Cannot dispatch capture: %s\n", dev.ErrorString())
		code = exitFailure
	}

	session.Flush()
	if dw != nil {
		dw.Flush()
	}
	fw.Flush()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ov.DefaultStopTimeout)
	defer cancel()
	if err := dev.CaptureStop(stopCtx); err != nil {
		pkg.LogWarn(pkg.ComponentCapture, "capture stop failed", "error", err)
	}
	return code
}
