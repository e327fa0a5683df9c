// Package ov drives an OpenVizsla USB analyzer.
//
// A [Device] wraps a hal.Device (hal/libusb for hardware, hal/sim for tests)
// and provides the operations of a capture tool: load a firmware package,
// select the bus speed and run capture sessions.
//
//	d, _ := ov.New(libusb.New(), ov.WithFirmware("ov3.fwpkg"))
//	if err := d.Open(ctx); err != nil { ... }
//	defer d.Close()
//	d.CaptureStart(ctx, make([]byte, 1024), func(p *decoder.Packet) { ... })
//	d.CaptureDispatch(0)
//	d.CaptureStop(ctx)
package ov
