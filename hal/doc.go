// Package hal defines the hardware abstraction layer between the OpenVizsla
// library and a concrete USB stack.
//
// A [Device] exposes the two FT2232H channels as [Port] values and the
// streaming side of channel A as a [BulkTransport]. The capture loop only
// sees BulkTransport; register access, FPGA configuration and mode switches
// go through Port.
//
// # Implementations
//
//   - hal/libusb drives real hardware through github.com/google/gousb.
//   - hal/sim is an in-memory analyzer for tests and examples.
//
// # Completion model
//
// Transfers complete asynchronously but their callbacks only run inside
// [BulkTransport.WaitForEvents], on the goroutine that called it. This keeps
// stream decoding single-threaded without locks around the decoder.
package hal
