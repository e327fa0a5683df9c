// Package sim implements hal.Device as an in-memory OpenVizsla.
//
// The simulated gateware decodes register transactions written to channel
// A, echoes each one and keeps a register file, including the ULPI bridge
// to the PHY. Packet records queued with [Device.Inject] are streamed as
// bulk frames while SDRAM_HOST_READ_GO is set, so the capture stop
// handshake behaves as on hardware. Channel B answers MPSSE GPIO commands
// and models the FPGA's PROG_B, INIT_B and DONE pins; bytes written to
// channel A in bitbang mode after a PROG_B pulse count as bitstream.
//
// Register transactions are ignored until the FPGA is configured, either
// by loading a bitstream or with [WithConfigured].
package sim
