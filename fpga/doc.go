// Package fpga configures the OpenVizsla's Spartan-6.
//
// Channel B of the FT2232H runs in MPSSE mode and exposes the FPGA's
// PROG_B, INIT_B and DONE pins on its high GPIO byte ([GPIO]). Channel A, in
// bitbang mode, clocks the bitstream into the FPGA one byte per write cycle
// with the bit order reversed ([Programmer]).
package fpga
