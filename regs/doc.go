// Package regs reads the gateware register map and performs register
// transactions with the OpenVizsla FPGA.
//
// A transaction is a five-byte frame on channel A:
//
//	55 addr-hi addr-lo value checksum
//
// Bit 15 of the address marks a write. The FPGA echoes every transaction
// with the register's value and the same framing, so a read sends value 0
// and takes the value from the echo.
//
// ULPI PHY registers are reached indirectly through the UCFG_* registers.
package regs
