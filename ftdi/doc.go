// Package ftdi holds the FT2232H protocol details the OpenVizsla relies on:
// USB identifiers, channel endpoints, SIO vendor requests, MPSSE GPIO
// commands and the two-byte modem status header that prefixes every IN
// packet.
//
// The package performs no I/O. Transports in hal/libusb and hal/sim build on
// it.
package ftdi
