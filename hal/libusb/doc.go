// Package libusb implements hal.Device for a physical OpenVizsla using
// gousb.
//
// Both FT2232H interfaces are claimed on Open. FTDI vendor requests go
// through the control endpoint, and synchronous reads strip the two modem
// status bytes that begin every USB packet. The streaming transport runs
// one ReadContext per submitted transfer and hands completions back, in
// submission order, on the goroutine that calls WaitForEvents.
package libusb
