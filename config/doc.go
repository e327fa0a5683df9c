// Package config loads the TOML settings file shared by the OpenVizsla
// command-line tools.
//
// A file sets any subset of these keys:
//
//	firmware         = "/usr/share/openvizsla/ov3.fwpkg"
//	speed            = "high"    # low, full or high
//	filter_nak       = false
//	filter_sof       = false
//	transfers        = 8
//	transfer_size    = 8192
//	transfer_timeout = "100ms"
//	poll_timeout     = "1s"
//	buffer_size      = 1024
//	format           = "compact" # or legacy
//	checksum         = false
//	log_level        = "warn"
//	log_format       = "text"
//	metrics_addr     = ":9108"
//
// When a tool is given no path, the file named by $OVIZSLA_CONFIG is used.
package config
