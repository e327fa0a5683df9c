package decoder

// config holds decoder settings shared by packet and frame decoders.
type config struct {
	format   Format
	checksum bool
}

func defaultConfig() config {
	return config{format: FormatCompact}
}

// Option configures a decoder.
type Option func(*config)

// WithFormat selects the packet record layout. The default is FormatCompact.
func WithFormat(f Format) Option {
	return func(c *config) {
		c.format = f
	}
}

// WithChecksum makes a register frame with a bad checksum a fatal
// ProtocolError. By default the mismatch is only logged.
func WithChecksum(enforce bool) Option {
	return func(c *config) {
		c.checksum = enforce
	}
}
