package ftdi

// USB identifiers of the OpenVizsla FT2232H.
const (
	VendorID  uint16 = 0x1d50
	ProductID uint16 = 0x607c
)

// Configuration is the USB configuration the FT2232H exposes.
const Configuration = 1

// Channel selects one of the two FT2232H interfaces.
type Channel uint8

// FT2232H channels. Channel A carries the FPGA stream and bitstream,
// channel B drives the FPGA configuration pins through MPSSE.
const (
	ChannelA Channel = iota
	ChannelB
)

// String returns the channel letter.
func (c Channel) String() string {
	switch c {
	case ChannelA:
		return "A"
	case ChannelB:
		return "B"
	default:
		return "?"
	}
}

// Interface returns the USB interface number of the channel.
func (c Channel) Interface() int { return int(c) }

// Index returns the wIndex value that addresses the channel in SIO requests.
func (c Channel) Index() uint16 { return uint16(c) + 1 }

// InEndpoint returns the bulk IN endpoint address of the channel.
func (c Channel) InEndpoint() uint8 {
	if c == ChannelB {
		return 0x83
	}
	return 0x81
}

// OutEndpoint returns the bulk OUT endpoint address of the channel.
func (c Channel) OutEndpoint() uint8 {
	if c == ChannelB {
		return 0x04
	}
	return 0x02
}

// RequestTypeOut is bmRequestType for vendor requests to the device.
const RequestTypeOut uint8 = 0x40

// SIO vendor requests.
const (
	SIOReset           uint8 = 0x00
	SIOSetLatencyTimer uint8 = 0x09
	SIOSetBitmode      uint8 = 0x0B
)

// SIOReset values.
const (
	ResetSIO     uint16 = 0 // Reset the channel
	ResetPurgeRX uint16 = 1 // Purge the receive buffer
	ResetPurgeTX uint16 = 2 // Purge the transmit buffer
)

// BitmodeValue encodes the wValue of a SIOSetBitmode request.
func BitmodeValue(mask, mode uint8) uint16 {
	return uint16(mode)<<8 | uint16(mask)
}

// DefaultLatency is the latency timer, in milliseconds, used for streaming.
const DefaultLatency = 1

// MaxPacketSize is the bulk packet size of the FT2232H at high speed.
const MaxPacketSize = 512
