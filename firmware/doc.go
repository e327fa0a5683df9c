// Package firmware reads OpenVizsla firmware packages.
//
// A package is a zip archive with two members: map.txt, the gateware
// register map, and ov3.bit, a Xilinx bitstream file. [ParseBitfile] splits a
// .bit file into its header strings and the raw configuration data, which is
// sent to the FPGA bit-reversed (see [ReverseBits]).
package firmware
