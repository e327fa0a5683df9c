// Package pcap writes captured USB packets as a nanosecond-resolution
// libpcap stream for Wireshark.
//
// [Clock] turns the analyzer's 60 MHz tick counter into wall-clock
// timestamps, [Filter] optionally drops NAKed transactions and idle SOFs, and
// [Writer] emits the file header and records, flushing after each one so a
// FIFO reader sees packets live.
package pcap
