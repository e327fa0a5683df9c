// Package capture drives an OpenVizsla capture session.
//
// A [Loop] keeps a fixed pool of bulk transfers in flight on a
// [hal.BulkTransport], strips the FTDI status header from every USB packet
// and feeds the rest to a [decoder.FrameDecoder]. Completed packets go to the
// caller's callback on the goroutine that called [Loop.Run].
//
//	loop, err := capture.New(dev.Stream(), make([]byte, 8192), onPacket)
//	if err != nil {
//	    return err
//	}
//	defer loop.Close()
//
//	switch code := loop.Run(100); {
//	case code > 0:
//	    // 100 packets delivered
//	case code == capture.CodeFatal:
//	    return loop.Err()
//	}
//
// # Stopping
//
// A session ends when the packet limit is reached, a packet carries the
// last-packet flag, the stream echoes a zero write to the host read register,
// an error occurs, or [Loop.Break] is called. Run then cancels the remaining
// transfers and returns only after every slot has completed. Packets decoded
// from bytes that were already in flight are dropped, not delivered.
package capture
