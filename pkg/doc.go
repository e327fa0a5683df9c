// Package pkg provides shared utilities for the OpenVizsla capture library.
//
// This package contains common functionality used by the decoder, the
// capture loop, the device HALs and the command-line tools:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel errors for transport, protocol and device failures
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with a component attribute:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentCapture, "session started", "slots", 4)
//
// Tools send logs to their stderr writer and read the level and format from
// their config file:
//
//	pkg.SetLogOutput(stderr)
//	if err := pkg.Configure(cfg.LogLevel, cfg.LogFormat); err != nil {
//	    return err
//	}
//
// # Errors
//
// Common errors are defined as sentinel values and are wrapped by the typed
// errors of other packages:
//
//	if errors.Is(err, pkg.ErrProtocol) {
//	    // The analyzer byte stream is corrupt; discard the decoder.
//	}
package pkg
