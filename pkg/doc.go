// Package pkg provides shared utilities for the usbdev engine.
//
// It contains the ambient concerns used across the module:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error values for USB protocol and engine errors
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with engine-specific context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentDevice, "device configured", "config", 1)
//
// # Errors
//
// Common errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrAlreadyInitialized) {
//	    // Device is already up
//	}
package pkg
