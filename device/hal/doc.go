// Package hal defines the physical-layer boundary of the USB device engine.
//
// The boundary has two halves. [Phy] is implemented by the platform driver
// and gives the engine raw packet I/O, endpoint configuration, and bus-level
// controls. [Events] is implemented by the engine and receives bus events
// (power, reset, SOF, SETUP, transfer completions) from the driver.
//
// # Event delivery contract
//
// A Phy delivers all events from one serialized interrupt context: event
// calls never overlap each other, and the driver never nests them. The
// engine relies on this to treat every event handler as atomic with respect
// to other events. Task-level API calls synchronize with events through the
// engine's own lock, not through the Phy.
//
// The reference in-memory implementation used for testing lives in
// [github.com/ardnew/usbdev/device/hal/sim].
package hal
