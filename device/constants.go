package device

import "fmt"

// MaxControlDataSize is the largest data stage the engine's internal
// response buffer can hold. Covers the largest typical configuration
// descriptor; class data phases use subclass-supplied buffers and are not
// bound by this limit.
const MaxControlDataSize = 512

// Device states as defined in USB 2.0 specification section 9.1.
// Suspension is tracked separately and is not a state of its own.
const (
	StateAttached   State = 0 // Attached but not powered
	StatePowered    State = 1 // VBUS power present
	StateDefault    State = 2 // Reset received, responding at address 0
	StateAddress    State = 3 // Unique address assigned
	StateConfigured State = 4 // Configuration selected, data endpoints live
)

// State represents the USB device state.
type State uint8

// String returns a human-readable state description.
func (s State) String() string {
	switch s {
	case StateAttached:
		return "Attached"
	case StatePowered:
		return "Powered"
	case StateDefault:
		return "Default"
	case StateAddress:
		return "Address"
	case StateConfigured:
		return "Configured"
	default:
		return fmt.Sprintf("Unknown State (%d)", s)
	}
}

// RequestResult is the subclass's answer to a forwarded EP0 request,
// reported through [Device.CompleteRequest].
type RequestResult int

// Request results.
const (
	// Receive schedules a host-to-device data phase into the supplied
	// buffer.
	Receive RequestResult = iota

	// Send schedules a device-to-host data phase from the supplied
	// buffer.
	Send

	// Success completes the request without a class-specific data phase.
	Success

	// Failure rejects the request; EP0 is stalled.
	Failure

	// PassThrough defers to the engine's standard request handling.
	PassThrough
)

// String returns a human-readable result name.
func (r RequestResult) String() string {
	switch r {
	case Receive:
		return "Receive"
	case Send:
		return "Send"
	case Success:
		return "Success"
	case Failure:
		return "Failure"
	case PassThrough:
		return "PassThrough"
	default:
		return fmt.Sprintf("Unknown Result (%d)", int(r))
	}
}
