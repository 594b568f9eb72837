package pkg

import "errors"

// USB protocol and engine errors. The engine reports host protocol errors
// by stalling EP0 and capacity errors through boolean results; these
// sentinels cover the few operations with an error return.
var (
	// ErrAlreadyInitialized indicates the device was already initialized.
	ErrAlreadyInitialized = errors.New("already initialized")

	// ErrInvalidRequest indicates a malformed or unsupported control request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrSetupPacketTooShort indicates the setup packet data is too short.
	ErrSetupPacketTooShort = errors.New("setup packet too short")

	// ErrDescriptorTooShort indicates the descriptor data is too short.
	ErrDescriptorTooShort = errors.New("descriptor too short")
)
