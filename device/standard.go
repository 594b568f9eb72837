package device

import (
	"encoding/binary"

	"github.com/ardnew/usbdev/pkg"
)

// setupResult is the dispatcher's verdict on a standard request.
type setupResult uint8

const (
	setupHandled  setupResult = iota // request handled, advance the transfer
	setupFailed                      // request rejected, stall EP0
	setupDeferred                    // waiting on a subclass completion
	setupForward                     // not ours, forward to the subclass
)

// GET_STATUS response bits.
const (
	deviceStatusSelfPowered  = 1 << 0
	deviceStatusRemoteWakeup = 1 << 1
	endpointStatusHalted     = 1 << 0
)

// dispatchStandard handles standard requests the engine owns. Requests it
// does not recognize are forwarded to the subclass, which may know them as
// class-defined uses of reserved codes. Lock held.
func (d *Device) dispatchStandard(s *SetupPacket) setupResult {
	switch s.Recipient() {
	case RequestRecipientDevice:
		return d.standardDeviceRequest(s)
	case RequestRecipientInterface:
		return d.standardInterfaceRequest(s)
	case RequestRecipientEndpoint:
		return d.standardEndpointRequest(s)
	default:
		return setupFailed
	}
}

func (d *Device) standardDeviceRequest(s *SetupPacket) setupResult {
	switch s.Request {
	case RequestGetStatus:
		if d.state != StateAddress && d.state != StateConfigured {
			return setupFailed
		}
		var status uint16
		if d.remoteWakeup {
			status |= deviceStatusRemoteWakeup
		}
		binary.LittleEndian.PutUint16(d.responseBuf[:2], status)
		d.transferSend(d.responseBuf[:2])
		return setupHandled

	case RequestClearFeature, RequestSetFeature:
		if d.state != StateAddress && d.state != StateConfigured {
			return setupFailed
		}
		if s.Value != FeatureDeviceRemoteWakeup {
			// TEST_MODE and reserved selectors are not supported.
			return setupFailed
		}
		d.remoteWakeup = s.Request == RequestSetFeature
		pkg.LogDebug(pkg.ComponentControl, "remote wakeup feature",
			"enabled", d.remoteWakeup)
		return setupHandled

	case RequestSetAddress:
		if d.state != StateDefault && d.state != StateAddress {
			return setupFailed
		}
		// The address takes effect when the status stage completes; see
		// controlStatusDone.
		return setupHandled

	case RequestGetDescriptor:
		return d.getDescriptorRequest(s)

	case RequestSetDescriptor:
		return setupFailed

	case RequestGetConfiguration:
		d.responseBuf[0] = d.configuration
		d.transferSend(d.responseBuf[:1])
		return setupHandled

	case RequestSetConfiguration:
		if d.state != StateAddress && d.state != StateConfigured {
			return setupFailed
		}
		value := uint8(s.Value & 0xFF)
		if value == 0 {
			// Deconfigure synchronously: drop data endpoints and fall
			// back to the Address state.
			d.endpointRemoveAll()
			d.configuration = 0
			d.currentInterface = 0
			d.currentAlternate = 0
			d.changeState(StateAddress)
			return setupHandled
		}
		d.pending = pendingSetConfiguration
		d.handler.SetConfiguration(value)
		return setupDeferred

	default:
		return setupForward
	}
}

// getDescriptorRequest serves GET_DESCRIPTOR for the descriptor types the
// engine owns. Unknown types fail; the subclass sees them first via
// Request and can serve its own before passing through.
func (d *Device) getDescriptorRequest(s *SetupPacket) setupResult {
	switch s.DescriptorType() {
	case DescriptorTypeDevice:
		d.transferSend(d.deviceDescriptor[:])
		return setupHandled

	case DescriptorTypeConfiguration:
		if s.DescriptorIndex() != 0 {
			return setupFailed
		}
		cfg := d.configurationDescriptor()
		if cfg == nil {
			return setupFailed
		}
		d.transferSend(cfg)
		return setupHandled

	case DescriptorTypeString:
		data := d.stringDescriptor(s.DescriptorIndex())
		if data == nil {
			return setupFailed
		}
		d.transferSend(data)
		return setupHandled

	default:
		return setupFailed
	}
}

func (d *Device) standardInterfaceRequest(s *SetupPacket) setupResult {
	switch s.Request {
	case RequestGetStatus:
		if d.state != StateConfigured {
			return setupFailed
		}
		// All interface status bits are reserved as zero.
		d.responseBuf[0] = 0
		d.responseBuf[1] = 0
		d.transferSend(d.responseBuf[:2])
		return setupHandled

	case RequestGetInterface:
		if d.state != StateConfigured || s.Index != d.currentInterface {
			return setupFailed
		}
		d.responseBuf[0] = d.currentAlternate
		d.transferSend(d.responseBuf[:1])
		return setupHandled

	case RequestSetInterface:
		if d.state != StateConfigured {
			return setupFailed
		}
		d.pending = pendingSetInterface
		d.handler.SetInterface(s.Index, uint8(s.Value&0xFF))
		return setupDeferred

	case RequestClearFeature, RequestSetFeature:
		// No standard interface features are defined.
		return setupFailed

	default:
		return setupForward
	}
}

func (d *Device) standardEndpointRequest(s *SetupPacket) setupResult {
	endpoint := s.EndpointAddress()

	switch s.Request {
	case RequestGetStatus:
		if endpoint&0x0F == 0 {
			// EP0 is never halted.
			d.responseBuf[0] = 0
			d.responseBuf[1] = 0
			d.transferSend(d.responseBuf[:2])
			return setupHandled
		}
		if d.state != StateConfigured || !d.endpointAdded(endpoint) {
			return setupFailed
		}
		var status uint16
		if d.endpoints[endpointSlot(endpoint)].flags&epStalled != 0 {
			status |= endpointStatusHalted
		}
		binary.LittleEndian.PutUint16(d.responseBuf[:2], status)
		d.transferSend(d.responseBuf[:2])
		return setupHandled

	case RequestClearFeature, RequestSetFeature:
		if s.Value != FeatureEndpointHalt {
			return setupFailed
		}
		if endpoint&0x0F == 0 {
			// ENDPOINT_HALT on EP0 is accepted but has no effect.
			return setupHandled
		}
		if d.state != StateConfigured || !d.endpointAdded(endpoint) {
			return setupFailed
		}
		info := &d.endpoints[endpointSlot(endpoint)]
		if s.Request == RequestSetFeature {
			if info.flags&(epReadArmed|epWriteBusy) != 0 {
				d.phy.EndpointAbort(endpoint)
			}
			info.flags &^= epReadArmed | epWriteBusy
			info.flags |= epStalled
			info.pending = 0
			d.phy.EndpointStall(endpoint)
		} else {
			info.flags &^= epStalled
			d.phy.EndpointUnstall(endpoint)
		}
		pkg.LogDebug(pkg.ComponentControl, "endpoint halt feature",
			"endpoint", endpoint, "halted", s.Request == RequestSetFeature)
		return setupHandled

	default:
		return setupForward
	}
}
