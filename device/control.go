package device

import (
	"github.com/ardnew/usbdev/pkg"
)

// controlStage tracks the EP0 transfer stage.
type controlStage uint8

const (
	stageSetup   controlStage = iota // waiting for a SETUP packet
	stageDataOut                     // receiving host data
	stageDataIn                      // sending device data
	stageStatus                      // status handshake in flight
)

func (s controlStage) String() string {
	switch s {
	case stageSetup:
		return "Setup"
	case stageDataOut:
		return "DataOut"
	case stageDataIn:
		return "DataIn"
	case stageStatus:
		return "Status"
	default:
		return "Unknown"
	}
}

// controlTransfer holds the state of the control transfer in progress.
type controlTransfer struct {
	setup        SetupPacket
	data         []byte // unsent (IN) or unfilled (OUT) remainder
	stage        controlStage
	zlp          bool // short-terminate the IN data stage
	notify       bool // invoke RequestDone after the status stage
	userCallback bool // data buffer is subclass-owned
}

// pendingCallback names the subclass completion the engine is waiting on.
// While one is outstanding the engine will not process a new SETUP packet.
type pendingCallback uint8

const (
	pendingNone pendingCallback = iota
	pendingRequest
	pendingRequestDone
	pendingSetConfiguration
	pendingSetInterface
)

// ep0SetupEvent handles SETUP packet arrival. A new SETUP unconditionally
// supersedes whatever EP0 was doing; if a subclass completion is still
// outstanding, processing is deferred until the matching Complete call.
func (d *Device) ep0SetupEvent() {
	d.lock.assertHeld()

	if d.state < StateDefault {
		return
	}
	if d.pending != pendingNone {
		d.setupReady = true
		d.abortPending = true
		return
	}
	if d.transfer.stage != stageSetup {
		d.controlAbort()
	}
	d.controlSetup()
}

// controlSetup reads and dispatches the pending SETUP packet. Lock held.
func (d *Device) controlSetup() {
	d.setupReady = false
	d.abortPending = false

	n := d.phy.EP0SetupRead(d.packetBuf[:])
	if err := ParseSetupPacket(d.packetBuf[:n], &d.transfer.setup); err != nil {
		pkg.LogWarn(pkg.ComponentControl, "malformed setup packet", "len", n)
		d.controlStall()
		return
	}
	d.transfer.data = nil
	d.transfer.stage = stageSetup
	d.transfer.zlp = false
	d.transfer.notify = false
	d.transfer.userCallback = false

	pkg.LogDebug(pkg.ComponentControl, "setup", "packet", d.transfer.setup.String())
	d.requestSetup()
}

// requestSetup routes the parsed SETUP packet: standard requests go to the
// dispatcher, everything else is forwarded to the subclass.
func (d *Device) requestSetup() {
	if !d.transfer.setup.IsStandard() {
		d.forwardRequest()
		return
	}
	switch d.dispatchStandard(&d.transfer.setup) {
	case setupHandled:
		d.controlContinue()
	case setupFailed:
		d.controlStall()
	case setupForward:
		d.forwardRequest()
	case setupDeferred:
		// Completion arrives via CompleteSetConfiguration or
		// CompleteSetInterface.
	}
}

// forwardRequest hands the request to the subclass. The subclass answers
// asynchronously through CompleteRequest.
func (d *Device) forwardRequest() {
	d.pending = pendingRequest
	d.transfer.userCallback = true
	setup := d.transfer.setup
	d.handler.Request(&setup)
}

// CompleteRequest is the subclass's answer to a forwarded Request callback.
// For Receive the buffer receives the host's data stage; for Send it
// supplies the response. Panics if no Request callback is outstanding, or
// if the result direction contradicts the setup packet.
func (d *Device) CompleteRequest(result RequestResult, data []byte) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.pending != pendingRequest {
		panic("usbdev: CompleteRequest without outstanding Request")
	}
	d.pending = pendingNone
	d.transfer.userCallback = false

	if d.abortPending {
		d.controlAbort()
		if d.setupReady {
			d.controlSetup()
		}
		return
	}

	switch result {
	case Receive:
		if d.transfer.setup.IsDeviceToHost() {
			panic("usbdev: Receive on a device-to-host request")
		}
		d.transfer.data = trimToLength(data, d.transfer.setup.Length)
		d.transfer.notify = true
		d.controlContinue()
	case Send:
		if !d.transfer.setup.IsDeviceToHost() && len(data) > 0 {
			panic("usbdev: Send on a host-to-device request")
		}
		d.transfer.data = trimToLength(data, d.transfer.setup.Length)
		d.transfer.notify = true
		d.controlContinue()
	case Success:
		d.transfer.data = nil
		d.controlContinue()
	case Failure:
		d.controlStall()
	case PassThrough:
		if !d.transfer.setup.IsStandard() {
			d.controlStall()
			return
		}
		switch d.dispatchStandard(&d.transfer.setup) {
		case setupHandled:
			d.controlContinue()
		case setupDeferred:
		default:
			d.controlStall()
		}
	default:
		panic("usbdev: invalid RequestResult")
	}
}

// controlContinue advances the transfer past the setup stage, scheduling
// the data stage dictated by the setup packet, or the status stage when
// there is no data to move.
func (d *Device) controlContinue() {
	setup := &d.transfer.setup

	if setup.Length == 0 {
		d.transfer.stage = stageStatus
		d.phy.EP0Write(nil)
		return
	}

	if setup.IsDeviceToHost() {
		mps := int(d.maxPacketSize0)
		n := len(d.transfer.data)
		d.transfer.zlp = n > 0 && n < int(setup.Length) && n%mps == 0
		d.transfer.stage = stageDataIn
		d.controlWriteNext()
		return
	}

	if len(d.transfer.data) == 0 {
		// Host wants to send data but no receive buffer was provided.
		d.controlStall()
		return
	}
	d.transfer.stage = stageDataOut
	d.phy.EP0Read()
}

// controlWriteNext queues the next IN data packet on EP0.
func (d *Device) controlWriteNext() {
	n := len(d.transfer.data)
	if mps := int(d.maxPacketSize0); n > mps {
		n = mps
	}
	d.phy.EP0Write(d.transfer.data[:n])
	d.transfer.data = d.transfer.data[n:]
}

// ep0InEvent handles EP0 IN completion: the host collected the packet the
// engine queued last.
func (d *Device) ep0InEvent() {
	d.lock.assertHeld()

	switch d.transfer.stage {
	case stageDataIn:
		if len(d.transfer.data) > 0 {
			d.controlWriteNext()
			return
		}
		if d.transfer.zlp {
			d.transfer.zlp = false
			d.phy.EP0Write(nil)
			return
		}
		// Data stage done; the host acknowledges with an OUT status.
		d.transfer.stage = stageStatus
		d.phy.EP0Read()
	case stageStatus:
		d.controlStatusDone()
	default:
		pkg.LogDebug(pkg.ComponentControl, "spurious EP0 IN", "stage", d.transfer.stage.String())
	}
}

// ep0OutEvent handles EP0 OUT completion: host data or an OUT status
// handshake arrived.
func (d *Device) ep0OutEvent() {
	d.lock.assertHeld()

	switch d.transfer.stage {
	case stageDataOut:
		n := d.phy.EP0ReadResult(d.packetBuf[:])
		if n > len(d.transfer.data) {
			pkg.LogWarn(pkg.ComponentControl, "EP0 OUT overflow",
				"got", n, "space", len(d.transfer.data))
			d.controlAbort()
			d.phy.EP0Stall()
			return
		}
		copy(d.transfer.data, d.packetBuf[:n])
		d.transfer.data = d.transfer.data[n:]
		if n < int(d.maxPacketSize0) || len(d.transfer.data) == 0 {
			// Short packet or buffer full ends the data stage.
			d.transfer.stage = stageStatus
			d.phy.EP0Write(nil)
			return
		}
		d.phy.EP0Read()
	case stageStatus:
		d.controlStatusDone()
	default:
		pkg.LogDebug(pkg.ComponentControl, "spurious EP0 OUT", "stage", d.transfer.stage.String())
	}
}

// controlStatusDone finishes a control transfer after its status stage.
// Deferred effects (SET_ADDRESS) apply here, then the subclass is notified
// if it asked to observe the request's completion.
func (d *Device) controlStatusDone() {
	setup := &d.transfer.setup
	d.transfer.stage = stageSetup

	if setup.IsStandard() && setup.Recipient() == RequestRecipientDevice &&
		setup.Request == RequestSetAddress {
		address := uint8(setup.Value & 0x7F)
		d.phy.SetAddress(address)
		if address != 0 {
			d.changeState(StateAddress)
		} else {
			d.changeState(StateDefault)
		}
		pkg.LogInfo(pkg.ComponentControl, "address assigned", "address", address)
	}

	if d.transfer.notify {
		d.transfer.notify = false
		d.pending = pendingRequestDone
		setupCopy := *setup
		d.handler.RequestDone(&setupCopy)
		return
	}
	if d.setupReady {
		d.controlSetup()
	}
}

// CompleteRequestDone acknowledges a RequestDone callback. A false success
// stalls EP0. Panics if no RequestDone callback is outstanding.
func (d *Device) CompleteRequestDone(success bool) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.pending != pendingRequestDone {
		panic("usbdev: CompleteRequestDone without outstanding RequestDone")
	}
	d.pending = pendingNone

	if d.abortPending {
		d.controlAbort()
		if d.setupReady {
			d.controlSetup()
		}
		return
	}
	if !success {
		d.controlStall()
		return
	}
	if d.setupReady {
		d.controlSetup()
	}
}

// CompleteSetConfiguration is the subclass's answer to a SetConfiguration
// callback. On success the engine records the configuration, enters the
// Configured state, and completes the control transfer; on failure EP0 is
// stalled. Panics if no SetConfiguration callback is outstanding.
func (d *Device) CompleteSetConfiguration(success bool) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.pending != pendingSetConfiguration {
		panic("usbdev: CompleteSetConfiguration without outstanding SetConfiguration")
	}
	d.pending = pendingNone

	if d.abortPending {
		d.controlAbort()
		if d.setupReady {
			d.controlSetup()
		}
		return
	}
	if !success {
		d.controlStall()
		return
	}
	d.configuration = uint8(d.transfer.setup.Value & 0xFF)
	d.changeState(StateConfigured)
	pkg.LogInfo(pkg.ComponentDevice, "configured", "configuration", d.configuration)
	d.controlContinue()
}

// CompleteSetInterface is the subclass's answer to a SetInterface callback.
// On success the engine records the interface and alternate setting and
// completes the control transfer; on failure EP0 is stalled. Panics if no
// SetInterface callback is outstanding.
func (d *Device) CompleteSetInterface(success bool) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.pending != pendingSetInterface {
		panic("usbdev: CompleteSetInterface without outstanding SetInterface")
	}
	d.pending = pendingNone

	if d.abortPending {
		d.controlAbort()
		if d.setupReady {
			d.controlSetup()
		}
		return
	}
	if !success {
		d.controlStall()
		return
	}
	d.currentInterface = d.transfer.setup.Index
	d.currentAlternate = uint8(d.transfer.setup.Value & 0xFF)
	d.controlContinue()
}

// controlStall rejects the current request and returns EP0 to the setup
// stage.
func (d *Device) controlStall() {
	d.transfer.stage = stageSetup
	d.transfer.data = nil
	d.transfer.zlp = false
	d.transfer.notify = false
	d.transfer.userCallback = false
	d.phy.EP0Stall()
}

// controlAbort discards the transfer in progress without a stall and
// without completion notification. Used when a new SETUP supersedes the
// current transfer and on disconnect and reset.
func (d *Device) controlAbort() {
	if d.transfer.stage != stageSetup {
		pkg.LogDebug(pkg.ComponentControl, "transfer aborted",
			"stage", d.transfer.stage.String())
	}
	d.transfer.stage = stageSetup
	d.transfer.data = nil
	d.transfer.zlp = false
	d.transfer.notify = false
	d.transfer.userCallback = false
}

// transferSend stages an IN data phase from the engine's own buffer,
// trimmed to the host's requested length.
func (d *Device) transferSend(data []byte) {
	d.transfer.data = trimToLength(data, d.transfer.setup.Length)
}

// trimToLength bounds a data stage to the wLength the host asked for.
func trimToLength(data []byte, length uint16) []byte {
	if len(data) > int(length) {
		return data[:length]
	}
	return data
}
