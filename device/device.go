package device

import (
	"context"

	uatomic "go.uber.org/atomic"

	"github.com/ardnew/usbdev/device/hal"
	"github.com/ardnew/usbdev/pkg"
)

// Handler is the subclass boundary: a USB device class implements Handler
// to receive forwarded control requests and lifecycle notifications.
//
// Every callback runs with the device lock held, on the goroutine that
// delivered the triggering event. A callback may call back into the engine
// synchronously (the lock is reentrant), including the Complete method
// that answers it, but it must not block. Request, RequestDone,
// SetConfiguration, and SetInterface each demand exactly one matching
// Complete call; the engine holds EP0 until it arrives.
type Handler interface {
	// StateChange reports a device state transition. Purely informational;
	// no completion is expected.
	StateChange(state State)

	// Request forwards a non-standard control request (and standard
	// requests the engine does not recognize). Answer with
	// [Device.CompleteRequest].
	Request(setup *SetupPacket)

	// RequestDone reports that a request the subclass answered with Send
	// or Receive has finished its status stage. Answer with
	// [Device.CompleteRequestDone].
	RequestDone(setup *SetupPacket)

	// SetConfiguration asks the subclass to apply a host-selected
	// configuration, typically by adding its data endpoints. Answer with
	// [Device.CompleteSetConfiguration].
	SetConfiguration(configuration uint8)

	// SetInterface asks the subclass to apply an alternate setting.
	// Answer with [Device.CompleteSetInterface].
	SetInterface(iface uint16, alternate uint8)
}

// Config carries the identity parameters of a device.
type Config struct {
	VendorID       uint16
	ProductID      uint16
	ProductRelease uint16 // bcdDevice

	// Descriptors supplies configuration and string descriptors. May be
	// nil only if the Handler also implements DescriptorSource.
	Descriptors DescriptorSource
}

// Device is a USB device-side protocol engine. It owns the control
// endpoint, dispatches standard requests, tracks the device lifecycle, and
// multiplexes data endpoints between the phy and the subclass.
type Device struct {
	phy     hal.Phy
	handler Handler
	desc    DescriptorSource

	vendorID       uint16
	productID      uint16
	productRelease uint16

	lock        deviceLock
	initialized uatomic.Bool

	state            State
	suspended        bool
	configuration    uint8
	remoteWakeup     bool
	currentInterface uint16
	currentAlternate uint8
	stateCh          chan struct{}

	maxPacketSize0 uint16
	transfer       controlTransfer
	pending        pendingCallback
	abortPending   bool
	setupReady     bool

	deviceDescriptor [DeviceDescriptorSize]byte
	responseBuf      [MaxControlDataSize]byte
	packetBuf        [64]byte

	endpoints [numEndpointSlots]endpointInfo

	onPower   func(powered bool)
	onSuspend func(suspended bool)
	onSOF     func(frame int)
	onReset   func()
}

// New creates a device bound to a phy and a subclass handler. If
// cfg.Descriptors is nil and the handler implements DescriptorSource, the
// handler supplies descriptors. Call Init before anything else.
func New(phy hal.Phy, handler Handler, cfg Config) *Device {
	desc := cfg.Descriptors
	if desc == nil {
		if ds, ok := handler.(DescriptorSource); ok {
			desc = ds
		}
	}
	return &Device{
		phy:            phy,
		handler:        handler,
		desc:           desc,
		vendorID:       cfg.VendorID,
		productID:      cfg.ProductID,
		productRelease: cfg.ProductRelease,
		state:          StateAttached,
		stateCh:        make(chan struct{}),
	}
}

// Init initializes the phy and prepares the engine for connection.
// Returns pkg.ErrAlreadyInitialized if called twice without Deinit.
func (d *Device) Init() error {
	if !d.initialized.CompareAndSwap(false, true) {
		return pkg.ErrAlreadyInitialized
	}
	if err := d.phy.Init(&eventSink{d}); err != nil {
		d.initialized.Store(false)
		return err
	}

	d.lock.Lock()
	d.maxPacketSize0 = d.phy.EP0MaxPacketSize()
	if d.maxPacketSize0 == 0 || d.maxPacketSize0 > uint16(len(d.packetBuf)) {
		d.maxPacketSize0 = uint16(len(d.packetBuf))
	}
	d.buildDeviceDescriptor()
	d.lock.Unlock()

	pkg.LogInfo(pkg.ComponentDevice, "initialized",
		"vendorID", d.vendorID, "productID", d.productID,
		"maxPacketSize0", d.maxPacketSize0)
	return nil
}

// Deinit tears the engine down: aborts EP0, removes all endpoints, and
// releases the phy. The device returns to the Attached state without a
// StateChange notification. Safe to call when not initialized.
func (d *Device) Deinit() {
	if !d.initialized.CompareAndSwap(true, false) {
		return
	}

	d.lock.Lock()
	d.controlAbort()
	d.pending = pendingNone
	d.abortPending = false
	d.setupReady = false
	d.endpointRemoveAll()
	d.state = StateAttached
	d.configuration = 0
	d.suspended = false
	d.lock.Unlock()

	d.phy.Deinit()
	pkg.LogInfo(pkg.ComponentDevice, "deinitialized")
}

// Connect enables the phy's bus pull-up, making the device visible to the
// host. Non-blocking; use [Device.WaitConfigured] to wait for enumeration.
func (d *Device) Connect() {
	d.phy.Connect()
	pkg.LogDebug(pkg.ComponentDevice, "connect")
}

// Disconnect removes the device from the bus. Any transfer in progress is
// aborted without completion callbacks.
func (d *Device) Disconnect() {
	d.lock.Lock()
	d.controlAbort()
	d.pending = pendingNone
	d.abortPending = false
	d.setupReady = false
	d.endpointRemoveAll()
	d.configuration = 0
	d.changeState(StateAttached)
	d.lock.Unlock()

	d.phy.Disconnect()
	pkg.LogDebug(pkg.ComponentDevice, "disconnect")
}

// Configured reports whether the device is in the Configured state.
func (d *Device) Configured() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.state == StateConfigured
}

// State returns the current device state.
func (d *Device) State() State {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.state
}

// Suspended reports whether the bus is suspended. Suspension is orthogonal
// to the device state: the state is preserved across suspend and resume.
func (d *Device) Suspended() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.suspended
}

// Configuration returns the active configuration value, zero when not
// configured.
func (d *Device) Configuration() uint8 {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.configuration
}

// WaitConfigured blocks until the device reaches the Configured state or
// ctx is done. It does not initiate connection; call Connect first.
func (d *Device) WaitConfigured(ctx context.Context) error {
	for {
		d.lock.Lock()
		if d.state == StateConfigured {
			d.lock.Unlock()
			return nil
		}
		ch := d.stateCh
		d.lock.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// SOFEnable enables start-of-frame event delivery from the phy.
func (d *Device) SOFEnable() {
	d.phy.SOFEnable()
}

// SOFDisable disables start-of-frame event delivery.
func (d *Device) SOFDisable() {
	d.phy.SOFDisable()
}

// SetOnPower registers an optional observer for VBUS power transitions.
func (d *Device) SetOnPower(fn func(powered bool)) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.onPower = fn
}

// SetOnSuspend registers an optional observer for suspend transitions.
func (d *Device) SetOnSuspend(fn func(suspended bool)) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.onSuspend = fn
}

// SetOnSOF registers an optional observer for start-of-frame events.
func (d *Device) SetOnSOF(fn func(frame int)) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.onSOF = fn
}

// SetOnReset registers an optional observer for bus reset events.
func (d *Device) SetOnReset(fn func()) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.onReset = fn
}

// changeState transitions the device state, notifying the subclass and
// waking WaitConfigured callers. Lock held.
func (d *Device) changeState(state State) {
	if d.state == state {
		return
	}
	prev := d.state
	d.state = state
	pkg.LogDebug(pkg.ComponentDevice, "state change",
		"from", prev.String(), "to", state.String())
	d.handler.StateChange(state)
	close(d.stateCh)
	d.stateCh = make(chan struct{})
}

// powerEvent handles a VBUS power transition. Power loss discards all
// progress; the host must re-enumerate.
func (d *Device) powerEvent(powered bool) {
	if powered {
		if d.state == StateAttached {
			d.changeState(StatePowered)
		}
	} else {
		d.controlAbort()
		d.pending = pendingNone
		d.abortPending = false
		d.setupReady = false
		d.endpointRemoveAll()
		d.configuration = 0
		d.suspended = false
		d.changeState(StateAttached)
	}
	if d.onPower != nil {
		d.onPower(powered)
	}
}

// suspendEvent handles suspend and resume. The device state is preserved.
func (d *Device) suspendEvent(suspended bool) {
	d.suspended = suspended
	pkg.LogDebug(pkg.ComponentDevice, "suspend", "suspended", suspended)
	if d.onSuspend != nil {
		d.onSuspend(suspended)
	}
}

// resetEvent handles a bus reset: all transfers abort, the address and
// configuration are lost, and the device enters the Default state.
func (d *Device) resetEvent() {
	d.controlAbort()
	d.pending = pendingNone
	d.abortPending = false
	d.setupReady = false
	d.configuration = 0
	d.currentInterface = 0
	d.currentAlternate = 0
	d.remoteWakeup = false
	d.endpointRemoveAll()
	d.changeState(StateDefault)
	pkg.LogInfo(pkg.ComponentDevice, "bus reset")
	if d.onReset != nil {
		d.onReset()
	}
}

// eventSink adapts the Device to the hal.Events interface. Every event
// entry point takes the device lock, so event handlers and API calls never
// interleave.
type eventSink struct {
	d *Device
}

func (e *eventSink) Power(powered bool) {
	e.d.lock.Lock()
	defer e.d.lock.Unlock()
	e.d.powerEvent(powered)
}

func (e *eventSink) Suspend(suspended bool) {
	e.d.lock.Lock()
	defer e.d.lock.Unlock()
	e.d.suspendEvent(suspended)
}

func (e *eventSink) SOF(frame int) {
	e.d.lock.Lock()
	defer e.d.lock.Unlock()
	if e.d.onSOF != nil {
		e.d.onSOF(frame)
	}
}

func (e *eventSink) Reset() {
	e.d.lock.Lock()
	defer e.d.lock.Unlock()
	e.d.resetEvent()
}

func (e *eventSink) EP0Setup() {
	e.d.lock.Lock()
	defer e.d.lock.Unlock()
	e.d.ep0SetupEvent()
}

func (e *eventSink) EP0Out() {
	e.d.lock.Lock()
	defer e.d.lock.Unlock()
	e.d.ep0OutEvent()
}

func (e *eventSink) EP0In() {
	e.d.lock.Lock()
	defer e.d.lock.Unlock()
	e.d.ep0InEvent()
}

func (e *eventSink) Out(endpoint uint8) {
	e.d.lock.Lock()
	defer e.d.lock.Unlock()
	e.d.outEvent(endpoint)
}

func (e *eventSink) In(endpoint uint8) {
	e.d.lock.Lock()
	defer e.d.lock.Unlock()
	e.d.inEvent(endpoint)
}

var _ hal.Events = (*eventSink)(nil)
