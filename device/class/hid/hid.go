package hid

import (
	"sync"

	"github.com/ardnew/usbdev/device"
	"github.com/ardnew/usbdev/device/hal"
	"github.com/ardnew/usbdev/pkg"
)

// Keyboard endpoint and interface layout.
const (
	keyboardInterface  = 0    // single interface, number 0
	keyboardInEndpoint = 0x81 // interrupt IN, endpoint 1
	keyboardInterval   = 10   // polling interval in ms
	configValue        = 1    // the only configuration
)

// configDescriptorSize is the keyboard's complete configuration blob:
// configuration + interface + HID + endpoint descriptors.
const configDescriptorSize = device.ConfigurationDescriptorSize +
	device.InterfaceDescriptorSize + HIDDescriptorSize +
	device.EndpointDescriptorSize

// Keyboard is a boot-protocol HID keyboard. It implements both
// device.Handler and device.DescriptorSource, so it plugs directly into
// device.New as the subclass:
//
//	kb := hid.NewKeyboard()
//	dev := device.New(phy, kb, device.Config{VendorID: ..., ProductID: ...})
//	kb.Bind(dev)
//
// Keyboard callbacks run on the engine's event goroutine; the Keyboard
// answers them synchronously through the engine's Complete methods.
type Keyboard struct {
	mu  sync.RWMutex
	dev *device.Device

	protocol uint8
	idleRate uint8 // 4ms units, 0 = report only on change
	ledState uint8
	onLED    func(leds uint8)

	configured bool
	inFlight   bool

	report     KeyboardReport
	reportBuf  [KeyboardReportSize]byte
	outputBuf  [1]byte // LED state arriving via SET_REPORT
	ledPending bool

	configDescriptor [configDescriptorSize]byte
}

// NewKeyboard creates an unbound keyboard. Bind it to a device with Bind
// before initializing the device.
func NewKeyboard() *Keyboard {
	kb := &Keyboard{protocol: ProtocolReport}
	kb.buildConfigDescriptor()
	return kb
}

// Bind attaches the keyboard to its device engine.
func (k *Keyboard) Bind(dev *device.Device) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.dev = dev
}

// SetOnLED registers an observer for host LED state changes (caps lock,
// num lock, and friends) delivered via SET_REPORT.
func (k *Keyboard) SetOnLED(fn func(leds uint8)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.onLED = fn
}

// Protocol returns the active protocol (boot or report).
func (k *Keyboard) Protocol() uint8 {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.protocol
}

// IdleRate returns the idle rate in 4ms units.
func (k *Keyboard) IdleRate() uint8 {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.idleRate
}

// LEDState returns the last LED state the host sent.
func (k *Keyboard) LEDState() uint8 {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.ledState
}

// Ready reports whether the keyboard is configured and able to send.
func (k *Keyboard) Ready() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.configured
}

// Press adds a key to the current report and sends it. Returns false if
// the keyboard is not configured, the report is full, or a previous report
// is still in flight.
func (k *Keyboard) Press(key uint8) bool {
	k.mu.Lock()
	if !k.report.SetKey(key) {
		k.mu.Unlock()
		return false
	}
	k.mu.Unlock()
	return k.SendReport()
}

// Release removes a key from the current report and sends it.
func (k *Keyboard) Release(key uint8) bool {
	k.mu.Lock()
	k.report.ClearKey(key)
	k.mu.Unlock()
	return k.SendReport()
}

// SetModifiers replaces the modifier byte and sends the report.
func (k *Keyboard) SetModifiers(mods uint8) bool {
	k.mu.Lock()
	k.report.Modifiers = mods
	k.mu.Unlock()
	return k.SendReport()
}

// SendReport sends the current input report on the interrupt IN endpoint.
// Returns false if the keyboard is not configured or a report is still in
// flight.
func (k *Keyboard) SendReport() bool {
	k.mu.Lock()
	dev := k.dev
	if dev == nil || !k.configured || k.inFlight {
		k.mu.Unlock()
		return false
	}
	k.report.MarshalTo(k.reportBuf[:])
	data := k.reportBuf[:]
	k.inFlight = true
	k.mu.Unlock()

	if !dev.Write(keyboardInEndpoint, data) {
		k.mu.Lock()
		k.inFlight = false
		k.mu.Unlock()
		return false
	}
	return true
}

// inDone is the endpoint callback for the interrupt IN endpoint. It runs
// with the engine lock held.
func (k *Keyboard) inDone(uint8) {
	k.mu.Lock()
	k.inFlight = false
	k.mu.Unlock()
}

// StateChange implements device.Handler. Leaving the Configured state
// invalidates the data endpoint.
func (k *Keyboard) StateChange(state device.State) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if state != device.StateConfigured {
		k.configured = false
		k.inFlight = false
	}
}

// Request implements device.Handler: HID class requests plus the
// interface-recipient GET_DESCRIPTOR for HID and report descriptors.
func (k *Keyboard) Request(setup *device.SetupPacket) {
	dev := k.device()
	if dev == nil {
		return
	}

	if setup.IsStandard() {
		if setup.Request == device.RequestGetDescriptor &&
			setup.Recipient() == device.RequestRecipientInterface {
			k.requestGetDescriptor(dev, setup)
			return
		}
		dev.CompleteRequest(device.PassThrough, nil)
		return
	}
	if !setup.IsClass() || setup.Recipient() != device.RequestRecipientInterface {
		dev.CompleteRequest(device.PassThrough, nil)
		return
	}

	switch setup.Request {
	case RequestGetReport:
		k.mu.Lock()
		k.report.MarshalTo(k.reportBuf[:])
		k.mu.Unlock()
		dev.CompleteRequest(device.Send, k.reportBuf[:])

	case RequestSetReport:
		if uint8(setup.Value>>8) != ReportTypeOutput || setup.Length == 0 {
			dev.CompleteRequest(device.Failure, nil)
			return
		}
		k.mu.Lock()
		k.ledPending = true
		k.mu.Unlock()
		dev.CompleteRequest(device.Receive, k.outputBuf[:])

	case RequestGetIdle:
		k.mu.Lock()
		k.reportBuf[0] = k.idleRate
		k.mu.Unlock()
		dev.CompleteRequest(device.Send, k.reportBuf[:1])

	case RequestSetIdle:
		rate := uint8(setup.Value >> 8)
		k.mu.Lock()
		k.idleRate = rate
		k.mu.Unlock()
		pkg.LogDebug(pkg.ComponentClass, "SET_IDLE", "rate", rate)
		dev.CompleteRequest(device.Success, nil)

	case RequestGetProtocol:
		k.mu.Lock()
		k.reportBuf[0] = k.protocol
		k.mu.Unlock()
		dev.CompleteRequest(device.Send, k.reportBuf[:1])

	case RequestSetProtocol:
		protocol := uint8(setup.Value & 0xFF)
		if protocol > ProtocolReport {
			dev.CompleteRequest(device.Failure, nil)
			return
		}
		k.mu.Lock()
		k.protocol = protocol
		k.mu.Unlock()
		pkg.LogDebug(pkg.ComponentClass, "SET_PROTOCOL", "protocol", protocol)
		dev.CompleteRequest(device.Success, nil)

	default:
		dev.CompleteRequest(device.Failure, nil)
	}
}

func (k *Keyboard) requestGetDescriptor(dev *device.Device, setup *device.SetupPacket) {
	switch setup.DescriptorType() {
	case DescriptorTypeHID:
		if desc := dev.FindDescriptor(DescriptorTypeHID); desc != nil {
			dev.CompleteRequest(device.Send, desc)
			return
		}
		dev.CompleteRequest(device.Failure, nil)

	case DescriptorTypeReport:
		dev.CompleteRequest(device.Send, KeyboardReportDescriptor)

	default:
		dev.CompleteRequest(device.Failure, nil)
	}
}

// RequestDone implements device.Handler. Output report data becomes valid
// here, once the status stage has completed.
func (k *Keyboard) RequestDone(setup *device.SetupPacket) {
	dev := k.device()
	if dev == nil {
		return
	}

	k.mu.Lock()
	var fn func(uint8)
	var leds uint8
	if k.ledPending {
		k.ledPending = false
		k.ledState = k.outputBuf[0]
		leds = k.ledState
		fn = k.onLED
	}
	k.mu.Unlock()

	if fn != nil {
		pkg.LogDebug(pkg.ComponentClass, "LED report", "leds", leds)
		fn(leds)
	}
	dev.CompleteRequestDone(true)
}

// SetConfiguration implements device.Handler: configuration 1 brings up
// the interrupt IN endpoint.
func (k *Keyboard) SetConfiguration(configuration uint8) {
	dev := k.device()
	if dev == nil {
		return
	}
	if configuration != configValue {
		dev.CompleteSetConfiguration(false)
		return
	}

	// A repeated SET_CONFIGURATION re-issues the endpoint: the previous
	// configuration's endpoint must come out before it goes back in.
	k.mu.Lock()
	wasConfigured := k.configured
	k.mu.Unlock()
	if wasConfigured {
		dev.EndpointRemove(keyboardInEndpoint)
	}

	if !dev.EndpointAdd(keyboardInEndpoint, KeyboardReportSize,
		hal.EndpointTypeInterrupt, k.inDone) {
		dev.CompleteSetConfiguration(false)
		return
	}
	k.mu.Lock()
	k.configured = true
	k.inFlight = false
	k.report.Clear()
	k.mu.Unlock()
	dev.CompleteSetConfiguration(true)
}

// SetInterface implements device.Handler. The keyboard has a single
// interface with no alternate settings.
func (k *Keyboard) SetInterface(iface uint16, alternate uint8) {
	dev := k.device()
	if dev == nil {
		return
	}
	dev.CompleteSetInterface(iface == keyboardInterface && alternate == 0)
}

func (k *Keyboard) device() *device.Device {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.dev
}

// buildConfigDescriptor assembles the configuration blob: configuration,
// interface, HID, and endpoint descriptors.
func (k *Keyboard) buildConfigDescriptor() {
	buf := k.configDescriptor[:]
	n := 0

	cfg := device.ConfigurationDescriptor{
		TotalLength:        configDescriptorSize,
		NumInterfaces:      1,
		ConfigurationValue: configValue,
		ConfigurationIndex: device.StringIndexConfiguration,
		Attributes:         device.ConfigAttrBusPowered,
		MaxPower:           50, // 100mA
	}
	n += cfg.MarshalTo(buf[n:])

	iface := device.InterfaceDescriptor{
		InterfaceNumber:   keyboardInterface,
		NumEndpoints:      1,
		InterfaceClass:    ClassHID,
		InterfaceSubClass: SubclassBoot,
		InterfaceProtocol: ProtocolKeyboard,
		InterfaceIndex:    device.StringIndexInterface,
	}
	n += iface.MarshalTo(buf[n:])

	hidDesc := HIDDescriptor{
		HIDVersion:     0x0111,
		NumDescriptors: 1,
		ReportDescLen:  uint16(len(KeyboardReportDescriptor)),
	}
	n += hidDesc.MarshalTo(buf[n:])

	ep := device.EndpointDescriptor{
		EndpointAddress: keyboardInEndpoint,
		Attributes:      hal.EndpointTypeInterrupt,
		MaxPacketSize:   KeyboardReportSize,
		Interval:        keyboardInterval,
	}
	ep.MarshalTo(buf[n:])
}

// DescriptorSource implementation. String descriptors fall back to the
// engine defaults except for the product name.

func (k *Keyboard) ConfigurationDescriptor() []byte { return k.configDescriptor[:] }
func (k *Keyboard) StringLangID() []byte            { return nil }
func (k *Keyboard) StringManufacturer() []byte      { return nil }
func (k *Keyboard) StringProduct() []byte           { return productString }
func (k *Keyboard) StringSerial() []byte            { return nil }
func (k *Keyboard) StringConfiguration() []byte     { return nil }
func (k *Keyboard) StringInterface() []byte         { return nil }

var productString = makeStringDescriptor("HID Keyboard")

func makeStringDescriptor(s string) []byte {
	buf := make([]byte, 2+len(s)*2)
	n := device.StringDescriptorTo(buf, s)
	return buf[:n]
}

// Compile-time interface checks.
var (
	_ device.Handler          = (*Keyboard)(nil)
	_ device.DescriptorSource = (*Keyboard)(nil)
)
