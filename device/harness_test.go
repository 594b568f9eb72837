package device

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbdev/device/hal"
	"github.com/ardnew/usbdev/device/hal/sim"
)

// testAddress is the bus address assigned during test enumeration.
const testAddress = 5

// testHandler is a scriptable subclass for exercising the engine. The
// default behavior passes every forwarded request back to the engine and
// accepts configuration 1 with no data endpoints.
type testHandler struct {
	dev *Device

	states       []State
	requests     []SetupPacket
	requestsDone []SetupPacket
	configs      []uint8

	// onRequest, when set, answers forwarded requests. When nil the
	// handler completes with PassThrough.
	onRequest func(setup *SetupPacket)

	// onSetConfiguration, when set, answers SetConfiguration callbacks.
	onSetConfiguration func(configuration uint8)

	// deferOne leaves the next callback uncompleted so a test can drive
	// the completion itself.
	deferOne bool
}

func (h *testHandler) StateChange(state State) {
	h.states = append(h.states, state)
}

func (h *testHandler) Request(setup *SetupPacket) {
	h.requests = append(h.requests, *setup)
	if h.deferOne {
		h.deferOne = false
		return
	}
	if h.onRequest != nil {
		h.onRequest(setup)
		return
	}
	h.dev.CompleteRequest(PassThrough, nil)
}

func (h *testHandler) RequestDone(setup *SetupPacket) {
	h.requestsDone = append(h.requestsDone, *setup)
	if h.deferOne {
		h.deferOne = false
		return
	}
	h.dev.CompleteRequestDone(true)
}

func (h *testHandler) SetConfiguration(configuration uint8) {
	h.configs = append(h.configs, configuration)
	if h.deferOne {
		h.deferOne = false
		return
	}
	if h.onSetConfiguration != nil {
		h.onSetConfiguration(configuration)
		return
	}
	h.dev.CompleteSetConfiguration(configuration == 1)
}

func (h *testHandler) SetInterface(iface uint16, alternate uint8) {
	if h.deferOne {
		h.deferOne = false
		return
	}
	h.dev.CompleteSetInterface(iface == 0 && alternate == 0)
}

// testConfigDescriptor builds a minimal single-interface configuration
// with one bulk OUT endpoint.
func testConfigDescriptor() []byte {
	const total = ConfigurationDescriptorSize + InterfaceDescriptorSize + EndpointDescriptorSize
	buf := make([]byte, total)
	n := 0

	cfg := ConfigurationDescriptor{
		TotalLength:        total,
		NumInterfaces:      1,
		ConfigurationValue: 1,
		Attributes:         ConfigAttrBusPowered,
		MaxPower:           50,
	}
	n += cfg.MarshalTo(buf[n:])

	iface := InterfaceDescriptor{
		NumEndpoints:   1,
		InterfaceClass: 0xFF, // vendor-specific
	}
	n += iface.MarshalTo(buf[n:])

	ep := EndpointDescriptor{
		EndpointAddress: 0x01,
		Attributes:      hal.EndpointTypeBulk,
		MaxPacketSize:   64,
	}
	ep.MarshalTo(buf[n:])
	return buf
}

// newTestDevice wires a device to a simulated phy and the scriptable
// handler, initialized and ready for host-side driving.
func newTestDevice(t *testing.T) (*Device, *sim.Phy, *testHandler) {
	t.Helper()

	phy := sim.New()
	h := &testHandler{}
	dev := New(phy, h, Config{
		VendorID:       0x1234,
		ProductID:      0x5678,
		ProductRelease: 0x0100,
		Descriptors:    &StaticDescriptors{Configuration: testConfigDescriptor()},
	})
	h.dev = dev
	require.NoError(t, dev.Init())
	t.Cleanup(dev.Deinit)

	dev.Connect()
	return dev, phy, h
}

// hostSetup delivers a SETUP packet from the host side.
func hostSetup(t *testing.T, phy *sim.Phy, setup *SetupPacket) {
	t.Helper()
	var raw [SetupPacketSize]byte
	setup.MarshalTo(raw[:])
	require.True(t, phy.SendSetup(raw[:]), "SETUP not accepted")
}

// controlIn runs a device-to-host control transfer: SETUP, IN data stage,
// OUT status handshake. Returns the data and false if the device stalled.
func controlIn(t *testing.T, phy *sim.Phy, setup *SetupPacket) ([]byte, bool) {
	t.Helper()
	hostSetup(t, phy, setup)

	var data []byte
	var buf [64]byte
	for {
		n, ok := phy.ReadIn(buf[:])
		if !ok {
			return nil, false
		}
		data = append(data, buf[:n]...)
		if n < len(buf) || len(data) >= int(setup.Length) {
			break
		}
	}
	if !phy.SendOut(nil) {
		return data, false
	}
	return data, true
}

// controlOut runs a host-to-device control transfer: SETUP, optional OUT
// data stage, IN status handshake. Returns false if the device stalled.
func controlOut(t *testing.T, phy *sim.Phy, setup *SetupPacket, data []byte) bool {
	t.Helper()
	hostSetup(t, phy, setup)

	for len(data) > 0 {
		n := len(data)
		if n > 64 {
			n = 64
		}
		if !phy.SendOut(data[:n]) {
			return false
		}
		data = data[n:]
	}

	var buf [64]byte
	n, ok := phy.ReadIn(buf[:])
	return ok && n == 0
}

// powerAndReset brings the bus up and resets it, leaving the device in the
// Default state.
func powerAndReset(phy *sim.Phy) {
	phy.PlugIn()
	phy.BusReset()
}

// enumerate walks the device to the Configured state: power, reset,
// SET_ADDRESS, SET_CONFIGURATION(1).
func enumerate(t *testing.T, phy *sim.Phy) {
	t.Helper()
	powerAndReset(phy)

	var setup SetupPacket
	SetAddressSetup(&setup, testAddress)
	require.True(t, controlOut(t, phy, &setup, nil), "SET_ADDRESS failed")

	SetConfigurationSetup(&setup, 1)
	require.True(t, controlOut(t, phy, &setup, nil), "SET_CONFIGURATION failed")
}
