package hid

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbdev/device"
	"github.com/ardnew/usbdev/device/hal/sim"
)

func newKeyboardDevice(t *testing.T) (*Keyboard, *device.Device, *sim.Phy) {
	t.Helper()

	phy := sim.New()
	kb := NewKeyboard()
	dev := device.New(phy, kb, device.Config{
		VendorID:       0xCAFE,
		ProductID:      0xBABE,
		ProductRelease: 0x0100,
	})
	kb.Bind(dev)
	require.NoError(t, dev.Init())
	t.Cleanup(dev.Deinit)

	dev.Connect()
	return kb, dev, phy
}

func hostSetup(t *testing.T, phy *sim.Phy, setup *device.SetupPacket) {
	t.Helper()
	var raw [device.SetupPacketSize]byte
	setup.MarshalTo(raw[:])
	require.True(t, phy.SendSetup(raw[:]))
}

func controlIn(t *testing.T, phy *sim.Phy, setup *device.SetupPacket) ([]byte, bool) {
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

func controlOut(t *testing.T, phy *sim.Phy, setup *device.SetupPacket, data []byte) bool {
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

func enumerate(t *testing.T, phy *sim.Phy) {
	t.Helper()
	phy.PlugIn()
	phy.BusReset()

	var setup device.SetupPacket
	device.SetAddressSetup(&setup, 4)
	require.True(t, controlOut(t, phy, &setup, nil))

	device.SetConfigurationSetup(&setup, configValue)
	require.True(t, controlOut(t, phy, &setup, nil))
}

// classInSetup builds a class device-to-host request to the HID interface.
func classInSetup(request uint8, value, length uint16) device.SetupPacket {
	return device.SetupPacket{
		RequestType: device.RequestDirectionDeviceToHost |
			device.RequestTypeClass | device.RequestRecipientInterface,
		Request: request,
		Value:   value,
		Index:   keyboardInterface,
		Length:  length,
	}
}

// classOutSetup builds a class host-to-device request to the HID interface.
func classOutSetup(request uint8, value, length uint16) device.SetupPacket {
	return device.SetupPacket{
		RequestType: device.RequestDirectionHostToDevice |
			device.RequestTypeClass | device.RequestRecipientInterface,
		Request: request,
		Value:   value,
		Index:   keyboardInterface,
		Length:  length,
	}
}

func TestKeyboard_Enumeration(t *testing.T) {
	kb, dev, phy := newKeyboardDevice(t)
	enumerate(t, phy)

	assert.True(t, dev.Configured())
	assert.True(t, kb.Ready())
	assert.True(t, phy.EndpointConfigured(keyboardInEndpoint))
}

func TestKeyboard_ConfigurationDescriptor(t *testing.T) {
	_, _, phy := newKeyboardDevice(t)
	phy.PlugIn()
	phy.BusReset()

	var setup device.SetupPacket
	device.GetDescriptorSetup(&setup, device.DescriptorTypeConfiguration, 0, 255)
	data, ok := controlIn(t, phy, &setup)
	require.True(t, ok)
	require.Len(t, data, configDescriptorSize)

	// Interface descriptor advertises the boot keyboard.
	iface := data[device.ConfigurationDescriptorSize:]
	assert.Equal(t, uint8(ClassHID), iface[5])
	assert.Equal(t, uint8(SubclassBoot), iface[6])
	assert.Equal(t, uint8(ProtocolKeyboard), iface[7])

	// HID descriptor declares the report descriptor length.
	hidDesc := iface[device.InterfaceDescriptorSize:]
	assert.Equal(t, uint8(HIDDescriptorSize), hidDesc[0])
	assert.Equal(t, uint8(DescriptorTypeHID), hidDesc[1])
	reportLen := int(hidDesc[7]) | int(hidDesc[8])<<8
	assert.Equal(t, len(KeyboardReportDescriptor), reportLen)
}

func TestKeyboard_ReportDescriptor(t *testing.T) {
	_, _, phy := newKeyboardDevice(t)
	enumerate(t, phy)

	setup := device.SetupPacket{
		RequestType: device.RequestDirectionDeviceToHost |
			device.RequestTypeStandard | device.RequestRecipientInterface,
		Request: device.RequestGetDescriptor,
		Value:   uint16(DescriptorTypeReport) << 8,
		Index:   keyboardInterface,
		Length:  uint16(len(KeyboardReportDescriptor)),
	}
	data, ok := controlIn(t, phy, &setup)
	require.True(t, ok)
	assert.True(t, bytes.Equal(KeyboardReportDescriptor, data))
}

func TestKeyboard_HIDDescriptor(t *testing.T) {
	_, _, phy := newKeyboardDevice(t)
	enumerate(t, phy)

	setup := device.SetupPacket{
		RequestType: device.RequestDirectionDeviceToHost |
			device.RequestTypeStandard | device.RequestRecipientInterface,
		Request: device.RequestGetDescriptor,
		Value:   uint16(DescriptorTypeHID) << 8,
		Index:   keyboardInterface,
		Length:  HIDDescriptorSize,
	}
	data, ok := controlIn(t, phy, &setup)
	require.True(t, ok)
	require.Len(t, data, HIDDescriptorSize)
	assert.Equal(t, uint8(DescriptorTypeHID), data[1])
}

func TestKeyboard_PressRelease(t *testing.T) {
	kb, _, phy := newKeyboardDevice(t)
	enumerate(t, phy)

	require.True(t, kb.Press(KeyA))

	var buf [KeyboardReportSize]byte
	n, ok := phy.ReadEndpointIn(keyboardInEndpoint, buf[:])
	require.True(t, ok)
	require.Equal(t, KeyboardReportSize, n)
	assert.Equal(t, uint8(KeyA), buf[2])

	require.True(t, kb.Release(KeyA))
	n, ok = phy.ReadEndpointIn(keyboardInEndpoint, buf[:])
	require.True(t, ok)
	require.Equal(t, KeyboardReportSize, n)
	assert.Equal(t, uint8(KeyNone), buf[2])
}

func TestKeyboard_SendWhileInFlightFails(t *testing.T) {
	kb, _, phy := newKeyboardDevice(t)
	enumerate(t, phy)

	require.True(t, kb.Press(KeyA))
	// The previous report has not been collected yet.
	assert.False(t, kb.Press(KeyB))

	var buf [KeyboardReportSize]byte
	_, ok := phy.ReadEndpointIn(keyboardInEndpoint, buf[:])
	require.True(t, ok)

	assert.True(t, kb.Press(KeyB))
}

func TestKeyboard_NotConfiguredSendFails(t *testing.T) {
	kb, _, phy := newKeyboardDevice(t)
	phy.PlugIn()
	phy.BusReset()

	assert.False(t, kb.Press(KeyA))
	assert.False(t, kb.SendReport())
}

func TestKeyboard_Modifiers(t *testing.T) {
	kb, _, phy := newKeyboardDevice(t)
	enumerate(t, phy)

	require.True(t, kb.SetModifiers(ModLeftShift|ModLeftCtrl))

	var buf [KeyboardReportSize]byte
	n, ok := phy.ReadEndpointIn(keyboardInEndpoint, buf[:])
	require.True(t, ok)
	require.Equal(t, KeyboardReportSize, n)
	assert.Equal(t, uint8(ModLeftShift|ModLeftCtrl), buf[0])
}

func TestKeyboard_LEDOutputReport(t *testing.T) {
	kb, _, phy := newKeyboardDevice(t)
	enumerate(t, phy)

	var got []uint8
	kb.SetOnLED(func(leds uint8) { got = append(got, leds) })

	setup := classOutSetup(RequestSetReport, ReportTypeOutput<<8, 1)
	require.True(t, controlOut(t, phy, &setup, []byte{LEDCapsLock | LEDNumLock}))

	assert.Equal(t, uint8(LEDCapsLock|LEDNumLock), kb.LEDState())
	assert.Equal(t, []uint8{LEDCapsLock | LEDNumLock}, got)
}

func TestKeyboard_SetReportWrongTypeStalls(t *testing.T) {
	_, _, phy := newKeyboardDevice(t)
	enumerate(t, phy)

	setup := classOutSetup(RequestSetReport, ReportTypeFeature<<8, 1)
	assert.False(t, controlOut(t, phy, &setup, []byte{0}))
	assert.True(t, phy.EP0Stalled())
}

func TestKeyboard_GetReport(t *testing.T) {
	kb, _, phy := newKeyboardDevice(t)
	enumerate(t, phy)

	// Queue a report, collect it, then read the same state over EP0.
	require.True(t, kb.Press(KeyC))
	var epBuf [KeyboardReportSize]byte
	_, ok := phy.ReadEndpointIn(keyboardInEndpoint, epBuf[:])
	require.True(t, ok)

	setup := classInSetup(RequestGetReport, ReportTypeInput<<8, KeyboardReportSize)
	data, ok := controlIn(t, phy, &setup)
	require.True(t, ok)
	require.Len(t, data, KeyboardReportSize)
	assert.Equal(t, uint8(KeyC), data[2])
}

func TestKeyboard_Protocol(t *testing.T) {
	kb, _, phy := newKeyboardDevice(t)
	enumerate(t, phy)

	setup := classInSetup(RequestGetProtocol, 0, 1)
	data, ok := controlIn(t, phy, &setup)
	require.True(t, ok)
	assert.Equal(t, []byte{ProtocolReport}, data)

	out := classOutSetup(RequestSetProtocol, ProtocolBoot, 0)
	require.True(t, controlOut(t, phy, &out, nil))
	assert.Equal(t, uint8(ProtocolBoot), kb.Protocol())

	// Values beyond report protocol are rejected.
	out = classOutSetup(RequestSetProtocol, 2, 0)
	assert.False(t, controlOut(t, phy, &out, nil))
}

func TestKeyboard_Idle(t *testing.T) {
	kb, _, phy := newKeyboardDevice(t)
	enumerate(t, phy)

	out := classOutSetup(RequestSetIdle, uint16(125)<<8, 0)
	require.True(t, controlOut(t, phy, &out, nil))
	assert.Equal(t, uint8(125), kb.IdleRate())

	setup := classInSetup(RequestGetIdle, 0, 1)
	data, ok := controlIn(t, phy, &setup)
	require.True(t, ok)
	assert.Equal(t, []byte{125}, data)
}

func TestKeyboard_UnknownClassRequestStalls(t *testing.T) {
	_, _, phy := newKeyboardDevice(t)
	enumerate(t, phy)

	setup := classInSetup(0x7F, 0, 1)
	_, ok := controlIn(t, phy, &setup)
	assert.False(t, ok)
	assert.True(t, phy.EP0Stalled())
}

func TestKeyboard_RepeatSetConfiguration(t *testing.T) {
	kb, dev, phy := newKeyboardDevice(t)
	enumerate(t, phy)

	// The host re-issues SET_CONFIGURATION(1) without deconfiguring
	// first. The endpoint must come back up, not stall EP0 as a
	// duplicate add.
	var setup device.SetupPacket
	device.SetConfigurationSetup(&setup, configValue)
	require.True(t, controlOut(t, phy, &setup, nil))
	assert.False(t, phy.EP0Stalled())

	assert.True(t, dev.Configured())
	assert.True(t, kb.Ready())
	require.True(t, phy.EndpointConfigured(keyboardInEndpoint))

	require.True(t, kb.Press(KeyA))
	var buf [KeyboardReportSize]byte
	n, ok := phy.ReadEndpointIn(keyboardInEndpoint, buf[:])
	require.True(t, ok)
	require.Equal(t, KeyboardReportSize, n)
	assert.Equal(t, uint8(KeyA), buf[2])
}

func TestKeyboard_BusResetDropsConfiguration(t *testing.T) {
	kb, _, phy := newKeyboardDevice(t)
	enumerate(t, phy)

	phy.BusReset()

	assert.False(t, kb.Ready())
	assert.False(t, kb.Press(KeyA))
}

func TestKeyboardReport_SetClearKey(t *testing.T) {
	var r KeyboardReport

	assert.True(t, r.SetKey(KeyA))
	assert.True(t, r.SetKey(KeyB))
	assert.True(t, r.SetKey(KeyA), "setting a held key is idempotent")
	assert.Equal(t, [6]uint8{KeyA, KeyB, 0, 0, 0, 0}, r.Keys)

	r.ClearKey(KeyA)
	assert.Equal(t, [6]uint8{KeyB, 0, 0, 0, 0, 0}, r.Keys)

	for _, k := range []uint8{KeyC, KeyD, KeyE, KeyF, KeyG} {
		require.True(t, r.SetKey(k))
	}
	assert.False(t, r.SetKey(KeyH), "seventh key must not fit")

	r.Clear()
	assert.Equal(t, KeyboardReport{}, r)
}
