package device

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// vendorInSetup builds a vendor device-to-host request.
func vendorInSetup(length uint16) SetupPacket {
	return SetupPacket{
		RequestType: RequestDirectionDeviceToHost | RequestTypeVendor | RequestRecipientDevice,
		Request:     0x42,
		Length:      length,
	}
}

// vendorOutSetup builds a vendor host-to-device request.
func vendorOutSetup(length uint16) SetupPacket {
	return SetupPacket{
		RequestType: RequestDirectionHostToDevice | RequestTypeVendor | RequestRecipientDevice,
		Request:     0x42,
		Length:      length,
	}
}

func TestControl_GetDeviceDescriptor(t *testing.T) {
	_, phy, _ := newTestDevice(t)
	powerAndReset(phy)

	var setup SetupPacket
	GetDescriptorSetup(&setup, DescriptorTypeDevice, 0, DeviceDescriptorSize)
	data, ok := controlIn(t, phy, &setup)
	require.True(t, ok)
	require.Len(t, data, DeviceDescriptorSize)

	var desc DeviceDescriptor
	require.NoError(t, ParseDeviceDescriptor(data, &desc))
	assert.Equal(t, uint16(0x1234), desc.VendorID)
	assert.Equal(t, uint16(0x5678), desc.ProductID)
	assert.Equal(t, uint16(0x0100), desc.DeviceVersion)
	assert.Equal(t, uint8(64), desc.MaxPacketSize0)
	assert.Equal(t, uint8(1), desc.NumConfigurations)
}

func TestControl_DescriptorTrimmedToRequestedLength(t *testing.T) {
	_, phy, _ := newTestDevice(t)
	powerAndReset(phy)

	// Hosts commonly read the first 8 bytes before learning the EP0 size.
	var setup SetupPacket
	GetDescriptorSetup(&setup, DescriptorTypeDevice, 0, 8)
	data, ok := controlIn(t, phy, &setup)
	require.True(t, ok)
	assert.Len(t, data, 8)
	assert.Equal(t, uint8(DeviceDescriptorSize), data[0])
}

func TestControl_ConfigurationDescriptorBoundedByTotalLength(t *testing.T) {
	_, phy, _ := newTestDevice(t)
	powerAndReset(phy)

	full := testConfigDescriptor()
	var setup SetupPacket
	GetDescriptorSetup(&setup, DescriptorTypeConfiguration, 0, uint16(len(full)+32))
	data, ok := controlIn(t, phy, &setup)
	require.True(t, ok)
	assert.True(t, bytes.Equal(full, data))
}

func TestControl_VendorSendWithZLP(t *testing.T) {
	// 64 bytes of response with a larger wLength: the data stage ends on a
	// packet-sized boundary, so the engine must terminate it with a
	// zero-length packet.
	_, phy, h := newTestDevice(t)
	powerAndReset(phy)

	response := make([]byte, 64)
	for i := range response {
		response[i] = byte(i)
	}
	h.onRequest = func(*SetupPacket) {
		h.dev.CompleteRequest(Send, response)
	}

	setup := vendorInSetup(256)
	data, ok := controlIn(t, phy, &setup)
	require.True(t, ok)
	assert.True(t, bytes.Equal(response, data))

	// Status completion is reported back to the subclass.
	require.Len(t, h.requestsDone, 1)
	assert.Equal(t, uint8(0x42), h.requestsDone[0].Request)
}

func TestControl_VendorSendMultiPacket(t *testing.T) {
	_, phy, h := newTestDevice(t)
	powerAndReset(phy)

	response := make([]byte, 150) // 64 + 64 + 22
	for i := range response {
		response[i] = byte(i * 3)
	}
	h.onRequest = func(*SetupPacket) {
		h.dev.CompleteRequest(Send, response)
	}

	setup := vendorInSetup(150)
	data, ok := controlIn(t, phy, &setup)
	require.True(t, ok)
	assert.True(t, bytes.Equal(response, data))
}

func TestControl_VendorReceive(t *testing.T) {
	_, phy, h := newTestDevice(t)
	powerAndReset(phy)

	recvBuf := make([]byte, 100)
	h.onRequest = func(*SetupPacket) {
		h.dev.CompleteRequest(Receive, recvBuf)
	}

	payload := make([]byte, 100) // 64 + 36
	for i := range payload {
		payload[i] = byte(255 - i)
	}
	setup := vendorOutSetup(100)
	require.True(t, controlOut(t, phy, &setup, payload))

	assert.True(t, bytes.Equal(payload, recvBuf))
	require.Len(t, h.requestsDone, 1)
}

func TestControl_ReceiveWithoutBufferStalls(t *testing.T) {
	_, phy, h := newTestDevice(t)
	powerAndReset(phy)

	h.onRequest = func(*SetupPacket) {
		h.dev.CompleteRequest(Receive, nil)
	}

	setup := vendorOutSetup(16)
	assert.False(t, controlOut(t, phy, &setup, make([]byte, 16)))
	assert.True(t, phy.EP0Stalled())
}

func TestControl_SuccessWithoutData(t *testing.T) {
	_, phy, h := newTestDevice(t)
	powerAndReset(phy)

	h.onRequest = func(*SetupPacket) {
		h.dev.CompleteRequest(Success, nil)
	}

	setup := vendorOutSetup(0)
	assert.True(t, controlOut(t, phy, &setup, nil))
	assert.Empty(t, h.requestsDone, "Success must not request completion notification")
}

func TestControl_FailureStalls(t *testing.T) {
	_, phy, h := newTestDevice(t)
	powerAndReset(phy)

	h.onRequest = func(*SetupPacket) {
		h.dev.CompleteRequest(Failure, nil)
	}

	setup := vendorInSetup(8)
	_, ok := controlIn(t, phy, &setup)
	assert.False(t, ok)
	assert.True(t, phy.EP0Stalled())
}

func TestControl_StallClearedByNextSetup(t *testing.T) {
	_, phy, h := newTestDevice(t)
	powerAndReset(phy)

	h.onRequest = func(*SetupPacket) {
		h.dev.CompleteRequest(Failure, nil)
	}
	setup := vendorInSetup(8)
	_, ok := controlIn(t, phy, &setup)
	require.False(t, ok)

	// The next SETUP clears the stall and is served normally.
	var getDesc SetupPacket
	GetDescriptorSetup(&getDesc, DescriptorTypeDevice, 0, DeviceDescriptorSize)
	data, ok := controlIn(t, phy, &getDesc)
	require.True(t, ok)
	assert.Len(t, data, DeviceDescriptorSize)
}

func TestControl_PassThroughUnknownRequestStalls(t *testing.T) {
	_, phy, h := newTestDevice(t)
	powerAndReset(phy)

	// Reserved standard request code: the engine forwards it, and the
	// default handler passes it back, which ends in a stall.
	setup := SetupPacket{
		RequestType: RequestDirectionDeviceToHost | RequestTypeStandard | RequestRecipientDevice,
		Request:     0x0F,
		Length:      2,
	}
	_, ok := controlIn(t, phy, &setup)
	assert.False(t, ok)
	assert.True(t, phy.EP0Stalled())
	require.Len(t, h.requests, 1)
	assert.Equal(t, uint8(0x0F), h.requests[0].Request)
}

func TestControl_VendorPassThroughStalls(t *testing.T) {
	_, phy, _ := newTestDevice(t)
	powerAndReset(phy)

	// PassThrough only makes sense for standard requests; on a vendor
	// request it is a rejection.
	setup := vendorInSetup(8)
	_, ok := controlIn(t, phy, &setup)
	assert.False(t, ok)
	assert.True(t, phy.EP0Stalled())
}

func TestControl_NewSetupAbortsTransfer(t *testing.T) {
	_, phy, h := newTestDevice(t)
	powerAndReset(phy)

	response := make([]byte, 128)
	h.onRequest = func(*SetupPacket) {
		h.dev.CompleteRequest(Send, response)
	}

	// Start a two-packet IN transfer and read only the first packet.
	setup := vendorInSetup(128)
	hostSetup(t, phy, &setup)
	var buf [64]byte
	n, ok := phy.ReadIn(buf[:])
	require.True(t, ok)
	require.Equal(t, 64, n)

	// A new SETUP supersedes the unfinished transfer.
	var getDesc SetupPacket
	GetDescriptorSetup(&getDesc, DescriptorTypeDevice, 0, DeviceDescriptorSize)
	data, ok := controlIn(t, phy, &getDesc)
	require.True(t, ok)
	assert.Len(t, data, DeviceDescriptorSize)

	// The aborted transfer never reached its status stage.
	assert.Empty(t, h.requestsDone)
}

func TestControl_DeferredCompletion(t *testing.T) {
	// The subclass may answer a forwarded request after the callback
	// returns; EP0 waits for the completion.
	dev, phy, h := newTestDevice(t)
	powerAndReset(phy)

	h.deferOne = true
	setup := vendorInSetup(4)
	hostSetup(t, phy, &setup)

	var buf [64]byte
	_, ok := phy.ReadIn(buf[:])
	require.False(t, ok, "engine responded before completion")

	dev.CompleteRequest(Send, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	n, ok := phy.ReadIn(buf[:])
	require.True(t, ok)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, buf[:n])
	require.True(t, phy.SendOut(nil))
}

func TestControl_SetupDuringPendingCallback(t *testing.T) {
	// A SETUP arriving while a subclass completion is outstanding defers
	// processing until the completion, then discards the old transfer.
	dev, phy, h := newTestDevice(t)
	powerAndReset(phy)

	h.deferOne = true
	setup := vendorInSetup(4)
	hostSetup(t, phy, &setup)

	var getDesc SetupPacket
	GetDescriptorSetup(&getDesc, DescriptorTypeDevice, 0, DeviceDescriptorSize)
	var raw [SetupPacketSize]byte
	getDesc.MarshalTo(raw[:])
	require.True(t, phy.SendSetup(raw[:]))

	// Completing the superseded request must not produce data; instead
	// the engine serves the new SETUP.
	dev.CompleteRequest(Send, []byte{1, 2, 3, 4})

	var buf [64]byte
	n, ok := phy.ReadIn(buf[:])
	require.True(t, ok)
	assert.Equal(t, DeviceDescriptorSize, n)
	assert.Equal(t, uint8(DescriptorTypeDevice), buf[1])
	require.True(t, phy.SendOut(nil))

	assert.Empty(t, h.requestsDone, "aborted request completed its status stage")
}

func TestControl_CompleteWithoutPendingPanics(t *testing.T) {
	dev, phy, _ := newTestDevice(t)
	powerAndReset(phy)

	assert.Panics(t, func() { dev.CompleteRequest(Success, nil) })
	assert.Panics(t, func() { dev.CompleteRequestDone(true) })
	assert.Panics(t, func() { dev.CompleteSetConfiguration(true) })
	assert.Panics(t, func() { dev.CompleteSetInterface(true) })
}

func TestControl_MismatchedDirectionPanics(t *testing.T) {
	dev, phy, h := newTestDevice(t)
	powerAndReset(phy)

	h.deferOne = true
	setup := vendorInSetup(8)
	hostSetup(t, phy, &setup)

	assert.Panics(t, func() {
		dev.CompleteRequest(Receive, make([]byte, 8))
	}, "Receive on a device-to-host request")
}

func TestControl_OverflowingDataStageStalls(t *testing.T) {
	// The host announces wLength 4 but the handler provides a 4-byte
	// buffer and the host sends a 64-byte packet anyway.
	_, phy, h := newTestDevice(t)
	powerAndReset(phy)

	h.onRequest = func(*SetupPacket) {
		h.dev.CompleteRequest(Receive, make([]byte, 4))
	}

	setup := vendorOutSetup(4)
	hostSetup(t, phy, &setup)
	require.True(t, phy.SendOut(make([]byte, 64)))
	assert.True(t, phy.EP0Stalled())
}
