package hal

// Endpoint transfer types (USB 2.0 Spec Table 9-13).
const (
	EndpointTypeControl     = 0x00 // Control transfer
	EndpointTypeIsochronous = 0x01 // Isochronous transfer
	EndpointTypeBulk        = 0x02 // Bulk transfer
	EndpointTypeInterrupt   = 0x03 // Interrupt transfer
)

// Endpoint direction bit.
const (
	EndpointDirectionOut = 0x00 // Host to device
	EndpointDirectionIn  = 0x80 // Device to host
)

// EndpointNumber returns the endpoint number (0-15) of an address.
func EndpointNumber(endpoint uint8) uint8 {
	return endpoint & 0x0F
}

// EndpointIn reports whether the address names an IN endpoint.
func EndpointIn(endpoint uint8) bool {
	return endpoint&EndpointDirectionIn != 0
}

// Events is the bus-event sink implemented by the protocol engine.
//
// A Phy delivers all events from a single serialized interrupt context:
// no two event calls ever overlap, and none of them may block. Task-level
// code must never call these directly; it drives the engine through the
// public device API instead.
type Events interface {
	// Power reports VBUS power applied or removed.
	Power(powered bool)

	// Suspend reports bus suspend entered or left.
	Suspend(suspended bool)

	// SOF reports a start-of-frame token with its frame number.
	// Only delivered while SOF events are enabled.
	SOF(frame int)

	// Reset reports a bus reset.
	Reset()

	// EP0Setup reports that a SETUP packet is available via EP0SetupRead.
	EP0Setup()

	// EP0Out reports completion of an EP0 read armed with EP0Read.
	EP0Out()

	// EP0In reports completion of an EP0 write started with EP0Write.
	EP0In()

	// Out reports completion of a read armed on a data OUT endpoint.
	Out(endpoint uint8)

	// In reports completion of a write on a data IN endpoint.
	In(endpoint uint8)
}

// Phy is the physical-layer driver boundary.
//
// The engine calls into the Phy to move raw packets and toggle bus-level
// conditions; the Phy calls back into the engine through the Events sink
// registered at Init. Implementations own all register and DMA access.
//
// Unless noted otherwise, methods are called with the engine lock held and
// must not call back into Events synchronously.
type Phy interface {
	// Init registers the event sink and prepares the controller.
	// No events may be delivered before Init returns.
	Init(events Events) error

	// Deinit disables the controller. No events are delivered afterwards.
	Deinit()

	// Connect enables the bus connection (pull-up), making the device
	// visible to the host.
	Connect()

	// Disconnect disables the bus connection.
	Disconnect()

	// SOFEnable enables delivery of Events.SOF.
	SOFEnable()

	// SOFDisable disables delivery of Events.SOF.
	SOFDisable()

	// SetAddress applies the device address assigned by the host.
	SetAddress(address uint8)

	// EP0MaxPacketSize returns the control endpoint's max packet size.
	EP0MaxPacketSize() uint16

	// EP0SetupRead copies the pending SETUP packet into buf and returns
	// the number of bytes copied (8 when a packet is pending).
	EP0SetupRead(buf []byte) int

	// EP0Read arms the control endpoint to receive one OUT packet.
	// Completion is reported through Events.EP0Out.
	EP0Read()

	// EP0ReadResult copies the received EP0 OUT packet into buf and
	// returns the number of bytes copied.
	EP0ReadResult(buf []byte) int

	// EP0Write sends one IN packet on the control endpoint. An empty or
	// nil slice sends a zero-length packet. Completion is reported
	// through Events.EP0In.
	EP0Write(data []byte)

	// EP0Stall stalls the control endpoint. The stall clears on the next
	// SETUP packet.
	EP0Stall()

	// EndpointAdd configures a data endpoint with the given max packet
	// size and transfer type. Returns false if the controller cannot
	// provide the requested combination.
	EndpointAdd(endpoint uint8, maxPacket uint16, endpointType uint8) bool

	// EndpointRemove deconfigures a data endpoint.
	EndpointRemove(endpoint uint8)

	// EndpointStall sets the halt condition on a data endpoint.
	EndpointStall(endpoint uint8)

	// EndpointUnstall clears the halt condition and resets data toggle.
	EndpointUnstall(endpoint uint8)

	// EndpointRead arms a data OUT endpoint to receive one packet.
	// Completion is reported through Events.Out.
	EndpointRead(endpoint uint8) bool

	// EndpointReadResult copies the received packet into buf and returns
	// the number of bytes copied.
	EndpointReadResult(endpoint uint8, buf []byte) int

	// EndpointWrite sends one packet on a data IN endpoint. Completion
	// is reported through Events.In. Returns false if a write is already
	// in flight.
	EndpointWrite(endpoint uint8, data []byte) bool

	// EndpointAbort cancels any armed read or in-flight write on the
	// endpoint without completing it.
	EndpointAbort(endpoint uint8)
}
