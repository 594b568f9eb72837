package sim

import (
	"sync"

	"github.com/ardnew/usbdev/device/hal"
)

// ep0MaxPacketSize is the control endpoint packet size the simulator
// reports, matching a full-speed device.
const ep0MaxPacketSize = 64

// numSlots covers endpoint numbers 1 through 15 in both directions.
const numSlots = 32

// endpoint is the simulator's per-endpoint state.
type endpoint struct {
	configured bool
	stalled    bool
	readArmed  bool
	maxPacket  uint16
	epType     uint8
	outData    []byte
	inData     []byte
	inPending  bool
}

// Phy is an in-memory implementation of [hal.Phy] with a host-side driver
// API. Engine-facing methods follow the hal contract; the host-side
// methods (PlugIn, SendSetup, SendOut, ReadIn, and friends) act as the
// host controller, delivering events to the bound engine.
//
// Events are emitted after the simulator's own lock is released, so a
// host-side call observes the engine's full reaction before it returns.
type Phy struct {
	mu     sync.Mutex
	events hal.Events

	connected  bool
	powered    bool
	sofEnabled bool
	address    uint8
	frame      int

	setupBuf     [8]byte
	setupPending bool

	ep0ReadArmed bool
	ep0OutData   []byte
	ep0InData    []byte
	ep0InPending bool
	ep0Stalled   bool

	endpoints [numSlots]endpoint
}

// New creates an unbound simulator. Bind it to an engine with Init.
func New() *Phy {
	return &Phy{}
}

func slotFor(ep uint8) int {
	num := ep & 0x0F
	if num == 0 {
		return -1
	}
	slot := int(num-1) * 2
	if ep&hal.EndpointDirectionIn != 0 {
		slot++
	}
	return slot
}

// Engine-facing hal.Phy implementation. The engine calls these with its
// own lock held; they must not call back into events.

// Init binds the simulator to an event sink.
func (p *Phy) Init(events hal.Events) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = events
	return nil
}

// Deinit unbinds the simulator and discards all bus state.
func (p *Phy) Deinit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
	p.connected = false
	p.address = 0
	p.resetEP0Locked()
	p.endpoints = [numSlots]endpoint{}
}

// Connect raises the bus pull-up.
func (p *Phy) Connect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
}

// Disconnect drops the bus pull-up.
func (p *Phy) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	p.address = 0
	p.resetEP0Locked()
}

// SOFEnable enables start-of-frame events.
func (p *Phy) SOFEnable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sofEnabled = true
}

// SOFDisable disables start-of-frame events.
func (p *Phy) SOFDisable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sofEnabled = false
}

// SetAddress records the device's bus address.
func (p *Phy) SetAddress(address uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.address = address
}

// EP0MaxPacketSize reports the control endpoint packet size.
func (p *Phy) EP0MaxPacketSize() uint16 {
	return ep0MaxPacketSize
}

// EP0SetupRead copies the pending SETUP packet into buf.
func (p *Phy) EP0SetupRead(buf []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.setupPending {
		return 0
	}
	p.setupPending = false
	return copy(buf, p.setupBuf[:])
}

// EP0Read arms EP0 to accept the next OUT packet.
func (p *Phy) EP0Read() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ep0ReadArmed = true
}

// EP0ReadResult copies the received OUT packet into buf.
func (p *Phy) EP0ReadResult(buf []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := copy(buf, p.ep0OutData)
	p.ep0OutData = nil
	return n
}

// EP0Write queues an IN packet for the host to collect.
func (p *Phy) EP0Write(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ep0InData = append(p.ep0InData[:0], data...)
	p.ep0InPending = true
}

// EP0Stall stalls the control endpoint until the next SETUP packet.
func (p *Phy) EP0Stall() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ep0Stalled = true
	p.ep0ReadArmed = false
	p.ep0InPending = false
}

// EndpointAdd configures a non-control endpoint.
func (p *Phy) EndpointAdd(ep uint8, maxPacket uint16, epType uint8) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot := slotFor(ep)
	if slot < 0 || maxPacket == 0 || p.endpoints[slot].configured {
		return false
	}
	p.endpoints[slot] = endpoint{
		configured: true,
		maxPacket:  maxPacket,
		epType:     epType,
	}
	return true
}

// EndpointRemove deconfigures an endpoint.
func (p *Phy) EndpointRemove(ep uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slot := slotFor(ep); slot >= 0 {
		p.endpoints[slot] = endpoint{}
	}
}

// EndpointStall halts an endpoint.
func (p *Phy) EndpointStall(ep uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slot := slotFor(ep); slot >= 0 && p.endpoints[slot].configured {
		p.endpoints[slot].stalled = true
	}
}

// EndpointUnstall clears an endpoint halt and resets its data toggle.
func (p *Phy) EndpointUnstall(ep uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slot := slotFor(ep); slot >= 0 && p.endpoints[slot].configured {
		p.endpoints[slot].stalled = false
	}
}

// EndpointRead arms an OUT endpoint to accept the next packet.
func (p *Phy) EndpointRead(ep uint8) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot := slotFor(ep)
	if slot < 0 || !p.endpoints[slot].configured {
		return false
	}
	p.endpoints[slot].readArmed = true
	return true
}

// EndpointReadResult copies the received packet into buf.
func (p *Phy) EndpointReadResult(ep uint8, buf []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot := slotFor(ep)
	if slot < 0 {
		return 0
	}
	n := copy(buf, p.endpoints[slot].outData)
	p.endpoints[slot].outData = nil
	return n
}

// EndpointWrite queues a packet on an IN endpoint.
func (p *Phy) EndpointWrite(ep uint8, data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot := slotFor(ep)
	if slot < 0 || !p.endpoints[slot].configured || p.endpoints[slot].inPending {
		return false
	}
	p.endpoints[slot].inData = append(p.endpoints[slot].inData[:0], data...)
	p.endpoints[slot].inPending = true
	return true
}

// EndpointAbort discards any transfer in progress on an endpoint.
func (p *Phy) EndpointAbort(ep uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slot := slotFor(ep); slot >= 0 {
		p.endpoints[slot].readArmed = false
		p.endpoints[slot].inPending = false
		p.endpoints[slot].outData = nil
	}
}

func (p *Phy) resetEP0Locked() {
	p.setupPending = false
	p.ep0ReadArmed = false
	p.ep0OutData = nil
	p.ep0InPending = false
	p.ep0Stalled = false
}

// Host-side driver API. These act as the host controller: they mutate bus
// state under the simulator lock, then deliver the resulting event with
// the lock released so the engine's reaction completes before returning.

// PlugIn applies VBUS power.
func (p *Phy) PlugIn() {
	p.mu.Lock()
	ev := p.events
	p.powered = true
	p.mu.Unlock()
	if ev != nil {
		ev.Power(true)
	}
}

// Unplug removes VBUS power.
func (p *Phy) Unplug() {
	p.mu.Lock()
	ev := p.events
	p.powered = false
	p.address = 0
	p.resetEP0Locked()
	p.mu.Unlock()
	if ev != nil {
		ev.Power(false)
	}
}

// BusReset issues a USB bus reset: the address returns to zero and all
// endpoint state is cleared.
func (p *Phy) BusReset() {
	p.mu.Lock()
	ev := p.events
	p.address = 0
	p.resetEP0Locked()
	p.mu.Unlock()
	if ev != nil {
		ev.Reset()
	}
}

// SetSuspended suspends or resumes the bus.
func (p *Phy) SetSuspended(suspended bool) {
	p.mu.Lock()
	ev := p.events
	p.mu.Unlock()
	if ev != nil {
		ev.Suspend(suspended)
	}
}

// Frame advances the frame counter and, if SOF delivery is enabled,
// delivers a start-of-frame event.
func (p *Phy) Frame() {
	p.mu.Lock()
	ev := p.events
	p.frame++
	frame := p.frame
	enabled := p.sofEnabled
	p.mu.Unlock()
	if enabled && ev != nil {
		ev.SOF(frame)
	}
}

// SendSetup delivers an 8-byte SETUP packet on EP0. A SETUP always clears
// a control endpoint stall and discards any stale EP0 data.
func (p *Phy) SendSetup(raw []byte) bool {
	if len(raw) != len(p.setupBuf) {
		return false
	}
	p.mu.Lock()
	ev := p.events
	copy(p.setupBuf[:], raw)
	p.setupPending = true
	p.ep0Stalled = false
	p.ep0ReadArmed = false
	p.ep0OutData = nil
	p.ep0InPending = false
	p.mu.Unlock()
	if ev == nil {
		return false
	}
	ev.EP0Setup()
	return true
}

// SendOut delivers a host OUT packet on EP0 (a data stage packet or a
// zero-length status handshake). Returns false if the engine has not armed
// EP0 for receive, modeling a NAK.
func (p *Phy) SendOut(data []byte) bool {
	p.mu.Lock()
	ev := p.events
	if p.ep0Stalled || !p.ep0ReadArmed {
		p.mu.Unlock()
		return false
	}
	p.ep0ReadArmed = false
	p.ep0OutData = append([]byte(nil), data...)
	p.mu.Unlock()
	if ev == nil {
		return false
	}
	ev.EP0Out()
	return true
}

// ReadIn collects the IN packet the engine queued on EP0. Returns false if
// nothing is pending or EP0 is stalled.
func (p *Phy) ReadIn(buf []byte) (int, bool) {
	p.mu.Lock()
	ev := p.events
	if p.ep0Stalled || !p.ep0InPending {
		p.mu.Unlock()
		return 0, false
	}
	n := copy(buf, p.ep0InData)
	p.ep0InPending = false
	p.mu.Unlock()
	if ev != nil {
		ev.EP0In()
	}
	return n, true
}

// SendEndpointOut delivers a host OUT packet on a data endpoint. Returns
// false if the endpoint is not configured, is halted, or has no receive
// armed.
func (p *Phy) SendEndpointOut(ep uint8, data []byte) bool {
	slot := slotFor(ep)
	if slot < 0 {
		return false
	}
	p.mu.Lock()
	ev := p.events
	info := &p.endpoints[slot]
	if !info.configured || info.stalled || !info.readArmed {
		p.mu.Unlock()
		return false
	}
	info.readArmed = false
	info.outData = append([]byte(nil), data...)
	p.mu.Unlock()
	if ev == nil {
		return false
	}
	ev.Out(ep)
	return true
}

// ReadEndpointIn collects the packet the engine queued on an IN endpoint.
// Returns false if the endpoint is not configured, is halted, or has
// nothing pending.
func (p *Phy) ReadEndpointIn(ep uint8, buf []byte) (int, bool) {
	slot := slotFor(ep)
	if slot < 0 {
		return 0, false
	}
	p.mu.Lock()
	ev := p.events
	info := &p.endpoints[slot]
	if !info.configured || info.stalled || !info.inPending {
		p.mu.Unlock()
		return 0, false
	}
	n := copy(buf, info.inData)
	info.inPending = false
	p.mu.Unlock()
	if ev != nil {
		ev.In(ep)
	}
	return n, true
}

// Address reports the bus address the engine assigned via SetAddress.
func (p *Phy) Address() uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.address
}

// Connected reports whether the device pull-up is raised.
func (p *Phy) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// EP0Stalled reports whether the control endpoint is stalled.
func (p *Phy) EP0Stalled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ep0Stalled
}

// EndpointConfigured reports whether an endpoint has been added.
func (p *Phy) EndpointConfigured(ep uint8) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot := slotFor(ep)
	return slot >= 0 && p.endpoints[slot].configured
}

// EndpointStalled reports whether an endpoint is halted.
func (p *Phy) EndpointStalled(ep uint8) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot := slotFor(ep)
	return slot >= 0 && p.endpoints[slot].stalled
}

var _ hal.Phy = (*Phy)(nil)
