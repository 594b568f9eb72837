package device

import (
	"github.com/ardnew/usbdev/device/hal"
	"github.com/ardnew/usbdev/pkg"
)

// numEndpointSlots is the size of the endpoint table: endpoint numbers 1
// through 15 in each direction. Endpoint 0 is owned by the control engine
// and never appears in the table.
const numEndpointSlots = 30

// EndpointCallback is invoked when a transfer on a non-control endpoint
// completes. It runs with the device lock held: the callback may start the
// next transfer directly but must not block.
type EndpointCallback func(endpoint uint8)

// endpointInfo flag bits.
const (
	epEnabled   = 1 << 0 // slot is in use
	epStalled   = 1 << 1 // endpoint is halted
	epReadArmed = 1 << 2 // OUT read posted, completion pending
	epWriteBusy = 1 << 3 // IN write posted, completion pending
)

// endpointInfo is one slot of the endpoint table.
type endpointInfo struct {
	callback  EndpointCallback
	maxPacket uint16
	flags     uint8
	pending   uint8 // completed OUT reads not yet collected
}

// endpointSlot maps an endpoint address to its table slot, or -1 for
// endpoint 0 and out-of-range numbers.
func endpointSlot(endpoint uint8) int {
	num := endpoint & 0x0F
	if num == 0 {
		return -1
	}
	slot := int(num-1) * 2
	if endpoint&hal.EndpointDirectionIn != 0 {
		slot++
	}
	return slot
}

// endpointInfo returns the table slot for an endpoint, panicking on an
// invalid address or a slot that was never added. Callers hold the lock.
func (d *Device) endpointInfo(endpoint uint8) *endpointInfo {
	slot := endpointSlot(endpoint)
	if slot < 0 {
		panic("usbdev: invalid endpoint address")
	}
	info := &d.endpoints[slot]
	if info.flags&epEnabled == 0 {
		panic("usbdev: endpoint not added")
	}
	return info
}

// endpointAdded reports whether an endpoint address names a live table
// slot. Unlike endpointInfo it never panics; the standard request
// dispatcher uses it for host-supplied addresses.
func (d *Device) endpointAdded(endpoint uint8) bool {
	slot := endpointSlot(endpoint)
	return slot >= 0 && d.endpoints[slot].flags&epEnabled != 0
}

// EndpointAdd configures a non-control endpoint and registers its transfer
// completion callback. Returns false if the address or parameters are
// invalid, the endpoint is already added, or the phy rejects the
// configuration. Typically called from the subclass SetConfiguration
// callback.
func (d *Device) EndpointAdd(endpoint uint8, maxPacket uint16, epType uint8, callback EndpointCallback) bool {
	d.lock.Lock()
	defer d.lock.Unlock()

	slot := endpointSlot(endpoint)
	if slot < 0 || epType == hal.EndpointTypeControl || maxPacket == 0 {
		pkg.LogWarn(pkg.ComponentEndpoint, "endpoint add rejected",
			"endpoint", endpoint, "maxPacket", maxPacket, "type", epType)
		return false
	}
	info := &d.endpoints[slot]
	if info.flags&epEnabled != 0 {
		pkg.LogWarn(pkg.ComponentEndpoint, "endpoint already added", "endpoint", endpoint)
		return false
	}
	if !d.phy.EndpointAdd(endpoint, maxPacket, epType) {
		pkg.LogWarn(pkg.ComponentEndpoint, "phy rejected endpoint", "endpoint", endpoint)
		return false
	}

	*info = endpointInfo{
		callback:  callback,
		maxPacket: maxPacket,
		flags:     epEnabled,
	}
	pkg.LogDebug(pkg.ComponentEndpoint, "endpoint added",
		"endpoint", endpoint, "maxPacket", maxPacket, "type", epType)
	return true
}

// EndpointRemove aborts any transfer in progress, deconfigures the
// endpoint, and frees its table slot. Panics if the endpoint was never
// added.
func (d *Device) EndpointRemove(endpoint uint8) {
	d.lock.Lock()
	defer d.lock.Unlock()

	d.endpointInfo(endpoint)
	d.phy.EndpointAbort(endpoint)
	d.phy.EndpointRemove(endpoint)
	d.endpoints[endpointSlot(endpoint)] = endpointInfo{}
	pkg.LogDebug(pkg.ComponentEndpoint, "endpoint removed", "endpoint", endpoint)
}

// endpointRemoveAll tears down every live endpoint. Called with the lock
// held on reset, deconfiguration, and deinitialization.
func (d *Device) endpointRemoveAll() {
	for slot := range d.endpoints {
		if d.endpoints[slot].flags&epEnabled == 0 {
			continue
		}
		num := uint8(slot/2 + 1)
		endpoint := num
		if slot%2 == 1 {
			endpoint |= hal.EndpointDirectionIn
		}
		d.phy.EndpointAbort(endpoint)
		d.phy.EndpointRemove(endpoint)
		d.endpoints[slot] = endpointInfo{}
	}
}

// EndpointStall halts an endpoint, discarding any transfer in progress.
// Pending but uncollected read data is dropped. Panics if the endpoint was
// never added.
func (d *Device) EndpointStall(endpoint uint8) {
	d.lock.Lock()
	defer d.lock.Unlock()

	info := d.endpointInfo(endpoint)
	if info.flags&(epReadArmed|epWriteBusy) != 0 {
		d.phy.EndpointAbort(endpoint)
	}
	info.flags &^= epReadArmed | epWriteBusy
	info.flags |= epStalled
	info.pending = 0
	d.phy.EndpointStall(endpoint)
	pkg.LogDebug(pkg.ComponentEndpoint, "endpoint stalled", "endpoint", endpoint)
}

// EndpointUnstall clears an endpoint halt and resets its data toggle.
// Panics if the endpoint was never added.
func (d *Device) EndpointUnstall(endpoint uint8) {
	d.lock.Lock()
	defer d.lock.Unlock()

	info := d.endpointInfo(endpoint)
	info.flags &^= epStalled
	d.phy.EndpointUnstall(endpoint)
	pkg.LogDebug(pkg.ComponentEndpoint, "endpoint unstalled", "endpoint", endpoint)
}

// EndpointMaxPacketSize returns the configured maximum packet size of an
// endpoint. Panics if the endpoint was never added.
func (d *Device) EndpointMaxPacketSize(endpoint uint8) uint16 {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.endpointInfo(endpoint).maxPacket
}

// ReadStart arms a receive on an OUT endpoint. The endpoint callback fires
// when a packet arrives; collect it with [Device.ReadFinish]. Returns
// false if the endpoint is an IN endpoint, is halted, or already has a
// read armed. Panics if the endpoint was never added.
func (d *Device) ReadStart(endpoint uint8) bool {
	d.lock.Lock()
	defer d.lock.Unlock()

	info := d.endpointInfo(endpoint)
	if endpoint&hal.EndpointDirectionIn != 0 {
		return false
	}
	if info.flags&(epStalled|epReadArmed) != 0 {
		return false
	}
	if !d.phy.EndpointRead(endpoint) {
		return false
	}
	info.flags |= epReadArmed
	return true
}

// ReadFinish collects the data from a completed receive. Returns (0, false)
// if no completed read is pending or buf is smaller than the endpoint's
// maximum packet size. Panics if the endpoint was never added.
func (d *Device) ReadFinish(endpoint uint8, buf []byte) (int, bool) {
	d.lock.Lock()
	defer d.lock.Unlock()

	info := d.endpointInfo(endpoint)
	if info.pending == 0 {
		return 0, false
	}
	if len(buf) < int(info.maxPacket) {
		return 0, false
	}
	n := d.phy.EndpointReadResult(endpoint, buf)
	info.pending--
	return n, true
}

// Write queues a packet on an IN endpoint. The endpoint callback fires when
// the host has collected it. Returns false if the endpoint is an OUT
// endpoint, is halted, already has a write in flight, or data exceeds the
// maximum packet size. Panics if the endpoint was never added.
func (d *Device) Write(endpoint uint8, data []byte) bool {
	d.lock.Lock()
	defer d.lock.Unlock()

	info := d.endpointInfo(endpoint)
	if endpoint&hal.EndpointDirectionIn == 0 {
		return false
	}
	if info.flags&(epStalled|epWriteBusy) != 0 {
		return false
	}
	if len(data) > int(info.maxPacket) {
		return false
	}
	if !d.phy.EndpointWrite(endpoint, data) {
		return false
	}
	info.flags |= epWriteBusy
	return true
}

// outEvent handles an OUT transfer completion from the phy. The lock is
// already held by the event entry point.
func (d *Device) outEvent(endpoint uint8) {
	slot := endpointSlot(endpoint)
	if slot < 0 {
		return
	}
	info := &d.endpoints[slot]
	if info.flags&epEnabled == 0 || info.flags&epReadArmed == 0 {
		return
	}
	info.flags &^= epReadArmed
	info.pending++
	if info.callback != nil {
		info.callback(endpoint)
	}
}

// inEvent handles an IN transfer completion from the phy. The lock is
// already held by the event entry point.
func (d *Device) inEvent(endpoint uint8) {
	slot := endpointSlot(endpoint)
	if slot < 0 {
		return
	}
	info := &d.endpoints[slot]
	if info.flags&epEnabled == 0 || info.flags&epWriteBusy == 0 {
		return
	}
	info.flags &^= epWriteBusy
	if info.callback != nil {
		info.callback(endpoint)
	}
}
