// Package device implements a device-side USB protocol engine.
//
// The engine sits between a platform phy driver ([hal.Phy]) and a device
// class ([Handler]). It owns the control endpoint state machine, serves
// the standard request set (chapter 9 of the USB 2.0 specification),
// tracks the device lifecycle from Attached through Configured, and
// multiplexes non-control endpoints between the phy and the class.
//
// A device is assembled from three parts:
//
//	phy := sim.New()                   // or a platform driver
//	kb := hid.NewKeyboard()            // a Handler + DescriptorSource
//	dev := device.New(phy, kb, device.Config{
//		VendorID:  0x1234,
//		ProductID: 0x5678,
//	})
//	kb.Bind(dev)
//	dev.Init()
//	dev.Connect()
//
// Control requests the engine does not recognize are forwarded to the
// Handler, which answers asynchronously through the Complete methods. All
// Handler callbacks run with the engine's reentrant lock held, so a class
// may complete a request from inside the callback that delivered it.
package device
