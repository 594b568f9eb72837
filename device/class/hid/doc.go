// Package hid implements a USB Human Interface Device class on top of the
// device engine.
//
// The package provides [Keyboard], a boot-protocol keyboard that acts as
// the engine's subclass: it implements device.Handler to answer HID class
// requests (GET_REPORT, SET_REPORT, GET/SET_IDLE, GET/SET_PROTOCOL) and
// interface-level GET_DESCRIPTOR, and device.DescriptorSource to supply
// the configuration blob with its HID and report descriptors.
//
// # Usage
//
//	kb := hid.NewKeyboard()
//	dev := device.New(phy, kb, device.Config{
//		VendorID:  0xCAFE,
//		ProductID: 0xBABE,
//	})
//	kb.Bind(dev)
//	dev.Init()
//	dev.Connect()
//
//	// After enumeration:
//	kb.Press(hid.KeyA)
//	kb.Release(hid.KeyA)
//
// Host LED state (caps lock, num lock) arrives through SET_REPORT output
// reports; observe it with [Keyboard.SetOnLED].
package hid
