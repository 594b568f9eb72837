package device

import (
	"encoding/binary"

	"github.com/ardnew/usbdev/pkg"
)

// USB Descriptor Types (USB 2.0 Spec Table 9-5).
const (
	DescriptorTypeDevice               = 0x01
	DescriptorTypeConfiguration        = 0x02
	DescriptorTypeString               = 0x03
	DescriptorTypeInterface            = 0x04
	DescriptorTypeEndpoint             = 0x05
	DescriptorTypeDeviceQualifier      = 0x06
	DescriptorTypeOtherSpeedConfig     = 0x07
	DescriptorTypeInterfacePower       = 0x08
	DescriptorTypeOTG                  = 0x09
	DescriptorTypeInterfaceAssociation = 0x0B
	DescriptorTypeHID                  = 0x21
	DescriptorTypeHIDReport            = 0x22
)

// String descriptor indices used by the engine's device descriptor and
// honored by GET_DESCRIPTOR(STRING).
const (
	StringIndexLangID        = 0
	StringIndexManufacturer  = 1
	StringIndexProduct       = 2
	StringIndexSerial        = 3
	StringIndexConfiguration = 4
	StringIndexInterface     = 5
)

// DescriptorSource supplies the raw class-defined descriptor content the
// engine serves through GET_DESCRIPTOR. The engine treats every returned
// slice as an opaque, caller-owned byte span that must remain stable for
// the duration of the transfer. A nil return selects the engine default.
type DescriptorSource interface {
	// ConfigurationDescriptor returns the full configuration descriptor
	// including all interface, endpoint, and class descriptors. Its
	// wTotalLength field bounds the GET_DESCRIPTOR response.
	ConfigurationDescriptor() []byte

	// StringLangID returns the language ID string descriptor (index 0).
	StringLangID() []byte

	// StringManufacturer returns the manufacturer string descriptor.
	StringManufacturer() []byte

	// StringProduct returns the product string descriptor.
	StringProduct() []byte

	// StringSerial returns the serial number string descriptor.
	StringSerial() []byte

	// StringConfiguration returns the configuration string descriptor.
	StringConfiguration() []byte

	// StringInterface returns the interface string descriptor.
	StringInterface() []byte
}

// StaticDescriptors implements DescriptorSource from fixed byte slices.
// Nil fields fall back to the engine defaults.
type StaticDescriptors struct {
	Configuration       []byte
	LangID              []byte
	Manufacturer        []byte
	Product             []byte
	Serial              []byte
	ConfigurationString []byte
	InterfaceString     []byte
}

func (s *StaticDescriptors) ConfigurationDescriptor() []byte { return s.Configuration }
func (s *StaticDescriptors) StringLangID() []byte            { return s.LangID }
func (s *StaticDescriptors) StringManufacturer() []byte      { return s.Manufacturer }
func (s *StaticDescriptors) StringProduct() []byte           { return s.Product }
func (s *StaticDescriptors) StringSerial() []byte            { return s.Serial }
func (s *StaticDescriptors) StringConfiguration() []byte     { return s.ConfigurationString }
func (s *StaticDescriptors) StringInterface() []byte         { return s.InterfaceString }

// Default string descriptors served when the DescriptorSource returns nil.
var (
	defaultLangID        = []byte{0x04, DescriptorTypeString, 0x09, 0x04} // US English
	defaultManufacturer  = mustStringDescriptor("usbdev")
	defaultProduct       = mustStringDescriptor("USB Device")
	defaultSerial        = mustStringDescriptor("0123456789")
	defaultConfiguration = mustStringDescriptor("01")
	defaultInterface     = mustStringDescriptor("00")
)

func mustStringDescriptor(s string) []byte {
	buf := make([]byte, 2+len(s)*2)
	n := StringDescriptorTo(buf, s)
	return buf[:n]
}

// DeviceDescriptor represents a USB device descriptor (18 bytes).
type DeviceDescriptor struct {
	Length            uint8  // Size of this descriptor (18)
	DescriptorType    uint8  // Device descriptor type (0x01)
	USBVersion        uint16 // USB specification version (BCD)
	DeviceClass       uint8  // Class code
	DeviceSubClass    uint8  // Subclass code
	DeviceProtocol    uint8  // Protocol code
	MaxPacketSize0    uint8  // Max packet size for EP0
	VendorID          uint16 // Vendor ID
	ProductID         uint16 // Product ID
	DeviceVersion     uint16 // Device release number (BCD)
	ManufacturerIndex uint8  // Index of manufacturer string
	ProductIndex      uint8  // Index of product string
	SerialNumberIndex uint8  // Index of serial number string
	NumConfigurations uint8  // Number of configurations
}

// DeviceDescriptorSize is the size of a device descriptor in bytes.
const DeviceDescriptorSize = 18

// MarshalTo serializes the device descriptor to buf.
// Returns the number of bytes written (always 18 if buf is large enough).
func (d *DeviceDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < DeviceDescriptorSize {
		return 0
	}
	buf[0] = DeviceDescriptorSize
	buf[1] = DescriptorTypeDevice
	binary.LittleEndian.PutUint16(buf[2:4], d.USBVersion)
	buf[4] = d.DeviceClass
	buf[5] = d.DeviceSubClass
	buf[6] = d.DeviceProtocol
	buf[7] = d.MaxPacketSize0
	binary.LittleEndian.PutUint16(buf[8:10], d.VendorID)
	binary.LittleEndian.PutUint16(buf[10:12], d.ProductID)
	binary.LittleEndian.PutUint16(buf[12:14], d.DeviceVersion)
	buf[14] = d.ManufacturerIndex
	buf[15] = d.ProductIndex
	buf[16] = d.SerialNumberIndex
	buf[17] = d.NumConfigurations
	return DeviceDescriptorSize
}

// ParseDeviceDescriptor parses a device descriptor from bytes into out.
// Returns an error if the data is too short or the descriptor type is wrong.
func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) error {
	if len(data) < DeviceDescriptorSize {
		return pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeDevice {
		return pkg.ErrInvalidRequest
	}
	out.Length = data[0]
	out.DescriptorType = data[1]
	out.USBVersion = binary.LittleEndian.Uint16(data[2:4])
	out.DeviceClass = data[4]
	out.DeviceSubClass = data[5]
	out.DeviceProtocol = data[6]
	out.MaxPacketSize0 = data[7]
	out.VendorID = binary.LittleEndian.Uint16(data[8:10])
	out.ProductID = binary.LittleEndian.Uint16(data[10:12])
	out.DeviceVersion = binary.LittleEndian.Uint16(data[12:14])
	out.ManufacturerIndex = data[14]
	out.ProductIndex = data[15]
	out.SerialNumberIndex = data[16]
	out.NumConfigurations = data[17]
	return nil
}

// ConfigurationDescriptor represents a USB configuration descriptor header
// (9 bytes).
type ConfigurationDescriptor struct {
	Length             uint8  // Size of this descriptor (9)
	DescriptorType     uint8  // Configuration descriptor type (0x02)
	TotalLength        uint16 // Total length of configuration data
	NumInterfaces      uint8  // Number of interfaces
	ConfigurationValue uint8  // Value for SET_CONFIGURATION
	ConfigurationIndex uint8  // Index of string descriptor
	Attributes         uint8  // Configuration attributes
	MaxPower           uint8  // Maximum power consumption (2mA units)
}

// Configuration attribute bits.
const (
	ConfigAttrBusPowered   = 0x80 // Bus-powered (always set)
	ConfigAttrSelfPowered  = 0x40 // Self-powered
	ConfigAttrRemoteWakeup = 0x20 // Remote wakeup capable
)

// ConfigurationDescriptorSize is the size of a configuration descriptor
// header in bytes.
const ConfigurationDescriptorSize = 9

// MarshalTo serializes the configuration descriptor header to buf.
// Returns the number of bytes written (always 9 if buf is large enough).
func (c *ConfigurationDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < ConfigurationDescriptorSize {
		return 0
	}
	buf[0] = ConfigurationDescriptorSize
	buf[1] = DescriptorTypeConfiguration
	binary.LittleEndian.PutUint16(buf[2:4], c.TotalLength)
	buf[4] = c.NumInterfaces
	buf[5] = c.ConfigurationValue
	buf[6] = c.ConfigurationIndex
	buf[7] = c.Attributes
	buf[8] = c.MaxPower
	return ConfigurationDescriptorSize
}

// InterfaceDescriptor represents a USB interface descriptor (9 bytes).
type InterfaceDescriptor struct {
	Length            uint8 // Size of this descriptor (9)
	DescriptorType    uint8 // Interface descriptor type (0x04)
	InterfaceNumber   uint8 // Interface number
	AlternateSetting  uint8 // Alternate setting number
	NumEndpoints      uint8 // Number of endpoints (excluding EP0)
	InterfaceClass    uint8 // Class code
	InterfaceSubClass uint8 // Subclass code
	InterfaceProtocol uint8 // Protocol code
	InterfaceIndex    uint8 // Index of string descriptor
}

// InterfaceDescriptorSize is the size of an interface descriptor in bytes.
const InterfaceDescriptorSize = 9

// MarshalTo serializes the interface descriptor to buf.
// Returns the number of bytes written (always 9 if buf is large enough).
func (i *InterfaceDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < InterfaceDescriptorSize {
		return 0
	}
	buf[0] = InterfaceDescriptorSize
	buf[1] = DescriptorTypeInterface
	buf[2] = i.InterfaceNumber
	buf[3] = i.AlternateSetting
	buf[4] = i.NumEndpoints
	buf[5] = i.InterfaceClass
	buf[6] = i.InterfaceSubClass
	buf[7] = i.InterfaceProtocol
	buf[8] = i.InterfaceIndex
	return InterfaceDescriptorSize
}

// EndpointDescriptor represents a USB endpoint descriptor (7 bytes).
type EndpointDescriptor struct {
	Length          uint8  // Size of this descriptor (7)
	DescriptorType  uint8  // Endpoint descriptor type (0x05)
	EndpointAddress uint8  // Endpoint address (including direction)
	Attributes      uint8  // Transfer type and sync/usage flags
	MaxPacketSize   uint16 // Maximum packet size
	Interval        uint8  // Polling interval (interrupt/isochronous)
}

// EndpointDescriptorSize is the size of an endpoint descriptor in bytes.
const EndpointDescriptorSize = 7

// MarshalTo serializes the endpoint descriptor to buf.
// Returns the number of bytes written (always 7 if buf is large enough).
func (e *EndpointDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < EndpointDescriptorSize {
		return 0
	}
	buf[0] = EndpointDescriptorSize
	buf[1] = DescriptorTypeEndpoint
	buf[2] = e.EndpointAddress
	buf[3] = e.Attributes
	binary.LittleEndian.PutUint16(buf[4:6], e.MaxPacketSize)
	buf[6] = e.Interval
	return EndpointDescriptorSize
}

// StringDescriptorTo writes a USB string descriptor to buf.
// The descriptor encodes the string as UTF-16LE. Returns the number of
// bytes written, or 0 if buf is too small.
func StringDescriptorTo(buf []byte, s string) int {
	runes := []rune(s)
	length := 2 + len(runes)*2
	if length > 255 {
		length = 255
		runes = runes[:(length-2)/2]
	}
	if len(buf) < length {
		return 0
	}
	buf[0] = uint8(length)
	buf[1] = DescriptorTypeString
	for i, r := range runes {
		binary.LittleEndian.PutUint16(buf[2+i*2:], uint16(r))
	}
	return length
}

// LanguageDescriptorTo writes the language ID string descriptor to buf.
// The standard language ID for US English is 0x0409. Returns the number of
// bytes written, or 0 if buf is too small.
func LanguageDescriptorTo(buf []byte, langIDs ...uint16) int {
	length := 2 + len(langIDs)*2
	if len(buf) < length {
		return 0
	}
	buf[0] = uint8(length)
	buf[1] = DescriptorTypeString
	for i, id := range langIDs {
		binary.LittleEndian.PutUint16(buf[2+i*2:], id)
	}
	return length
}

// LangIDUSEnglish is the language ID for US English.
const LangIDUSEnglish = 0x0409

// buildDeviceDescriptor populates the engine's 18-byte device descriptor
// from the construction parameters and static class-independent fields.
func (d *Device) buildDeviceDescriptor() {
	desc := DeviceDescriptor{
		Length:            DeviceDescriptorSize,
		DescriptorType:    DescriptorTypeDevice,
		USBVersion:        0x0200,
		MaxPacketSize0:    uint8(d.maxPacketSize0),
		VendorID:          d.vendorID,
		ProductID:         d.productID,
		DeviceVersion:     d.productRelease,
		ManufacturerIndex: StringIndexManufacturer,
		ProductIndex:      StringIndexProduct,
		SerialNumberIndex: StringIndexSerial,
		NumConfigurations: 1,
	}
	desc.MarshalTo(d.deviceDescriptor[:])
}

// configurationDescriptor returns the configuration descriptor supplied by
// the descriptor source, bounded by its wTotalLength field.
func (d *Device) configurationDescriptor() []byte {
	if d.desc == nil {
		return nil
	}
	cfg := d.desc.ConfigurationDescriptor()
	if len(cfg) < 4 {
		return nil
	}
	total := int(binary.LittleEndian.Uint16(cfg[2:4]))
	if total >= ConfigurationDescriptorSize && total < len(cfg) {
		cfg = cfg[:total]
	}
	return cfg
}

// stringDescriptor returns the string descriptor for the given index,
// falling back to engine defaults where the source supplies none.
func (d *Device) stringDescriptor(index uint8) []byte {
	var data, fallback []byte
	switch index {
	case StringIndexLangID:
		fallback = defaultLangID
		if d.desc != nil {
			data = d.desc.StringLangID()
		}
	case StringIndexManufacturer:
		fallback = defaultManufacturer
		if d.desc != nil {
			data = d.desc.StringManufacturer()
		}
	case StringIndexProduct:
		fallback = defaultProduct
		if d.desc != nil {
			data = d.desc.StringProduct()
		}
	case StringIndexSerial:
		fallback = defaultSerial
		if d.desc != nil {
			data = d.desc.StringSerial()
		}
	case StringIndexConfiguration:
		fallback = defaultConfiguration
		if d.desc != nil {
			data = d.desc.StringConfiguration()
		}
	case StringIndexInterface:
		fallback = defaultInterface
		if d.desc != nil {
			data = d.desc.StringInterface()
		}
	default:
		return nil
	}
	if data == nil {
		data = fallback
	}
	return data
}

// FindDescriptor scans the configuration descriptor for the first
// sub-descriptor of the given type. Returns nil if none is present.
// Class drivers use this to locate their own descriptors (for example the
// HID descriptor) inside the configuration blob.
func (d *Device) FindDescriptor(descriptorType uint8) []byte {
	d.lock.Lock()
	defer d.lock.Unlock()

	cfg := d.configurationDescriptor()
	for i := 0; i+2 <= len(cfg); {
		length := int(cfg[i])
		if length < 2 || i+length > len(cfg) {
			return nil
		}
		if cfg[i+1] == descriptorType {
			return cfg[i : i+length]
		}
		i += length
	}
	return nil
}
