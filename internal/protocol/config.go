package protocol

import (
	pb "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
)

// Section names a writable config section, using the device's section names.
type Section string

const (
	SectionPosition  Section = "position"
	SectionNetwork   Section = "network"
	SectionLoRa      Section = "lora"
	SectionBluetooth Section = "bluetooth"
	SectionMQTT      Section = "mqtt"
)

// IsModule reports whether s lives in the module config rather than the
// device config.
func (s Section) IsModule() bool { return s == SectionMQTT }

// NewLocalConfig returns a config with every managed section allocated.
func NewLocalConfig() *pb.LocalConfig {
	return &pb.LocalConfig{
		Position:  &pb.Config_PositionConfig{},
		Network:   &pb.Config_NetworkConfig{},
		Lora:      &pb.Config_LoRaConfig{},
		Bluetooth: &pb.Config_BluetoothConfig{},
	}
}

// NewLocalModuleConfig returns a module config with every managed section
// allocated.
func NewLocalModuleConfig() *pb.LocalModuleConfig {
	return &pb.LocalModuleConfig{Mqtt: &pb.ModuleConfig_MQTTConfig{}}
}

// fill allocates any managed section lc is missing.
func fill(lc *pb.LocalConfig) {
	if lc.Position == nil {
		lc.Position = &pb.Config_PositionConfig{}
	}
	if lc.Network == nil {
		lc.Network = &pb.Config_NetworkConfig{}
	}
	if lc.Lora == nil {
		lc.Lora = &pb.Config_LoRaConfig{}
	}
	if lc.Bluetooth == nil {
		lc.Bluetooth = &pb.Config_BluetoothConfig{}
	}
}

// ApplyConfig stores the section carried by c into lc. Sections the tools do
// not manage are kept as well.
func ApplyConfig(lc *pb.LocalConfig, c *pb.Config) {
	switch v := c.GetPayloadVariant().(type) {
	case *pb.Config_Device:
		lc.Device = v.Device
	case *pb.Config_Position:
		lc.Position = v.Position
	case *pb.Config_Power:
		lc.Power = v.Power
	case *pb.Config_Network:
		lc.Network = v.Network
	case *pb.Config_Display:
		lc.Display = v.Display
	case *pb.Config_Lora:
		lc.Lora = v.Lora
	case *pb.Config_Bluetooth:
		lc.Bluetooth = v.Bluetooth
	}
}

// ApplyModuleConfig stores the module section carried by m into mc.
func ApplyModuleConfig(mc *pb.LocalModuleConfig, m *pb.ModuleConfig) {
	if v, ok := m.GetPayloadVariant().(*pb.ModuleConfig_Mqtt); ok {
		mc.Mqtt = v.Mqtt
	}
}

// EncodeConfig wraps one device section of lc as a Config message. A
// section lc does not hold is sent empty.
func EncodeConfig(lc *pb.LocalConfig, s Section) (*pb.Config, bool) {
	if lc == nil {
		lc = NewLocalConfig()
	}
	fill(lc)
	c := &pb.Config{}
	switch s {
	case SectionPosition:
		c.PayloadVariant = &pb.Config_Position{Position: lc.GetPosition()}
	case SectionNetwork:
		c.PayloadVariant = &pb.Config_Network{Network: lc.GetNetwork()}
	case SectionLoRa:
		c.PayloadVariant = &pb.Config_Lora{Lora: lc.GetLora()}
	case SectionBluetooth:
		c.PayloadVariant = &pb.Config_Bluetooth{Bluetooth: lc.GetBluetooth()}
	default:
		return nil, false
	}
	return c, true
}

// EncodeModuleConfig wraps one module section of mc as a ModuleConfig
// message.
func EncodeModuleConfig(mc *pb.LocalModuleConfig, s Section) (*pb.ModuleConfig, bool) {
	if s != SectionMQTT {
		return nil, false
	}
	if mc.GetMqtt() == nil {
		mc = NewLocalModuleConfig()
	}
	return &pb.ModuleConfig{PayloadVariant: &pb.ModuleConfig_Mqtt{Mqtt: mc.GetMqtt()}}, true
}
