// Package config describes the desired state of a device: owner identity,
// LoRa radio, MQTT gateway, Bluetooth, WiFi and fixed position settings.
//
// Files are YAML; JSON files load the same way since the YAML decoder
// accepts them. Every section except lora is optional and an absent section
// leaves the device's current settings alone.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	pb "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"gopkg.in/yaml.v3"
)

// DefaultPath is read when no config file is given.
const DefaultPath = "config.json"

// DefaultFixedPin is the Bluetooth PIN used when fixedPin is not set.
const DefaultFixedPin = 12355

// IDToken in owner names and the MQTT root is replaced by the device's
// current short name.
const IDToken = "{id}"

// Regions lists the accepted lora.region values.
var Regions = []string{
	"US", "EU_433", "EU_868", "CN", "JP", "ANZ", "KR", "TW", "RU", "IN",
	"NZ_865", "TH", "LORA_24", "UA_433", "UA_868", "MY_433", "MY_919", "SG_923",
}

// ModemPresets lists the accepted lora.modem_preset values.
var ModemPresets = []string{
	"LONG_FAST", "LONG_SLOW", "VERY_LONG_SLOW", "MEDIUM_SLOW",
	"MEDIUM_FAST", "SHORT_SLOW", "SHORT_FAST", "LONG_MODERATE",
}

type Config struct {
	Owner     *Owner     `yaml:"owner,omitempty"`
	MQTT      *MQTT      `yaml:"mqtt,omitempty"`
	Bluetooth *Bluetooth `yaml:"bluetooth,omitempty"`
	LoRa      LoRa       `yaml:"lora"`
	Network   *Network   `yaml:"network,omitempty"`
	GPS       *GPS       `yaml:"gps,omitempty"`
}

type Owner struct {
	ShortName string `yaml:"short_name"`
	LongName  string `yaml:"long_name"`
}

type MQTT struct {
	Address              string `yaml:"address"`
	Username             string `yaml:"username"`
	Password             string `yaml:"password"`
	EncryptionEnabled    bool   `yaml:"encryptionEnabled"`
	Root                 string `yaml:"root"`
	Enabled              bool   `yaml:"enabled"`
	JSONEnabled          bool   `yaml:"jsonEnabled"`
	TLSEnabled           bool   `yaml:"tlsEnabled"`
	ProxyToClientEnabled bool   `yaml:"proxyToClientEnabled"`
	MapReportingEnabled  bool   `yaml:"mapReportingEnabled"`
}

type Bluetooth struct {
	Enabled  bool        `yaml:"enabled"`
	FixedPin uint32      `yaml:"fixedPin"`
	Mode     PairingMode `yaml:"mode"`
}

// UnmarshalYAML fills in the defaults for keys the file leaves out.
func (b *Bluetooth) UnmarshalYAML(value *yaml.Node) error {
	type plain Bluetooth
	p := plain{FixedPin: DefaultFixedPin, Mode: PairingMode(pb.Config_BluetoothConfig_RANDOM_PIN)}
	if err := value.Decode(&p); err != nil {
		return err
	}
	*b = Bluetooth(p)
	return nil
}

type LoRa struct {
	Region      string `yaml:"region"`
	ModemPreset string `yaml:"modem_preset,omitempty"`
}

type Network struct {
	WifiSSID    string `yaml:"wifi_ssid"`
	WifiPSK     string `yaml:"wifi_psk"`
	WifiEnabled bool   `yaml:"wifi_enabled"`
}

type GPS struct {
	FixedPosition *bool    `yaml:"fixed_position,omitempty"`
	Latitude      *float64 `yaml:"latitude,omitempty"`
	Longitude     *float64 `yaml:"longitude,omitempty"`
	Altitude      *float64 `yaml:"altitude,omitempty"`
}

// PairingMode accepts either the numeric value or the name of a Bluetooth
// pairing mode.
type PairingMode pb.Config_BluetoothConfig_PairingMode

func (m *PairingMode) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: pairing mode must be a scalar", value.Line)
	}
	if n, err := strconv.Atoi(value.Value); err == nil {
		if _, ok := pb.Config_BluetoothConfig_PairingMode_name[int32(n)]; !ok {
			return fmt.Errorf("line %d: invalid pairing mode %d", value.Line, n)
		}
		*m = PairingMode(n)
		return nil
	}
	v, ok := pb.Config_BluetoothConfig_PairingMode_value[strings.ToUpper(value.Value)]
	if !ok {
		return fmt.Errorf("line %d: invalid pairing mode %q", value.Line, value.Value)
	}
	*m = PairingMode(v)
	return nil
}

func (m PairingMode) MarshalYAML() (any, error) {
	return m.String(), nil
}

// Proto returns the mode as the device enum.
func (m PairingMode) Proto() pb.Config_BluetoothConfig_PairingMode {
	return pb.Config_BluetoothConfig_PairingMode(m)
}

func (m PairingMode) String() string { return m.Proto().String() }

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates a config document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field values and normalises region and preset names to
// upper case.
func (c *Config) Validate() error {
	var errs []error
	if c.LoRa.Region == "" {
		errs = append(errs, errors.New("lora.region is required"))
	} else if r := strings.ToUpper(c.LoRa.Region); !contains(Regions, r) {
		errs = append(errs, fmt.Errorf("invalid region: %s, should be one of %s", c.LoRa.Region, strings.Join(Regions, ",")))
	} else {
		c.LoRa.Region = r
	}
	if c.LoRa.ModemPreset != "" {
		if p := strings.ToUpper(c.LoRa.ModemPreset); !contains(ModemPresets, p) {
			errs = append(errs, fmt.Errorf("invalid modem preset: %s, should be one of %s", c.LoRa.ModemPreset, strings.Join(ModemPresets, ",")))
		} else {
			c.LoRa.ModemPreset = p
		}
	}
	if c.Owner != nil && len([]rune(c.Owner.ShortName)) > 4 {
		errs = append(errs, errors.New("owner.short_name must be 4 characters or less"))
	}
	return errors.Join(errs...)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
