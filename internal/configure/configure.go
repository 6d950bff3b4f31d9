// Package configure brings a device in line with a desired config.
//
// Each section has its own diff function over explicit fields. A section is
// written back only when at least one of its fields differs, and each write
// waits for the device to come back before the next section is compared.
package configure

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	pb "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/proto"

	"github.com/yaleman/yaleman-meshtastic-tools/internal/config"
	"github.com/yaleman/yaleman-meshtastic-tools/internal/protocol"
)

// ErrPositionRequired is returned when fixed_position has to change but the
// config gives no latitude and longitude.
var ErrPositionRequired = errors.New("configure: fixed position needs latitude and longitude")

// Session is a connected device as seen by the configure tool.
type Session interface {
	LongName() string
	ShortName() string
	LocalConfig() *pb.LocalConfig
	ModuleConfig() *pb.LocalModuleConfig

	// SetOwner changes the owner names and waits for the device to settle.
	SetOwner(ctx context.Context, longName, shortName string) error
	// WriteConfig sends the named section from LocalConfig or ModuleConfig
	// and waits for the device to reload its configuration.
	WriteConfig(ctx context.Context, section protocol.Section) error
	// SendPosition broadcasts a position from the device.
	SendPosition(ctx context.Context, lat, lon float64, alt int32) error
}

// Change is one field that was written to the device.
type Change struct {
	Section string
	Field   string
	Old     any
	New     any
}

func (c Change) String() string {
	return fmt.Sprintf("%s/%s: %v -> %v", c.Section, c.Field, c.Old, c.New)
}

// Resolve returns a copy of cfg with every {id} token replaced by
// shortName. cfg itself is not modified.
func Resolve(cfg *config.Config, shortName string) *config.Config {
	out := *cfg
	if cfg.Owner != nil {
		o := *cfg.Owner
		o.LongName = strings.ReplaceAll(o.LongName, config.IDToken, shortName)
		o.ShortName = strings.ReplaceAll(o.ShortName, config.IDToken, shortName)
		out.Owner = &o
	}
	if cfg.MQTT != nil {
		m := *cfg.MQTT
		m.Root = strings.ReplaceAll(m.Root, config.IDToken, shortName)
		out.MQTT = &m
	}
	if cfg.Bluetooth != nil {
		b := *cfg.Bluetooth
		out.Bluetooth = &b
	}
	if cfg.Network != nil {
		n := *cfg.Network
		out.Network = &n
	}
	if cfg.GPS != nil {
		g := *cfg.GPS
		out.GPS = &g
	}
	return &out
}

// Apply resolves cfg against the device and writes every section that
// differs, in the order owner, lora, mqtt, bluetooth, network, gps. It
// returns the changes made so far, also on error.
func Apply(ctx context.Context, s Session, cfg *config.Config, log zerolog.Logger) ([]Change, error) {
	want := Resolve(cfg, s.ShortName())
	var all []Change

	if want.Owner == nil {
		log.Debug().Msg("no owner config")
	} else if long, short, changes := diffOwner(*want.Owner, s.LongName(), s.ShortName()); len(changes) > 0 {
		log.Info().Str("long_name", long).Str("short_name", short).Msg("setting owner")
		if err := s.SetOwner(ctx, long, short); err != nil {
			return all, fmt.Errorf("set owner: %w", err)
		}
		all = append(all, changes...)
	}

	next, changes, err := diffLoRa(want.LoRa, s.LocalConfig().GetLora())
	if err != nil {
		return all, err
	}
	if len(changes) > 0 {
		s.LocalConfig().Lora = next
		if err := write(ctx, s, protocol.SectionLoRa, changes, log); err != nil {
			return all, err
		}
		all = append(all, changes...)
	}

	if want.MQTT == nil {
		log.Debug().Msg("no mqtt config")
	} else if next, changes := diffMQTT(*want.MQTT, s.ModuleConfig().GetMqtt()); len(changes) > 0 {
		s.ModuleConfig().Mqtt = next
		if err := write(ctx, s, protocol.SectionMQTT, changes, log); err != nil {
			return all, err
		}
		all = append(all, changes...)
	}

	if want.Bluetooth == nil {
		log.Debug().Msg("no bluetooth config")
	} else if next, changes := diffBluetooth(*want.Bluetooth, s.LocalConfig().GetBluetooth()); len(changes) > 0 {
		s.LocalConfig().Bluetooth = next
		if err := write(ctx, s, protocol.SectionBluetooth, changes, log); err != nil {
			return all, err
		}
		all = append(all, changes...)
	}

	if want.Network == nil {
		log.Debug().Msg("no network config")
	} else if next, changes := diffNetwork(*want.Network, s.LocalConfig().GetNetwork()); len(changes) > 0 {
		s.LocalConfig().Network = next
		if err := write(ctx, s, protocol.SectionNetwork, changes, log); err != nil {
			return all, err
		}
		all = append(all, changes...)
	}

	if want.GPS == nil {
		log.Debug().Msg("no gps config")
		return all, nil
	}
	changes, err = applyGPS(ctx, s, *want.GPS, log)
	return append(all, changes...), err
}

func write(ctx context.Context, s Session, section protocol.Section, changes []Change, log zerolog.Logger) error {
	for _, c := range changes {
		log.Info().Str("section", c.Section).Str("field", c.Field).
			Interface("old", c.Old).Interface("new", c.New).Msg("updating")
	}
	log.Info().Str("section", string(section)).Msg("writing config")
	if err := s.WriteConfig(ctx, section); err != nil {
		return fmt.Errorf("write %s: %w", section, err)
	}
	return nil
}

// diffOwner returns the names to send. A long name change resends both
// names; a short name change alone keeps the current long name.
func diffOwner(want config.Owner, long, short string) (string, string, []Change) {
	var changes []Change
	nextLong, nextShort := long, short
	if want.LongName != long {
		changes = append(changes, Change{"owner", "long_name", long, want.LongName})
		nextLong, nextShort = want.LongName, want.ShortName
	}
	if want.ShortName != short {
		changes = append(changes, Change{"owner", "short_name", short, want.ShortName})
		nextShort = want.ShortName
	}
	return nextLong, nextShort, changes
}

func diffLoRa(want config.LoRa, have *pb.Config_LoRaConfig) (*pb.Config_LoRaConfig, []Change, error) {
	var changes []Change
	next := cloneOr(have, &pb.Config_LoRaConfig{})
	v, ok := pb.Config_LoRaConfig_RegionCode_value[want.Region]
	if !ok {
		return have, nil, fmt.Errorf("configure: invalid region %q", want.Region)
	}
	if region := pb.Config_LoRaConfig_RegionCode(v); next.Region != region {
		changes = append(changes, Change{"lora", "region", next.Region.String(), region.String()})
		next.Region = region
	}
	if want.ModemPreset != "" {
		v, ok := pb.Config_LoRaConfig_ModemPreset_value[want.ModemPreset]
		if !ok {
			return have, nil, fmt.Errorf("configure: invalid modem preset %q", want.ModemPreset)
		}
		if preset := pb.Config_LoRaConfig_ModemPreset(v); next.ModemPreset != preset {
			changes = append(changes, Change{"lora", "modem_preset", next.ModemPreset.String(), preset.String()})
			next.ModemPreset = preset
		}
	}
	return next, changes, nil
}

func diffMQTT(want config.MQTT, have *pb.ModuleConfig_MQTTConfig) (*pb.ModuleConfig_MQTTConfig, []Change) {
	var changes []Change
	next := cloneOr(have, &pb.ModuleConfig_MQTTConfig{})
	str := func(field string, cur *string, v string) {
		if *cur != v {
			changes = append(changes, Change{"mqtt", field, *cur, v})
			*cur = v
		}
	}
	flag := func(field string, cur *bool, v bool) {
		if *cur != v {
			changes = append(changes, Change{"mqtt", field, *cur, v})
			*cur = v
		}
	}
	str("address", &next.Address, want.Address)
	str("username", &next.Username, want.Username)
	str("password", &next.Password, want.Password)
	flag("encryption_enabled", &next.EncryptionEnabled, want.EncryptionEnabled)
	str("root", &next.Root, want.Root)
	flag("enabled", &next.Enabled, want.Enabled)
	flag("json_enabled", &next.JsonEnabled, want.JSONEnabled)
	flag("tls_enabled", &next.TlsEnabled, want.TLSEnabled)
	flag("proxy_to_client_enabled", &next.ProxyToClientEnabled, want.ProxyToClientEnabled)
	flag("map_reporting_enabled", &next.MapReportingEnabled, want.MapReportingEnabled)
	return next, changes
}

func diffBluetooth(want config.Bluetooth, have *pb.Config_BluetoothConfig) (*pb.Config_BluetoothConfig, []Change) {
	var changes []Change
	next := cloneOr(have, &pb.Config_BluetoothConfig{})
	if next.Enabled != want.Enabled {
		changes = append(changes, Change{"bluetooth", "enabled", next.Enabled, want.Enabled})
		next.Enabled = want.Enabled
	}
	if next.FixedPin != want.FixedPin {
		changes = append(changes, Change{"bluetooth", "fixed_pin", next.FixedPin, want.FixedPin})
		next.FixedPin = want.FixedPin
	}
	if mode := want.Mode.Proto(); next.Mode != mode {
		changes = append(changes, Change{"bluetooth", "mode", next.Mode.String(), mode.String()})
		next.Mode = mode
	}
	return next, changes
}

func diffNetwork(want config.Network, have *pb.Config_NetworkConfig) (*pb.Config_NetworkConfig, []Change) {
	var changes []Change
	next := cloneOr(have, &pb.Config_NetworkConfig{})
	if next.WifiSsid != want.WifiSSID {
		changes = append(changes, Change{"network", "wifi_ssid", next.WifiSsid, want.WifiSSID})
		next.WifiSsid = want.WifiSSID
	}
	if next.WifiPsk != want.WifiPSK {
		changes = append(changes, Change{"network", "wifi_psk", "********", "********"})
		next.WifiPsk = want.WifiPSK
	}
	if next.WifiEnabled != want.WifiEnabled {
		changes = append(changes, Change{"network", "wifi_enabled", next.WifiEnabled, want.WifiEnabled})
		next.WifiEnabled = want.WifiEnabled
	}
	return next, changes
}

// cloneOr copies have so the diff never edits the device's section in
// place. A missing section compares as empty.
func cloneOr[M proto.Message](have, empty M) M {
	if !have.ProtoReflect().IsValid() {
		return empty
	}
	return proto.Clone(have).(M)
}

// applyGPS handles fixed_position. Turning it on first writes it off, sends
// the desired position, then writes it on, so the device stores the new
// coordinates as its fixed position.
func applyGPS(ctx context.Context, s Session, want config.GPS, log zerolog.Logger) ([]Change, error) {
	if want.FixedPosition == nil {
		return nil, nil
	}
	lc := s.LocalConfig()
	if lc.Position == nil {
		lc.Position = &pb.Config_PositionConfig{}
	}
	have := lc.Position.FixedPosition
	fixed := *want.FixedPosition
	if have == fixed {
		return nil, nil
	}
	if want.Latitude == nil || want.Longitude == nil {
		return nil, ErrPositionRequired
	}

	if fixed {
		lc.Position.FixedPosition = false
		log.Info().Msg("writing gps config")
		if err := s.WriteConfig(ctx, protocol.SectionPosition); err != nil {
			return nil, fmt.Errorf("write position: %w", err)
		}
		var alt int32
		if want.Altitude != nil {
			alt = int32(math.Round(*want.Altitude))
		}
		log.Debug().Float64("lat", *want.Latitude).Float64("lon", *want.Longitude).Int32("alt", alt).Msg("sending position")
		if err := s.SendPosition(ctx, *want.Latitude, *want.Longitude, alt); err != nil {
			return nil, fmt.Errorf("send position: %w", err)
		}
	}

	change := Change{"gps", "fixed_position", have, fixed}
	lc.Position.FixedPosition = fixed
	if err := write(ctx, s, protocol.SectionPosition, []Change{change}, log); err != nil {
		return nil, err
	}
	return []Change{change}, nil
}
