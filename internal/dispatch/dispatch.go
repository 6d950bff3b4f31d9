// Package dispatch maps application port numbers to payload decoders.
//
// The registry is static. Each entry is one of three variants: a raw port
// whose bytes are passed through, a text port whose bytes are UTF-8, or a
// schema port whose bytes are a generated Meshtastic message. Schema
// payloads are rendered with protojson, so every field the message carries
// reaches the record under its lowerCamelCase name.
package dispatch

import (
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf8"

	pb "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/yaleman/yaleman-meshtastic-tools/internal/record"
)

var (
	// ErrUnknownPort is returned when no decoder is registered for a port.
	ErrUnknownPort = errors.New("dispatch: no decoder for port")
	// ErrPayloadDecode is returned when a payload does not match the shape
	// its port expects.
	ErrPayloadDecode = errors.New("dispatch: malformed payload")
)

// Kind tells which decoder variant an entry is.
type Kind int

const (
	KindRaw Kind = iota
	KindText
	KindSchema
)

func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "raw"
	case KindText:
		return "text"
	case KindSchema:
		return "schema"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Decoder turns the payload of one port into record fields.
type Decoder struct {
	Port   pb.PortNum
	Kind   Kind
	decode func([]byte) (*record.Record, error)
}

// Decode runs the decoder. Failures wrap ErrPayloadDecode.
func (d Decoder) Decode(payload []byte) (*record.Record, error) {
	if d.decode == nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownPort, d.Port)
	}
	r, err := d.decode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v: %v", ErrPayloadDecode, d.Port, err)
	}
	return r, nil
}

// Resolve looks up the decoder for port.
func Resolve(port pb.PortNum) (Decoder, bool) {
	d, ok := registry[port]
	return d, ok
}

// Ports lists the registered ports.
func Ports() []pb.PortNum {
	out := make([]pb.PortNum, 0, len(registry))
	for p := range registry {
		out = append(out, p)
	}
	return out
}

var registry = index(
	text(pb.PortNum_TEXT_MESSAGE_APP),
	text(pb.PortNum_RANGE_TEST_APP),
	text(pb.PortNum_DETECTION_SENSOR_APP),
	text(pb.PortNum_ALERT_APP),

	schema[pb.Position](pb.PortNum_POSITION_APP),
	schema[pb.User](pb.PortNum_NODEINFO_APP),
	schema[pb.Routing](pb.PortNum_ROUTING_APP),
	schema[pb.Telemetry](pb.PortNum_TELEMETRY_APP),
	schema[pb.RouteDiscovery](pb.PortNum_TRACEROUTE_APP),
	schema[pb.Waypoint](pb.PortNum_WAYPOINT_APP),
	schema[pb.Paxcount](pb.PortNum_PAXCOUNTER_APP),
	schema[pb.NeighborInfo](pb.PortNum_NEIGHBORINFO_APP),
	schema[pb.MapReport](pb.PortNum_MAP_REPORT_APP),

	raw(pb.PortNum_ADMIN_APP),
	raw(pb.PortNum_REMOTE_HARDWARE_APP),
	raw(pb.PortNum_SIMULATOR_APP),
	raw(pb.PortNum_STORE_FORWARD_APP),
	raw(pb.PortNum_POWERSTRESS_APP),
)

func index(ds ...Decoder) map[pb.PortNum]Decoder {
	m := make(map[pb.PortNum]Decoder, len(ds))
	for _, d := range ds {
		m[d.Port] = d
	}
	return m
}

func raw(port pb.PortNum) Decoder {
	return Decoder{Port: port, Kind: KindRaw, decode: func(b []byte) (*record.Record, error) {
		r := record.New()
		r.Set("payload", base64.StdEncoding.EncodeToString(b))
		return r, nil
	}}
}

func text(port pb.PortNum) Decoder {
	return Decoder{Port: port, Kind: KindText, decode: func(b []byte) (*record.Record, error) {
		if !utf8.Valid(b) {
			return nil, errors.New("text is not valid UTF-8")
		}
		r := record.New()
		r.Set("text", string(b))
		return r, nil
	}}
}

// schema builds a decoder for the generated message type M.
func schema[M any, P interface {
	*M
	proto.Message
}](port pb.PortNum) Decoder {
	return Decoder{Port: port, Kind: KindSchema, decode: func(b []byte) (*record.Record, error) {
		m := P(new(M))
		if err := proto.Unmarshal(b, m); err != nil {
			return nil, err
		}
		js, err := protojson.Marshal(m)
		if err != nil {
			return nil, err
		}
		return record.FromJSON(js)
	}}
}
