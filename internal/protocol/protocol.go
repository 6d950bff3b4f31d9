// Package protocol is the thin layer over the generated Meshtastic protobuf
// types shared by the tools: envelope decoding for the MQTT listener and
// config section handling for the device session.
package protocol

import (
	"errors"
	"fmt"

	pb "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"google.golang.org/protobuf/proto"
)

// Broadcast is the destination node number meaning "all nodes".
const Broadcast uint32 = 0xffffffff

// ErrEnvelope is returned when the outer envelope bytes are malformed.
var ErrEnvelope = errors.New("protocol: malformed service envelope")

// DecodeEnvelope parses raw MQTT message bytes. Every failure wraps
// ErrEnvelope. A packet with no payload is rejected as well, so callers can
// rely on the packet being exactly one of encrypted or decoded.
func DecodeEnvelope(raw []byte) (*pb.ServiceEnvelope, error) {
	env := &pb.ServiceEnvelope{}
	if err := proto.Unmarshal(raw, env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelope, err)
	}
	pkt := env.GetPacket()
	if pkt == nil {
		return nil, fmt.Errorf("%w: no packet", ErrEnvelope)
	}
	if pkt.GetPayloadVariant() == nil {
		return nil, fmt.Errorf("%w: packet %08x has no payload", ErrEnvelope, pkt.GetId())
	}
	return env, nil
}

// UnmarshalData parses the plaintext of an encrypted packet.
func UnmarshalData(b []byte) (*pb.Data, error) {
	d := &pb.Data{}
	if err := proto.Unmarshal(b, d); err != nil {
		return nil, err
	}
	return d, nil
}
