package listener

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	pb "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"github.com/rs/zerolog"

	"github.com/yaleman/yaleman-meshtastic-tools/internal/crypto"
	"github.com/yaleman/yaleman-meshtastic-tools/internal/dispatch"
	"github.com/yaleman/yaleman-meshtastic-tools/internal/protocol"
	"github.com/yaleman/yaleman-meshtastic-tools/internal/record"
	"github.com/yaleman/yaleman-meshtastic-tools/internal/seen"
)

// Stage names the pipeline step a message was dropped at.
type Stage string

const (
	StageEnvelope Stage = "envelope"
	StageKey      Stage = "key"
	StageDecrypt  Stage = "decrypt"
	StageInner    Stage = "inner"
	StageDispatch Stage = "dispatch"
	StagePayload  Stage = "payload"
)

// StageError reports a dropped message with the identifiers known at the
// point of failure.
type StageError struct {
	Stage     Stage
	PacketID  uint32
	From      uint32
	ChannelID string
	Port      pb.PortNum
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Pipeline turns raw envelope bytes into records. It is shared by the live
// listener and the one-shot decoder.
type Pipeline struct {
	keys  *crypto.Keyring
	names *seen.Names

	// held for a whole Decode so a record and the cache update it causes
	// are observed together
	mu sync.Mutex
}

// NewPipeline creates a pipeline. A nil keyring resolves every channel to
// the default key; a nil cache starts empty.
func NewPipeline(keys *crypto.Keyring, names *seen.Names) *Pipeline {
	if keys == nil {
		keys = crypto.NewKeyring()
	}
	if names == nil {
		names = seen.New()
	}
	return &Pipeline{keys: keys, names: names}
}

// Names returns the identity cache the pipeline annotates senders from.
func (p *Pipeline) Names() *seen.Names { return p.names }

// Decode runs one message through the pipeline. Every failure is a
// *StageError.
func (p *Pipeline) Decode(raw []byte) (*record.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		return nil, &StageError{Stage: StageEnvelope, Err: err}
	}
	pkt := env.GetPacket()
	fail := func(stage Stage, port pb.PortNum, err error) error {
		return &StageError{Stage: stage, PacketID: pkt.GetId(), From: pkt.GetFrom(), ChannelID: env.GetChannelId(), Port: port, Err: err}
	}

	data := pkt.GetDecoded()
	if data == nil {
		key, err := p.keys.Resolve(env.GetChannelId())
		if err != nil {
			return nil, fail(StageKey, 0, err)
		}
		plain, err := crypto.Decrypt(key, uint64(pkt.GetId()), pkt.GetFrom(), pkt.GetEncrypted())
		if err != nil {
			return nil, fail(StageDecrypt, 0, err)
		}
		if data, err = protocol.UnmarshalData(plain); err != nil {
			return nil, fail(StageInner, 0, fmt.Errorf("%w: inner packet: %v", dispatch.ErrPayloadDecode, err))
		}
	}

	port := data.GetPortnum()
	dec, ok := dispatch.Resolve(port)
	if !ok {
		return nil, fail(StageDispatch, port, fmt.Errorf("%w: %v", dispatch.ErrUnknownPort, port))
	}
	fields, err := dec.Decode(data.GetPayload())
	if err != nil {
		return nil, fail(StagePayload, port, err)
	}

	rec := record.New()
	rec.Set("channel", pkt.GetChannel())
	rec.Set("from_id", p.fromID(pkt.GetFrom()))
	rec.Set("to_id", toID(pkt.GetTo()))
	rec.Set("portnum", port.String())
	rec.Merge(fields)

	if port == pb.PortNum_NODEINFO_APP {
		v, _ := fields.Get("shortName")
		if name, _ := v.(string); name != "" {
			p.names.Set(pkt.GetFrom(), name)
			rec.Set("from_id", p.fromID(pkt.GetFrom()))
		}
	}
	return rec, nil
}

// Process decodes raw and writes the record to out as one JSON line. A
// dropped message is logged as a single warning and its *StageError is
// returned; any other error comes from writing to out.
func (p *Pipeline) Process(out io.Writer, log zerolog.Logger, topic string, raw []byte) error {
	rec, err := p.Decode(raw)
	if err != nil {
		logDrop(log, topic, err)
		return err
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = out.Write(append(line, '\n'))
	return err
}

func logDrop(log zerolog.Logger, topic string, err error) {
	ev := log.Warn().Err(err)
	if topic != "" {
		ev = ev.Str("topic", topic)
	}
	if se, ok := err.(*StageError); ok {
		ev = ev.Str("stage", string(se.Stage))
		if se.Stage != StageEnvelope {
			ev = ev.Str("id", fmt.Sprintf("%08x", se.PacketID)).
				Str("from", fmt.Sprintf("%08x", se.From)).
				Str("channel_id", se.ChannelID)
		}
		if se.Port != 0 {
			ev = ev.Str("portnum", se.Port.String())
		}
	}
	ev.Msg("message dropped")
}

func (p *Pipeline) fromID(node uint32) string {
	if name, ok := p.names.Get(node); ok {
		return fmt.Sprintf("%08x[%s]", node, name)
	}
	return fmt.Sprintf("%08x", node)
}

func toID(node uint32) string {
	if node == protocol.Broadcast {
		return "all"
	}
	return fmt.Sprintf("%08x", node)
}
