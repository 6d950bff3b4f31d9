// Package listener decodes Meshtastic traffic seen on an MQTT broker.
//
// A Pipeline turns one raw ServiceEnvelope into a record: decrypt when the
// packet is encrypted, pick the payload decoder by port, annotate the sender
// from the identity cache. A Listener feeds a Pipeline from a broker session
// and writes one JSON line per decoded packet. Messages that fail at any
// stage are logged and dropped; only the session itself can end the loop.
package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/yaleman/yaleman-meshtastic-tools/internal/transport"
)

// DefaultTopics covers the legacy and current root topics, each with the
// protobuf ("c") and encrypted ("e") classes.
var DefaultTopics = []string{
	"meshtastic/2/c/#",
	"msh/2/c/#",
	"meshtastic/2/e/#",
	"msh/2/e/#",
}

// ErrConnectionLost is returned by Run when the broker session drops.
// The listener does not reconnect.
var ErrConnectionLost = errors.New("listener: connection lost")

// State is the listener's position in its session lifecycle.
type State int32

const (
	Disconnected State = iota
	Connecting
	Subscribed
	Receiving
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	case Receiving:
		return "receiving"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Config holds listener dependencies.
type Config struct {
	Transport transport.Transport
	Pipeline  *Pipeline
	Topics    []string // DefaultTopics when empty
	Out       io.Writer
	Logger    zerolog.Logger
}

// Listener runs the receive loop over one broker session.
type Listener struct {
	cfg   Config
	state atomic.Int32
}

// New creates a Listener in the Disconnected state.
func New(cfg Config) *Listener {
	if len(cfg.Topics) == 0 {
		cfg.Topics = DefaultTopics
	}
	if cfg.Pipeline == nil {
		cfg.Pipeline = NewPipeline(nil, nil)
	}
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}
	return &Listener{cfg: cfg}
}

// State returns the current lifecycle state.
func (l *Listener) State() State { return State(l.state.Load()) }

func (l *Listener) setState(s State) {
	l.state.Store(int32(s))
	l.cfg.Logger.Debug().Str("state", s.String()).Msg("listener state")
}

// Run connects, subscribes and processes messages one at a time until ctx
// is cancelled (returns nil) or the session fails (returns the error).
// Messages already buffered when the session drops are processed before
// ErrConnectionLost is returned.
func (l *Listener) Run(ctx context.Context) error {
	t := l.cfg.Transport
	l.setState(Connecting)
	if err := t.Connect(); err != nil {
		l.setState(Disconnected)
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		t.Close()
		l.setState(Disconnected)
	}()

	if err := t.Subscribe(l.cfg.Topics...); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	l.setState(Subscribed)
	l.cfg.Logger.Info().Strs("topics", l.cfg.Topics).Msg("subscribed")

	l.setState(Receiving)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-t.Lost():
			if derr := l.drain(t.Incoming()); derr != nil {
				return derr
			}
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		case msg, ok := <-t.Incoming():
			if !ok {
				return ErrConnectionLost
			}
			if err := l.handle(msg); err != nil {
				return err
			}
		}
	}
}

// handle processes one message. Dropped messages are not errors; only a
// failure to write output ends the loop.
func (l *Listener) handle(msg transport.Message) error {
	err := l.cfg.Pipeline.Process(l.cfg.Out, l.cfg.Logger, msg.Topic, msg.Payload)
	var se *StageError
	if err == nil || errors.As(err, &se) {
		return nil
	}
	return fmt.Errorf("write record: %w", err)
}

// drain handles whatever is queued on in without blocking.
func (l *Listener) drain(in <-chan transport.Message) error {
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			if err := l.handle(msg); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}
