// Package device talks to a Meshtastic node over its stream API, either a
// USB serial port or TCP, to read and change its configuration.
//
// A Client performs the want_config handshake on connect, keeping the node's
// owner, config and module config sections. Writes go out as admin messages
// addressed to the node itself; after each write the client waits for the
// node to settle and repeats the handshake.
package device

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	pb "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/proto"

	"github.com/yaleman/yaleman-meshtastic-tools/internal/protocol"
)

// DefaultRebootWait is how long to wait after a write before asking the
// node for its configuration again.
const DefaultRebootWait = 2 * time.Second

// DefaultHandshakeTimeout bounds one want_config exchange.
const DefaultHandshakeTimeout = 30 * time.Second

const defaultHopLimit = 3

// ErrClosed is returned by operations on a closed client or a dropped link.
var ErrClosed = errors.New("device: connection closed")

// Options tunes a Client.
type Options struct {
	Logger           zerolog.Logger
	RebootWait       time.Duration // pause after each write; zero waits not at all
	HandshakeTimeout time.Duration // DefaultHandshakeTimeout when zero
}

// Client is a connected node. Its methods are not safe for concurrent use.
type Client struct {
	conn io.ReadWriteCloser
	opts Options
	log  zerolog.Logger

	frames chan *pb.FromRadio
	done   chan struct{}
	errMu  sync.Mutex
	err    error

	closeOnce sync.Once

	myNodeNum uint32
	owner     *pb.User
	local     *pb.LocalConfig
	module    *pb.LocalModuleConfig
}

// Connect wraps conn, wakes the node and performs the initial handshake.
// The client owns conn from here on.
func Connect(ctx context.Context, conn io.ReadWriteCloser, opts Options) (*Client, error) {
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	c := &Client{
		conn:   conn,
		opts:   opts,
		log:    opts.Logger,
		frames: make(chan *pb.FromRadio, 64),
		done:   make(chan struct{}),
		owner:  &pb.User{},
		local:  protocol.NewLocalConfig(),
		module: protocol.NewLocalModuleConfig(),
	}
	go c.readLoop()

	// a run of start bytes brings a sleeping serial console into API mode
	wake := make([]byte, 32)
	for i := range wake {
		wake[i] = start2
	}
	if _, err := conn.Write(wake); err != nil {
		c.Close()
		return nil, fmt.Errorf("device: wake: %w", err)
	}
	if err := c.WaitForConfig(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.frames)
	r := bufio.NewReader(c.conn)
	for {
		payload, err := ReadFrame(r)
		if err != nil {
			c.fail(err)
			return
		}
		msg := &pb.FromRadio{}
		if err := proto.Unmarshal(payload, msg); err != nil {
			c.log.Debug().Err(err).Msg("skipping undecodable frame")
			continue
		}
		select {
		case c.frames <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) fail(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Client) linkErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil || errors.Is(c.err, io.EOF) {
		return ErrClosed
	}
	return fmt.Errorf("%w: %v", ErrClosed, c.err)
}

func (c *Client) send(msg *pb.ToRadio) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	b, err := proto.Marshal(msg)
	if err != nil {
		return err
	}
	return WriteFrame(c.conn, b)
}

// WaitForConfig asks the node for its full configuration and blocks until
// the node has sent all of it.
func (c *Client) WaitForConfig(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	nonce := rand.Uint32() | 1
	if err := c.send(&pb.ToRadio{PayloadVariant: &pb.ToRadio_WantConfigId{WantConfigId: nonce}}); err != nil {
		return fmt.Errorf("device: want config: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("device: waiting for config: %w", ctx.Err())
		case msg, ok := <-c.frames:
			if !ok {
				return c.linkErr()
			}
			c.absorb(msg)
			if msg.GetConfigCompleteId() == nonce {
				c.log.Debug().Uint32("node", c.myNodeNum).Msg("config complete")
				return nil
			}
		}
	}
}

func (c *Client) absorb(msg *pb.FromRadio) {
	switch v := msg.GetPayloadVariant().(type) {
	case *pb.FromRadio_MyInfo:
		c.myNodeNum = v.MyInfo.GetMyNodeNum()
	case *pb.FromRadio_NodeInfo:
		if v.NodeInfo.GetNum() == c.myNodeNum && v.NodeInfo.GetUser() != nil {
			c.owner = v.NodeInfo.GetUser()
		}
	case *pb.FromRadio_Config:
		protocol.ApplyConfig(c.local, v.Config)
	case *pb.FromRadio_ModuleConfig:
		protocol.ApplyModuleConfig(c.module, v.ModuleConfig)
	case *pb.FromRadio_Rebooted:
		c.log.Debug().Msg("node rebooted")
	}
}

// MyNodeNum is the node number of the connected node.
func (c *Client) MyNodeNum() uint32 { return c.myNodeNum }

func (c *Client) LongName() string  { return c.owner.GetLongName() }
func (c *Client) ShortName() string { return c.owner.GetShortName() }

// LocalConfig returns the node's config as last read. Changes made through
// the pointer are sent by WriteConfig.
func (c *Client) LocalConfig() *pb.LocalConfig { return c.local }

// ModuleConfig returns the node's module config as last read.
func (c *Client) ModuleConfig() *pb.LocalModuleConfig { return c.module }

// SetOwner changes the owner names, keeping the rest of the User record.
func (c *Client) SetOwner(ctx context.Context, longName, shortName string) error {
	u := proto.Clone(c.owner).(*pb.User)
	u.LongName, u.ShortName = longName, shortName
	if err := c.sendAdmin(&pb.AdminMessage{PayloadVariant: &pb.AdminMessage_SetOwner{SetOwner: u}}); err != nil {
		return err
	}
	return c.settle(ctx)
}

// WriteConfig sends one section and rereads the configuration.
func (c *Client) WriteConfig(ctx context.Context, section protocol.Section) error {
	admin := &pb.AdminMessage{}
	ok := false
	if section.IsModule() {
		var m *pb.ModuleConfig
		if m, ok = protocol.EncodeModuleConfig(c.module, section); ok {
			admin.PayloadVariant = &pb.AdminMessage_SetModuleConfig{SetModuleConfig: m}
		}
	} else {
		var cfg *pb.Config
		if cfg, ok = protocol.EncodeConfig(c.local, section); ok {
			admin.PayloadVariant = &pb.AdminMessage_SetConfig{SetConfig: cfg}
		}
	}
	if !ok {
		return fmt.Errorf("device: unknown config section %q", section)
	}
	if err := c.sendAdmin(admin); err != nil {
		return err
	}
	return c.settle(ctx)
}

// SendPosition broadcasts a position packet from the node.
func (c *Client) SendPosition(ctx context.Context, lat, lon float64, alt int32) error {
	pos, err := proto.Marshal(&pb.Position{
		LatitudeI:  proto.Int32(int32(math.Round(lat * 1e7))),
		LongitudeI: proto.Int32(int32(math.Round(lon * 1e7))),
		Altitude:   proto.Int32(alt),
		Time:       uint32(time.Now().Unix()),
	})
	if err != nil {
		return err
	}
	hop := c.local.GetLora().GetHopLimit()
	if hop == 0 {
		hop = defaultHopLimit
	}
	return c.send(radioPacket(&pb.MeshPacket{
		To:       protocol.Broadcast,
		Id:       rand.Uint32(),
		HopLimit: hop,
		PayloadVariant: &pb.MeshPacket_Decoded{Decoded: &pb.Data{
			Portnum: pb.PortNum_POSITION_APP,
			Payload: pos,
		}},
	}))
}

func (c *Client) sendAdmin(a *pb.AdminMessage) error {
	payload, err := proto.Marshal(a)
	if err != nil {
		return fmt.Errorf("device: admin: %w", err)
	}
	pkt := &pb.MeshPacket{
		To:       c.myNodeNum,
		Id:       rand.Uint32(),
		HopLimit: defaultHopLimit,
		WantAck:  true,
		PayloadVariant: &pb.MeshPacket_Decoded{Decoded: &pb.Data{
			Portnum:      pb.PortNum_ADMIN_APP,
			Payload:      payload,
			WantResponse: true,
		}},
	}
	if err := c.send(radioPacket(pkt)); err != nil {
		return fmt.Errorf("device: admin: %w", err)
	}
	return nil
}

func radioPacket(p *pb.MeshPacket) *pb.ToRadio {
	return &pb.ToRadio{PayloadVariant: &pb.ToRadio_Packet{Packet: p}}
}

// settle waits for the node to apply a write and reloads its configuration.
func (c *Client) settle(ctx context.Context) error {
	if c.opts.RebootWait > 0 {
		c.log.Debug().Dur("wait", c.opts.RebootWait).Msg("waiting for reboot")
		t := time.NewTimer(c.opts.RebootWait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return c.WaitForConfig(ctx)
}

// Close tells the node the client is leaving and closes the link.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.send(&pb.ToRadio{PayloadVariant: &pb.ToRadio_Disconnect{Disconnect: true}}) //nolint:errcheck
		close(c.done)
		err = c.conn.Close()
	})
	return err
}
