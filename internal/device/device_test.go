package device

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"runtime"
	"sync"
	"testing"
	"time"

	pb "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"

	"github.com/yaleman/yaleman-meshtastic-tools/internal/configure"
	"github.com/yaleman/yaleman-meshtastic-tools/internal/protocol"
)

var _ configure.Session = (*Client)(nil)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("INFO  | boot\r\n")
	if err := WriteFrame(&buf, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	buf.Write([]byte{start1, start1})
	if err := WriteFrame(&buf, nil); err != nil {
		t.Fatal(err)
	}

	r := bufio.NewReader(&buf)
	got, err := ReadFrame(r)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Fatalf("payload = %x", got)
	}
	got, err = ReadFrame(r)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty payload, got %x", got)
	}
	if _, err := ReadFrame(r); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestFrameOversize(t *testing.T) {
	if err := WriteFrame(io.Discard, make([]byte, MaxPayload+1)); err == nil {
		t.Fatal("expected error for oversize payload")
	}

	// a bogus header is skipped and the real frame behind it still found
	var buf bytes.Buffer
	buf.Write([]byte{start1, start2, 0xff, 0xff})
	WriteFrame(&buf, []byte("ok")) //nolint:errcheck
	got, err := ReadFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "ok" {
		t.Fatalf("payload = %q", got)
	}
}

func TestPickPort(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("port names are linux specific")
	}
	if _, err := pickPort([]string{"/dev/ttyS0"}); !errors.Is(err, errNoPort) {
		t.Fatalf("expected errNoPort, got %v", err)
	}
	p, err := pickPort([]string{"/dev/ttyS0", "/dev/ttyACM0"})
	if err != nil || p != "/dev/ttyACM0" {
		t.Fatalf("pickPort = %q, %v", p, err)
	}
	if _, err := pickPort([]string{"/dev/ttyUSB0", "/dev/ttyACM0"}); err == nil {
		t.Fatal("expected error for ambiguous ports")
	}
}

// fakeNode answers the stream API on one end of a pipe.
type fakeNode struct {
	conn net.Conn

	mu         sync.Mutex
	num        uint32
	owner      *pb.User
	local      *pb.LocalConfig
	module     *pb.LocalModuleConfig
	admins     int
	handshakes int

	positions  chan *pb.Position
	disconnect chan struct{}
}

// loraExtra is a field no schema knows; the node expects it back on writes.
var loraExtra = protowire.AppendVarint(protowire.AppendTag(nil, 999, protowire.VarintType), 20)

func newFakeNode(conn net.Conn) *fakeNode {
	n := &fakeNode{
		conn:       conn,
		num:        0x0a0b0c0d,
		owner:      &pb.User{Id: "!0a0b0c0d", LongName: "Meshtastic 0c0d", ShortName: "0c0d"},
		local:      protocol.NewLocalConfig(),
		module:     protocol.NewLocalModuleConfig(),
		positions:  make(chan *pb.Position, 4),
		disconnect: make(chan struct{}),
	}
	n.local.Lora = &pb.Config_LoRaConfig{UsePreset: true, Region: pb.Config_LoRaConfig_US, HopLimit: 3, TxEnabled: true}
	n.local.Lora.ProtoReflect().SetUnknown(loraExtra)
	n.local.Bluetooth = &pb.Config_BluetoothConfig{Enabled: true, FixedPin: 123456}
	n.module.Mqtt = &pb.ModuleConfig_MQTTConfig{Address: "mqtt.meshtastic.org", Root: "msh"}
	return n
}

func (n *fakeNode) serve() {
	r := bufio.NewReader(n.conn)
	for {
		payload, err := ReadFrame(r)
		if err != nil {
			return
		}
		var msg pb.ToRadio
		if err := proto.Unmarshal(payload, &msg); err != nil {
			continue
		}
		switch v := msg.GetPayloadVariant().(type) {
		case *pb.ToRadio_WantConfigId:
			n.sendConfig(v.WantConfigId)
		case *pb.ToRadio_Packet:
			n.handlePacket(v.Packet)
		case *pb.ToRadio_Disconnect:
			close(n.disconnect)
		}
	}
}

func (n *fakeNode) sendConfig(nonce uint32) {
	n.mu.Lock()
	n.handshakes++
	owner := proto.Clone(n.owner).(*pb.User)
	msgs := []*pb.FromRadio{
		{PayloadVariant: &pb.FromRadio_MyInfo{MyInfo: &pb.MyNodeInfo{MyNodeNum: n.num}}},
		{PayloadVariant: &pb.FromRadio_NodeInfo{NodeInfo: &pb.NodeInfo{Num: 0x01020304, User: &pb.User{ShortName: "PEER"}}}},
		{PayloadVariant: &pb.FromRadio_NodeInfo{NodeInfo: &pb.NodeInfo{Num: n.num, User: owner}}},
	}
	for _, s := range []protocol.Section{protocol.SectionPosition, protocol.SectionNetwork, protocol.SectionLoRa, protocol.SectionBluetooth} {
		cfg, _ := protocol.EncodeConfig(n.local, s)
		msgs = append(msgs, &pb.FromRadio{PayloadVariant: &pb.FromRadio_Config{Config: cfg}})
	}
	mod, _ := protocol.EncodeModuleConfig(n.module, protocol.SectionMQTT)
	msgs = append(msgs,
		&pb.FromRadio{PayloadVariant: &pb.FromRadio_ModuleConfig{ModuleConfig: mod}},
		&pb.FromRadio{PayloadVariant: &pb.FromRadio_ConfigCompleteId{ConfigCompleteId: nonce}},
	)
	var frames [][]byte
	for i, m := range msgs {
		m.Id = uint32(i + 1)
		b, err := proto.Marshal(m)
		if err != nil {
			n.mu.Unlock()
			return
		}
		frames = append(frames, b)
	}
	n.mu.Unlock()

	for _, f := range frames {
		if err := WriteFrame(n.conn, f); err != nil {
			return
		}
	}
}

func (n *fakeNode) handlePacket(p *pb.MeshPacket) {
	d := p.GetDecoded()
	if d == nil {
		return
	}
	switch d.GetPortnum() {
	case pb.PortNum_ADMIN_APP:
		var a pb.AdminMessage
		if err := proto.Unmarshal(d.GetPayload(), &a); err != nil || p.GetTo() != n.num || !p.GetWantAck() {
			return
		}
		n.mu.Lock()
		defer n.mu.Unlock()
		n.admins++
		switch v := a.GetPayloadVariant().(type) {
		case *pb.AdminMessage_SetOwner:
			n.owner = v.SetOwner
		case *pb.AdminMessage_SetConfig:
			protocol.ApplyConfig(n.local, v.SetConfig)
		case *pb.AdminMessage_SetModuleConfig:
			protocol.ApplyModuleConfig(n.module, v.SetModuleConfig)
		}
	case pb.PortNum_POSITION_APP:
		pos := &pb.Position{}
		if err := proto.Unmarshal(d.GetPayload(), pos); err == nil && p.GetTo() == protocol.Broadcast && p.GetHopLimit() == 3 {
			n.positions <- pos
		}
	}
}

func connectFake(t *testing.T) (*Client, *fakeNode) {
	t.Helper()
	local, remote := net.Pipe()
	node := newFakeNode(remote)
	go node.serve()
	t.Cleanup(func() { remote.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Connect(ctx, local, Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c, node
}

func TestClientHandshake(t *testing.T) {
	c, _ := connectFake(t)
	if c.MyNodeNum() != 0x0a0b0c0d {
		t.Fatalf("node num = %x", c.MyNodeNum())
	}
	if c.LongName() != "Meshtastic 0c0d" || c.ShortName() != "0c0d" {
		t.Fatalf("owner = %q/%q", c.LongName(), c.ShortName())
	}
	if lora := c.LocalConfig().GetLora(); lora.GetRegion() != pb.Config_LoRaConfig_US || lora.GetHopLimit() != 3 {
		t.Fatalf("lora = %v", lora)
	}
	if c.LocalConfig().GetBluetooth().GetFixedPin() != 123456 {
		t.Fatalf("bluetooth = %v", c.LocalConfig().GetBluetooth())
	}
	if c.ModuleConfig().GetMqtt().GetAddress() != "mqtt.meshtastic.org" {
		t.Fatalf("mqtt = %v", c.ModuleConfig().GetMqtt())
	}
}

func TestClientWriteConfig(t *testing.T) {
	c, node := connectFake(t)
	ctx := context.Background()

	c.LocalConfig().Lora.HopLimit = 5
	if err := c.WriteConfig(ctx, protocol.SectionLoRa); err != nil {
		t.Fatal(err)
	}
	c.ModuleConfig().Mqtt.Enabled = true
	if err := c.WriteConfig(ctx, protocol.SectionMQTT); err != nil {
		t.Fatal(err)
	}

	node.mu.Lock()
	defer node.mu.Unlock()
	if node.admins != 2 || node.handshakes != 3 {
		t.Fatalf("admins=%d handshakes=%d", node.admins, node.handshakes)
	}
	if node.local.Lora.HopLimit != 5 || !bytes.Equal(node.local.Lora.ProtoReflect().GetUnknown(), loraExtra) {
		t.Fatalf("node lora = %v", node.local.Lora)
	}
	if !node.module.Mqtt.Enabled || node.module.Mqtt.Root != "msh" {
		t.Fatalf("node mqtt = %v", node.module.Mqtt)
	}
	if c.LocalConfig().GetLora().GetHopLimit() != 5 {
		t.Fatal("client did not reread config")
	}
}

func TestClientWriteConfigUnknownSection(t *testing.T) {
	c, _ := connectFake(t)
	if err := c.WriteConfig(context.Background(), protocol.Section("display")); err == nil {
		t.Fatal("expected error")
	}
}

func TestClientSetOwner(t *testing.T) {
	c, node := connectFake(t)
	if err := c.SetOwner(context.Background(), "Base Station", "BASE"); err != nil {
		t.Fatal(err)
	}
	if c.LongName() != "Base Station" || c.ShortName() != "BASE" {
		t.Fatalf("owner = %q/%q", c.LongName(), c.ShortName())
	}
	node.mu.Lock()
	defer node.mu.Unlock()
	if node.owner.GetId() != "!0a0b0c0d" {
		t.Fatalf("owner id lost: %v", node.owner)
	}
}

func TestClientSendPosition(t *testing.T) {
	c, node := connectFake(t)
	if err := c.SendPosition(context.Background(), -35.2809, 149.13, 580); err != nil {
		t.Fatal(err)
	}
	select {
	case pos := <-node.positions:
		if pos.GetLatitudeI() != -352809000 || pos.GetLongitudeI() != 1491300000 || pos.GetAltitude() != 580 {
			t.Fatalf("position = %v", pos)
		}
		if pos.GetTime() == 0 {
			t.Fatal("position has no time")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("position never arrived")
	}
}

func TestClientCloseSendsDisconnect(t *testing.T) {
	c, node := connectFake(t)
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-node.disconnect:
	case <-time.After(5 * time.Second):
		t.Fatal("no disconnect")
	}
	if err := c.SetOwner(context.Background(), "x", "x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestConnectHandshakeTimeout(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	go io.Copy(io.Discard, remote) //nolint:errcheck

	_, err := Connect(context.Background(), local, Options{Logger: zerolog.Nop(), HandshakeTimeout: 50 * time.Millisecond})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
