package transport

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultPort is the well-known unencrypted MQTT port.
const DefaultPort = 1883

// MQTTConfig describes a broker session.
type MQTTConfig struct {
	Host           string
	Port           int
	Username       string
	Password       string
	ClientID       string        // generated when empty
	ConnectTimeout time.Duration // defaults to 30s
	Logger         zerolog.Logger
}

// MQTTTransport implements Transport with the Eclipse Paho client.
// The session is clean and never reconnects on its own; a dropped
// connection is reported once on Lost.
type MQTTTransport struct {
	cfg      MQTTConfig
	client   mqtt.Client
	incoming chan Message
	lost     chan error

	done      chan struct{}
	closeOnce sync.Once
}

// NewMQTT creates an unconnected MQTT transport.
func NewMQTT(cfg MQTTConfig) *MQTTTransport {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "meshtool-" + uuid.NewString()[:8]
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	return &MQTTTransport{
		cfg:      cfg,
		incoming: make(chan Message),
		lost:     make(chan error, 1),
		done:     make(chan struct{}),
	}
}

// Broker returns the broker URL the transport connects to.
func (t *MQTTTransport) Broker() string {
	return "tcp://" + net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
}

func (t *MQTTTransport) Connect() error {
	opts := mqtt.NewClientOptions().
		AddBroker(t.Broker()).
		SetClientID(t.cfg.ClientID).
		SetUsername(t.cfg.Username).
		SetPassword(t.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetConnectTimeout(t.cfg.ConnectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			t.cfg.Logger.Debug().Err(err).Msg("mqtt connection lost")
			select {
			case t.lost <- err:
			default:
			}
		})

	t.client = mqtt.NewClient(opts)
	tok := t.client.Connect()
	if !tok.WaitTimeout(t.cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt connect %s: timed out after %s", t.Broker(), t.cfg.ConnectTimeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", t.Broker(), err)
	}
	t.cfg.Logger.Debug().Str("broker", t.Broker()).Str("client_id", t.cfg.ClientID).Msg("mqtt connected")
	return nil
}

func (t *MQTTTransport) Subscribe(filters ...string) error {
	if t.client == nil || !t.client.IsConnected() {
		return ErrNotConnected
	}
	subs := make(map[string]byte, len(filters))
	for _, f := range filters {
		subs[f] = 0
	}
	tok := t.client.SubscribeMultiple(subs, t.deliver)
	if !tok.WaitTimeout(t.cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt subscribe: timed out after %s", t.cfg.ConnectTimeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe: %w", err)
	}
	return nil
}

// deliver runs on the paho router goroutine. With ordered delivery it blocks
// the next message until the listener has taken this one.
func (t *MQTTTransport) deliver(_ mqtt.Client, m mqtt.Message) {
	select {
	case t.incoming <- Message{Topic: m.Topic(), Payload: m.Payload()}:
	case <-t.done:
	}
}

func (t *MQTTTransport) Incoming() <-chan Message { return t.incoming }

func (t *MQTTTransport) Lost() <-chan error { return t.lost }

func (t *MQTTTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		if t.client != nil && t.client.IsConnectionOpen() {
			t.client.Disconnect(250)
		}
	})
	return nil
}
