// Package mqtt connects the controller to the host platform over MQTT:
// device commands out, sensor samples and light status in, events out.
package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Config holds the broker settings
type Config struct {
	BrokerURL      string        `yaml:"broker_url" validate:"required"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	ClientID       string        `yaml:"client_id"`
	CACert         string        `yaml:"ca_cert"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	PingTimeout    time.Duration `yaml:"ping_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	TopicPrefix    string        `yaml:"topic_prefix" validate:"required"`
}

// DefaultConfig returns the default broker settings
func DefaultConfig() Config {
	return Config{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "cropsteer",
		KeepAlive:      60 * time.Second,
		PingTimeout:    130 * time.Second,
		PublishTimeout: 5 * time.Second,
		TopicPrefix:    "agsys",
	}
}

// Publisher sends a payload to a topic
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Client is a connected broker session
type Client struct {
	c       paho.Client
	timeout time.Duration

	mu        sync.Mutex
	onConnect func()
}

func addCACert(opts *paho.ClientOptions, caCert string) (*paho.ClientOptions, error) {
	rootCAs, _ := x509.SystemCertPool()
	if rootCAs == nil {
		rootCAs = x509.NewCertPool()
	}

	certs, err := os.ReadFile(caCert)
	if err != nil {
		return nil, fmt.Errorf("failed to append %q to root CAs: %w", caCert, err)
	}
	if ok := rootCAs.AppendCertsFromPEM(certs); !ok {
		log.Printf("MQTT: no certs appended from %s, using system certs only", caCert)
	}
	return opts.SetTLSConfig(&tls.Config{RootCAs: rootCAs}), nil
}

// New creates a client. Nothing is sent until Connect.
func New(cfg Config) (*Client, error) {
	paho.ERROR = log.New(os.Stderr, "[mqtt] ERROR ", log.LstdFlags)
	paho.CRITICAL = log.New(os.Stderr, "[mqtt] CRITICAL ", log.LstdFlags)
	paho.WARN = log.New(os.Stderr, "[mqtt] WARN ", log.LstdFlags)

	m := &Client{}
	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetKeepAlive(cfg.KeepAlive).
		SetPingTimeout(cfg.PingTimeout).
		SetAutoReconnect(true).
		SetOnConnectHandler(m.handleConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Printf("MQTT connection lost: %v", err)
		})
	if cfg.Username != "" {
		opts = opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts = opts.SetPassword(cfg.Password)
	}
	if cfg.ClientID != "" {
		opts = opts.SetClientID(cfg.ClientID)
	}
	if cfg.CACert != "" {
		var err error
		opts, err = addCACert(opts, cfg.CACert)
		if err != nil {
			return nil, err
		}
	}

	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	m.c = paho.NewClient(opts)
	m.timeout = timeout
	return m, nil
}

// OnConnect registers fn to run after every (re)connect, which is where
// subscriptions belong
func (m *Client) OnConnect(fn func()) {
	m.mu.Lock()
	m.onConnect = fn
	m.mu.Unlock()
}

func (m *Client) handleConnect(paho.Client) {
	log.Printf("MQTT: connected")
	m.mu.Lock()
	fn := m.onConnect
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Connect connects to the broker
func (m *Client) Connect() error {
	if token := m.c.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

// Disconnect closes the session, waiting up to 250ms for in-flight work
func (m *Client) Disconnect() {
	m.c.Disconnect(250)
}

// IsConnected reports whether the session is up
func (m *Client) IsConnected() bool {
	return m.c.IsConnected()
}

// Subscribe registers a handler for a topic filter
func (m *Client) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	token := m.c.Subscribe(topic, 1, func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe failed for topic '%s': %w", topic, err)
	}
	log.Printf("MQTT: subscribed to '%s'", topic)
	return nil
}

// Publish sends a QoS 1 message and waits for the broker to accept it
func (m *Client) Publish(topic string, payload []byte) error {
	token := m.c.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(m.timeout) {
		return errors.New("publish to " + topic + " timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s failed: %w", topic, err)
	}
	return nil
}
