// Package mqtt bridges internal lifecycle events onto an MQTT broker so
// external systems can observe dispatches and model changes without polling
// the HTTP API.
package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/nzrlabs/mcpd/core/events"
	"github.com/nzrlabs/mcpd/infra/logger"
	"github.com/nzrlabs/mcpd/internal/eventbus"
)

// Config defines the connection parameters for the Paho MQTT client.
type Config struct {
	Broker      string      `koanf:"broker" json:"broker"`
	ClientID    string      `koanf:"client_id" json:"client_id"`
	Username    string      `koanf:"username" json:"username"`
	Password    string      `koanf:"password" json:"password"`
	TopicPrefix string      `koanf:"topic_prefix" json:"topic_prefix"`
	QoS         byte        `koanf:"qos" json:"qos"`
	UseTLS      bool        `koanf:"use_tls" json:"use_tls"`
	ClientCert  string      `koanf:"client_cert" json:"client_cert"`
	ClientKey   string      `koanf:"client_key" json:"client_key"`
	CABundle    string      `koanf:"ca_bundle" json:"ca_bundle"`
	TLSConfig   *tls.Config `koanf:"-" json:"-"`
}

type pahoClient interface {
	IsConnected() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

var newMQTTClient = func(opts *paho.ClientOptions) pahoClient {
	return paho.NewClient(opts)
}

// Bridge subscribes to the internal event bus and republishes each event as
// a JSON payload on a per-kind topic.
type Bridge struct {
	cli    pahoClient
	bus    eventbus.EventBus
	sub    <-chan eventbus.Event
	prefix string
	qos    byte
	log    logger.Logger
	done   chan struct{}
}

// NewBridge connects to the broker and starts forwarding events. The bridge
// runs until Close.
func NewBridge(cfg Config, bus eventbus.EventBus) (*Bridge, error) {
	opts, err := NewClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	log := logger.New("mqtt_bridge")
	opts.OnConnectionLost = func(_ paho.Client, err error) {
		log.Errorf("connection lost: %v", err)
	}
	opts.OnReconnecting = func(_ paho.Client, _ *paho.ClientOptions) {
		log.Warnf("reconnecting to MQTT broker")
	}

	c := newMQTTClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "mcpd/events"
	}
	b := &Bridge{
		cli:    c,
		bus:    bus,
		sub:    bus.Subscribe(),
		prefix: prefix,
		qos:    cfg.QoS,
		log:    log,
		done:   make(chan struct{}),
	}
	go b.run()
	return b, nil
}

// NewClientOptions builds mqtt client options from Config.
func NewClientOptions(cfg Config) (*paho.ClientOptions, error) {
	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.AutoReconnect = true
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	if cfg.UseTLS {
		tlsCfg, err := cfg.LoadTLSConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}
	return opts, nil
}

// LoadTLSConfig loads the TLS configuration from the file paths in the config.
func (c Config) LoadTLSConfig() (*tls.Config, error) {
	if c.TLSConfig != nil {
		return c.TLSConfig, nil
	}
	if c.ClientCert == "" || c.ClientKey == "" || c.CABundle == "" {
		return nil, fmt.Errorf("tls config requires client_cert, client_key and ca_bundle")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCert, c.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load cert: %w", err)
	}
	caBytes, err := os.ReadFile(c.CABundle)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caBytes)
	return &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

func (b *Bridge) run() {
	defer close(b.done)
	for ev := range b.sub {
		topic, ok := b.topicFor(ev)
		if !ok {
			continue
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			b.log.Errorf("encode event: %v", err)
			continue
		}
		token := b.cli.Publish(topic, b.qos, false, payload)
		token.Wait()
		if err := token.Error(); err != nil {
			b.log.Errorf("publish %s: %v", topic, err)
		}
	}
}

func (b *Bridge) topicFor(ev eventbus.Event) (string, bool) {
	switch ev.(type) {
	case events.RequestEvent:
		return b.prefix + "/requests", true
	case events.ResultEvent:
		return b.prefix + "/results", true
	case events.ModelEvent:
		return b.prefix + "/models", true
	default:
		return "", false
	}
}

// Close stops forwarding and disconnects from the broker.
func (b *Bridge) Close() {
	b.bus.Unsubscribe(b.sub)
	<-b.done
	if b.cli != nil && b.cli.IsConnected() {
		b.cli.Disconnect(250)
	}
}
