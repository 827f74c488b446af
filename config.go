package stomp

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config describes the broker endpoints and session credentials.
type Config struct {
	// Brokers is the ordered candidate list tried in failover order.
	Brokers []Broker
	// Login and Passcode are passed in the CONNECT frame when set.
	Login    string
	Passcode string
	// Host is the virtual host announced during the handshake;
	// defaults to the first candidate's host.
	Host string
	// Versions are the protocol versions offered to the broker,
	// oldest first. Defaults to SupportedVersions.
	Versions []string
	// Failover is the retry policy across Brokers.
	Failover FailoverOptions
}

// NewConfig builds a Config from a (possibly failover:) broker URI.
func NewConfig(uri string) (*Config, error) {
	brokers, failover, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	return &Config{Brokers: brokers, Failover: failover}, nil
}

func (c *Config) virtualHost() string {
	if c.Host != "" {
		return c.Host
	}
	if len(c.Brokers) > 0 {
		return c.Brokers[0].Host
	}
	return ""
}

// fileConfig is the on-disk TOML shape of a Config.
type fileConfig struct {
	URI                string   `toml:"uri"`
	Login              string   `toml:"login"`
	Passcode           string   `toml:"passcode"`
	Host               string   `toml:"host"`
	Versions           []string `toml:"versions"`
	HeartBeatSendMs    int      `toml:"heart_beat_send_ms"`
	HeartBeatRecvMs    int      `toml:"heart_beat_recv_ms"`
	ConnectTimeoutMs   int      `toml:"connect_timeout_ms"`
	ConnectedTimeoutMs int      `toml:"connected_timeout_ms"`
}

// LoadConfig reads a client configuration from a TOML file. It
// returns the Config together with the ClientOptions the file
// implies, so callers can pass both straight to NewClient.
func LoadConfig(path string) (*Config, []ClientOption, error) {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return nil, nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	if fc.URI == "" {
		return nil, nil, fmt.Errorf("config %s: uri is required", path)
	}
	cfg, err := NewConfig(fc.URI)
	if err != nil {
		return nil, nil, err
	}
	cfg.Login = fc.Login
	cfg.Passcode = fc.Passcode
	cfg.Host = fc.Host
	cfg.Versions = fc.Versions

	var opts []ClientOption
	if fc.HeartBeatSendMs > 0 || fc.HeartBeatRecvMs > 0 {
		opts = append(opts, WithHeartBeat(
			time.Duration(fc.HeartBeatSendMs)*time.Millisecond,
			time.Duration(fc.HeartBeatRecvMs)*time.Millisecond))
	}
	if fc.ConnectTimeoutMs > 0 {
		opts = append(opts, WithConnectTimeout(time.Duration(fc.ConnectTimeoutMs)*time.Millisecond))
	}
	if fc.ConnectedTimeoutMs > 0 {
		opts = append(opts, WithConnectedTimeout(time.Duration(fc.ConnectedTimeoutMs)*time.Millisecond))
	}
	return cfg, opts, nil
}

// clientOptions contains configurable settings for a client
type clientOptions struct {
	connectTimeout      time.Duration
	connectedTimeout    time.Duration
	disconnectTimeout   time.Duration
	heartBeatSend       time.Duration
	heartBeatRecv       time.Duration
	heartBeatThresholds HeartBeatThresholds
	receiptTimeout      time.Duration
	useReceipts         bool
	transportFactory    func(Broker) Connection
}

var defaultClientOptions = clientOptions{
	connectTimeout:      15 * time.Second,
	connectedTimeout:    10 * time.Second,
	disconnectTimeout:   10 * time.Second,
	heartBeatThresholds: DefaultHeartBeatThresholds(),
	transportFactory:    newBrokerConn,
}

// ClientOption ...
type ClientOption func(*clientOptions) error

// WithConnectTimeout bounds each transport connect attempt.
func WithConnectTimeout(timeout time.Duration) ClientOption {
	return func(c *clientOptions) error {
		c.connectTimeout = timeout
		return nil
	}
}

// WithConnectedTimeout bounds the wait for the broker's CONNECTED
// answer after the handshake frame went out.
func WithConnectedTimeout(timeout time.Duration) ClientOption {
	return func(c *clientOptions) error {
		c.connectedTimeout = timeout
		return nil
	}
}

// WithDisconnectTimeout bounds the grace period outstanding message
// handlers get during a graceful disconnect.
func WithDisconnectTimeout(timeout time.Duration) ClientOption {
	return func(c *clientOptions) error {
		c.disconnectTimeout = timeout
		return nil
	}
}

// WithHeartBeat sets the heart-beat periods offered in the CONNECT
// frame: send is how often we are willing to beat, recv how often we
// want the broker to. Zero disables a direction.
func WithHeartBeat(send, recv time.Duration) ClientOption {
	return func(c *clientOptions) error {
		c.heartBeatSend = send
		c.heartBeatRecv = recv
		return nil
	}
}

// WithHeartBeatThresholds overrides the heart-beat tolerances.
func WithHeartBeatThresholds(thresholds HeartBeatThresholds) ClientOption {
	return func(c *clientOptions) error {
		c.heartBeatThresholds = thresholds
		return nil
	}
}

// WithReceiptTimeout registers a ReceiptListener so sends carrying a
// receipt header block until the broker confirmed them. Negative
// waits indefinitely.
func WithReceiptTimeout(timeout time.Duration) ClientOption {
	return func(c *clientOptions) error {
		c.useReceipts = true
		c.receiptTimeout = timeout
		return nil
	}
}

// WithTransportFactory replaces how broker candidates are turned into
// transports; used by tests to inject scripted connections.
func WithTransportFactory(factory func(Broker) Connection) ClientOption {
	return func(c *clientOptions) error {
		c.transportFactory = factory
		return nil
	}
}
