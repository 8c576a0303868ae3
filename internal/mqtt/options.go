package mqtt

import (
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 1000 // milliseconds
	defaultKeepAlive         = 60 * time.Second
	maxQoS                   = 2

	// StatusTopic carries the daemon's retained online/offline status.
	StatusTopic = "sceneswitch/status"
)

// Config contains the broker connection settings.
type Config struct {
	Broker            string // e.g. tcp://localhost:1883
	ClientID          string // generated when empty
	Username          string
	Password          string
	QoS               byte
	ConnectTimeout    time.Duration
	MaxReconnectDelay time.Duration
}

func (cfg Config) connectTimeout() time.Duration {
	if cfg.ConnectTimeout <= 0 {
		return defaultConnectTimeout
	}
	return cfg.ConnectTimeout
}

// buildClientOptions creates paho options with auto-reconnect and an offline will.
func buildClientOptions(cfg Config) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "sceneswitch-" + uuid.NewString()[:8]
	}
	opts.SetClientID(clientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// Clean session: retained state messages re-prime the cache on every subscribe
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	if cfg.MaxReconnectDelay > 0 {
		opts.SetMaxReconnectInterval(cfg.MaxReconnectDelay)
	}

	opts.SetConnectTimeout(cfg.connectTimeout())
	opts.SetKeepAlive(defaultKeepAlive)

	opts.SetWill(StatusTopic, "offline", 1, true)
	return opts
}
