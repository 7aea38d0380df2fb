package pulse

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTOptions configures the MQTT pulse source.
type MQTTOptions struct {
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
}

// MQTTListener subscribes to a pulse topic. paho reconnects on its own and
// the subscription is renewed on every connect.
type MQTTListener struct {
	opts      MQTTOptions
	logger    *slog.Logger
	now       func() time.Time
	newClient func(*pahomqtt.ClientOptions) pahomqtt.Client

	single
}

// NewMQTT creates a listener for opts.Topic on opts.Broker.
func NewMQTT(opts MQTTOptions, logger *slog.Logger) *MQTTListener {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ClientID == "" {
		opts.ClientID = "meterlink"
	}
	return &MQTTListener{
		opts:      opts,
		logger:    logger.With("component", "mqtt"),
		now:       time.Now,
		newClient: pahomqtt.NewClient,
	}
}

// Listen connects, subscribes and delivers pulses to h until ctx is done.
func (m *MQTTListener) Listen(ctx context.Context, h Handler) error {
	if err := m.acquire(); err != nil {
		return err
	}
	defer m.release()

	onMessage := func(_ pahomqtt.Client, msg pahomqtt.Message) {
		h(Pulse{Payload: msg.Payload(), Source: "mqtt", Topic: msg.Topic(), Received: m.now()})
	}

	co := pahomqtt.NewClientOptions().
		AddBroker(m.opts.Broker).
		SetClientID(m.opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(c pahomqtt.Client) {
			m.logger.Info("[NET] mqtt connected", "broker", m.opts.Broker)
			token := c.Subscribe(m.opts.Topic, 1, onMessage)
			if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
				m.logger.Warn("[NET] mqtt subscribe failed", "topic", m.opts.Topic, "error", token.Error())
				return
			}
			m.logger.Info("[NET] mqtt subscribed", "topic", m.opts.Topic)
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			m.logger.Warn("[NET] mqtt connection lost", "error", err)
		})
	if m.opts.Username != "" {
		co.SetUsername(m.opts.Username)
		co.SetPassword(m.opts.Password)
	}

	client := m.newClient(co)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		// ConnectRetry keeps trying in the background.
		m.logger.Warn("[NET] mqtt connect still pending", "broker", m.opts.Broker)
	} else if err := token.Error(); err != nil {
		client.Disconnect(250)
		return fmt.Errorf("pulse: mqtt connect %s: %w", m.opts.Broker, err)
	}

	<-ctx.Done()
	client.Disconnect(250)
	return nil
}

var _ Listener = (*MQTTListener)(nil)
