// internal/configplan/publisher.go
package configplan

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher delivers one retained message and only returns after the broker
// acknowledged it, so callers can rely on publish ordering.
type Publisher interface {
	PublishRetained(topic string, payload []byte) error
}

// MQTTPublisher publishes retained QoS-1 messages over a shared paho client.
type MQTTPublisher struct {
	client  mqtt.Client
	timeout time.Duration
}

func NewMQTTPublisher(broker, clientID string, timeout time.Duration) (*MQTTPublisher, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetConnectTimeout(timeout)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}
	return &MQTTPublisher{client: client, timeout: timeout}, nil
}

func (p *MQTTPublisher) PublishRetained(topic string, payload []byte) error {
	token := p.client.Publish(topic, 1, true, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("mqtt publish timeout on %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish on %s: %w", topic, err)
	}
	return nil
}

func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
