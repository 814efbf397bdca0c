package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"crguard/internal/crguard"
)

const (
	mqttQoS          = 1
	mqttDisconnectMS = 250
)

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTT publishes summary events to a broker topic.
type MQTT struct {
	client publisher
	topic  string
}

// NewMQTT connects to the broker.
func NewMQTT(broker, clientID, topic string) (*MQTT, error) {
	if clientID == "" {
		clientID = "crguard-" + crguard.NewRunID()[:8]
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetConnectTimeout(publishTimeout)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("[WARN] MQTT connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", broker, token.Error())
	}
	log.Printf("[INFO] Connected to MQTT broker %s", broker)
	return &MQTT{client: client, topic: topic}, nil
}

// Notify publishes the summary event with QoS 1.
func (m *MQTT) Notify(ctx context.Context, s crguard.CRSummary) error {
	payload, err := Encode(s)
	if err != nil {
		return err
	}
	token := m.client.Publish(m.topic, mqttQoS, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(publishTimeout):
		return errors.New("timed out publishing to MQTT")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to MQTT topic %s: %w", m.topic, err)
	}
	log.Printf("[INFO] Published CR %s summary to MQTT topic %s", s.Name, m.topic)
	return nil
}

// Close disconnects from the broker.
func (m *MQTT) Close() error {
	m.client.Disconnect(mqttDisconnectMS)
	return nil
}
