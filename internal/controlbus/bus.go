// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_controlbus

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/rapidaai/toy-gateway/config"
	"github.com/rapidaai/toy-gateway/pkg/commons"
)

const (
	topicHello    = "devices/+/hello"
	topicData     = "devices/+/data"
	topicFirehose = "internal/server-ingest"

	deviceP2PPrefix = "devices/p2p/"
	appP2PPrefix    = "app/p2p/"

	// Outbound publishes buffered while the broker is away. Overflow drops
	// with a logged warning.
	maxQueuedPublishes = 256
)

// MessageHandler receives every inbound control message with the publishing
// client's identifier. Firehose traffic is unwrapped before delivery so the
// handler always sees the inner payload.
type MessageHandler func(senderClientID string, payload []byte)

type queuedPublish struct {
	topic   string
	payload []byte
}

// ControlBus is the durable broker client. Reconnection is automatic with
// bounded backoff; subscriptions are re-established on every (re)connect.
type ControlBus struct {
	logger  commons.Logger
	client  mqtt.Client
	handler MessageHandler

	mu    sync.Mutex
	queue []queuedPublish
}

// NewControlBus builds (but does not connect) the broker client.
func NewControlBus(logger commons.Logger, cfg config.BrokerConfig, clientID string, handler MessageHandler) *ControlBus {
	b := &ControlBus{logger: logger, handler: handler}

	reconnect := time.Duration(cfg.ReconnectPeriod) * time.Millisecond
	if reconnect < time.Second {
		reconnect = time.Second
	}
	connectTimeout := time.Duration(cfg.ConnectTimeout) * time.Millisecond
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	keepalive := time.Duration(cfg.Keepalive) * time.Second
	if keepalive <= 0 {
		keepalive = 60 * time.Second
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL()).
		SetClientID(clientID).
		SetCleanSession(cfg.Clean).
		SetKeepAlive(keepalive).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(reconnect).
		SetMaxReconnectInterval(30 * time.Second).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warnw("broker connection lost, reconnecting", "error", err)
		})

	b.client = mqtt.NewClient(opts)
	return b
}

// Connect dials the broker and blocks until the first connection succeeds
// or fails.
func (b *ControlBus) Connect() error {
	token := b.client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	return nil
}

// onConnect (re)subscribes and flushes anything queued while offline.
func (b *ControlBus) onConnect(client mqtt.Client) {
	b.logger.Infow("broker connected, subscribing",
		"topics", []string{topicHello, topicData, topicFirehose})

	client.Subscribe(topicHello, 0, b.onDeviceMessage)
	client.Subscribe(topicData, 0, b.onDeviceMessage)
	client.Subscribe(topicFirehose, 0, b.onFirehoseMessage)

	b.mu.Lock()
	queued := b.queue
	b.queue = nil
	b.mu.Unlock()
	for _, q := range queued {
		client.Publish(q.topic, 0, false, q.payload)
	}
	if len(queued) > 0 {
		b.logger.Infow("flushed queued publishes", "count", len(queued))
	}
}

// onDeviceMessage handles devices/<clientID>/{hello,data}.
func (b *ControlBus) onDeviceMessage(_ mqtt.Client, msg mqtt.Message) {
	parts := strings.Split(msg.Topic(), "/")
	if len(parts) != 3 {
		return
	}
	b.handler(parts[1], msg.Payload())
}

// onFirehoseMessage unwraps the internal re-published envelope. The inner
// payload is routed as if the original client had published it directly.
func (b *ControlBus) onFirehoseMessage(_ mqtt.Client, msg mqtt.Message) {
	var env FirehoseEnvelope
	if err := json.Unmarshal(msg.Payload(), &env); err != nil {
		b.logger.Warnw("dropping malformed firehose message", "error", err)
		return
	}
	if env.SenderClientID == "" || len(env.OriginalPayload) == 0 {
		b.logger.Warnw("dropping firehose message without sender or payload")
		return
	}
	b.handler(env.SenderClientID, env.OriginalPayload)
}

// PublishToDevice sends a control message to devices/p2p/<fullClientID>.
func (b *ControlBus) PublishToDevice(fullClientID string, v any) error {
	return b.publish(deviceP2PPrefix+fullClientID, v)
}

// PublishToApp sends a notification to app/p2p/<mac>.
func (b *ControlBus) PublishToApp(mac string, v any) error {
	return b.publish(appP2PPrefix+mac, v)
}

func (b *ControlBus) publish(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding publish for %s: %w", topic, err)
	}

	if !b.client.IsConnectionOpen() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if len(b.queue) >= maxQueuedPublishes {
			b.logger.Warnw("publish queue full, dropping message", "topic", topic)
			return nil
		}
		b.queue = append(b.queue, queuedPublish{topic: topic, payload: payload})
		return nil
	}

	b.client.Publish(topic, 0, false, payload)
	return nil
}

// Disconnect drains the client with a short grace period.
func (b *ControlBus) Disconnect() {
	b.client.Disconnect(250)
}
