// Package publish pushes readings and stint results to an MQTT broker so a
// dashboard or collector can follow a run remotely.
package publish

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/NodePath81/joule/internal/config"
	"github.com/NodePath81/joule/internal/descriptor"
	"github.com/NodePath81/joule/internal/measure"
	"github.com/NodePath81/joule/internal/meter"
	"github.com/NodePath81/joule/internal/util"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	disconnectMs   = 250
)

var ErrConnect = errors.New("publish: broker connection failed")

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type Publisher struct {
	client publisher
	conn   mqtt.Client
	topic  string
	qos    byte
	logger util.Logger
}

// Connect dials the configured broker.
func Connect(cfg config.PublishConfig, logger util.Logger) (*Publisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout)
	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: %s: timeout", ErrConnect, cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, cfg.Broker, err)
	}
	p := New(client, cfg.Topic, cfg.QoS, logger)
	p.conn = client
	if logger != nil {
		logger.Info("connected to broker", "broker", cfg.Broker, "topic", cfg.Topic)
	}
	return p, nil
}

func New(client publisher, topic string, qos byte, logger util.Logger) *Publisher {
	if logger == nil {
		logger = util.Discard()
	}
	return &Publisher{client: client, topic: topic, qos: qos, logger: logger}
}

type readingPayload struct {
	RunID string `json:"run_id,omitempty"`
	meter.Reading
}

type idlePayload struct {
	RunID string           `json:"run_id"`
	Idle  *descriptor.Idle `json:"idle"`
}

type stintPayload struct {
	RunID     string            `json:"run_id"`
	Index     int               `json:"index"`
	StartTime time.Time         `json:"start_time"`
	TPS       int               `json:"tps"`
	Stint     *descriptor.Stint `json:"stint"`
}

func (p *Publisher) Reading(runID string, r meter.Reading) {
	p.send("readings", readingPayload{RunID: runID, Reading: r})
}

func (p *Publisher) Idle(runID string, idle *descriptor.Idle) {
	p.send("idle", idlePayload{RunID: runID, Idle: idle})
}

func (p *Publisher) Stint(stint *descriptor.Stint, r measure.StintResult) {
	p.send("stints", stintPayload{
		RunID:     r.RunID,
		Index:     r.Index,
		StartTime: r.StartTime,
		TPS:       r.TPS,
		Stint:     stint,
	})
}

func (p *Publisher) send(sub string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Warn("encode publish payload failed", "topic", sub, "error", err)
		return
	}
	topic := p.topic + "/" + sub
	token := p.client.Publish(topic, p.qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		p.logger.Warn("publish timed out", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		p.logger.Warn("publish failed", "topic", topic, "error", err)
	}
}

func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Disconnect(disconnectMs)
	}
}
