// Package transporttest provides doubles shared by the transport sub-package tests.
package transporttest

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Config is a transport.Config backed by plain fields.
type Config struct {
	PubSubSystem       string
	KafkaBrokers       []string
	KafkaClientID      string
	KafkaConsumerGroup string
	RabbitMQURL        string
	NATSURL            string
	NATSClientName     string
	HTTPServerAddress  string
	HTTPPublisherURL   string
}

func (c *Config) GetPubSubSystem() string       { return c.PubSubSystem }
func (c *Config) GetKafkaBrokers() []string     { return c.KafkaBrokers }
func (c *Config) GetKafkaClientID() string      { return c.KafkaClientID }
func (c *Config) GetKafkaConsumerGroup() string { return c.KafkaConsumerGroup }
func (c *Config) GetRabbitMQURL() string        { return c.RabbitMQURL }
func (c *Config) GetNATSURL() string            { return c.NATSURL }
func (c *Config) GetNATSClientName() string     { return c.NATSClientName }
func (c *Config) GetHTTPServerAddress() string  { return c.HTTPServerAddress }
func (c *Config) GetHTTPPublisherURL() string   { return c.HTTPPublisherURL }

// Publisher records published messages per topic.
type Publisher struct {
	Published map[string][]*message.Message
	Closed    bool
}

func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	if p.Published == nil {
		p.Published = map[string][]*message.Message{}
	}
	p.Published[topic] = append(p.Published[topic], messages...)
	return nil
}

func (p *Publisher) Close() error {
	p.Closed = true
	return nil
}

// Subscriber returns a channel that never delivers.
type Subscriber struct {
	Closed bool
}

func (s *Subscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}

func (s *Subscriber) Close() error {
	s.Closed = true
	return nil
}
