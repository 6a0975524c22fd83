package transport

// Capabilities describes the delivery guarantees of a transport backend. The
// runtime consults it to decide whether a poison queue must be emulated.
type Capabilities struct {
	Name string

	// SupportsNativeDLQ is false when poison routing happens in the router middleware.
	SupportsNativeDLQ bool
	// SupportsOrdering is true when events for one partition/stream arrive in order.
	SupportsOrdering bool
	SupportsTracing  bool
	SupportsAck      bool
	// SupportsNack is true when a failed handler causes redelivery.
	SupportsNack         bool
	SupportsPartitioning bool

	// MaxMessageSize in bytes, 0 when unknown.
	MaxMessageSize int64
}

// RequiresDLQEmulation reports whether poison events must be routed by the application.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// SupportsReliableDelivery reports at-least-once delivery (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsOrdering:     true,
		SupportsTracing:      true,
		SupportsAck:          true,
		SupportsPartitioning: true,
		MaxMessageSize:       1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsTracing:   true,
		SupportsAck:       true,
		SupportsNack:      true,
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576,
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}
)

// GetCapabilities looks a transport up in the default registry. Unknown names
// yield a zero value carrying only the name.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
