// Package isoflow is an ISO 20022 payment message backend. It parses and
// validates pacs, pain and camt messages through a staged pipeline, prepares
// them for a settlement network, submits them and keeps their lifecycle in
// sync with the events the network emits.
//
// NewBackend assembles every part from a Config: the message store (in
// memory, SQLite or PostgreSQL), the status cache (in memory or Redis), the
// validation pipeline, the preprocessor, the submission orchestrator behind a
// circuit breaker, and the event reconciler running on a watermill router.
//
// # Transports
//
// Network events are consumed and notifications published over the transport
// named by Config.PubSubSystem:
//   - channel: in-process Go channels, the default
//   - kafka: consumer groups over Kafka
//   - rabbitmq: durable AMQP queues
//   - nats: NATS core subjects
//   - http: webhook delivery
//
// # Middleware
//
// The event router runs correlation ids, debug logging, OpenTelemetry
// tracing, Prometheus metrics, a poison queue, retry with exponential backoff
// and panic recovery. Extra middleware goes into BackendOptions.Middlewares.
//
// # Job Hooks
//
// BackendOptions.Hooks receives OnJobStart, OnJobDone and OnJobError
// callbacks around every handled event. LoggingHooks and MetricsHooks cover
// the common cases.
package isoflow
