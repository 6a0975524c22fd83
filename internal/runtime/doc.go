/*
Package runtime hosts the event side of the message backend: a watermill
router that consumes settlement network events, runs them through typed JSON
handlers and publishes notifications.

A Service wires the transport chosen by Config.PubSubSystem, the router and
the default middleware chain:

  - correlation_id: assigns a correlation id and copies it to produced messages
  - log_messages: debug logging of payloads
  - tracer: one OpenTelemetry span per delivery
  - metrics: watermill Prometheus router metrics, served on MetricsPort
  - poison_queue: moves unprocessable or exhausted events to Config.PoisonQueue
  - retry: exponential backoff, skipped for unprocessable events
  - recoverer: turns panics into errors

Handlers are registered with RegisterJSONHandler or RegisterMessageHandler.
Each registered handler keeps in-process statistics (see Service.Handlers)
and runs the JobHooks supplied in ServiceDependencies.

	svc, err := runtime.NewService(ctx, &cfg, logger, runtime.ServiceDependencies{})
	if err != nil {
		return err
	}
	err = runtime.RegisterJSONHandler(svc, handlers.JSONHandlerRegistration[*network.Event, struct{}]{
		Name:         "reconcile",
		ConsumeQueue: cfg.NetworkEventsTopic,
		Handler:      reconcileEvent,
	})
	...
	return svc.Start(ctx)
*/
package runtime
