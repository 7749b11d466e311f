// Package hostbridge is a message bridge between an embedded UI surface and
// its host application, built on Watermill. Requests cross the boundary as
// JSON envelopes ({type, payload, correlationId}) on a request topic;
// responses ({status, data|message, correlationId}) and job lifecycle events
// come back on a response topic. Responses join their requests by
// correlation id, so out-of-order delivery is harmless and every request
// gets exactly one response.
//
// The host side is a Bridge: fill a Config, create the Bridge, register
// command handlers, and call Start. Sync commands answer inline; job
// commands run on a bounded worker pool, report progress through PENDING /
// RUNNING / COMPLETED-FAILED-CANCELLED events, and support cooperative
// cancellation via the built-in JOB_CANCEL command. Script-backed commands
// route through a sandbox Executor guarded by a slot semaphore.
//
// The caller side is a Client: Call sends a request and blocks for the
// matching response with a per-call timeout, Do adds typed decoding, Notify
// is fire-and-forget, and OnJobEvent subscribes to job lifecycle events.
//
// # Transports
//
// Hostbridge supports 3 transports out of the box:
//   - channel: In-memory Go channels for embedded single-process hosts and testing
//   - nats: Broker-based messaging for split deployments
//   - http: Request/response messaging for webview-style surfaces
//
// Custom transports register through the transport package registry.
//
// # Middleware
//
// The default router middleware chain covers correlation ID injection,
// structured logging, OpenTelemetry tracing, Prometheus metrics, and panic
// recovery. Custom middleware can be added via Dependencies.Middlewares.
//
// # Tracing
//
// Every call starts a span; trace context crosses the boundary in the
// traceId and parentSpanId envelope fields. Completed spans are buffered and
// exported to a Sink in batches, dropping the oldest spans under pressure so
// tracing never blocks the bridge.
package hostbridge
