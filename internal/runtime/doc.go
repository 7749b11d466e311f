// Package runtime implements the hostbridge core: the Bridge that receives
// request envelopes, dispatches them to command handlers, and answers on the
// response topic, plus the Client that issues requests and joins responses
// back to their callers.
//
// The wire contract lives in the envelope package: requests carry type,
// payload, and correlationId; responses carry status, data or message, and
// the same correlationId. Every request gets exactly one response, matched
// by correlation id rather than arrival order. Job-mode commands additionally
// emit out-of-band lifecycle events (PENDING, RUNNING with progress, then one
// of COMPLETED, FAILED, or CANCELLED) before their single final response.
//
// Dispatch is table-driven: handlers register under command names, duplicate
// registrations follow the configured overwrite policy, and unknown commands
// come back as error responses naming the command. Sync handlers answer
// inline on the router goroutine; job handlers run on the JobRunner worker
// pool with cooperative cancellation through their context.
//
// Script-backed commands route through an Executor guarded by a slot
// semaphore, matching sandboxed runtimes that are thread-confined.
//
// Transports are pluggable through the transport registry (channel, nats,
// http out of the box); middleware follows the Watermill router model with a
// default chain for correlation ids, logging, tracing, metrics, and panic
// recovery.
package runtime
