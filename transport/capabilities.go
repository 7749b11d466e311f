package transport

// Capabilities describes the features supported by a transport backend.
// The bridge uses these to decide which behaviours it must emulate, most
// importantly whether responses can arrive out of order.
type Capabilities struct {
	// SupportsOrdering indicates the transport guarantees message ordering.
	// Correlation never relies on this: responses are always joined to
	// requests by correlation id, not by arrival order.
	SupportsOrdering bool

	// SupportsTracing indicates the transport propagates tracing headers natively.
	SupportsTracing bool

	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport supports negative acknowledgment (redelivery).
	SupportsNack bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the transport.
	Name string

	// Version is the transport/driver version.
	Version string
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for the in-memory Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsTracing:  false,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	// NATSCapabilities for the NATS Core transport.
	NATSCapabilities = Capabilities{
		Name:             "nats",
		SupportsOrdering: false,
		SupportsTracing:  true,
		SupportsAck:      false,
		SupportsNack:     false,
		MaxMessageSize:   1048576, // Default 1MB
	}

	// HTTPCapabilities for the HTTP transport.
	HTTPCapabilities = Capabilities{
		Name:             "http",
		SupportsOrdering: false,
		SupportsTracing:  true,
		SupportsAck:      false,
		SupportsNack:     false,
	}
)

// GetCapabilities returns the capabilities for a transport by name.
// Uses the registry to look up capabilities registered by each transport package.
// Returns a zero Capabilities struct if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
