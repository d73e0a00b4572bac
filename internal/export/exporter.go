// Package export ships signals out of the process.
package export

import "context"

// Exporter is an outbound transport with a connection lifecycle.
type Exporter interface {
	// Name returns a unique identifier for this exporter.
	Name() string

	// Start connects the transport. It returns once the exporter is
	// ready to publish.
	Start(ctx context.Context) error

	// Healthy returns nil while the transport can accept publishes.
	Healthy(ctx context.Context) error

	// Stop flushes and closes the transport.
	Stop(ctx context.Context) error
}
