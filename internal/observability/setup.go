package observability

import (
	"context"

	"github.com/aymanebt/medescrow/internal/infrastructure/observability"
)

// Setup wires logging, metrics and tracing. The returned function flushes the
// tracer on shutdown. The metrics endpoint is mounted by the router.
func Setup(serviceName string) func(context.Context) error {
	observability.InitLogger()
	observability.InitMetrics()
	return observability.InitTracing(serviceName)
}
