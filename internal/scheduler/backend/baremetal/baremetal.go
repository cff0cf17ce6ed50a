// Package baremetal wires agentpool.Backend for the bare-metal agent
// pool scaler (§4.7 "bare-metal agent pool"): workers run as processes
// on registered Linux hosts rather than inside a cluster.
package baremetal

import (
	"go.uber.org/zap"

	"github.com/thorium-go/thorium/internal/scheduler"
	"github.com/thorium-go/thorium/internal/scheduler/backend/agentpool"
)

// New builds the bare-metal backend: an agent pool restricted to
// hosts registered with OS "linux".
func New(registry agentpool.Registry, dispatch agentpool.Dispatcher, logger *zap.Logger) scheduler.Backend {
	return agentpool.New(registry, dispatch, "linux", logger)
}
