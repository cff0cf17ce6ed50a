// Package windows wires agentpool.Backend for the Windows agent pool
// scaler (§4.7 "Windows agent pool"): the same registered-host dispatch
// model as baremetal, restricted to hosts reporting OS "windows".
package windows

import (
	"go.uber.org/zap"

	"github.com/thorium-go/thorium/internal/scheduler"
	"github.com/thorium-go/thorium/internal/scheduler/backend/agentpool"
)

// New builds the Windows agent-pool backend.
func New(registry agentpool.Registry, dispatch agentpool.Dispatcher, logger *zap.Logger) scheduler.Backend {
	return agentpool.New(registry, dispatch, "windows", logger)
}
