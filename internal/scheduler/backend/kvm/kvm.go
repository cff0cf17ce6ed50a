// Package kvm wires agentpool.Backend for the micro-VM scaler (§4.7
// "micro-VM"): workers run as short-lived qemu/kvm guests on
// registered hypervisor hosts. No hypervisor client library appears in
// the example pack, so this backend reuses the same host-dispatch
// model as baremetal/windows — the Dispatcher implementation is
// expected to issue the actual virsh/qemu invocation — restricted to
// hosts reporting OS "kvm-host".
package kvm

import (
	"go.uber.org/zap"

	"github.com/thorium-go/thorium/internal/scheduler"
	"github.com/thorium-go/thorium/internal/scheduler/backend/agentpool"
)

// New builds the micro-VM backend.
func New(registry agentpool.Registry, dispatch agentpool.Dispatcher, logger *zap.Logger) scheduler.Backend {
	return agentpool.New(registry, dispatch, "kvm-host", logger)
}
