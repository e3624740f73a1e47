package modules

import (
	"context"

	"github.com/riverqueue/river"

	"farmops.io/bulkops/internal/api/handlers"
	"farmops.io/bulkops/internal/governance/audit"
)

// GovernanceModule wires the audit log and the metrics subscribers onto the
// domain event dispatcher, and contributes the permission checker.
type GovernanceModule struct {
	infra *Infrastructure
	audit *audit.Logger
}

func NewGovernanceModule(infra *Infrastructure) *GovernanceModule {
	auditLog := audit.NewLogger(infra.Store, infra.Clock)
	auditLog.Subscribe(infra.Events)
	if infra.Metrics != nil {
		infra.Metrics.Subscribe(infra.Events)
	}
	return &GovernanceModule{infra: infra, audit: auditLog}
}

func (m *GovernanceModule) Name() string { return "governance" }

func (m *GovernanceModule) ContributeServerDeps(deps *handlers.ServerDeps) {
	if deps == nil {
		return
	}
	deps.Audit = m.audit
	deps.Perms = m.infra.Perms
	deps.Readiness = m.infra.Readiness()
}

func (m *GovernanceModule) RegisterWorkers(_ *river.Workers) {}

func (m *GovernanceModule) Shutdown(context.Context) error { return nil }
