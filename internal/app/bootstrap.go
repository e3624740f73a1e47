// Package app is the composition root; bootstrap only wires modules together.
package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/riverqueue/river"

	"farmops.io/bulkops/internal/api/handlers"
	"farmops.io/bulkops/internal/api/middleware"
	"farmops.io/bulkops/internal/app/modules"
	"farmops.io/bulkops/internal/config"
)

// Application holds composed application dependencies.
type Application struct {
	Config  *config.Config
	Router  *gin.Engine
	Infra   *modules.Infrastructure
	Modules []modules.Module

	approval *modules.ApprovalModule
}

// Bootstrap initializes all dependencies using module-oriented manual DI.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	infra, err := modules.NewInfrastructure(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init infrastructure: %w", err)
	}

	ops := modules.NewOperationsModule(infra)
	baseModules := []modules.Module{ops, modules.NewGovernanceModule(infra)}

	workers := river.NewWorkers()
	for _, mod := range baseModules {
		mod.RegisterWorkers(workers)
	}
	if err := infra.InitRiver(workers); err != nil {
		infra.Close()
		return nil, fmt.Errorf("init river workers: %w", err)
	}

	approvalModule, err := modules.NewApprovalModule(infra, ops)
	if err != nil {
		infra.Close()
		return nil, fmt.Errorf("init approval module: %w", err)
	}

	allModules := append(baseModules, approvalModule)
	server := handlers.NewServer(modules.NewServerDeps(allModules))

	return &Application{
		Config: cfg,
		Router: newRouter(routerDeps{
			cfg:    cfg,
			server: server,
			jwt: middleware.JWTConfig{
				SigningKey: []byte(cfg.Security.SessionSecret),
				Issuer:     cfg.Security.TokenIssuer,
			},
			gatherer: infra.MetricsRegistry,
		}),
		Infra:    infra,
		Modules:  allModules,
		approval: approvalModule,
	}, nil
}
