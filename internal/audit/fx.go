package audit

import (
	"github.com/glucoloop/loopcore/internal/audit/repository"
	"github.com/glucoloop/loopcore/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
