package runningmode

import (
	"github.com/glucoloop/loopcore/internal/runningmode/service"
	"go.uber.org/fx"
)

var Module = fx.Module("runningmode.service",
	fx.Provide(service.New),
)
