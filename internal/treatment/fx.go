package treatment

import (
	"github.com/glucoloop/loopcore/internal/treatment/domain"
	"github.com/glucoloop/loopcore/internal/treatment/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("treatment",
	fx.Provide(repository.Provide),
	fx.Provide(domain.NewKindLocks),
)
