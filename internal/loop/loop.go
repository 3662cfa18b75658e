package loop

import (
	"context"
	"time"

	"github.com/glucoloop/loopcore/internal/config"
	runningmodesvc "github.com/glucoloop/loopcore/internal/runningmode/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Config  config.Config
	Log     *zap.Logger
	ModeSvc *runningmodesvc.Service
}

// Ticker drives the mode precheck on a fixed cadence, so pump-state and
// constraint disagreements are corrected even when no user or peer activity
// triggers a read.
type Ticker struct {
	log      *zap.Logger
	modeSvc  *runningmodesvc.Service
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func New(p Params) *Ticker {
	interval := p.Config.LoopInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Ticker{
		log:      p.Log.Named("loop"),
		modeSvc:  p.ModeSvc,
		interval: interval,
		done:     make(chan struct{}),
	}
}

func (t *Ticker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	go func() {
		defer close(t.done)
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.tick(ctx)
			}
		}
	}()
}

func (t *Ticker) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
}

func (t *Ticker) tick(ctx context.Context) {
	mode, _, err := t.modeSvc.Current(ctx)
	if err != nil {
		t.log.Error("mode precheck failed", zap.Error(err))
		return
	}
	t.log.Debug("mode precheck", zap.String("mode", string(mode)))
}

var Module = fx.Module("loop",
	fx.Provide(New),
	fx.Invoke(func(lc fx.Lifecycle, t *Ticker) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				t.Start()
				return nil
			},
			OnStop: func(context.Context) error {
				t.Stop()
				return nil
			},
		})
	}),
)
