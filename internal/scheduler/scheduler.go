package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/fentz26/jetdeploy/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Sweeper removes expired state and reports how many items it removed.
type Sweeper interface {
	Name() string
	Sweep(ctx context.Context, now time.Time) int
}

// Func adapts a function to a Sweeper.
func Func(name string, fn func(ctx context.Context, now time.Time) int) Sweeper {
	return funcSweeper{name: name, fn: fn}
}

type funcSweeper struct {
	name string
	fn   func(ctx context.Context, now time.Time) int
}

func (f funcSweeper) Name() string { return f.name }

func (f funcSweeper) Sweep(ctx context.Context, now time.Time) int { return f.fn(ctx, now) }

// Scheduler runs every sweeper once per interval.
type Scheduler struct {
	sweepers []Sweeper
	config   *Config
	log      zerolog.Logger
	metrics  *metrics.Collector
	now      func() time.Time

	mu      sync.Mutex
	rounds  int
	removed map[string]int
	lastRun time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new scheduler.
func New(cfg *Config, logger zerolog.Logger, m *metrics.Collector, sweepers ...Sweeper) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		sweepers: sweepers,
		config:   cfg,
		log:      logger.With().Str("component", "scheduler").Logger(),
		metrics:  m,
		now:      time.Now,
		removed:  make(map[string]int),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the sweep loop.
func (sch *Scheduler) Start() {
	sch.wg.Add(1)
	go sch.loop()
	sch.log.Info().Dur("interval", sch.config.Interval).Int("sweepers", len(sch.sweepers)).Msg("scheduler started")
}

// Stop gracefully stops the scheduler and waits for a running round.
func (sch *Scheduler) Stop() {
	sch.cancel()
	sch.wg.Wait()
	sch.log.Info().Msg("scheduler stopped")
}

func (sch *Scheduler) loop() {
	defer sch.wg.Done()

	ticker := time.NewTicker(sch.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-sch.ctx.Done():
			return
		case <-ticker.C:
			sch.RunOnce(sch.ctx)
		}
	}
}

// RunOnce runs every sweeper concurrently and returns the number of items removed per sweeper.
func (sch *Scheduler) RunOnce(ctx context.Context) map[string]int {
	now := sch.now()
	counts := make([]int, len(sch.sweepers))

	g, gctx := errgroup.WithContext(ctx)
	for i, sw := range sch.sweepers {
		i, sw := i, sw
		g.Go(func() error {
			sctx := gctx
			if sch.config.SweepTimeout > 0 {
				var cancel context.CancelFunc
				sctx, cancel = context.WithTimeout(gctx, sch.config.SweepTimeout)
				defer cancel()
			}
			counts[i] = sw.Sweep(sctx, now)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]int, len(sch.sweepers))
	sch.mu.Lock()
	sch.rounds++
	sch.lastRun = now
	for i, sw := range sch.sweepers {
		out[sw.Name()] = counts[i]
		sch.removed[sw.Name()] += counts[i]
	}
	sch.mu.Unlock()

	for name, n := range out {
		sch.metrics.Swept(name, n)
		if n > 0 {
			sch.log.Debug().Str("sweeper", name).Int("removed", n).Msg("sweep")
		}
	}
	return out
}

// GetStats returns current scheduler statistics.
func (sch *Scheduler) GetStats() map[string]interface{} {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	removed := make(map[string]int)
	for k, v := range sch.removed {
		removed[k] = v
	}

	stats := map[string]interface{}{
		"rounds":   sch.rounds,
		"interval": sch.config.Interval.String(),
		"removed":  removed,
	}
	if !sch.lastRun.IsZero() {
		stats["last_run"] = sch.lastRun
	}
	return stats
}
