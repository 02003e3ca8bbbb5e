package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/missionctl/internal/broker"
	"github.com/aristath/missionctl/internal/config"
	"github.com/aristath/missionctl/internal/mission"
)

// Source is where a pool takes deliveries from and reports to: the in-process
// broker or a remote server.
type Source interface {
	Dequeue(ctx context.Context, category mission.Category) (broker.Envelope, error)
	Ack(deliveryID string) error
	Report(r broker.Report) error
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Category mission.Category
	Size     int // Concurrent executions (default 1)
	Worker   Worker
	Source   Source
	Breaker  *gobreaker.CircuitBreaker // Optional
	Timeout  time.Duration             // Per-attempt execution bound, 0 for none
	Logger   *slog.Logger
}

// dequeueRetryDelay is the pause after a transient dequeue error.
const dequeueRetryDelay = time.Second

// Pool runs Size goroutines that each loop dequeue -> ack -> execute -> report.
type Pool struct {
	cfg PoolConfig
}

// NewPool creates a pool.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pool{cfg: cfg}
}

// Category returns the category the pool serves.
func (p *Pool) Category() mission.Category { return p.cfg.Category }

// Size returns the number of concurrent executions.
func (p *Pool) Size() int { return p.cfg.Size }

// Run processes deliveries until ctx is cancelled or the source closes.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Size; i++ {
		g.Go(func() error {
			return p.loop(ctx)
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context) error {
	for {
		env, err := p.cfg.Source.Dequeue(ctx, p.cfg.Category)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, broker.ErrClosed) {
				return nil
			}
			var verr *mission.ValidationError
			if errors.As(err, &verr) {
				return fmt.Errorf("dequeue %s: %w", p.cfg.Category, err)
			}
			p.cfg.Logger.Warn("dequeue failed", "category", p.cfg.Category, "error", err)
			select {
			case <-time.After(dequeueRetryDelay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		p.handle(ctx, env)
	}
}

// handle processes one delivery. Failures are reported, never returned, so one
// bad task cannot stop the pool.
func (p *Pool) handle(ctx context.Context, env broker.Envelope) {
	logger := p.cfg.Logger.With(
		"mission_id", env.MissionID,
		"task_id", env.TaskID,
		"category", env.Category,
		"attempt", env.Attempt)

	if err := p.cfg.Source.Ack(env.DeliveryID); err != nil {
		// The lease expired before the ack; the scheduler already counted a failure.
		logger.Warn("failed to acknowledge delivery", "error", err)
		return
	}

	start := time.Now()
	res, err := p.execute(ctx, env)

	report := broker.Report{
		DeliveryID: env.DeliveryID,
		TaskID:     env.TaskID,
		MissionID:  env.MissionID,
		Attempt:    env.Attempt,
	}
	if err != nil {
		report.Outcome = broker.OutcomeFailed
		report.Error = err.Error()
		logger.Warn("task attempt failed", "duration", time.Since(start), "error", err)
	} else {
		report.Outcome = broker.OutcomeSucceeded
		report.Output = res.Output
		report.Partial = res.Partial
		report.FollowUps = res.FollowUps
		logger.Debug("task attempt succeeded", "duration", time.Since(start), "partial", res.Partial)
	}

	if err := p.cfg.Source.Report(report); err != nil {
		logger.Error("failed to report task outcome", "outcome", report.Outcome, "error", err)
	}
}

func (p *Pool) execute(ctx context.Context, env broker.Envelope) (res Result, err error) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()

	if p.cfg.Breaker == nil {
		return p.cfg.Worker.Execute(ctx, env.Input)
	}

	out, err := p.cfg.Breaker.Execute(func() (interface{}, error) {
		return p.cfg.Worker.Execute(ctx, env.Input)
	})
	if err != nil {
		return Result{}, err
	}
	return out.(Result), nil
}

// Group runs one pool per registered category.
type Group struct {
	pools []*Pool
}

// NewGroup builds a pool for every category in reg, sized from cfg.
// Categories not listed in only are skipped; an empty only serves all.
func NewGroup(reg *Registry, src Source, cfg *config.Config, breakers *BreakerRegistry, logger *slog.Logger, only ...mission.Category) *Group {
	filter := make(map[mission.Category]bool, len(only))
	for _, c := range only {
		filter[c] = true
	}

	g := &Group{}
	for _, cat := range reg.Categories() {
		if len(filter) > 0 && !filter[cat] {
			continue
		}
		w, _ := reg.Get(cat)
		cc := cfg.Category(cat)

		pc := PoolConfig{
			Category: cat,
			Size:     cc.PoolSize,
			Worker:   w,
			Source:   src,
			Timeout:  cc.Timeout,
			Logger:   logger,
		}
		if breakers != nil {
			pc.Breaker = breakers.Get(cat)
		}
		g.pools = append(g.pools, NewPool(pc))
	}
	return g
}

// Pools returns the group's pools in category order.
func (g *Group) Pools() []*Pool {
	return append([]*Pool(nil), g.pools...)
}

// Run runs every pool until ctx is cancelled.
func (g *Group) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, p := range g.pools {
		eg.Go(func() error {
			return p.Run(ctx)
		})
	}
	return eg.Wait()
}
