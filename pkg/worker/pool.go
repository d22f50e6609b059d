package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/guido-cesarano/jobqueue/pkg/logger"
	"github.com/guido-cesarano/jobqueue/pkg/queue"
	"github.com/guido-cesarano/jobqueue/pkg/tasks"
)

// Default intervals
const (
	DefaultIdleInterval       = time.Second
	DefaultHeartbeatInterval  = 30 * time.Second
	DefaultStatsInterval      = 60 * time.Second
	DefaultPromoteInterval    = 500 * time.Millisecond
	DefaultRecoverInterval    = 30 * time.Second
	DefaultCancelPollInterval = time.Second
	DefaultRateLimitDelay     = 5 * time.Second
)

// RateLimit is a token bucket applied per queue type across all instances.
type RateLimit struct {
	Rate  float64 // tokens per second
	Burst int
}

// Config configures a Pool. Zero durations fall back to the defaults above.
type Config struct {
	// InstanceID identifies this pool in heartbeats and worker ids. Generated when empty.
	InstanceID string

	IdleInterval       time.Duration
	HeartbeatInterval  time.Duration
	StatsInterval      time.Duration
	PromoteInterval    time.Duration
	RecoverInterval    time.Duration
	CancelPollInterval time.Duration

	// RequireHandlers makes Start fail when a configured queue type has no
	// handler. Otherwise such tasks fail with HANDLER_NOT_REGISTERED.
	RequireHandlers bool

	RateLimits     map[tasks.QueueType]RateLimit
	RateLimitDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.InstanceID == "" {
		c.InstanceID = uuid.New().String()
	}
	setDefault(&c.IdleInterval, DefaultIdleInterval)
	setDefault(&c.HeartbeatInterval, DefaultHeartbeatInterval)
	setDefault(&c.StatsInterval, DefaultStatsInterval)
	setDefault(&c.PromoteInterval, DefaultPromoteInterval)
	setDefault(&c.RecoverInterval, DefaultRecoverInterval)
	setDefault(&c.CancelPollInterval, DefaultCancelPollInterval)
	setDefault(&c.RateLimitDelay, DefaultRateLimitDelay)
}

func setDefault(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// Pool runs n independent work loops plus the heartbeat, statistics,
// promotion and recovery loops of one instance.
type Pool struct {
	manager  *queue.Manager
	registry *Registry
	cfg      Config
	hostname string
	log      zerolog.Logger

	mu         sync.Mutex
	running    bool
	workers    int
	startedAt  time.Time
	loopCancel context.CancelFunc
	execCancel context.CancelFunc
	workLoops  sync.WaitGroup
	background sync.WaitGroup

	active atomic.Int32
}

// NewPool creates a pool executing tasks of manager's queue types.
func NewPool(manager *queue.Manager, registry *Registry, cfg Config) *Pool {
	cfg.applyDefaults()
	hostname, _ := os.Hostname()
	return &Pool{
		manager:  manager,
		registry: registry,
		cfg:      cfg,
		hostname: hostname,
		log:      logger.WithComponent("worker").With().Str("instance_id", cfg.InstanceID).Logger(),
	}
}

// InstanceID returns the id this pool publishes heartbeats under.
func (p *Pool) InstanceID() string {
	return p.cfg.InstanceID
}

// Active returns the number of workers currently executing a task.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Start validates handler registration, recovers abandoned tasks once, and
// starts n work loops plus the background loops. It returns immediately.
//
// Cancelling ctx stops the loops like Stop does, but tasks already executing
// keep running until Stop.
func (p *Pool) Start(ctx context.Context, n int) error {
	if n <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", n)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrAlreadyRunning
	}

	if err := p.registry.Validate(p.manager.QueueOrder()); err != nil {
		if p.cfg.RequireHandlers {
			return err
		}
		p.log.Warn().Err(err).Msg("Tasks of unhandled queue types will fail")
	}

	if recovered, err := p.manager.RecoverAbandoned(ctx); err != nil {
		p.log.Error().Err(err).Msg("Startup recovery failed")
	} else if recovered > 0 {
		p.log.Info().Int("count", recovered).Msg("Recovered abandoned tasks at startup")
	}

	loopCtx, loopCancel := context.WithCancel(ctx)
	execCtx, execCancel := context.WithCancel(context.WithoutCancel(ctx))
	p.loopCancel, p.execCancel = loopCancel, execCancel
	p.workers = n
	p.startedAt = time.Now().UTC()
	p.running = true

	for i := range n {
		workerID := fmt.Sprintf("%s-%d", p.cfg.InstanceID, i)
		p.workLoops.Add(1)
		go func() {
			defer p.workLoops.Done()
			p.workLoop(loopCtx, execCtx, workerID)
		}()
	}

	p.every(loopCtx, "heartbeat", p.cfg.HeartbeatInterval, true, p.heartbeat)
	p.every(loopCtx, "statistics", p.cfg.StatsInterval, false, p.refreshStats)
	p.every(loopCtx, "promotion", p.cfg.PromoteInterval, false, func(ctx context.Context) error {
		_, err := p.manager.PromoteDue(ctx)
		return err
	})
	p.every(loopCtx, "recovery", p.cfg.RecoverInterval, false, func(ctx context.Context) error {
		_, err := p.manager.RecoverAbandoned(ctx)
		return err
	})

	p.log.Info().Int("workers", n).Msg("Worker pool started")
	return nil
}

// Stop signals every loop to exit and waits up to gracefulTimeout for
// in-flight executions. Executions still running after the timeout are
// cancelled and abandoned; their leases lapse and recovery re-queues them.
// In that case ErrShutdownTimeout is returned.
func (p *Pool) Stop(gracefulTimeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil
	}
	p.running = false
	p.loopCancel()

	var err error
	if !waitTimeout(&p.workLoops, gracefulTimeout) {
		p.log.Warn().
			Int("active", p.Active()).
			Dur("timeout", gracefulTimeout).
			Msg("Graceful shutdown timed out, abandoning in-flight tasks")
		err = ErrShutdownTimeout
	}
	p.execCancel()
	p.workLoops.Wait()
	p.background.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cerr := p.manager.ClearHeartbeat(ctx, p.cfg.InstanceID); cerr != nil {
		p.log.Warn().Err(cerr).Msg("Failed to clear heartbeat")
	}

	p.log.Info().Msg("Worker pool stopped")
	return err
}

func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// workLoop dequeues and executes tasks until loopCtx is done. The current
// execution runs under execCtx so a stop request does not interrupt it.
func (p *Pool) workLoop(loopCtx, execCtx context.Context, workerID string) {
	for {
		if loopCtx.Err() != nil {
			return
		}

		task, ok, err := p.manager.Dequeue(loopCtx, workerID)
		if err != nil {
			if loopCtx.Err() != nil {
				return
			}
			dequeueErrors.Inc()
			p.log.Error().Err(err).Str("worker_id", workerID).Msg("Dequeue failed")
			if !sleep(loopCtx, p.cfg.IdleInterval) {
				return
			}
			continue
		}
		if !ok {
			if !sleep(loopCtx, p.cfg.IdleInterval) {
				return
			}
			continue
		}

		p.active.Add(1)
		workersActive.Inc()
		p.execute(execCtx, workerID, task)
		workersActive.Dec()
		p.active.Add(-1)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// every runs fn each interval until ctx is done. Errors are logged, never fatal.
func (p *Pool) every(ctx context.Context, name string, interval time.Duration, immediate bool, fn func(context.Context) error) {
	p.background.Add(1)
	go func() {
		defer p.background.Done()
		run := func() {
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				p.log.Error().Err(err).Str("loop", name).Msg("Background loop failed")
			}
		}
		if immediate {
			run()
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

func (p *Pool) heartbeat(ctx context.Context) error {
	return p.manager.Heartbeat(ctx, queue.Instance{
		InstanceID: p.cfg.InstanceID,
		Hostname:   p.hostname,
		Workers:    p.workers,
		Active:     p.Active(),
		StartedAt:  p.startedAt,
	}, 2*p.cfg.HeartbeatInterval)
}

func (p *Pool) refreshStats(ctx context.Context) error {
	stats, err := p.manager.RefreshStatistics(ctx)
	if err != nil {
		return err
	}
	for qt, st := range stats {
		queueDepth.WithLabelValues(string(qt), "pending").Set(float64(st.Pending))
		queueDepth.WithLabelValues(string(qt), "delayed").Set(float64(st.Delayed))
		queueDepth.WithLabelValues(string(qt), "processing").Set(float64(st.Processing))
	}
	return nil
}

func isCancelled(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrTaskCancelled)
}
