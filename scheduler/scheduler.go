// Package scheduler runs the recurring free grant. On every tick it lists
// free-tier accounts whose NextGrantAt has passed and grants each one its
// allotment, keyed by the due date so overlapping runs and multiple
// instances grant a cycle at most once.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/credits"
	"github.com/xraph/credits/account"
)

// Defaults.
const (
	DefaultInterval  = time.Minute
	DefaultBatchSize = 100
	DefaultWorkers   = 8
)

// Config controls the grant loop.
type Config struct {
	// Interval between runs. Zero disables the ticker; runs then only happen
	// on Trigger.
	Interval time.Duration `json:"interval" yaml:"interval"`

	// BatchSize is the number of due accounts loaded per page.
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// Workers bounds concurrent grants within a page.
	Workers int `json:"workers" yaml:"workers"`

	// Amount is the free allotment. Zero reuses each account's last grant
	// amount.
	Amount int64 `json:"amount" yaml:"amount"`
}

// Result summarizes one run.
type Result struct {
	Granted int `json:"granted"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Scheduler grants recurring free credits in the background.
type Scheduler struct {
	engine *credits.Engine
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	running atomic.Bool
	trigger chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithClock overrides the time source used to decide which accounts are due.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler for engine.
func New(engine *credits.Engine, cfg Config, opts ...Option) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Amount < 0 {
		cfg.Amount = 0
	}

	s := &Scheduler{
		engine:  engine,
		cfg:     cfg,
		logger:  engine.Logger(),
		now:     time.Now,
		trigger: make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background loop. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.loop(ctx)
	})
}

// Stop ends the loop and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
	})
}

// Trigger requests a run as soon as the loop is idle. Requests made while a
// run is pending are coalesced.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	var tick <-chan time.Time
	if s.cfg.Interval > 0 {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	// Stop cancels the run in progress.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.trigger:
		case <-tick:
		}

		if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("free grant run failed", "error", err)
		}
	}
}

// RunOnce grants every account that is due now. Per-account failures are
// logged and counted; the returned error is reserved for listing failures
// and cancellation. A run already in progress makes RunOnce return an empty
// result at once.
func (s *Scheduler) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	if !s.running.CompareAndSwap(false, true) {
		return res, nil
	}
	defer s.running.Store(false)

	started := time.Now()
	now := s.now().UTC()
	st := s.engine.Store()

	// Each account is handled at most once per run. Skipped and failed
	// accounts stay due and keep sorting first, so the listing limit grows
	// by the number already handled to reach the accounts behind them.
	handled := make(map[string]struct{})
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		limit := s.cfg.BatchSize + len(handled)
		due, err := st.ListDueAccounts(ctx, now, limit)
		if err != nil {
			return res, err
		}

		fresh := make([]*account.Account, 0, s.cfg.BatchSize)
		more := len(due) == limit
		for _, a := range due {
			if _, ok := handled[a.TenantID]; ok {
				continue
			}
			if len(fresh) == s.cfg.BatchSize {
				more = true
				break
			}
			fresh = append(fresh, a)
			handled[a.TenantID] = struct{}{}
		}
		if len(fresh) == 0 {
			break
		}

		page := s.grantPage(ctx, fresh)
		res.Granted += page.Granted
		res.Skipped += page.Skipped
		res.Failed += page.Failed

		if !more {
			break
		}
	}

	if res.Granted+res.Skipped+res.Failed > 0 {
		s.logger.Info("free grant run finished",
			"granted", res.Granted,
			"skipped", res.Skipped,
			"failed", res.Failed,
			"duration", time.Since(started),
		)
	}
	return res, nil
}

func (s *Scheduler) grantPage(ctx context.Context, due []*account.Account) Result {
	var granted, skipped, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, a := range due {
		g.Go(func() error {
			amount := s.cfg.Amount
			if amount == 0 {
				amount = a.LastGrantAmount
			}
			if amount <= 0 {
				skipped.Add(1)
				return nil
			}

			_, err := s.engine.GrantFreeCreditsForCycle(gctx, a.TenantID, amount, CycleID(a))
			switch {
			case err == nil:
				granted.Add(1)
			case errors.Is(err, credits.ErrGrantCycleConsumed):
				skipped.Add(1)
			case errors.Is(err, context.Canceled):
				return err
			default:
				failed.Add(1)
				s.logger.Warn("free grant failed",
					"tenant_id", a.TenantID,
					"error", err,
				)
			}
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // only cancellation is returned and the caller checks ctx

	return Result{
		Granted: int(granted.Load()),
		Skipped: int(skipped.Load()),
		Failed:  int(failed.Load()),
	}
}

// CycleID names the grant cycle that starts at a's current NextGrantAt.
func CycleID(a *account.Account) string {
	return a.NextGrantAt.UTC().Format("20060102T150405.000000Z")
}
