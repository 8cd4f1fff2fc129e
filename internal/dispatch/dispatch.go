// Package dispatch converts queue depth into bounded concurrent processing.
// Dispatched workers share no in-process state; all coordination runs through
// the durable queue's atomic pop and the processor's queued-status guard,
// which is what makes redundant triggers and overlapping drains safe.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jo-hoe/gograder/internal/common"
	"github.com/jo-hoe/gograder/internal/grading"
)

// Processor pops and fully processes one queued submission end-to-end.
type Processor interface {
	ProcessNext(ctx context.Context) (popped, processed bool, err error)
}

// Options tune fanout sizing and the drain loop.
type Options struct {
	MaxFanout     int           // upper bound on concurrent dispatches per trigger
	DispatchGrace time.Duration // how long Trigger waits before returning optimistically
	DrainBudget   time.Duration // wall-clock budget for one RunUntilDrained call
	DrainInterval time.Duration // background drainer period; 0 disables it
}

// TriggerResult reports one trigger call.
type TriggerResult struct {
	Dispatched  int `json:"dispatched"`
	Processed   int `json:"processed"`
	QueueLength int `json:"queueLength"`
}

// Controller issues bounded concurrent worker dispatches and runs the
// self-feeding drain loop.
type Controller struct {
	log   *slog.Logger
	queue grading.Queue
	proc  Processor
	opts  Options

	mu         sync.Mutex
	started    bool
	cancel     context.CancelFunc
	cancelOnce sync.Once
	wg         sync.WaitGroup
}

// New creates a Controller. Zero option fields fall back to defaults.
func New(log *slog.Logger, queue grading.Queue, proc Processor, opts Options) *Controller {
	if opts.MaxFanout <= 0 {
		opts.MaxFanout = common.DefaultMaxFanout
	}
	if opts.DispatchGrace <= 0 {
		opts.DispatchGrace = 3 * time.Second
	}
	if opts.DrainBudget <= 0 {
		opts.DrainBudget = 4 * time.Minute
	}
	return &Controller{
		log:   log,
		queue: queue,
		proc:  proc,
		opts:  opts,
	}
}

// Trigger reads the queue depth and issues min(depth, maxFanout) concurrent
// dispatches, each processing one submission end-to-end. It waits at most the
// grace window for completions and then returns optimistically with the
// counts observed so far; dispatched workers keep running detached because
// the caller may itself be time-boxed.
func (c *Controller) Trigger(ctx context.Context) (TriggerResult, error) {
	length, err := c.queue.QueueLength(ctx)
	if err != nil {
		return TriggerResult{}, fmt.Errorf("queue length: %w", err)
	}
	if length == 0 {
		return TriggerResult{}, nil
	}
	fanout := length
	if fanout > c.opts.MaxFanout {
		fanout = c.opts.MaxFanout
	}

	// Workers must survive the caller going away; a client navigating off
	// the status page must not cancel grading mid-flight.
	workCtx := context.WithoutCancel(ctx)

	var processed atomic.Int32
	g := new(errgroup.Group)
	for i := 0; i < fanout; i++ {
		g.Go(func() error {
			popped, didProcess, err := c.proc.ProcessNext(workCtx)
			if didProcess {
				processed.Add(1)
			}
			if err != nil {
				if !popped {
					return err
				}
				// Per-submission failures are recorded on the submission
				// itself and do not concern the dispatch group.
				c.log.Warn("dispatched submission failed", "err", err)
			}
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		if err := g.Wait(); err != nil {
			c.log.Error("dispatch group", "err", err)
		}
		close(done)
	}()

	timer := time.NewTimer(c.opts.DispatchGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		c.log.Debug("trigger grace window elapsed; workers continue detached", "dispatched", fanout)
	case <-ctx.Done():
	}

	remaining, err := c.queue.QueueLength(workCtx)
	if err != nil {
		c.log.Warn("queue length after trigger", "err", err)
		remaining = 0
	}
	return TriggerResult{
		Dispatched:  fanout,
		Processed:   int(processed.Load()),
		QueueLength: remaining,
	}, nil
}

// RunUntilDrained serially processes queue entries until the queue reports
// empty or the wall-clock budget expires, and returns how many submissions
// reached a terminal state. An empty queue returns 0 immediately without a
// single dispatch. Safe to invoke redundantly and safe to abandon mid-drain.
func (c *Controller) RunUntilDrained(ctx context.Context) (int, error) {
	length, err := c.queue.QueueLength(ctx)
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	if length == 0 {
		return 0, nil
	}

	deadline := time.Now().Add(c.opts.DrainBudget)
	processed := 0
	for {
		select {
		case <-ctx.Done():
			return processed, ctx.Err()
		default:
		}
		if !time.Now().Before(deadline) {
			c.log.Warn("drain budget exhausted; queue may still hold work", "processed", processed)
			return processed, nil
		}

		popped, didProcess, err := c.proc.ProcessNext(ctx)
		if err != nil && !popped {
			return processed, err
		}
		if err != nil {
			c.log.Warn("submission processing failed", "err", err)
		}
		if didProcess {
			processed++
		}
		if !popped {
			return processed, nil
		}
	}
}

// Start launches the background drain loop that keeps the queue moving even
// when no client triggers processing. No goroutine is spawned when the drain
// interval is zero.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.New("dispatcher already started")
	}
	c.started = true
	if c.opts.DrainInterval <= 0 {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.drainLoop(ctx)
	return nil
}

func (c *Controller) drainLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.log.Debug("drain loop stopping due to context cancellation")
			return
		case <-ticker.C:
			n, err := c.RunUntilDrained(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				c.log.Error("background drain", "err", err)
			}
			if n > 0 {
				c.log.Info("background drain finished", "processed", n)
			}
		}
	}
}

// Shutdown stops the background drainer and waits for an in-flight drain up
// to the provided deadline.
func (c *Controller) Shutdown(deadline time.Duration) {
	c.cancelOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			c.wg.Wait()
		}()

		if deadline <= 0 {
			<-done
			return
		}
		timer := time.NewTimer(deadline)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			c.log.Warn("dispatcher shutdown deadline reached; a drain may still be running")
		}
	})
}
