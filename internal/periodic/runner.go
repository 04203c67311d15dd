// Copyright (C) 2025-2026 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package periodic

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Func is called once per tick.
type Func func(ctx context.Context) error

// Runner calls a Func on a fixed interval until stopped.
type Runner struct {
	fn        Func
	ll        *slog.Logger
	interval  time.Duration
	immediate bool
}

type Option func(*Runner)

// RunImmediately makes the runner call its Func once before the first tick.
func RunImmediately() Option {
	return func(r *Runner) {
		r.immediate = true
	}
}

func New(name string, fn Func, interval time.Duration, logger *slog.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		fn:       fn,
		ll:       logger.With("component", "periodic", "task", name),
		interval: interval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start runs the loop in a goroutine. The returned function cancels the
// loop and waits for an in-progress call to return.
func (r *Runner) Start(ctx context.Context) (stop func()) {
	runCtx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.run(runCtx)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
}

func (r *Runner) run(ctx context.Context) {
	r.ll.Debug("Starting periodic loop", slog.Duration("interval", r.interval))

	if r.immediate {
		r.call(ctx)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.ll.Debug("Context cancelled, stopping periodic loop")
			return
		case <-ticker.C:
			r.call(ctx)
		}
	}
}

func (r *Runner) call(ctx context.Context) {
	if err := r.fn(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		r.ll.Error("Periodic call failed (continuing)", slog.Any("error", err))
	}
}
