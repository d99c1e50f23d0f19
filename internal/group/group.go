// package group provides a way to manage the lifecycle of a group of goroutines.
package group

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/exp/slog"
)

// A G manages the lifetime of a set of named goroutines from a common context.
// The first goroutine in the group to return will cause the context to be canceled,
// terminating the remaining goroutines.
type G struct {
	// ctx is the context passed to all goroutines in the group.
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	done   sync.WaitGroup

	mu   sync.Mutex
	errs []error
}

// New returns a new group using the given context. Goroutines starting and
// stopping are logged to logger.
func New(ctx context.Context, logger *slog.Logger) *G {
	ctx, cancel := context.WithCancel(ctx)
	return &G{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Go adds a new goroutine called name to the group.
// The goroutine should exit when the context passed to it is canceled.
func (g *G) Go(name string, fn func(context.Context) error) {
	g.done.Add(1)
	go func() {
		defer g.done.Done()
		defer g.cancel()
		g.logger.Debug("starting", "goroutine", name)
		if err := fn(g.ctx); err != nil {
			g.logger.Error("stopped", "goroutine", name, "err", err)
			g.mu.Lock()
			g.errs = append(g.errs, err)
			g.mu.Unlock()
			return
		}
		g.logger.Debug("stopped", "goroutine", name)
	}()
}

// Wait waits for all goroutines in the group to exit.
// The errors of any goroutines that failed are returned joined, in the order
// they failed.
func (g *G) Wait() error {
	g.done.Wait()
	g.mu.Lock()
	defer g.mu.Unlock()
	return errors.Join(g.errs...)
}
