// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package lifecycle coordinates process-wide startup and shutdown: a single
// stop flag observed by every long-lived loop, and aggregated shutdown
// errors collected as components unwind (spec §4.8).
package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Controller owns the process stop flag and the set of components that
// need an orderly Close on shutdown.
type Controller struct {
	log *zap.SugaredLogger

	stopping atomic.Bool
	stopCh   chan struct{}
	once     sync.Once

	mu     sync.Mutex
	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// New constructs a Controller and arms SIGINT/SIGTERM handling.
func New(log *zap.SugaredLogger) *Controller {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	c := &Controller{log: log, stopCh: make(chan struct{})}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		c.log.Infow("received shutdown signal", "signal", s.String())
		c.Stop()
	}()

	return c
}

// Stopping reports whether shutdown has been requested. Loops check this
// on every iteration instead of blocking on Done when they must remain
// responsive to other work (e.g. a select with a short poll timeout).
func (c *Controller) Stopping() bool { return c.stopping.Load() }

// Done returns a channel closed once Stop has been called.
func (c *Controller) Done() <-chan struct{} { return c.stopCh }

// Context returns a context cancelled when Stop is called, for components
// that accept one (spec's errgroup-driven worker pool, for instance).
func (c *Controller) Context(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		<-c.Done()
		cancel()
	}()
	return ctx
}

// Stop requests shutdown. Safe to call multiple times and from multiple
// goroutines; only the first call has effect.
func (c *Controller) Stop() {
	c.once.Do(func() {
		c.stopping.Store(true)
		close(c.stopCh)
	})
}

// Register adds a component to be closed, in reverse registration order,
// when Shutdown runs.
func (c *Controller) Register(name string, close func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, namedCloser{name: name, close: close})
}

// Shutdown requests stop (if not already requested) and closes every
// registered component in reverse order, aggregating their errors.
func (c *Controller) Shutdown() error {
	c.Stop()

	c.mu.Lock()
	closers := append([]namedCloser(nil), c.closers...)
	c.mu.Unlock()

	var err error
	for i := len(closers) - 1; i >= 0; i-- {
		nc := closers[i]
		if cerr := nc.close(); cerr != nil {
			c.log.Errorw("component close failed", "component", nc.name, "error", cerr)
			err = multierr.Append(err, cerr)
		}
	}
	return err
}
