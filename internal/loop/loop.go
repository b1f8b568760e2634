// Package loop runs a function on a fixed interval until stopped.
package loop

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrAlreadyStarted is returned by Start on a running loop.
var ErrAlreadyStarted = errors.New("loop: already started")

// Loop calls its tick function every interval. The first call happens one
// interval after Start. Ticks never overlap.
type Loop struct {
	interval time.Duration
	tick     func(ctx context.Context)

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a stopped loop.
func New(interval time.Duration, tick func(ctx context.Context)) *Loop {
	return &Loop{interval: interval, tick: tick}
}

// Start launches the loop goroutine. It runs until Stop is called or ctx
// is cancelled.
func (l *Loop) Start(ctx context.Context) error {
	if l.interval <= 0 {
		return errors.New("loop: interval must be positive")
	}
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return ErrAlreadyStarted
	}
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	l.running = true
	l.stopCh = stopCh
	l.doneCh = doneCh
	l.mu.Unlock()

	go l.run(ctx, stopCh, doneCh)
	return nil
}

// Stop halts the loop and waits for an in-flight tick to finish. It is a
// no-op on a stopped loop.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	stopCh, doneCh := l.stopCh, l.doneCh
	l.running = false
	l.stopCh = nil
	l.doneCh = nil
	l.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// Running reports whether the loop is started.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *Loop) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)
	// A cancelled ctx ends the loop without Stop; mark it stopped so it can
	// be started again.
	defer func() {
		l.mu.Lock()
		if l.doneCh == doneCh {
			l.running = false
			l.stopCh = nil
			l.doneCh = nil
		}
		l.mu.Unlock()
	}()
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}
