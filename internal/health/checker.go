// Package health periodically pings the credential store so the admin
// API can report database reachability and operators see outages in
// the log instead of in a burst of failed logins.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/litechat/litechat/internal/config"
)

// Pinger is the slice of the credential store the checker needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Status is the current view of the credential store.
type Status struct {
	Healthy             bool      `json:"healthy"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
}

// Checker runs the periodic ping loop.
type Checker struct {
	mu     sync.RWMutex
	status Status

	pinger           Pinger
	interval         time.Duration
	failureThreshold int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker creates a checker; Start must be called to begin checks.
// The store was reachable at startup, so the initial state is healthy.
func NewChecker(p Pinger, cfg config.DBHealthConfig) *Checker {
	return &Checker{
		status:           Status{Healthy: true},
		pinger:           p,
		interval:         cfg.Interval,
		failureThreshold: cfg.FailureThreshold,
		stopCh:           make(chan struct{}),
	}
}

// Start launches the background check loop.
func (c *Checker) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.check()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the check loop and waits for it to exit.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Status returns a copy of the current status.
func (c *Checker) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// IsHealthy reports whether the store has been reachable within the
// failure threshold.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status.Healthy
}

func (c *Checker) check() {
	ctx, cancel := context.WithTimeout(context.Background(), c.interval/2)
	err := c.pinger.Ping(ctx)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.status.LastCheck = time.Now()
	if err == nil {
		if !c.status.Healthy {
			slog.Info("credential store recovered")
		}
		c.status.Healthy = true
		c.status.ConsecutiveFailures = 0
		c.status.LastError = ""
		return
	}

	c.status.ConsecutiveFailures++
	c.status.LastError = err.Error()
	if c.status.ConsecutiveFailures >= c.failureThreshold && c.status.Healthy {
		c.status.Healthy = false
		slog.Error("credential store unhealthy",
			"consecutive_failures", c.status.ConsecutiveFailures, "err", err)
	} else {
		slog.Warn("credential store ping failed",
			"consecutive_failures", c.status.ConsecutiveFailures, "err", err)
	}
}
