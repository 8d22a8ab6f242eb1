package livesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"geochat_backend/internal/repository"
	"geochat_backend/internal/util"
	"geochat_backend/pkg/monitoring"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

var errRetriesExhausted = errors.New("reconnect attempts exhausted")

// pump owns ch. It applies events in delivery order until ctx is cancelled
// or reconnecting gives up.
func (c *Controller[T]) pump(ctx context.Context, ch repository.Channel, done chan struct{}) {
	defer close(done)
	defer monitoring.LiveViews.WithLabelValues(c.opts.Name).Dec()
	defer func() {
		if ch != nil {
			ch.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-ch.Events():
			if !ok {
				ch = c.reconnect(ctx, ch, repository.CloseReason(ch))
			} else {
				c.apply(ctx, change)
			}
		case err := <-ch.Errors():
			ch = c.reconnect(ctx, ch, err)
		}
		if ch == nil {
			return
		}
	}
}

func (c *Controller[T]) apply(ctx context.Context, change repository.Change) {
	var err error
	if c.opts.Handle != nil {
		err = c.opts.Handle(ctx, c, change)
	} else {
		err = c.applyDefault(change)
	}
	if err != nil {
		monitoring.ChangeEvents.WithLabelValues(c.opts.Name, string(change.Type), "error").Inc()
		c.log.Warn("apply change", zap.String("table", change.Table), zap.Error(err))
	}
}

func (c *Controller[T]) applyDefault(change repository.Change) error {
	row, err := c.opts.Decode(change)
	if err != nil {
		return fmt.Errorf("decode %s row: %w", change.Table, err)
	}
	var applied bool
	switch change.Type {
	case repository.EventInsert:
		applied = c.Merge(row)
	case repository.EventUpdate:
		applied = c.Replace(row)
	default:
		return nil
	}
	result := "applied"
	if !applied {
		result = "ignored"
	}
	monitoring.ChangeEvents.WithLabelValues(c.opts.Name, string(change.Type), result).Inc()
	return nil
}

// reconnect closes the broken channel, marks the view degraded and retries
// Subscribe with exponential backoff. On success the view is reloaded to
// pick up rows missed while disconnected. It returns nil when the view
// should stop pumping.
func (c *Controller[T]) reconnect(ctx context.Context, broken repository.Channel, cause error) repository.Channel {
	broken.Close()
	if ctx.Err() != nil {
		return nil
	}
	c.log.Warn("subscription lost", zap.Error(cause))
	c.setStatus(StatusDegraded, util.Subscription("livesync.reconnect", cause))

	policy := c.opts.Retry
	if policy.MaxAttempts <= 0 {
		monitoring.Reconnects.WithLabelValues(c.opts.Name, "exhausted").Inc()
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	if policy.MaxInterval > 0 {
		b.MaxInterval = policy.MaxInterval
	}
	b.MaxElapsedTime = 0

	var ch repository.Channel
	attempt := 0
	op := func() error {
		attempt++
		next, err := c.opts.Subscribe(ctx)
		if err != nil {
			monitoring.Reconnects.WithLabelValues(c.opts.Name, "failed").Inc()
			return err
		}
		ch = next
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.log.Info("reconnect failed, retrying",
			zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}

	policyBackoff := backoff.WithContext(backoff.WithMaxRetries(b, uint64(policy.MaxAttempts-1)), ctx)
	if err := backoff.RetryNotify(op, policyBackoff, notify); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		monitoring.Reconnects.WithLabelValues(c.opts.Name, "exhausted").Inc()
		err = util.Subscription("livesync.reconnect", fmt.Errorf("%w after %d attempts: %v", errRetriesExhausted, attempt, err))
		c.log.Error("giving up on subscription", zap.Error(err))
		c.setStatus(StatusDegraded, err)
		return nil
	}
	if ctx.Err() != nil {
		ch.Close()
		return nil
	}
	monitoring.Reconnects.WithLabelValues(c.opts.Name, "ok").Inc()

	if _, err := c.Load(ctx); err != nil {
		c.log.Warn("reconcile after reconnect failed", zap.Error(err))
	}
	c.setStatus(StatusLive, nil)
	c.log.Info("subscription restored", zap.Int("attempts", attempt))
	return ch
}
