package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
	"github.com/hochfrequenz/issue-orchestrator/internal/retry"
)

// call runs one external operation under the retry policy. Each attempt
// gets its own timeout; a timed out attempt counts as transient. A cancel
// request aborts the backoff wait with retry.ErrInterrupted.
func (c *Coordinator) call(ctx context.Context, d *driver, op string, fn func(context.Context) error) error {
	attempt := func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
		err := fn(callCtx)
		if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return domain.Transient(op, fmt.Errorf("timed out after %s: %w", c.cfg.CallTimeout, err))
		}
		return err
	}
	return retry.Do(ctx, c.cfg.Retry, attempt,
		retry.Interrupt(d.interrupt),
		retry.OnRetry(func(n int, err error, wait time.Duration) {
			c.logger.Warn(ctx, "retrying "+op,
				zap.Int("attempt", n), zap.Duration("wait", wait), zap.Error(err))
		}),
	)
}

// awaitCI polls the CI status while it is pending, for at most CIWait
func (c *Coordinator) awaitCI(ctx context.Context, d *driver, pr domain.PullRequestRef) (domain.CIStatus, error) {
	deadline := time.Now().Add(c.cfg.CIWait)
	for {
		var status domain.CIStatus
		err := c.call(ctx, d, "ci status", func(ctx context.Context) error {
			var err error
			status, err = c.provider.GetCIStatus(ctx, pr)
			return err
		})
		if err != nil {
			return "", err
		}
		if status != domain.CIPending || !time.Now().Before(deadline) {
			return status, nil
		}

		c.logger.Debug(ctx, "ci pending, waiting", zap.Int("pr", pr.Number))
		timer := time.NewTimer(c.cfg.CIPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-d.interrupt:
			timer.Stop()
			return "", retry.ErrInterrupted
		case <-timer.C:
		}
	}
}
