package github

import (
	"context"
	"errors"
	"net/http"
	"time"

	gh "github.com/google/go-github/v57/github"

	"github.com/hochfrequenz/issue-orchestrator/internal/domain"
)

// defaultRateLimitWait applies when GitHub reports a rate limit without a reset time
const defaultRateLimitWait = time.Minute

// classify maps go-github failures onto the domain error taxonomy. Rate
// limits carry the wait until reset.
func classify(op string, resp *gh.Response, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		return domain.TransientAfter(op, err, untilReset(rateErr.Rate.Reset.Time))
	}
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		wait := defaultRateLimitWait
		if abuseErr.RetryAfter != nil {
			wait = *abuseErr.RetryAfter
		}
		return domain.TransientAfter(op, err, wait)
	}

	if !isRetryable(resp) {
		return domain.Permanent(op, err)
	}
	if isRateLimited(resp) {
		return domain.TransientAfter(op, err, untilReset(resp.Rate.Reset.Time))
	}
	return domain.Transient(op, err)
}

// isRetryable reports whether the response status allows a retry.
// Requests without a response failed in transport and are retryable.
func isRetryable(resp *gh.Response) bool {
	code := statusCode(resp)
	switch {
	case code == 0:
		return true
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return true
	case code == http.StatusForbidden:
		// Secondary rate limits come back as 403 with rate headers
		return resp.Rate.Limit > 0 && resp.Rate.Remaining == 0
	case code >= 500 && code < 600:
		return true
	}
	return false
}

func isRateLimited(resp *gh.Response) bool {
	code := statusCode(resp)
	return code == http.StatusTooManyRequests || (code == http.StatusForbidden && resp.Rate.Limit > 0)
}

func untilReset(reset time.Time) time.Duration {
	if reset.IsZero() {
		return defaultRateLimitWait
	}
	d := time.Until(reset) + time.Second
	if d < time.Second {
		d = time.Second
	}
	return d
}

func statusCode(resp *gh.Response) int {
	if resp != nil && resp.Response != nil {
		return resp.StatusCode
	}
	return 0
}
