package payments

import (
	"errors"
	"time"

	"github.com/quickclinic/booking-platform/pkg/logging"
)

// gatewayRetry reruns gateway calls with bounded exponential backoff on
// transient failures. Permanent rejections surface immediately.
type gatewayRetry struct {
	maxAttempts int
	baseDelay   time.Duration
	sleep       func(time.Duration)
	logger      *logging.Logger
}

func newGatewayRetry(logger *logging.Logger) gatewayRetry {
	return gatewayRetry{
		maxAttempts: 3,
		baseDelay:   500 * time.Millisecond,
		sleep:       time.Sleep,
		logger:      logger,
	}
}

func (g gatewayRetry) configure(maxAttempts int, baseDelay time.Duration) gatewayRetry {
	if maxAttempts > 0 {
		g.maxAttempts = maxAttempts
	}
	if baseDelay > 0 {
		g.baseDelay = baseDelay
	}
	return g
}

func (g gatewayRetry) do(call string, fn func() error) error {
	var lastErr error
	delay := g.baseDelay
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		var transient *TransientGatewayError
		if !errors.As(err, &transient) {
			return err
		}
		if attempt < g.maxAttempts {
			g.logger.Warn("gateway call retrying",
				"call", call, "attempt", attempt, "error", err)
			g.sleep(delay)
			delay *= 2
		}
	}
	return lastErr
}
