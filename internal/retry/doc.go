// Package retry runs an operation with exponential backoff and jitter.
//
// The proxy uses it to open its backing store at startup, so a Redis or
// SQLite store that is briefly unavailable does not abort the process.
//
//	err := retry.Do(ctx, retry.Config{MaxRetries: 5}, func(ctx context.Context) error {
//	    return connect(ctx)
//	}, retry.WithOnRetry(func(attempt int, err error, backoff time.Duration) {
//	    logger.Warn("connect failed, retrying", observability.Error(err))
//	}))
package retry
