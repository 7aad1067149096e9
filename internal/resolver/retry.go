package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"hivault/internal/api"
	"hivault/internal/models"
)

// backoff allows attempts tries in total, doubling from RetryDelay and capped
// at MaxRetryDelay.
func (r *Resolver) backoff(attempts int) retry.Backoff {
	retries := attempts - 1
	if retries < 0 {
		retries = 0
	}
	base := r.cfg.RetryDelay
	if base <= 0 {
		base = time.Millisecond
	}
	b := retry.NewExponential(base)
	b = retry.WithCappedDuration(r.cfg.MaxRetryDelay, b)
	return retry.WithMaxRetries(uint64(retries), b)
}

func (r *Resolver) refreshWithRetry(ctx context.Context, key string, attempts int) (models.UploadedReference, error) {
	var ref models.UploadedReference
	attempt := 0
	err := retry.Do(ctx, r.backoff(attempts), func(ctx context.Context) error {
		attempt++
		refreshed, err := r.tracker.Refresh(ctx, key)
		if err != nil {
			r.log.Debug().Err(err).Str("key", key).Int("attempt", attempt).Msg("refresh attempt failed")
			if api.IsPermanent(err) {
				return err
			}
			return retry.RetryableError(err)
		}
		ref = refreshed
		return nil
	})
	return ref, err
}

func (r *Resolver) downloadWithRetry(ctx context.Context, rawURL string, attempts int) (api.FetchResult, error) {
	var result api.FetchResult
	attempt := 0
	err := retry.Do(ctx, r.backoff(attempts), func(ctx context.Context) error {
		attempt++
		fetched, err := r.fetcher.Fetch(ctx, rawURL)
		if err != nil {
			r.log.Debug().Err(err).Str("url", rawURL).Int("attempt", attempt).Msg("download attempt failed")
			if api.IsPermanent(err) {
				return err
			}
			return retry.RetryableError(err)
		}
		// Tiny bodies are error pages or truncated transfers.
		if len(fetched.Data) < r.cfg.MinBlobBytes {
			return retry.RetryableError(fmt.Errorf("downloaded blob too small: %d bytes", len(fetched.Data)))
		}
		result = fetched
		return nil
	})
	return result, err
}
