package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"site-mirror/pkg/config"
	"site-mirror/pkg/utils"
)

// Fetcher performs HTTP requests with retry logic over a shared http.Client.
// 5xx responses, 429 and network-level failures are retried with exponential
// backoff and jitter; other 4xx responses are returned immediately.
type Fetcher struct {
	client *http.Client
	cfg    *config.MirrorConfig
	log    *logrus.Logger
}

// NewFetcher creates a new Fetcher instance
func NewFetcher(client *http.Client, cfg *config.MirrorConfig, log *logrus.Logger) *Fetcher {
	return &Fetcher{
		client: client,
		cfg:    cfg,
		log:    log,
	}
}

// FetchWithRetry performs req under ctx. On success the response body is
// open and the caller must close it; that also holds for non-retryable
// non-2xx responses returned alongside an error.
func (f *Fetcher) FetchWithRetry(req *http.Request, ctx context.Context) (*http.Response, error) {
	var lastErr error
	var currentResp *http.Response

	reqLog := f.log.WithField("url", req.URL.String())

	maxRetries := f.cfg.MaxRetries
	initialRetryDelay := f.cfg.InitialRetryDelay
	maxRetryDelay := f.cfg.MaxRetryDelay

	for attempt := 0; attempt <= maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("context cancelled (%v) during retry backoff after error: %w", ctx.Err(), lastErr)
			}
			return nil, fmt.Errorf("context cancelled before first attempt: %w", ctx.Err())
		default:
		}

		// Backoff applies only before retry attempts, not the first one.
		if attempt > 0 {
			backoff := float64(initialRetryDelay) * math.Pow(2, float64(attempt-1))
			delay := time.Duration(backoff)
			if delay <= 0 || delay > maxRetryDelay {
				delay = maxRetryDelay
			}

			// Jitter: +/- 10% to avoid synchronized retries
			var jitter time.Duration
			if delay > 0 {
				jitter = time.Duration(rand.Int63n(int64(delay)/5)) - (delay / 10)
			}
			finalDelay := delay + jitter
			if finalDelay < 0 {
				finalDelay = 0
			}

			reqLog.WithFields(logrus.Fields{"attempt": attempt, "max_retries": maxRetries, "delay": finalDelay}).Warn("Retrying request...")

			select {
			case <-time.After(finalDelay):
			case <-ctx.Done():
				if lastErr != nil {
					return nil, fmt.Errorf("context cancelled (%v) during retry delay after error: %w", ctx.Err(), lastErr)
				}
				return nil, fmt.Errorf("context cancelled during retry delay: %w", ctx.Err())
			}
		}

		reqWithCtx := req.WithContext(ctx)
		currentResp, lastErr = f.client.Do(reqWithCtx)

		// Network-level errors (DNS, TCP, TLS): retry unless the context ended.
		if lastErr != nil {
			if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
				drainAndClose(currentResp)
				return nil, lastErr
			}
			reqLog.WithField("attempt", attempt).Errorf("Network error: %v", lastErr)
			drainAndClose(currentResp)
			continue
		}

		statusCode := currentResp.StatusCode
		resLog := reqLog.WithFields(logrus.Fields{"status_code": statusCode, "attempt": attempt})

		if statusCode >= 200 && statusCode < 300 {
			resLog.Debug("Successfully fetched")
			return currentResp, nil
		}

		var sentinel error
		switch {
		case statusCode >= 500:
			sentinel = utils.ErrServerHTTPError
		case statusCode >= 400:
			sentinel = utils.ErrClientHTTPError
		default:
			sentinel = utils.ErrOtherHTTPError
		}
		statusErr := fmt.Errorf("%w: status %d %s", sentinel, statusCode, currentResp.Status)

		if utils.IsTransientDownload(statusErr) {
			resLog.Warn("Transient status, retrying...")
			lastErr = statusErr
			drainAndClose(currentResp)
			continue
		}

		resLog.Warnf("Permanent status %d, not retrying", statusCode)
		// Caller must close currentResp.Body
		return currentResp, statusErr
	}

	reqLog.Errorf("All %d fetch retries failed. Last error: %v", maxRetries+1, lastErr)
	drainAndClose(currentResp)

	if lastErr != nil {
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return nil, lastErr
		}
		return nil, fmt.Errorf("%w: %w", utils.ErrRetryFailed, lastErr)
	}
	return nil, utils.ErrRetryFailed
}

func drainAndClose(resp *http.Response) {
	if resp != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
}
