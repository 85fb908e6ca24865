package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
)

// PutChunk uploads one chunk's bytes to a presigned URL and returns the
// ETag header from the store (the object's content MD5; captured but not
// used to drive client state). The payload is read from stagingPath so a
// retried PUT reopens and resends the bytes from scratch.
func (c *Client) PutChunk(ctx context.Context, presignedURL, stagingPath string) (string, error) {
	var attempt int

	for {
		etag, err := c.putOnce(ctx, presignedURL, stagingPath)
		if err == nil {
			return etag, nil
		}

		if ctx.Err() != nil {
			return "", fmt.Errorf("remote: chunk PUT canceled: %w", ctx.Err())
		}

		var svcErr *ServiceError
		retryable := errors.As(err, &svcErr) && errors.Is(svcErr.Err, ErrUnavailable)

		if !retryable || attempt >= c.maxRetries {
			return "", err
		}

		backoff := c.calcBackoff(attempt)
		c.logger.Warn("retrying chunk upload",
			slog.String("staging", stagingPath),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
			return "", fmt.Errorf("remote: chunk PUT canceled: %w", sleepErr)
		}

		attempt++
	}
}

// putOnce performs a single presigned PUT.
func (c *Client) putOnce(ctx context.Context, presignedURL, stagingPath string) (string, error) {
	f, err := os.Open(stagingPath)
	if err != nil {
		return "", fmt.Errorf("remote: opening staged chunk %s: %w", stagingPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("remote: stat staged chunk %s: %w", stagingPath, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, presignedURL, f)
	if err != nil {
		return "", fmt.Errorf("remote: creating PUT request: %w", err)
	}

	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &ServiceError{Message: err.Error(), Err: ErrUnavailable}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return "", &ServiceError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	// Drain so the connection can be reused.
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // best-effort drain

	return resp.Header.Get("ETag"), nil
}

// GetRange performs a ranged GET against a presigned URL, sending the
// Range header bit-exact as provided, and streams the body into w.
// rangeHeader may be empty for a whole-object GET. Retries only while no
// bytes have been written to w; once the stream has started a failure is
// surfaced so the caller can restart with a fresh writer.
func (c *Client) GetRange(ctx context.Context, presignedURL, rangeHeader string, w io.Writer) (int64, error) {
	var attempt int

	for {
		n, err := c.getOnce(ctx, presignedURL, rangeHeader, w)
		if err == nil {
			return n, nil
		}

		if ctx.Err() != nil {
			return n, fmt.Errorf("remote: chunk GET canceled: %w", ctx.Err())
		}

		var svcErr *ServiceError
		retryable := n == 0 && errors.As(err, &svcErr) && errors.Is(svcErr.Err, ErrUnavailable)

		if !retryable || attempt >= c.maxRetries {
			return n, err
		}

		backoff := c.calcBackoff(attempt)
		c.logger.Warn("retrying chunk download",
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
			return 0, fmt.Errorf("remote: chunk GET canceled: %w", sleepErr)
		}

		attempt++
	}
}

// getOnce performs a single presigned GET.
func (c *Client) getOnce(ctx context.Context, presignedURL, rangeHeader string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, presignedURL, nil)
	if err != nil {
		return 0, fmt.Errorf("remote: creating GET request: %w", err)
	}

	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("remote: chunk GET canceled: %w", ctx.Err())
		}

		return 0, &ServiceError{Message: err.Error(), Err: ErrUnavailable}
	}
	defer resp.Body.Close()

	// 200 for whole objects, 206 for ranges.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		return 0, &ServiceError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("remote: reading chunk body: %w", err)
	}

	return n, nil
}
