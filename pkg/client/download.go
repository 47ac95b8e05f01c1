package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// downloadEndpoint labels attachment downloads in metrics.
const downloadEndpoint = "download"

// Download fetches rawURL (absolute, or a path on the base URL) into dest
// and returns the number of bytes written. Downloads never touch the cache.
// The file is written to a temporary sibling and renamed into place, so
// dest is either complete or absent. Local filesystem errors are returned
// unclassified.
func (c *Client) Download(ctx context.Context, rawURL, dest string) (int64, error) {
	u, err := c.resolve(rawURL)
	if err != nil {
		return 0, c.fail(downloadEndpoint, "invalid_request", classifyTransport(downloadEndpoint, err))
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("create download dir: %w", err)
	}

	n, err := Retry(ctx, c.config.Retry, func(ctx context.Context) (int64, error) {
		c.ensureSession(ctx)
		return c.downloadOnce(ctx, u.String(), dest)
	})
	if err != nil {
		return 0, err
	}

	c.logger.Info().
		Str("url", u.String()).
		Str("dest", dest).
		Int64("bytes", n).
		Msg("Downloaded attachment")
	return n, nil
}

func (c *Client) downloadOnce(ctx context.Context, target, dest string) (int64, error) {
	if err := c.wait(ctx, downloadEndpoint); err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, c.fail(downloadEndpoint, "invalid_request", classifyTransport(downloadEndpoint, err))
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "*/*")

	start := time.Now()
	resp, err := c.download.Do(req)
	if err != nil {
		return 0, c.fail(downloadEndpoint, "network_error", classifyTransport(downloadEndpoint, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxExcerpt*4))
		apiErr := classifyResponse(downloadEndpoint, resp, body, time.Now())
		c.throttled(apiErr)
		return 0, c.fail(downloadEndpoint, strconv.Itoa(resp.StatusCode), apiErr)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, resp.Body)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return 0, c.fail(downloadEndpoint, "network_error", classifyTransport(downloadEndpoint, err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return 0, fmt.Errorf("rename download: %w", err)
	}

	requestDuration.WithLabelValues(downloadEndpoint).Observe(time.Since(start).Seconds())
	requestsTotal.WithLabelValues(downloadEndpoint, strconv.Itoa(resp.StatusCode)).Inc()
	return n, nil
}
