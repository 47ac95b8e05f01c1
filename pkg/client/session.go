package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
)

// sessionJar is a cookie jar that can be emptied while in use.
type sessionJar struct {
	mu  sync.RWMutex
	jar *cookiejar.Jar
}

func newSessionJar() (*sessionJar, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &sessionJar{jar: jar}, nil
}

func (s *sessionJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.jar.SetCookies(u, cookies)
}

func (s *sessionJar) Cookies(u *url.URL) []*http.Cookie {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jar.Cookies(u)
}

func (s *sessionJar) reset() error {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("create cookie jar: %w", err)
	}
	s.mu.Lock()
	s.jar = jar
	s.mu.Unlock()
	return nil
}

// ensureSession bootstraps the cookie session once.
func (c *Client) ensureSession(ctx context.Context) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	if c.sessionReady {
		return
	}

	// Best effort: several endpoints answer without cookies, so a failed
	// bootstrap must not fail the request that triggered it.
	_ = c.bootstrapSession(ctx)
	c.sessionReady = true
}

// bootstrapSession loads the home page so the jar picks up session cookies.
func (c *Client) bootstrapSession(ctx context.Context) error {
	if err := c.wait(ctx, c.config.HomePath); err != nil {
		sessionBootstrapsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("bootstrap session: %w", err)
	}

	u, err := c.resolve(c.config.HomePath)
	if err != nil {
		return fmt.Errorf("bootstrap session: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("bootstrap session: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,*/*;q=0.8")

	resp, err := c.http.Do(req)
	if err != nil {
		sessionBootstrapsTotal.WithLabelValues("error").Inc()
		c.logger.Debug().Err(err).Msg("Session bootstrap failed")
		return fmt.Errorf("bootstrap session: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		sessionBootstrapsTotal.WithLabelValues("error").Inc()
		c.logger.Debug().Int("status", resp.StatusCode).Msg("Session bootstrap rejected")
		return fmt.Errorf("bootstrap session: status %d", resp.StatusCode)
	}

	sessionBootstrapsTotal.WithLabelValues("ok").Inc()
	c.logger.Debug().Int("cookies", len(c.jar.Cookies(u))).Msg("Session bootstrapped")
	return nil
}

// ResetSession drops session cookies; the next request bootstraps again.
func (c *Client) ResetSession() {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	if err := c.jar.reset(); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to reset cookie jar")
	}
	c.sessionReady = false
}
