package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.uber.org/zap"
)

const (
	// CSRFCookie is the cookie set by the handshake.
	CSRFCookie = "XSRF-TOKEN"
	// CSRFHeader echoes the cookie value on state-changing requests.
	CSRFHeader = "X-XSRF-TOKEN"
)

// ResetCSRF forces a fresh handshake before the next state-changing request.
func (c *Client) ResetCSRF() {
	c.csrfMu.Lock()
	c.csrfStale = true
	c.csrfMu.Unlock()
}

// csrfToken returns the anti-forgery token, performing the handshake when the
// jar has none. A failed handshake yields "" and the request proceeds without it.
func (c *Client) csrfToken(ctx context.Context) string {
	c.csrfMu.Lock()
	defer c.csrfMu.Unlock()

	if !c.csrfStale {
		if v := c.cookie(CSRFCookie); v != "" {
			return v
		}
	}
	if err := c.handshake(ctx); err != nil {
		c.logger.Debug("csrf handshake failed", zap.Error(err))
		return ""
	}
	c.csrfStale = false
	return c.cookie(CSRFCookie)
}

func (c *Client) handshake(ctx context.Context) error {
	reqCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.resolve(c.csrfPath, nil), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("csrf handshake status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) cookie(name string) string {
	for _, ck := range c.http.Jar.Cookies(c.base) {
		if ck.Name != name {
			continue
		}
		if v, err := url.QueryUnescape(ck.Value); err == nil {
			return v
		}
		return ck.Value
	}
	return ""
}
