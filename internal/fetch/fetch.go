// Package fetch is the HTTP retrieval client used for job payloads,
// version markers and update artifacts. It makes exactly one attempt
// per call, retry policy belongs to the caller.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const (
	DefaultConnectTimeout  = 30 * time.Second
	DefaultTransferTimeout = 30 * time.Minute
)

// Client wraps http.Client with split timeouts: a short one for
// establishing the connection, so dead endpoints fail fast, and a long
// one bounding the whole transfer, so large payloads still fit.
type Client struct {
	client *http.Client
}

func New(connectTimeout, transferTimeout time.Duration) *Client {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	if transferTimeout <= 0 {
		transferTimeout = DefaultTransferTimeout
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: connectTimeout,
		}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: connectTimeout,
	}
	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   transferTimeout,
		},
	}
}

// CloseIdleConnections drops kept-alive connections, so a stopped
// agent leaves no transport goroutine behind.
func (c *Client) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}

// Fetch retrieves url into memory. Any network failure or non-2xx
// status is a retrieval error.
func (c *Client) Fetch(ctx context.Context, url string) ([]byte, error) {
	body, err := c.open(ctx, url)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = body.Close()
	}()

	b, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	return b, nil
}

// FetchTo streams url into w and returns the number of bytes written.
func (c *Client) FetchTo(ctx context.Context, url string, w io.Writer) (int64, error) {
	body, err := c.open(ctx, url)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = body.Close()
	}()

	n, err := io.Copy(w, body)
	if err != nil {
		return n, fmt.Errorf("reading %s: %w", url, err)
	}
	return n, nil
}

func (c *Client) open(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request for %s: %w", url, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("fetching %s: unexpected status %d", url, resp.StatusCode)
	}
	return resp.Body, nil
}
