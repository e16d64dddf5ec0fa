package ocm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Client posts shares and notifications to remote federation endpoints.
// The remote host comes from the recipient's cloud id; endpoint discovery
// is a fixed path convention.
type Client struct {
	http   *http.Client
	scheme string
	logger *slog.Logger
}

// NewClient creates a federation client. The http.Client must carry a
// timeout: remote servers are untrusted and may stall. scheme is "https"
// outside of test deployments.
func NewClient(httpClient *http.Client, scheme string, logger *slog.Logger) *Client {
	return &Client{http: httpClient, scheme: scheme, logger: logger}
}

// CreateShare delivers a new share to the recipient's server. Anything but
// a 201 means the remote did not commit the share.
func (c *Client) CreateShare(ctx context.Context, host string, share Share) error {
	status, err := c.post(ctx, host, "/ocm/shares", share)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return fmt.Errorf("remote %s rejected share: status %d", host, status)
	}
	return nil
}

// SendNotification delivers a federation notification. Any 2xx counts as
// delivered.
func (c *Client) SendNotification(ctx context.Context, host string, n Notification) error {
	status, err := c.post(ctx, host, "/ocm/notifications", n)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("remote %s rejected notification: status %d", host, status)
	}
	return nil
}

func (c *Client) post(ctx context.Context, host, path string, body any) (int, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encode federation payload: %w", err)
	}

	url := c.scheme + "://" + host + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return 0, fmt.Errorf("build federation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("posting federation payload", "url", url)
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post to %s: %w", url, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
