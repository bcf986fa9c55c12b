// Package fabric is the client for the session-management service.
package fabric

import (
	"context"
	"fmt"
	"net/url"

	"github.com/yairfalse/reclaim/internal/collector"
	"github.com/yairfalse/reclaim/internal/sources/rest"
)

const (
	sessionsPath = "/api/v1/sessions"
	validityPath = "/api/v1/sessions/validity"
)

// Client implements collector.SessionClient over the service's REST API.
type Client struct {
	rest *rest.Client
}

// New creates a session-service client.
func New(baseURL string, opts ...rest.Option) *Client {
	return &Client{rest: rest.New(baseURL, opts...)}
}

// GetSessionsByOwner lists every session reserved by owner.
func (c *Client) GetSessionsByOwner(ctx context.Context, ownerID string) ([]collector.Session, error) {
	var sessions []collector.Session
	if err := c.rest.Get(ctx, sessionsPath, url.Values{"owner": {ownerID}}, &sessions); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

type validityRequest struct {
	IDs []string `json:"ids"`
}

type validityResponse struct {
	Results map[string]bool `json:"results"`
}

// AreSessionsStillValid asks whether each id still exists. Ids the service
// leaves out of its answer are reported as not valid.
func (c *Client) AreSessionsStillValid(ctx context.Context, ids []string) (map[string]bool, error) {
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}

	var resp validityResponse
	if err := c.rest.Post(ctx, validityPath, validityRequest{IDs: ids}, &resp); err != nil {
		return nil, fmt.Errorf("check session validity: %w", err)
	}

	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = resp.Results[id]
	}
	return out, nil
}
