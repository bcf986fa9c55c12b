// Package experiments talks to the experiment service that runs
// remediation templates.
package experiments

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/yairfalse/reclaim/internal/collector"
	"github.com/yairfalse/reclaim/internal/sources/rest"
)

// ErrTemplateNotFound is returned when no template matches the request.
var ErrTemplateNotFound = errors.New("template not found")

// Client implements collector.RemediationClient and collector.TemplateStore.
type Client struct {
	rest *rest.Client
}

// New creates an experiment-service client.
func New(baseURL string, opts ...rest.Option) *Client {
	return &Client{rest: rest.New(baseURL, opts...)}
}

// GetTemplate fetches a template owned by ownerTeam.
func (c *Client) GetTemplate(ctx context.Context, templateID, ownerTeam string) (*collector.Template, error) {
	if templateID == "" {
		return nil, fmt.Errorf("%w: empty template id", ErrTemplateNotFound)
	}

	var tmpl collector.Template
	path := "/api/v1/templates/" + url.PathEscape(templateID)
	if err := c.rest.Get(ctx, path, url.Values{"team": {ownerTeam}}, &tmpl); err != nil {
		var serr *rest.StatusError
		if errors.As(err, &serr) && serr.StatusCode == 404 {
			return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, templateID)
		}
		return nil, err
	}
	if tmpl.ID == "" {
		tmpl.ID = templateID
	}
	return &tmpl, nil
}

type launchRequest struct {
	TemplateID         string            `json:"templateId"`
	OwnerTeam          string            `json:"ownerTeam"`
	Definition         map[string]any    `json:"definition,omitempty"`
	OverrideParameters map[string]string `json:"overrideParameters"`
}

// LaunchFromTemplate starts one experiment from tmpl with overrides applied.
func (c *Client) LaunchFromTemplate(ctx context.Context, tmpl *collector.Template, overrides map[string]string) (*collector.LaunchResponse, error) {
	if tmpl == nil {
		return nil, errors.New("launch requires a template")
	}

	req := launchRequest{
		TemplateID:         tmpl.ID,
		OwnerTeam:          tmpl.OwnerTeam,
		Definition:         tmpl.Definition,
		OverrideParameters: overrides,
	}

	var resp collector.LaunchResponse
	if err := c.rest.Post(ctx, "/api/v1/experiments", req, &resp); err != nil {
		return nil, fmt.Errorf("launch %s: %w", tmpl.ID, err)
	}
	return &resp, nil
}
