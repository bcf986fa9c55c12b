package collector

import (
	"context"
	"time"
)

// Row is one record returned by a time-series query, column name -> value.
type Row map[string]any

// QueryIssuer runs a query against a time-series endpoint.
// The caller owns the query text; the issuer owns transport and retries.
type QueryIssuer interface {
	Issue(ctx context.Context, endpoint, database, query string) ([]Row, error)
}

// SessionStatus is the lifecycle state reported by the session service.
type SessionStatus string

const (
	SessionCreating SessionStatus = "Creating"
	SessionActive   SessionStatus = "Active"
	SessionExpired  SessionStatus = "Expired"
)

// Session is a test session (node reservation) as the session service reports it.
type Session struct {
	ID          string        `json:"id"`
	CreatedTime time.Time     `json:"createdTime"`
	Cluster     string        `json:"cluster"`
	NodeID      string        `json:"nodeId,omitempty"`
	Status      SessionStatus `json:"status"`
}

// SessionClient is the session-management service as used for discovery.
type SessionClient interface {
	GetSessionsByOwner(ctx context.Context, ownerID string) ([]Session, error)
	AreSessionsStillValid(ctx context.Context, ids []string) (map[string]bool, error)
}

// ResourceGroup is a cloud resource group as one subscription reports it.
type ResourceGroup struct {
	Name           string
	ID             string
	SubscriptionID string
	CreatedDate    time.Time
	ExpirationDate time.Time
	Tags           map[string]string
}

// ResourceGroupEnumerator lists the resource groups of a single subscription.
type ResourceGroupEnumerator interface {
	SubscriptionID() string
	GetAllResourceGroups(ctx context.Context) ([]ResourceGroup, error)
}

// Template is a remediation experiment template.
type Template struct {
	ID         string            `json:"id" yaml:"id"`
	Name       string            `json:"name" yaml:"name"`
	OwnerTeam  string            `json:"ownerTeam" yaml:"owner_team"`
	Parameters map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Definition map[string]any    `json:"definition,omitempty" yaml:"definition,omitempty"`
}

// TemplateStore fetches remediation templates.
type TemplateStore interface {
	GetTemplate(ctx context.Context, templateID, ownerTeam string) (*Template, error)
}

// LaunchResponse is the remediation service's answer to a launch request.
type LaunchResponse struct {
	Success    bool   `json:"success"`
	LaunchedID string `json:"experimentId"`
	Message    string `json:"message,omitempty"`
}

// RemediationClient launches remediation experiments.
type RemediationClient interface {
	LaunchFromTemplate(ctx context.Context, tmpl *Template, overrides map[string]string) (*LaunchResponse, error)
}
