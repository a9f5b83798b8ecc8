package auth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"

	"github.com/j-veylop/antigravity-dispatch/internal/logger"
	"github.com/j-veylop/antigravity-dispatch/internal/models"
	"github.com/j-veylop/antigravity-dispatch/internal/services/upstream"
)

// DefaultProjectID is used when an account has no discoverable project.
const DefaultProjectID = "rising-fact-p41fc"

// ProjectContext is the project an account sends requests under.
type ProjectContext struct {
	ProjectID        string
	ManagedProjectID string
}

// Effective returns the project id to put in request envelopes.
func (p ProjectContext) Effective() string {
	if p.ManagedProjectID != "" {
		return p.ManagedProjectID
	}
	return p.ProjectID
}

// ProjectResolver discovers the Cloud Code project of an account through
// loadCodeAssist.
type ProjectResolver struct {
	client         *http.Client
	endpoints      []string
	defaultProject string
	maxTries       uint64
}

// NewProjectResolver creates a resolver. Empty endpoints use the built-in
// discovery order.
func NewProjectResolver(client *http.Client, endpoints []string, defaultProject string) *ProjectResolver {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if len(endpoints) == 0 {
		endpoints = upstream.LoadAssistEndpoints()
	}
	if defaultProject == "" {
		defaultProject = DefaultProjectID
	}
	return &ProjectResolver{
		client:         client,
		endpoints:      endpoints,
		defaultProject: defaultProject,
		maxTries:       2,
	}
}

// Resolve returns stored when it already names a project. Otherwise it asks
// loadCodeAssist and falls back to the default project when the account has
// none assigned. Transport and server failures on every endpoint are errors.
func (p *ProjectResolver) Resolve(ctx context.Context, cred models.Credential, stored ProjectContext) (ProjectContext, error) {
	if stored.Effective() != "" {
		return stored, nil
	}
	if cred.AccessToken == "" {
		return ProjectContext{}, fmt.Errorf("failed to resolve project: access token is empty")
	}

	var found string
	op := func() error {
		id, err := p.loadCodeAssist(ctx, cred.AccessToken)
		if err != nil {
			return err
		}
		found = id
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 250 * time.Millisecond
	expo.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(expo, p.maxTries-1), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return ProjectContext{}, fmt.Errorf("failed to resolve project: %w", err)
	}

	if found == "" {
		logger.Debug("no project assigned, using default", "project", p.defaultProject)
		return ProjectContext{ProjectID: p.defaultProject}, nil
	}
	return ProjectContext{ProjectID: found, ManagedProjectID: found}, nil
}

// loadCodeAssist tries each endpoint in order and returns the assigned
// project, or "" when the API answered without one.
func (p *ProjectResolver) loadCodeAssist(ctx context.Context, accessToken string) (string, error) {
	body := `{"metadata":{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}}`

	var lastErr error
	for _, endpoint := range p.endpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, upstream.LoadAssistURL(endpoint), strings.NewReader(body))
		if err != nil {
			return "", backoff.Permanent(fmt.Errorf("failed to create loadCodeAssist request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Content-Type", "application/json")
		upstream.ApplyHeaders(req.Header, models.HeaderStyleAntigravity)

		resp, err := p.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return "", backoff.Permanent(ctx.Err())
			}
			lastErr = fmt.Errorf("loadCodeAssist request failed: %w", err)
			continue
		}

		data, err := io.ReadAll(resp.Body)
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Error("failed to close response body", "error", closeErr)
		}
		if err != nil {
			lastErr = fmt.Errorf("failed to read loadCodeAssist response: %w", err)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("loadCodeAssist failed (status %d): %s", resp.StatusCode, truncate(string(data), 200))
			continue
		}

		project := gjson.GetBytes(data, "cloudaicompanionProject")
		if project.IsObject() {
			return project.Get("id").String(), nil
		}
		return project.String(), nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no loadCodeAssist endpoints configured")
	}
	return "", lastErr
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
