// Package tracker talks to the Jira Cloud REST API on behalf of the
// orchestrator.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/sumire/aidev/internal/domain"
)

// APIError is a non-2xx answer from Jira.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jira api returned %d: %s", e.Status, e.Body)
}

// JiraClient is a Jira Cloud client authenticated with an OAuth2 bearer
// token. Every call is scoped to a cloud (site) id.
type JiraClient struct {
	baseURL string
	http    *http.Client
}

// NewJiraClient returns a client for baseURL (normally
// https://api.atlassian.com) that sends token on every request.
func NewJiraClient(ctx context.Context, baseURL, token string) *JiraClient {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	return &JiraClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    oauth2.NewClient(ctx, src),
	}
}

func (c *JiraClient) issueURL(cloudID, key string, parts ...string) string {
	u := c.baseURL + "/ex/jira/" + url.PathEscape(cloudID) + "/rest/api/3/issue/" + url.PathEscape(key)
	for _, p := range parts {
		u += "/" + p
	}
	return u
}

func (c *JiraClient) do(ctx context.Context, method, u string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode jira request: %w", err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return fmt.Errorf("build jira request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("jira %s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode jira response: %w", err)
	}
	return nil
}

type issueResponse struct {
	Key    string `json:"key"`
	Fields struct {
		Summary     string          `json:"summary"`
		Description json.RawMessage `json:"description"`
		Labels      []string        `json:"labels"`
		IssueType   struct {
			Name string `json:"name"`
		} `json:"issuetype"`
		Comment struct {
			Comments []commentResponse `json:"comments"`
		} `json:"comment"`
	} `json:"fields"`
}

type commentResponse struct {
	ID     string `json:"id"`
	Author struct {
		AccountID string `json:"accountId"`
	} `json:"author"`
	Body json.RawMessage `json:"body"`
}

// GetIssue fetches the fields the orchestrator needs, with comments
// flattened to plain text.
func (c *JiraClient) GetIssue(ctx context.Context, cloudID, key string) (*domain.Ticket, error) {
	var resp issueResponse
	u := c.issueURL(cloudID, key) + "?fields=summary,description,issuetype,labels,comment"
	if err := c.do(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return nil, fmt.Errorf("get issue %s: %w", key, err)
	}

	t := &domain.Ticket{
		Key:         resp.Key,
		Summary:     resp.Fields.Summary,
		Description: PlainText(resp.Fields.Description),
		IssueType:   resp.Fields.IssueType.Name,
		Labels:      resp.Fields.Labels,
	}
	for _, cm := range resp.Fields.Comment.Comments {
		t.Comments = append(t.Comments, domain.TicketComment{
			ID:              cm.ID,
			AuthorAccountID: cm.Author.AccountID,
			Body:            PlainText(cm.Body),
		})
	}
	return t, nil
}

// AddComment posts text as a comment and returns the new comment id.
func (c *JiraClient) AddComment(ctx context.Context, cloudID, key, text string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	body := map[string]any{"body": ADFDocument(text)}
	if err := c.do(ctx, http.MethodPost, c.issueURL(cloudID, key, "comment"), body, &resp); err != nil {
		return "", fmt.Errorf("add comment to %s: %w", key, err)
	}
	return resp.ID, nil
}

// GetTransitions lists the workflow transitions available on the issue.
func (c *JiraClient) GetTransitions(ctx context.Context, cloudID, key string) ([]domain.Transition, error) {
	var resp struct {
		Transitions []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
			To   struct {
				Name string `json:"name"`
			} `json:"to"`
		} `json:"transitions"`
	}
	if err := c.do(ctx, http.MethodGet, c.issueURL(cloudID, key, "transitions"), nil, &resp); err != nil {
		return nil, fmt.Errorf("get transitions of %s: %w", key, err)
	}

	out := make([]domain.Transition, 0, len(resp.Transitions))
	for _, t := range resp.Transitions {
		out = append(out, domain.Transition{ID: t.ID, Name: t.Name, ToStatus: t.To.Name})
	}
	return out, nil
}

// TransitionIssue applies a transition by id.
func (c *JiraClient) TransitionIssue(ctx context.Context, cloudID, key, transitionID string) error {
	body := map[string]any{"transition": map[string]string{"id": transitionID}}
	if err := c.do(ctx, http.MethodPost, c.issueURL(cloudID, key, "transitions"), body, nil); err != nil {
		return fmt.Errorf("transition %s: %w", key, err)
	}
	return nil
}

// TransitionToStatus applies the first transition leading to status
// (matched case-insensitively against target status and transition name).
func (c *JiraClient) TransitionToStatus(ctx context.Context, cloudID, key, status string) error {
	transitions, err := c.GetTransitions(ctx, cloudID, key)
	if err != nil {
		return err
	}
	for _, t := range transitions {
		if strings.EqualFold(t.ToStatus, status) || strings.EqualFold(t.Name, status) {
			return c.TransitionIssue(ctx, cloudID, key, t.ID)
		}
	}
	return fmt.Errorf("no transition of %s leads to %q: %w", key, status, domain.ErrNotFound)
}

func (c *JiraClient) editLabels(ctx context.Context, cloudID, key, op, label string) error {
	body := map[string]any{
		"update": map[string]any{
			"labels": []map[string]string{{op: label}},
		},
	}
	return c.do(ctx, http.MethodPut, c.issueURL(cloudID, key), body, nil)
}

// AddLabel adds label to the issue.
func (c *JiraClient) AddLabel(ctx context.Context, cloudID, key, label string) error {
	if err := c.editLabels(ctx, cloudID, key, "add", label); err != nil {
		return fmt.Errorf("add label %s to %s: %w", label, key, err)
	}
	return nil
}

// RemoveLabel removes label from the issue.
func (c *JiraClient) RemoveLabel(ctx context.Context, cloudID, key, label string) error {
	if err := c.editLabels(ctx, cloudID, key, "remove", label); err != nil {
		return fmt.Errorf("remove label %s from %s: %w", label, key, err)
	}
	return nil
}
