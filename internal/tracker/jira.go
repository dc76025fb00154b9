package tracker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jirabot/jirabot/internal/types"
)

const (
	defaultMaxResults = 1000
	pageSize          = 100
	requestTimeout    = 30 * time.Second
)

// JiraClient implements Client against the Jira Cloud / Server REST API.
// Cloud uses Basic auth (email + API token); Server/DC uses a bearer PAT.
type JiraClient struct {
	BaseURL     string
	Email       string
	APIToken    string
	BearerToken string
	HTTPClient  *http.Client
	log         *slog.Logger
}

// NewJiraClient builds a client. Basic auth wins when both credential
// styles are configured.
func NewJiraClient(baseURL, email, apiToken, bearerToken string, log *slog.Logger) *JiraClient {
	if log == nil {
		log = slog.Default()
	}
	return &JiraClient{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		Email:       email,
		APIToken:    apiToken,
		BearerToken: bearerToken,
		HTTPClient:  &http.Client{Timeout: requestTimeout},
		log:         log,
	}
}

func (c *JiraClient) authorize(req *http.Request) {
	switch {
	case c.Email != "" && c.APIToken != "":
		creds := base64.StdEncoding.EncodeToString([]byte(c.Email + ":" + c.APIToken))
		req.Header.Set("Authorization", "Basic "+creds)
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "jirabot/1.0")
}

// do issues one request and decodes a 2xx JSON body into out (when out is
// non-nil). Non-2xx responses are classified transient/permanent.
func (c *JiraClient) do(ctx context.Context, op, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &PermanentError{Op: op, Err: fmt.Errorf("encoding request: %w", err)}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return &PermanentError{Op: op, Err: err}
	}
	c.authorize(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return classifyNetErr(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		return classifyStatus(op, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &PermanentError{Op: op, Err: fmt.Errorf("decoding response: %w", err)}
		}
	}
	return nil
}

// Probe verifies connectivity and credentials. Used by the doctor command
// and the health endpoint.
func (c *JiraClient) Probe(ctx context.Context) (string, error) {
	var me struct {
		DisplayName string `json:"displayName"`
	}
	if err := c.do(ctx, "myself", http.MethodGet, "/rest/api/3/myself", nil, &me); err != nil {
		return "", err
	}
	return me.DisplayName, nil
}

type searchResponse struct {
	StartAt int               `json:"startAt"`
	Total   int               `json:"total"`
	Issues  []json.RawMessage `json:"issues"`
}

// SearchTickets pages through the search endpoint in batches of 100 and
// normalizes each issue. A malformed issue in a page is skipped with a
// warning rather than failing the whole search.
func (c *JiraClient) SearchTickets(ctx context.Context, q Query) ([]types.Ticket, error) {
	maxResults := q.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}

	var tickets []types.Ticket
	startAt := 0
	for len(tickets) < maxResults {
		limit := pageSize
		if remaining := maxResults - len(tickets); remaining < limit {
			limit = remaining
		}
		path := fmt.Sprintf("/rest/api/3/search?jql=%s&startAt=%d&maxResults=%d",
			url.QueryEscape(q.JQL), startAt, limit)

		var page searchResponse
		if err := c.do(ctx, "search", http.MethodGet, path, nil, &page); err != nil {
			return nil, err
		}
		if len(page.Issues) == 0 {
			break
		}
		for _, raw := range page.Issues {
			ticket, err := ParseIssue(raw)
			if err != nil {
				c.log.Warn("skipping malformed issue in search page", "error", err)
				continue
			}
			tickets = append(tickets, ticket)
		}
		startAt += len(page.Issues)
		if page.Total > 0 && startAt >= page.Total {
			break
		}
	}
	return tickets, nil
}

type jiraField struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Custom bool   `json:"custom"`
	Schema struct {
		Type string `json:"type"`
	} `json:"schema"`
}

// AllFields returns every field descriptor the instance knows.
func (c *JiraClient) AllFields(ctx context.Context) ([]types.FieldDescriptor, error) {
	var fields []jiraField
	if err := c.do(ctx, "fields", http.MethodGet, "/rest/api/3/field", nil, &fields); err != nil {
		return nil, err
	}
	out := make([]types.FieldDescriptor, 0, len(fields))
	for _, f := range fields {
		out = append(out, types.FieldDescriptor{
			ID:     f.ID,
			Name:   f.Name,
			Custom: f.Custom,
			Type:   f.Schema.Type,
		})
	}
	return out, nil
}

// Apply executes one mutation request.
func (c *JiraClient) Apply(ctx context.Context, req types.ActionRequest) error {
	if err := req.Validate(); err != nil {
		return &PermanentError{Op: string(req.Kind), Err: err}
	}
	switch req.Kind {
	case types.ActionAddComment:
		return c.addComment(ctx, req.TicketKey, req.Payload.CommentBody)
	case types.ActionAddLabel:
		return c.addLabel(ctx, req.TicketKey, req.Payload.Label)
	case types.ActionTransition:
		return c.transition(ctx, req.TicketKey, req.Payload.Transition)
	case types.ActionCreateField:
		return c.createField(ctx, *req.Payload.Field)
	}
	return &PermanentError{Op: string(req.Kind), Err: fmt.Errorf("unsupported action kind")}
}

func (c *JiraClient) addComment(ctx context.Context, key, body string) error {
	payload := map[string]any{
		"body": map[string]any{
			"type":    "doc",
			"version": 1,
			"content": []any{
				map[string]any{
					"type": "paragraph",
					"content": []any{
						map[string]any{"type": "text", "text": body},
					},
				},
			},
		},
	}
	return c.do(ctx, "add_comment", http.MethodPost,
		"/rest/api/3/issue/"+key+"/comment", payload, nil)
}

func (c *JiraClient) addLabel(ctx context.Context, key, label string) error {
	payload := map[string]any{
		"update": map[string]any{
			"labels": []any{map[string]any{"add": label}},
		},
	}
	return c.do(ctx, "add_label", http.MethodPut, "/rest/api/3/issue/"+key, payload, nil)
}

func (c *JiraClient) transition(ctx context.Context, key, target string) error {
	var available struct {
		Transitions []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"transitions"`
	}
	if err := c.do(ctx, "transitions", http.MethodGet,
		"/rest/api/3/issue/"+key+"/transitions", nil, &available); err != nil {
		return err
	}
	for _, t := range available.Transitions {
		if strings.EqualFold(t.Name, target) {
			payload := map[string]any{"transition": map[string]any{"id": t.ID}}
			return c.do(ctx, "transition", http.MethodPost,
				"/rest/api/3/issue/"+key+"/transitions", payload, nil)
		}
	}
	return &PermanentError{
		Op:  "transition",
		Err: fmt.Errorf("no transition named %q available from current status", target),
	}
}

// jiraFieldTypes maps our field-type vocabulary to Jira's custom field
// type keys.
var jiraFieldTypes = map[string]string{
	"select":      "com.atlassian.jira.plugin.system.customfieldtypes:select",
	"multiselect": "com.atlassian.jira.plugin.system.customfieldtypes:multiselect",
	"text":        "com.atlassian.jira.plugin.system.customfieldtypes:textfield",
	"textarea":    "com.atlassian.jira.plugin.system.customfieldtypes:textarea",
	"number":      "com.atlassian.jira.plugin.system.customfieldtypes:float",
	"date":        "com.atlassian.jira.plugin.system.customfieldtypes:datepicker",
}

func (c *JiraClient) createField(ctx context.Context, spec types.FieldSpec) error {
	fieldType, ok := jiraFieldTypes[strings.ToLower(spec.Type)]
	if !ok {
		fieldType = jiraFieldTypes["text"]
	}
	searcher := "com.atlassian.jira.plugin.system.customfieldtypes:textsearcher"
	switch {
	case strings.Contains(fieldType, "select"):
		searcher = "com.atlassian.jira.plugin.system.customfieldtypes:multiselectsearcher"
	case strings.Contains(fieldType, "date"):
		searcher = "com.atlassian.jira.plugin.system.customfieldtypes:daterange"
	case strings.Contains(fieldType, "float"):
		searcher = "com.atlassian.jira.plugin.system.customfieldtypes:exactnumber"
	}

	description := spec.Description
	if description == "" {
		description = "Custom field: " + spec.Name
	}
	payload := map[string]any{
		"name":        spec.Name,
		"description": description,
		"type":        fieldType,
		"searcherKey": searcher,
	}
	return c.do(ctx, "create_field", http.MethodPost, "/rest/api/3/field", payload, nil)
}

// ParseIssue normalizes one raw Jira issue payload into a Ticket. The raw
// payload is retained for audit. Missing or oddly-shaped fields become
// zero values; only a missing key is an error.
func ParseIssue(raw json.RawMessage) (types.Ticket, error) {
	var issue struct {
		ID     string         `json:"id"`
		Key    string         `json:"key"`
		Fields map[string]any `json:"fields"`
	}
	if err := json.Unmarshal(raw, &issue); err != nil {
		return types.Ticket{}, fmt.Errorf("parsing issue: %w", err)
	}
	if issue.Key == "" {
		return types.Ticket{}, fmt.Errorf("issue has no key")
	}

	ticket := types.Ticket{
		Key: issue.Key,
		Raw: raw,
	}
	if id, err := strconv.ParseInt(issue.ID, 10, 64); err == nil {
		ticket.ID = id
	}

	fields := issue.Fields
	ticket.Summary, _ = fields["summary"].(string)
	ticket.Description = FlattenDescription(fields["description"])
	if status, ok := fields["status"].(map[string]any); ok {
		ticket.Status, _ = status["name"].(string)
	}
	if assignee, ok := fields["assignee"].(map[string]any); ok {
		if name, ok := assignee["displayName"].(string); ok {
			ticket.Assignee = name
		}
	}
	if labels, ok := fields["labels"].([]any); ok {
		for _, l := range labels {
			if s, ok := l.(string); ok {
				ticket.Labels = append(ticket.Labels, s)
			}
		}
	}
	ticket.CreatedAt = parseJiraTime(fields["created"])
	ticket.UpdatedAt = parseJiraTime(fields["updated"])

	// Everything else lands in the custom field bag for the rules.
	consumed := map[string]bool{
		"summary": true, "description": true, "status": true,
		"assignee": true, "labels": true, "created": true, "updated": true,
	}
	for k, v := range fields {
		if !consumed[k] && v != nil {
			if ticket.CustomFields == nil {
				ticket.CustomFields = make(map[string]any)
			}
			ticket.CustomFields[k] = v
		}
	}
	return ticket, nil
}

// FlattenDescription extracts plain text from either a string description
// (Server) or an Atlassian Document Format tree (Cloud).
func FlattenDescription(v any) string {
	switch desc := v.(type) {
	case string:
		return desc
	case map[string]any:
		var sb strings.Builder
		flattenADF(desc, &sb)
		return strings.TrimSpace(sb.String())
	}
	return ""
}

func flattenADF(node map[string]any, sb *strings.Builder) {
	if text, ok := node["text"].(string); ok {
		sb.WriteString(text)
	}
	if nodeType, _ := node["type"].(string); nodeType == "paragraph" {
		defer sb.WriteString("\n")
	}
	if content, ok := node["content"].([]any); ok {
		for _, child := range content {
			if childMap, ok := child.(map[string]any); ok {
				flattenADF(childMap, sb)
			}
		}
	}
}

var jiraTimeFormats = []string{
	"2006-01-02T15:04:05.000-0700",
	time.RFC3339,
	"2006-01-02",
}

func parseJiraTime(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	for _, layout := range jiraTimeFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
