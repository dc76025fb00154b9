package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jirabot/jirabot/internal/types"
)

func TestParseIssue(t *testing.T) {
	raw := json.RawMessage(`{
		"id": "10042",
		"key": "OPS-42",
		"fields": {
			"summary": "VPN drops every hour",
			"description": {
				"type": "doc", "version": 1,
				"content": [
					{"type": "paragraph", "content": [{"type": "text", "text": "First line."}]},
					{"type": "paragraph", "content": [{"type": "text", "text": "Second line."}]}
				]
			},
			"status": {"name": "In Progress"},
			"assignee": {"displayName": "Dana Ortiz"},
			"labels": ["vpn", "network"],
			"created": "2026-07-01T09:30:00.000+0000",
			"updated": "2026-08-10T14:00:00.000+0000",
			"customfield_10001": "High",
			"ignored_null": null
		}
	}`)

	ticket, err := ParseIssue(raw)
	require.NoError(t, err)
	assert.Equal(t, "OPS-42", ticket.Key)
	assert.Equal(t, int64(10042), ticket.ID)
	assert.Equal(t, "VPN drops every hour", ticket.Summary)
	assert.Equal(t, "First line.\nSecond line.", ticket.Description)
	assert.Equal(t, "In Progress", ticket.Status)
	assert.Equal(t, "Dana Ortiz", ticket.Assignee)
	assert.Equal(t, []string{"vpn", "network"}, ticket.Labels)
	assert.Equal(t, 2026, ticket.UpdatedAt.Year())
	assert.Equal(t, "High", ticket.CustomFields["customfield_10001"])
	_, hasNull := ticket.CustomFields["ignored_null"]
	assert.False(t, hasNull)
	assert.NotEmpty(t, ticket.Raw)
}

func TestParseIssueMissingKey(t *testing.T) {
	_, err := ParseIssue(json.RawMessage(`{"id": "1", "fields": {}}`))
	assert.Error(t, err)
}

func TestParseIssueTolerantOfOddShapes(t *testing.T) {
	ticket, err := ParseIssue(json.RawMessage(`{
		"key": "OPS-1",
		"fields": {
			"status": "not-an-object",
			"assignee": null,
			"labels": "not-a-list",
			"updated": 12345
		}
	}`))
	require.NoError(t, err)
	assert.Empty(t, ticket.Status)
	assert.Empty(t, ticket.Assignee)
	assert.Empty(t, ticket.Labels)
	assert.True(t, ticket.UpdatedAt.IsZero())
}

func TestFlattenDescriptionString(t *testing.T) {
	assert.Equal(t, "plain text", FlattenDescription("plain text"))
	assert.Equal(t, "", FlattenDescription(nil))
	assert.Equal(t, "", FlattenDescription(42))
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{429, true},
		{500, true},
		{502, true},
		{503, true},
		{400, false},
		{401, false},
		{404, false},
		{409, false},
	}
	for _, tt := range tests {
		err := classifyStatus("op", tt.status, "detail")
		assert.Equal(t, tt.transient, IsTransient(err), "status %d", tt.status)
		assert.Equal(t, !tt.transient, IsPermanent(err), "status %d", tt.status)
	}
}

func TestSearchTicketsPaginates(t *testing.T) {
	pages := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/rest/api/3/search", r.URL.Path)
		pages++
		startAt := r.URL.Query().Get("startAt")
		var issues string
		switch startAt {
		case "0":
			issues = `[{"key": "OPS-1", "fields": {"summary": "a"}}, {"key": "OPS-2", "fields": {"summary": "b"}}]`
		default:
			issues = `[{"key": "OPS-3", "fields": {"summary": "c"}}]`
		}
		fmt.Fprintf(w, `{"startAt": %s, "total": 3, "issues": %s}`, startAt, issues)
	}))
	defer server.Close()

	client := NewJiraClient(server.URL, "bot@example.com", "token", "", nil)
	client.HTTPClient = server.Client()

	// Page size is 100; force two pages by capping results server-side.
	tickets, err := client.SearchTickets(context.Background(), Query{JQL: "statusCategory != Done"})
	require.NoError(t, err)
	require.Len(t, tickets, 3)
	assert.Equal(t, "OPS-1", tickets[0].Key)
	assert.Equal(t, "OPS-3", tickets[2].Key)
	assert.Equal(t, 2, pages)
}

func TestApplyAddLabel(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/rest/api/3/issue/OPS-1", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewJiraClient(server.URL, "bot@example.com", "token", "", nil)
	client.HTTPClient = server.Client()

	req := types.NewActionRequest(types.ActionAddLabel, "OPS-1", types.ActionPayload{Label: "stale"}, "")
	require.NoError(t, client.Apply(context.Background(), req))
	assert.Contains(t, gotBody, "update")
}

func TestApplyErrorClassification(t *testing.T) {
	status := 429
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer server.Close()

	client := NewJiraClient(server.URL, "", "", "pat-token", nil)
	client.HTTPClient = server.Client()
	req := types.NewActionRequest(types.ActionAddComment, "OPS-1",
		types.ActionPayload{CommentBody: "ping"}, "")

	err := client.Apply(context.Background(), req)
	assert.True(t, IsTransient(err))

	status = 400
	err = client.Apply(context.Background(), req)
	assert.True(t, IsPermanent(err))
}

func TestApplyRejectsInvalidRequest(t *testing.T) {
	client := NewJiraClient("http://localhost:0", "", "", "", nil)
	err := client.Apply(context.Background(), types.ActionRequest{Kind: types.ActionAddComment})
	assert.True(t, IsPermanent(err))
}
