package projects

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testHeaders = map[string]string{
	"Accept":               "application/vnd.github+json",
	"Authorization":        "Bearer ghs_test",
	"X-GitHub-Api-Version": "2022-11-28",
}

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

func newGraphQLServer(t *testing.T, status int, response string, captured *[]graphqlRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/graphql", r.URL.Path)
		assert.Equal(t, "Bearer ghs_test", r.Header.Get("Authorization"))

		var req graphqlRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if captured != nil {
			*captured = append(*captured, req)
		}

		w.WriteHeader(status)
		w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestResolveProjectNodeID(t *testing.T) {
	var captured []graphqlRequest
	srv := newGraphQLServer(t, http.StatusOK,
		`{"data": {"organization": {"projectV2": {"id": "PVT_kwDOA1"}}}}`, &captured)
	client := NewClient(srv.URL, zerolog.Nop())

	nodeID, err := client.ResolveProjectNodeID(context.Background(), "acme", 7, testHeaders)
	require.NoError(t, err)
	assert.Equal(t, "PVT_kwDOA1", nodeID)

	require.Len(t, captured, 1)
	assert.Equal(t, "acme", captured[0].Variables["org"])
	assert.Equal(t, float64(7), captured[0].Variables["projNum"])
}

func TestResolveProjectNodeIDGraphQLErrors(t *testing.T) {
	srv := newGraphQLServer(t, http.StatusOK,
		`{"errors": [{"message": "Could not resolve to an Organization"}]}`, nil)
	client := NewClient(srv.URL, zerolog.Nop())

	_, err := client.ResolveProjectNodeID(context.Background(), "acme", 7, testHeaders)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolveProjectNodeIDMissingField(t *testing.T) {
	srv := newGraphQLServer(t, http.StatusOK, `{"data": {"organization": null}}`, nil)
	client := NewClient(srv.URL, zerolog.Nop())

	_, err := client.ResolveProjectNodeID(context.Background(), "acme", 7, testHeaders)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolveProjectNodeIDHTTPError(t *testing.T) {
	srv := newGraphQLServer(t, http.StatusBadGateway, `bad gateway`, nil)
	client := NewClient(srv.URL, zerolog.Nop())

	_, err := client.ResolveProjectNodeID(context.Background(), "acme", 7, testHeaders)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestAddItem(t *testing.T) {
	var captured []graphqlRequest
	srv := newGraphQLServer(t, http.StatusOK,
		`{"data": {"addProjectV2ItemById": {"item": {"id": "PVTI_1"}}}}`, &captured)
	client := NewClient(srv.URL, zerolog.Nop())

	err := client.AddItem(context.Background(), "PVT_kwDOA1", "I_node1", testHeaders)
	require.NoError(t, err)

	require.Len(t, captured, 1)
	assert.Equal(t, "PVT_kwDOA1", captured[0].Variables["projectId"])
	assert.Equal(t, "I_node1", captured[0].Variables["contentId"])
}

func TestAddItemMissingItemField(t *testing.T) {
	srv := newGraphQLServer(t, http.StatusOK, `{"data": {}}`, nil)
	client := NewClient(srv.URL, zerolog.Nop())

	err := client.AddItem(context.Background(), "PVT_kwDOA1", "I_node1", testHeaders)
	require.Error(t, err)
}

func TestAddItemGraphQLErrors(t *testing.T) {
	srv := newGraphQLServer(t, http.StatusOK,
		`{"errors": [{"message": "Content already exists"}]}`, nil)
	client := NewClient(srv.URL, zerolog.Nop())

	err := client.AddItem(context.Background(), "PVT_kwDOA1", "I_node1", testHeaders)
	require.Error(t, err)
}

func TestAddItemHTTPError(t *testing.T) {
	srv := newGraphQLServer(t, http.StatusServiceUnavailable, `unavailable`, nil)
	client := NewClient(srv.URL, zerolog.Nop())

	err := client.AddItem(context.Background(), "PVT_kwDOA1", "I_node1", testHeaders)
	require.Error(t, err)
}
