package projects

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned when GitHub reports no project for the given
// organization and number, either via a GraphQL errors array or a missing
// field in the response.
var ErrNotFound = errors.New("project not found")

const resolveQuery = `
query($org: String!, $projNum: Int!) {
  organization(login: $org) {
    projectV2(number: $projNum) {
      id
    }
  }
}`

const addItemMutation = `
mutation($projectId: ID!, $contentId: ID!) {
  addProjectV2ItemById(input: {projectId: $projectId, contentId: $contentId}) {
    item {
      id
    }
  }
}`

// Client issues the GraphQL calls against GitHub Projects V2. It is
// stateless; authentication headers come from the caller on every call.
type Client struct {
	graphqlURL string
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(apiBaseURL string, logger zerolog.Logger) *Client {
	return &Client{
		graphqlURL: apiBaseURL + "/graphql",
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With().Str("component", "projects").Logger(),
	}
}

// ResolveProjectNodeID looks up the GraphQL node id of a Projects V2 board
// by organization login and project number.
func (c *Client) ResolveProjectNodeID(ctx context.Context, org string, number int, headers map[string]string) (string, error) {
	var result struct {
		Data struct {
			Organization *struct {
				ProjectV2 *struct {
					ID string `json:"id"`
				} `json:"projectV2"`
			} `json:"organization"`
		} `json:"data"`
		Errors []json.RawMessage `json:"errors"`
	}

	variables := map[string]interface{}{"org": org, "projNum": number}
	if err := c.doGraphQL(ctx, resolveQuery, variables, headers, &result); err != nil {
		return "", fmt.Errorf("failed to resolve project node id: %w", err)
	}

	if len(result.Errors) > 0 {
		c.logger.Error().
			Str("org", org).
			Int("project_number", number).
			RawJSON("errors", mustMarshal(result.Errors)).
			Msg("GraphQL errors while resolving project node ID")
		return "", ErrNotFound
	}
	if result.Data.Organization == nil || result.Data.Organization.ProjectV2 == nil || result.Data.Organization.ProjectV2.ID == "" {
		c.logger.Error().
			Str("org", org).
			Int("project_number", number).
			Msg("Project not present in GraphQL response")
		return "", ErrNotFound
	}

	nodeID := result.Data.Organization.ProjectV2.ID
	c.logger.Info().
		Str("node_id", nodeID).
		Int("project_number", number).
		Msg("Resolved project node ID")
	return nodeID, nil
}

// AddItem adds a content node (an issue) to a Projects V2 board. Adding an
// item that is already on the board is idempotent on GitHub's side.
func (c *Client) AddItem(ctx context.Context, projectNodeID, contentNodeID string, headers map[string]string) error {
	var result struct {
		Data struct {
			AddProjectV2ItemByID *struct {
				Item *struct {
					ID string `json:"id"`
				} `json:"item"`
			} `json:"addProjectV2ItemById"`
		} `json:"data"`
		Errors []json.RawMessage `json:"errors"`
	}

	variables := map[string]interface{}{"projectId": projectNodeID, "contentId": contentNodeID}
	if err := c.doGraphQL(ctx, addItemMutation, variables, headers, &result); err != nil {
		return fmt.Errorf("failed to add item to project: %w", err)
	}

	if len(result.Errors) > 0 {
		return fmt.Errorf("graphql errors while adding item to project: %s", mustMarshal(result.Errors))
	}
	if result.Data.AddProjectV2ItemByID == nil || result.Data.AddProjectV2ItemByID.Item == nil || result.Data.AddProjectV2ItemByID.Item.ID == "" {
		return fmt.Errorf("add item response missing item id")
	}

	c.logger.Info().
		Str("item_id", result.Data.AddProjectV2ItemByID.Item.ID).
		Str("project_node_id", projectNodeID).
		Msg("Added item to project")
	return nil
}

func (c *Client) doGraphQL(ctx context.Context, query string, variables map[string]interface{}, headers map[string]string, out interface{}) error {
	payload, err := json.Marshal(map[string]interface{}{
		"query":     query,
		"variables": variables,
	})
	if err != nil {
		return fmt.Errorf("failed to encode graphql payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphqlURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create graphql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graphql request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("graphql request returned status %s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode graphql response: %w", err)
	}
	return nil
}

func mustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return b
}
