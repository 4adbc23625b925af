package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/samsaffron/chatrelay/internal/llm"
)

// WebSearchTool queries the Brave search API.
type WebSearchTool struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewWebSearchTool(endpoint, apiKey string) *WebSearchTool {
	if endpoint == "" {
		endpoint = "https://api.search.brave.com/res/v1/web/search"
	}
	return &WebSearchTool{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *WebSearchTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        "web_search",
		Description: "Search the web for current information. Use for questions about recent events or facts you are unsure of.",
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "The search query",
				},
				"max_results": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum results to return (default 5)",
				},
			},
			"required": []string{"query"},
		},
	}
}

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

func (t *WebSearchTool) Run(ctx context.Context, args map[string]interface{}, userID, convID string) (map[string]interface{}, error) {
	query, _ := args["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("web_search requires a query")
	}
	maxResults := 5
	if n, ok := args["max_results"].(float64); ok && n > 0 {
		maxResults = int(n)
	}

	req, err := http.NewRequestWithContext(ctx, "GET",
		t.endpoint+"?q="+url.QueryEscape(query)+fmt.Sprintf("&count=%d", maxResults), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if t.apiKey != "" {
		req.Header.Set("X-Subscription-Token", t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("search error (status %d)", resp.StatusCode)
	}

	var parsed braveResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("parse search response: %w", err)
	}

	results := make([]interface{}, 0, len(parsed.Web.Results))
	for i, r := range parsed.Web.Results {
		if i >= maxResults {
			break
		}
		results = append(results, map[string]interface{}{
			"title":   r.Title,
			"url":     r.URL,
			"snippet": r.Description,
		})
	}
	return map[string]interface{}{
		"query":   query,
		"results": results,
	}, nil
}
