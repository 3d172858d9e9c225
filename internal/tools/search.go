package tools

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const googleSearchURL = "https://www.googleapis.com/customsearch/v1"

// SearchRequest is the input of web_search.
type SearchRequest struct {
	Query string `json:"query" desc:"Search terms" tool:"required,maxlen=512"`
}

// SearchResponse is the output of web_search.
type SearchResponse struct {
	Results string `json:"results"`
}

// WebSearch queries the Google Custom Search JSON API.
type WebSearch struct {
	client   *Client
	apiKey   string
	engineID string
	baseURL  string
	limit    int
}

// NewWebSearch creates a searcher. baseURL may be empty for the public endpoint.
func NewWebSearch(c *Client, apiKey, engineID, baseURL string) *WebSearch {
	if baseURL == "" {
		baseURL = googleSearchURL
	}
	return &WebSearch{client: c, apiKey: apiKey, engineID: engineID, baseURL: baseURL, limit: 5}
}

type googleResults struct {
	Items []struct {
		Title   string `json:"title"`
		Snippet string `json:"snippet"`
		Link    string `json:"link"`
	} `json:"items"`
}

// Search returns the formatted top results for query.
func (s *WebSearch) Search(ctx context.Context, query string) (string, error) {
	if s.apiKey == "" || s.engineID == "" {
		return "", Failed(errors.New("web search is not configured"))
	}

	q := url.Values{}
	q.Set("key", s.apiKey)
	q.Set("cx", s.engineID)
	q.Set("q", query)
	q.Set("num", fmt.Sprint(s.limit))

	var res googleResults
	if err := s.client.getJSON(ctx, s.baseURL+"?"+q.Encode(), &res); err != nil {
		return "", err
	}
	if len(res.Items) == 0 {
		return "No results found.", nil
	}

	blocks := make([]string, 0, len(res.Items))
	for _, it := range res.Items {
		blocks = append(blocks, fmt.Sprintf("Title: %s\nSnippet: %s\nURL: %s",
			strings.TrimSpace(it.Title), collapseSpace(it.Snippet), it.Link))
	}
	return strings.Join(blocks, "\n\n"), nil
}

// Tool returns the web_search handler.
func (s *WebSearch) Tool() Handler {
	return New("web_search",
		"Search the web for current information. Returns titles, snippets and URLs of the top results; follow up with fetch_url to read a page.",
		func(ctx context.Context, req SearchRequest) (SearchResponse, error) {
			out, err := s.Search(ctx, req.Query)
			if err != nil {
				return SearchResponse{}, err
			}
			return SearchResponse{Results: out}, nil
		})
}
