package tools

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

const (
	bskyAPIURL         = "https://public.api.bsky.app"
	bskyThreadDepth    = 10
	bskyMaxThreadChars = 20000
)

// BlueskyRequest is the input of fetch_bluesky.
type BlueskyRequest struct {
	URL string `json:"url" desc:"A bsky.app post link: https://bsky.app/profile/{handle}/post/{id}" tool:"required"`
}

// BlueskyResponse is the output of fetch_bluesky.
type BlueskyResponse struct {
	Thread string `json:"thread"`
}

// Bluesky reads public post threads through the Bluesky AppView API.
type Bluesky struct {
	client  *Client
	baseURL string
}

// NewBluesky creates the thread reader. baseURL may be empty for the
// public AppView.
func NewBluesky(c *Client, baseURL string) *Bluesky {
	if baseURL == "" {
		baseURL = bskyAPIURL
	}
	return &Bluesky{client: c, baseURL: strings.TrimRight(baseURL, "/")}
}

type threadNode struct {
	Post *struct {
		Author struct {
			Handle string `json:"handle"`
		} `json:"author"`
		Record struct {
			Text string `json:"text"`
		} `json:"record"`
	} `json:"post"`
	Replies []threadNode `json:"replies"`
}

// parsePostURL splits https://bsky.app/profile/{handle}/post/{rkey}.
func parsePostURL(raw string) (handle, rkey string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", "", InvalidArgs("url is not a valid URL")
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	if host != "bsky.app" {
		return "", "", InvalidArgs("url must be a bsky.app link")
	}
	seg := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(seg) < 4 || seg[0] != "profile" || seg[2] != "post" || seg[1] == "" || seg[3] == "" {
		return "", "", InvalidArgs("url must have the form https://bsky.app/profile/{handle}/post/{id}")
	}
	return seg[1], seg[3], nil
}

// Thread returns the post and its replies as "handle: text" paragraphs.
func (b *Bluesky) Thread(ctx context.Context, postURL string) (string, error) {
	handle, rkey, err := parsePostURL(postURL)
	if err != nil {
		return "", err
	}

	did := handle
	if !strings.HasPrefix(handle, "did:") {
		var res struct {
			DID string `json:"did"`
		}
		q := url.Values{"handle": {handle}}
		if err := b.client.getJSON(ctx, b.baseURL+"/xrpc/com.atproto.identity.resolveHandle?"+q.Encode(), &res); err != nil {
			return "", err
		}
		if res.DID == "" {
			return "", Failed(fmt.Errorf("no DID returned for handle %q", handle))
		}
		did = res.DID
	}

	q := url.Values{}
	q.Set("uri", fmt.Sprintf("at://%s/app.bsky.feed.post/%s", did, rkey))
	q.Set("depth", fmt.Sprint(bskyThreadDepth))
	var res struct {
		Thread *threadNode `json:"thread"`
	}
	if err := b.client.getJSON(ctx, b.baseURL+"/xrpc/app.bsky.feed.getPostThread?"+q.Encode(), &res); err != nil {
		return "", err
	}
	if res.Thread == nil {
		return "", Failed(fmt.Errorf("thread missing in response"))
	}

	var lines []string
	collectPosts(res.Thread, &lines)
	return capChars(strings.Join(lines, "\n\n"), bskyMaxThreadChars, "\n\n[Thread truncated]"), nil
}

// collectPosts walks the thread depth-first, post before replies.
func collectPosts(n *threadNode, lines *[]string) {
	if n.Post != nil {
		author := n.Post.Author.Handle
		if author == "" {
			author = "(unknown)"
		}
		if text := strings.TrimSpace(n.Post.Record.Text); text != "" {
			*lines = append(*lines, author+": "+text)
		}
	}
	for i := range n.Replies {
		collectPosts(&n.Replies[i], lines)
	}
}

// Tool returns the fetch_bluesky handler.
func (b *Bluesky) Tool() Handler {
	return New("fetch_bluesky",
		"Read a public Bluesky post and its reply thread from a bsky.app link.",
		func(ctx context.Context, req BlueskyRequest) (BlueskyResponse, error) {
			thread, err := b.Thread(ctx, req.URL)
			if err != nil {
				return BlueskyResponse{}, err
			}
			return BlueskyResponse{Thread: thread}, nil
		})
}
