package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	httpTimeout      = 20 * time.Second
	maxRespSize      = 512 * 1024 // 512 KB
	defaultUserAgent = "Monody/1.0 (+https://github.com/clawplaza/monody)"
)

// ErrPrivateAddress is returned when a request would connect to a loopback,
// private, link-local or unspecified address.
var ErrPrivateAddress = errors.New("address is not publicly routable")

// Client is the HTTP client shared by all network tools.
type Client struct {
	http      *http.Client
	userAgent string
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	allowPrivate bool
}

// AllowPrivateNetworks lets the client reach loopback and private
// addresses. Tests use it to talk to httptest servers.
func AllowPrivateNetworks() ClientOption {
	return func(o *clientOptions) { o.allowPrivate = true }
}

// NewClient creates a client with a 20-second timeout and a traced transport.
// Connections to non-public addresses are refused after DNS resolution, so
// redirects are checked too.
func NewClient(userAgent string, opts ...ClientOption) *Client {
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}

	base := http.DefaultTransport.(*http.Transport).Clone()
	if !o.allowPrivate {
		dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second, Control: publicOnly}
		base.DialContext = dialer.DialContext
		// no proxy: the dial hook must see the target address
		base.Proxy = nil
	}
	return &Client{
		http: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(base),
		},
		userAgent: userAgent,
	}
}

// publicOnly is a net.Dialer Control hook; address is the resolved ip:port.
func publicOnly(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPrivateAddress, host)
	}
	ip = ip.Unmap()
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() || ip.IsMulticast() || ip.IsInterfaceLocalMulticast() {
		return fmt.Errorf("%w: %s", ErrPrivateAddress, ip)
	}
	return nil
}

type response struct {
	StatusCode  int
	ContentType string
	Body        []byte
	Truncated   bool
}

func (r *response) ok() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// get performs a GET. Transport failures come back as Unreachable.
func (c *Client) get(ctx context.Context, rawURL string) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, InvalidArgs("build request: %v", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if errors.Is(err, ErrPrivateAddress) {
		return nil, InvalidArgs("%s resolves to a private or local address", hostOf(rawURL))
	}
	if err != nil {
		// *url.Error embeds the full URL, which may carry an API key.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = fmt.Errorf("%s %s: %w", uerr.Op, hostOf(rawURL), uerr.Err)
		}
		return nil, Unreachable(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRespSize))
	if err != nil {
		return nil, Unreachable(fmt.Errorf("read response: %w", err))
	}
	return &response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		Truncated:   int64(len(body)) >= maxRespSize,
	}, nil
}

// getJSON GETs rawURL and decodes a 2xx body into dst.
func (c *Client) getJSON(ctx context.Context, rawURL string, dst any) error {
	resp, err := c.get(ctx, rawURL)
	if err != nil {
		return err
	}
	if !resp.ok() {
		return Failed(fmt.Errorf("%s returned %d: %s", hostOf(rawURL), resp.StatusCode, truncateStr(string(resp.Body), 200)))
	}
	if err := json.Unmarshal(resp.Body, dst); err != nil {
		return Failed(fmt.Errorf("parse %s response: %w", hostOf(rawURL), err))
	}
	return nil
}

// ── fetch_url ──

// FetchRequest is the input of fetch_url.
type FetchRequest struct {
	URL string `json:"url" desc:"Absolute URL to fetch (http:// or https://)" tool:"required"`
}

// FetchResponse is the output of fetch_url.
type FetchResponse struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

// NewFetchURL returns the fetch_url tool. HTML pages are reduced to their
// main content as markdown; the body is capped at maxChars characters.
func NewFetchURL(c *Client, maxChars int) Handler {
	if maxChars <= 0 {
		maxChars = 20000
	}
	return New("fetch_url",
		"Fetch a web page or document by URL and return its main readable content. Use when the user shares a link or asks about a specific page.",
		func(ctx context.Context, req FetchRequest) (FetchResponse, error) {
			u, err := url.Parse(strings.TrimSpace(req.URL))
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return FetchResponse{}, InvalidArgs("url must be an absolute http:// or https:// URL")
			}

			resp, err := c.get(ctx, u.String())
			if err != nil {
				return FetchResponse{}, err
			}
			if !resp.ok() {
				return FetchResponse{StatusCode: resp.StatusCode, Body: http.StatusText(resp.StatusCode)}, nil
			}

			body := string(resp.Body)
			if isHTML(resp.ContentType, resp.Body) {
				content, err := ExtractMainContent(body, u)
				if err == nil && strings.TrimSpace(content) != "" {
					body = content
				}
			}
			return FetchResponse{StatusCode: resp.StatusCode, Body: capChars(body, maxChars, "\n\n[Truncated]")}, nil
		})
}

func isHTML(contentType string, body []byte) bool {
	if contentType != "" {
		return strings.Contains(strings.ToLower(contentType), "html")
	}
	return strings.Contains(strings.ToLower(http.DetectContentType(body)), "html")
}

// capChars truncates s to n characters and appends marker when it does.
func capChars(s string, n int, marker string) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + marker
}

func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "remote"
	}
	return u.Host
}
