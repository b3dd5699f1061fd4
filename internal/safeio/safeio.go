// Package safeio implements the SSRF-safe outbound HTTP policy used for
// callback delivery and callback-host validation. LLM provider calls do
// not go through it; the llm package uses its own HTTP client.
package safeio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openclaw/controlplane/infrastructure/errors"
)

// Policy controls which destinations resolve(...) and Open(...) will permit.
type Policy struct {
	AllowHTTP          bool
	AllowedHosts        map[string]bool
	AllowLoopbackFor    map[string]bool
	AllowPrivate        bool
	MaxRedirects        int
	Provider            string // identifies the caller for AllowLoopbackFor checks
}

// DefaultMaxRedirects matches the spec's default redirect budget.
const DefaultMaxRedirects = 3

// Resolver abstracts DNS resolution so tests can substitute a fake.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

type netResolver struct{}

func (netResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return net.DefaultResolver.LookupIPAddr(ctx, host)
}

// Client performs SSRF-safe outbound calls.
type Client struct {
	resolver Resolver
	http     *http.Client
}

// NewClient creates a safe-IO client. A nil resolver uses net.DefaultResolver.
func NewClient(resolver Resolver, httpClient *http.Client) *Client {
	if resolver == nil {
		resolver = netResolver{}
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{resolver: resolver, http: httpClient}
}

// ResolvedHost is the outcome of Resolve: the validated host/port pair and
// the set of IPs it resolved to.
type ResolvedHost struct {
	Host string
	IPs  []net.IP
}

// Resolve validates raw against policy and DNS-resolves its host, rejecting
// any destination that parses to a disallowed scheme, an unlisted host, or
// a private/reserved IP address (unless explicitly permitted).
func (c *Client) Resolve(ctx context.Context, raw string, policy Policy) (*ResolvedHost, *url.URL, error) {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return nil, nil, errors.SSRFBlocked("malformed url")
	}

	switch parsed.Scheme {
	case "https":
	case "http":
		if !policy.AllowHTTP {
			return nil, nil, errors.SSRFBlocked("http scheme not permitted")
		}
	default:
		return nil, nil, errors.SSRFBlocked("scheme not permitted")
	}

	host := parsed.Hostname()
	if host == "" {
		return nil, nil, errors.SSRFBlocked("missing host")
	}

	if len(policy.AllowedHosts) > 0 && !policy.AllowedHosts[strings.ToLower(host)] {
		return nil, nil, errors.SSRFBlocked("host not in allowlist")
	}

	ips, err := c.resolveIPs(ctx, host)
	if err != nil {
		return nil, nil, errors.SSRFBlocked(fmt.Sprintf("dns resolution failed: %v", err))
	}

	allowLoopback := policy.Provider != "" && policy.AllowLoopbackFor[policy.Provider]
	for _, ip := range ips {
		if isBlockedAddress(ip, policy.AllowPrivate, allowLoopback) {
			return nil, nil, errors.SSRFBlocked("address resolves to a private or reserved range")
		}
	}

	return &ResolvedHost{Host: host, IPs: ips}, parsed, nil
}

func (c *Client) resolveIPs(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	addrs, err := c.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no addresses for host %q", host)
	}
	return ips, nil
}

// isBlockedAddress reports whether ip is loopback/private/link-local/
// unspecified and not explicitly permitted.
func isBlockedAddress(ip net.IP, allowPrivate, allowLoopback bool) bool {
	if ip.IsLoopback() {
		return !allowLoopback && !allowPrivate
	}
	if ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return !allowPrivate
	}
	return false
}

// Open performs the SSRF-safe request: it resolves and validates the URL,
// issues the request by URL, and re-validates every redirect hop. The
// transport performs its own DNS lookup, so the connection is not pinned
// to the addresses that were validated.
func (c *Client) Open(ctx context.Context, method, raw string, body []byte, headers http.Header, policy Policy) (*http.Response, error) {
	maxRedirects := policy.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = DefaultMaxRedirects
	}

	current := raw
	for hop := 0; ; hop++ {
		if hop > maxRedirects {
			return nil, errors.SSRFBlocked("too many redirects")
		}

		if _, _, err := c.Resolve(ctx, current, policy); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, method, current, bodyReader(body))

		if err != nil {
			return nil, errors.SSRFBlocked("invalid request")
		}
		for k, vs := range headers {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		noRedirectClient := *c.http
		noRedirectClient.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}

		resp, err := noRedirectClient.Do(req)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeSSRFBlocked, "outbound request failed", 0, err)
		}

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			location := resp.Header.Get("Location")
			resp.Body.Close()
			if location == "" {
				return nil, errors.SSRFBlocked("redirect without location")
			}
			next, err := resolveRedirect(current, location)
			if err != nil {
				return nil, errors.SSRFBlocked("invalid redirect location")
			}
			current = next
			continue
		}

		return resp, nil
	}
}

func resolveRedirect(base, location string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(ref).String(), nil
}

func bodyReader(body []byte) io.Reader {
	if len(body) == 0 {
		return nil
	}
	return bytes.NewReader(body)
}
