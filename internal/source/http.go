package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultAPIBaseURL is the hosted inference API.
const DefaultAPIBaseURL = "https://api.liveinference.com"

const apiPathPrefix = "/api/v1/"

// HTTPOptions configures an HTTPFetcher.
type HTTPOptions struct {
	BaseURL string
	// Key authenticates requests under BaseURL. Other hosts never see it.
	Key string
	// UseQuery sends the key as ?token= instead of an Authorization header.
	UseQuery bool
	Timeout  time.Duration
	Client   *http.Client
}

// HTTPFetcher resolves URLs over HTTP, adding credentials for API hosts.
type HTTPFetcher struct {
	baseURL  string
	base     *url.URL
	key      string
	useQuery bool
	client   *http.Client
}

func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = DefaultAPIBaseURL
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Host == "" {
		parsed = nil
	}
	return &HTTPFetcher{
		baseURL:  base,
		base:     parsed,
		key:      opts.Key,
		useQuery: opts.UseQuery,
		client:   client,
	}
}

func (f *HTTPFetcher) BaseURL() string { return f.baseURL }

func (f *HTTPFetcher) Fetch(ctx context.Context, ref string) (Result, error) {
	req, err := f.NewRequest(ctx, http.MethodGet, ref)
	if err != nil {
		return Result{}, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	return ReadResponse(resp)
}

// NewRequest builds a request for ref. Relative /api/v1/ paths are resolved
// against the base URL and API requests carry the key.
func (f *HTTPFetcher) NewRequest(ctx context.Context, method, ref string) (*http.Request, error) {
	if ref == "" {
		return nil, errors.New("empty reference")
	}
	target := ref
	apiCall := strings.HasPrefix(ref, apiPathPrefix)
	if apiCall {
		target = f.baseURL + ref
	} else {
		apiCall = f.underBase(ref)
	}
	if apiCall && f.key != "" && f.useQuery {
		withToken, err := addToken(target, f.key)
		if err != nil {
			return nil, err
		}
		target = withToken
	}

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-store")
	if apiCall && f.key != "" && !f.useQuery {
		req.Header.Set("Authorization", "Bearer "+f.key)
	}
	return req, nil
}

// underBase reports whether ref has the base URL's scheme and host, and a
// path inside the base path.
func (f *HTTPFetcher) underBase(ref string) bool {
	if f.base == nil {
		return false
	}
	u, err := url.Parse(ref)
	if err != nil || u.User != nil {
		return false
	}
	if !strings.EqualFold(u.Scheme, f.base.Scheme) || !strings.EqualFold(u.Host, f.base.Host) {
		return false
	}
	basePath := strings.TrimRight(f.base.Path, "/")
	return basePath == "" || u.Path == basePath || strings.HasPrefix(u.Path, basePath+"/")
}

func addToken(rawURL, key string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	q := u.Query()
	q.Set("token", key)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
