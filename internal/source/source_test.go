package source

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-media/internal/config"
)

func TestHTTPFetcherBearerForAPIHost(t *testing.T) {
	var gotAuth, gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotToken = r.URL.Query().Get("token")
		w.Header().Set("Content-Type", "audio/webm")
		_, _ = w.Write([]byte("chunk"))
	}))
	t.Cleanup(srv.Close)

	f := NewHTTPFetcher(HTTPOptions{BaseURL: srv.URL, Key: "k-1"})
	res, err := f.Fetch(context.Background(), "/api/v1/media/1")
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, "chunk", string(res.Data))
	assert.Equal(t, "audio/webm", res.ContentType)
	assert.Equal(t, "Bearer k-1", gotAuth)
	assert.Empty(t, gotToken)
}

func TestHTTPFetcherQueryToken(t *testing.T) {
	var gotAuth, gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotToken = r.URL.Query().Get("token")
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	f := NewHTTPFetcher(HTTPOptions{BaseURL: srv.URL, Key: "k-2", UseQuery: true})
	res, err := f.Fetch(context.Background(), srv.URL+"/api/v1/media/2?x=1")
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, "k-2", gotToken)
	assert.Empty(t, gotAuth)
}

func TestHTTPFetcherForeignHostGetsNoKey(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)

	f := NewHTTPFetcher(HTTPOptions{BaseURL: "https://api.example.invalid", Key: "secret"})
	res, err := f.Fetch(context.Background(), srv.URL+"/file.webm")
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Empty(t, gotAuth)
}

func TestHTTPFetcherKeyOnlyForExactAPIOrigin(t *testing.T) {
	f := NewHTTPFetcher(HTTPOptions{BaseURL: "https://api.liveinference.com", Key: "api-secret"})

	cases := map[string]bool{
		"https://api.liveinference.com/api/v1/media/1":      true,
		"https://API.liveinference.com/media/2":             true,
		"/api/v1/media/3":                                   true,
		"https://api.liveinference.com.attacker.example/x":  false,
		"https://api.liveinference.com@attacker.example/x":  false,
		"http://api.liveinference.com/api/v1/media/4":       false,
		"https://api.liveinference.com:8443/api/v1/media/5": false,
		"https://cdn.liveinference.com/api/v1/media/6":      false,
	}
	for ref, wantKey := range cases {
		req, err := f.NewRequest(context.Background(), http.MethodGet, ref)
		require.NoError(t, err, ref)
		if wantKey {
			assert.Equal(t, "Bearer api-secret", req.Header.Get("Authorization"), ref)
		} else {
			assert.Empty(t, req.Header.Get("Authorization"), ref)
		}
	}

	req, err := f.NewRequest(context.Background(), http.MethodGet, "/api/v1/media/3")
	require.NoError(t, err)
	assert.Equal(t, "api.liveinference.com", req.URL.Host)
}

func TestHTTPFetcherBasePathScopesKey(t *testing.T) {
	f := NewHTTPFetcher(HTTPOptions{BaseURL: "https://gw.example.com/inference/", Key: "k", UseQuery: true})

	req, err := f.NewRequest(context.Background(), http.MethodGet, "https://gw.example.com/inference/media/1")
	require.NoError(t, err)
	assert.Equal(t, "k", req.URL.Query().Get("token"))

	req, err = f.NewRequest(context.Background(), http.MethodGet, "https://gw.example.com/inference-other/media/1")
	require.NoError(t, err)
	assert.Empty(t, req.URL.Query().Get("token"))
}

func TestHTTPFetcherNotOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	f := NewHTTPFetcher(HTTPOptions{BaseURL: srv.URL})
	res, err := f.Fetch(context.Background(), srv.URL+"/missing")
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Nil(t, res.Data)
}

func TestReadResponse(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"video/mp4"}},
		Body:       io.NopCloser(strings.NewReader("frame")),
	}
	res, err := ReadResponse(resp)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "video/mp4", res.ContentType)
	assert.Equal(t, "frame", string(res.Data))

	_, err = ReadResponse(nil)
	assert.Error(t, err)
}

func TestExecFetcher(t *testing.T) {
	if _, err := exec.LookPath("echo"); err != nil {
		t.Skip("echo not available")
	}
	f, err := NewExecFetcher("echo -n")
	require.NoError(t, err)
	res, err := f.Fetch(context.Background(), "clip.mp3")
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Equal(t, "clip.mp3", string(res.Data))
}

func TestExecFetcherNonZeroExit(t *testing.T) {
	if _, err := exec.LookPath("false"); err != nil {
		t.Skip("false not available")
	}
	f, err := NewExecFetcher("false")
	require.NoError(t, err)
	res, err := f.Fetch(context.Background(), "anything")
	require.NoError(t, err)
	assert.False(t, res.OK)
}

func TestNewExecFetcherEmpty(t *testing.T) {
	_, err := NewExecFetcher("   ")
	assert.Error(t, err)
}

func TestMockFetcher(t *testing.T) {
	m := NewMockFetcher("audio/webm")
	m.Set("a", []byte("A"))
	m.Fail("b")

	res, err := m.Fetch(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "A", string(res.Data))

	res, err = m.Fetch(context.Background(), "b")
	require.NoError(t, err)
	assert.False(t, res.OK)

	assert.Equal(t, []string{"a", "b"}, m.Calls())
	assert.Equal(t, 1, m.PeakInFlight())
}

func TestFromConfig(t *testing.T) {
	f, err := FromConfig(config.SourceConfig{Mode: "http", APIBaseURL: "https://example.com/", APIKey: "k"})
	require.NoError(t, err)
	httpFetcher, ok := f.(*HTTPFetcher)
	require.True(t, ok)
	assert.Equal(t, "https://example.com", httpFetcher.BaseURL())

	f, err = FromConfig(config.SourceConfig{Mode: "mock"})
	require.NoError(t, err)
	assert.IsType(t, &MockFetcher{}, f)

	_, err = FromConfig(config.SourceConfig{Mode: "exec"})
	assert.Error(t, err)

	_, err = FromConfig(config.SourceConfig{Mode: "carrier-pigeon"})
	assert.Error(t, err)
}
