// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package search

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const resultsPage = `<html><body>
<div class="result results_links">
  <a rel="nofollow" class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fgo.dev%2Fdoc%2F&amp;rut=abc">The <b>Go</b> Programming Language</a>
  <a class="result__snippet" href="#">Documentation for   the Go language.</a>
</div>
<div class="result">
  <a class="result__a" href="https://pkg.go.dev/">Go Packages</a>
  <a class="result__snippet">Discover packages.</a>
</div>
<div class="result">
  <a class="result__a" href="/relative">Ignored</a>
</div>
<div class="result">
  <a class="result__a" href="https://example.com/third">Third</a>
</div>
</body></html>`

func newTestClient(endpoint string) *Client {
	return New(Config{Endpoint: endpoint, AllowPrivate: true})
}

func TestSearch_ParsesResults(t *testing.T) {
	var gotQuery, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		gotUA = r.Header.Get("User-Agent")
		io.WriteString(w, resultsPage)
	}))
	defer srv.Close()

	results, err := newTestClient(srv.URL+"/html/").Search(context.Background(), "golang docs", 5)
	require.NoError(t, err)

	assert.Equal(t, "golang docs", gotQuery)
	assert.Equal(t, DefaultUserAgent, gotUA)
	require.Len(t, results, 3)
	assert.Equal(t, Result{
		Title:   "The Go Programming Language",
		URL:     "https://go.dev/doc/",
		Snippet: "Documentation for the Go language.",
	}, results[0])
	assert.Equal(t, "https://pkg.go.dev/", results[1].URL)
	assert.Empty(t, results[2].Snippet)
}

func TestSearch_Limit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, resultsPage)
	}))
	defer srv.Close()

	results, err := newTestClient(srv.URL).Search(context.Background(), "go", 1)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestSearch_EmptyQuery(t *testing.T) {
	results, err := newTestClient("http://127.0.0.1:1").Search(context.Background(), "   ", 5)
	assert.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearch_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Search(context.Background(), "go", 5)
	assert.Error(t, err)
}

func TestFetchPage_ExtractsVisibleText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, `<html><head><title>T</title><style>body{color:red}</style></head>
<body><script>var secret = 1;</script><h1>Hello</h1>
<p>World   of
  text</p><noscript>enable js</noscript></body></html>`)
	}))
	defer srv.Close()

	text, err := newTestClient("").FetchPage(context.Background(), srv.URL, 100)
	require.NoError(t, err)
	assert.Equal(t, "Hello World of text", text)
}

func TestFetchPage_Truncates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<p>"+strings.Repeat("ä", 50)+"</p>")
	}))
	defer srv.Close()

	text, err := newTestClient("").FetchPage(context.Background(), srv.URL, 10)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("ä", 10), text)
}

func TestFetchPage_DecodesCharset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
		w.Write([]byte("<p>caf\xe9</p>"))
	}))
	defer srv.Close()

	text, err := newTestClient("").FetchPage(context.Background(), srv.URL, 100)
	require.NoError(t, err)
	assert.Equal(t, "café", text)
}

func TestFetchPage_BlocksPrivateAddresses(t *testing.T) {
	c := New(DefaultConfig())

	tests := []struct {
		url  string
		want error
	}{
		{"http://127.0.0.1:8080/admin", ErrBlockedIP},
		{"http://localhost/", ErrBlockedHost},
		{"http://169.254.169.254/latest/meta-data/", ErrBlockedIP},
		{"file:///etc/passwd", ErrInvalidScheme},
		{"http://[::1]/", ErrBlockedIP},
	}
	for _, tt := range tests {
		_, err := c.FetchPage(context.Background(), tt.url, 100)
		assert.ErrorIs(t, err, tt.want, tt.url)
	}
}

func TestResolveResultURL(t *testing.T) {
	tests := []struct {
		href string
		want string
	}{
		{"//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fa%3Fb%3D1", "https://example.com/a?b=1"},
		{"https://example.com/", "https://example.com/"},
		{"/y.js?ad=1", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := resolveResultURL(tt.href); got != tt.want {
			t.Errorf("resolveResultURL(%q) = %q, want %q", tt.href, got, tt.want)
		}
	}
}
