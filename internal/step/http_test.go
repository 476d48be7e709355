package step

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHTTP(t *testing.T, cfg Config, inputs ...string) Step {
	t.Helper()
	s, err := HTTPKind().Factory(Spec{Name: "call", Config: cfg, Inputs: inputs})
	require.NoError(t, err)
	return s
}

func TestHTTPConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		inputs []string
	}{
		{"missing url", Config{}, nil},
		{"bad scheme", Config{"url": "ftp://example.com"}, nil},
		{"bad status", Config{"url": "http://example.com", "expect_status": 42}, nil},
		{"unknown field", Config{"url": "http://example.com", "verb": "GET"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := HTTPKind().Factory(Spec{Config: tt.cfg, Inputs: tt.inputs})
			assert.Error(t, err)
		})
	}

	_, err := HTTPKind().Factory(Spec{Config: Config{}, Inputs: []string{"url"}})
	assert.NoError(t, err, "url may come from an input")
}

func TestHTTPIdempotency(t *testing.T) {
	assert.True(t, IsIdempotent(newHTTP(t, Config{"url": "http://x"})))
	assert.True(t, IsIdempotent(newHTTP(t, Config{"url": "http://x", "method": "put"})))
	assert.False(t, IsIdempotent(newHTTP(t, Config{"url": "http://x", "method": "post"})))
	assert.False(t, IsIdempotent(newHTTP(t, Config{"url": "http://x", "method": "PATCH"})))
}

func TestHTTPGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "token", r.Header.Get("X-Auth"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"version":"1.2.3","tags":["a","b"]}`))
	}))
	defer srv.Close()

	rec := &lineRecorder{}
	ctx := WithRunInfo(context.Background(), RunInfo{Log: rec.log})
	s := newHTTP(t, Config{"url": srv.URL, "headers": map[string]any{"X-Auth": "token"}})

	out, err := s.Run(ctx, nil)
	require.NoError(t, err)

	result := out.(map[string]any)
	assert.Equal(t, http.StatusOK, result["status"])
	assert.Equal(t, "application/json", result["headers"].(map[string]any)["Content-Type"])
	assert.Equal(t, map[string]any{"version": "1.2.3", "tags": []any{"a", "b"}}, result["body"])
	assert.Len(t, rec.all(), 2)
}

func TestHTTPPostWithInputs(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "yes", r.Header.Get("X-Override"))
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &received)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))
	defer srv.Close()

	s := newHTTP(t, Config{"method": "POST", "body": map[string]any{"ignored": true}},
		"url", "body", "headers")
	out, err := s.Run(context.Background(), Inputs{
		"url":     srv.URL + "/items",
		"body":    map[string]any{"name": "widget"},
		"headers": map[string]any{"X-Override": "yes"},
	})
	require.NoError(t, err)

	result := out.(map[string]any)
	assert.Equal(t, http.StatusCreated, result["status"])
	assert.Equal(t, "created", result["body"])
	assert.Equal(t, map[string]any{"name": "widget"}, received)
}

func TestHTTPStatusFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("down"))
	}))
	defer srv.Close()

	out, err := newHTTP(t, Config{"url": srv.URL}).Run(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Equal(t, http.StatusServiceUnavailable, out.(map[string]any)["status"])

	_, err = newHTTP(t, Config{"url": srv.URL, "expect_status": 503}).Run(context.Background(), nil)
	assert.NoError(t, err)
}

func TestHTTPCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel()
		<-r.Context().Done()
	}))
	defer srv.Close()

	_, err := newHTTP(t, Config{"url": srv.URL}).Run(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
