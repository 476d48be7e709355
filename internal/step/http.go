package step

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

const maxResponseBody = 10 << 20

type httpConfig struct {
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers"`
	Body         any               `json:"body"`
	ExpectStatus int               `json:"expect_status"`
}

type httpStep struct {
	cfg    httpConfig
	client *http.Client
}

// HTTPKind performs one HTTP request. The url, body and headers inputs
// override the configured values.
func HTTPKind() Kind {
	return Kind{
		Name:        "http",
		Description: "Perform an HTTP request; output is {status, headers, body}",
		Factory:     newHTTPStep,
	}
}

func newHTTPStep(spec Spec) (Step, error) {
	var cfg httpConfig
	if err := spec.Config.Decode(&cfg); err != nil {
		return nil, err
	}
	cfg.Method = strings.ToUpper(cfg.Method)
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	if cfg.URL == "" && !slices.Contains(spec.Inputs, "url") {
		return nil, errors.New("url is required")
	}
	if cfg.URL != "" {
		if err := checkURL(cfg.URL); err != nil {
			return nil, err
		}
	}
	if cfg.ExpectStatus != 0 && (cfg.ExpectStatus < 100 || cfg.ExpectStatus > 599) {
		return nil, fmt.Errorf("expect_status %d is not an HTTP status", cfg.ExpectStatus)
	}
	return &httpStep{cfg: cfg, client: &http.Client{}}, nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid url %q: scheme must be http or https", raw)
	}
	return nil
}

// Idempotent reports false for POST and PATCH requests.
func (s *httpStep) Idempotent() bool {
	return s.cfg.Method != http.MethodPost && s.cfg.Method != http.MethodPatch
}

func (s *httpStep) Run(ctx context.Context, in Inputs) (any, error) {
	target := s.cfg.URL
	if v, ok := in["url"]; ok && v != nil {
		target = Text(v)
		if err := checkURL(target); err != nil {
			return nil, err
		}
	}

	body := s.cfg.Body
	if v, ok := in["body"]; ok {
		body = v
	}
	headers := make(map[string]string, len(s.cfg.Headers))
	for k, v := range s.cfg.Headers {
		headers[k] = v
	}
	if v, ok := in["headers"].(map[string]any); ok {
		for k, hv := range v {
			headers[k] = Text(hv)
		}
	}

	reader, contentType, err := encodeBody(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, s.cfg.Method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	info := RunInfoFrom(ctx)
	info.Log(fmt.Sprintf("%s %s", s.cfg.Method, target))

	resp, err := s.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%s %s: %w", s.cfg.Method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	info.Log(fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)))

	respHeaders := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}
	out := map[string]any{
		"status":  resp.StatusCode,
		"headers": respHeaders,
		"body":    decodeBody(resp.Header.Get("Content-Type"), data),
	}

	if s.cfg.ExpectStatus != 0 {
		if resp.StatusCode != s.cfg.ExpectStatus {
			return out, fmt.Errorf("unexpected status %d, want %d", resp.StatusCode, s.cfg.ExpectStatus)
		}
	} else if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return out, nil
}

func encodeBody(body any) (io.Reader, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case string:
		return strings.NewReader(b), "", nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, "", fmt.Errorf("encode body: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

func decodeBody(contentType string, data []byte) any {
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(data, &v); err == nil {
			return v
		}
	}
	return string(data)
}
