package capability

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/taskflow/pkg/schema"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024
	defaultHTTPTimeout     = 30 * time.Second
	defaultMaxRedirects    = 10
)

// HTTPConfig configures the http.request capability.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

// HTTPRequest returns the "http.request" capability.
//
// Input: method (GET), url, headers, body, body_encoding (json|form|text|raw),
// auth {type: bearer|basic|api_key, ...}, timeout, follow_redirects,
// max_redirects, tls_skip_verify, fail_on_error_status.
// Output: status_code, status, headers, body (decoded when JSON),
// content_type, duration_ms.
func HTTPRequest(cfg HTTPConfig) *Func {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &Func{
		ID:   "http.request",
		Desc: "Sends an HTTP request and returns status, headers and the decoded body.",
		Fn: func(ctx context.Context, input map[string]any, _ CallContext) (map[string]any, error) {
			return doHTTP(ctx, cfg, input)
		},
	}
}

func doHTTP(ctx context.Context, cfg HTTPConfig, in map[string]any) (map[string]any, error) {
	const name = "http.request"

	rawURL := stringParam(in, "url", "")
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewStepExecutionError(name, fmt.Sprintf("invalid url %q", rawURL), false)
	}
	timeout, err := durationParam(name, in, "timeout", cfg.DefaultTimeout)
	if err != nil {
		return nil, err
	}

	body, contentType, err := encodeBody(in)
	if err != nil {
		return nil, schema.NewStepExecutionError(name, err.Error(), false)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := strings.ToUpper(stringParam(in, "method", http.MethodGet))
	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, body)
	if err != nil {
		return nil, schema.NewStepExecutionError(name, err.Error(), false)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range stringMapParam(in, "headers") {
		req.Header.Set(k, v)
	}
	if auth, ok := in["auth"].(map[string]any); ok {
		applyAuth(req, auth)
	}

	start := time.Now()
	resp, err := newHTTPClient(in).Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		se := schema.NewStepExecutionError(name, fmt.Sprintf("request failed: %v", err), true)
		se.Cause = err
		return nil, se
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, cfg.MaxResponseBody))
	if err != nil {
		return nil, schema.NewStepExecutionError(name, fmt.Sprintf("read response: %v", err), true)
	}

	respType := resp.Header.Get("Content-Type")
	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	out := map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      headers,
		"body":         decodeBody(raw, respType),
		"content_type": respType,
		"duration_ms":  time.Since(start).Milliseconds(),
	}

	if boolParam(in, "fail_on_error_status", false) && resp.StatusCode >= 400 {
		return nil, schema.NewStepExecutionError(name,
			fmt.Sprintf("server returned %d", resp.StatusCode), resp.StatusCode >= 500)
	}
	return out, nil
}

func encodeBody(in map[string]any) (io.Reader, string, error) {
	raw, ok := in["body"]
	if !ok || raw == nil {
		return nil, "", nil
	}
	switch enc := stringParam(in, "body_encoding", "json"); enc {
	case "form":
		fields, ok := raw.(map[string]any)
		if !ok {
			return nil, "", errors.New("form body must be an object")
		}
		vals := url.Values{}
		for k, v := range fields {
			vals.Set(k, fmt.Sprint(v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprint(raw)), "text/plain", nil
	case "raw":
		return strings.NewReader(fmt.Sprint(raw)), "", nil
	case "json":
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, "", fmt.Errorf("encode body: %w", err)
		}
		return strings.NewReader(string(b)), "application/json", nil
	default:
		return nil, "", fmt.Errorf("unknown body_encoding %q", enc)
	}
}

func decodeBody(raw []byte, contentType string) any {
	if len(raw) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if json.Unmarshal(raw, &v) == nil {
			return v
		}
	}
	return string(raw)
}

func applyAuth(req *http.Request, auth map[string]any) {
	switch stringParam(auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
	case "api_key":
		if h := stringParam(auth, "header_name", ""); h != "" {
			req.Header.Set(h, stringParam(auth, "header_value", ""))
		}
	}
}

// newHTTPClient builds a fresh client per call so per-step TLS and redirect
// settings never leak into other calls.
func newHTTPClient(in map[string]any) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if boolParam(in, "tls_skip_verify", false) {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	client := &http.Client{Transport: transport}

	if !boolParam(in, "follow_redirects", true) {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
		return client
	}
	limit := intParam(in, "max_redirects", defaultMaxRedirects)
	client.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
		if len(via) >= limit {
			return fmt.Errorf("stopped after %d redirects", limit)
		}
		return nil
	}
	return client
}
