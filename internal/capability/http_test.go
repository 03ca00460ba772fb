package capability

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskflow/pkg/schema"
)

func callHTTP(t *testing.T, input map[string]any) (map[string]any, error) {
	t.Helper()
	return HTTPRequest(HTTPConfig{}).Execute(context.Background(), input, CallContext{})
}

func TestHTTPRequest_GetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Custom", "test-value")
		_ = json.NewEncoder(w).Encode(map[string]any{"greeting": "hello", "count": 42})
	}))
	defer srv.Close()

	out, err := callHTTP(t, map[string]any{"url": srv.URL})
	require.NoError(t, err)

	assert.Equal(t, 200, out["status_code"])
	assert.Contains(t, out["content_type"], "application/json")
	body, ok := out["body"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello", body["greeting"])
	assert.Equal(t, "test-value", out["headers"].(map[string]any)["X-Custom"])
}

func TestHTTPRequest_Bodies(t *testing.T) {
	tests := []struct {
		name        string
		encoding    string
		body        any
		contentType string
		want        string
	}{
		{"json", "", map[string]any{"name": "test"}, "application/json", `{"name":"test"}`},
		{"form", "form", map[string]any{"q": "a b"}, "application/x-www-form-urlencoded", "q=a+b"},
		{"text", "text", "plain words", "text/plain", "plain words"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotType, gotBody string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotType = r.Header.Get("Content-Type")
				raw, _ := io.ReadAll(r.Body)
				gotBody = string(raw)
				w.Write([]byte("ok"))
			}))
			defer srv.Close()

			in := map[string]any{"url": srv.URL, "method": "post", "body": tt.body}
			if tt.encoding != "" {
				in["body_encoding"] = tt.encoding
			}
			out, err := callHTTP(t, in)
			require.NoError(t, err)
			assert.Equal(t, "ok", out["body"])
			assert.Equal(t, tt.contentType, gotType)
			assert.Equal(t, tt.want, gotBody)
		})
	}
}

func TestHTTPRequest_Auth(t *testing.T) {
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
	}))
	defer srv.Close()

	_, err := callHTTP(t, map[string]any{
		"url":     srv.URL,
		"headers": map[string]any{"X-Trace": "abc"},
		"auth":    map[string]any{"type": "bearer", "token": "secret"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", headers.Get("Authorization"))
	assert.Equal(t, "abc", headers.Get("X-Trace"))

	_, err = callHTTP(t, map[string]any{
		"url":  srv.URL,
		"auth": map[string]any{"type": "api_key", "header_name": "X-Api-Key", "header_value": "k1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "k1", headers.Get("X-Api-Key"))
}

func TestHTTPRequest_ErrorStatus(t *testing.T) {
	status := http.StatusNotFound
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	out, err := callHTTP(t, map[string]any{"url": srv.URL})
	require.NoError(t, err, "error statuses are data unless fail_on_error_status is set")
	assert.Equal(t, 404, out["status_code"])

	var se *schema.StepExecutionError
	_, err = callHTTP(t, map[string]any{"url": srv.URL, "fail_on_error_status": true})
	require.True(t, errors.As(err, &se))
	assert.False(t, se.Retryable)

	status = http.StatusBadGateway
	_, err = callHTTP(t, map[string]any{"url": srv.URL, "fail_on_error_status": true})
	require.True(t, errors.As(err, &se))
	assert.True(t, se.Retryable)
}

func TestHTTPRequest_Redirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/end", http.StatusFound)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("done"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	out, err := callHTTP(t, map[string]any{"url": srv.URL + "/start"})
	require.NoError(t, err)
	assert.Equal(t, "done", out["body"])

	out, err = callHTTP(t, map[string]any{"url": srv.URL + "/start", "follow_redirects": false})
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, out["status_code"])
}

func TestHTTPRequest_InvalidInput(t *testing.T) {
	var se *schema.StepExecutionError
	for _, in := range []map[string]any{
		{},
		{"url": "ftp://example.com"},
		{"url": "http://example.com", "timeout": "soon"},
		{"url": "http://example.com", "body": "x", "body_encoding": "xml"},
	} {
		_, err := callHTTP(t, in)
		require.True(t, errors.As(err, &se), "%v", in)
		assert.False(t, se.Retryable)
	}
}

func TestHTTPRequest_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	_, err := callHTTP(t, map[string]any{"url": srv.URL, "timeout": "20ms"})
	var se *schema.StepExecutionError
	require.True(t, errors.As(err, &se))
	assert.True(t, se.Retryable)
}
