package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// NoopConnector answers without side effects. It backs connector health
// checks and engine tests.
type NoopConnector struct{}

func (NoopConnector) Type() string { return "noop" }

func (NoopConnector) Actions() map[string]ActionSchema {
	return map[string]ActionSchema{
		"echo":   {Description: "return the inputs unchanged"},
		"health": {Description: "always succeeds"},
	}
}

func (NoopConnector) Execute(_ context.Context, action string, inputs map[string]any, _ map[string]any) (map[string]any, error) {
	switch action {
	case "echo":
		out := map[string]any{"echo": true}
		for key, value := range inputs {
			out[key] = value
		}
		return out, nil
	case "health":
		return map[string]any{"healthy": true}, nil
	default:
		return nil, Errorf(CodeInvalidAction, "noop does not support %q", action)
	}
}

// HTTPConnector is a generic JSON-over-HTTP adapter. The connector
// record's config carries base_url, optional headers and bearer_token;
// the step supplies method, path and body.
type HTTPConnector struct {
	// Client may be replaced in tests. Timeouts come from the invoker.
	Client *http.Client
}

func (HTTPConnector) Type() string { return "http" }

func (HTTPConnector) Actions() map[string]ActionSchema {
	return map[string]ActionSchema{
		"request": {
			Description:    "perform one JSON HTTP request",
			RequiredFields: []string{"path"},
			OptionalFields: []string{"method", "body"},
			FieldTypes: map[string]string{
				"path":   FieldString,
				"method": FieldString,
			},
		},
		"health": {Description: "GET the configured base_url"},
	}
}

func (c HTTPConnector) Execute(ctx context.Context, action string, inputs map[string]any, config map[string]any) (map[string]any, error) {
	baseURL, _ := config["base_url"].(string)
	if baseURL == "" {
		return nil, NewError(CodeInvalidInput, "connector config is missing base_url")
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}

	switch action {
	case "health":
		return c.do(ctx, client, http.MethodGet, baseURL, nil, config)
	case "request":
		path, _ := inputs["path"].(string)
		method, _ := inputs["method"].(string)
		if method == "" {
			method = http.MethodPost
		}
		return c.do(ctx, client, strings.ToUpper(method), strings.TrimRight(baseURL, "/")+"/"+strings.TrimLeft(path, "/"), inputs["body"], config)
	default:
		return nil, Errorf(CodeInvalidAction, "http does not support %q", action)
	}
}

func (HTTPConnector) do(ctx context.Context, client *http.Client, method, url string, body any, config map[string]any) (map[string]any, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, Errorf(CodeInvalidInput, "encode body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, Errorf(CodeInvalidInput, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token, _ := config["bearer_token"].(string); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if headers, ok := config["headers"].(map[string]any); ok {
		for key, value := range headers {
			if s, ok := value.(string); ok {
				req.Header.Set(key, s)
			}
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, NewError(CodeTimeout, "request timed out")
		}
		return nil, Errorf(CodeConnectionFailed, "request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 400 {
		return nil, FromHTTPStatus(resp.StatusCode, fmt.Sprintf("upstream returned %d", resp.StatusCode))
	}

	out := map[string]any{"status_code": float64(resp.StatusCode)}
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err == nil {
		out["body"] = parsed
	} else if len(raw) > 0 {
		out["body"] = string(raw)
	}
	return out, nil
}
