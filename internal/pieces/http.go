package pieces

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/conveyorhq/conveyor/pkg/schema"
	"github.com/go-resty/resty/v2"
)

// HTTPConfig configures the builtin http piece.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPPiece is the builtin "http" piece: send_request, get, and post
// actions over a shared resty client.
type HTTPPiece struct {
	config HTTPConfig
	client *resty.Client
}

// NewHTTPPiece creates the builtin http piece.
func NewHTTPPiece(cfg HTTPConfig) *HTTPPiece {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	client := resty.New().
		SetTimeout(cfg.DefaultTimeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10)).
		SetDoNotParseResponse(false)
	return &HTTPPiece{config: cfg, client: client}
}

func (p *HTTPPiece) Name() string      { return "http" }
func (p *HTTPPiece) Version() string   { return "1.0.0" }
func (p *HTTPPiece) Actions() []string { return []string{"send_request", "get", "post"} }

// Invoke dispatches the requested action. get and post are conveniences
// over send_request with the method pinned.
func (p *HTTPPiece) Invoke(ctx context.Context, req *Request) (*Result, error) {
	input := req.Input
	if input == nil {
		input = map[string]any{}
	}

	switch req.ActionName {
	case "send_request":
		return p.sendRequest(ctx, input)
	case "get":
		input["method"] = "GET"
		return p.sendRequest(ctx, input)
	case "post":
		input["method"] = "POST"
		return p.sendRequest(ctx, input)
	default:
		return nil, schema.NewErrorf(schema.ErrCodePieceUnavailable,
			"http piece has no action %q", req.ActionName)
	}
}

func (p *HTTPPiece) sendRequest(ctx context.Context, input map[string]any) (*Result, error) {
	rawURL := stringParam(input, "url", "")
	if rawURL == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "http.send_request: missing required param 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http.send_request: invalid url %q", rawURL)
	}

	method := strings.ToUpper(stringParam(input, "method", "GET"))
	failOnErrorStatus := boolParam(input, "fail_on_error_status", false)

	r := p.client.R().SetContext(ctx)

	if hdrs, ok := input["headers"].(map[string]any); ok {
		for k, v := range hdrs {
			r.SetHeader(k, fmt.Sprintf("%v", v))
		}
	}
	if qp, ok := input["query_params"].(map[string]any); ok {
		for k, v := range qp {
			r.SetQueryParam(k, fmt.Sprintf("%v", v))
		}
	}
	if body, ok := input["body"]; ok && body != nil {
		r.SetBody(body)
	}
	if ts := stringParam(input, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			r.SetContext(tctx)
		}
	}

	start := time.Now()
	resp, err := r.Execute(method, rawURL)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecutor,
			"http.send_request: request failed: %v", err).WithCause(err)
	}

	bodyBytes := resp.Body()
	if int64(len(bodyBytes)) > p.config.MaxResponseBody {
		bodyBytes = bodyBytes[:p.config.MaxResponseBody]
	}

	respContentType := resp.Header().Get("Content-Type")
	var parsedBody any
	switch {
	case len(bodyBytes) == 0:
		parsedBody = nil
	case strings.Contains(respContentType, "application/json"):
		var jsonBody any
		if err := json.Unmarshal(bodyBytes, &jsonBody); err == nil {
			parsedBody = jsonBody
		} else {
			parsedBody = string(bodyBytes)
		}
	default:
		parsedBody = string(bodyBytes)
	}

	respHeaders := make(map[string]string, len(resp.Header()))
	for k := range resp.Header() {
		respHeaders[k] = resp.Header().Get(k)
	}

	output := map[string]any{
		"status_code": resp.StatusCode(),
		"status":      resp.Status(),
		"headers":     respHeaders,
		"body":        parsedBody,
		"duration_ms": durationMs,
	}

	if failOnErrorStatus && resp.StatusCode() >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeExecutor,
			"http.send_request: server returned %d", resp.StatusCode()).
			WithDetails(output)
	}

	return &Result{Output: output}, nil
}

// Param helpers shared by the builtin pieces.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func floatParam(m map[string]any, key string, defaultVal float64) float64 {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return defaultVal
		}
		return f
	default:
		return defaultVal
	}
}
