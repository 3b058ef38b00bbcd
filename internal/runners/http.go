package runners

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/flowrun/internal/expressions"
	"github.com/rendis/flowrun/pkg/schema"
)

// HTTPConfig configures the http.request runner.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	Breaker         CircuitBreakerConfig
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

const httpRequestParamsSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string", "default": "GET"},
    "url": {"type": "string"},
    "headers": {"type": "object"},
    "query": {"type": "object"},
    "body": {},
    "body_encoding": {"type": "string", "enum": ["json","form","text","raw"], "default": "json"},
    "auth": {
      "type": "object",
      "properties": {
        "type": {"type": "string", "enum": ["bearer","basic","api_key"]},
        "token": {"type": "string"},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "header_name": {"type": "string"},
        "header_value": {"type": "string"}
      }
    },
    "timeout": {"type": "string"},
    "follow_redirects": {"type": "boolean", "default": true},
    "max_redirects": {"type": "integer", "default": 10},
    "tls_skip_verify": {"type": "boolean", "default": false},
    "fail_on_error_status": {"type": "boolean", "default": false},
    "vars": {"type": "object"}
  },
  "required": ["url"]
}`

// HTTPRequestRunner implements "http.request", the generic connector to
// third-party APIs. It sends one request per input item, or a single
// request when it runs as a start node. Parameters may reference the current
// item with ${{item.field}}. Each response becomes one output item.
type HTTPRequestRunner struct {
	config   HTTPConfig
	breakers *CircuitBreakers
	interp   *expressions.Interpolator

	// One keep-alive pool per TLS setting, shared by every call.
	transport *http.Transport
	insecure  *http.Transport
}

// NewHTTPRequestRunner creates a new http.request runner.
func NewHTTPRequestRunner(cfg HTTPConfig) *HTTPRequestRunner {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	insecure := http.DefaultTransport.(*http.Transport).Clone()
	insecure.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	return &HTTPRequestRunner{
		config:    cfg,
		breakers:  NewCircuitBreakers(cfg.Breaker),
		interp:    expressions.NewInterpolator(),
		transport: http.DefaultTransport.(*http.Transport).Clone(),
		insecure:  insecure,
	}
}

func (r *HTTPRequestRunner) Name() string { return "http.request" }

func (r *HTTPRequestRunner) Schema() RunnerSchema {
	return RunnerSchema{
		Description:  "Send an HTTP request per item with full control over method, headers, body, auth and redirects",
		ParamsSchema: json.RawMessage(httpRequestParamsSchema),
	}
}

func (r *HTTPRequestRunner) Validate(params map[string]any) error {
	rawURL := stringParam(params, "url", "")
	if rawURL == "" {
		return schema.NewError(schema.ErrCodeValidation, "http.request: missing required param 'url'")
	}
	if expressions.HasReferences(rawURL) {
		return nil
	}
	return validateURL(rawURL)
}

func validateURL(rawURL string) error {
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "http.request: invalid url %q", rawURL)
	}
	return nil
}

func (r *HTTPRequestRunner) Run(ctx context.Context, in Input) (schema.PortData, error) {
	out := Ports(in.Outputs)
	templated := expressions.HasReferences(in.Params)

	send := func(scope expressions.Scope) error {
		params := in.Params
		if templated {
			resolved, err := r.interp.Resolve(in.Params, scope)
			if err != nil {
				return err
			}
			params = resolved
		}
		resp, err := r.do(ctx, params)
		if err != nil {
			return err
		}
		out[0] = append(out[0], resp)
		return nil
	}

	n, err := eachItem(in, send)
	if err != nil {
		return nil, runnerErr(r.Name(), in, n, err)
	}
	if n == 0 && in.IsStart() {
		scope := expressions.Scope{NodeID: in.NodeID, RunIndex: in.RunIndex, Vars: mapParam(in.Params, "vars")}
		if err := send(scope); err != nil {
			return nil, runnerErr(r.Name(), in, 0, err)
		}
	}
	return out, nil
}

// httpCall is one request resolved from the step parameters.
type httpCall struct {
	url          *url.URL
	method       string
	headers      map[string]any
	auth         map[string]any
	timeout      time.Duration
	redirects    int // negative: do not follow
	skipVerify   bool
	failOnStatus bool
	body         io.Reader
	contentType  string
}

func (r *HTTPRequestRunner) parseCall(params map[string]any) (*httpCall, error) {
	rawURL := stringParam(params, "url", "")
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	u, _ := url.Parse(rawURL)
	if q := mapParam(params, "query"); len(q) > 0 {
		vals := u.Query()
		for k, v := range q {
			vals.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = vals.Encode()
	}

	call := &httpCall{
		url:          u,
		method:       strings.ToUpper(stringParam(params, "method", "GET")),
		headers:      mapParam(params, "headers"),
		auth:         mapParam(params, "auth"),
		timeout:      durationParam(params, "timeout", r.config.DefaultTimeout),
		redirects:    intParam(params, "max_redirects", 10),
		skipVerify:   boolParam(params, "tls_skip_verify", false),
		failOnStatus: boolParam(params, "fail_on_error_status", false),
	}
	if !boolParam(params, "follow_redirects", true) {
		call.redirects = -1
	}

	body, ctype, err := encodeBody(params["body"], stringParam(params, "body_encoding", "json"))
	if err != nil {
		return nil, err
	}
	call.body, call.contentType = body, ctype
	return call, nil
}

// encodeBody renders the body parameter. Form encoding needs an object and
// silently sends nothing otherwise.
func encodeBody(raw any, encoding string) (io.Reader, string, error) {
	if raw == nil {
		return nil, "", nil
	}
	switch encoding {
	case "form":
		fields, ok := raw.(map[string]any)
		if !ok {
			return nil, "", nil
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
	default:
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, "", schema.NewError(schema.ErrCodeRunnerFailed, "http.request: failed to marshal body as JSON").WithCause(err)
		}
		return bytes.NewReader(b), "application/json", nil
	}
}

// client returns a client for c on the runner's shared transport for its
// TLS setting. Redirect policy lives on the client, so calls never share it.
func (r *HTTPRequestRunner) client(c *httpCall) *http.Client {
	transport := r.transport
	if c.skipVerify {
		transport = r.insecure
	}
	hc := &http.Client{Transport: transport}
	switch limit := c.redirects; {
	case limit < 0:
		hc.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	case limit > 0:
		hc.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		}
	}
	return hc
}

// do sends one request described by params and returns the response item.
// Transport errors and 5xx responses count against the host's breaker.
func (r *HTTPRequestRunner) do(ctx context.Context, params map[string]any) (map[string]any, error) {
	call, err := r.parseCall(params)
	if err != nil {
		return nil, err
	}
	host := call.url.Host
	if err := r.breakers.Allow(host); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, call.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, call.method, call.url.String(), call.body)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeRunnerFailed, "http.request: failed to create request").WithCause(err)
	}
	if call.contentType != "" {
		req.Header.Set("Content-Type", call.contentType)
	}
	for k, v := range call.headers {
		req.Header.Set(k, fmt.Sprint(v))
	}
	applyAuth(req, call.auth)

	start := time.Now()
	resp, err := r.client(call).Do(req)
	if err != nil {
		if ctx.Err() == nil {
			r.breakers.RecordFailure(host)
		}
		return nil, schema.NewErrorf(schema.ErrCodeRunnerFailed, "http.request: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		r.breakers.RecordFailure(host)
	} else {
		r.breakers.RecordSuccess(host)
	}

	result, err := r.responseItem(resp, time.Since(start))
	if err != nil {
		return nil, err
	}
	if call.failOnStatus && resp.StatusCode >= 400 {
		return nil, schema.NewErrorf(schema.ErrCodeRunnerFailed, "http.request: server returned %d", resp.StatusCode).
			WithDetails(result)
	}
	return result, nil
}

// responseItem reads at most MaxResponseBody bytes. JSON bodies are decoded
// when they parse; anything else is kept as text.
func (r *HTTPRequestRunner) responseItem(resp *http.Response, took time.Duration) (map[string]any, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, r.config.MaxResponseBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeRunnerFailed, "http.request: failed to read response body").WithCause(err)
	}

	ctype := resp.Header.Get("Content-Type")
	var body any
	if len(raw) > 0 {
		body = string(raw)
		var decoded any
		if strings.Contains(ctype, "application/json") && json.Unmarshal(raw, &decoded) == nil {
			body = decoded
		}
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return map[string]any{
		"status_code":  resp.StatusCode,
		"status":       resp.Status,
		"headers":      headers,
		"body":         body,
		"content_type": ctype,
		"duration_ms":  took.Milliseconds(),
	}, nil
}

func applyAuth(req *http.Request, auth map[string]any) {
	if auth == nil {
		return
	}
	switch stringParam(auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
	case "api_key":
		if name := stringParam(auth, "header_name", ""); name != "" {
			req.Header.Set(name, stringParam(auth, "header_value", ""))
		}
	}
}
