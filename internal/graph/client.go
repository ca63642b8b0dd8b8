// Package graph talks to the Graph API endpoints the reporters depend on:
// conversion configuration, server-side rule matching, catalog filtering
// and aggregation postbacks.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/patrickwarner/openaem/internal/observability"
	"github.com/patrickwarner/openaem/internal/ratelimit"
)

// ErrNetwork wraps transport failures and non-2xx responses.
var ErrNetwork = errors.New("graph: request failed")

// Requester issues Graph requests. path is relative to the API version
// root, e.g. "1234/aem_conversion_configs".
type Requester interface {
	Get(ctx context.Context, path string, params map[string]any) (map[string]any, error)
	Post(ctx context.Context, path string, params map[string]any) (map[string]any, error)
}

// StatusError carries the HTTP status of a failed call.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrNetwork }

// Client is the HTTP implementation of Requester.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	limiter     *ratelimit.KeyedLimiter
	logger      *zap.Logger
	metrics     observability.MetricsRegistry
}

// Options configures a Client.
type Options struct {
	BaseURL     string
	AccessToken string // appended as access_token when set
	Timeout     time.Duration
	Limiter     *ratelimit.KeyedLimiter
}

// NewClient creates a Graph client whose transport is traced with otelhttp.
func NewClient(opts Options, logger *zap.Logger, metrics observability.MetricsRegistry) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		accessToken: opts.AccessToken,
		httpClient: &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		limiter: opts.Limiter,
		logger:  logger,
		metrics: metrics,
	}
}

func (c *Client) Get(ctx context.Context, p string, params map[string]any) (map[string]any, error) {
	return c.do(ctx, http.MethodGet, p, params)
}

func (c *Client) Post(ctx context.Context, p string, params map[string]any) (map[string]any, error) {
	return c.do(ctx, http.MethodPost, p, params)
}

// Endpoint reduces a request path to its last segment so metrics and rate
// limits are keyed by endpoint, not by app id.
func Endpoint(p string) string {
	return path.Base("/" + strings.Trim(p, "/"))
}

func (c *Client) do(ctx context.Context, method, p string, params map[string]any) (map[string]any, error) {
	endpoint := Endpoint(p)
	if err := c.limiter.Wait(ctx, endpoint); err != nil {
		c.metrics.IncrementGraphRequests(endpoint, "rate_limited")
		return nil, fmt.Errorf("%w: rate limit wait: %v", ErrNetwork, err)
	}

	form, err := EncodeParams(params)
	if err != nil {
		c.metrics.IncrementGraphRequests(endpoint, "encode_error")
		return nil, err
	}
	if c.accessToken != "" {
		form.Set("access_token", c.accessToken)
	}

	target := c.baseURL + "/" + strings.TrimLeft(p, "/")
	var req *http.Request
	if method == http.MethodGet {
		if enc := form.Encode(); enc != "" {
			target += "?" + enc
		}
		req, err = http.NewRequestWithContext(ctx, method, target, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, target, strings.NewReader(form.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		c.metrics.IncrementGraphRequests(endpoint, "failure")
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.IncrementGraphRequests(endpoint, "failure")
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("failed to close response body", zap.Error(err))
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.IncrementGraphRequests(endpoint, "failure")
		return nil, fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}
	c.metrics.IncrementGraphRequests(endpoint, strconv.Itoa(resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	result := map[string]any{}
	if len(body) == 0 {
		return result, nil
	}
	if err := json.Unmarshal(body, &result); err != nil {
		// endpoints such as aem_conversions may answer with a bare true
		var ok bool
		if json.Unmarshal(body, &ok) == nil {
			return map[string]any{"success": ok}, nil
		}
		return nil, fmt.Errorf("%w: decode response: %v", ErrNetwork, err)
	}
	return result, nil
}

// EncodeParams flattens request parameters into form values. Strings go
// through unchanged; everything else is JSON encoded, which is how the API
// expects nested arrays and objects.
func EncodeParams(params map[string]any) (url.Values, error) {
	form := url.Values{}
	for k, v := range params {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			form.Set(k, val)
		case bool:
			form.Set(k, strconv.FormatBool(val))
		default:
			b, err := json.Marshal(val)
			if err != nil {
				return nil, fmt.Errorf("encode param %s: %w", k, err)
			}
			form.Set(k, string(b))
		}
	}
	return form, nil
}
