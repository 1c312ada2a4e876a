// Package hms is the typed client of the hospital management API that owns
// every patient, visit, catalog and staff record.
package hms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/clinicdesk/opd-console/internal/domain/form"
	"github.com/clinicdesk/opd-console/internal/observability/metrics"
	"github.com/clinicdesk/opd-console/pkg/circuitbreaker"
)

// Endpoint groups, one circuit breaker each
const (
	GroupAuth     = "auth"
	GroupPatients = "patients"
	GroupVisits   = "visits"
	GroupCatalog  = "catalog"
	GroupAdmin    = "admin"
	GroupReports  = "reports"
)

const maxBody = 4 << 20

// APIError is a non-2xx answer from the HMS API
type APIError struct {
	Status  int
	Message string
	Path    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("hms %s: status %d", e.Path, e.Status)
	}
	return fmt.Sprintf("hms %s: status %d: %s", e.Path, e.Status, e.Message)
}

// UserMessage is the server's own message, if it sent one
func (e *APIError) UserMessage() string { return e.Message }

// MessageOf returns the server message carried by err, else fallback
func MessageOf(err error, fallback string) string {
	return form.MessageOf(err, fallback)
}

// IsUnauthorized reports whether the HMS API rejected the bearer token
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && (apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden)
}

// countsAgainstUpstream excludes answers caused by the request itself
func countsAgainstUpstream(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	return true
}

type tokenKey struct{}

// WithToken attaches the bearer token used for calls made with ctx
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFrom returns the bearer token attached to ctx
func TokenFrom(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey{}).(string)
	return token
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Breaker circuitbreaker.Config
}

// DefaultConfig returns defaults for baseURL
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL: baseURL,
		Timeout: 15 * time.Second,
		Breaker: circuitbreaker.DefaultConfig("hms"),
	}
}

// Client calls the HMS API
type Client struct {
	base     *url.URL
	http     *http.Client
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMetrics records upstream calls and breaker transitions
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a client for cfg.BaseURL
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid HMS base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig("").Timeout
	}

	c := &Client{
		base:   base,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("component", "hms")),
		tracer: otel.Tracer("hms-client"),
	}
	for _, opt := range opts {
		opt(c)
	}

	breaker := cfg.Breaker
	if breaker.Name == "" {
		breaker = circuitbreaker.DefaultConfig("hms")
	}
	breaker.IsFailure = countsAgainstUpstream
	breaker.OnStateChange = func(name string, to circuitbreaker.State) {
		c.metrics.SetBreakerState(name, to.Level())
	}
	c.breakers = circuitbreaker.NewManager(breaker, c.logger)
	return c, nil
}

// Health returns the breaker state of every endpoint group used so far
func (c *Client) Health() []circuitbreaker.HealthStatus {
	return c.breakers.GetHealthStatus()
}

// call sends one request and returns the raw response body of a 2xx answer
func (c *Client) call(ctx context.Context, group, method, path string, query url.Values, body interface{}) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "hms "+method+" "+path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", method),
			attribute.String("hms.path", path),
			attribute.String("hms.group", group),
		))
	defer span.End()

	breaker, err := c.breakers.Get(group)
	if err != nil {
		return nil, err
	}

	var (
		out    []byte
		status int
	)
	start := time.Now()
	err = breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		out, status, err = c.roundTrip(ctx, method, path, query, body)
		return err
	})
	c.metrics.ObserveUpstream(group, status, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Debug("hms call failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Error(err))
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", status))
	return out, nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, body interface{}) ([]byte, int, error) {
	u := c.base.ResolveReference(&url.URL{Path: strings.TrimLeft(path, "/")})
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("encode %s body: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return nil, 0, fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := TokenFrom(ctx); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("hms %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, &APIError{Status: resp.StatusCode, Message: serverMessage(raw), Path: path}
	}
	return raw, resp.StatusCode, nil
}

// serverMessage extracts {"message": "..."} from an error body
func serverMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	if body.Message != "" {
		return body.Message
	}
	return body.Error
}

func (c *Client) get(ctx context.Context, group, path string, query url.Values) ([]byte, error) {
	return c.call(ctx, group, http.MethodGet, path, query, nil)
}

func (c *Client) post(ctx context.Context, group, path string, body interface{}) ([]byte, error) {
	return c.call(ctx, group, http.MethodPost, path, nil, body)
}

// decode unmarshals a 2xx body into out. An empty body leaves out untouched.
func decode(path string, raw []byte, out interface{}) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// decodeList unmarshals a JSON array. Any other body is an empty list.
func decodeList[T any](path string, raw []byte) ([]T, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return []T{}, nil
	}
	var out []T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode %s list: %w", path, err)
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}

func list[T any](ctx context.Context, c *Client, group, path string, query url.Values) ([]T, error) {
	raw, err := c.get(ctx, group, path, query)
	if err != nil {
		return nil, err
	}
	return decodeList[T](path, raw)
}
