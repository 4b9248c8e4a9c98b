package webhook

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/istresearch/rapidpro-sub000/internal/logging"
	"github.com/istresearch/rapidpro-sub000/pkg/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultTimeout keeps a webhook step well inside the message handling budget.
	DefaultTimeout = 10 * time.Second

	maxBodyBytes = 64 * 1024
	userAgent    = "rapidpro-flows/1.0"
)

// Caller performs webhook and resthook steps synchronously. Any transport
// error, timeout or non-2xx answer becomes a failure result; Call never
// returns an error.
type Caller struct {
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
	tracer  trace.Tracer
}

// Option configures a Caller.
type Option func(*Caller)

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(c *Caller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Caller) { c.client = client }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Caller) { c.logger = logger }
}

// WithTracer sets the tracer used for request spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Caller) { c.tracer = tracer }
}

// New creates a Caller.
func New(opts ...Option) *Caller {
	c := &Caller{
		client:  &http.Client{},
		timeout: DefaultTimeout,
		logger:  logging.NewNop(),
		tracer:  otel.Tracer("github.com/istresearch/rapidpro-sub000/pkg/webhook"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call performs a single webhook request.
func (c *Caller) Call(ctx context.Context, cfg domain.WebhookConfig, body string) *domain.WebhookResult {
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}
	return c.do(ctx, method, cfg.URL, cfg.Headers, body)
}

// CallResthook posts body to every subscriber. The aggregate is a success
// unless a subscriber failed hard; a 410 Gone marks the subscriber as
// unsubscribed and still counts as success. With no subscribers the call
// trivially succeeds.
func (c *Caller) CallResthook(ctx context.Context, subscribers []string, body string) *domain.WebhookResult {
	agg := &domain.WebhookResult{Status: domain.WebhookStatusSuccess, StatusCode: http.StatusOK}
	for _, url := range subscribers {
		res := c.do(ctx, http.MethodPost, url, nil, body)
		switch {
		case res.StatusCode == http.StatusGone:
			agg.Unsubscribed = append(agg.Unsubscribed, url)
		case res.Status == domain.WebhookStatusFailure:
			agg.Status = domain.WebhookStatusFailure
			agg.StatusCode = res.StatusCode
			agg.URL = res.URL
			agg.Body = res.Body
		case agg.Status == domain.WebhookStatusSuccess:
			agg.StatusCode = res.StatusCode
			agg.URL = res.URL
			agg.Body = res.Body
		}
	}
	return agg
}

func (c *Caller) do(ctx context.Context, method, url string, headers map[string]string, body string) *domain.WebhookResult {
	result := &domain.WebhookResult{Status: domain.WebhookStatusFailure, URL: url}
	logger := c.logger.With("url", url, "method", method)

	ctx, span := c.tracer.Start(ctx, "webhook.call", trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.url", url),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if method != http.MethodGet && body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		result.Body = fmt.Sprintf("invalid request: %v", err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("webhook request could not be built", "error", err)
		return result
	}
	req.Header.Set("User-Agent", userAgent)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		result.Body = err.Error()
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("webhook request failed", "error", err)
		return result
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		logger.Warn("failed to read webhook response", "error", err)
	}
	result.StatusCode = resp.StatusCode
	result.Body = string(raw)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		result.Status = domain.WebhookStatusSuccess
	} else {
		span.SetStatus(codes.Error, resp.Status)
	}
	logger.Debug("webhook called", "status", resp.StatusCode)
	return result
}
