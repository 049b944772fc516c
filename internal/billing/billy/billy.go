// Package billy is the HTTP client for the Billy billing API.
package billy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/balanced/invoice-feeder/internal/billing"
	"github.com/balanced/invoice-feeder/internal/circuitbreaker"
	"github.com/balanced/invoice-feeder/internal/observability"
	"github.com/balanced/invoice-feeder/internal/retry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 30 * time.Second
	pageSize       = 100

	duplicateClass = "DuplicateExternalIDError"
)

// Operation names used in logs, metrics and errors.
const (
	OpGetCompany     = "get_company"
	OpListCustomers  = "list_customers"
	OpCreateCustomer = "create_customer"
	OpCreateInvoice  = "create_invoice"
	OpCreateCompany  = "create_company"
)

// RateLimitConfig bounds the request rate. Zero RPS disables limiting.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Config holds the Billy client configuration.
type Config struct {
	Endpoint       string                `yaml:"endpoint"`
	APIKey         string                `yaml:"apiKey"`
	CompanyGUID    string                `yaml:"companyGuid"`
	Timeout        time.Duration         `yaml:"timeout"`
	Retry          retry.Config          `yaml:"retry"`
	RateLimit      RateLimitConfig       `yaml:"rateLimit"`
	CircuitBreaker circuitbreaker.Config `yaml:"circuitBreaker"`
}

// APIError is a non-2xx response from Billy.
type APIError struct {
	Operation string
	Status    int
	Class     string
	Message   string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("billy %s: http status %d", e.Operation, e.Status)
	if e.Class != "" {
		msg += " " + e.Class
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Temporary reports whether retrying the request may succeed.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Duplicate reports whether Billy rejected the request because the external
// id is already taken.
func (e *APIError) Duplicate() bool {
	return e.Class == duplicateClass || e.Status == http.StatusConflict
}

func (e *APIError) Unwrap() error {
	if e.Duplicate() {
		return billing.ErrDuplicateExternalID
	}
	return nil
}

// Client talks to the Billy API. It implements billing.Service.
type Client struct {
	base    *url.URL
	apiKey  string
	http    *http.Client
	retry   retry.Config
	breaker *circuitbreaker.Breaker
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *observability.Metrics
}

var _ billing.Service = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. The caller's client is used as
// is, without tracing instrumentation.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		c.logger = l
	}
}

// WithMetrics records request counts and the circuit state.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// New creates a Billy client for cfg.Endpoint.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("billy endpoint is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.Endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("billy endpoint: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("billy endpoint %q must be http or https", cfg.Endpoint)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	c := &Client{
		base:   base,
		apiKey: cfg.APIKey,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		retry:  cfg.Retry.WithDefaults(),
		logger: slog.Default(),
	}
	if cfg.RateLimit.RPS > 0 {
		burst := cfg.RateLimit.Burst
		if burst <= 0 {
			burst = max(1, int(cfg.RateLimit.RPS))
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RPS), burst)
	}
	for _, opt := range opts {
		opt(c)
	}

	breakerCfg := cfg.CircuitBreaker
	if breakerCfg == (circuitbreaker.Config{}) {
		breakerCfg = circuitbreaker.DefaultConfig()
	}
	c.breaker = circuitbreaker.New(breakerCfg, circuitbreaker.OnStateChange(c.onStateChange))
	return c, nil
}

func (c *Client) onStateChange(from, to circuitbreaker.State) {
	c.logger.Warn("billy circuit state changed", "from", from.String(), "to", to.String())
	if c.metrics != nil {
		c.metrics.CircuitBreakerState.Set(float64(to))
	}
}

// GetCompany fetches the company the API key belongs to.
func (c *Client) GetCompany(ctx context.Context, guid string) (*billing.Company, error) {
	if guid == "" {
		return nil, errors.New("company guid is required")
	}
	var company billing.Company
	err := c.idempotent(ctx, OpGetCompany, http.MethodGet, "/v1/companies/"+url.PathEscape(guid), nil, &company)
	if err != nil {
		return nil, err
	}
	return &company, nil
}

type customerPage struct {
	Items  []billing.Customer `json:"items"`
	Offset int                `json:"offset"`
	Limit  int                `json:"limit"`
	Total  int                `json:"total"`
}

// ListCustomers returns every customer with externalID, across pages.
func (c *Client) ListCustomers(ctx context.Context, externalID string) ([]billing.Customer, error) {
	var customers []billing.Customer
	for offset := 0; ; {
		q := url.Values{
			"external_id": {externalID},
			"offset":      {strconv.Itoa(offset)},
			"limit":       {strconv.Itoa(pageSize)},
		}
		var page customerPage
		if err := c.idempotent(ctx, OpListCustomers, http.MethodGet, "/v1/customers?"+q.Encode(), nil, &page); err != nil {
			return nil, err
		}
		customers = append(customers, page.Items...)
		offset += len(page.Items)
		if len(page.Items) < pageSize || (page.Total > 0 && offset >= page.Total) {
			return customers, nil
		}
	}
}

// CreateCustomer creates a customer under company. It is never retried: a
// retried create could leave two customers with the same external id.
func (c *Client) CreateCustomer(ctx context.Context, company *billing.Company, externalID string) (*billing.Customer, error) {
	form := url.Values{"external_id": {externalID}}
	var customer billing.Customer
	if err := c.once(ctx, OpCreateCustomer, http.MethodPost, "/v1/customers", form, &customer); err != nil {
		return nil, err
	}
	if customer.CompanyGUID == "" && company != nil {
		customer.CompanyGUID = company.GUID
	}
	return &customer, nil
}

// CreateInvoice submits req for customer. An invoice whose external id
// already exists yields the Duplicate outcome. Submission is retried since
// the external id makes it idempotent.
func (c *Client) CreateInvoice(ctx context.Context, customer *billing.Customer, req billing.InvoiceRequest) (billing.InvoiceResult, error) {
	var invoice billing.Invoice
	err := c.idempotent(ctx, OpCreateInvoice, http.MethodPost, "/v1/invoices", InvoiceForm(customer.GUID, req), &invoice)
	if errors.Is(err, billing.ErrDuplicateExternalID) {
		return billing.InvoiceResult{Outcome: billing.Duplicate}, nil
	}
	if err != nil {
		return billing.InvoiceResult{}, err
	}
	return billing.InvoiceResult{Outcome: billing.Created, Invoice: &invoice}, nil
}

// CreateCompany registers a new company for a payment processor key. The
// request is unauthenticated; the response carries the company's API key.
func (c *Client) CreateCompany(ctx context.Context, processorKey string) (*billing.Company, error) {
	if processorKey == "" {
		return nil, errors.New("processor key is required")
	}
	form := url.Values{"processor_key": {processorKey}}
	var company billing.Company
	if err := c.once(ctx, OpCreateCompany, http.MethodPost, "/v1/companies", form, &company); err != nil {
		return nil, err
	}
	return &company, nil
}

// InvoiceForm encodes an invoice request as Billy form fields. Items and
// adjustments are flattened with an index suffix, e.g. item_name0.
func InvoiceForm(customerGUID string, req billing.InvoiceRequest) url.Values {
	form := url.Values{
		"customer_guid": {customerGUID},
		"title":         {req.Title},
		"amount":        {strconv.FormatInt(req.Amount, 10)},
		"external_id":   {req.ExternalID},
	}
	if req.PaymentURI != "" {
		form.Set("payment_uri", req.PaymentURI)
	}
	for i, item := range req.Items {
		n := strconv.Itoa(i)
		form.Set("item_type"+n, item.Type)
		form.Set("item_name"+n, item.Name)
		form.Set("item_quantity"+n, strconv.FormatInt(item.Quantity, 10))
		form.Set("item_volume"+n, strconv.FormatInt(item.Volume, 10))
		form.Set("item_amount"+n, strconv.FormatInt(item.Amount, 10))
	}
	for i, adj := range req.Adjustments {
		n := strconv.Itoa(i)
		form.Set("adjustment_amount"+n, strconv.FormatInt(adj.Amount, 10))
		form.Set("adjustment_reason"+n, adj.Reason)
	}
	return form
}

// idempotent runs the request with retries on transient failures.
func (c *Client) idempotent(ctx context.Context, op, method, path string, form url.Values, out any) error {
	return retry.Do(ctx, c.retry, func(int) error {
		err := c.once(ctx, op, method, path, form, out)
		if err != nil && (ctx.Err() != nil || !retryable(err)) {
			return retry.Permanent(err)
		}
		return err
	}, func(attempt int, err error, wait time.Duration) {
		c.logger.Warn("billy request failed, retrying",
			"operation", op, "attempt", attempt, "wait", wait, "error", err)
	})
}

// once runs the request a single time through the rate limiter and the
// circuit breaker.
func (c *Client) once(ctx context.Context, op, method, path string, form url.Values, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("billy %s: rate limit: %w", op, err)
		}
	}
	err := c.breaker.Execute(func() error {
		return c.do(ctx, op, method, path, form, out)
	}, retryable)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fmt.Errorf("billy %s: %w", op, err)
	}
	return err
}

func (c *Client) do(ctx context.Context, op, method, path string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("billy %s: create request: %w", op, err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" && op != OpCreateCompany {
		req.SetBasicAuth(c.apiKey, "")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.count(op, "error")
		return fmt.Errorf("billy %s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()
	c.count(op, strconv.Itoa(resp.StatusCode))

	c.logger.Debug("billy request",
		"operation", op,
		"method", method,
		"status", resp.StatusCode,
		"latency_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(op, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("billy %s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) count(op, status string) {
	if c.metrics != nil {
		c.metrics.BillingRequests.WithLabelValues(op, status).Inc()
	}
}

func decodeError(op string, resp *http.Response) error {
	apiErr := &APIError{Operation: op, Status: resp.StatusCode}
	var payload struct {
		ErrorClass   string `json:"error_class"`
		ErrorMessage string `json:"error_message"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &payload) == nil {
		apiErr.Class = payload.ErrorClass
		apiErr.Message = payload.ErrorMessage
	}
	return apiErr
}

// retryable reports whether err is a transient failure: a transport error
// or a 429/5xx response. It also decides what the circuit breaker counts.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}
