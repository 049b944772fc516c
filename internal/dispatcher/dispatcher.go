// Package dispatcher turns queued invoice events into Billy invoices.
//
// Handle runs one event through filter, archive, transform, customer
// resolution and submission. The event is acknowledged only after it was
// filtered out, submitted, or found to be a duplicate; every other outcome
// leaves it un-acked and returns an error.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/balanced/invoice-feeder/internal/archive"
	"github.com/balanced/invoice-feeder/internal/billing"
	"github.com/balanced/invoice-feeder/internal/dlq"
	"github.com/balanced/invoice-feeder/internal/event"
	"github.com/balanced/invoice-feeder/internal/filter"
	"github.com/balanced/invoice-feeder/internal/invoice"
	"github.com/balanced/invoice-feeder/internal/observability"
	"github.com/balanced/invoice-feeder/internal/source"
	"github.com/balanced/invoice-feeder/internal/tracing"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ErrorPolicy decides what Run does with an event Handle failed on.
type ErrorPolicy string

const (
	// PolicyStop returns the error from Run; the event stays un-acked and
	// is redelivered after restart.
	PolicyStop ErrorPolicy = "stop"
	// PolicyDeadLetter publishes the event to the dead-letter destination,
	// acks it and keeps consuming.
	PolicyDeadLetter ErrorPolicy = "deadletter"
)

// Valid reports whether p is a known policy.
func (p ErrorPolicy) Valid() bool {
	return p == PolicyStop || p == PolicyDeadLetter
}

// Outcome labels for logs and metrics.
const (
	OutcomeFiltered  = "filtered"
	OutcomeCreated   = "created"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
)

// Config holds dispatcher configuration.
type Config struct {
	CompanyGUID string
	OnError     ErrorPolicy
}

// Dispatcher processes invoice events one at a time.
type Dispatcher struct {
	cfg         Config
	billing     billing.Service
	transformer *invoice.Transformer
	archiver    archive.Archiver
	filter      *filter.Filter
	dlq         *dlq.Handler
	logger      *observability.TraceLogger
	metrics     *observability.Metrics
	tracer      trace.Tracer

	mu      sync.Mutex
	company *billing.Company
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = observability.NewTraceLogger(l)
	}
}

// WithArchiver stores every invoice event before it is transformed.
func WithArchiver(a archive.Archiver) Option {
	return func(d *Dispatcher) {
		d.archiver = a
	}
}

// WithFilter drops invoice events the filter rejects.
func WithFilter(f *filter.Filter) Option {
	return func(d *Dispatcher) {
		d.filter = f
	}
}

// WithDeadLetter sets the handler used by PolicyDeadLetter.
func WithDeadLetter(h *dlq.Handler) Option {
	return func(d *Dispatcher) {
		d.dlq = h
	}
}

// WithMetrics records outcomes and stage durations.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) {
		d.tracer = t
	}
}

// New creates a Dispatcher submitting invoices to svc under the company in
// cfg. A nil transformer uses invoice.NewTransformer defaults.
func New(cfg Config, svc billing.Service, tr *invoice.Transformer, opts ...Option) (*Dispatcher, error) {
	if svc == nil {
		return nil, errors.New("billing service is required")
	}
	if cfg.CompanyGUID == "" {
		return nil, errors.New("company guid is required")
	}
	if cfg.OnError == "" {
		cfg.OnError = PolicyStop
	}
	if !cfg.OnError.Valid() {
		return nil, fmt.Errorf("unknown error policy %q", cfg.OnError)
	}
	if tr == nil {
		tr = invoice.NewTransformer()
	}

	d := &Dispatcher{
		cfg:         cfg,
		billing:     svc,
		transformer: tr,
		logger:      observability.NewTraceLogger(slog.Default()),
		tracer:      noop.NewTracerProvider().Tracer("dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	if cfg.OnError == PolicyDeadLetter && d.dlq == nil {
		return nil, errors.New("deadletter policy requires a dead-letter handler")
	}
	return d, nil
}

// Run consumes src until ctx is cancelled or an event fails in a way the
// policy does not absorb. Under PolicyDeadLetter only permanent failures are
// dead-lettered; transient billing failures stop the run unacked so the
// broker redelivers them.
func (d *Dispatcher) Run(ctx context.Context, src source.Source) error {
	d.logger.Info(ctx, "starting dispatcher", "company_guid", d.cfg.CompanyGUID, "on_error", string(d.cfg.OnError))

	return src.Start(ctx, func(ctx context.Context, evt source.Event) error {
		err := d.Handle(ctx, evt)
		if err == nil {
			return nil
		}
		d.count(OutcomeFailed)

		code := ErrorCode(err)
		if ctx.Err() != nil || d.cfg.OnError == PolicyStop || !deadLetterable(code) {
			d.logger.Error(ctx, "event processing failed",
				"correlation_id", evt.CorrelationID,
				"queue", evt.Topic,
				"offset", evt.Offset,
				"error_code", code,
				"error", err,
			)
			return err
		}
		return d.deadLetter(ctx, evt, err)
	})
}

func (d *Dispatcher) deadLetter(ctx context.Context, evt source.Event, cause error) error {
	code := ErrorCode(cause)
	info := dlq.FailureInfo{
		OriginalQueue: evt.Topic,
		ErrorCode:     code,
		ErrorMessage:  cause.Error(),
		EventGUID:     guidOf(evt.Value),
		CorrelationID: evt.CorrelationID,
	}
	if err := d.dlq.Send(ctx, evt.Key, evt.Value, evt.Headers, info); err != nil {
		d.logger.Error(ctx, "failed to send to DLQ", "event_guid", info.EventGUID, "error", err)
		return errors.Join(cause, err)
	}
	if d.metrics != nil {
		d.metrics.DLQTotal.WithLabelValues(code).Inc()
	}
	d.logger.Warn(ctx, "event dead-lettered",
		"event_guid", info.EventGUID,
		"destination", d.dlq.Destination(),
		"error_code", code,
		"error", cause,
	)
	if err := evt.Ack(ctx); err != nil {
		return fmt.Errorf("ack dead-lettered event: %w", err)
	}
	return nil
}

// Handle processes one event.
func (d *Dispatcher) Handle(ctx context.Context, evt source.Event) (err error) {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, d.tracer, tracing.SpanDispatch,
		trace.WithAttributes(tracing.CorrelationAttr(evt.CorrelationID)))
	defer func() { tracing.End(span, err) }()

	typ, err := event.PeekType(evt.Value)
	if err != nil {
		return err
	}
	span.SetAttributes(tracing.EventTypeAttr(typ))
	if !event.IsInvoiceType(typ) {
		d.logger.Warn(ctx, "ignoring event type", "type", typ, "correlation_id", evt.CorrelationID)
		return d.ack(ctx, evt, span, OutcomeFiltered)
	}

	e, err := event.Parse(evt.Value)
	if err != nil {
		return err
	}
	span.SetAttributes(tracing.EventGUIDAttr(e.GUID))
	log := d.logger.With("event_guid", e.GUID, "correlation_id", evt.CorrelationID)
	if d.filter != nil {
		ok, err := d.filter.Match(ctx, e)
		if err != nil {
			return fmt.Errorf("filter %s: %w", e.GUID, err)
		}
		if !ok {
			log.Info(ctx, "event rejected by filter", "type", e.Type, "filter", d.filter.String())
			return d.ack(ctx, evt, span, OutcomeFiltered)
		}
	}

	d.archive(ctx, log, e.GUID, evt.Value)

	draft, err := d.transform(ctx, log, e)
	if err != nil {
		return fmt.Errorf("transform %s: %w", e.GUID, err)
	}
	span.SetAttributes(tracing.ExternalIDAttr(draft.Request.ExternalID), tracing.CustomerAttr(draft.CustomerExternalID))

	company, err := d.companyFor(ctx)
	if err != nil {
		return err
	}

	customer, err := d.resolveCustomer(ctx, log, company, draft.CustomerExternalID)
	if err != nil {
		return err
	}

	outcome, err := d.submit(ctx, log, customer, draft)
	if err != nil {
		return err
	}

	if err := d.ack(ctx, evt, span, outcome); err != nil {
		return err
	}
	d.observe("total", start)
	log.Info(ctx, "processed invoice",
		"invoice_guid", draft.Request.ExternalID,
		"marketplace_uri", draft.MarketplaceURI,
		"outcome", outcome,
	)
	return nil
}

func (d *Dispatcher) ack(ctx context.Context, evt source.Event, span trace.Span, outcome string) error {
	if err := evt.Ack(ctx); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	span.SetAttributes(tracing.OutcomeAttr(outcome))
	d.count(outcome)
	return nil
}

func (d *Dispatcher) archive(ctx context.Context, log *observability.TraceLogger, guid string, body []byte) {
	if d.archiver == nil {
		return
	}
	defer d.observe("archive", time.Now())

	ctx, span := tracing.StartSpan(ctx, d.tracer, tracing.SpanArchive)
	data, err := archive.Encode(body)
	if err == nil {
		err = d.archiver.Write(ctx, guid, data)
	}
	tracing.End(span, err)
	if err != nil {
		log.Error(ctx, "failed to archive event", "error", err)
		if d.metrics != nil {
			d.metrics.ArchiveErrors.Inc()
		}
	}
}

func (d *Dispatcher) transform(ctx context.Context, log *observability.TraceLogger, e *event.Event) (_ *invoice.Draft, err error) {
	defer d.observe("transform", time.Now())
	ctx, span := tracing.StartSpan(ctx, d.tracer, tracing.SpanTransform)
	defer func() { tracing.End(span, err) }()

	draft, err := d.transformer.Transform(e)
	if err != nil {
		return nil, err
	}

	log.Info(ctx, "processing invoice",
		"invoice_guid", draft.Request.ExternalID,
		"marketplace_guid", draft.MarketplaceGUID,
	)
	for _, item := range draft.Request.Items {
		log.Info(ctx, "line item",
			"type", item.Type,
			"quantity", item.Quantity,
			"volume", item.Volume,
			"name", item.Name,
			"amount", item.Amount,
		)
	}
	for _, adj := range draft.Request.Adjustments {
		log.Info(ctx, "adjustment", "amount", adj.Amount, "reason", adj.Reason)
	}
	attrs := []any{
		"marketplace_uri", draft.MarketplaceURI,
		"customer_uri", draft.CustomerURI,
		"funding_source_uri", draft.FundingSourceURI,
		"amount", draft.Request.Amount,
	}
	if fee, ok, _ := e.EntityData.OptionalInt("adjustments_total_fee"); ok {
		attrs = append(attrs, "adjustments_total_fee", fee)
	}
	if fee, err := e.EntityData.Int("total_fee"); err == nil {
		attrs = append(attrs, "total_fee", fee)
	}
	log.Info(ctx, "invoice totals", attrs...)
	return draft, nil
}

// companyFor returns the configured company, fetching it on first use.
func (d *Dispatcher) companyFor(ctx context.Context) (*billing.Company, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.company != nil {
		return d.company, nil
	}
	company, err := d.billing.GetCompany(ctx, d.cfg.CompanyGUID)
	if err != nil {
		return nil, fmt.Errorf("get company %s: %w", d.cfg.CompanyGUID, err)
	}
	d.company = company
	return company, nil
}

func (d *Dispatcher) resolveCustomer(ctx context.Context, log *observability.TraceLogger, company *billing.Company, externalID string) (_ *billing.Customer, err error) {
	defer d.observe("resolve_customer", time.Now())
	ctx, span := tracing.StartSpan(ctx, d.tracer, tracing.SpanResolveCustomer,
		trace.WithAttributes(tracing.CustomerAttr(externalID)))
	defer func() { tracing.End(span, err) }()

	customer, created, err := billing.ResolveCustomer(ctx, d.billing, company, externalID)
	if err != nil {
		return nil, err
	}
	if created {
		log.Info(ctx, "created customer", "customer_guid", customer.GUID, "external_id", externalID)
		if d.metrics != nil {
			d.metrics.CustomersCreated.Inc()
		}
	}
	return customer, nil
}

func (d *Dispatcher) submit(ctx context.Context, log *observability.TraceLogger, customer *billing.Customer, draft *invoice.Draft) (_ string, err error) {
	defer d.observe("create_invoice", time.Now())
	ctx, span := tracing.StartSpan(ctx, d.tracer, tracing.SpanCreateInvoice,
		trace.WithAttributes(tracing.ExternalIDAttr(draft.Request.ExternalID)))
	defer func() { tracing.End(span, err) }()

	res, err := d.billing.CreateInvoice(ctx, customer, draft.Request)
	if err != nil {
		return "", fmt.Errorf("create invoice %s: %w", draft.Request.ExternalID, err)
	}

	switch res.Outcome {
	case billing.Duplicate:
		log.Warn(ctx, "invoice already created, acknowledging", "invoice_guid", draft.Request.ExternalID)
		return OutcomeDuplicate, nil
	default:
		var billyGUID string
		if res.Invoice != nil {
			billyGUID = res.Invoice.GUID
		}
		log.Info(ctx, "created invoice", "billy_invoice_guid", billyGUID, "invoice_guid", draft.Request.ExternalID)
		return OutcomeCreated, nil
	}
}

func (d *Dispatcher) count(outcome string) {
	if d.metrics != nil {
		d.metrics.EventsTotal.WithLabelValues(outcome).Inc()
	}
}

func (d *Dispatcher) observe(stage string, start time.Time) {
	if d.metrics != nil {
		d.metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

// Close closes the archiver and the dead-letter handler.
func (d *Dispatcher) Close() error {
	var errs []error
	if d.archiver != nil {
		if err := d.archiver.Close(); err != nil {
			errs = append(errs, fmt.Errorf("archive close: %w", err))
		}
	}
	if d.dlq != nil {
		if err := d.dlq.Close(); err != nil {
			errs = append(errs, fmt.Errorf("dlq close: %w", err))
		}
	}
	return errors.Join(errs...)
}
