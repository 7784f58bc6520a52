package webhooks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/forgenet/core-go/pkg/crypto"
	"github.com/forgenet/core-go/pkg/observability"
)

// DefaultDeliveryTimeout bounds one delivery attempt end to end.
const DefaultDeliveryTimeout = 5 * time.Second

// timeoutResponse is recorded verbatim when an attempt exceeds the timeout.
const timeoutResponse = "Request timed out after 5 seconds."

// recordOutcomeTimeout bounds the outcome write after an attempt resolves.
const recordOutcomeTimeout = 5 * time.Second

// Engine records and delivers webhook events for one resource.
type Engine struct {
	resource   *Resource
	subs       *SubscriptionStore
	deliveries *DeliveryStore
	queue      TaskQueue
	signer     *crypto.Signer
	client     *http.Client
	timeout    time.Duration
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// EngineConfig wires an Engine's collaborators.
type EngineConfig struct {
	Resource      *Resource
	Subscriptions *SubscriptionStore
	Deliveries    *DeliveryStore
	Queue         TaskQueue
	Signer        *crypto.Signer
	// Timeout bounds one delivery attempt. Zero means
	// DefaultDeliveryTimeout.
	Timeout time.Duration
	Logger  *observability.Logger
	Metrics *observability.Metrics
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Resource == nil {
		return nil, fmt.Errorf("resource is required")
	}
	if cfg.Subscriptions == nil || cfg.Deliveries == nil {
		return nil, fmt.Errorf("subscription and delivery stores are required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("task queue is required")
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("payload signer is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultDeliveryTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Engine{
		resource:   cfg.Resource,
		subs:       cfg.Subscriptions,
		deliveries: cfg.Deliveries,
		queue:      cfg.Queue,
		signer:     cfg.Signer,
		client:     &http.Client{Timeout: timeout},
		timeout:    timeout,
		logger:     logger,
		metrics:    cfg.Metrics,
	}, nil
}

// Resource returns the resource this engine delivers for.
func (e *Engine) Resource() *Resource {
	return e.resource
}

// Deliver records and dispatches a delivery to every subscription listening
// for the event, restricted by extra-column filters. Subscriptions matched
// only by the coarse SQL scan are skipped after parsing their event lists.
func (e *Engine) Deliver(ctx context.Context, event string, payload []byte, filters ...Filter) error {
	if !e.resource.ValidEvent(event) {
		return fmt.Errorf("unknown %s event %q", e.resource.Name(), event)
	}
	subs, err := e.subs.Matching(ctx, event, filters...)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		if !sub.HasEvent(event) {
			continue
		}
		sub := sub
		g.Go(func() error {
			return e.Notify(ctx, sub, event, payload)
		})
	}
	return g.Wait()
}

// Notify records a pending delivery for one subscription and hands it to
// the queue. The delivery row is committed before the queue sees it, so a
// crashed worker leaves an inspectable pending record rather than nothing.
func (e *Engine) Notify(ctx context.Context, sub *Subscription, event string, payload []byte) error {
	payload = truncate(payload)

	headers, err := e.signer.SignedHeaders(payload)
	if err != nil {
		return fmt.Errorf("signing payload: %w", err)
	}
	delivery := &Delivery{
		UUID:           uuid.NewString(),
		Event:          event,
		URL:            sub.URL,
		Payload:        string(payload),
		SubscriptionID: sub.ID,
	}
	headers.Set("Content-Type", "application/json")
	headers.Set("X-Webhook-Event", event)
	headers.Set("X-Webhook-Delivery", delivery.UUID)
	delivery.PayloadHeaders = flattenHeaders(headers)

	if err := e.deliveries.Create(ctx, delivery); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.WebhookPayloadSize.WithLabelValues(e.resource.Name()).
			Observe(float64(len(payload)))
	}
	if err := e.queue.Enqueue(ctx, Task{
		Resource:   e.resource.Name(),
		DeliveryID: delivery.ID,
	}); err != nil {
		e.logger.WithError(err).WithFields(map[string]interface{}{
			"resource":    e.resource.Name(),
			"delivery_id": delivery.ID,
		}).Error("failed to enqueue webhook delivery")
		return err
	}
	return nil
}

// ProcessDelivery attempts the HTTP request for a recorded delivery and
// stores the outcome. Satisfies Processor.
func (e *Engine) ProcessDelivery(ctx context.Context, deliveryID int64) error {
	delivery, err := e.deliveries.GetByID(ctx, deliveryID)
	if err != nil {
		return err
	}
	if delivery == nil {
		return fmt.Errorf("delivery %d not found", deliveryID)
	}
	return e.attempt(ctx, delivery, StatusPending)
}

// Redeliver re-attempts a delivery synchronously with a fresh signature,
// overwriting the previous outcome.
func (e *Engine) Redeliver(ctx context.Context, delivery *Delivery) error {
	headers, err := e.signer.SignedHeaders([]byte(delivery.Payload))
	if err != nil {
		return fmt.Errorf("signing payload: %w", err)
	}
	headers.Set("Content-Type", "application/json")
	headers.Set("X-Webhook-Event", delivery.Event)
	headers.Set("X-Webhook-Delivery", delivery.UUID)
	delivery.PayloadHeaders = flattenHeaders(headers)

	return e.attempt(ctx, delivery, delivery.ResponseStatus)
}

func (e *Engine) attempt(ctx context.Context, delivery *Delivery, oldStatus int) error {
	start := time.Now()
	postCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	status, response, responseHeaders, err := e.post(postCtx, delivery)
	switch {
	case err == nil:
		delivery.ResponseStatus = status
		delivery.Response = response
		delivery.ResponseHeaders = responseHeaders
	case isTimeout(err):
		delivery.ResponseStatus = StatusTimeout
		delivery.Response = timeoutResponse
		delivery.ResponseHeaders = ""
	default:
		delivery.ResponseStatus = StatusTimeout
		delivery.Response = truncateString(err.Error())
		delivery.ResponseHeaders = ""
	}

	if e.metrics != nil {
		e.metrics.WebhookDeliveriesTotal.WithLabelValues(e.resource.Name(),
			delivery.Event, strconv.Itoa(delivery.ResponseStatus)).Inc()
		e.metrics.WebhookDeliveryDuration.WithLabelValues(e.resource.Name()).
			Observe(time.Since(start).Seconds())
	}
	e.logger.WithFields(map[string]interface{}{
		"resource":        e.resource.Name(),
		"event":           delivery.Event,
		"delivery_id":     delivery.ID,
		"response_status": delivery.ResponseStatus,
	}).Info("webhook delivery attempted")

	// A timed-out attempt must still record its outcome, so the write runs
	// outside the attempt deadline.
	recordCtx, cancelRecord := context.WithTimeout(
		context.WithoutCancel(ctx), recordOutcomeTimeout)
	defer cancelRecord()
	updated, err := e.deliveries.RecordOutcome(recordCtx, delivery, oldStatus)
	if err != nil {
		return err
	}
	if !updated {
		e.logger.WithField("delivery_id", delivery.ID).
			Warn("delivery outcome discarded, row changed concurrently")
	}
	return nil
}

func (e *Engine) post(ctx context.Context, delivery *Delivery) (int, string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		delivery.URL, strings.NewReader(delivery.Payload))
	if err != nil {
		return 0, "", "", err
	}
	req.Header = parseFlatHeaders(delivery.PayloadHeaders)

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, "", "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxPayloadSize))
	if err != nil {
		return 0, "", "", err
	}
	return resp.StatusCode, string(body), flattenHeaders(resp.Header), nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var timeoutErr interface{ Timeout() bool }
	return errors.As(err, &timeoutErr) && timeoutErr.Timeout()
}

func truncate(payload []byte) []byte {
	if len(payload) > MaxPayloadSize {
		return payload[:MaxPayloadSize]
	}
	return payload
}

func truncateString(s string) string {
	if len(s) > MaxPayloadSize {
		return s[:MaxPayloadSize]
	}
	return s
}

// flattenHeaders renders headers one per line, sorted by name for stable
// storage.
func flattenHeaders(h http.Header) string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		for _, value := range h[name] {
			fmt.Fprintf(&b, "%s: %s\n", name, value)
		}
	}
	return b.String()
}

func parseFlatHeaders(flat string) http.Header {
	h := make(http.Header)
	for _, line := range strings.Split(flat, "\n") {
		name, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		h.Add(name, value)
	}
	return h
}
