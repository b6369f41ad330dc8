package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lkarlslund/tutorrouter/pkg/budget"
	"github.com/lkarlslund/tutorrouter/pkg/chat"
	"github.com/lkarlslund/tutorrouter/pkg/endpoint"
	"github.com/lkarlslund/tutorrouter/pkg/provider"
	"github.com/lkarlslund/tutorrouter/pkg/usagedb"
)

var ErrAllEndpointsExhausted = errors.New("all endpoints exhausted")

const (
	defaultMaxAttempts = 3
	defaultRetryDelay  = time.Second
)

// UsageRecorder receives one event per upstream attempt.
type UsageRecorder interface {
	Append(evt usagedb.Event) error
}

type DispatcherOptions struct {
	AssistantName string
	MaxAttempts   int
	RetryDelay    time.Duration
	Usage         UsageRecorder
}

// Dispatcher walks the registry in priority order and returns the first
// successful completion.
type Dispatcher struct {
	registry *endpoint.Registry
	health   *endpoint.HealthTracker
	client   *provider.Client
	calc     budget.Calculator
	usage    UsageRecorder

	assistantName string
	maxAttempts   int
	retryDelay    time.Duration
	sleep         func(ctx context.Context, d time.Duration) error
	now           func() time.Time
}

type Result struct {
	Text     string
	Usage    chat.TokenUsage
	Endpoint string
	Budget   budget.Budget
}

func NewDispatcher(reg *endpoint.Registry, health *endpoint.HealthTracker, client *provider.Client, calc budget.Calculator, opts DispatcherOptions) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if client == nil {
		client = provider.NewClient(nil)
	}
	return &Dispatcher{
		registry:      reg,
		health:        health,
		client:        client,
		calc:          calc,
		usage:         opts.Usage,
		assistantName: opts.AssistantName,
		maxAttempts:   opts.MaxAttempts,
		retryDelay:    opts.RetryDelay,
		sleep:         sleepContext,
		now:           time.Now,
	}
}

// Dispatch sends turns to the first healthy endpoint that answers. When
// nothing answers the error wraps ErrAllEndpointsExhausted. Cancellation of
// ctx is returned unchanged.
func (d *Dispatcher) Dispatch(ctx context.Context, turns []chat.Turn, prefs chat.Resolved, att *chat.Attachment) (Result, error) {
	b := d.calc.Compute(turns, att, prefs)
	attached := att.Len() > 0 || att.IsPDF()

	tried := 0
	var lastErr error
	for _, ep := range d.order(prefs.Model) {
		if !d.health.IsAvailable(ep.ID) {
			continue
		}
		tried++
		res, err := d.tryEndpoint(ctx, ep, turns, prefs, b, attached)
		if err == nil {
			d.health.RecordSuccess(ep.ID)
			return res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			d.health.Release(ep.ID)
			return Result{}, ctxErr
		}
		d.health.RecordFailure(ep.ID)
		h := d.health.Get(ep.ID)
		slog.Warn("endpoint failed", "endpoint", ep.ID, "fail_count", h.FailCount, "state", h.State, "err", err)
		lastErr = err
	}

	d.record(usagedb.Event{Outcome: usagedb.OutcomeExhausted, Intent: string(b.Intent), TokenLimit: b.TokenLimit, TimeoutMS: b.TimeoutMS})
	if lastErr == nil {
		return Result{}, fmt.Errorf("%w: no endpoint available", ErrAllEndpointsExhausted)
	}
	return Result{}, fmt.Errorf("%w: %d tried, last error: %v", ErrAllEndpointsExhausted, tried, lastErr)
}

// order returns the registry list with endpoints serving the preferred model
// moved to the front. Priority order is kept within both groups.
func (d *Dispatcher) order(model string) []endpoint.Endpoint {
	list := d.registry.List()
	if model == "" {
		return list
	}
	out := make([]endpoint.Endpoint, 0, len(list))
	for _, ep := range list {
		if ep.ModelID == model {
			out = append(out, ep)
		}
	}
	for _, ep := range list {
		if ep.ModelID != model {
			out = append(out, ep)
		}
	}
	return out
}

// tryEndpoint runs every attempt against one endpoint. Only timeouts of
// requests that carry an attachment are retried.
func (d *Dispatcher) tryEndpoint(ctx context.Context, ep endpoint.Endpoint, turns []chat.Turn, prefs chat.Resolved, b budget.Budget, attached bool) (Result, error) {
	req, err := provider.Format(ep, turns, provider.Params{
		Temperature:   prefs.Temperature,
		MaxTokens:     b.TokenLimit,
		AssistantName: d.assistantName,
	})
	if err != nil {
		return Result{}, fmt.Errorf("format request: %w", err)
	}
	timeout := b.Timeout
	if ep.Timeout > timeout {
		timeout = ep.Timeout
	}

	for attempt := 1; ; attempt++ {
		start := d.now()
		completion, err := d.attempt(ctx, ep, req, timeout)
		evt := usagedb.Event{
			Endpoint:   ep.ID,
			Model:      ep.ModelID,
			Shape:      ep.Shape.String(),
			Attempt:    attempt,
			Intent:     string(b.Intent),
			TokenLimit: b.TokenLimit,
			TimeoutMS:  timeout.Milliseconds(),
			LatencyMS:  d.now().Sub(start).Milliseconds(),
		}
		if err == nil {
			evt.Outcome = usagedb.OutcomeSuccess
			evt.PromptTokens = completion.Usage.Prompt
			evt.CompletionTokens = completion.Usage.Completion
			evt.TotalTokens = completion.Usage.Total
			d.record(evt)
			return Result{Text: completion.Text, Usage: completion.Usage, Endpoint: ep.ID, Budget: b}, nil
		}
		evt.Outcome = usagedb.OutcomeFailure
		evt.ErrorClass = errorClass(err)
		var httpErr *provider.HTTPError
		if errors.As(err, &httpErr) {
			evt.StatusCode = httpErr.StatusCode
		}
		d.record(evt)

		if ctx.Err() != nil || !attached || !provider.IsTimeout(err) || attempt >= d.maxAttempts {
			return Result{}, err
		}
		delay := d.retryDelay * time.Duration(attempt)
		slog.Info("retrying endpoint after timeout", "endpoint", ep.ID, "attempt", attempt, "delay", delay)
		if err := d.sleep(ctx, delay); err != nil {
			return Result{}, err
		}
	}
}

func (d *Dispatcher) attempt(ctx context.Context, ep endpoint.Endpoint, req provider.Request, timeout time.Duration) (provider.Completion, error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	raw, err := d.client.Send(callCtx, ep.ID, req)
	if err != nil {
		return provider.Completion{}, err
	}
	completion, err := provider.Parse(raw, ep.Shape)
	if err != nil {
		slog.Warn("unrecognized endpoint response", "endpoint", ep.ID, "bytes", len(raw))
		return provider.Completion{}, err
	}
	return completion, nil
}

func (d *Dispatcher) record(evt usagedb.Event) {
	if d.usage == nil {
		return
	}
	evt.Timestamp = d.now().UTC()
	if err := d.usage.Append(evt); err != nil {
		slog.Warn("usage ledger append failed", "err", err)
	}
}

func errorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, provider.ErrUnrecognizedResponseShape):
		return "shape"
	case provider.IsTimeout(err):
		return "timeout"
	case provider.IsAuthError(err):
		return "auth"
	case provider.IsRateLimited(err):
		return "rate_limited"
	}
	var httpErr *provider.HTTPError
	if errors.As(err, &httpErr) {
		return "status"
	}
	return "transport"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
