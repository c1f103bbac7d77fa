// Package dispatcher routes inbound request envelopes to their bound handler and
// arbitrates deferred completion.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/morezero/http-transport/pkg/correlation"
	"github.com/morezero/http-transport/pkg/envelope"
	"github.com/morezero/http-transport/pkg/events"
	"github.com/morezero/http-transport/pkg/transport"
)

const logPrefix = "dispatcher:dispatch"

// DefaultDeferredTimeout bounds how long a dispatched request waits to be settled.
const DefaultDeferredTimeout = 30 * time.Second

// Params configures a Dispatcher.
type Params struct {
	Service   transport.Service
	Registry  *correlation.Registry
	Publisher events.EventPublisher
	// Timeout defaults to DefaultDeferredTimeout.
	Timeout time.Duration
	// HandlerContext is passed to handlers. It outlives the inbound request so a
	// timeout abandons waiting, not the handler.
	HandlerContext context.Context
}

// Dispatcher routes inbound envelopes to handlers.
type Dispatcher struct {
	svc        transport.Service
	registry   *correlation.Registry
	publisher  events.EventPublisher
	timeout    time.Duration
	handlerCtx context.Context
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(p Params) *Dispatcher {
	d := &Dispatcher{
		svc:        p.Service,
		registry:   p.Registry,
		publisher:  p.Publisher,
		timeout:    p.Timeout,
		handlerCtx: p.HandlerContext,
	}
	if d.registry == nil {
		d.registry = correlation.NewRegistry()
	}
	if d.publisher == nil {
		d.publisher = &events.NoOpPublisher{}
	}
	if d.timeout <= 0 {
		d.timeout = DefaultDeferredTimeout
	}
	if d.handlerCtx == nil {
		d.handlerCtx = context.Background()
	}
	return d
}

// Result is what the listener writes back on the wire.
type Result struct {
	// WireStatus is 200 for every dispatched request; rejections carry 4xx/5xx.
	WireStatus int
	// Response is nil for rejections and abandoned exchanges.
	Response *envelope.Response
	// Rejection is the message of the minimal {error} body.
	Rejection string
	Outcome   string
}

// Registry returns the correlation registry used for deferred completion.
func (d *Dispatcher) Registry() *correlation.Registry {
	return d.registry
}

// Dispatch validates the envelope, invokes its handler and waits for the first
// of: handler result, injected response, timeout or caller cancellation.
func (d *Dispatcher) Dispatch(ctx context.Context, req *envelope.Request) *Result {
	start := time.Now()

	if req == nil {
		return d.reject(req, http.StatusBadRequest, "invalid request: missing envelope", start)
	}
	slog.Debug(fmt.Sprintf("%s - action=%s request_id=%s", logPrefix, req.Action, req.RequestID))

	handler, known := d.svc.Receivable()[req.Action]
	if !known {
		return d.reject(req, http.StatusBadRequest, fmt.Sprintf("action %q is not receivable", req.Action), start)
	}
	if handler == nil {
		slog.Error(fmt.Sprintf("%s - action %s is declared but has no handler", logPrefix, req.Action))
		return d.reject(req, http.StatusInternalServerError, fmt.Sprintf("no handler bound for action %q", req.Action), start)
	}

	x := d.begin(req.RequestID)
	go d.invoke(handler, req, x)

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	var o outcome
	select {
	case o = <-x.done:
	case <-timer.C:
		if x.claim() {
			slog.Warn(fmt.Sprintf("%s - request_id=%s action=%s timed out after %s", logPrefix, req.RequestID, req.Action, d.timeout))
			o = outcome{
				err:    transport.NewError(http.StatusGatewayTimeout, fmt.Sprintf("request %s timed out after %s", req.RequestID, d.timeout)),
				source: events.OutcomeTimeout,
			}
		} else {
			o = <-x.done
		}
	case <-ctx.Done():
		if x.claim() {
			slog.Info(fmt.Sprintf("%s - request_id=%s action=%s abandoned by caller: %v", logPrefix, req.RequestID, req.Action, ctx.Err()))
			d.publish(req, events.OutcomeAbandoned, 0, ctx.Err().Error(), start)
			return &Result{Outcome: events.OutcomeAbandoned}
		}
		o = <-x.done
	}

	resp := buildResponse(req, o)
	d.publish(req, o.source, resp.Status, resp.Error, start)
	return &Result{WireStatus: http.StatusOK, Response: resp, Outcome: o.source}
}

// DeliverDeferredResponse hands an out-of-band response to the waiting exchange.
func (d *Dispatcher) DeliverDeferredResponse(resp *envelope.Response) bool {
	return d.registry.Inject(resp)
}

func (d *Dispatcher) begin(requestID string) *exchange {
	x := &exchange{done: make(chan outcome, 1)}
	if requestID == "" {
		return x
	}
	cancel := d.registry.Register(requestID, func(resp *envelope.Response) bool {
		return x.settle(outcome{resp: resp, source: events.OutcomeInjected})
	})
	x.unregister.Store(&cancel)
	return x
}

func (d *Dispatcher) invoke(h transport.Handler, req *envelope.Request, x *exchange) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - handler for %s panicked: %v", logPrefix, req.Action, r))
			x.settle(outcome{err: fmt.Errorf("handler panicked: %v", r), source: events.OutcomeHandler})
		}
	}()

	resp, err := h(d.handlerCtx, req)
	switch {
	case err != nil:
		x.settle(outcome{err: err, source: events.OutcomeHandler})
	case resp != nil:
		if !x.settle(outcome{resp: resp, source: events.OutcomeHandler}) {
			slog.Debug(fmt.Sprintf("%s - late handler result for request_id=%s ignored", logPrefix, req.RequestID))
		}
	default:
		slog.Debug(fmt.Sprintf("%s - handler for %s deferred request_id=%s", logPrefix, req.Action, req.RequestID))
	}
}

func (d *Dispatcher) reject(req *envelope.Request, status int, msg string, start time.Time) *Result {
	slog.Warn(fmt.Sprintf("%s - rejected with %d: %s", logPrefix, status, msg))
	d.publish(req, events.OutcomeRejected, status, msg, start)
	return &Result{WireStatus: status, Rejection: msg, Outcome: events.OutcomeRejected}
}

func (d *Dispatcher) publish(req *envelope.Request, outcome string, status int, errMsg string, start time.Time) {
	event := &events.ExchangeSettledEvent{
		Direction:  events.DirectionInbound,
		Outcome:    outcome,
		Status:     status,
		Error:      errMsg,
		DurationMs: time.Since(start).Milliseconds(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	if req != nil {
		event.RequestID = req.RequestID
		event.CorrelationID = req.CorrelationID
		event.Action = req.Action
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.publisher.PublishSettled(ctx, event); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to publish settled event: %v", logPrefix, err))
		}
	}()
}

// --- helpers ---

type outcome struct {
	resp   *envelope.Response
	err    error
	source string
}

// exchange is one in-flight dispatch. Exactly one party wins claim and then
// sends on done, so the waiter receives exactly one outcome.
// unregister is published after Register returns; an injection that wins
// before then has already taken the entry, so a nil load needs no cleanup.
type exchange struct {
	settled    atomic.Bool
	done       chan outcome
	unregister atomic.Pointer[func() bool]
}

func (x *exchange) claim() bool {
	if !x.settled.CompareAndSwap(false, true) {
		return false
	}
	if cancel := x.unregister.Load(); cancel != nil {
		(*cancel)()
	}
	return true
}

func (x *exchange) settle(o outcome) bool {
	if !x.claim() {
		return false
	}
	x.done <- o
	return true
}

// buildResponse produces the final envelope. action and correlation_id always
// come from the request; data defaults to {} and error to "".
func buildResponse(req *envelope.Request, o outcome) *envelope.Response {
	resp := &envelope.Response{
		Action:        req.Action,
		CorrelationID: req.CorrelationID,
		Data:          envelope.EmptyData,
		Status:        http.StatusOK,
	}
	if o.err != nil {
		resp.Status, resp.Error = transport.Classify(o.err)
		return resp
	}
	if r := o.resp; r != nil {
		if r.HasData() {
			resp.Data = r.Data
		}
		resp.Error = r.Error
		switch {
		case r.Status != 0:
			resp.Status = r.Status
		case r.Error != "":
			resp.Status = http.StatusInternalServerError
		}
	}
	return resp
}
