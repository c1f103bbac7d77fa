package httptransport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/morezero/http-transport/pkg/envelope"
	"github.com/morezero/http-transport/pkg/events"
	"github.com/morezero/http-transport/pkg/protocol"
	"github.com/morezero/http-transport/pkg/transport"
)

const senderLogPrefix = "httptransport:sender"

// Send posts req to dest and waits for the response envelope. A positive
// timeout bounds the whole call and yields transport.ErrTimeout when it elapses.
func (a *Adapter) Send(ctx context.Context, req *envelope.Request, dest transport.Destination, timeout time.Duration) (*envelope.Response, error) {
	if a.closed.Load() {
		return nil, transport.ErrClosed
	}
	svc, _ := a.state()
	if svc == nil {
		return nil, ErrNotInitialized
	}
	if req == nil {
		return nil, transport.BadRequest("missing request envelope")
	}

	req.EnsureRequestID()
	if req.Transport == "" {
		req.Transport = envelope.TransportName
	}
	if !svc.CanSend(req.Action) {
		return nil, transport.BadRequest("action %q is not sendable", req.Action)
	}
	if dest.Host == "" || dest.Port <= 0 {
		return nil, transport.BadRequest("destination host and port are required")
	}

	start := time.Now()
	resp, err := a.roundTrip(ctx, req, dest, timeout)
	a.publishOutbound(req, dest, resp, err, start)
	return resp, err
}

func (a *Adapter) roundTrip(ctx context.Context, req *envelope.Request, dest transport.Destination, timeout time.Duration) (*envelope.Response, error) {
	body, err := envelope.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode envelope: %w", senderLogPrefix, err)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	url := "http://" + dest.Addr() + Path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s - failed to build request: %w", senderLogPrefix, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(protocol.HeaderName, protocol.Version)

	slog.Debug(fmt.Sprintf("%s - POST %s action=%s request_id=%s", senderLogPrefix, url, req.Action, req.RequestID))
	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, a.wrapErr(ctx, req, dest, err)
	}
	defer httpResp.Body.Close()

	limit := a.opts.MaxBodyBytes
	data, err := io.ReadAll(io.LimitReader(httpResp.Body, limit+1))
	if err != nil {
		return nil, a.wrapErr(ctx, req, dest, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%s - reply from %s exceeds %d bytes: %w", senderLogPrefix, dest.Addr(), limit, ErrResponseTooLarge)
	}

	if httpResp.StatusCode != http.StatusOK {
		msg := http.StatusText(httpResp.StatusCode)
		if eb, err := envelope.DecodeErrorBody(data); err == nil && eb.Error != "" {
			msg = eb.Error
		}
		return nil, transport.NewError(httpResp.StatusCode, msg)
	}

	resp, err := envelope.DecodeResponse(data)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to decode response from %s: %w", senderLogPrefix, dest.Addr(), err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%s - empty response from %s", senderLogPrefix, dest.Addr())
	}
	return resp, nil
}

func (a *Adapter) wrapErr(ctx context.Context, req *envelope.Request, dest transport.Destination, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		slog.Warn(fmt.Sprintf("%s - %s to %s timed out request_id=%s", senderLogPrefix, req.Action, dest.Addr(), req.RequestID))
		return fmt.Errorf("%s - send %s to %s: %w", senderLogPrefix, req.Action, dest.Addr(), transport.ErrTimeout)
	}
	return fmt.Errorf("%s - send %s to %s: %w", senderLogPrefix, req.Action, dest.Addr(), err)
}

func (a *Adapter) publishOutbound(req *envelope.Request, dest transport.Destination, resp *envelope.Response, err error, start time.Time) {
	event := &events.ExchangeSettledEvent{
		RequestID:     req.RequestID,
		CorrelationID: req.CorrelationID,
		Action:        req.Action,
		Direction:     events.DirectionOutbound,
		Outcome:       events.OutcomeReplied,
		Peer:          dest.Addr(),
		DurationMs:    time.Since(start).Milliseconds(),
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
	}
	switch {
	case errors.Is(err, transport.ErrTimeout):
		event.Outcome = events.OutcomeTimeout
		event.Status, event.Error = transport.Classify(err)
	case err != nil:
		event.Outcome = events.OutcomeFailed
		event.Status, event.Error = transport.Classify(err)
	default:
		event.Status, event.Error = resp.Status, resp.Error
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.opts.Publisher.PublishSettled(ctx, event); err != nil {
			slog.Warn(fmt.Sprintf("%s - failed to publish settled event: %v", senderLogPrefix, err))
		}
	}()
}
