package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/http-transport/pkg/commsutil"
	"github.com/morezero/http-transport/pkg/envelope"
	"github.com/morezero/http-transport/pkg/manifest"
	"github.com/morezero/http-transport/pkg/transport"
)

const handlersLogPrefix = "server:handlers"

// Forwarder hands a request envelope to out-of-process workers.
type Forwarder interface {
	Forward(subject string, req *envelope.Request) error
}

// CommsForwarder publishes request envelopes on COMMS.
type CommsForwarder struct {
	nc *comms.Conn
}

// NewCommsForwarder creates a forwarder over nc.
func NewCommsForwarder(nc *comms.Conn) *CommsForwarder {
	return &CommsForwarder{nc: nc}
}

// Forward publishes req on subject.
func (f *CommsForwarder) Forward(subject string, req *envelope.Request) error {
	data, err := commsutil.EncodePayload(req)
	if err != nil {
		return err
	}
	if err := f.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("%s - publish to %s: %w", handlersLogPrefix, subject, err)
	}
	return nil
}

// BuildHandlers turns the manifest's receivable actions into transport handlers.
// Actions without a handler kind stay declared but unbound (nil handler).
func BuildHandlers(m *manifest.Resolved, fwd Forwarder) (map[string]transport.Handler, error) {
	handlers := make(map[string]transport.Handler, len(m.Receive()))
	for action, spec := range m.Receive() {
		switch spec.Handler {
		case manifest.HandlerEcho:
			handlers[action] = echoHandler
		case manifest.HandlerDeferred:
			handlers[action] = deferHandler
		case manifest.HandlerForward:
			if fwd == nil {
				return nil, &transport.ConfigError{
					Setting: "receive." + action,
					Reason:  "forward handler requires COMMS",
				}
			}
			subject := spec.Subject
			if subject == "" {
				subject = commsutil.BuildForwardSubject(m.Name(), action)
			}
			handlers[action] = forwardHandler(fwd, subject)
		case manifest.HandlerNone:
			handlers[action] = nil
		default:
			return nil, &transport.ConfigError{
				Setting: "receive." + action,
				Reason:  fmt.Sprintf("unknown handler %q", spec.Handler),
			}
		}
	}
	return handlers, nil
}

// echoHandler answers with the request data.
func echoHandler(_ context.Context, req *envelope.Request) (*envelope.Response, error) {
	return &envelope.Response{Data: req.Data}, nil
}

// deferHandler leaves the exchange open for a deferred response.
func deferHandler(_ context.Context, req *envelope.Request) (*envelope.Response, error) {
	slog.Debug(fmt.Sprintf("%s - %s awaiting deferred response request_id=%s", handlersLogPrefix, req.Action, req.RequestID))
	return nil, nil
}

func forwardHandler(fwd Forwarder, subject string) transport.Handler {
	return func(_ context.Context, req *envelope.Request) (*envelope.Response, error) {
		if err := fwd.Forward(subject, req); err != nil {
			return nil, transport.NewError(http.StatusBadGateway, fmt.Sprintf("failed to forward %s: %v", req.Action, err))
		}
		return nil, nil
	}
}
