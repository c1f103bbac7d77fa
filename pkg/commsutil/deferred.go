package commsutil

import (
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/http-transport/pkg/envelope"
	"github.com/morezero/http-transport/pkg/transport"
)

const deferredLogPrefix = "commsutil:deferred"

// DeliveryAck is the reply sent to a deferred-response publisher that asked for one.
type DeliveryAck struct {
	RequestID string `json:"request_id"`
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

// SubscribeDeferred feeds response envelopes published on subject into responder.
// Publishers using request/reply receive a DeliveryAck; plain publishes get nothing back.
func SubscribeDeferred(nc *comms.Conn, subject string, responder transport.DeferredResponder) (*comms.Subscription, error) {
	if subject == "" {
		subject = SubjectDeferredResponse
	}
	sub, err := nc.Subscribe(subject, func(msg *comms.Msg) {
		var resp envelope.Response
		if err := DecodePayload(msg.Data, &resp); err != nil {
			slog.Warn(fmt.Sprintf("%s - dropping undecodable deferred response: %v", deferredLogPrefix, err))
			respondAck(msg, DeliveryAck{Error: err.Error()})
			return
		}
		if resp.RequestID == "" {
			respondAck(msg, DeliveryAck{Error: "request_id is required"})
			return
		}

		delivered := responder.DeliverDeferredResponse(&resp)
		slog.Debug(fmt.Sprintf("%s - request_id=%s delivered=%t", deferredLogPrefix, resp.RequestID, delivered))
		respondAck(msg, DeliveryAck{RequestID: resp.RequestID, Delivered: delivered})
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to subscribe to %s: %w", deferredLogPrefix, subject, err)
	}
	slog.Info(fmt.Sprintf("%s - Subscribed to %s", deferredLogPrefix, subject))
	return sub, nil
}

func respondAck(msg *comms.Msg, ack DeliveryAck) {
	if msg.Reply == "" {
		return
	}
	data, err := EncodePayload(ack)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode ack: %v", deferredLogPrefix, err))
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to ack deferred response: %v", deferredLogPrefix, err))
	}
}
