// Package envelope defines the request/response envelopes carried by the HTTP transport.
package envelope

import (
	"encoding/json"

	"github.com/google/uuid"
)

// TransportName is the value stamped into Request.Transport by this backend.
const TransportName = "http"

// EmptyData is the data payload used when an envelope carries none.
var EmptyData = json.RawMessage(`{}`)

// Request is the JSON envelope sent to a remote instance.
type Request struct {
	Action        string          `json:"action"`
	CorrelationID string          `json:"correlation_id"`
	RequestID     string          `json:"request_id,omitempty"`
	Transport     string          `json:"transport"`
	Data          json.RawMessage `json:"data"`
}

// Response is the JSON envelope returned for an accepted request.
// RequestID is only set when a response is delivered out of band.
type Response struct {
	Action        string          `json:"action"`
	CorrelationID string          `json:"correlation_id"`
	RequestID     string          `json:"request_id,omitempty"`
	Data          json.RawMessage `json:"data"`
	Error         string          `json:"error"`
	Status        int             `json:"status"`
}

// ErrorBody is the minimal body written for rejections that happen before an envelope exists.
type ErrorBody struct {
	Error string `json:"error"`
}

// NewRequestID returns a fresh request identifier.
func NewRequestID() string {
	return uuid.NewString()
}

// EnsureRequestID fills in RequestID when absent and returns it.
func (r *Request) EnsureRequestID() string {
	if r.RequestID == "" {
		r.RequestID = NewRequestID()
	}
	return r.RequestID
}

// HasData reports whether the envelope carries a non-null payload.
func (r *Response) HasData() bool {
	return len(r.Data) > 0 && string(r.Data) != "null"
}
