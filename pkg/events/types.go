// Package events defines exchange events and the publishers that emit them.
package events

// Direction of an exchange relative to this node.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Outcome names which party settled an exchange.
const (
	OutcomeHandler   = "handler"
	OutcomeInjected  = "injected"
	OutcomeTimeout   = "timeout"
	OutcomeRejected  = "rejected"
	OutcomeAbandoned = "abandoned"
	OutcomeReplied   = "replied"
	OutcomeFailed    = "failed"
)

// ExchangeSettledEvent is emitted once per settled exchange.
type ExchangeSettledEvent struct {
	RequestID     string `json:"requestId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	Action        string `json:"action"`
	Direction     string `json:"direction"`
	Outcome       string `json:"outcome"`
	Status        int    `json:"status"`
	Error         string `json:"error,omitempty"`
	Peer          string `json:"peer,omitempty"`
	DurationMs    int64  `json:"durationMs"`
	Timestamp     string `json:"timestamp"`
}
