package db

import "time"

// ExchangeRecord represents a row in the http_transport_exchanges table.
type ExchangeRecord struct {
	ID            int64     `json:"id"`
	RequestID     string    `json:"request_id"`
	CorrelationID string    `json:"correlation_id"`
	Action        string    `json:"action"`
	Direction     string    `json:"direction"`
	Outcome       string    `json:"outcome"`
	Status        int       `json:"status"`
	Error         *string   `json:"error,omitempty"`
	Peer          *string   `json:"peer,omitempty"`
	DurationMs    int64     `json:"duration_ms"`
	SettledAt     time.Time `json:"settled_at"`
}
