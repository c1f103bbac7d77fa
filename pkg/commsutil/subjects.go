package commsutil

import (
	"fmt"
	"strings"
)

// Default COMMS subjects.
const (
	SubjectDeferredResponse = "transport.http.deferred"
	SubjectExchangeSettled  = "transport.http.settled"
	SubjectForwardPrefix    = "transport.http.forward"
)

// BuildSettledSubject builds the per-action exchange settled subject.
func BuildSettledSubject(action string) string {
	return fmt.Sprintf("%s.%s", SubjectExchangeSettled, sanitizeToken(action))
}

// BuildForwardSubject builds the default subject an action is forwarded to.
func BuildForwardSubject(node, action string) string {
	return fmt.Sprintf("%s.%s.%s", SubjectForwardPrefix, sanitizeToken(node), sanitizeToken(action))
}

// sanitizeToken keeps an action usable as a single NATS subject token.
func sanitizeToken(s string) string {
	r := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")
	return r.Replace(s)
}
