// Package transport defines the contract shared by transport backends and the
// service that owns action handlers.
package transport

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/morezero/http-transport/pkg/envelope"
)

// Handler processes an inbound request envelope.
//
// A handler either returns a response (organic completion), returns an error, or
// returns (nil, nil) to defer: the result is then expected later through
// DeliverDeferredResponse with the same request id.
type Handler func(ctx context.Context, req *envelope.Request) (*envelope.Response, error)

// Service is the collaborator that owns the action registry of a node.
type Service interface {
	// Receivable returns the actions this node accepts. A nil Handler marks an
	// action that is declared but not bound.
	Receivable() map[string]Handler
	// CanSend reports whether the node may emit the given action.
	CanSend(action string) bool
}

// Destination identifies a remote instance.
type Destination struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// Addr returns host:port.
func (d Destination) Addr() string {
	return d.Host + ":" + strconv.Itoa(d.Port)
}

// Transport is the capability contract implemented by each transport backend.
type Transport interface {
	Init(ctx context.Context, svc Service) error
	Shutdown(ctx context.Context) error
	Priority() int
	Send(ctx context.Context, req *envelope.Request, dest Destination, timeout time.Duration) (*envelope.Response, error)
}

// DeferredResponder is implemented by transports that support out-of-band completion.
type DeferredResponder interface {
	DeliverDeferredResponse(resp *envelope.Response) bool
}

// StaticService is a fixed in-memory Service.
type StaticService struct {
	handlers map[string]Handler
	sendable map[string]struct{}
}

// NewStaticService creates a StaticService. handlers may contain nil entries for
// declared-but-unbound actions.
func NewStaticService(handlers map[string]Handler, sendable []string) *StaticService {
	h := make(map[string]Handler, len(handlers))
	for action, fn := range handlers {
		h[action] = fn
	}
	s := make(map[string]struct{}, len(sendable))
	for _, action := range sendable {
		s[action] = struct{}{}
	}
	return &StaticService{handlers: h, sendable: s}
}

// Receivable returns the receivable actions.
func (s *StaticService) Receivable() map[string]Handler {
	return s.handlers
}

// CanSend reports whether action is sendable.
func (s *StaticService) CanSend(action string) bool {
	_, ok := s.sendable[action]
	return ok
}

// SendableActions returns the sendable actions, sorted.
func (s *StaticService) SendableActions() []string {
	out := make([]string, 0, len(s.sendable))
	for action := range s.sendable {
		out = append(out, action)
	}
	sort.Strings(out)
	return out
}
