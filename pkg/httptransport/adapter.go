// Package httptransport is the HTTP request/reply transport backend: an inbound
// listener feeding the dispatcher, an outbound sender, and the deferred-response injector.
package httptransport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/morezero/http-transport/pkg/correlation"
	"github.com/morezero/http-transport/pkg/dispatcher"
	"github.com/morezero/http-transport/pkg/envelope"
	"github.com/morezero/http-transport/pkg/events"
	"github.com/morezero/http-transport/pkg/transport"
)

const logPrefix = "httptransport:adapter"

// Path is the only path served by the transport.
const Path = "/http-transport"

// DefaultMaxBodyBytes bounds request and reply bodies.
const DefaultMaxBodyBytes int64 = 4 << 20

// ErrNotInitialized is returned when the adapter is used before Init.
var ErrNotInitialized = errors.New("http transport not initialized")

// ErrResponseTooLarge is returned by Send when a reply exceeds MaxBodyBytes.
var ErrResponseTooLarge = errors.New("response body too large")

// Options configures an Adapter.
type Options struct {
	// Host to bind; empty binds all interfaces.
	Host string
	// Port to bind. Zero is valid only when the service has no receivable actions.
	Port     int
	Priority int
	// DeferredTimeout defaults to dispatcher.DefaultDeferredTimeout.
	DeferredTimeout time.Duration
	// MaxBodyBytes bounds inbound request bodies and outbound reply bodies.
	MaxBodyBytes int64
	// Fallback serves every request that is not POST /http-transport, so other
	// collaborators can share the port.
	Fallback  http.Handler
	Publisher events.EventPublisher
	Client    *http.Client
}

// Adapter implements transport.Transport over HTTP.
type Adapter struct {
	opts     Options
	registry *correlation.Registry
	client   *http.Client

	mu       sync.RWMutex
	svc      transport.Service
	disp     *dispatcher.Dispatcher
	server   *http.Server
	listener net.Listener
	serveErr chan error

	handlerCtx    context.Context
	cancelHandler context.CancelFunc
	closed        atomic.Bool
}

var (
	_ transport.Transport         = (*Adapter)(nil)
	_ transport.DeferredResponder = (*Adapter)(nil)
)

// New creates an Adapter. Nothing is bound until Init.
func New(opts Options) *Adapter {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Publisher == nil {
		opts.Publisher = &events.NoOpPublisher{}
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		opts:          opts,
		registry:      correlation.NewRegistry(),
		client:        client,
		handlerCtx:    ctx,
		cancelHandler: cancel,
	}
}

// Init attaches the service and binds the listener when there is anything to receive.
func (a *Adapter) Init(ctx context.Context, svc transport.Service) error {
	if svc == nil {
		return &transport.ConfigError{Setting: "service", Reason: "a transport service is required"}
	}
	if a.closed.Load() {
		return transport.ErrClosed
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.svc != nil {
		return fmt.Errorf("%s - already initialized", logPrefix)
	}

	receivable := svc.Receivable()
	if len(receivable) > 0 && a.opts.Port <= 0 {
		return &transport.ConfigError{
			Setting: "port",
			Reason:  fmt.Sprintf("%d receivable actions configured but no port to listen on", len(receivable)),
		}
	}

	a.attach(svc)

	if len(receivable) == 0 {
		slog.Info(fmt.Sprintf("%s - No receivable actions, listener not started", logPrefix))
		return nil
	}

	addr := net.JoinHostPort(a.opts.Host, strconv.Itoa(a.opts.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		a.svc, a.disp = nil, nil
		return fmt.Errorf("%s - failed to listen on %s: %w", logPrefix, addr, err)
	}
	a.listener = ln
	a.server = &http.Server{
		Handler:           a,
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.serveErr = make(chan error, 1)
	go func(srv *http.Server, ln net.Listener, errCh chan<- error) {
		slog.Info(fmt.Sprintf("%s - Listening on %s%s (%d receivable actions)", logPrefix, ln.Addr(), Path, len(receivable)))
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
		errCh <- err
	}(a.server, ln, a.serveErr)
	return nil
}

// Shutdown closes the listener and releases the port. Send fails afterwards.
func (a *Adapter) Shutdown(ctx context.Context) error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	defer a.cancelHandler()

	a.mu.RLock()
	srv, errCh := a.server, a.serveErr
	a.mu.RUnlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - graceful shutdown incomplete, closing: %v", logPrefix, err))
		srv.Close()
	}
	<-errCh
	slog.Info(fmt.Sprintf("%s - Listener closed", logPrefix))
	return err
}

// Priority orders this backend among the transports held by the framework.
func (a *Adapter) Priority() int {
	return a.opts.Priority
}

// DeliverDeferredResponse resolves the inbound exchange waiting on resp.RequestID.
// Late or unknown ids are dropped and reported as false.
func (a *Adapter) DeliverDeferredResponse(resp *envelope.Response) bool {
	return a.registry.Inject(resp)
}

// Addr returns the bound listener address, or nil when nothing is bound.
func (a *Adapter) Addr() net.Addr {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Pending returns the number of inbound exchanges waiting for a deferred response.
func (a *Adapter) Pending() int {
	return a.registry.Len()
}

// attach wires svc into a fresh dispatcher. Callers hold a.mu.
func (a *Adapter) attach(svc transport.Service) {
	a.svc = svc
	a.disp = dispatcher.NewDispatcher(dispatcher.Params{
		Service:        svc,
		Registry:       a.registry,
		Publisher:      a.opts.Publisher,
		Timeout:        a.opts.DeferredTimeout,
		HandlerContext: a.handlerCtx,
	})
}

func (a *Adapter) state() (transport.Service, *dispatcher.Dispatcher) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.svc, a.disp
}
