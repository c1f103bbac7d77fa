package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morezero/http-transport/pkg/envelope"
	"github.com/morezero/http-transport/pkg/events"
	"github.com/morezero/http-transport/pkg/protocol"
	"github.com/morezero/http-transport/pkg/transport"
)

func echo(_ context.Context, req *envelope.Request) (*envelope.Response, error) {
	return &envelope.Response{Data: req.Data, Status: http.StatusOK}, nil
}

func deferred(context.Context, *envelope.Request) (*envelope.Response, error) {
	return nil, nil
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// startAdapter initializes an adapter bound to a free local port.
func startAdapter(t *testing.T, opts Options, svc transport.Service) *Adapter {
	t.Helper()
	opts.Host = "127.0.0.1"
	if opts.Port == 0 {
		opts.Port = freePort(t)
	}
	a := New(opts)
	require.NoError(t, a.Init(context.Background(), svc))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		a.Shutdown(ctx)
	})
	return a
}

func destOf(t *testing.T, a *Adapter) transport.Destination {
	t.Helper()
	addr := a.Addr()
	require.NotNil(t, addr)
	host, portStr, err := net.SplitHostPort(addr.String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return transport.Destination{Host: host, Port: port}
}

func post(t *testing.T, url, body string) (int, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestInit_NoReceivableActionsBindsNothing(t *testing.T) {
	a := New(Options{})
	require.NoError(t, a.Init(context.Background(), transport.NewStaticService(nil, []string{"echo"})))
	assert.Nil(t, a.Addr())
	require.NoError(t, a.Shutdown(context.Background()))
}

func TestInit_MissingPortIsConfigError(t *testing.T) {
	a := New(Options{})
	err := a.Init(context.Background(), transport.NewStaticService(map[string]transport.Handler{"echo": echo}, nil))

	var cfgErr *transport.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "port", cfgErr.Setting)
	assert.Nil(t, a.Addr())
}

func TestInit_Twice(t *testing.T) {
	a := New(Options{})
	svc := transport.NewStaticService(nil, nil)
	require.NoError(t, a.Init(context.Background(), svc))
	assert.Error(t, a.Init(context.Background(), svc))
}

func TestListener_BoundActionEchoes(t *testing.T) {
	a := startAdapter(t, Options{}, transport.NewStaticService(map[string]transport.Handler{"echo": echo}, nil))
	url := "http://" + a.Addr().String() + Path

	status, body := post(t, url, `{"action":"echo","correlation_id":"corr-1","request_id":"req-1","transport":"http","data":{"n":1}}`)
	require.Equal(t, http.StatusOK, status)

	resp, err := envelope.DecodeResponse(body)
	require.NoError(t, err)
	assert.Equal(t, "echo", resp.Action)
	assert.Equal(t, "corr-1", resp.CorrelationID)
	assert.JSONEq(t, `{"n":1}`, string(resp.Data))
	assert.Equal(t, "", resp.Error)
	assert.Equal(t, http.StatusOK, resp.Status)
}

func TestListener_Rejections(t *testing.T) {
	a := startWithHandlers(t, map[string]transport.Handler{"echo": echo, "unbound": nil}, Options{MaxBodyBytes: 256})

	srv := httptest.NewServer(a)
	defer srv.Close()

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantError  string
	}{
		{"unknown action", `{"action":"nope","correlation_id":"c"}`, 400, `action "nope" is not receivable`},
		{"empty body", ``, 400, "invalid request: missing envelope"},
		{"null body", `null`, 400, "invalid request: missing envelope"},
		{"malformed body", `{"action":`, 400, "invalid request: missing envelope"},
		{"unbound action", `{"action":"unbound"}`, 500, `no handler bound for action "unbound"`},
		{"oversized body", `{"action":"echo","data":"` + string(bytes.Repeat([]byte("x"), 300)) + `"}`, 413, "request body exceeds 256 bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := post(t, srv.URL+Path, tt.body)
			assert.Equal(t, tt.wantStatus, status)

			var eb envelope.ErrorBody
			require.NoError(t, json.Unmarshal(body, &eb), "body %s", body)
			assert.Equal(t, tt.wantError, eb.Error)

			var raw map[string]interface{}
			require.NoError(t, json.Unmarshal(body, &raw))
			assert.Len(t, raw, 1, "rejections carry only {error}")
		})
	}
}

// startWithHandlers returns an initialized adapter without binding a port, for use with httptest.
func startWithHandlers(t *testing.T, handlers map[string]transport.Handler, opts Options) *Adapter {
	t.Helper()
	a := New(opts)
	a.mu.Lock()
	a.attach(transport.NewStaticService(handlers, nil))
	a.mu.Unlock()
	return a
}

func TestListener_IncompatibleProtocolVersion(t *testing.T) {
	a := startWithHandlers(t, map[string]transport.Handler{"echo": echo}, Options{})
	srv := httptest.NewServer(a)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+Path, bytes.NewBufferString(`{"action":"echo"}`))
	require.NoError(t, err)
	req.Header.Set(protocol.HeaderName, "2.0.0")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, protocol.Version, resp.Header.Get(protocol.HeaderName))
}

func TestListener_OtherRoutesGoToFallback(t *testing.T) {
	fallback := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	a := startWithHandlers(t, map[string]transport.Handler{"echo": echo}, Options{Fallback: fallback})
	srv := httptest.NewServer(a)
	defer srv.Close()

	resp, err := http.Get(srv.URL + Path)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode, "GET on the transport path is not ours")

	status, _ := post(t, srv.URL+"/health", `{}`)
	assert.Equal(t, http.StatusTeapot, status)

	plain := startWithHandlers(t, map[string]transport.Handler{"echo": echo}, Options{})
	srv2 := httptest.NewServer(plain)
	defer srv2.Close()
	status, _ = post(t, srv2.URL+"/elsewhere", `{}`)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSend_Validation(t *testing.T) {
	var wireHits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&wireHits, 1)
	}))
	defer srv.Close()
	live := srv.Listener.Addr().(*net.TCPAddr)

	a := New(Options{})
	require.NoError(t, a.Init(context.Background(), transport.NewStaticService(nil, []string{"echo"})))

	tests := []struct {
		name string
		req  *envelope.Request
		dest transport.Destination
	}{
		{"not sendable", &envelope.Request{Action: "other"}, transport.Destination{Host: "127.0.0.1", Port: live.Port}},
		{"missing host", &envelope.Request{Action: "echo"}, transport.Destination{Port: live.Port}},
		{"missing port", &envelope.Request{Action: "echo"}, transport.Destination{Host: "127.0.0.1"}},
		{"nil envelope", nil, transport.Destination{Host: "127.0.0.1", Port: live.Port}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Send(context.Background(), tt.req, tt.dest, 0)
			var terr *transport.Error
			require.ErrorAs(t, err, &terr)
			assert.Equal(t, http.StatusBadRequest, terr.Status)
		})
	}
	assert.Zero(t, atomic.LoadInt32(&wireHits))
}

func TestSend_ReplyOverBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"action":"echo","data":{"blob":"` + strings.Repeat("x", 1024) + `"},"error":"","status":200}`))
	}))
	defer srv.Close()
	live := srv.Listener.Addr().(*net.TCPAddr)

	a := New(Options{MaxBodyBytes: 256})
	require.NoError(t, a.Init(context.Background(), transport.NewStaticService(nil, []string{"echo"})))

	_, err := a.Send(context.Background(), &envelope.Request{Action: "echo"}, transport.Destination{Host: "127.0.0.1", Port: live.Port}, time.Second)
	assert.ErrorIs(t, err, ErrResponseTooLarge)

	small := New(Options{MaxBodyBytes: 4096})
	require.NoError(t, small.Init(context.Background(), transport.NewStaticService(nil, []string{"echo"})))
	resp, err := small.Send(context.Background(), &envelope.Request{Action: "echo"}, transport.Destination{Host: "127.0.0.1", Port: live.Port}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
}

func TestSend_BeforeInitAndAfterShutdown(t *testing.T) {
	a := New(Options{})
	_, err := a.Send(context.Background(), &envelope.Request{Action: "echo"}, transport.Destination{Host: "h", Port: 1}, 0)
	assert.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, a.Init(context.Background(), transport.NewStaticService(nil, []string{"echo"})))
	require.NoError(t, a.Shutdown(context.Background()))
	_, err = a.Send(context.Background(), &envelope.Request{Action: "echo"}, transport.Destination{Host: "h", Port: 1}, 0)
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestSend_RoundTripBetweenAdapters(t *testing.T) {
	var published []*events.ExchangeSettledEvent
	var mu sync.Mutex
	pub := events.NewCallbackPublisher(func(_ context.Context, e *events.ExchangeSettledEvent) error {
		mu.Lock()
		defer mu.Unlock()
		published = append(published, e)
		return nil
	})

	server := startAdapter(t, Options{}, transport.NewStaticService(map[string]transport.Handler{"echo": echo}, nil))
	client := New(Options{Publisher: pub})
	require.NoError(t, client.Init(context.Background(), transport.NewStaticService(nil, []string{"echo"})))

	req := &envelope.Request{Action: "echo", CorrelationID: "corr-rt", Data: json.RawMessage(`{"hello":"world"}`)}
	resp, err := client.Send(context.Background(), req, destOf(t, server), time.Second)
	require.NoError(t, err)

	assert.NotEmpty(t, req.RequestID, "sender fills in request_id")
	assert.Equal(t, envelope.TransportName, req.Transport)
	assert.Equal(t, "echo", resp.Action)
	assert.Equal(t, "corr-rt", resp.CorrelationID)
	assert.JSONEq(t, `{"hello":"world"}`, string(resp.Data))
	assert.Equal(t, http.StatusOK, resp.Status)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(published) == 1 && published[0].Outcome == events.OutcomeReplied && published[0].Direction == events.DirectionOutbound
	}, time.Second, 10*time.Millisecond)
}

func TestSend_RemoteRejectionBecomesError(t *testing.T) {
	server := startAdapter(t, Options{}, transport.NewStaticService(map[string]transport.Handler{"echo": echo}, nil))
	client := New(Options{})
	require.NoError(t, client.Init(context.Background(), transport.NewStaticService(nil, []string{"orders.create"})))

	_, err := client.Send(context.Background(), &envelope.Request{Action: "orders.create"}, destOf(t, server), time.Second)
	var terr *transport.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, http.StatusBadRequest, terr.Status)
	assert.Contains(t, terr.Message, "orders.create")
}

func TestSend_Timeout(t *testing.T) {
	server := startAdapter(t, Options{DeferredTimeout: 5 * time.Second}, transport.NewStaticService(map[string]transport.Handler{"later": deferred}, nil))
	client := New(Options{})
	require.NoError(t, client.Init(context.Background(), transport.NewStaticService(nil, []string{"later"})))

	start := time.Now()
	_, err := client.Send(context.Background(), &envelope.Request{Action: "later"}, destOf(t, server), 100*time.Millisecond)
	assert.ErrorIs(t, err, transport.ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Eventually(t, func() bool { return server.Pending() == 0 }, 2*time.Second, 10*time.Millisecond,
		"abandoned inbound exchange should be purged")
}

func TestSend_NetworkFailure(t *testing.T) {
	client := New(Options{})
	require.NoError(t, client.Init(context.Background(), transport.NewStaticService(nil, []string{"echo"})))

	_, err := client.Send(context.Background(), &envelope.Request{Action: "echo"}, transport.Destination{Host: "127.0.0.1", Port: freePort(t)}, time.Second)
	require.Error(t, err)
	assert.False(t, errors.Is(err, transport.ErrTimeout))
}

func TestDeferredCompletionAcrossTheWire(t *testing.T) {
	seen := make(chan string, 1)
	server := startAdapter(t, Options{}, transport.NewStaticService(map[string]transport.Handler{
		"orders.create": func(_ context.Context, req *envelope.Request) (*envelope.Response, error) {
			seen <- req.RequestID
			return nil, nil
		},
	}, nil))
	client := New(Options{})
	require.NoError(t, client.Init(context.Background(), transport.NewStaticService(nil, []string{"orders.create"})))

	type result struct {
		resp *envelope.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := client.Send(context.Background(), &envelope.Request{
			Action:        "orders.create",
			CorrelationID: "corr-o",
			RequestID:     "req-o",
			Data:          json.RawMessage(`{"sku":"A"}`),
		}, destOf(t, server), 5*time.Second)
		done <- result{resp, err}
	}()

	var id string
	select {
	case id = <-seen:
	case <-time.After(3 * time.Second):
		t.Fatal("handler was not invoked")
	}
	require.Equal(t, "req-o", id)

	assert.False(t, server.DeliverDeferredResponse(&envelope.Response{RequestID: "someone-else"}))
	require.True(t, server.DeliverDeferredResponse(&envelope.Response{
		RequestID: id,
		Data:      json.RawMessage(`{"order":99}`),
		Status:    http.StatusCreated,
	}))

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, "orders.create", r.resp.Action)
	assert.Equal(t, "corr-o", r.resp.CorrelationID)
	assert.JSONEq(t, `{"order":99}`, string(r.resp.Data))
	assert.Equal(t, http.StatusCreated, r.resp.Status)

	assert.False(t, server.DeliverDeferredResponse(&envelope.Response{RequestID: id}), "late injection is a no-op")
}

func TestShutdown_ReleasesPort(t *testing.T) {
	port := freePort(t)
	a := New(Options{Host: "127.0.0.1", Port: port})
	require.NoError(t, a.Init(context.Background(), transport.NewStaticService(map[string]transport.Handler{"echo": echo}, nil)))
	require.NoError(t, a.Shutdown(context.Background()))
	require.NoError(t, a.Shutdown(context.Background()), "second shutdown is a no-op")

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err, "port should be free after shutdown")
	ln.Close()
}

func TestPriority(t *testing.T) {
	assert.Equal(t, 7, New(Options{Priority: 7}).Priority())
}
