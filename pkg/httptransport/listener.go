package httptransport

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/morezero/http-transport/pkg/envelope"
	"github.com/morezero/http-transport/pkg/protocol"
)

const listenerLogPrefix = "httptransport:listener"

// ServeHTTP serves POST /http-transport and hands everything else to the fallback.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != Path || r.Method != http.MethodPost {
		a.serveFallback(w, r)
		return
	}

	_, disp := a.state()
	if disp == nil {
		writeError(w, http.StatusServiceUnavailable, ErrNotInitialized.Error())
		return
	}

	if err := protocol.Accepts(r.Header.Get(protocol.HeaderName)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		slog.Warn(fmt.Sprintf("%s - failed to read body: %v", listenerLogPrefix, err))
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	req, err := envelope.DecodeRequest(body)
	if err != nil {
		// Malformed JSON is treated like a missing envelope.
		slog.Debug(fmt.Sprintf("%s - failed to decode envelope: %v", listenerLogPrefix, err))
		req = nil
	}

	res := disp.Dispatch(r.Context(), req)
	switch {
	case res.Response != nil:
		writeJSON(w, res.WireStatus, res.Response)
	case res.Rejection != "":
		writeError(w, res.WireStatus, res.Rejection)
	default:
		// Caller went away; there is nobody to answer.
	}
}

func (a *Adapter) serveFallback(w http.ResponseWriter, r *http.Request) {
	if a.opts.Fallback != nil {
		a.opts.Fallback.ServeHTTP(w, r)
		return
	}
	http.NotFound(w, r)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, &envelope.ErrorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := envelope.Encode(v)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode response: %v", listenerLogPrefix, err))
		status = http.StatusInternalServerError
		data = []byte(`{"error":"failed to encode response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(protocol.HeaderName, protocol.Version)
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.Debug(fmt.Sprintf("%s - failed to write response: %v", listenerLogPrefix, err))
	}
}
