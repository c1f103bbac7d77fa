// Package manifest loads the node's action manifest: which actions it receives
// and how they are handled, which actions it may send, and named destinations.
package manifest

import (
	"github.com/morezero/http-transport/pkg/transport"
)

// Handler kinds understood by the server.
const (
	// HandlerEcho replies immediately with the request data.
	HandlerEcho = "echo"
	// HandlerForward publishes the request on COMMS and waits for a deferred response.
	HandlerForward = "forward"
	// HandlerDeferred waits for a deferred response delivered by another component.
	HandlerDeferred = "deferred"
	// HandlerNone declares the action without binding a handler.
	HandlerNone = ""
)

// ActionSpec describes one receivable action.
type ActionSpec struct {
	Handler     string `yaml:"handler" json:"handler"`
	Subject     string `yaml:"subject,omitempty" json:"subject,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Manifest is the root manifest document.
type Manifest struct {
	Name               string                           `yaml:"name" json:"name"`
	Version            string                           `yaml:"version" json:"version"`
	Description        string                           `yaml:"description,omitempty" json:"description,omitempty"`
	Receive            map[string]ActionSpec            `yaml:"receive" json:"receive"`
	Send               []string                         `yaml:"send" json:"send"`
	Destinations       map[string]transport.Destination `yaml:"destinations" json:"destinations"`
	DefaultDestination string                           `yaml:"defaultDestination,omitempty" json:"defaultDestination,omitempty"`
}

// Resolved provides lookups over a validated Manifest.
type Resolved struct {
	name         string
	version      string
	receive      map[string]ActionSpec
	sendable     []string
	destinations map[string]transport.Destination
	defaultDest  string
}

// Name returns the node name.
func (r *Resolved) Name() string {
	return r.name
}

// Version returns the manifest version.
func (r *Resolved) Version() string {
	return r.version
}

// Receive returns the receivable actions.
func (r *Resolved) Receive() map[string]ActionSpec {
	return r.receive
}

// Sendable returns the sendable actions.
func (r *Resolved) Sendable() []string {
	return r.sendable
}

// Action returns the spec for a receivable action.
func (r *Resolved) Action(name string) (ActionSpec, bool) {
	spec, ok := r.receive[name]
	return spec, ok
}
