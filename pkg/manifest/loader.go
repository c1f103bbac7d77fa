package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/morezero/http-transport/pkg/protocol"
	"github.com/morezero/http-transport/pkg/transport"
)

const logPrefix = "manifest:loader"

// EnvManifestFile names the environment variable consulted by Load.
const EnvManifestFile = "HTTP_TRANSPORT_MANIFEST"

// Load reads the manifest from the first existing path. It tries explicit paths
// first, then HTTP_TRANSPORT_MANIFEST, then config/manifest.yaml and manifest.yaml.
// YAML and JSON are both accepted. With no file found the default manifest is used.
func Load(paths ...string) (*Manifest, error) {
	all := make([]string, 0, len(paths)+3)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv(EnvManifestFile); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/manifest.yaml", "manifest.yaml")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				slog.Warn(fmt.Sprintf("%s - Cannot read manifest %s: %v", logPrefix, p, err))
			}
			continue
		}

		m, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s - %s: %w", logPrefix, p, err)
		}
		slog.Info(fmt.Sprintf("%s - Loaded manifest %s from %s", logPrefix, m.Name, p))
		return m, nil
	}

	slog.Info(fmt.Sprintf("%s - Using default manifest", logPrefix))
	return Default(), nil
}

// Parse decodes and validates a YAML or JSON manifest.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Default returns a manifest with nothing to receive or send.
func Default() *Manifest {
	return &Manifest{
		Name:         "http-transport",
		Version:      protocol.Version,
		Description:  "Default manifest: no receivable or sendable actions",
		Receive:      map[string]ActionSpec{},
		Destinations: map[string]transport.Destination{},
	}
}

// Validate checks handler kinds, destinations and the manifest version.
func (m *Manifest) Validate() error {
	var errs []error
	if m.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if m.Version != "" {
		if _, err := protocol.ParseVersion(m.Version); err != nil {
			errs = append(errs, fmt.Errorf("version: %w", err))
		}
	}
	for action, spec := range m.Receive {
		switch spec.Handler {
		case HandlerEcho, HandlerForward, HandlerDeferred, HandlerNone:
		default:
			errs = append(errs, fmt.Errorf("receive.%s: unknown handler %q", action, spec.Handler))
		}
	}
	for name, dest := range m.Destinations {
		if dest.Host == "" || dest.Port <= 0 || dest.Port > 65535 {
			errs = append(errs, fmt.Errorf("destinations.%s: host and a valid port are required", name))
		}
	}
	if m.DefaultDestination != "" {
		if _, ok := m.Destinations[m.DefaultDestination]; !ok {
			errs = append(errs, fmt.Errorf("defaultDestination %q is not a declared destination", m.DefaultDestination))
		}
	}
	return errors.Join(errs...)
}

// Resolve builds a Resolved manifest for fast lookups.
func Resolve(m *Manifest) *Resolved {
	receive := make(map[string]ActionSpec, len(m.Receive))
	for action, spec := range m.Receive {
		receive[action] = spec
	}

	dests := make(map[string]transport.Destination, len(m.Destinations))
	for name, d := range m.Destinations {
		dests[name] = d
	}

	sendable := make([]string, len(m.Send))
	copy(sendable, m.Send)
	sort.Strings(sendable)

	return &Resolved{
		name:         m.Name,
		version:      m.Version,
		receive:      receive,
		sendable:     sendable,
		destinations: dests,
		defaultDest:  m.DefaultDestination,
	}
}

// Destination resolves a declared destination name or a literal host:port.
// An empty ref selects the default destination.
func (r *Resolved) Destination(ref string) (transport.Destination, error) {
	if ref == "" {
		ref = r.defaultDest
	}
	if ref == "" {
		return transport.Destination{}, errors.New("no destination given and no default destination declared")
	}
	if d, ok := r.destinations[ref]; ok {
		return d, nil
	}
	host, portStr, err := net.SplitHostPort(ref)
	if err != nil {
		return transport.Destination{}, fmt.Errorf("unknown destination %q", ref)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return transport.Destination{}, fmt.Errorf("invalid port in destination %q", ref)
	}
	return transport.Destination{Host: host, Port: port}, nil
}
