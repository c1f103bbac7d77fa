// Package protocol negotiates the wire protocol version between HTTP transport peers.
package protocol

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	masterminds "github.com/Masterminds/semver/v3"
)

const logPrefix = "protocol:version"

const (
	// Version is the wire protocol version spoken by this build.
	Version = "1.0.0"
	// HeaderName carries the sender's protocol version.
	HeaderName = "X-Http-Transport-Version"
	// Supported is the range of peer versions accepted by the listener.
	Supported = "^1.0.0"
)

var majorOnlyRegex = regexp.MustCompile(`^\d+$`)

// IsMajorOnly reports whether v is a bare major number such as "1".
func IsMajorOnly(v string) bool {
	return majorOnlyRegex.MatchString(strings.TrimSpace(v))
}

// ParseVersion parses a full or major-only version string.
func ParseVersion(v string) (*masterminds.Version, error) {
	raw := strings.TrimSpace(v)
	if IsMajorOnly(raw) {
		major, _ := strconv.Atoi(raw)
		return masterminds.NewVersion(fmt.Sprintf("%d.0.0", major))
	}
	sv, err := masterminds.NewVersion(raw)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid version %q: %w", logPrefix, v, err)
	}
	return sv, nil
}

// Accepts checks a peer's version header against Supported.
// An empty header is accepted so older peers without the header keep working.
func Accepts(header string) error {
	if strings.TrimSpace(header) == "" {
		return nil
	}
	return Satisfies(header, Supported)
}

// Satisfies checks version against a semver range.
func Satisfies(version, rangeStr string) error {
	sv, err := ParseVersion(version)
	if err != nil {
		return err
	}
	constraint, err := masterminds.NewConstraint(rangeStr)
	if err != nil {
		return fmt.Errorf("%s - invalid range %q: %w", logPrefix, rangeStr, err)
	}
	if !constraint.Check(sv) {
		return fmt.Errorf("%s - protocol version %s does not satisfy %s", logPrefix, sv.String(), rangeStr)
	}
	return nil
}
