package transport

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrInvalidSpec occurs when a connect or listen spec cannot be
	// parsed.
	ErrInvalidSpec = errors.New("invalid transport spec")

	// ErrNoTransport occurs when no registered transport matches a
	// spec's protocol.
	ErrNoTransport = errors.New("no such transport")

	// ErrNoDiscovery occurs when a transport does not carry name
	// advertisement or discovery.
	ErrNoDiscovery = errors.New("transport does not support discovery")
)

// Spec is a parsed transport address of the form
// "proto:key=value,key=value".
type Spec struct {
	Proto  string
	Params map[string]string
}

// ParseSpec parses a textual spec. Parameter keys must be unique.
func ParseSpec(raw string) (Spec, error) {
	proto, rest, ok := strings.Cut(raw, ":")
	if !ok || proto == "" {
		return Spec{}, fmt.Errorf("%w: %q", ErrInvalidSpec, raw)
	}

	spec := Spec{Proto: proto, Params: make(map[string]string)}
	if rest == "" {
		return spec, nil
	}
	for _, kv := range strings.Split(rest, ",") {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return Spec{}, fmt.Errorf("%w: bad parameter %q in %q", ErrInvalidSpec, kv, raw)
		}
		if _, dup := spec.Params[key]; dup {
			return Spec{}, fmt.Errorf("%w: duplicate parameter %q in %q", ErrInvalidSpec, key, raw)
		}
		spec.Params[key] = val
	}
	return spec, nil
}

// Normalize renders the canonical textual form: protocol followed by
// parameters in sorted key order. Two specs naming the same endpoint
// normalize identically.
func (s Spec) Normalize() string {
	if len(s.Params) == 0 {
		return s.Proto + ":"
	}
	keys := make([]string, 0, len(s.Params))
	for k := range s.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(s.Proto)
	b.WriteByte(':')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(s.Params[k])
	}
	return b.String()
}

// Param returns a named parameter or the fallback when absent.
func (s Spec) Param(key, fallback string) string {
	if v, ok := s.Params[key]; ok {
		return v
	}
	return fallback
}
