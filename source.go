package ndi

import (
	"fmt"
	"strings"
)

// Source is an endpoint advertised on the network. Two sources are the same
// endpoint when their Address matches; names may collide.
type Source struct {
	Name    string // "MACHINE (stream)"
	Address string // engine locator, host:port or URL
}

// Same reports whether s and o refer to the same endpoint.
func (s Source) Same(o Source) bool { return s.Address == o.Address }

// IsZero reports whether s is the zero Source.
func (s Source) IsZero() bool { return s.Name == "" && s.Address == "" }

// Machine returns the host part of the advertised name.
func (s Source) Machine() string {
	if i := strings.Index(s.Name, " ("); i >= 0 {
		return s.Name[:i]
	}
	return s.Name
}

// Stream returns the stream part of the advertised name, or the whole
// name when it does not follow the "MACHINE (stream)" form.
func (s Source) Stream() string {
	i := strings.Index(s.Name, " (")
	if i < 0 || !strings.HasSuffix(s.Name, ")") {
		return s.Name
	}
	return s.Name[i+2 : len(s.Name)-1]
}

func (s Source) String() string {
	if s.Address == "" {
		return s.Name
	}
	return fmt.Sprintf("%s @ %s", s.Name, s.Address)
}

// advertisedName formats a stream name the way engines advertise it.
func advertisedName(machine, stream string) string {
	return fmt.Sprintf("%s (%s)", strings.ToUpper(machine), stream)
}

// uniqueSources drops entries whose Address was already seen. Entries
// without an address are keyed by name.
func uniqueSources(in []Source) []Source {
	seen := make(map[string]struct{}, len(in))
	out := in[:0:0]
	for _, s := range in {
		key := s.Address
		if key == "" {
			key = "name:" + s.Name
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}

// NameContains matches sources whose advertised name contains sub.
func NameContains(sub string) func(Source) bool {
	return func(s Source) bool { return strings.Contains(s.Name, sub) }
}

// StreamIs matches sources whose stream part equals name.
func StreamIs(name string) func(Source) bool {
	return func(s Source) bool { return s.Stream() == name }
}
