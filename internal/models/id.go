package models

import (
	"fmt"
	"strconv"
	"strings"
)

// ItemID is the composite key of an item: a namespace (round, session, or
// "meta") and a local decimal counter within that namespace.
type ItemID struct {
	Namespace string
	Local     uint64
}

// NewItemID returns the ID for local within namespace.
func NewItemID(namespace string, local uint64) ItemID {
	return ItemID{Namespace: namespace, Local: local}
}

// String serializes the ID: "12" without a namespace, "meta-12" with one.
func (id ItemID) String() string {
	local := strconv.FormatUint(id.Local, 10)
	if id.Namespace == "" {
		return local
	}
	return id.Namespace + "-" + local
}

// ParseItemID parses the serialized form. The namespace is everything before
// the last "-", so nested namespaces like "3-meta-4" round-trip.
func ParseItemID(s string) (ItemID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ItemID{}, fmt.Errorf("empty item id")
	}
	ns, local := "", s
	if i := strings.LastIndex(s, "-"); i >= 0 {
		ns, local = s[:i], s[i+1:]
		if ns == "" {
			return ItemID{}, fmt.Errorf("invalid item id %q: empty namespace", s)
		}
	}
	n, err := strconv.ParseUint(local, 10, 64)
	if err != nil {
		return ItemID{}, fmt.Errorf("invalid item id %q: %w", s, err)
	}
	return ItemID{Namespace: ns, Local: n}, nil
}

// Prefixed returns the ID moved under an outer namespace, e.g. session "3"
// turns "12" into "3-12" and "c-4" into "3-c-4".
func (id ItemID) Prefixed(outer string) ItemID {
	if outer == "" {
		return id
	}
	if id.Namespace == "" {
		return ItemID{Namespace: outer, Local: id.Local}
	}
	return ItemID{Namespace: outer + "-" + id.Namespace, Local: id.Local}
}
