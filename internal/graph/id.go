package graph

import (
	"fmt"
	"strings"
)

// EntityKind identifies one of the closed set of entity kinds the pipeline
// understands. The set is fixed at deploy time; dispatch over kinds uses a
// capability table, never reflection.
type EntityKind string

const (
	KindUser     EntityKind = "user"
	KindPost     EntityKind = "post"
	KindFollow   EntityKind = "follow"
	KindTag      EntityKind = "tag"
	KindBookmark EntityKind = "bookmark"
	KindMute     EntityKind = "mute"
)

// AllKinds lists every known entity kind in a stable order.
var AllKinds = []EntityKind{KindUser, KindPost, KindFollow, KindTag, KindBookmark, KindMute}

// Valid reports whether k is one of the known entity kinds.
func (k EntityKind) Valid() bool {
	switch k {
	case KindUser, KindPost, KindFollow, KindTag, KindBookmark, KindMute:
		return true
	}
	return false
}

// Relational reports whether entities of this kind carry an edge
// (a from/to pair of entity references) in addition to their fields.
func (k EntityKind) Relational() bool {
	switch k {
	case KindFollow, KindTag, KindBookmark, KindMute:
		return true
	}
	return false
}

// EntityID is the globally unique, migration-stable identity of an entity:
// an entity kind plus a source-assigned natural key.
// The wire/storage form is "kind:natural_key".
type EntityID struct {
	Kind EntityKind `json:"kind"`
	Key  string     `json:"key"`
}

// NewEntityID builds an EntityID from a kind and natural key.
func NewEntityID(kind EntityKind, key string) EntityID {
	return EntityID{Kind: kind, Key: key}
}

// String returns the "kind:natural_key" form.
func (id EntityID) String() string {
	return string(id.Kind) + ":" + id.Key
}

// IsZero reports whether the ID is unset.
func (id EntityID) IsZero() bool {
	return id.Kind == "" && id.Key == ""
}

// ParseEntityID parses the "kind:natural_key" form. The kind must be one of
// the known entity kinds; the natural key must be non-empty. Natural keys may
// themselves contain colons (only the first separator splits).
func ParseEntityID(s string) (EntityID, error) {
	kind, key, ok := strings.Cut(s, ":")
	if !ok {
		return EntityID{}, fmt.Errorf("entity id %q: missing ':' separator", s)
	}
	k := EntityKind(kind)
	if !k.Valid() {
		return EntityID{}, fmt.Errorf("entity id %q: unknown kind %q", s, kind)
	}
	if key == "" {
		return EntityID{}, fmt.Errorf("entity id %q: empty natural key", s)
	}
	return EntityID{Kind: k, Key: key}, nil
}

// MarshalText implements encoding.TextMarshaler so EntityIDs can be used
// directly as JSON strings and map keys.
func (id EntityID) MarshalText() ([]byte, error) {
	if id.IsZero() {
		return nil, fmt.Errorf("cannot marshal zero entity id")
	}
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *EntityID) UnmarshalText(data []byte) error {
	parsed, err := ParseEntityID(string(data))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// CompareEntityIDs orders IDs by kind then key. Used wherever a
// deterministic iteration order over entity sets is required.
func CompareEntityIDs(a, b EntityID) int {
	if c := strings.Compare(string(a.Kind), string(b.Kind)); c != 0 {
		return c
	}
	return strings.Compare(a.Key, b.Key)
}

// EdgeRef is the from/to pair carried by relational entity kinds.
// A follow "alice follows bob" has From=user:alice, To=user:bob.
type EdgeRef struct {
	From EntityID `json:"from"`
	To   EntityID `json:"to"`
}
