package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/loom/internal/graph"
)

// Scenario defines one end-to-end pipeline test: raw events delivered in
// rounds, and the graph state, cursors and quarantine rows expected after
// the last round settles.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains which pipeline behavior this scenario pins down.
	Description string `yaml:"description"`

	// Rounds are delivered in order. Each round appends its events to the
	// per-source feeds and then runs one poll cycle per source, so a
	// scenario can interleave sources and model late arrivals. An event
	// listed twice with the same token in one round models at-least-once
	// redelivery.
	Rounds []Round `yaml:"rounds"`

	// Expect is evaluated against the stores once every round has settled.
	Expect Expect `yaml:"expect"`
}

// Round is one batch of feed deliveries.
type Round struct {
	Events []Event `yaml:"events"`
}

// Event is one raw source event. Unlike fixture seeding, scenarios assign
// sequence tokens explicitly so they can express duplicates and gaps.
type Event struct {
	// Source is the homeserver id the event arrives from.
	Source string `yaml:"source"`

	// Token is the event's sequence token. Tokens must sort lexically in
	// delivery order per source; repeating a token within a round models
	// redelivery.
	Token string `yaml:"token"`

	// At is the event's occurred-at time. Last-writer-wins compares these,
	// so scenarios control conflict outcomes by choosing them.
	At time.Time `yaml:"at"`

	// Kind is the entity kind the event addresses.
	Kind graph.EntityKind `yaml:"kind"`

	// Op is create, update or delete.
	Op graph.Operation `yaml:"op"`

	// Payload is the event body as the source would send it.
	Payload map[string]any `yaml:"payload"`
}

// Expect lists the post-run assertions. Every listed entity, cursor and
// quarantine row is checked; quarantine rows not listed fail the scenario.
type Expect struct {
	// Entities are point assertions against the graph store.
	Entities []EntityExpect `yaml:"entities,omitempty"`

	// Cursors maps source id to the expected last-applied token.
	Cursors map[string]string `yaml:"cursors,omitempty"`

	// Quarantined lists every quarantine row the run must produce,
	// exactly. An empty list asserts a clean run.
	Quarantined []QuarantineExpect `yaml:"quarantined,omitempty"`
}

// EntityExpect asserts one entity's state. Identity is either a literal
// "kind:key" id or an edge triple; edge keys are content hashes, so
// scenarios name relationships by their endpoints instead.
type EntityExpect struct {
	// ID is the "kind:key" entity id. Mutually exclusive with Edge.
	ID string `yaml:"id,omitempty"`

	// Edge identifies a relational entity by endpoints (and label for
	// tags). Mutually exclusive with ID.
	Edge *EdgeExpect `yaml:"edge,omitempty"`

	// Version is the exact expected version; 0 checks existence only.
	Version int64 `yaml:"version,omitempty"`

	// Deleted expects a tombstone.
	Deleted bool `yaml:"deleted,omitempty"`

	// Absent expects the entity to have never existed. Incompatible with
	// Version, Deleted and Fields.
	Absent bool `yaml:"absent,omitempty"`

	// Fields is a subset match: listed keys must be present and equal,
	// unlisted keys are ignored.
	Fields map[string]any `yaml:"fields,omitempty"`
}

// EdgeExpect names a relational entity by its identifying parts.
type EdgeExpect struct {
	Kind  graph.EntityKind `yaml:"kind"`
	From  string           `yaml:"from"`
	To    string           `yaml:"to"`
	Label string           `yaml:"label,omitempty"`
}

// QuarantineExpect asserts one quarantine row.
type QuarantineExpect struct {
	Source string `yaml:"source"`
	Token  string `yaml:"token"`
	Reason string `yaml:"reason"`
}

// LoadScenario reads and parses a scenario YAML file. Unknown fields
// (typos) and structurally invalid scenarios are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}

	var sc Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&sc); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}

	if err := validateScenario(&sc); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", path, err)
	}
	return &sc, nil
}

// validateScenario checks required fields and the per-source token
// discipline the memory feed depends on: tokens never regress, and a
// round never reuses a token the previous round's cursor already passed.
func validateScenario(sc *Scenario) error {
	if sc.Name == "" {
		return fmt.Errorf("name is required")
	}
	if sc.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(sc.Rounds) == 0 {
		return fmt.Errorf("rounds list is required and must be non-empty")
	}

	type tokenState struct {
		settled string // highest token of completed rounds
		last    string // highest token seen in the current round
	}
	perSource := make(map[string]*tokenState)

	for ri, round := range sc.Rounds {
		if len(round.Events) == 0 {
			return fmt.Errorf("rounds[%d]: events list must be non-empty", ri)
		}
		for ei, ev := range round.Events {
			where := fmt.Sprintf("rounds[%d].events[%d]", ri, ei)
			if ev.Source == "" {
				return fmt.Errorf("%s: source is required", where)
			}
			if ev.Token == "" {
				return fmt.Errorf("%s: token is required", where)
			}
			if ev.At.IsZero() {
				return fmt.Errorf("%s: at is required", where)
			}
			if !ev.Kind.Valid() {
				return fmt.Errorf("%s: unknown kind %q", where, ev.Kind)
			}
			if !ev.Op.Valid() {
				return fmt.Errorf("%s: unknown op %q", where, ev.Op)
			}
			if len(ev.Payload) == 0 {
				return fmt.Errorf("%s: payload is required", where)
			}

			st := perSource[ev.Source]
			if st == nil {
				st = &tokenState{}
				perSource[ev.Source] = st
			}
			if ev.Token < st.last {
				return fmt.Errorf("%s: token %q regresses below %q", where, ev.Token, st.last)
			}
			if st.settled != "" && ev.Token <= st.settled {
				return fmt.Errorf("%s: token %q is behind the round %d cursor %q and would never be delivered",
					where, ev.Token, ri, st.settled)
			}
			st.last = ev.Token
		}
		for _, st := range perSource {
			if st.last > st.settled {
				st.settled = st.last
			}
		}
	}

	return validateExpect(&sc.Expect)
}

func validateExpect(e *Expect) error {
	if len(e.Entities) == 0 && len(e.Cursors) == 0 && e.Quarantined == nil {
		return fmt.Errorf("expect must assert something")
	}

	for i, ent := range e.Entities {
		where := fmt.Sprintf("expect.entities[%d]", i)
		if (ent.ID == "") == (ent.Edge == nil) {
			return fmt.Errorf("%s: exactly one of id or edge is required", where)
		}
		if ent.ID != "" {
			if _, err := graph.ParseEntityID(ent.ID); err != nil {
				return fmt.Errorf("%s: %v", where, err)
			}
		}
		if ent.Edge != nil {
			if !ent.Edge.Kind.Relational() {
				return fmt.Errorf("%s: edge kind %q is not relational", where, ent.Edge.Kind)
			}
			if _, err := graph.ParseEntityID(ent.Edge.From); err != nil {
				return fmt.Errorf("%s: edge from: %v", where, err)
			}
			if _, err := graph.ParseEntityID(ent.Edge.To); err != nil {
				return fmt.Errorf("%s: edge to: %v", where, err)
			}
			if (ent.Edge.Label != "") != (ent.Edge.Kind == graph.KindTag) {
				return fmt.Errorf("%s: label is required for tag edges and only for tag edges", where)
			}
		}
		if ent.Version < 0 {
			return fmt.Errorf("%s: version must be non-negative", where)
		}
		if ent.Absent && (ent.Version != 0 || ent.Deleted || len(ent.Fields) > 0) {
			return fmt.Errorf("%s: absent excludes version, deleted and fields", where)
		}
	}

	for src, token := range e.Cursors {
		if src == "" || token == "" {
			return fmt.Errorf("expect.cursors: source and token must be non-empty")
		}
	}

	for i, q := range e.Quarantined {
		where := fmt.Sprintf("expect.quarantined[%d]", i)
		if q.Source == "" {
			return fmt.Errorf("%s: source is required", where)
		}
		if q.Token == "" {
			return fmt.Errorf("%s: token is required", where)
		}
		if q.Reason == "" {
			return fmt.Errorf("%s: reason is required", where)
		}
	}

	return nil
}

// entityID resolves the expectation's identity, deriving relationship keys
// the same way the normalizer does.
func (e *EntityExpect) entityID() (graph.EntityID, error) {
	if e.ID != "" {
		return graph.ParseEntityID(e.ID)
	}
	parts := []string{e.Edge.From, e.Edge.To}
	if e.Edge.Label != "" {
		parts = append(parts, e.Edge.Label)
	}
	return graph.NewEntityID(e.Edge.Kind, graph.RelationKey(parts...)), nil
}
