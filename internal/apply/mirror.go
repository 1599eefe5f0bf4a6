package apply

import (
	"context"
	"slices"
	"sync"

	"github.com/roach88/loom/internal/graph"
)

// Mirror receives every committed change for the entity kinds it covers.
// The migration engine registers one while a migration is in a write phase
// and unregisters it when the migration leaves that phase or fails.
type Mirror interface {
	// Repr names the representation the mirror maintains. It keys the
	// write-ahead intent rows, so it must stay stable for the mirror's
	// lifetime.
	Repr() string

	// Kinds lists the entity kinds the mirror covers.
	Kinds() []graph.EntityKind

	// MirrorChange applies one committed change to the mirror's
	// representation. Called after the primary write has succeeded; an
	// error leaves the write-ahead intent pending for later repair and
	// never unwinds the primary write.
	MirrorChange(ctx context.Context, rec graph.ChangeRecord) error
}

// mirrorSet is the applier's registry of active dual-write mirrors,
// keyed by representation name.
type mirrorSet struct {
	mu      sync.RWMutex
	mirrors []Mirror
}

func (s *mirrorSet) register(m Mirror) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.mirrors {
		if existing.Repr() == m.Repr() {
			s.mirrors[i] = m
			return
		}
	}
	s.mirrors = append(s.mirrors, m)
}

func (s *mirrorSet) unregister(repr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mirrors = slices.DeleteFunc(s.mirrors, func(m Mirror) bool {
		return m.Repr() == repr
	})
}

// covering returns the mirrors interested in kind, in registration order.
func (s *mirrorSet) covering(kind graph.EntityKind) []Mirror {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Mirror
	for _, m := range s.mirrors {
		if slices.Contains(m.Kinds(), kind) {
			out = append(out, m)
		}
	}
	return out
}
