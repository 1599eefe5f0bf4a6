package store

import (
	"context"
	"fmt"

	"github.com/roach88/loom/internal/graph"
)

// RecoveryReport summarizes the durable state that needs attention after
// a restart: where each source resumes, mirror writes that were recorded
// but never confirmed, migrations caught mid-phase, and the newest
// dead-lettered events.
type RecoveryReport struct {
	Cursors          []graph.Cursor
	PendingMirrors   []graph.MirrorIntent
	ActiveMigrations []graph.MigrationState
	FailedMigrations []graph.MigrationState
	RecentQuarantine []graph.QuarantineRecord
}

// Clean reports whether nothing is pending: no unconfirmed mirror
// writes, no migration stopped between phases, no failed migrations.
// Cursors and old quarantine rows are normal operating state and do not
// count against a clean report.
func (r RecoveryReport) Clean() bool {
	return len(r.PendingMirrors) == 0 &&
		len(r.ActiveMigrations) == 0 &&
		len(r.FailedMigrations) == 0
}

// recoveryPageSize bounds each listing inside BuildRecoveryReport.
const recoveryPageSize = 100

// BuildRecoveryReport assembles a RecoveryReport from any GraphStore.
//
// It reads only through the port interface, so every backend gets the
// same recovery analysis. Listings are capped at recoveryPageSize rows
// each; a report is a triage view, not an export.
func BuildRecoveryReport(ctx context.Context, st GraphStore) (RecoveryReport, error) {
	var report RecoveryReport

	cursors, err := st.ListCursors(ctx)
	if err != nil {
		return report, fmt.Errorf("recovery report: %w", err)
	}
	report.Cursors = cursors

	pending, err := st.PendingMirrorIntents(ctx, recoveryPageSize)
	if err != nil {
		return report, fmt.Errorf("recovery report: %w", err)
	}
	report.PendingMirrors = pending

	states, err := st.ListMigrationStates(ctx)
	if err != nil {
		return report, fmt.Errorf("recovery report: %w", err)
	}
	for _, state := range states {
		switch {
		case state.Phase == graph.PhaseFailed:
			report.FailedMigrations = append(report.FailedMigrations, state)
		case !state.Phase.Terminal():
			report.ActiveMigrations = append(report.ActiveMigrations, state)
		}
	}

	quarantine, err := st.ListQuarantine(ctx, "", recoveryPageSize)
	if err != nil {
		return report, fmt.Errorf("recovery report: %w", err)
	}
	report.RecentQuarantine = quarantine

	return report, nil
}
