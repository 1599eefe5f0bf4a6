package watcher

import "time"

// RunStatus is the outcome of one source's poll within a round.
type RunStatus string

const (
	RunOk            RunStatus = "ok"
	RunError         RunStatus = "error"
	RunTimeout       RunStatus = "timeout"
	RunFailedToBuild RunStatus = "failed_to_build"
)

// SourceRun records one source's poll outcome.
type SourceRun struct {
	SourceID string
	Duration time.Duration
	Status   RunStatus
}

// RunStats collects the outcomes of one polling round.
type RunStats struct {
	Runs []SourceRun
}

func (s *RunStats) add(id string, d time.Duration, status RunStatus) {
	s.Runs = append(s.Runs, SourceRun{SourceID: id, Duration: d, Status: status})
}

// Count returns how many runs finished with the given status.
func (s RunStats) Count(status RunStatus) int {
	n := 0
	for _, run := range s.Runs {
		if run.Status == status {
			n++
		}
	}
	return n
}

// HadIssues reports whether any run in the round did not finish clean.
func (s RunStats) HadIssues() bool {
	return s.Count(RunOk) < len(s.Runs)
}
