package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// RunGolden loads the scenario at path, runs it, fails the test on any
// unmet expectation, and compares the run report against the golden file
// testdata/golden/<name>.golden.
func RunGolden(t *testing.T, path string) {
	t.Helper()

	sc, err := LoadScenario(path)
	if err != nil {
		t.Fatalf("load scenario: %v", err)
	}

	result, err := Run(context.Background(), sc)
	if err != nil {
		t.Fatalf("run scenario %s: %v", sc.Name, err)
	}
	for _, failure := range result.Failures {
		t.Errorf("%s: %s", sc.Name, failure)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, sc.Name, result.Report)
}
