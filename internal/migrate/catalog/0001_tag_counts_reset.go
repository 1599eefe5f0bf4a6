package catalog

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/loom/internal/graph"
)

// TagCountsReset rebuilds the tag representation with canonical labels so
// count aggregations group unicode-equivalent spellings together. Primary
// rows keep the label exactly as the author wrote it; only the derived
// representation folds case, trims whitespace, and applies NFC.
type TagCountsReset struct{}

func (TagCountsReset) ID() string { return "0001_tag_counts_reset" }

func (TagCountsReset) DependsOn() []string { return nil }

func (TagCountsReset) Kinds() []graph.EntityKind {
	return []graph.EntityKind{graph.KindTag}
}

func (TagCountsReset) Repr() string { return "tag_counts_v2" }

func (TagCountsReset) Transform(old graph.Fields) (graph.Fields, error) {
	raw, _ := old["label"].(string)
	if raw == "" {
		return nil, fmt.Errorf("tag row has no label")
	}
	out := old.Clone()
	out["label"] = CanonicalLabel(raw)
	return out, nil
}

// CanonicalLabel folds a tag label for aggregation: NFC normalization,
// whitespace trim, then lowercase.
func CanonicalLabel(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFC.String(s)))
}
