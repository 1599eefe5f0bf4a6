package migrate

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"text/template"
)

var (
	// scaffoldName constrains new migration names to snake_case.
	scaffoldName = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

	// migrationFile matches numbered migration source files in a catalog
	// directory.
	migrationFile = regexp.MustCompile(`^(\d{4})_[a-z][a-z0-9_]*\.go$`)
)

const migrationSkeleton = `package catalog

import (
	"github.com/roach88/loom/internal/graph"
)

// {{.Type}} describes what this migration rebuilds and why.
type {{.Type}} struct{}

func ({{.Type}}) ID() string { return "{{.ID}}" }

// DependsOn lists migrations that must reach Done first.
func ({{.Type}}) DependsOn() []string { return nil }

// Kinds returns the entity kinds this migration covers.
func ({{.Type}}) Kinds() []graph.EntityKind {
	return []graph.EntityKind{}
}

// Repr names the representation this migration builds.
func ({{.Type}}) Repr() string { return "" }

// Transform derives the new representation's fields from a primary row.
// It must be pure and safe to re-apply to the same row.
func ({{.Type}}) Transform(old graph.Fields) (graph.Fields, error) {
	out := old.Clone()
	return out, nil
}
`

var skeletonTemplate = template.Must(template.New("migration").Parse(migrationSkeleton))

// Scaffold writes a numbered migration skeleton into dir and returns its
// path. The sequence number continues from the highest numbered migration
// file already present. The new type still has to be added to the
// catalog's All list by hand.
func Scaffold(dir, name string) (string, error) {
	if !scaffoldName.MatchString(name) {
		return "", fmt.Errorf("migrate: migration name must be snake_case, got %q", name)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read catalog dir: %w", err)
	}
	seq := 0
	for _, ent := range entries {
		match := migrationFile.FindStringSubmatch(ent.Name())
		if match == nil {
			continue
		}
		if n, err := strconv.Atoi(match[1]); err == nil && n > seq {
			seq = n
		}
	}
	id := fmt.Sprintf("%04d_%s", seq+1, name)
	path := filepath.Join(dir, id+".go")
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("migrate: %s already exists", path)
	}
	var buf bytes.Buffer
	data := struct {
		ID   string
		Type string
	}{ID: id, Type: exportedName(name)}
	if err := skeletonTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render skeleton: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write skeleton: %w", err)
	}
	return path, nil
}

// exportedName turns a snake_case migration name into an exported Go type
// name: "tag_counts_reset" becomes "TagCountsReset".
func exportedName(name string) string {
	var b strings.Builder
	for _, part := range strings.Split(name, "_") {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}
