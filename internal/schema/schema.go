// Package schema holds the embedded CUE payload schemas, one per entity
// kind, and validates raw event payloads against them before normalization.
package schema

import (
	"embed"
	"fmt"
	"io/fs"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	cuejson "cuelang.org/go/encoding/json"

	"github.com/roach88/loom/internal/graph"
)

//go:embed schemas/*.cue
var schemaFS embed.FS

// Registry holds the compiled payload schema for every entity kind.
// Built once at startup; Validate is safe for concurrent use.
type Registry struct {
	ctx      *cue.Context
	payloads map[graph.EntityKind]cue.Value
}

// Load compiles all embedded schemas. Every entity kind must have exactly
// one schemas/<kind>.cue file defining #Payload, and no schema may declare
// a float-typed field (the canonical encoding forbids floats).
func Load() (*Registry, error) {
	ctx := cuecontext.New()
	r := &Registry{
		ctx:      ctx,
		payloads: make(map[graph.EntityKind]cue.Value),
	}

	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("reading embedded schemas: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		kind := graph.EntityKind(strings.TrimSuffix(name, ".cue"))
		if !kind.Valid() {
			return nil, fmt.Errorf("schema file %s does not match any entity kind", name)
		}

		data, err := fs.ReadFile(schemaFS, "schemas/"+name)
		if err != nil {
			return nil, fmt.Errorf("reading schema %s: %w", name, err)
		}

		v := ctx.CompileBytes(data, cue.Filename(name))
		if err := v.Err(); err != nil {
			return nil, formatCUEError(kind, err)
		}

		payload := v.LookupPath(cue.ParsePath("#Payload"))
		if !payload.Exists() {
			return nil, &SchemaError{
				Kind:    kind,
				Field:   "#Payload",
				Message: "definition is required",
				Pos:     v.Pos(),
			}
		}

		if err := checkFieldKinds(kind, payload); err != nil {
			return nil, err
		}

		r.payloads[kind] = payload
	}

	for _, kind := range graph.AllKinds {
		if _, ok := r.payloads[kind]; !ok {
			return nil, fmt.Errorf("no payload schema for entity kind %s", kind)
		}
	}

	return r, nil
}

// Validate unifies the payload with the kind's schema and reports the first
// violation with source position. A nil return means the payload is a
// complete, schema-conforming instance.
func (r *Registry) Validate(kind graph.EntityKind, payload []byte) error {
	schemaVal, ok := r.payloads[kind]
	if !ok {
		return fmt.Errorf("validate payload: %w: %q", graph.ErrUnknownEntityKind, kind)
	}

	expr, err := cuejson.Extract(string(kind)+".json", payload)
	if err != nil {
		return &SchemaError{
			Kind:    kind,
			Field:   "payload",
			Message: fmt.Sprintf("invalid JSON: %v", err),
		}
	}

	val := r.ctx.BuildExpr(expr)
	if err := val.Err(); err != nil {
		return formatCUEError(kind, err)
	}

	unified := schemaVal.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return formatCUEError(kind, err)
	}

	return nil
}

// Kinds lists the entity kinds with a loaded schema, in registry order.
func (r *Registry) Kinds() []graph.EntityKind {
	kinds := make([]graph.EntityKind, 0, len(r.payloads))
	for _, k := range graph.AllKinds {
		if _, ok := r.payloads[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// checkFieldKinds walks a schema struct and rejects float-typed fields,
// recursing into nested structs.
func checkFieldKinds(kind graph.EntityKind, v cue.Value) error {
	iter, err := v.Fields(cue.Optional(true))
	if err != nil {
		return formatCUEError(kind, err)
	}

	for iter.Next() {
		field := iter.Value()
		switch field.IncompleteKind() {
		case cue.FloatKind, cue.NumberKind:
			return &SchemaError{
				Kind:    kind,
				Field:   iter.Label(),
				Message: "float-typed fields are forbidden, use int",
				Pos:     field.Pos(),
			}
		case cue.StructKind:
			if err := checkFieldKinds(kind, field); err != nil {
				return err
			}
		}
	}

	return nil
}

// SchemaError is a schema load or payload validation error with source
// position, formatted like a compile error.
type SchemaError struct {
	Kind    graph.EntityKind
	Field   string
	Message string
	Pos     token.Pos
}

func (e *SchemaError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s schema: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("%s schema: %s: %s", e.Kind, e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(kind graph.EntityKind, err error) error {
	if err == nil {
		return nil
	}

	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := cueerrors.Positions(firstErr)
	if len(positions) > 0 {
		return &SchemaError{
			Kind:    kind,
			Field:   "payload",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return &SchemaError{
		Kind:    kind,
		Field:   "payload",
		Message: firstErr.Error(),
	}
}
