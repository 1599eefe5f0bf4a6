package migrate

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/loom/internal/graph"
	"github.com/roach88/loom/internal/store"
)

// archiveRow is one representation row as written to the archive stream.
type archiveRow struct {
	ID      string       `json:"id"`
	Version int64        `json:"version"`
	Fields  graph.Fields `json:"fields"`
}

// archiveRepresentation streams every row of repr into a gzip'd JSONL file
// under dir and writes a SHA-256 sidecar over the compressed bytes, in
// sha256sum's "digest  filename" layout. Rows are paged in entity id
// order, one JSON object per line. Returns the archive path and the hex
// digest. A failed dump is removed; nothing half-written survives.
func archiveRepresentation(ctx context.Context, s store.GraphStore, repr, dir string, batch int, now time.Time) (string, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("archive dir: %w", err)
	}
	name := fmt.Sprintf("%s-%s.jsonl.gz", repr, now.UTC().Format("20060102T150405Z"))
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", "", fmt.Errorf("create archive: %w", err)
	}
	hash := sha256.New()
	gz := gzip.NewWriter(io.MultiWriter(f, hash))
	enc := json.NewEncoder(gz)

	abort := func(err error) (string, string, error) {
		gz.Close()
		f.Close()
		os.Remove(path)
		return "", "", err
	}

	afterID := ""
	for {
		if err := ctx.Err(); err != nil {
			return abort(err)
		}
		rows, err := s.ListRepresentation(ctx, repr, afterID, batch)
		if err != nil {
			return abort(fmt.Errorf("list %s: %w", repr, err))
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			line := archiveRow{ID: row.ID.String(), Version: row.Version, Fields: row.Fields}
			if err := enc.Encode(line); err != nil {
				return abort(fmt.Errorf("encode %s: %w", row.ID, err))
			}
		}
		afterID = rows[len(rows)-1].ID.String()
	}
	if err := gz.Close(); err != nil {
		f.Close()
		os.Remove(path)
		return "", "", fmt.Errorf("flush archive: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", "", fmt.Errorf("close archive: %w", err)
	}
	sum := hex.EncodeToString(hash.Sum(nil))
	if err := os.WriteFile(path+".sha256", []byte(sum+"  "+name+"\n"), 0o644); err != nil {
		return "", "", fmt.Errorf("write checksum: %w", err)
	}
	return path, sum, nil
}
