package sqlite

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mesh-intelligence/larder/pkg/types"
)

// maxLineSize bounds one JSONL record. Rows carrying waveform blobs are
// much larger than bufio's default token size.
const maxLineSize = 64 << 20

// jsonlPath returns the file holding rows of name: <DataDir>/<name>.jsonl.
func (b *Backend) jsonlPath(name string) string {
	return filepath.Join(b.dataDir, name+".jsonl")
}

// readJSONL reads a JSONL file and returns each non-empty, parseable line
// as a json.RawMessage. Malformed lines are skipped. A missing file reads
// as empty.
func readJSONL(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var records []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		records = append(records, json.RawMessage(bytes.Clone(line)))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", path, err)
	}
	return records, nil
}

// writeJSONL replaces path with records, one per line. The file is written
// to a temporary sibling, synced, and renamed over path so readers see
// either the old or the new content.
func writeJSONL(path string, records []json.RawMessage) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".jsonl-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	w := bufio.NewWriter(tmp)
	for _, rec := range records {
		w.Write(rec)
		if err = w.WriteByte('\n'); err != nil {
			return fmt.Errorf("writing record: %w", err)
		}
	}
	if err = w.Flush(); err != nil {
		return fmt.Errorf("flushing buffer: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// initJSONLFiles creates an empty JSONL file for every entity type and the
// job log when none exists yet.
func (b *Backend) initJSONLFiles() error {
	names := append(b.schema.Order(), jobsTable)
	for _, name := range names {
		path := b.jsonlPath(name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}

// persistJSONL rewrites the JSONL file of one entity type (or the job log)
// from the database, ordered by primary key.
func (b *Backend) persistJSONL(name string) error {
	if name == jobsTable {
		return b.jobs.persist()
	}
	e, err := b.schema.Entity(name)
	if err != nil {
		return err
	}
	rows, err := fetchRows(context.Background(), b.db, e, types.Predicate{OrderBy: keyOrder(e)})
	if err != nil {
		return fmt.Errorf("reading %s for persistence: %w", name, err)
	}
	records := make([]json.RawMessage, 0, len(rows))
	for _, r := range rows {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encoding %s row: %w", name, err)
		}
		records = append(records, data)
	}
	return writeJSONL(b.jsonlPath(name), records)
}

// loadAllJSONL fills the fresh database from the JSONL files in one
// transaction. Entity types load in dependency order so every parent row
// exists before its dependents. Rows that fail validation or reference a
// missing parent are logged and skipped.
func (b *Backend) loadAllJSONL(ctx context.Context) error {
	sqlTx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning load transaction: %w", err)
	}
	defer sqlTx.Rollback()

	t := newTx(ctx, sqlTx, b.schema)
	for _, name := range b.schema.Order() {
		e, _ := b.schema.Entity(name)
		path := b.jsonlPath(name)
		records, err := readJSONL(path)
		if err != nil {
			return err
		}
		loaded := 0
		for i, rec := range records {
			var raw map[string]any
			dec := json.NewDecoder(bytes.NewReader(rec))
			dec.UseNumber()
			if err := dec.Decode(&raw); err != nil {
				b.logger.Warn("skipping malformed record", "file", path, "line", i+1, "error", err)
				continue
			}
			row, err := e.RowFromJSON(raw)
			if err != nil {
				b.logger.Warn("skipping invalid record", "file", path, "line", i+1, "error", err)
				continue
			}
			ok, err := t.Insert(name, row, types.OnDuplicateSkip)
			if errors.Is(err, types.ErrMissingParent) || errors.Is(err, types.ErrInvalidRow) {
				b.logger.Warn("skipping orphan record", "file", path, "line", i+1, "error", err)
				continue
			}
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			if ok {
				loaded++
			}
		}
		b.logger.Debug("loaded entity", "entity", name, "rows", loaded)
	}

	if err := b.jobs.load(ctx, sqlTx); err != nil {
		return err
	}
	return sqlTx.Commit()
}
