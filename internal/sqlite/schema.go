package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/mesh-intelligence/larder/internal/schema"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// jobsTable holds the job log. The leading underscore keeps it out of the
// entity namespace, which requires names to start with a letter.
const jobsTable = "_jobs"

const createJobs = `CREATE TABLE "_jobs" (
    entity TEXT NOT NULL,
    key_hash TEXT NOT NULL,
    key_json TEXT NOT NULL,
    job_id TEXT NOT NULL,
    status TEXT NOT NULL CHECK (status IN ('reserved', 'error')),
    error TEXT NOT NULL DEFAULT '',
    run_id TEXT NOT NULL,
    host TEXT NOT NULL,
    pid INTEGER NOT NULL,
    created_at TEXT NOT NULL,
    PRIMARY KEY (entity, key_hash)
);`

// createTables creates one table per entity type in dependency order and
// the job log table.
func createTables(db *sql.DB, sch *schema.Schema) error {
	for _, name := range sch.Order() {
		e, err := sch.Entity(name)
		if err != nil {
			return err
		}
		ddl, err := tableDDL(sch, e)
		if err != nil {
			return err
		}
		if _, err := db.Exec(ddl); err != nil {
			return fmt.Errorf("creating table %s: %w", name, err)
		}
	}
	if _, err := db.Exec(createJobs); err != nil {
		return fmt.Errorf("creating job table: %w", err)
	}
	return nil
}

// tableDDL renders CREATE TABLE for an entity type: one column per
// attribute, a composite primary key, and a foreign key per parent.
//
//	CREATE TABLE "Session" (
//	    "mouse_id" INTEGER NOT NULL,
//	    "session_date" TEXT NOT NULL,
//	    "experimenter" TEXT NOT NULL,
//	    PRIMARY KEY ("mouse_id", "session_date"),
//	    FOREIGN KEY ("mouse_id") REFERENCES "Mouse" ("mouse_id")
//	);
func tableDDL(sch *schema.Schema, e *types.EntityType) (string, error) {
	var lines []string
	for _, a := range e.Attributes {
		col := quoteIdent(a.Name) + " " + columnType(a.Type)
		if !a.Nullable {
			col += " NOT NULL"
		}
		if a.Type == types.AttrEnum {
			vals := make([]string, len(a.EnumValues))
			for i, v := range a.EnumValues {
				vals[i] = quoteLiteral(v)
			}
			col += fmt.Sprintf(" CHECK (%s IN (%s))", quoteIdent(a.Name), strings.Join(vals, ", "))
		}
		lines = append(lines, col)
	}
	lines = append(lines, fmt.Sprintf("PRIMARY KEY (%s)", identList(e.PrimaryKey())))

	for _, p := range sch.ParentsOf(e.Name) {
		pe, err := sch.Entity(p)
		if err != nil {
			return "", err
		}
		pk := identList(pe.PrimaryKey())
		lines = append(lines, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s)", pk, quoteIdent(p), pk))
	}

	return fmt.Sprintf("CREATE TABLE %s (\n    %s\n);", quoteIdent(e.Name), strings.Join(lines, ",\n    ")), nil
}

// columnType maps attribute types to SQLite storage classes. Dates are
// TEXT so the driver hands them back as strings.
func columnType(t types.AttrType) string {
	switch t {
	case types.AttrInt:
		return "INTEGER"
	case types.AttrFloat:
		return "REAL"
	case types.AttrBlob:
		return "BLOB"
	default:
		return "TEXT"
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func identList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}
