// Tests for the SQLite backend: lifecycle, the shared store behavior, and
// the generated table definitions.
package sqlite

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mesh-intelligence/larder/internal/schema"
	"github.com/mesh-intelligence/larder/internal/storetest"
	"github.com/mesh-intelligence/larder/pkg/types"
)

func newAttached(t *testing.T, sch *schema.Schema, dataDir string, strategy string) *Backend {
	t.Helper()
	b := NewBackend(sch, nil)
	err := b.Attach(types.Config{
		Backend:      types.BackendSQLite,
		DataDir:      dataDir,
		SyncStrategy: strategy,
	})
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	return b
}

func TestStoreBehavior(t *testing.T) {
	storetest.Run(t, func(t *testing.T, sch *schema.Schema) types.Store {
		return newAttached(t, sch, t.TempDir(), "")
	})
}

func TestBackend_Attach(t *testing.T) {
	tmpDir := t.TempDir()
	b := newAttached(t, storetest.Schema(t), tmpDir, "")
	defer b.Detach()

	if _, err := os.Stat(filepath.Join(tmpDir, dbFileName)); os.IsNotExist(err) {
		t.Errorf("%s not created", dbFileName)
	}

	err := b.Attach(types.Config{Backend: types.BackendSQLite, DataDir: tmpDir})
	if err != types.ErrAlreadyAttached {
		t.Errorf("expected ErrAlreadyAttached, got %v", err)
	}
}

func TestBackend_AttachLocksDataDir(t *testing.T) {
	tmpDir := t.TempDir()
	sch := storetest.Schema(t)
	ctx := context.Background()

	first := newAttached(t, sch, tmpDir, "")
	if _, err := first.Insert(ctx, "Mouse", []types.Row{{"mouse_id": 0, "dob": "2017-03-01"}}, types.OnDuplicateFail); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	second := NewBackend(sch, nil)
	err := second.Attach(types.Config{Backend: types.BackendSQLite, DataDir: tmpDir})
	if !errors.Is(err, types.ErrDataDirLocked) {
		t.Fatalf("expected ErrDataDirLocked, got %v", err)
	}
	if _, err := second.handle(); err != types.ErrStoreClosed {
		t.Errorf("refused backend should stay detached, got %v", err)
	}

	if _, err := first.Insert(ctx, "Mouse", []types.Row{{"mouse_id": 1, "dob": "2017-03-02"}}, types.OnDuplicateFail); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := first.Detach(); err != nil {
		t.Fatalf("Detach failed: %v", err)
	}

	// The lock is released on Detach and no committed row is lost.
	if err := second.Attach(types.Config{Backend: types.BackendSQLite, DataDir: tmpDir}); err != nil {
		t.Fatalf("Attach after Detach failed: %v", err)
	}
	defer second.Detach()
	if got := len(storetest.Collect(t, second, "Mouse", types.All())); got != 2 {
		t.Errorf("expected 2 mice after reattach, got %d", got)
	}
}

func TestBackend_AttachRejectsBadConfig(t *testing.T) {
	b := NewBackend(storetest.Schema(t), nil)
	err := b.Attach(types.Config{Backend: types.BackendSQLite, DataDir: t.TempDir(), SyncStrategy: "batch"})
	if err != types.ErrSyncStrategyUnknown {
		t.Errorf("expected ErrSyncStrategyUnknown, got %v", err)
	}
}

func TestBackend_Detach(t *testing.T) {
	b := newAttached(t, storetest.Schema(t), t.TempDir(), "")

	if err := b.Detach(); err != nil {
		t.Fatalf("Detach failed: %v", err)
	}
	if err := b.Detach(); err != nil {
		t.Errorf("second Detach should not error, got %v", err)
	}
	if _, err := b.handle(); err != types.ErrStoreClosed {
		t.Errorf("expected ErrStoreClosed, got %v", err)
	}
}

func TestTableDDL(t *testing.T) {
	sch := storetest.Schema(t)

	tests := []struct {
		entity string
		want   []string
	}{
		{"Mouse", []string{
			`"mouse_id" INTEGER NOT NULL`,
			`"dob" TEXT NOT NULL`,
			`"sex" TEXT NOT NULL CHECK ("sex" IN ('M', 'F', 'U'))`,
			`PRIMARY KEY ("mouse_id")`,
		}},
		{"Session", []string{
			`"note" TEXT,`,
			`PRIMARY KEY ("mouse_id", "session_date")`,
			`FOREIGN KEY ("mouse_id") REFERENCES "Mouse" ("mouse_id")`,
		}},
		{"Result", []string{
			`"value" REAL NOT NULL`,
			`PRIMARY KEY ("mouse_id", "session_date", "param_id")`,
			`FOREIGN KEY ("mouse_id", "session_date") REFERENCES "Session" ("mouse_id", "session_date")`,
			`FOREIGN KEY ("param_id") REFERENCES "Param" ("param_id")`,
		}},
		{"Result.Item", []string{
			`CREATE TABLE "Result.Item"`,
			`"payload" BLOB`,
			`REFERENCES "Result" ("mouse_id", "session_date", "param_id")`,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.entity, func(t *testing.T) {
			e, err := sch.Entity(tt.entity)
			if err != nil {
				t.Fatal(err)
			}
			ddl, err := tableDDL(sch, e)
			if err != nil {
				t.Fatal(err)
			}
			for _, frag := range tt.want {
				if !strings.Contains(ddl, frag) {
					t.Errorf("DDL missing %q:\n%s", frag, ddl)
				}
			}
		})
	}
}

func TestWhereSQL(t *testing.T) {
	tests := []struct {
		name     string
		p        types.Predicate
		want     string
		wantArgs int
	}{
		{"empty", types.All(), "1", 0},
		{"eq null", types.Where(types.Eq("a", nil)), `"a" IS NULL`, 0},
		{"ne value", types.Where(types.Cmp("a", types.OpNe, int64(1))), `("a" IS NULL OR "a" != ?)`, 1},
		{"between", types.Where(types.Between("a", int64(1), int64(2))), `"a" BETWEEN ? AND ?`, 2},
		{"in skips null", types.Where(types.In("a", int64(1), nil)), `"a" IN (?)`, 1},
		{"and", types.Where(types.Eq("a", int64(1)), types.Cmp("b", types.OpGe, "x")), `"a" = ? AND "b" >= ?`, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, args := whereSQL("", tt.p)
			if got != tt.want {
				t.Errorf("whereSQL = %q, want %q", got, tt.want)
			}
			if len(args) != tt.wantArgs {
				t.Errorf("got %d args, want %d", len(args), tt.wantArgs)
			}
		})
	}
}
