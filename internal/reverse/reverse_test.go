package reverse

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/johndauphine/erp-aps-sync/internal/config"
	"github.com/johndauphine/erp-aps-sync/internal/store"
	"github.com/johndauphine/erp-aps-sync/internal/store/storetest"
	"github.com/johndauphine/erp-aps-sync/internal/syncerr"
)

var reverseCfg = config.ReverseConfig{
	SourceTable: "LSB_INT_Programacao",
	MirrorTable: "tb_lsb_int_programacao",
	KeyColumns:  []string{"id_programacao"},
}

func results(rows ...[]any) storetest.QueryFunc {
	return func([]any) (*store.Rows, error) {
		return storetest.RowsOf([]string{"ID_PROGRAMACAO", "RECURSO", "INICIO"}, rows...), nil
	}
}

func TestSyncBack(t *testing.T) {
	dest, src := storetest.New(), storetest.New()
	dest.OnQuery("LSB_INT_Programacao", results(
		[]any{int64(1), "TORNO-01", "2024-03-05 08:00:00"},
		[]any{int64(2), "FRESA-02", "2024-03-05 09:30:00"},
	))

	res, err := New(dest, src, reverseCfg).SyncBack(context.Background())
	if err != nil {
		t.Fatalf("SyncBack() error: %v", err)
	}
	if res.RowsCopied != 2 {
		t.Errorf("RowsCopied = %d, want 2", res.RowsCopied)
	}
	if src.Commits() != 1 {
		t.Errorf("source commits = %d, want 1", src.Commits())
	}

	tbl := src.Table("tb_lsb_int_programacao")
	if tbl == nil || len(tbl.Rows) != 2 {
		t.Fatalf("mirror table = %+v", tbl)
	}
	if tbl.Columns[0] != "id_programacao" {
		t.Errorf("mirror columns = %v, want lower-cased names", tbl.Columns)
	}
	if len(dest.Calls("upsert:")) != 0 {
		t.Error("reverse sync must not write the destination store")
	}
}

func TestSyncBackUpsertsByKey(t *testing.T) {
	dest, src := storetest.New(), storetest.New()
	dest.OnQuery("LSB_INT_Programacao", results([]any{int64(1), "TORNO-01", "new"}))
	src.Seed("tb_lsb_int_programacao", []string{"id_programacao", "recurso", "inicio"}, []string{"id_programacao"},
		[][]any{{int64(1), "TORNO-01", "old"}, {int64(7), "X", "kept"}})

	s := New(dest, src, reverseCfg)
	for i := 0; i < 2; i++ {
		if _, err := s.SyncBack(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	tbl := src.Table("tb_lsb_int_programacao")
	if len(tbl.Rows) != 2 || tbl.Rows[0][2] != "new" {
		t.Errorf("mirror rows = %v", tbl.Rows)
	}
}

func TestSyncBackRejectsRepeatedKey(t *testing.T) {
	dest, src := storetest.New(), storetest.New()
	dest.OnQuery("LSB_INT_Programacao", results(
		[]any{int64(4), "TORNO-01", "a"},
		[]any{int64(4), "TORNO-01", "b"},
	))

	_, err := New(dest, src, reverseCfg).SyncBack(context.Background())
	var rse *syncerr.ReverseSyncError
	if !errors.As(err, &rse) {
		t.Fatalf("expected ReverseSyncError, got %v", err)
	}
	if !strings.Contains(err.Error(), "repeats key id_programacao = (4)") {
		t.Errorf("error = %v", err)
	}
	if len(src.Calls("upsert:")) != 0 {
		t.Error("no upsert may be attempted")
	}
}

func TestSyncBackEmpty(t *testing.T) {
	dest, src := storetest.New(), storetest.New()
	dest.OnQuery("LSB_INT_Programacao", results())

	res, err := New(dest, src, reverseCfg).SyncBack(context.Background())
	if err != nil || res.RowsCopied != 0 {
		t.Fatalf("SyncBack() = %+v, %v", res, err)
	}
	if src.Commits() != 0 || src.Table("tb_lsb_int_programacao") != nil {
		t.Error("an empty results table must not touch the mirror")
	}
}

func TestSyncBackSelectsConfiguredColumns(t *testing.T) {
	dest, src := storetest.New(), storetest.New()
	dest.OnQuery("FROM", results())
	cfg := reverseCfg
	cfg.Columns = []string{"ID_PROGRAMACAO", "RECURSO"}

	if _, err := New(dest, src, cfg).SyncBack(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := `SELECT "ID_PROGRAMACAO", "RECURSO" FROM "public"."LSB_INT_Programacao"`
	if calls := dest.Calls(want); len(calls) != 1 {
		t.Errorf("expected query %q, got %v", want, dest.Log)
	}
}

func TestSyncBackFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(dest, src *storetest.Store)
		cfg     config.ReverseConfig
		wantErr string
	}{
		{
			name: "read fails",
			setup: func(dest, src *storetest.Store) {
				dest.OnQuery("LSB_INT_Programacao", func([]any) (*store.Rows, error) {
					return nil, errors.New("login timeout")
				})
			},
			cfg:     reverseCfg,
			wantErr: "reading LSB_INT_Programacao",
		},
		{
			name: "write fails",
			setup: func(dest, src *storetest.Store) {
				dest.OnQuery("LSB_INT_Programacao", results([]any{int64(1), "A", "B"}))
				src.OnUpsert("tb_lsb_int_programacao", func([][]any) error {
					return errors.New("ORA-00001: unique constraint violated")
				})
			},
			cfg:     reverseCfg,
			wantErr: "writing tb_lsb_int_programacao",
		},
		{
			name: "unknown key column",
			setup: func(dest, src *storetest.Store) {
				dest.OnQuery("LSB_INT_Programacao", results([]any{int64(1), "A", "B"}))
			},
			cfg: config.ReverseConfig{
				SourceTable: reverseCfg.SourceTable,
				MirrorTable: reverseCfg.MirrorTable,
				KeyColumns:  []string{"op_id"},
			},
			wantErr: "key column op_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest, src := storetest.New(), storetest.New()
			tt.setup(dest, src)

			_, err := New(dest, src, tt.cfg).SyncBack(context.Background())
			var re *syncerr.ReverseSyncError
			if !errors.As(err, &re) {
				t.Fatalf("expected ReverseSyncError, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to contain %q", err, tt.wantErr)
			}
			if tbl := src.Table("tb_lsb_int_programacao"); tbl != nil && len(tbl.Rows) > 0 {
				t.Errorf("mirror must be unchanged, got %v", tbl.Rows)
			}
		})
	}
}
