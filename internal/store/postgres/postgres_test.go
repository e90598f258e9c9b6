package postgres

import (
	"strings"
	"testing"
)

func TestBuildUpsertSQL(t *testing.T) {
	t.Run("updates non-key columns only when changed", func(t *testing.T) {
		sql, args := buildUpsertSQL("sysdatacom", "tb_lsb_int_programacao",
			[]string{"id", "recurso", "inicio"}, []string{"id"},
			[][]any{{1, "R1", "2025-01-01"}, {2, "R2", "2025-01-02"}})

		wantPrefix := `INSERT INTO "sysdatacom"."tb_lsb_int_programacao" ("id", "recurso", "inicio") VALUES ($1, $2, $3), ($4, $5, $6)`
		if !strings.HasPrefix(sql, wantPrefix) {
			t.Errorf("unexpected prefix:\n got: %s\nwant: %s", sql, wantPrefix)
		}
		for _, want := range []string{
			`ON CONFLICT ("id")`,
			`DO UPDATE SET "recurso" = EXCLUDED."recurso", "inicio" = EXCLUDED."inicio"`,
			`WHERE ("tb_lsb_int_programacao"."recurso", "tb_lsb_int_programacao"."inicio") IS DISTINCT FROM (EXCLUDED."recurso", EXCLUDED."inicio")`,
		} {
			if !strings.Contains(sql, want) {
				t.Errorf("SQL missing %q:\n%s", want, sql)
			}
		}
		if len(args) != 6 || args[3] != 2 {
			t.Errorf("args = %v", args)
		}
	})

	t.Run("all key columns do nothing on conflict", func(t *testing.T) {
		sql, _ := buildUpsertSQL("public", "link", []string{"a", "b"}, []string{"a", "b"}, [][]any{{1, 2}})
		if !strings.HasSuffix(sql, `ON CONFLICT ("a", "b") DO NOTHING`) {
			t.Errorf("expected DO NOTHING, got: %s", sql)
		}
	})
}

func TestDriverAliases(t *testing.T) {
	d := &Driver{}
	if d.Name() != "postgres" {
		t.Errorf("Name() = %q", d.Name())
	}
	aliases := strings.Join(d.Aliases(), ",")
	if aliases != "postgresql,pg" {
		t.Errorf("Aliases() = %q", aliases)
	}
}
