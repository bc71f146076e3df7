package postgres

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestLoadMigrationsOrdersByVersion(t *testing.T) {
	files := fstest.MapFS{
		"010_late.sql":     {Data: []byte("SELECT 10;")},
		"002_second.sql":   {Data: []byte("SELECT 2;")},
		"001_first.sql":    {Data: []byte("SELECT 1;")},
		"README.md":        {Data: []byte("docs")},
		"draft.sql":        {Data: []byte("SELECT 0;")},
		"abc_skipped.sql":  {Data: []byte("SELECT 0;")},
		"003_dir/seed.sql": {Data: []byte("SELECT 0;")},
	}

	got, err := LoadMigrations(files)
	if err != nil {
		t.Fatal(err)
	}
	want := []int{1, 2, 10}
	if len(got) != len(want) {
		t.Fatalf("loaded %d migrations, want %d: %+v", len(got), len(want), got)
	}
	for i, v := range want {
		if got[i].Version != v {
			t.Errorf("migration %d version = %d, want %d", i, got[i].Version, v)
		}
	}
	if got[0].Name != "001_first.sql" || got[0].SQL != "SELECT 1;" {
		t.Errorf("first migration = %+v", got[0])
	}
}

func TestEmbeddedSchema(t *testing.T) {
	m := NewMigrator(nil, nil)
	migrations, err := LoadMigrations(m.files)
	if err != nil {
		t.Fatal(err)
	}
	if len(migrations) != 4 {
		t.Fatalf("embedded %d migrations, want 4", len(migrations))
	}

	var all strings.Builder
	for _, mig := range migrations {
		all.WriteString(mig.SQL)
	}
	schema := all.String()
	for _, constraint := range []string{
		"policy_member_unique",
		"policy_dates_ordered",
		"partner_patient_code_unique",
		"ON DELETE CASCADE",
		"outbox",
		"settled_charge_unique",
	} {
		if !strings.Contains(schema, constraint) {
			t.Errorf("schema does not mention %s", constraint)
		}
	}
}
