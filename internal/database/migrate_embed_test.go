package database

import (
	"io/fs"
	"strings"
	"testing"
)

func TestLatestVersion(t *testing.T) {
	v, err := LatestVersion()
	if err != nil {
		t.Fatalf("LatestVersion() error: %v", err)
	}
	if v != 3 {
		t.Errorf("LatestVersion() = %d, want 3", v)
	}
}

// 各マイグレーションにupとdownの両方が揃っていること。
func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Errorf("unexpected file in migrations: %s", name)
		}
	}

	for base := range ups {
		if !downs[base] {
			t.Errorf("%s has no down migration", base)
		}
	}
	for base := range downs {
		if !ups[base] {
			t.Errorf("%s has no up migration", base)
		}
	}
}
