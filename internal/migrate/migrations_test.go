package migrate

import (
	"testing"

	"opsagent/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var version int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if want := migrations[len(migrations)-1].Version; version != want {
		t.Fatalf("version = %d, want %d", version, want)
	}
	for _, table := range []string{"users", "agent_sessions", "agent_plans", "agent_steps", "scheduled_tasks", "workflow_executions", "audit_log", "agent_analytics"} {
		var name string
		if err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestVersionTracksLatest(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if v, err := Version(conn); err != nil || v != 0 {
		t.Fatalf("fresh db version = %d (%v), want 0", v, err)
	}
	if v, err := MigrateTo(conn, 1); err != nil || v != 1 {
		t.Fatalf("migrate to 1 = %d (%v)", v, err)
	}
	latest, err := Latest()
	if err != nil || latest < 2 {
		t.Fatalf("latest = %d (%v)", latest, err)
	}
	if v, err := MigrateTo(conn, 0); err != nil || v != latest {
		t.Fatalf("migrate = %d (%v), want %d", v, err, latest)
	}
	var col string
	if err := conn.QueryRow(`SELECT name FROM pragma_table_info('api_keys') WHERE name='last_used_at'`).Scan(&col); err != nil {
		t.Fatalf("last_used_at column missing: %v", err)
	}
}

func TestRefusesNewerDatabase(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := conn.Exec(`UPDATE schema_version SET version=999`); err != nil {
		t.Fatalf("bump: %v", err)
	}
	if err := Migrate(conn); err == nil {
		t.Fatalf("expected refusal for a newer schema")
	}
}
