package database

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/zeidalqadri/ollama-chat-service/server/internal/config"
)

func TestNew_SQLiteCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	cfg := &config.Config{
		DatabaseDSN:    "sqlite3://" + filepath.Join(dir, "users.db"),
		DatabaseDriver: "sqlite",
	}

	db, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("database directory not created: %v", err)
	}
	for _, table := range []string{"conversations", "messages", "usage_log"} {
		if !db.Migrator().HasTable(table) {
			t.Errorf("table %s missing after migrate", table)
		}
	}
}

func TestNew_UnsupportedDriver(t *testing.T) {
	cfg := &config.Config{DatabaseDSN: "mysql://x", DatabaseDriver: "mysql"}
	if _, err := New(cfg, zap.NewNop()); err == nil {
		t.Error("expected error for unsupported driver")
	}
}
