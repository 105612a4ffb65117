package snapshot

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/calendarsync/internal/realtime"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "snapshot.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.AutoMigrate(&Record{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func mustStore(t *testing.T, database *gorm.DB) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{Database: database})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	return store
}

func mustState(t *testing.T, frames ...string) *realtime.State {
	t.Helper()
	state := realtime.NewState()
	for _, frame := range frames {
		message, err := realtime.ParseMessage([]byte(frame))
		if err != nil {
			t.Fatalf("unexpected parse error: %v", err)
		}
		next, err := realtime.Apply(state, message)
		if err != nil {
			t.Fatalf("unexpected apply error: %v", err)
		}
		state = next
	}
	return state
}
