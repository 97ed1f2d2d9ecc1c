package channel

import (
	"context"
	"errors"
	"testing"

	"github.com/nerrad567/devlink-core/internal/infrastructure/database"
	_ "github.com/nerrad567/devlink-core/migrations" // registers the schema
)

func setupModuleRepo(t *testing.T) *SQLiteModuleRepository {
	t.Helper()

	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return NewSQLiteModuleRepository(db.DB)
}

func TestSQLiteModuleRepository_UpsertGetList(t *testing.T) {
	repo := setupModuleRepo(t)
	ctx := context.Background()

	m := &ModuleConfig{ID: "camera", URL: "/ws/camera", PayloadKind: PayloadBinary, Enabled: true}
	if err := repo.Upsert(ctx, m); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	got, err := repo.Get(ctx, "camera")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.URL != "/ws/camera" || got.PayloadKind != PayloadBinary || !got.Enabled || got.State != StateDisconnected {
		t.Errorf("Get() = %+v", got)
	}

	if err := repo.Upsert(ctx, &ModuleConfig{ID: "rssi", URL: "/ws/rssi"}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	list, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != "camera" || list[1].PayloadKind != PayloadText {
		t.Errorf("List() = %+v", list)
	}
}

func TestSQLiteModuleRepository_UpsertKeepsState(t *testing.T) {
	repo := setupModuleRepo(t)
	ctx := context.Background()

	if err := repo.Upsert(ctx, &ModuleConfig{ID: "camera", URL: "/ws/camera", Enabled: true}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := repo.SetState(ctx, "camera", StateConnected); err != nil {
		t.Fatalf("SetState() error = %v", err)
	}
	if err := repo.Upsert(ctx, &ModuleConfig{ID: "camera", URL: "/ws/camera2", Enabled: false}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err := repo.Get(ctx, "camera")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != StateConnected || got.URL != "/ws/camera2" || got.Enabled {
		t.Errorf("Get() = %+v", got)
	}
}

func TestSQLiteModuleRepository_NotFound(t *testing.T) {
	repo := setupModuleRepo(t)
	ctx := context.Background()

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("Get() error = %v, want ErrModuleNotFound", err)
	}
	if err := repo.SetState(ctx, "missing", StateError); !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("SetState() error = %v, want ErrModuleNotFound", err)
	}
	if err := repo.Delete(ctx, "missing"); !errors.Is(err, ErrModuleNotFound) {
		t.Errorf("Delete() error = %v, want ErrModuleNotFound", err)
	}
}

func TestSQLiteModuleRepository_Validation(t *testing.T) {
	repo := setupModuleRepo(t)
	ctx := context.Background()

	if err := repo.Upsert(ctx, &ModuleConfig{URL: "/ws"}); !errors.Is(err, ErrInvalidChannelID) {
		t.Errorf("Upsert() without id error = %v, want ErrInvalidChannelID", err)
	}
	if err := repo.Upsert(ctx, &ModuleConfig{ID: "x", URL: "/ws", PayloadKind: "video"}); !errors.Is(err, ErrInvalidPayloadKind) {
		t.Errorf("Upsert() bad kind error = %v, want ErrInvalidPayloadKind", err)
	}
}
