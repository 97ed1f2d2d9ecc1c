package device

import (
	"context"
	"errors"
	"testing"

	"github.com/nerrad567/devlink-core/internal/infrastructure/database"
	_ "github.com/nerrad567/devlink-core/migrations" // registers the schema
)

// setupTestRepo opens an in-memory database with the real migrations applied.
func setupTestRepo(t *testing.T) *SQLiteRepository {
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
	return NewSQLiteRepository(db.DB)
}

func cloudRecord() *Record {
	return &Record{
		ID:        "dev-9",
		Name:      "Kitchen",
		Hostname:  StringPtr("esp-kitchen"),
		DeviceID:  "dev-9",
		AuthToken: StringPtr("t1"),
		CloudTunnel: &CloudTunnel{
			Enabled:   true,
			BaseURL:   "https://cloud.example",
			WSURL:     StringPtr("wss://relay/dev-9"),
			AuthToken: StringPtr("t1"),
			Tunnel:    StringPtr("ws_control"),
		},
		LastSeenAtMs: 1700000000000,
	}
}

func TestSQLiteRepository_UpsertAndGet(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	if err := repo.Upsert(ctx, cloudRecord()); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err := repo.Get(ctx, "dev-9")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "Kitchen" || got.DeviceID != "dev-9" {
		t.Errorf("Get() = %+v", got)
	}
	if got.Hostname == nil || *got.Hostname != "esp-kitchen" {
		t.Errorf("Hostname = %v, want esp-kitchen", got.Hostname)
	}
	if got.CloudTunnel == nil || got.CloudTunnel.WSURL == nil || *got.CloudTunnel.WSURL != "wss://relay/dev-9" {
		t.Errorf("CloudTunnel = %+v", got.CloudTunnel)
	}
	if got.LastSeenAtMs != 1700000000000 {
		t.Errorf("LastSeenAtMs = %d", got.LastSeenAtMs)
	}
}

func TestSQLiteRepository_UpsertReplaces(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	if err := repo.Upsert(ctx, cloudRecord()); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	updated := cloudRecord()
	updated.Name = "Garage"
	updated.CloudTunnel = nil
	updated.AuthToken = nil
	if err := repo.Upsert(ctx, updated); err != nil {
		t.Fatalf("second Upsert() error = %v", err)
	}

	got, err := repo.Get(ctx, "dev-9")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Name != "Garage" {
		t.Errorf("Name = %q, want Garage", got.Name)
	}
	if got.CloudTunnel != nil || got.AuthToken != nil {
		t.Errorf("expected cleared optional fields, got %+v", got)
	}

	all, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 1 {
		t.Errorf("List() = %d records, want 1", len(all))
	}
}

func TestSQLiteRepository_UpsertRejectsInvalid(t *testing.T) {
	repo := setupTestRepo(t)
	if err := repo.Upsert(context.Background(), &Record{}); !errors.Is(err, ErrInvalidRecord) {
		t.Errorf("Upsert() error = %v, want ErrInvalidRecord", err)
	}
}

func TestSQLiteRepository_NotFound(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Get() error = %v, want ErrRecordNotFound", err)
	}
	if err := repo.Delete(ctx, "missing"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Delete() error = %v, want ErrRecordNotFound", err)
	}
	if err := repo.Touch(ctx, "missing", 1); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Touch() error = %v, want ErrRecordNotFound", err)
	}
}

func TestSQLiteRepository_DeleteAndTouch(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	if err := repo.Upsert(ctx, cloudRecord()); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := repo.Touch(ctx, "dev-9", 1800000000000); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	got, err := repo.Get(ctx, "dev-9")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.LastSeenAtMs != 1800000000000 {
		t.Errorf("LastSeenAtMs = %d after Touch", got.LastSeenAtMs)
	}

	if err := repo.Delete(ctx, "dev-9"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := repo.Get(ctx, "dev-9"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Get() after Delete error = %v, want ErrRecordNotFound", err)
	}
}

func TestSQLiteRepository_ListOrder(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	for _, rec := range []*Record{
		{ID: "b", Name: "Bravo", DeviceID: "b"},
		{ID: "a", Name: "Alpha", DeviceID: "a"},
		{ID: "c", Name: "Charlie", DeviceID: "c"},
	} {
		if err := repo.Upsert(ctx, rec); err != nil {
			t.Fatalf("Upsert(%s) error = %v", rec.ID, err)
		}
	}

	all, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	want := []string{"a", "b", "c"}
	for i, rec := range all {
		if rec.ID != want[i] {
			t.Errorf("List()[%d].ID = %q, want %q", i, rec.ID, want[i])
		}
	}
}
