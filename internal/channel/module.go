package channel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ModuleConfig is the persisted configuration of a dashboard module that
// owns a channel.
type ModuleConfig struct {
	ID          string      `json:"id"`
	URL         string      `json:"url"`
	PayloadKind PayloadKind `json:"payloadKind"`
	Enabled     bool        `json:"enabled"`
	State       State       `json:"state"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// ModuleRepository persists module configuration.
type ModuleRepository interface {
	// Get returns ErrModuleNotFound if no module exists for id.
	Get(ctx context.Context, id string) (*ModuleConfig, error)
	List(ctx context.Context) ([]ModuleConfig, error)

	// Upsert stores the module. The stored state is kept on update.
	Upsert(ctx context.Context, m *ModuleConfig) error

	// SetState returns ErrModuleNotFound if no module exists for id.
	SetState(ctx context.Context, id string, state State) error
	Delete(ctx context.Context, id string) error
}

// SQLiteModuleRepository implements ModuleRepository on channel_modules.
type SQLiteModuleRepository struct {
	db *sql.DB
}

// NewSQLiteModuleRepository creates a repository on a migrated database.
func NewSQLiteModuleRepository(db *sql.DB) *SQLiteModuleRepository {
	return &SQLiteModuleRepository{db: db}
}

const selectModule = `SELECT id, url, payload_kind, enabled, state, updated_at FROM channel_modules`

// Get retrieves a module by id.
func (r *SQLiteModuleRepository) Get(ctx context.Context, id string) (*ModuleConfig, error) {
	m, err := scanModule(r.db.QueryRowContext(ctx, selectModule+" WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrModuleNotFound
		}
		return nil, fmt.Errorf("querying channel module: %w", err)
	}
	return m, nil
}

// List retrieves all modules ordered by id.
func (r *SQLiteModuleRepository) List(ctx context.Context) ([]ModuleConfig, error) {
	rows, err := r.db.QueryContext(ctx, selectModule+" ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("querying channel modules: %w", err)
	}
	defer rows.Close()

	var modules []ModuleConfig
	for rows.Next() {
		m, err := scanModule(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning channel module: %w", err)
		}
		modules = append(modules, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating channel modules: %w", err)
	}
	return modules, nil
}

// Upsert inserts or updates a module.
func (r *SQLiteModuleRepository) Upsert(ctx context.Context, m *ModuleConfig) error {
	if m.ID == "" {
		return ErrInvalidChannelID
	}
	kind, err := ParsePayloadKind(string(m.PayloadKind))
	if err != nil {
		return err
	}
	state := m.State
	if state == "" {
		state = StateDisconnected
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO channel_modules (id, url, payload_kind, enabled, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url,
			payload_kind = excluded.payload_kind,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		m.ID, m.URL, string(kind), boolToInt(m.Enabled), string(state),
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upserting channel module: %w", err)
	}
	return nil
}

// SetState updates the persisted connection state.
func (r *SQLiteModuleRepository) SetState(ctx context.Context, id string, state State) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE channel_modules SET state = ?, updated_at = ? WHERE id = ?",
		string(state), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("updating channel state: %w", err)
	}
	return requireOneRow(result)
}

// Delete removes a module.
func (r *SQLiteModuleRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM channel_modules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting channel module: %w", err)
	}
	return requireOneRow(result)
}

func requireOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrModuleNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanModule(row scanner) (*ModuleConfig, error) {
	var (
		m       ModuleConfig
		kind    string
		state   string
		enabled int
		updated string
	)
	if err := row.Scan(&m.ID, &m.URL, &kind, &enabled, &state, &updated); err != nil {
		return nil, err
	}
	m.PayloadKind = PayloadKind(kind)
	m.State = State(state)
	m.Enabled = enabled != 0
	m.UpdatedAt, _ = time.Parse(time.RFC3339, updated) //nolint:errcheck // Written by Upsert/SetState
	return &m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
