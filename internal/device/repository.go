package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Repository persists device records.
type Repository interface {
	// Get returns ErrRecordNotFound if no record exists for id.
	Get(ctx context.Context, id string) (*Record, error)

	// List returns all records ordered by name.
	List(ctx context.Context) ([]Record, error)

	// Upsert inserts the record or replaces the stored one with the same ID.
	Upsert(ctx context.Context, record *Record) error

	// Delete returns ErrRecordNotFound if no record exists for id.
	Delete(ctx context.Context, id string) error

	// Touch sets LastSeenAtMs without rewriting the rest of the record.
	Touch(ctx context.Context, id string, seenAtMs int64) error
}

// SQLiteRepository implements Repository on the device_records table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository on an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectRecord = `
	SELECT id, name, hostname, device_id, auth_token, cloud_tunnel, last_seen_at_ms
	FROM device_records`

// Get retrieves a record by id.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := scanRecord(r.db.QueryRowContext(ctx, selectRecord+" WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying device record: %w", err)
	}
	return rec, nil
}

// List retrieves all records.
func (r *SQLiteRepository) List(ctx context.Context) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, selectRecord+" ORDER BY name, id")
	if err != nil {
		return nil, fmt.Errorf("querying device records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device records: %w", err)
	}
	return records, nil
}

// Upsert inserts or replaces a record keyed by ID. created_at is kept
// from the first insert.
func (r *SQLiteRepository) Upsert(ctx context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	var tunnelJSON sql.NullString
	if rec.CloudTunnel != nil {
		b, err := json.Marshal(rec.CloudTunnel)
		if err != nil {
			return fmt.Errorf("marshalling cloud_tunnel: %w", err)
		}
		tunnelJSON = sql.NullString{String: string(b), Valid: true}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO device_records (
			id, name, hostname, device_id, auth_token, cloud_tunnel,
			last_seen_at_ms, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			hostname = excluded.hostname,
			device_id = excluded.device_id,
			auth_token = excluded.auth_token,
			cloud_tunnel = excluded.cloud_tunnel,
			last_seen_at_ms = excluded.last_seen_at_ms,
			updated_at = excluded.updated_at`,
		rec.ID,
		rec.Name,
		nullableString(rec.Hostname),
		rec.DeviceID,
		nullableString(rec.AuthToken),
		tunnelJSON,
		rec.LastSeenAtMs,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("upserting device record: %w", err)
	}
	return nil
}

// Delete removes a record by id.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM device_records WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device record: %w", err)
	}
	return requireOneRow(result)
}

// Touch updates last_seen_at_ms.
func (r *SQLiteRepository) Touch(ctx context.Context, id string, seenAtMs int64) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE device_records SET last_seen_at_ms = ?, updated_at = ? WHERE id = ?",
		seenAtMs, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("touching device record: %w", err)
	}
	return requireOneRow(result)
}

func requireOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec       Record
		hostname  sql.NullString
		authToken sql.NullString
		tunnel    sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.Name, &hostname, &rec.DeviceID, &authToken, &tunnel, &rec.LastSeenAtMs); err != nil {
		return nil, err
	}
	if hostname.Valid {
		rec.Hostname = &hostname.String
	}
	if authToken.Valid {
		rec.AuthToken = &authToken.String
	}
	if tunnel.Valid {
		var ct CloudTunnel
		if err := json.Unmarshal([]byte(tunnel.String), &ct); err != nil {
			return nil, fmt.Errorf("unmarshalling cloud_tunnel: %w", err)
		}
		rec.CloudTunnel = &ct
	}
	return &rec, nil
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
