// Package store persists collected records and their attachments in a
// local SQLite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"synkronus-host/internal/domain"
)

// SQLiteStore implements domain.RecordRepository using SQLite.
type SQLiteStore struct {
	db *sql.DB

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// Open opens (or creates) the database at dbPath and runs the schema
// migration.
func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open record db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate record db: %w", err)
	}
	return &SQLiteStore{
		db:      db,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			id         TEXT PRIMARY KEY,
			form_type  TEXT NOT NULL,
			payload    TEXT NOT NULL DEFAULT '{}',
			status     TEXT NOT NULL DEFAULT 'draft',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_records_form_status ON records(form_type, status);
		CREATE TABLE IF NOT EXISTS attachments (
			id         TEXT PRIMARY KEY,
			record_id  TEXT NOT NULL REFERENCES records(id),
			field_id   TEXT NOT NULL,
			kind       TEXT NOT NULL,
			uri        TEXT NOT NULL,
			metadata   TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_attachments_record ON attachments(record_id);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *SQLiteStore) CreateRecord(ctx context.Context, formType string, payload json.RawMessage, status domain.RecordStatus) (*domain.Record, error) {
	if formType == "" {
		return nil, domain.NewDomainError("Store.CreateRecord", domain.ErrInvalidInput, "empty form type")
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if status == "" {
		status = domain.RecordDraft
	}
	now := time.Now().UTC()
	rec := &domain.Record{
		ID:        s.newID(),
		FormType:  formType,
		Payload:   payload,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO records (id, form_type, payload, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		rec.ID, rec.FormType, string(rec.Payload), string(rec.Status),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert record: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) UpdateRecord(ctx context.Context, id string, payload json.RawMessage, status domain.RecordStatus) (*domain.Record, error) {
	current, err := s.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	// A finalized record is immutable except for the transition to synced.
	if current.Status == domain.RecordFinalized && status != domain.RecordSynced {
		return nil, domain.NewDomainError("Store.UpdateRecord", domain.ErrRecordFinalized, id)
	}
	if len(payload) == 0 {
		payload = current.Payload
	}
	if status == "" {
		status = current.Status
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		"UPDATE records SET payload = ?, status = ?, updated_at = ? WHERE id = ?",
		string(payload), string(status), now.Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.NewSubSystemError("record", "Store.UpdateRecord", domain.ErrRecordNotFound, id)
	}
	current.Payload = payload
	current.Status = status
	current.UpdatedAt = now
	return current, nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*domain.Record, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, form_type, payload, status, created_at, updated_at FROM records WHERE id = ?", id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, domain.NewSubSystemError("record", "Store.GetRecord", domain.ErrRecordNotFound, id)
	}
	return rec, err
}

func (s *SQLiteStore) ListRecords(ctx context.Context, formType string, status domain.RecordStatus) ([]*domain.Record, error) {
	query := "SELECT id, form_type, payload, status, created_at, updated_at FROM records"
	var conds []string
	var args []any
	if formType != "" {
		conds = append(conds, "form_type = ?")
		args = append(args, formType)
	}
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(status))
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) AddAttachment(ctx context.Context, att *domain.Attachment) error {
	if att.RecordID == "" || att.FieldID == "" {
		return domain.NewDomainError("Store.AddAttachment", domain.ErrInvalidInput, "record and field ids required")
	}
	if _, err := s.GetRecord(ctx, att.RecordID); err != nil {
		return err
	}
	if att.ID == "" {
		att.ID = s.newID()
	}
	meta := att.Metadata
	if len(meta) == 0 {
		meta = json.RawMessage("{}")
	}
	att.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO attachments (id, record_id, field_id, kind, uri, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		att.ID, att.RecordID, att.FieldID, att.Kind, att.URI, string(meta),
		att.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAttachments(ctx context.Context, recordID string) ([]*domain.Attachment, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, record_id, field_id, kind, uri, metadata, created_at FROM attachments WHERE record_id = ? ORDER BY created_at", recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var atts []*domain.Attachment
	for rows.Next() {
		var a domain.Attachment
		var metaStr, createdStr string
		if err := rows.Scan(&a.ID, &a.RecordID, &a.FieldID, &a.Kind, &a.URI, &metaStr, &createdStr); err != nil {
			return nil, err
		}
		a.Metadata = json.RawMessage(metaStr)
		a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		atts = append(atts, &a)
	}
	return atts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*domain.Record, error) {
	var rec domain.Record
	var payloadStr, statusStr, createdStr, updatedStr string
	if err := row.Scan(&rec.ID, &rec.FormType, &payloadStr, &statusStr, &createdStr, &updatedStr); err != nil {
		return nil, err
	}
	rec.Payload = json.RawMessage(payloadStr)
	rec.Status = domain.RecordStatus(statusStr)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &rec, nil
}
