// Package store provides storage backends for the chatbot.
//
// This file implements the SQLite-backed store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/Insuapliques/Chatbot/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetStateDocument(ctx context.Context, phone string) (models.StateDocument, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM chat_states WHERE phone = ?`, phone).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetStateDocument failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to query state for %s: %w", phone, err)
	}
	var doc models.StateDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		slog.Error("SQLiteStore GetStateDocument unmarshal failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to decode state document for %s: %w", phone, err)
	}
	return doc, nil
}

func (s *SQLiteStore) GetChatState(ctx context.Context, phone string) (models.ChatState, error) {
	doc, err := s.GetStateDocument(ctx, phone)
	if err != nil {
		return models.ChatState{}, err
	}
	if doc == nil {
		st := models.DefaultChatState(phone)
		seed := models.ApplyPatch(nil, models.StatePatch{Phase: models.Ptr(st.Phase)})
		if err := s.writeStateDocument(ctx, s.db, phone, seed); err != nil {
			return models.ChatState{}, err
		}
		slog.Debug("SQLiteStore GetChatState seeded default state", "phone", phone)
		return st, nil
	}
	return models.MergeLegacyFields(phone, doc), nil
}

func (s *SQLiteStore) MergeChatState(ctx context.Context, phone string, patch models.StatePatch) error {
	_, err := s.UpdateChatState(ctx, phone, func(models.ChatState) (models.StatePatch, error) {
		return patch, nil
	})
	return err
}

// execer abstracts *sql.DB and *sql.Tx for document writes.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) writeStateDocument(ctx context.Context, ex execer, phone string, doc models.StateDocument) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode state document for %s: %w", phone, err)
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO chat_states (phone, doc, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(phone) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		phone, string(raw), time.Now().UTC())
	if err != nil {
		slog.Error("SQLiteStore writeStateDocument failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to upsert state for %s: %w", phone, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateChatState(ctx context.Context, phone string, fn func(models.ChatState) (models.StatePatch, error)) (models.ChatState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("SQLiteStore UpdateChatState begin failed", "error", err, "phone", phone)
		return models.ChatState{}, fmt.Errorf("failed to begin state update for %s: %w", phone, err)
	}
	defer tx.Rollback()

	var doc models.StateDocument
	var raw string
	err = tx.QueryRowContext(ctx, `SELECT doc FROM chat_states WHERE phone = ?`, phone).Scan(&raw)
	if err != nil && err != sql.ErrNoRows {
		slog.Error("SQLiteStore UpdateChatState query failed", "error", err, "phone", phone)
		return models.ChatState{}, fmt.Errorf("failed to query state for %s: %w", phone, err)
	}
	if err == nil {
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			slog.Error("SQLiteStore UpdateChatState unmarshal failed", "error", err, "phone", phone)
			return models.ChatState{}, fmt.Errorf("failed to decode state document for %s: %w", phone, err)
		}
	}

	patch, err := fn(models.MergeLegacyFields(phone, doc))
	if err != nil {
		return models.ChatState{}, err
	}
	doc = models.ApplyPatch(doc, patch)
	if err := s.writeStateDocument(ctx, tx, phone, doc); err != nil {
		return models.ChatState{}, err
	}
	if err := tx.Commit(); err != nil {
		slog.Error("SQLiteStore UpdateChatState commit failed", "error", err, "phone", phone)
		return models.ChatState{}, fmt.Errorf("failed to commit state update for %s: %w", phone, err)
	}
	return models.MergeLegacyFields(phone, doc), nil
}

func (s *SQLiteStore) ResetChatState(ctx context.Context, phone string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_states WHERE phone = ?`, phone); err != nil {
		slog.Error("SQLiteStore ResetChatState delete failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to delete state for %s: %w", phone, err)
	}
	st := models.DefaultChatState(phone)
	seed := models.ApplyPatch(nil, models.StatePatch{Phase: models.Ptr(st.Phase)})
	return s.writeStateDocument(ctx, s.db, phone, seed)
}

func (s *SQLiteStore) AddChatMessage(ctx context.Context, msg models.ChatMessage) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO chat_messages (id, phone, text, file_url, file_type, origin, ts) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.Phone, msg.Text, nilIfEmpty(msg.FileURL), msg.FileType, msg.Origin, msg.Timestamp.UTC())
	if err != nil {
		slog.Error("SQLiteStore AddChatMessage failed", "error", err, "phone", msg.Phone)
		return fmt.Errorf("failed to insert chat message for %s: %w", msg.Phone, err)
	}
	return nil
}

func (s *SQLiteStore) ListChatMessages(ctx context.Context, phone string, limit int) ([]models.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, phone, text, file_url, file_type, origin, ts FROM (
			SELECT id, phone, text, file_url, file_type, origin, ts FROM chat_messages WHERE phone = ? ORDER BY ts DESC LIMIT ?
		) ORDER BY ts ASC`, phone, limit)
	if err != nil {
		slog.Error("SQLiteStore ListChatMessages query failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to query chat messages for %s: %w", phone, err)
	}
	defer rows.Close()
	return scanChatMessages(rows)
}

func (s *SQLiteStore) AddStateTransition(ctx context.Context, tr models.StateTransition) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO state_transitions (phone, from_phase, to_phase, intent, occurred_at) VALUES (?, ?, ?, ?, ?)`,
		tr.Phone, string(tr.FromPhase), string(tr.ToPhase), nilIfEmpty(tr.Intent), tr.OccurredAt.UTC())
	if err != nil {
		slog.Error("SQLiteStore AddStateTransition failed", "error", err, "phone", tr.Phone)
		return fmt.Errorf("failed to insert transition for %s: %w", tr.Phone, err)
	}
	return nil
}

func (s *SQLiteStore) ListCatalogDocs(ctx context.Context) ([]models.CatalogDoc, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, doc FROM catalog_entries`)
	if err != nil {
		slog.Error("SQLiteStore ListCatalogDocs query failed", "error", err)
		return nil, fmt.Errorf("failed to query catalog docs: %w", err)
	}
	defer rows.Close()
	return scanCatalogDocs(rows)
}

func (s *SQLiteStore) SaveCatalogDoc(ctx context.Context, doc models.CatalogDoc) error {
	raw, err := json.Marshal(doc.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode catalog doc %s: %w", doc.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO catalog_entries (id, doc, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		doc.ID, string(raw), time.Now().UTC())
	if err != nil {
		slog.Error("SQLiteStore SaveCatalogDoc failed", "error", err, "id", doc.ID)
		return fmt.Errorf("failed to upsert catalog doc %s: %w", doc.ID, err)
	}
	return nil
}

func (s *SQLiteStore) AddAuditEntry(ctx context.Context, kind string, entry map[string]any) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO audit_log (kind, entry, created_at) VALUES (?, ?, ?)`,
		kind, string(raw), time.Now().UTC())
	if err != nil {
		slog.Error("SQLiteStore AddAuditEntry failed", "error", err, "kind", kind)
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}
