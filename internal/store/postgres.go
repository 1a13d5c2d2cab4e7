// Package store provides storage backends for the chatbot.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/Insuapliques/Chatbot/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) GetStateDocument(ctx context.Context, phone string) (models.StateDocument, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM chat_states WHERE phone = $1`, phone).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetStateDocument failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to query state for %s: %w", phone, err)
	}
	var doc models.StateDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		slog.Error("PostgresStore GetStateDocument unmarshal failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to decode state document for %s: %w", phone, err)
	}
	return doc, nil
}

func (s *PostgresStore) GetChatState(ctx context.Context, phone string) (models.ChatState, error) {
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
		slog.Debug("PostgresStore GetChatState seeded default state", "phone", phone)
		return st, nil
	}
	return models.MergeLegacyFields(phone, doc), nil
}

func (s *PostgresStore) MergeChatState(ctx context.Context, phone string, patch models.StatePatch) error {
	_, err := s.UpdateChatState(ctx, phone, func(models.ChatState) (models.StatePatch, error) {
		return patch, nil
	})
	return err
}

func (s *PostgresStore) writeStateDocument(ctx context.Context, ex execer, phone string, doc models.StateDocument) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode state document for %s: %w", phone, err)
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO chat_states (phone, doc, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (phone) DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`,
		phone, raw, time.Now().UTC())
	if err != nil {
		slog.Error("PostgresStore writeStateDocument failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to upsert state for %s: %w", phone, err)
	}
	return nil
}

func (s *PostgresStore) UpdateChatState(ctx context.Context, phone string, fn func(models.ChatState) (models.StatePatch, error)) (models.ChatState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("PostgresStore UpdateChatState begin failed", "error", err, "phone", phone)
		return models.ChatState{}, fmt.Errorf("failed to begin state update for %s: %w", phone, err)
	}
	defer tx.Rollback()

	var doc models.StateDocument
	var raw []byte
	err = tx.QueryRowContext(ctx, `SELECT doc FROM chat_states WHERE phone = $1 FOR UPDATE`, phone).Scan(&raw)
	if err != nil && err != sql.ErrNoRows {
		slog.Error("PostgresStore UpdateChatState query failed", "error", err, "phone", phone)
		return models.ChatState{}, fmt.Errorf("failed to query state for %s: %w", phone, err)
	}
	if err == nil {
		if err := json.Unmarshal(raw, &doc); err != nil {
			slog.Error("PostgresStore UpdateChatState unmarshal failed", "error", err, "phone", phone)
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
		slog.Error("PostgresStore UpdateChatState commit failed", "error", err, "phone", phone)
		return models.ChatState{}, fmt.Errorf("failed to commit state update for %s: %w", phone, err)
	}
	return models.MergeLegacyFields(phone, doc), nil
}

func (s *PostgresStore) ResetChatState(ctx context.Context, phone string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_states WHERE phone = $1`, phone); err != nil {
		slog.Error("PostgresStore ResetChatState delete failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to delete state for %s: %w", phone, err)
	}
	st := models.DefaultChatState(phone)
	seed := models.ApplyPatch(nil, models.StatePatch{Phase: models.Ptr(st.Phase)})
	return s.writeStateDocument(ctx, s.db, phone, seed)
}

func (s *PostgresStore) AddChatMessage(ctx context.Context, msg models.ChatMessage) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO chat_messages (id, phone, text, file_url, file_type, origin, ts) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.Phone, msg.Text, nilIfEmpty(msg.FileURL), msg.FileType, msg.Origin, msg.Timestamp.UTC())
	if err != nil {
		slog.Error("PostgresStore AddChatMessage failed", "error", err, "phone", msg.Phone)
		return fmt.Errorf("failed to insert chat message for %s: %w", msg.Phone, err)
	}
	return nil
}

func (s *PostgresStore) ListChatMessages(ctx context.Context, phone string, limit int) ([]models.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, phone, text, file_url, file_type, origin, ts FROM (
			SELECT id, phone, text, file_url, file_type, origin, ts FROM chat_messages WHERE phone = $1 ORDER BY ts DESC LIMIT $2
		) recent ORDER BY ts ASC`, phone, limit)
	if err != nil {
		slog.Error("PostgresStore ListChatMessages query failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to query chat messages for %s: %w", phone, err)
	}
	defer rows.Close()
	return scanChatMessages(rows)
}

func (s *PostgresStore) AddStateTransition(ctx context.Context, tr models.StateTransition) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO state_transitions (phone, from_phase, to_phase, intent, occurred_at) VALUES ($1, $2, $3, $4, $5)`,
		tr.Phone, string(tr.FromPhase), string(tr.ToPhase), nilIfEmpty(tr.Intent), tr.OccurredAt.UTC())
	if err != nil {
		slog.Error("PostgresStore AddStateTransition failed", "error", err, "phone", tr.Phone)
		return fmt.Errorf("failed to insert transition for %s: %w", tr.Phone, err)
	}
	return nil
}

func (s *PostgresStore) ListCatalogDocs(ctx context.Context) ([]models.CatalogDoc, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, doc FROM catalog_entries`)
	if err != nil {
		slog.Error("PostgresStore ListCatalogDocs query failed", "error", err)
		return nil, fmt.Errorf("failed to query catalog docs: %w", err)
	}
	defer rows.Close()
	return scanCatalogDocs(rows)
}

func (s *PostgresStore) SaveCatalogDoc(ctx context.Context, doc models.CatalogDoc) error {
	raw, err := json.Marshal(doc.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode catalog doc %s: %w", doc.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO catalog_entries (id, doc, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`,
		doc.ID, raw, time.Now().UTC())
	if err != nil {
		slog.Error("PostgresStore SaveCatalogDoc failed", "error", err, "id", doc.ID)
		return fmt.Errorf("failed to upsert catalog doc %s: %w", doc.ID, err)
	}
	return nil
}

func (s *PostgresStore) AddAuditEntry(ctx context.Context, kind string, entry map[string]any) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO audit_log (kind, entry, created_at) VALUES ($1, $2, $3)`,
		kind, raw, time.Now().UTC())
	if err != nil {
		slog.Error("PostgresStore AddAuditEntry failed", "error", err, "kind", kind)
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}
