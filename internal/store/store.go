// Package store provides storage backends for the chatbot.
//
// It includes SQLite and PostgreSQL stores with the same schema, plus an
// in-memory store used by tests. Conversation state is persisted as a JSON
// document per phone number so that field-level merge writes preserve keys
// the current code does not model.
package store

import (
	"context"
	"strings"

	"github.com/Insuapliques/Chatbot/internal/models"
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a functional option for store configuration.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL-style connection strings
// and "sqlite3" for everything else (file paths).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

// StateStore manages per-phone conversation state documents.
type StateStore interface {
	// GetChatState returns the reconciled state for phone, seeding a default
	// document on first contact.
	GetChatState(ctx context.Context, phone string) (models.ChatState, error)
	// GetStateDocument returns the raw stored document, or nil if absent.
	GetStateDocument(ctx context.Context, phone string) (models.StateDocument, error)
	// MergeChatState applies patch to the stored document, preserving all
	// keys the patch does not touch.
	MergeChatState(ctx context.Context, phone string, patch models.StatePatch) error
	// UpdateChatState runs fn against the current state inside a transaction
	// and applies the returned patch atomically. Concurrent updates for the
	// same phone serialize; the second caller observes the first's write.
	UpdateChatState(ctx context.Context, phone string, fn func(models.ChatState) (models.StatePatch, error)) (models.ChatState, error)
	// ResetChatState deletes the stored document and reseeds the default.
	ResetChatState(ctx context.Context, phone string) error
}

// HistoryRepo persists the per-conversation message log.
type HistoryRepo interface {
	AddChatMessage(ctx context.Context, msg models.ChatMessage) error
	// ListChatMessages returns up to limit most recent messages for phone,
	// oldest first.
	ListChatMessages(ctx context.Context, phone string, limit int) ([]models.ChatMessage, error)
}

// TransitionRepo is the append-only phase transition log.
type TransitionRepo interface {
	AddStateTransition(ctx context.Context, tr models.StateTransition) error
}

// CatalogRepo holds the raw product/brochure documents.
type CatalogRepo interface {
	ListCatalogDocs(ctx context.Context) ([]models.CatalogDoc, error)
	SaveCatalogDoc(ctx context.Context, doc models.CatalogDoc) error
}

// AuditRepo appends structured audit entries.
type AuditRepo interface {
	AddAuditEntry(ctx context.Context, kind string, entry map[string]any) error
}

// Store combines the repositories backed by a single database.
type Store interface {
	StateStore
	HistoryRepo
	TransitionRepo
	CatalogRepo
	AuditRepo
	Close() error
}
