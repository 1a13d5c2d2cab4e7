// Package store provides storage backends for the chatbot.
//
// This file implements an in-memory store used by tests and local runs.
package store

import (
	"context"
	"sync"

	"github.com/Insuapliques/Chatbot/internal/models"
)

// InMemoryStore keeps everything in process memory. It is safe for
// concurrent use.
type InMemoryStore struct {
	mu          sync.Mutex
	states      map[string]models.StateDocument
	messages    map[string][]models.ChatMessage
	transitions []models.StateTransition
	catalog     map[string]models.CatalogDoc
	audit       []AuditEntry
}

// AuditEntry is a recorded audit call, exposed for test assertions.
type AuditEntry struct {
	Kind  string
	Entry map[string]any
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		states:   make(map[string]models.StateDocument),
		messages: make(map[string][]models.ChatMessage),
		catalog:  make(map[string]models.CatalogDoc),
	}
}

func (s *InMemoryStore) Close() error { return nil }

func cloneDocument(doc models.StateDocument) models.StateDocument {
	if doc == nil {
		return nil
	}
	out := make(models.StateDocument, len(doc))
	for k, v := range doc {
		if m, ok := v.(map[string]any); ok {
			inner := make(map[string]any, len(m))
			for ik, iv := range m {
				inner[ik] = iv
			}
			out[k] = inner
			continue
		}
		out[k] = v
	}
	return out
}

func (s *InMemoryStore) GetStateDocument(_ context.Context, phone string) (models.StateDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneDocument(s.states[phone]), nil
}

func (s *InMemoryStore) GetChatState(_ context.Context, phone string) (models.ChatState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.states[phone]
	if !ok {
		st := models.DefaultChatState(phone)
		s.states[phone] = models.ApplyPatch(nil, models.StatePatch{Phase: models.Ptr(st.Phase)})
		return st, nil
	}
	return models.MergeLegacyFields(phone, doc), nil
}

func (s *InMemoryStore) MergeChatState(ctx context.Context, phone string, patch models.StatePatch) error {
	_, err := s.UpdateChatState(ctx, phone, func(models.ChatState) (models.StatePatch, error) {
		return patch, nil
	})
	return err
}

func (s *InMemoryStore) UpdateChatState(_ context.Context, phone string, fn func(models.ChatState) (models.StatePatch, error)) (models.ChatState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.states[phone]
	patch, err := fn(models.MergeLegacyFields(phone, doc))
	if err != nil {
		return models.ChatState{}, err
	}
	doc = models.ApplyPatch(cloneDocument(doc), patch)
	s.states[phone] = doc
	return models.MergeLegacyFields(phone, doc), nil
}

func (s *InMemoryStore) ResetChatState(_ context.Context, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := models.DefaultChatState(phone)
	s.states[phone] = models.ApplyPatch(nil, models.StatePatch{Phase: models.Ptr(st.Phase)})
	return nil
}

func (s *InMemoryStore) AddChatMessage(_ context.Context, msg models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.Phone] = append(s.messages[msg.Phone], msg)
	return nil
}

func (s *InMemoryStore) ListChatMessages(_ context.Context, phone string, limit int) ([]models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[phone]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]models.ChatMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *InMemoryStore) AddStateTransition(_ context.Context, tr models.StateTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, tr)
	return nil
}

// GetStateTransitions returns recorded transitions, for test assertions.
func (s *InMemoryStore) GetStateTransitions() []models.StateTransition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.StateTransition, len(s.transitions))
	copy(out, s.transitions)
	return out
}

func (s *InMemoryStore) ListCatalogDocs(_ context.Context) ([]models.CatalogDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.CatalogDoc, 0, len(s.catalog))
	for _, d := range s.catalog {
		out = append(out, d)
	}
	return out, nil
}

func (s *InMemoryStore) SaveCatalogDoc(_ context.Context, doc models.CatalogDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalog[doc.ID] = doc
	return nil
}

func (s *InMemoryStore) AddAuditEntry(_ context.Context, kind string, entry map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, AuditEntry{Kind: kind, Entry: entry})
	return nil
}

// GetAuditEntries returns recorded audit entries, for test assertions.
func (s *InMemoryStore) GetAuditEntries() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out
}
