// Package catalog implements catalog lookup and deterministic catalog
// dispatch: keyword matching over product documents, resend throttling and
// asset delivery with text fallback.
package catalog

import (
	"context"
	"log/slog"
	"strings"

	"github.com/Insuapliques/Chatbot/internal/models"
	"github.com/Insuapliques/Chatbot/internal/store"
	"github.com/Insuapliques/Chatbot/internal/textutil"
)

// Source yields normalized catalog entries.
type Source interface {
	Entries(ctx context.Context) ([]models.CatalogEntry, error)
}

// StoreSource normalizes raw catalog documents from a CatalogRepo. Live
// documents are hand-edited and inconsistent: keywords appear as a single
// string or an array, asset types under several spellings, URLs under
// several keys. Documents that produce no usable keyword are dropped.
type StoreSource struct {
	repo store.CatalogRepo
}

var _ Source = (*StoreSource)(nil)

func NewStoreSource(repo store.CatalogRepo) *StoreSource {
	return &StoreSource{repo: repo}
}

func (s *StoreSource) Entries(ctx context.Context) ([]models.CatalogEntry, error) {
	docs, err := s.repo.ListCatalogDocs(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]models.CatalogEntry, 0, len(docs))
	for _, doc := range docs {
		entry, ok := normalizeDoc(doc)
		if !ok {
			slog.Warn("StoreSource skipping catalog doc without keywords", "id", doc.ID)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func normalizeDoc(doc models.CatalogDoc) (models.CatalogEntry, bool) {
	entry := models.CatalogEntry{ID: doc.ID}

	entry.Keywords = extractKeywords(doc.Fields)
	if len(entry.Keywords) == 0 {
		return models.CatalogEntry{}, false
	}

	for _, key := range []string{"respuesta", "responseText", "texto"} {
		if s, ok := doc.Fields[key].(string); ok && strings.TrimSpace(s) != "" {
			entry.ResponseText = strings.TrimSpace(s)
			break
		}
	}

	entry.AssetKind = normalizeAssetKind(doc.Fields)

	for _, key := range []string{"url", "urlFirmado", "signedUrl", "archivoUrl"} {
		if s, ok := doc.Fields[key].(string); ok && strings.TrimSpace(s) != "" {
			entry.AssetURL = strings.TrimSpace(s)
			break
		}
	}
	if entry.AssetURL == "" && entry.AssetKind != models.AssetKindText {
		entry.AssetKind = models.AssetKindText
	}

	return entry, true
}

func extractKeywords(fields map[string]any) []string {
	var raw []string
	switch v := fields["keyword"].(type) {
	case string:
		raw = append(raw, v)
	}
	switch v := fields["keywords"].(type) {
	case string:
		raw = append(raw, v)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				raw = append(raw, s)
			}
		}
	case []string:
		raw = append(raw, v...)
	}

	var out []string
	seen := make(map[string]bool)
	for _, kw := range raw {
		n := textutil.Normalize(kw)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

func normalizeAssetKind(fields map[string]any) models.AssetKind {
	raw, _ := fields["tipo"].(string)
	if raw == "" {
		raw, _ = fields["type"].(string)
	}
	switch textutil.Normalize(raw) {
	case "pdf", "documento", "document", "doc":
		return models.AssetKindDocument
	case "imagen", "image", "img", "foto":
		return models.AssetKindImage
	case "video":
		return models.AssetKindVideo
	case "url", "link", "enlace":
		return models.AssetKindLink
	default:
		return models.AssetKindText
	}
}
