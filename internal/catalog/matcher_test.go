package catalog

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Insuapliques/Chatbot/internal/models"
)

type fakeSource struct {
	entries []models.CatalogEntry
	err     error
	calls   int
}

func (f *fakeSource) Entries(context.Context) ([]models.CatalogEntry, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.entries, nil
}

func testEntries() []models.CatalogEntry {
	return []models.CatalogEntry{
		{ID: "chompas", Keywords: []string{"chompas", "chompa"}, ResponseText: "Catálogo de chompas.", AssetKind: models.AssetKindDocument, AssetURL: "https://cdn.example.com/chompas.pdf"},
		{ID: "camisetas", Keywords: []string{"camisetas", "camiseta"}, ResponseText: "Catálogo de camisetas.", AssetKind: models.AssetKindImage, AssetURL: "https://cdn.example.com/camisetas.jpg"},
		{ID: "premium", Keywords: []string{"chompa premium"}, ResponseText: "Línea premium.", AssetKind: models.AssetKindLink, AssetURL: "https://example.com/premium"},
	}
}

func TestMatcherFindByMessage(t *testing.T) {
	m := NewMatcher(&fakeSource{entries: testEntries()})
	ctx := context.Background()

	entry, err := m.FindByMessage(ctx, "Hola, quiero ver CHOMPAS por favor")
	if err != nil {
		t.Fatalf("FindByMessage failed: %v", err)
	}
	if entry == nil || entry.ID != "chompas" {
		t.Fatalf("expected chompas entry, got %+v", entry)
	}

	entry, err = m.FindByMessage(ctx, "buenos días")
	if err != nil {
		t.Fatalf("FindByMessage failed: %v", err)
	}
	if entry != nil {
		t.Errorf("expected no match for greeting, got %+v", entry)
	}
}

func TestMatcherLongestKeywordWins(t *testing.T) {
	m := NewMatcher(&fakeSource{entries: testEntries()})
	entry, err := m.FindByMessage(context.Background(), "me interesa la chompa premium")
	if err != nil {
		t.Fatalf("FindByMessage failed: %v", err)
	}
	if entry == nil || entry.ID != "premium" {
		t.Fatalf("expected premium entry to win over chompa, got %+v", entry)
	}
}

func TestMatcherCacheTTL(t *testing.T) {
	src := &fakeSource{entries: testEntries()}
	now := time.Now()
	m := NewMatcher(src, WithCacheTTL(60*time.Second), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	if _, err := m.Entries(ctx); err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if _, err := m.Entries(ctx); err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if src.calls != 1 {
		t.Errorf("expected one source read within TTL, got %d", src.calls)
	}

	now = now.Add(61 * time.Second)
	if _, err := m.Entries(ctx); err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if src.calls != 2 {
		t.Errorf("expected refresh after TTL, got %d calls", src.calls)
	}
}

func TestMatcherServesStaleOnSourceError(t *testing.T) {
	src := &fakeSource{entries: testEntries()}
	now := time.Now()
	m := NewMatcher(src, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	if _, err := m.Entries(ctx); err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	src.err = errors.New("backend down")
	now = now.Add(2 * time.Minute)

	entries, err := m.Entries(ctx)
	if err != nil {
		t.Fatalf("expected stale entries on source error, got %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("expected cached entries served, got %d", len(entries))
	}
}

func TestMatcherInvalidate(t *testing.T) {
	src := &fakeSource{entries: testEntries()}
	m := NewMatcher(src)
	ctx := context.Background()

	if _, err := m.Entries(ctx); err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	m.Invalidate()
	if _, err := m.Entries(ctx); err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if src.calls != 2 {
		t.Errorf("expected re-read after Invalidate, got %d calls", src.calls)
	}
}

func TestIsGenericCatalogRequest(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"quiero ver el catálogo", true},
		{"me interesan los combos", true},
		{"muéstrame los productos", true},
		{"cotización por favor", true},
		{"qué modelos y diseños tienes", true},
		{"hola buenos días", false},
		{"", false},
	}
	for _, tc := range tests {
		if got := IsGenericCatalogRequest(tc.msg); got != tc.want {
			t.Errorf("IsGenericCatalogRequest(%q) = %v, want %v", tc.msg, got, tc.want)
		}
	}
}

func TestBuildCatalogListMessage(t *testing.T) {
	body, err := BuildCatalogListMessage(testEntries())
	if err != nil {
		t.Fatalf("BuildCatalogListMessage failed: %v", err)
	}
	if !strings.Contains(body, "1. chompas") || !strings.Contains(body, "2. camisetas") {
		t.Errorf("expected numbered list, got %q", body)
	}

	if _, err := BuildCatalogListMessage(nil); err != models.ErrNoCatalogEntries {
		t.Errorf("expected ErrNoCatalogEntries, got %v", err)
	}
}
