package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Insuapliques/Chatbot/internal/models"
	"github.com/Insuapliques/Chatbot/internal/textutil"
)

// DefaultCacheTTL is how long the entry list is served from memory before
// the next lookup re-reads the repository.
const DefaultCacheTTL = 60 * time.Second

// Generic phrases that signal the customer wants to see products without
// naming one. Matching is substring-based over normalized text, so "muestr"
// covers "muestra", "muestrame" and "muestren".
var genericTriggers = []string{
	"catalogo",
	"combo",
	"combos",
	"productos",
	"modelos",
	"disenos",
	"lista",
	"muestr",
	"ver catalogo",
	"quiero",
	"me interesa",
	"interesad",
	"cotizacion",
	"precio",
	"precios",
}

// Matcher resolves inbound text to catalog entries, caching the normalized
// entry list with a short TTL so hot paths avoid a repository read per
// message.
type Matcher struct {
	source Source
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	cached    []models.CatalogEntry
	fetchedAt time.Time
}

// MatcherOption configures a Matcher.
type MatcherOption func(*Matcher)

// WithCacheTTL overrides the entry cache TTL.
func WithCacheTTL(ttl time.Duration) MatcherOption {
	return func(m *Matcher) {
		m.ttl = ttl
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) MatcherOption {
	return func(m *Matcher) {
		m.now = now
	}
}

func NewMatcher(source Source, opts ...MatcherOption) *Matcher {
	m := &Matcher{
		source: source,
		ttl:    DefaultCacheTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Entries returns the cached entry list, refreshing it when the TTL has
// lapsed. Entries are sorted by ID so matching is deterministic.
func (m *Matcher) Entries(ctx context.Context) ([]models.CatalogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached != nil && m.now().Sub(m.fetchedAt) < m.ttl {
		return m.cached, nil
	}
	entries, err := m.source.Entries(ctx)
	if err != nil {
		// Serve stale entries rather than failing the message when the
		// repository is briefly unavailable.
		if m.cached != nil {
			return m.cached, nil
		}
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	m.cached = entries
	m.fetchedAt = m.now()
	return m.cached, nil
}

// Invalidate drops the cached entry list so the next lookup re-reads the
// repository.
func (m *Matcher) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached = nil
	m.fetchedAt = time.Time{}
}

// FindByMessage returns the entry whose keyword best matches the message,
// or nil when nothing matches. Every word of a keyword must appear in the
// message; among matches, the longest keyword wins, then the lowest entry
// ID.
func (m *Matcher) FindByMessage(ctx context.Context, message string) (*models.CatalogEntry, error) {
	entries, err := m.Entries(ctx)
	if err != nil {
		return nil, err
	}
	var best *models.CatalogEntry
	bestLen := 0
	for i := range entries {
		for _, kw := range entries[i].Keywords {
			if !textutil.MatchesAllWords(message, kw) {
				continue
			}
			if len(kw) > bestLen {
				best = &entries[i]
				bestLen = len(kw)
			}
		}
	}
	return best, nil
}

// IsGenericCatalogRequest reports whether the message asks for products in
// general terms without naming a specific catalog entry.
func IsGenericCatalogRequest(message string) bool {
	normalized := textutil.Normalize(message)
	if normalized == "" {
		return false
	}
	for _, trigger := range genericTriggers {
		if strings.Contains(normalized, trigger) {
			return true
		}
	}
	return false
}

// BuildCatalogListMessage renders the numbered list of available catalogs
// shown when a customer asks for products without naming one.
func BuildCatalogListMessage(entries []models.CatalogEntry) (string, error) {
	if len(entries) == 0 {
		return "", models.ErrNoCatalogEntries
	}
	var b strings.Builder
	b.WriteString("Estos son los catálogos que tenemos disponibles:\n")
	for i, e := range entries {
		fmt.Fprintf(&b, "%d. %s\n", i+1, e.PrimaryKeyword())
	}
	b.WriteString("\nEscríbeme el nombre del que quieres ver y te lo envío.")
	return b.String(), nil
}
