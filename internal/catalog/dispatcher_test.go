package catalog

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Insuapliques/Chatbot/internal/audit"
	"github.com/Insuapliques/Chatbot/internal/models"
	"github.com/Insuapliques/Chatbot/internal/store"
)

type sentItem struct {
	To      string
	Body    string
	Kind    models.AssetKind
	URL     string
	IsMedia bool
}

type fakeSender struct {
	sent     []sentItem
	mediaErr error
	textErr  error
}

func (f *fakeSender) SendMessage(_ context.Context, to, body string) error {
	if f.textErr != nil {
		return f.textErr
	}
	f.sent = append(f.sent, sentItem{To: to, Body: body})
	return nil
}

func (f *fakeSender) SendStructuredMedia(_ context.Context, to string, kind models.AssetKind, url, caption string) error {
	if f.mediaErr != nil {
		return f.mediaErr
	}
	f.sent = append(f.sent, sentItem{To: to, Body: caption, Kind: kind, URL: url, IsMedia: true})
	return nil
}

type dispatcherEnv struct {
	dispatcher *Dispatcher
	store      *store.InMemoryStore
	sender     *fakeSender
	audit      *audit.RecordingSink
	now        *time.Time
}

func newDispatcherEnv(t *testing.T) *dispatcherEnv {
	t.Helper()
	s := store.NewInMemoryStore()
	sender := &fakeSender{}
	sink := &audit.RecordingSink{}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	env := &dispatcherEnv{store: s, sender: sender, audit: sink, now: &now}

	clock := func() time.Time { return *env.now }
	matcher := NewMatcher(&fakeSource{entries: testEntries()}, WithClock(clock))
	env.dispatcher = NewDispatcher(matcher, s, sink, sender, WithDispatcherClock(clock))
	return env
}

func (e *dispatcherEnv) advance(d time.Duration) {
	*e.now = e.now.Add(d)
}

func TestDispatcherSendsMatchedCatalog(t *testing.T) {
	env := newDispatcherEnv(t)
	ctx := context.Background()

	handled, err := env.dispatcher.TrySendCatalog(ctx, "123", "quiero ver chompas")
	if err != nil {
		t.Fatalf("TrySendCatalog failed: %v", err)
	}
	if !handled {
		t.Fatalf("expected message handled")
	}
	if len(env.sender.sent) != 1 || !env.sender.sent[0].IsMedia {
		t.Fatalf("expected one media send, got %+v", env.sender.sent)
	}
	if env.sender.sent[0].Kind != models.AssetKindDocument {
		t.Errorf("expected document kind, got %q", env.sender.sent[0].Kind)
	}

	st, _ := env.store.GetChatState(ctx, "123")
	if !st.CatalogSent || st.CatalogRef != "chompas" {
		t.Errorf("expected catalog recorded in state, got %+v", st)
	}
	if st.Phase != models.PhaseCatalogSent {
		t.Errorf("expected CATALOG_SENT phase, got %q", st.Phase)
	}
	if st.CatalogResendAttempts != 0 {
		t.Errorf("expected attempts reset, got %d", st.CatalogResendAttempts)
	}

	kinds := env.audit.Kinds()
	if len(kinds) != 1 || kinds[0] != models.AuditCatalogSent {
		t.Errorf("expected catalogSent audit, got %v", kinds)
	}

	msgs, _ := env.store.ListChatMessages(ctx, "123", 10)
	if len(msgs) != 1 || msgs[0].Origin != models.OriginBot {
		t.Errorf("expected bot history record, got %+v", msgs)
	}

	trs := env.store.GetStateTransitions()
	if len(trs) != 1 || trs[0].ToPhase != models.PhaseCatalogSent {
		t.Errorf("expected transition to CATALOG_SENT, got %+v", trs)
	}
}

func TestDispatcherBlocksQuickResend(t *testing.T) {
	env := newDispatcherEnv(t)
	ctx := context.Background()

	if _, err := env.dispatcher.TrySendCatalog(ctx, "123", "quiero chompas"); err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	env.sender.sent = nil
	env.advance(30 * time.Second)

	handled, err := env.dispatcher.TrySendCatalog(ctx, "123", "quiero chompas")
	if err != nil {
		t.Fatalf("second send failed: %v", err)
	}
	if handled {
		t.Fatalf("throttled request must fall through to later handlers")
	}
	if len(env.sender.sent) != 0 {
		t.Fatalf("expected no provider call inside cooldown, got %+v", env.sender.sent)
	}

	st, _ := env.store.GetChatState(ctx, "123")
	if st.CatalogResendAttempts != 1 {
		t.Errorf("expected attempt counter incremented, got %d", st.CatalogResendAttempts)
	}
	kinds := env.audit.Kinds()
	if kinds[len(kinds)-1] != models.AuditCatalogResendBlocked {
		t.Errorf("expected resend-blocked audit, got %v", kinds)
	}
}

func TestDispatcherAllowsResendAfterCooldown(t *testing.T) {
	env := newDispatcherEnv(t)
	ctx := context.Background()

	if _, err := env.dispatcher.TrySendCatalog(ctx, "123", "quiero chompas"); err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	env.sender.sent = nil
	env.advance(2 * time.Minute)

	if _, err := env.dispatcher.TrySendCatalog(ctx, "123", "quiero chompas"); err != nil {
		t.Fatalf("post-cooldown send failed: %v", err)
	}
	if len(env.sender.sent) != 1 || !env.sender.sent[0].IsMedia {
		t.Fatalf("expected media resend at cooldown boundary, got %+v", env.sender.sent)
	}
}

func TestDispatcherAllowsResendAfterAttemptsExhausted(t *testing.T) {
	env := newDispatcherEnv(t)
	ctx := context.Background()

	if _, err := env.dispatcher.TrySendCatalog(ctx, "123", "quiero chompas"); err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	for i := 0; i < DefaultResendMaxAttempts; i++ {
		env.advance(5 * time.Second)
		if _, err := env.dispatcher.TrySendCatalog(ctx, "123", "quiero chompas"); err != nil {
			t.Fatalf("throttled request failed: %v", err)
		}
	}
	env.sender.sent = nil
	env.advance(5 * time.Second)

	if _, err := env.dispatcher.TrySendCatalog(ctx, "123", "quiero chompas"); err != nil {
		t.Fatalf("send after exhausted attempts failed: %v", err)
	}
	if len(env.sender.sent) != 1 || !env.sender.sent[0].IsMedia {
		t.Fatalf("expected resend once attempts exhausted, got %+v", env.sender.sent)
	}
	st, _ := env.store.GetChatState(ctx, "123")
	if st.CatalogResendAttempts != 0 {
		t.Errorf("expected attempts reset after successful resend, got %d", st.CatalogResendAttempts)
	}
}

func TestDispatcherExplicitResendBypassesThrottle(t *testing.T) {
	env := newDispatcherEnv(t)
	ctx := context.Background()

	if _, err := env.dispatcher.TrySendCatalog(ctx, "123", "quiero chompas"); err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	env.sender.sent = nil
	env.advance(10 * time.Second)

	if _, err := env.dispatcher.TrySendCatalog(ctx, "123", "reenvía el catálogo de chompas"); err != nil {
		t.Fatalf("explicit resend failed: %v", err)
	}
	if len(env.sender.sent) != 1 || !env.sender.sent[0].IsMedia {
		t.Fatalf("expected explicit resend to bypass throttle, got %+v", env.sender.sent)
	}
}

func TestDispatcherDifferentCatalogSkipsThrottle(t *testing.T) {
	env := newDispatcherEnv(t)
	ctx := context.Background()

	if _, err := env.dispatcher.TrySendCatalog(ctx, "123", "quiero chompas"); err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	env.sender.sent = nil
	env.advance(10 * time.Second)

	if _, err := env.dispatcher.TrySendCatalog(ctx, "123", "ahora camisetas"); err != nil {
		t.Fatalf("second catalog send failed: %v", err)
	}
	if len(env.sender.sent) != 1 || env.sender.sent[0].Kind != models.AssetKindImage {
		t.Fatalf("expected different catalog sent immediately, got %+v", env.sender.sent)
	}
	st, _ := env.store.GetChatState(ctx, "123")
	if st.CatalogRef != "camisetas" {
		t.Errorf("expected catalog ref updated, got %q", st.CatalogRef)
	}
}

func TestDispatcherMediaFailureFallsBackToText(t *testing.T) {
	env := newDispatcherEnv(t)
	env.sender.mediaErr = errors.New("upload rejected")
	ctx := context.Background()

	handled, err := env.dispatcher.TrySendCatalog(ctx, "123", "quiero chompas")
	if err != nil {
		t.Fatalf("TrySendCatalog failed: %v", err)
	}
	if !handled {
		t.Fatalf("expected handled despite media failure")
	}
	if len(env.sender.sent) != 1 || env.sender.sent[0].IsMedia {
		t.Fatalf("expected single text fallback, got %+v", env.sender.sent)
	}
	if !strings.Contains(env.sender.sent[0].Body, "https://cdn.example.com/chompas.pdf") {
		t.Errorf("expected fallback to carry the asset URL, got %q", env.sender.sent[0].Body)
	}

	kinds := env.audit.Kinds()
	if kinds[0] != models.AuditSendFailures {
		t.Errorf("expected send failure audited first, got %v", kinds)
	}
	st, _ := env.store.GetChatState(ctx, "123")
	if !st.CatalogSent {
		t.Errorf("expected state to record send even on fallback path")
	}
}

func TestDispatcherGenericRequestSendsList(t *testing.T) {
	env := newDispatcherEnv(t)
	ctx := context.Background()

	handled, err := env.dispatcher.TrySendCatalog(ctx, "123", "muéstrame los productos")
	if err != nil {
		t.Fatalf("TrySendCatalog failed: %v", err)
	}
	if !handled {
		t.Fatalf("expected generic request handled")
	}
	if len(env.sender.sent) != 1 || !strings.Contains(env.sender.sent[0].Body, "1. ") {
		t.Fatalf("expected numbered list, got %+v", env.sender.sent)
	}
	st, _ := env.store.GetChatState(ctx, "123")
	if !st.CatalogListShown || st.CatalogSent {
		t.Errorf("expected list-shown flag only, got %+v", st)
	}
}

func TestDispatcherUnrelatedMessageNotHandled(t *testing.T) {
	env := newDispatcherEnv(t)

	handled, err := env.dispatcher.TrySendCatalog(context.Background(), "123", "hola buen día")
	if err != nil {
		t.Fatalf("TrySendCatalog failed: %v", err)
	}
	if handled {
		t.Errorf("expected unrelated message left for the state machine")
	}
	if len(env.sender.sent) != 0 {
		t.Errorf("expected nothing sent, got %+v", env.sender.sent)
	}
}

func TestDispatcherDoesNotRegressPhaseMidOrder(t *testing.T) {
	env := newDispatcherEnv(t)
	ctx := context.Background()

	if err := env.store.MergeChatState(ctx, "123", models.StatePatch{
		Phase:           models.Ptr(models.PhaseConfirmation),
		OrderInProgress: models.Ptr(true),
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if _, err := env.dispatcher.TrySendCatalog(ctx, "123", "quiero camisetas"); err != nil {
		t.Fatalf("TrySendCatalog failed: %v", err)
	}
	st, _ := env.store.GetChatState(ctx, "123")
	if st.Phase != models.PhaseConfirmation {
		t.Errorf("expected phase preserved mid-order, got %q", st.Phase)
	}
	if st.CatalogRef != "camisetas" {
		t.Errorf("expected catalog still recorded, got %q", st.CatalogRef)
	}
}
