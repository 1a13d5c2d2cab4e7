package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Insuapliques/Chatbot/internal/audit"
	"github.com/Insuapliques/Chatbot/internal/models"
	"github.com/Insuapliques/Chatbot/internal/store"
)

type fakeAgent struct {
	calls  int
	result models.AgentResult
	err    error
}

func (f *fakeAgent) Respond(_ context.Context, _, _ string, _ []models.ChatMessage) (models.AgentResult, error) {
	f.calls++
	if f.err != nil {
		return models.AgentResult{}, f.err
	}
	return f.result, nil
}

type fakeDispatcher struct {
	calls   int
	handled bool
}

func (f *fakeDispatcher) TrySendCatalog(context.Context, string, string) (bool, error) {
	f.calls++
	return f.handled, nil
}

type fakeUploader struct {
	url   string
	err   error
	calls int
}

func (f *fakeUploader) Upload(context.Context, models.MediaRef) (string, error) {
	f.calls++
	return f.url, f.err
}

type orchestratorEnv struct {
	orch       *Orchestrator
	store      *store.InMemoryStore
	sender     *fakeSender
	agent      *fakeAgent
	dispatcher *fakeDispatcher
	uploader   *fakeUploader
	audit      *audit.RecordingSink
}

func newOrchestratorEnv(t *testing.T) *orchestratorEnv {
	t.Helper()
	s := store.NewInMemoryStore()
	sender := &fakeSender{}
	sink := &audit.RecordingSink{}
	env := &orchestratorEnv{
		store:      s,
		sender:     sender,
		agent:      &fakeAgent{result: models.AgentResult{Text: "Con gusto te ayudo con eso.", LatencyMs: 812}},
		dispatcher: &fakeDispatcher{},
		uploader:   &fakeUploader{url: "https://storage.example.com/media/abc"},
		audit:      sink,
	}
	machine := NewMachine(s, sink, sender)
	env.orch = NewOrchestrator(s, NewDeduper(sink), env.dispatcher, machine, env.agent, sender, sink,
		WithMediaUploader(env.uploader))
	return env
}

func inbound(id, text string) models.InboundMessage {
	return models.InboundMessage{
		From:      "123",
		MessageID: id,
		Type:      "text",
		Body:      text,
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestOrchestratorDuplicateDelivery(t *testing.T) {
	env := newOrchestratorEnv(t)
	ctx := context.Background()

	env.orch.HandleInbound(ctx, inbound("m1", "necesito una cotización especial"))
	env.orch.HandleInbound(ctx, inbound("m1", "necesito una cotización especial"))

	if env.agent.calls != 1 {
		t.Errorf("expected duplicate suppressed, agent called %d times", env.agent.calls)
	}
	var dedups int
	for _, k := range env.audit.Kinds() {
		if k == models.AuditDedupSkipped {
			dedups++
		}
	}
	if dedups != 1 {
		t.Errorf("expected one dedupSkipped audit, got %d", dedups)
	}
}

func TestOrchestratorMissingMessageIDFailsOpen(t *testing.T) {
	env := newOrchestratorEnv(t)
	ctx := context.Background()

	env.orch.HandleInbound(ctx, inbound("", "primera consulta rara"))
	env.orch.HandleInbound(ctx, inbound("", "primera consulta rara"))

	if env.agent.calls != 2 {
		t.Errorf("expected unidentifiable messages processed, agent called %d times", env.agent.calls)
	}
}

func TestOrchestratorHumanModeSuppressesBot(t *testing.T) {
	env := newOrchestratorEnv(t)
	ctx := context.Background()

	if err := env.store.MergeChatState(ctx, "123", models.StatePatch{HumanMode: models.Ptr(true)}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	env.orch.HandleInbound(ctx, inbound("m1", "quiero el catálogo"))

	if env.dispatcher.calls != 0 || env.agent.calls != 0 {
		t.Errorf("expected no bot processing in human mode")
	}
	if len(env.sender.sent) != 0 {
		t.Errorf("expected nothing sent, got %v", env.sender.sent)
	}

	// The customer message is still on record for the operator console.
	msgs, _ := env.store.ListChatMessages(ctx, "123", 10)
	if len(msgs) != 1 || msgs[0].Origin != models.OriginCustomer {
		t.Errorf("expected inbound persisted, got %+v", msgs)
	}

	kinds := env.audit.Kinds()
	if len(kinds) == 0 || kinds[len(kinds)-1] != models.AuditSendSuppressedByHuman {
		t.Errorf("expected suppression audited, got %v", kinds)
	}
}

func TestOrchestratorCatalogTakesPrecedenceOverAgent(t *testing.T) {
	env := newOrchestratorEnv(t)
	env.dispatcher.handled = true

	env.orch.HandleInbound(context.Background(), inbound("m1", "quiero chompas"))

	if env.dispatcher.calls != 1 {
		t.Errorf("expected dispatcher consulted, got %d calls", env.dispatcher.calls)
	}
	if env.agent.calls != 0 {
		t.Errorf("expected agent skipped when catalog handled the message")
	}
}

func TestOrchestratorAgentFallbackBookkeeping(t *testing.T) {
	env := newOrchestratorEnv(t)
	env.agent.result = models.AgentResult{Text: "Déjame revisarlo.", LatencyMs: 1200, UsedFallback: true}
	ctx := context.Background()

	env.orch.HandleInbound(ctx, inbound("m1", "tema sin guion conocido"))

	if len(env.sender.sent) != 1 || env.sender.sent[0] != "Déjame revisarlo." {
		t.Fatalf("expected agent reply sent, got %v", env.sender.sent)
	}

	st, _ := env.store.GetChatState(ctx, "123")
	if st.LastAILatencyMs != 1200 || !st.LastAIUsedFallback {
		t.Errorf("expected AI bookkeeping merged, got latency=%d fallback=%v", st.LastAILatencyMs, st.LastAIUsedFallback)
	}
	if st.HumanMode {
		t.Error("expected human mode cleared after an agent reply")
	}
	if st.LastMessageID != "m1" {
		t.Errorf("expected message ID stamped, got %q", st.LastMessageID)
	}

	msgs, _ := env.store.ListChatMessages(ctx, "123", 10)
	if len(msgs) != 2 || msgs[0].Origin != models.OriginCustomer || msgs[1].Origin != models.OriginBot {
		t.Errorf("expected customer+bot history, got %+v", msgs)
	}
}

func TestOrchestratorMediaUploadFailureDoesNotBlockText(t *testing.T) {
	env := newOrchestratorEnv(t)
	env.uploader.err = errors.New("bucket unavailable")
	ctx := context.Background()

	msg := inbound("m1", "aquí la foto de referencia, algo fuera de guion")
	msg.Type = "image"
	msg.Media = &models.MediaRef{ID: "media-1", MimeType: "image/jpeg"}
	env.orch.HandleInbound(ctx, msg)

	if env.uploader.calls != 1 {
		t.Errorf("expected upload attempted")
	}
	if env.agent.calls != 1 {
		t.Errorf("expected text still processed after upload failure")
	}
	msgs, _ := env.store.ListChatMessages(ctx, "123", 10)
	if len(msgs) == 0 || msgs[0].FileURL != "" || msgs[0].FileType != "image" {
		t.Errorf("expected inbound recorded without URL, got %+v", msgs)
	}
}

func TestOrchestratorMediaOnlyMessageStopsAfterPersist(t *testing.T) {
	env := newOrchestratorEnv(t)
	ctx := context.Background()

	msg := inbound("m1", "")
	msg.Type = "audio"
	msg.Media = &models.MediaRef{ID: "media-2", MimeType: "audio/ogg"}
	env.orch.HandleInbound(ctx, msg)

	if env.dispatcher.calls != 0 || env.agent.calls != 0 {
		t.Errorf("expected no automated reply for media-only message")
	}
	msgs, _ := env.store.ListChatMessages(ctx, "123", 10)
	if len(msgs) != 1 || msgs[0].FileURL != "https://storage.example.com/media/abc" {
		t.Errorf("expected mirrored media URL recorded, got %+v", msgs)
	}
}
