package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Insuapliques/Chatbot/internal/audit"
	"github.com/Insuapliques/Chatbot/internal/models"
	"github.com/Insuapliques/Chatbot/internal/store"
)

// DefaultHistoryLimit is how many history messages accompany an AI call.
const DefaultHistoryLimit = 20

// Agent produces a free-form reply when the deterministic flow does not
// recognize the message.
type Agent interface {
	Respond(ctx context.Context, phone, message string, history []models.ChatMessage) (models.AgentResult, error)
}

// CatalogDispatcher is the deterministic catalog send path.
type CatalogDispatcher interface {
	TrySendCatalog(ctx context.Context, phone, message string) (bool, error)
}

// MediaUploader mirrors inbound attachments to durable storage.
type MediaUploader interface {
	Upload(ctx context.Context, ref models.MediaRef) (string, error)
}

// Orchestrator runs the inbound pipeline in strict order: dedup, human
// takeover gate, inbound persistence, catalog dispatch, deterministic state
// machine, AI fallback. Each stage either consumes the message or passes it
// on.
type Orchestrator struct {
	store      store.Store
	dedup      *Deduper
	dispatcher CatalogDispatcher
	machine    *Machine
	agent      Agent
	media      MediaUploader
	sender     Sender
	audit      audit.Sink

	historyLimit int
	now          func() time.Time
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithMediaUploader enables mirroring of inbound attachments.
func WithMediaUploader(u MediaUploader) OrchestratorOption {
	return func(o *Orchestrator) {
		o.media = u
	}
}

// WithHistoryLimit overrides how much history the AI agent sees.
func WithHistoryLimit(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		o.historyLimit = n
	}
}

// WithOrchestratorClock overrides the time source, for tests.
func WithOrchestratorClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		o.now = now
	}
}

func NewOrchestrator(st store.Store, dedup *Deduper, dispatcher CatalogDispatcher, machine *Machine, agent Agent, sender Sender, auditSink audit.Sink, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:        st,
		dedup:        dedup,
		dispatcher:   dispatcher,
		machine:      machine,
		agent:        agent,
		sender:       sender,
		audit:        auditSink,
		historyLimit: DefaultHistoryLimit,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HandleInbound processes one inbound message. It never panics outward and
// never returns an error: a failing message is logged and dropped so one
// poisoned payload cannot take down the receive loop.
func (o *Orchestrator) HandleInbound(ctx context.Context, msg models.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Orchestrator recovered from panic", "panic", r, "phone", msg.From)
		}
	}()
	if err := o.handle(ctx, msg); err != nil {
		slog.Error("Orchestrator message handling failed", "error", err, "phone", msg.From)
	}
}

func (o *Orchestrator) handle(ctx context.Context, msg models.InboundMessage) error {
	if msg.From == "" {
		return models.ErrEmptyPhone
	}

	st, err := o.store.GetChatState(ctx, msg.From)
	if err != nil {
		return fmt.Errorf("state read failed: %w", err)
	}

	if o.dedup.ShouldSkip(ctx, st, msg) {
		return nil
	}

	if st.HumanMode {
		// Operators own the conversation. The customer message is still
		// recorded so the operator console shows it.
		o.persistInbound(ctx, msg)
		o.audit.Append(ctx, models.AuditSendSuppressedByHuman, map[string]any{
			"user":      msg.From,
			"messageId": msg.MessageID,
		})
		slog.Info("Orchestrator suppressed bot reply, human mode active", "phone", msg.From)
		return nil
	}

	o.persistInbound(ctx, msg)

	text := msg.Text()
	if text == "" {
		return nil
	}

	handled, err := o.dispatcher.TrySendCatalog(ctx, msg.From, text)
	if err != nil {
		return fmt.Errorf("catalog dispatch failed: %w", err)
	}
	if handled {
		return nil
	}

	// Re-read: the inbound persistence above already touched the document.
	st, err = o.store.GetChatState(ctx, msg.From)
	if err != nil {
		return fmt.Errorf("state re-read failed: %w", err)
	}
	handled, err = o.machine.Process(ctx, msg.From, text, st)
	if err != nil {
		return fmt.Errorf("state machine failed: %w", err)
	}
	if handled {
		return nil
	}

	return o.respondWithAgent(ctx, msg.From, text)
}

// persistInbound records the customer message and stamps the state with the
// message ID used for dedup. Attachment mirroring is best-effort: a failed
// upload logs and the text still flows.
func (o *Orchestrator) persistInbound(ctx context.Context, msg models.InboundMessage) {
	fileURL := ""
	fileType := "text"
	if msg.Media != nil {
		fileType = msg.Type
		if o.media != nil {
			url, err := o.media.Upload(ctx, *msg.Media)
			if err != nil {
				slog.Error("Orchestrator media mirror failed", "error", err, "phone", msg.From, "mediaId", msg.Media.ID)
			} else {
				fileURL = url
			}
		}
	}

	id := msg.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = o.now().UTC()
	}
	err := o.store.AddChatMessage(ctx, models.ChatMessage{
		ID:        id,
		Phone:     msg.From,
		Text:      msg.Text(),
		FileURL:   fileURL,
		FileType:  fileType,
		Origin:    models.OriginCustomer,
		Timestamp: ts,
	})
	if err != nil {
		slog.Error("Orchestrator inbound history append failed", "error", err, "phone", msg.From)
	}

	patch := models.StatePatch{LastContactAt: models.Ptr(o.now().UTC())}
	if msg.MessageID != "" {
		patch.LastMessageID = models.Ptr(msg.MessageID)
	}
	if err := o.store.MergeChatState(ctx, msg.From, patch); err != nil {
		slog.Error("Orchestrator inbound state merge failed", "error", err, "phone", msg.From)
	}
}

func (o *Orchestrator) respondWithAgent(ctx context.Context, phone, text string) error {
	history, err := o.store.ListChatMessages(ctx, phone, o.historyLimit)
	if err != nil {
		slog.Error("Orchestrator history read failed", "error", err, "phone", phone)
	}

	res, err := o.agent.Respond(ctx, phone, text, history)
	if err != nil {
		return fmt.Errorf("agent call failed: %w", err)
	}

	if res.Text != "" {
		if err := o.sender.SendMessage(ctx, phone, res.Text); err != nil {
			return fmt.Errorf("agent reply send failed: %w", err)
		}
		if err := o.store.AddChatMessage(ctx, models.ChatMessage{
			ID:        uuid.NewString(),
			Phone:     phone,
			Text:      res.Text,
			FileType:  "text",
			Origin:    models.OriginBot,
			Timestamp: o.now().UTC(),
		}); err != nil {
			slog.Error("Orchestrator agent history append failed", "error", err, "phone", phone)
		}
	}

	err = o.store.MergeChatState(ctx, phone, models.StatePatch{
		LastAILatencyMs:    models.Ptr(res.LatencyMs),
		LastAIUsedFallback: models.Ptr(res.UsedFallback),
		HumanMode:          models.Ptr(false),
	})
	if err != nil {
		slog.Error("Orchestrator agent bookkeeping merge failed", "error", err, "phone", phone)
	}
	return nil
}
