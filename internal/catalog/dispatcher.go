package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Insuapliques/Chatbot/internal/audit"
	"github.com/Insuapliques/Chatbot/internal/models"
	"github.com/Insuapliques/Chatbot/internal/store"
	"github.com/Insuapliques/Chatbot/internal/textutil"
)

// Default resend policy and texts.
const (
	DefaultResendMaxAttempts = 3
	DefaultResendCooldown    = 2 * time.Minute
	DefaultCaption           = "Aquí tienes el catálogo solicitado."
)

// Phrases that force a resend past the throttle.
var resendPhrases = []string{"reenvia", "otra vez", "de nuevo", "nuevamente"}

// Sender delivers outbound messages to the customer.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) error
	SendStructuredMedia(ctx context.Context, to string, kind models.AssetKind, url, caption string) error
}

// Dispatcher owns the deterministic catalog send path. It resolves the
// message against catalog entries, enforces the resend throttle, delivers
// the asset and records state, history and audit in one pass.
type Dispatcher struct {
	matcher     *Matcher
	states      store.StateStore
	history     store.HistoryRepo
	transitions store.TransitionRepo
	audit       audit.Sink
	sender      Sender

	maxAttempts int
	cooldown    time.Duration
	now         func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithResendPolicy overrides the resend attempt cap and cooldown window.
func WithResendPolicy(maxAttempts int, cooldown time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.maxAttempts = maxAttempts
		d.cooldown = cooldown
	}
}

// WithDispatcherClock overrides the time source, for tests.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		d.now = now
	}
}

func NewDispatcher(matcher *Matcher, st store.Store, auditSink audit.Sink, sender Sender, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		matcher:     matcher,
		states:      st,
		history:     st,
		transitions: st,
		audit:       auditSink,
		sender:      sender,
		maxAttempts: DefaultResendMaxAttempts,
		cooldown:    DefaultResendCooldown,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func wantsResend(message string) bool {
	normalized := textutil.Normalize(message)
	for _, phrase := range resendPhrases {
		if strings.Contains(normalized, phrase) {
			return true
		}
	}
	return false
}

// TrySendCatalog runs the catalog path for an inbound message. It returns
// true when a catalog or catalog list went out. A throttled resend records
// the attempt but returns false so later handlers still see the message.
func (d *Dispatcher) TrySendCatalog(ctx context.Context, phone, message string) (bool, error) {
	entry, err := d.matcher.FindByMessage(ctx, message)
	if err != nil {
		return false, fmt.Errorf("catalog lookup failed for %s: %w", phone, err)
	}

	if entry == nil {
		if !IsGenericCatalogRequest(message) {
			return false, nil
		}
		return true, d.sendCatalogList(ctx, phone)
	}

	st, err := d.states.GetChatState(ctx, phone)
	if err != nil {
		return false, fmt.Errorf("state read failed for %s: %w", phone, err)
	}

	if d.shouldBlockResend(st, entry, message) {
		// A suppressed resend is not consumed: the message falls through
		// to the state machine and the AI agent.
		return false, d.blockResend(ctx, phone, entry)
	}

	return true, d.sendEntry(ctx, phone, st, entry)
}

// shouldBlockResend applies the throttle: a repeat request for the catalog
// already on record, inside the cooldown window, with attempts remaining,
// and without an explicit resend phrase, is suppressed.
func (d *Dispatcher) shouldBlockResend(st models.ChatState, entry *models.CatalogEntry, message string) bool {
	if !st.CatalogSent || st.CatalogRef != entry.ID {
		return false
	}
	if wantsResend(message) {
		return false
	}
	if st.CatalogSentAt == nil {
		return false
	}
	if d.now().Sub(*st.CatalogSentAt) >= d.cooldown {
		return false
	}
	return st.CatalogResendAttempts < d.maxAttempts
}

func (d *Dispatcher) blockResend(ctx context.Context, phone string, entry *models.CatalogEntry) error {
	updated, err := d.states.UpdateChatState(ctx, phone, func(cur models.ChatState) (models.StatePatch, error) {
		return models.StatePatch{
			CatalogResendAttempts: models.Ptr(cur.CatalogResendAttempts + 1),
		}, nil
	})
	if err != nil {
		return fmt.Errorf("resend counter update failed for %s: %w", phone, err)
	}
	d.audit.Append(ctx, models.AuditCatalogResendBlocked, map[string]any{
		"user":       phone,
		"catalogRef": entry.ID,
		"attempts":   updated.CatalogResendAttempts,
	})
	slog.Info("Dispatcher blocked catalog resend", "phone", phone, "catalogRef", entry.ID, "attempts", updated.CatalogResendAttempts)
	return nil
}

func (d *Dispatcher) sendCatalogList(ctx context.Context, phone string) error {
	entries, err := d.matcher.Entries(ctx)
	if err != nil {
		return fmt.Errorf("catalog list lookup failed for %s: %w", phone, err)
	}
	body, err := BuildCatalogListMessage(entries)
	if err != nil {
		return err
	}
	if err := d.sender.SendMessage(ctx, phone, body); err != nil {
		return fmt.Errorf("catalog list send failed for %s: %w", phone, err)
	}
	d.recordBotMessage(ctx, phone, body, "", "text")

	now := d.now().UTC()
	if err := d.states.MergeChatState(ctx, phone, models.StatePatch{
		CatalogListShown: models.Ptr(true),
		LastIntent:       models.Ptr("catalogo"),
		LastChangeAt:     models.Ptr(now),
	}); err != nil {
		return fmt.Errorf("catalog list state merge failed for %s: %w", phone, err)
	}
	return nil
}

func (d *Dispatcher) sendEntry(ctx context.Context, phone string, st models.ChatState, entry *models.CatalogEntry) error {
	caption := entry.ResponseText
	if caption == "" {
		caption = DefaultCaption
	}

	fileType := "text"
	fileURL := ""
	if entry.AssetKind == models.AssetKindText {
		if err := d.sender.SendMessage(ctx, phone, caption); err != nil {
			return fmt.Errorf("catalog text send failed for %s: %w", phone, err)
		}
	} else if err := d.sender.SendStructuredMedia(ctx, phone, entry.AssetKind, entry.AssetURL, caption); err != nil {
		// One plain-text fallback carrying the link. Media delivery must
		// never leave the customer with nothing.
		slog.Error("Dispatcher media send failed, falling back to text", "error", err, "phone", phone, "catalogRef", entry.ID)
		d.audit.Append(ctx, models.AuditSendFailures, map[string]any{
			"user":       phone,
			"catalogRef": entry.ID,
			"kind":       string(entry.AssetKind),
			"error":      err.Error(),
		})
		fallback := caption + "\n" + entry.AssetURL
		if err := d.sender.SendMessage(ctx, phone, fallback); err != nil {
			return fmt.Errorf("catalog fallback send failed for %s: %w", phone, err)
		}
		caption = fallback
	} else {
		fileType = string(entry.AssetKind)
		fileURL = entry.AssetURL
	}

	d.recordBotMessage(ctx, phone, caption, fileURL, fileType)

	now := d.now().UTC()
	fromPhase := st.Phase
	updated, err := d.states.UpdateChatState(ctx, phone, func(cur models.ChatState) (models.StatePatch, error) {
		patch := models.StatePatch{
			CatalogSent:           models.Ptr(true),
			CatalogListShown:      models.Ptr(false),
			CatalogRef:            models.Ptr(entry.ID),
			CatalogSentAt:         models.Ptr(now),
			CatalogResendAttempts: models.Ptr(0),
			LastIntent:            models.Ptr("catalogo"),
			CurrentProduct:        models.Ptr(entry.PrimaryKeyword()),
			LastChangeAt:          models.Ptr(now),
		}
		// Sending a catalog mid-order must not pull the conversation back
		// to an earlier phase.
		if !(cur.OrderInProgress && models.PhaseRank(cur.Phase) > models.PhaseRank(models.PhaseCatalogSent)) {
			patch.Phase = models.Ptr(models.PhaseCatalogSent)
		}
		fromPhase = cur.Phase
		return patch, nil
	})
	if err != nil {
		return fmt.Errorf("catalog state update failed for %s: %w", phone, err)
	}

	if updated.Phase != fromPhase {
		if err := d.transitions.AddStateTransition(ctx, models.StateTransition{
			Phone:      phone,
			FromPhase:  fromPhase,
			ToPhase:    updated.Phase,
			Intent:     "catalogo",
			OccurredAt: now,
		}); err != nil {
			slog.Error("Dispatcher transition log failed", "error", err, "phone", phone)
		}
	}

	d.audit.Append(ctx, models.AuditCatalogSent, map[string]any{
		"user":       phone,
		"catalogRef": entry.ID,
		"kind":       string(entry.AssetKind),
		"fallback":   fileType == "text" && entry.AssetKind != models.AssetKindText,
	})
	slog.Info("Dispatcher catalog sent", "phone", phone, "catalogRef", entry.ID, "kind", entry.AssetKind)
	return nil
}

// recordBotMessage appends to history best-effort. History loss is logged
// but never fails the send path.
func (d *Dispatcher) recordBotMessage(ctx context.Context, phone, text, fileURL, fileType string) {
	err := d.history.AddChatMessage(ctx, models.ChatMessage{
		ID:        uuid.NewString(),
		Phone:     phone,
		Text:      text,
		FileURL:   fileURL,
		FileType:  fileType,
		Origin:    models.OriginBot,
		Timestamp: d.now().UTC(),
	})
	if err != nil {
		slog.Error("Dispatcher history append failed", "error", err, "phone", phone)
	}
}
