// Package handoff implements the human takeover gate. While a conversation
// is in human mode every automated reply is suppressed; operators talk to
// the customer through OperatorReply.
package handoff

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

// Sender delivers outbound text to the customer.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) error
}

// Gate controls per-conversation human mode.
type Gate struct {
	states  store.StateStore
	history store.HistoryRepo
	audit   audit.Sink
	sender  Sender
	now     func() time.Time
}

func NewGate(st store.Store, auditSink audit.Sink, sender Sender) *Gate {
	return &Gate{
		states:  st,
		history: st,
		audit:   auditSink,
		sender:  sender,
		now:     time.Now,
	}
}

// IsActive reports whether phone is currently under human control.
func (g *Gate) IsActive(ctx context.Context, phone string) (bool, error) {
	st, err := g.states.GetChatState(ctx, phone)
	if err != nil {
		return false, err
	}
	return st.HumanMode, nil
}

// Enable puts the conversation under human control. Metadata travels to the
// audit log, the operator identity into the state document.
func (g *Gate) Enable(ctx context.Context, phone string, operator models.Operator, reason string) error {
	if phone == "" {
		return models.ErrEmptyPhone
	}
	now := g.now().UTC()
	err := g.states.MergeChatState(ctx, phone, models.StatePatch{
		HumanMode:     models.Ptr(true),
		Operator:      &operator,
		HandoffReason: models.Ptr(reason),
		LastChangeAt:  models.Ptr(now),
	})
	if err != nil {
		return fmt.Errorf("handoff enable failed for %s: %w", phone, err)
	}
	g.audit.Append(ctx, models.AuditHandoff, map[string]any{
		"user":     phone,
		"action":   "enable",
		"operator": operator.ID,
		"reason":   reason,
	})
	slog.Info("Handoff enabled", "phone", phone, "operator", operator.ID, "reason", reason)
	return nil
}

// Disable returns the conversation to the bot.
func (g *Gate) Disable(ctx context.Context, phone string) error {
	if phone == "" {
		return models.ErrEmptyPhone
	}
	now := g.now().UTC()
	err := g.states.MergeChatState(ctx, phone, models.StatePatch{
		HumanMode:    models.Ptr(false),
		LastChangeAt: models.Ptr(now),
	})
	if err != nil {
		return fmt.Errorf("handoff disable failed for %s: %w", phone, err)
	}
	g.audit.Append(ctx, models.AuditHandoff, map[string]any{
		"user":   phone,
		"action": "disable",
	})
	slog.Info("Handoff disabled", "phone", phone)
	return nil
}

// OperatorReply sends an operator-authored message to the customer and
// records it in history. Sending keeps human mode on so a racing inbound
// message cannot flip the conversation back to the bot mid-reply.
func (g *Gate) OperatorReply(ctx context.Context, phone, text string, operator models.Operator) error {
	if phone == "" {
		return models.ErrEmptyPhone
	}
	active, err := g.IsActive(ctx, phone)
	if err != nil {
		return err
	}
	if !active {
		if err := g.Enable(ctx, phone, operator, "operator reply"); err != nil {
			return err
		}
	}
	if err := g.sender.SendMessage(ctx, phone, text); err != nil {
		return fmt.Errorf("operator reply send failed for %s: %w", phone, err)
	}
	err = g.history.AddChatMessage(ctx, models.ChatMessage{
		ID:        uuid.NewString(),
		Phone:     phone,
		Text:      text,
		FileType:  "text",
		Origin:    models.OriginOperator,
		Timestamp: g.now().UTC(),
	})
	if err != nil {
		slog.Error("Handoff history append failed", "error", err, "phone", phone)
	}
	return nil
}
