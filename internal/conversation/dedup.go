// Package conversation ties the inbound pipeline together: duplicate
// suppression, the human takeover gate, the deterministic state machine and
// the AI fallback.
package conversation

import (
	"context"
	"log/slog"

	"github.com/Insuapliques/Chatbot/internal/audit"
	"github.com/Insuapliques/Chatbot/internal/models"
)

// Deduper suppresses duplicate webhook deliveries. Providers redeliver on
// timeout, so the same message ID can arrive more than once.
type Deduper struct {
	audit audit.Sink
}

func NewDeduper(auditSink audit.Sink) *Deduper {
	return &Deduper{audit: auditSink}
}

// ShouldSkip reports whether msg is a redelivery of the last processed
// message. Missing IDs fail open: a message we cannot identify is processed
// rather than dropped.
func (d *Deduper) ShouldSkip(ctx context.Context, st models.ChatState, msg models.InboundMessage) bool {
	if msg.MessageID == "" || msg.From == "" {
		return false
	}
	if st.LastMessageID != msg.MessageID {
		return false
	}
	d.audit.Append(ctx, models.AuditDedupSkipped, map[string]any{
		"user":      msg.From,
		"messageId": msg.MessageID,
	})
	slog.Debug("Deduper skipped duplicate message", "phone", msg.From, "messageId", msg.MessageID)
	return true
}
