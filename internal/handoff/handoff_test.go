package handoff

import (
	"context"
	"testing"

	"github.com/Insuapliques/Chatbot/internal/audit"
	"github.com/Insuapliques/Chatbot/internal/models"
	"github.com/Insuapliques/Chatbot/internal/store"
)

type fakeSender struct {
	sent []string
}

func (f *fakeSender) SendMessage(_ context.Context, _, body string) error {
	f.sent = append(f.sent, body)
	return nil
}

func TestGateEnableDisable(t *testing.T) {
	s := store.NewInMemoryStore()
	sink := &audit.RecordingSink{}
	g := NewGate(s, sink, &fakeSender{})
	ctx := context.Background()

	op := models.Operator{ID: "op-1", Name: "Laura"}
	if err := g.Enable(ctx, "123", op, "customer asked for a human"); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	active, err := g.IsActive(ctx, "123")
	if err != nil || !active {
		t.Fatalf("expected human mode active, got %v, %v", active, err)
	}

	doc, _ := s.GetStateDocument(ctx, "123")
	if doc["modoHumano"] != true {
		t.Errorf("expected modoHumano persisted, got %v", doc["modoHumano"])
	}

	if err := g.Disable(ctx, "123"); err != nil {
		t.Fatalf("Disable failed: %v", err)
	}
	active, _ = g.IsActive(ctx, "123")
	if active {
		t.Errorf("expected human mode off after disable")
	}

	kinds := sink.Kinds()
	if len(kinds) != 2 || kinds[0] != models.AuditHandoff || kinds[1] != models.AuditHandoff {
		t.Errorf("expected two handoff audits, got %v", kinds)
	}
}

func TestGateEmptyPhone(t *testing.T) {
	g := NewGate(store.NewInMemoryStore(), &audit.RecordingSink{}, &fakeSender{})
	if err := g.Enable(context.Background(), "", models.Operator{}, "x"); err != models.ErrEmptyPhone {
		t.Errorf("expected ErrEmptyPhone, got %v", err)
	}
}

func TestOperatorReplyRecordsHistoryAndKeepsHumanMode(t *testing.T) {
	s := store.NewInMemoryStore()
	sender := &fakeSender{}
	g := NewGate(s, &audit.RecordingSink{}, sender)
	ctx := context.Background()

	op := models.Operator{ID: "op-1"}
	if err := g.OperatorReply(ctx, "123", "Hola, te atiende Laura.", op); err != nil {
		t.Fatalf("OperatorReply failed: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one outbound message, got %d", len(sender.sent))
	}

	active, _ := g.IsActive(ctx, "123")
	if !active {
		t.Errorf("expected operator reply to enable human mode")
	}

	msgs, _ := s.ListChatMessages(ctx, "123", 10)
	if len(msgs) != 1 || msgs[0].Origin != models.OriginOperator {
		t.Errorf("expected operator history record, got %+v", msgs)
	}
}
