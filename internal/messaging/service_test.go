package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/Insuapliques/Chatbot/internal/models"
	"github.com/Insuapliques/Chatbot/internal/twiliowhatsapp"
	"github.com/Insuapliques/Chatbot/internal/whatsapp"
)

func TestCanonicalizeRecipient(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+57 300 111-2233", "573001112233", false},
		{"573001112233", "573001112233", false},
		{"", "", true},
		{"abc", "", true},
		{"123", "", true},
	}
	for _, tc := range tests {
		got, err := canonicalizeRecipient(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("canonicalizeRecipient(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("canonicalizeRecipient(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}

func TestWhatsAppServiceSendCanonicalizes(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock)

	if err := svc.SendMessage(context.Background(), "+57 300 111 2233", "hola"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if len(mock.SentMessages) != 1 || mock.SentMessages[0].To != "573001112233" {
		t.Errorf("expected canonicalized recipient, got %+v", mock.SentMessages)
	}

	err := svc.SendStructuredMedia(context.Background(), "573001112233", models.AssetKindDocument, "https://cdn.example.com/c.pdf", "Catálogo")
	if err != nil {
		t.Fatalf("SendStructuredMedia failed: %v", err)
	}
	if len(mock.SentMedia) != 1 || mock.SentMedia[0].Kind != models.AssetKindDocument {
		t.Errorf("expected media recorded, got %+v", mock.SentMedia)
	}
}

func TestTwilioWebhookEmitsInbound(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())

	form := url.Values{}
	form.Set("From", "whatsapp:+573001112233")
	form.Set("Body", "quiero el catálogo")
	form.Set("MessageSid", "SM123")
	form.Set("ProfileName", "Ana")

	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	svc.TwilioWebhookHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	select {
	case msg := <-svc.Inbound():
		if msg.From != "+573001112233" || msg.Body != "quiero el catálogo" || msg.MessageID != "SM123" {
			t.Errorf("unexpected inbound message: %+v", msg)
		}
	default:
		t.Fatalf("expected inbound message emitted")
	}
}

func TestTwilioWebhookMediaMessage(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())

	form := url.Values{}
	form.Set("From", "whatsapp:+573001112233")
	form.Set("MessageSid", "SM456")
	form.Set("NumMedia", "1")
	form.Set("MediaUrl0", "https://api.twilio.com/media/abc")
	form.Set("MediaContentType0", "image/jpeg")

	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	svc.TwilioWebhookHandler(rec, req)

	select {
	case msg := <-svc.Inbound():
		if msg.Type != "image" || msg.Media == nil || msg.Media.MimeType != "image/jpeg" {
			t.Errorf("unexpected media message: %+v", msg)
		}
	default:
		t.Fatalf("expected inbound message emitted")
	}
}

func TestTwilioWebhookMissingSender(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())

	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader("Body=hola"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	svc.TwilioWebhookHandler(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing sender, got %d", rec.Code)
	}
}

func TestTwilioServiceStoppedRejectsSends(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := svc.SendMessage(context.Background(), "573001112233", "hola"); err != ErrServiceStopped {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}
