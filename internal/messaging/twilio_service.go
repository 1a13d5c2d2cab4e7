package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Insuapliques/Chatbot/internal/models"
	"github.com/Insuapliques/Chatbot/internal/twiliowhatsapp"
)

// TwilioService implements the Service interface using the Twilio API.
// Inbound traffic arrives through TwilioWebhookHandler.
type TwilioService struct {
	client  twiliowhatsapp.Sender // real Twilio client or MockClient
	inbound chan models.InboundMessage
	done    chan struct{}
	mu      sync.RWMutex
	stopped bool
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a new TwilioService.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{
		client:  client,
		inbound: make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:    make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp
// phone number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizeRecipient(recipient)
}

// Start is a no-op for Twilio; inbound traffic comes through the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.inbound)
	}()
	return nil
}

// SendMessage sends a text message via Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}
	return s.client.SendMessage(ctx, "+"+canonical, body)
}

// SendStructuredMedia sends a media asset via Twilio.
func (s *TwilioService) SendStructuredMedia(ctx context.Context, to string, kind models.AssetKind, url, caption string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendStructuredMedia validation error", "error", err, "to", to)
		return err
	}
	return s.client.SendStructuredMedia(ctx, "+"+canonical, kind, url, caption)
}

// Inbound returns the channel of incoming customer messages.
func (s *TwilioService) Inbound() <-chan models.InboundMessage {
	return s.inbound
}

// TwilioWebhookHandler handles inbound Twilio webhook requests and emits
// them into the Inbound() channel.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := strings.TrimPrefix(r.FormValue("From"), "whatsapp:")
	body := r.FormValue("Body")
	messageSid := r.FormValue("MessageSid")

	if from == "" {
		slog.Warn("Twilio webhook missing sender", "messageSid", messageSid)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	msg := models.InboundMessage{
		From:      from,
		MessageID: messageSid,
		Type:      "text",
		Body:      body,
		PushName:  r.FormValue("ProfileName"),
		Timestamp: time.Now().UTC(),
	}
	if r.FormValue("NumMedia") != "" && r.FormValue("NumMedia") != "0" {
		mediaType := r.FormValue("MediaContentType0")
		msg.Type = mediaTypeCategory(mediaType)
		msg.Media = &models.MediaRef{
			ID:       r.FormValue("MediaUrl0"),
			MimeType: mediaType,
		}
	}

	slog.Info("Inbound WhatsApp message from Twilio", "from", msg.From, "type", msg.Type)
	s.safeEmitInbound(msg)

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func mediaTypeCategory(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	default:
		return "document"
	}
}

// safeEmitInbound pushes inbound messages without blocking the webhook.
func (s *TwilioService) safeEmitInbound(msg models.InboundMessage) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("TwilioService dropping inbound message (service stopped)", "from", msg.From)
		return
	}

	select {
	case s.inbound <- msg:
		slog.Debug("TwilioService emitted inbound message", "from", msg.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService inbound channel blocked, dropping message", "from", msg.From)
	}
}
