package messaging

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/Insuapliques/Chatbot/internal/models"
	"github.com/Insuapliques/Chatbot/internal/whatsapp"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client   whatsapp.Sender
	waClient *whatsapp.Client // access to underlying client for event handling
	inbound  chan models.InboundMessage
	done     chan struct{}
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService creates a new WhatsAppService wrapping the given sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{
		client:  client,
		inbound: make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:    make(chan struct{}),
	}

	// Event handling needs the full client; a mock only covers sends.
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}

	return service
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp
// phone number.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizeRecipient(recipient)
}

// Start begins background event processing.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")
	if s.waClient != nil {
		go s.handleEvents(ctx)
		slog.Debug("WhatsAppService event handler started")
	} else {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
	}
	return nil
}

// Stop stops background processing.
func (s *WhatsAppService) Stop() error {
	slog.Info("WhatsAppService Stop invoked")
	close(s.done)
	close(s.inbound)
	return nil
}

// SendMessage sends a text message.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService SendMessage validation error", "error", err, "to", to)
		return err
	}
	return s.client.SendMessage(ctx, canonical, body)
}

// SendStructuredMedia sends a media asset with caption.
func (s *WhatsAppService) SendStructuredMedia(ctx context.Context, to string, kind models.AssetKind, url, caption string) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService SendStructuredMedia validation error", "error", err, "to", to)
		return err
	}
	return s.client.SendStructuredMedia(ctx, canonical, kind, url, caption)
}

// Inbound returns the channel of incoming customer messages.
func (s *WhatsAppService) Inbound() <-chan models.InboundMessage {
	return s.inbound
}

// handleEvents registers the whatsmeow event handler and forwards messages
// into the inbound channel until the context is cancelled.
func (s *WhatsAppService) handleEvents(ctx context.Context) {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Error("WhatsAppService handleEvents: no client available")
		return
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(v)
		default:
			// Receipts, presence and connection events are not used.
		}
	})
	slog.Debug("WhatsAppService event handler registered")

	<-ctx.Done()
	slog.Debug("WhatsAppService handleEvents stopping due to context cancellation")
}

// handleIncomingMessage normalizes a whatsmeow message event. Own messages
// and group chats are skipped; text and media messages both flow through.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}

	msg := models.InboundMessage{
		From:      canonicalFrom(evt.Info.Sender.User),
		MessageID: string(evt.Info.ID),
		Type:      "text",
		Timestamp: evt.Info.Timestamp,
		PushName:  evt.Info.PushName,
	}

	switch {
	case evt.Message.Conversation != nil:
		msg.Body = *evt.Message.Conversation
	case evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil:
		msg.Body = *evt.Message.ExtendedTextMessage.Text
	case evt.Message.ImageMessage != nil:
		msg.Type = "image"
		msg.Body = evt.Message.ImageMessage.GetCaption()
		msg.Media = &models.MediaRef{ID: string(evt.Info.ID), MimeType: evt.Message.ImageMessage.GetMimetype()}
	case evt.Message.DocumentMessage != nil:
		msg.Type = "document"
		msg.Body = evt.Message.DocumentMessage.GetCaption()
		msg.Media = &models.MediaRef{
			ID:       string(evt.Info.ID),
			MimeType: evt.Message.DocumentMessage.GetMimetype(),
			Filename: evt.Message.DocumentMessage.GetFileName(),
		}
	case evt.Message.AudioMessage != nil:
		msg.Type = "audio"
		msg.Media = &models.MediaRef{ID: string(evt.Info.ID), MimeType: evt.Message.AudioMessage.GetMimetype()}
	case evt.Message.VideoMessage != nil:
		msg.Type = "video"
		msg.Body = evt.Message.VideoMessage.GetCaption()
		msg.Media = &models.MediaRef{ID: string(evt.Info.ID), MimeType: evt.Message.VideoMessage.GetMimetype()}
	default:
		slog.Debug("WhatsAppService ignoring unsupported message type", "from", evt.Info.Sender.String())
		return
	}

	select {
	case s.inbound <- msg:
		slog.Info("WhatsAppService inbound message forwarded", "from", msg.From, "type", msg.Type)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService inbound channel blocked, dropping message", "from", msg.From, "timeout", DefaultChannelTimeout)
	}
}

func canonicalFrom(user string) string {
	digits := strings.TrimSpace(user)
	if digits == "" {
		return ""
	}
	if !strings.HasPrefix(digits, "+") {
		digits = "+" + digits
	}
	return digits
}
