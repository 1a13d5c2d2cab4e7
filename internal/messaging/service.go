// Package messaging provides pluggable WhatsApp delivery backends. Both the
// Whatsmeow bridge and the Twilio REST backend normalize inbound traffic
// into models.InboundMessage and expose the same outbound surface.
package messaging

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/Insuapliques/Chatbot/internal/models"
)

// Constants for service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for inbound channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when sending through a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a
	// recipient identifier into bare digits.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a text message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// SendStructuredMedia sends a document, image, video or link asset.
	SendStructuredMedia(ctx context.Context, to string, kind models.AssetKind, url, caption string) error

	// Start begins any background processing (e.g., event polling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Inbound returns the channel of incoming customer messages.
	Inbound() <-chan models.InboundMessage
}

// canonicalizeRecipient strips non-digits and validates minimum length.
func canonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyPhone
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", errors.New("invalid phone number: no digits found")
	}
	if len(canonical) < 6 {
		return "", errors.New("invalid phone number: too short")
	}
	return canonical, nil
}
