// Package models defines the core data structures for the Insuapliques chatbot.
//
// It includes the canonical conversation state, catalog entries, chat history
// records and audit event kinds shared across modules.
package models

import (
	"errors"
	"strings"
	"time"
)

// Phase identifies the position of a conversation in the guided sales flow.
type Phase string

const (
	PhaseGreeting     Phase = "GREETING"
	PhaseDiscovery    Phase = "DISCOVERY"
	PhaseCatalogSent  Phase = "CATALOG_SENT"
	PhaseConfirmation Phase = "CONFIRMATION"
	PhaseClosing      Phase = "CLOSING"
)

// IsValidPhase checks whether p is one of the known conversation phases.
func IsValidPhase(p Phase) bool {
	switch p {
	case PhaseGreeting, PhaseDiscovery, PhaseCatalogSent, PhaseConfirmation, PhaseClosing:
		return true
	default:
		return false
	}
}

// PhaseRank orders phases along the sales funnel. Lower ranks come earlier.
// Unknown phases rank before GREETING.
func PhaseRank(p Phase) int {
	switch p {
	case PhaseGreeting:
		return 1
	case PhaseDiscovery:
		return 2
	case PhaseCatalogSent:
		return 3
	case PhaseConfirmation:
		return 4
	case PhaseClosing:
		return 5
	default:
		return 0
	}
}

// Error variables for better error handling and testability
var (
	ErrEmptyPhone       = errors.New("phone cannot be empty")
	ErrProviderNotReady = errors.New("outbound provider not initialized")
	ErrUnknownAssetKind = errors.New("unknown catalog asset kind")
	ErrNoCatalogEntries = errors.New("no catalog entries available")
)

// Flags holds onboarding milestones for a conversation.
type Flags struct {
	Greeted      bool `json:"saludoHecho"`
	NameCaptured bool `json:"nombreCapturado"`
}

// ChatState is the canonical per-user conversation record, keyed by phone
// number. It is reconciled from the persisted document (which may carry two
// historical field-naming schemes) by MergeLegacyFields.
type ChatState struct {
	Phone                 string
	Phase                 Phase
	CurrentProduct        string
	CatalogSent           bool
	CatalogListShown      bool
	OrderInProgress       bool
	LastIntent            string
	LastChangeAt          *time.Time
	LastMessageID         string
	CatalogRef            string
	CatalogSentAt         *time.Time
	CatalogResendAttempts int
	HumanMode             bool
	Flags                 Flags
	LastContactAt         *time.Time
	LastAILatencyMs       int64
	LastAIUsedFallback    bool
	Slots                 map[string]string
}

// DefaultChatState returns the seed record created lazily on first contact.
func DefaultChatState(phone string) ChatState {
	return ChatState{
		Phone: phone,
		Phase: PhaseGreeting,
	}
}

// Operator identifies the human operator attached to a handoff.
type Operator struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"nombre,omitempty"`
}

// StatePatch is a merge-write against a ChatState document. Only non-nil
// fields are applied; everything else in the stored document is preserved.
type StatePatch struct {
	Phase                 *Phase
	CurrentProduct        *string
	CatalogSent           *bool
	CatalogListShown      *bool
	OrderInProgress       *bool
	LastIntent            *string
	LastChangeAt          *time.Time
	LastMessageID         *string
	CatalogRef            *string
	CatalogSentAt         *time.Time
	CatalogResendAttempts *int
	HumanMode             *bool
	Greeted               *bool
	NameCaptured          *bool
	LastContactAt         *time.Time
	LastAILatencyMs       *int64
	LastAIUsedFallback    *bool
	Operator              *Operator
	HandoffReason         *string
	HandoffMetadata       map[string]any
	// Slots merge key-by-key into the stored slot map.
	Slots map[string]string
}

// Ptr returns a pointer to v, for building StatePatch literals.
func Ptr[T any](v T) *T {
	return &v
}

// AssetKind describes how a catalog entry is delivered.
type AssetKind string

const (
	AssetKindDocument AssetKind = "document"
	AssetKindImage    AssetKind = "image"
	AssetKindVideo    AssetKind = "video"
	AssetKindLink     AssetKind = "link"
	AssetKindText     AssetKind = "text"
)

// CatalogEntry is the normalized shape of a product/brochure document.
// Keywords is always non-empty; raw documents that cannot produce at least
// one keyword are dropped at ingestion.
type CatalogEntry struct {
	ID           string
	Keywords     []string
	ResponseText string
	AssetKind    AssetKind
	AssetURL     string
}

// PrimaryKeyword returns the first keyword, used as the catalog reference
// stored in state and shown in the catalog list message.
func (e CatalogEntry) PrimaryKeyword() string {
	if len(e.Keywords) == 0 {
		return ""
	}
	return e.Keywords[0]
}

// CatalogDoc is a raw product document as persisted, before normalization.
// Field casing and keyword storage (string vs array) vary across documents.
type CatalogDoc struct {
	ID     string
	Fields map[string]any
}

// Message origins for chat history records.
const (
	OriginCustomer = "cliente"
	OriginBot      = "bot"
	OriginOperator = "operador"
)

// ChatMessage is a single persisted conversation history record.
type ChatMessage struct {
	ID        string    `json:"id"`
	Phone     string    `json:"user"`
	Text      string    `json:"text"`
	FileURL   string    `json:"fileUrl,omitempty"`
	FileType  string    `json:"fileType"`
	Origin    string    `json:"origen"`
	Timestamp time.Time `json:"timestamp"`
}

// MediaRef points at an inbound media attachment held by the provider.
type MediaRef struct {
	ID       string
	MimeType string
	Filename string
}

// InboundMessage is the normalized inbound event shape delivered by a
// messaging provider.
type InboundMessage struct {
	From      string
	MessageID string
	Type      string // "text", "image", "audio", "video", "document"
	Body      string
	PushName  string
	Media     *MediaRef
	Timestamp time.Time
}

// Text returns the trimmed message body.
func (m InboundMessage) Text() string {
	return strings.TrimSpace(m.Body)
}

// StateTransition is an append-only log record written whenever a
// conversation changes phase. It is audit-only; the core never reads it back.
type StateTransition struct {
	Phone      string    `json:"phone"`
	FromPhase  Phase     `json:"from"`
	ToPhase    Phase     `json:"to"`
	Intent     string    `json:"intent"`
	OccurredAt time.Time `json:"at"`
}

// Audit event kinds. The tags match the upstream log collections so existing
// dashboards keep working.
const (
	AuditDedupSkipped          = "dedupSkipped"
	AuditStateTransitions      = "stateTransitions"
	AuditCatalogSent           = "catalogSent"
	AuditCatalogResendBlocked  = "catalogResendBlocked"
	AuditSendSuppressedByHuman = "sendSuppressedByHuman"
	AuditSendFailures          = "sendFailures"
	AuditHandoff               = "handoff"
)

// ToolCall is a structured tool invocation reported by the AI agent.
type ToolCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Result    string `json:"result"`
}

// AgentResult is the opaque outcome of an AI agent invocation. The core only
// relays Text and records the bookkeeping fields.
type AgentResult struct {
	Text         string     `json:"text"`
	ToolCalls    []ToolCall `json:"toolCalls,omitempty"`
	LatencyMs    int64      `json:"latencyMs"`
	UsedFallback bool       `json:"usedFallback"`
	Err          string     `json:"error,omitempty"`
}
