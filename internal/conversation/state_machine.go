package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Insuapliques/Chatbot/internal/audit"
	"github.com/Insuapliques/Chatbot/internal/models"
	"github.com/Insuapliques/Chatbot/internal/store"
	"github.com/Insuapliques/Chatbot/internal/textutil"
)

// DefaultThrottleWindow suppresses a repeated canned response when the same
// intent fires again within the window.
const DefaultThrottleWindow = 90 * time.Second

// Intent tags recorded in state and the transition log.
const (
	IntentGreeting         = "SALUDO"
	IntentOrderSummary     = "RESUMEN_PEDIDO"
	IntentPositiveConfirm  = "CONFIRMACION_POSITIVA"
	IntentNegativeConfirm  = "CONFIRMACION_NEGATIVA"
	IntentProductDiscovery = "PRODUCTO"
)

// Canned responses. Wording is customer-facing and must stay in sync with
// the operator playbook.
const (
	greetingText       = "¡Hola! Soy tu asistente de Mimétisa. ¿En qué puedo ayudarte hoy?"
	positiveCloseText  = "Perfecto, procederemos con tu pedido. Te contactaremos a la brevedad para los siguientes pasos."
	negativeAdjustText = "Entendido. Indícame los cambios y ajustamos tu pedido sin problema."
)

var greetingWords = []string{"hola", "buenas", "buenos dias", "buenas tardes", "buenas noches", "saludos"}

// Product vocabulary recognized by the deterministic flow. Singular forms
// double as substrings of the plural.
var productWords = []string{"camisetas", "camiseta", "chompas", "chompa", "joggers", "jogger", "pantalonetas", "pantaloneta"}

// Detail extraction over normalized text (lowercase, accent-free).
var (
	quantityRe = regexp.MustCompile(`\b(\d{1,3})\b(?:\s*(?:unidades|unidad|uds|ud|piezas|pieza|pz))?`)
	sizeRe     = regexp.MustCompile(`\btalla\s+([a-z0-9]{1,4})\b`)
	colorRe    = regexp.MustCompile(`\bcolor\s+(?:es\s+)?([a-z]+)\b`)
	priceRe    = regexp.MustCompile(`\b(precio|precios|vale|cuesta|costo|cotiza|cotizacion)\b`)
	positiveRe = regexp.MustCompile(`\b(si|correcto|correcta|confirmo|asi es|de acuerdo|perfecto)\b`)
	negativeRe = regexp.MustCompile(`\b(no|cambia|cambiar|modificar|otra cosa)\b`)
)

// Sender delivers outbound text to the customer.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) error
}

// Machine is the deterministic conversation flow. It recognizes greetings,
// product mentions, order details and confirmations, replies with canned
// Spanish responses and advances the conversation phase. Anything it does
// not recognize falls through to the AI agent.
type Machine struct {
	states      store.StateStore
	history     store.HistoryRepo
	transitions store.TransitionRepo
	audit       audit.Sink
	sender      Sender

	throttle time.Duration
	now      func() time.Time
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithThrottleWindow overrides the same-intent suppression window.
func WithThrottleWindow(d time.Duration) MachineOption {
	return func(m *Machine) {
		m.throttle = d
	}
}

// WithMachineClock overrides the time source, for tests.
func WithMachineClock(now func() time.Time) MachineOption {
	return func(m *Machine) {
		m.now = now
	}
}

func NewMachine(st store.Store, auditSink audit.Sink, sender Sender, opts ...MachineOption) *Machine {
	m := &Machine{
		states:      st,
		history:     st,
		transitions: st,
		audit:       auditSink,
		sender:      sender,
		throttle:    DefaultThrottleWindow,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// orderDetails holds slot values extracted from one message.
type orderDetails struct {
	Quantity string
	Size     string
	Color    string
	PriceAsk bool
}

func (d orderDetails) any() bool {
	return d.Quantity != "" || d.Size != "" || d.Color != "" || d.PriceAsk
}

func detectOrderDetails(normalized string) orderDetails {
	var d orderDetails
	if m := quantityRe.FindStringSubmatch(normalized); m != nil {
		d.Quantity = m[1]
	}
	if m := sizeRe.FindStringSubmatch(normalized); m != nil {
		d.Size = m[1]
	}
	if m := colorRe.FindStringSubmatch(normalized); m != nil {
		d.Color = m[1]
	}
	d.PriceAsk = priceRe.MatchString(normalized)
	return d
}

func detectProduct(normalized string) string {
	for _, w := range productWords {
		if strings.Contains(normalized, w) {
			return w
		}
	}
	return ""
}

func isGreeting(normalized string) bool {
	for _, w := range greetingWords {
		if strings.Contains(normalized, w) {
			return true
		}
	}
	return false
}

// Process runs the deterministic flow for one inbound message. It returns
// true when the message was answered here; false hands the message to the
// AI agent.
func (m *Machine) Process(ctx context.Context, phone, text string, st models.ChatState) (bool, error) {
	normalized := textutil.Normalize(text)
	if normalized == "" {
		return false, nil
	}

	// A pending confirmation outranks everything else: "sí" during an
	// order summary must never be re-parsed as something new.
	if st.Phase == models.PhaseConfirmation && st.OrderInProgress {
		if positiveRe.MatchString(normalized) {
			return true, m.respond(ctx, phone, st, IntentPositiveConfirm, positiveCloseText, models.StatePatch{
				Phase:           models.Ptr(models.PhaseClosing),
				OrderInProgress: models.Ptr(false),
			})
		}
		if negativeRe.MatchString(normalized) {
			return true, m.respond(ctx, phone, st, IntentNegativeConfirm, negativeAdjustText, models.StatePatch{})
		}
	}

	if isGreeting(normalized) && !st.Flags.Greeted {
		patch := models.StatePatch{Greeted: models.Ptr(true)}
		if models.PhaseRank(st.Phase) < models.PhaseRank(models.PhaseDiscovery) {
			patch.Phase = models.Ptr(models.PhaseDiscovery)
		}
		return true, m.respond(ctx, phone, st, IntentGreeting, greetingText, patch)
	}

	product := detectProduct(normalized)
	details := detectOrderDetails(normalized)

	currentProduct := st.CurrentProduct
	if product != "" {
		currentProduct = product
	}

	if currentProduct != "" && details.Quantity != "" {
		slots := map[string]string{"cantidad": details.Quantity}
		if details.Size != "" {
			slots["talla"] = details.Size
		}
		if details.Color != "" {
			slots["color"] = details.Color
		}
		if details.PriceAsk {
			slots["precio"] = "solicitado"
		}
		merged := mergeSlots(st.Slots, slots)
		summary := buildOrderSummary(currentProduct, merged)
		patch := models.StatePatch{
			CurrentProduct:  models.Ptr(currentProduct),
			OrderInProgress: models.Ptr(true),
			Phase:           models.Ptr(models.PhaseConfirmation),
			Slots:           slots,
		}
		return true, m.respond(ctx, phone, st, IntentOrderSummary, summary, patch)
	}

	if product != "" {
		patch := models.StatePatch{CurrentProduct: models.Ptr(product)}
		if models.PhaseRank(st.Phase) < models.PhaseRank(models.PhaseDiscovery) {
			patch.Phase = models.Ptr(models.PhaseDiscovery)
		}
		if details.any() {
			patch.Slots = map[string]string{}
			if details.Size != "" {
				patch.Slots["talla"] = details.Size
			}
			if details.Color != "" {
				patch.Slots["color"] = details.Color
			}
		}
		ask := fmt.Sprintf("¡Perfecto! ¿Cuántas unidades de %s necesitas? Cuéntame también la talla y el color.", product)
		return true, m.respond(ctx, phone, st, IntentProductDiscovery, ask, patch)
	}

	return false, nil
}

func mergeSlots(existing, update map[string]string) map[string]string {
	out := make(map[string]string, len(existing)+len(update))
	for k, v := range existing {
		out[k] = v
	}
	for k, v := range update {
		out[k] = v
	}
	return out
}

func buildOrderSummary(product string, slots map[string]string) string {
	var b strings.Builder
	b.WriteString("Tengo el siguiente resumen de tu pedido:\n")
	fmt.Fprintf(&b, "- Producto: %s\n", product)
	fmt.Fprintf(&b, "- Cantidad: %s\n", slots["cantidad"])
	if talla := slots["talla"]; talla != "" {
		fmt.Fprintf(&b, "- Talla: %s\n", talla)
	}
	if color := slots["color"]; color != "" {
		fmt.Fprintf(&b, "- Color: %s\n", color)
	}
	if slots["precio"] != "" {
		b.WriteString("- Incluye solicitud de precio.\n")
	}
	b.WriteString("¿Confirmas que es correcto?")
	return b.String()
}

// throttled reports whether intent fired for this conversation inside the
// suppression window.
func (m *Machine) throttled(st models.ChatState, intent string) bool {
	if st.LastIntent != intent || st.LastChangeAt == nil {
		return false
	}
	return m.now().Sub(*st.LastChangeAt) < m.throttle
}

// respond sends the canned reply, records history, applies the patch and
// logs a transition when the phase actually changes.
func (m *Machine) respond(ctx context.Context, phone string, st models.ChatState, intent, reply string, patch models.StatePatch) error {
	if m.throttled(st, intent) {
		slog.Debug("Machine throttled repeated intent", "phone", phone, "intent", intent)
		return nil
	}

	if err := m.sender.SendMessage(ctx, phone, reply); err != nil {
		return fmt.Errorf("reply send failed for %s: %w", phone, err)
	}
	if err := m.history.AddChatMessage(ctx, models.ChatMessage{
		ID:        uuid.NewString(),
		Phone:     phone,
		Text:      reply,
		FileType:  "text",
		Origin:    models.OriginBot,
		Timestamp: m.now().UTC(),
	}); err != nil {
		slog.Error("Machine history append failed", "error", err, "phone", phone)
	}

	now := m.now().UTC()
	patch.LastIntent = models.Ptr(intent)
	patch.LastChangeAt = models.Ptr(now)

	fromPhase := st.Phase
	updated, err := m.states.UpdateChatState(ctx, phone, func(cur models.ChatState) (models.StatePatch, error) {
		fromPhase = cur.Phase
		// An in-flight order pins the conversation: the phase may only
		// move forward.
		if patch.Phase != nil && cur.OrderInProgress && models.PhaseRank(*patch.Phase) < models.PhaseRank(cur.Phase) {
			patch.Phase = nil
		}
		return patch, nil
	})
	if err != nil {
		return fmt.Errorf("state update failed for %s: %w", phone, err)
	}

	if updated.Phase != fromPhase {
		tr := models.StateTransition{
			Phone:      phone,
			FromPhase:  fromPhase,
			ToPhase:    updated.Phase,
			Intent:     intent,
			OccurredAt: now,
		}
		if err := m.transitions.AddStateTransition(ctx, tr); err != nil {
			slog.Error("Machine transition log failed", "error", err, "phone", phone)
		}
		m.audit.Append(ctx, models.AuditStateTransitions, map[string]any{
			"user":   phone,
			"from":   string(tr.FromPhase),
			"to":     string(tr.ToPhase),
			"intent": intent,
		})
	}
	return nil
}
