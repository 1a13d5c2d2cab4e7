package models

import (
	"time"
)

// StateDocument is the raw JSON document persisted per phone. Two historical
// field-naming schemes coexist across live documents: the current Spanish
// field names (estadoActual, catalogoEnviado, ...) and an older English flow
// schema (state, has_sent_catalog, ...). Reads reconcile both; writes keep
// both in sync so older tooling that still reads the legacy keys keeps
// working.
type StateDocument map[string]any

// Spanish phase names stored in estadoActual. The older schema stored the
// English names directly in "state".
const (
	legacyPhaseCatalogSent   = "CATALOGO_ENVIADO"
	legacyPhaseQuote         = "COTIZACION"
	legacyPhaseConfirmation  = "CONFIRMACION"
	legacyPhaseClosing       = "CIERRE"
	legacyPhasePostOrder     = "POST_ORDER"
	legacyPhaseAssistedSelec = "ASSISTED_SELECTION"
	legacyPhaseOrderProgress = "ORDER_IN_PROGRESS"
)

// canonicalPhase maps any phase spelling found in stored documents, from
// either schema, to the canonical Phase. Unknown values fall back to
// GREETING so a corrupt document never wedges a conversation.
func canonicalPhase(raw string) Phase {
	switch raw {
	case string(PhaseGreeting), "SALUDO":
		return PhaseGreeting
	case string(PhaseDiscovery), "DESCUBRIMIENTO":
		return PhaseDiscovery
	case string(PhaseCatalogSent), legacyPhaseCatalogSent:
		return PhaseCatalogSent
	case string(PhaseConfirmation), legacyPhaseConfirmation, legacyPhaseQuote, legacyPhaseAssistedSelec, legacyPhaseOrderProgress:
		return PhaseConfirmation
	case string(PhaseClosing), legacyPhaseClosing, legacyPhasePostOrder:
		return PhaseClosing
	default:
		return PhaseGreeting
	}
}

// spanishPhase returns the estadoActual spelling for a canonical phase.
func spanishPhase(p Phase) string {
	switch p {
	case PhaseCatalogSent:
		return legacyPhaseCatalogSent
	case PhaseConfirmation:
		return legacyPhaseConfirmation
	case PhaseClosing:
		return legacyPhaseClosing
	default:
		return string(p)
	}
}

func docString(doc StateDocument, key string) (string, bool) {
	v, ok := doc[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func docBool(doc StateDocument, key string) (bool, bool) {
	v, ok := doc[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func docInt(doc StateDocument, key string) (int, bool) {
	switch v := doc[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// docTime parses a stored timestamp. Documents carry RFC 3339 strings;
// some legacy writers stored epoch milliseconds as numbers.
func docTime(doc StateDocument, key string) (*time.Time, bool) {
	switch v := doc[key].(type) {
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, false
		}
		return &t, true
	case float64:
		t := time.UnixMilli(int64(v)).UTC()
		return &t, true
	case int64:
		t := time.UnixMilli(v).UTC()
		return &t, true
	default:
		return nil, false
	}
}

// MergeLegacyFields reconciles a stored document into a ChatState. Current
// Spanish field names win over the older flow-schema keys when both are
// present.
func MergeLegacyFields(phone string, doc StateDocument) ChatState {
	st := DefaultChatState(phone)
	if doc == nil {
		return st
	}

	if s, ok := docString(doc, "estadoActual"); ok {
		st.Phase = canonicalPhase(s)
	} else if s, ok := docString(doc, "state"); ok {
		st.Phase = canonicalPhase(s)
	}

	if s, ok := docString(doc, "productoActual"); ok {
		st.CurrentProduct = s
	}
	if b, ok := docBool(doc, "catalogoEnviado"); ok {
		st.CatalogSent = b
	} else if b, ok := docBool(doc, "has_sent_catalog"); ok {
		st.CatalogSent = b
	}
	if b, ok := docBool(doc, "catalogListShown"); ok {
		st.CatalogListShown = b
	}
	if b, ok := docBool(doc, "pedidoEnProceso"); ok {
		st.OrderInProgress = b
	}
	if s, ok := docString(doc, "ultimoIntent"); ok {
		st.LastIntent = s
	} else if s, ok := docString(doc, "last_intent"); ok {
		st.LastIntent = s
	}
	if t, ok := docTime(doc, "ultimoCambio"); ok {
		st.LastChangeAt = t
	}
	if s, ok := docString(doc, "ultimoMessageId"); ok {
		st.LastMessageID = s
	}
	if s, ok := docString(doc, "catalogoRef"); ok {
		st.CatalogRef = s
	}
	if t, ok := docTime(doc, "catalogoEnviadoAt"); ok {
		st.CatalogSentAt = t
	}
	if n, ok := docInt(doc, "catalogoReintentos"); ok {
		st.CatalogResendAttempts = n
	}
	if b, ok := docBool(doc, "modoHumano"); ok {
		st.HumanMode = b
	}
	if t, ok := docTime(doc, "ultimoContacto"); ok {
		st.LastContactAt = t
	}
	if n, ok := docInt(doc, "lastAiLatencyMs"); ok {
		st.LastAILatencyMs = int64(n)
	}
	if b, ok := docBool(doc, "lastAiUsedFallback"); ok {
		st.LastAIUsedFallback = b
	}

	if slots, ok := doc["slots"].(map[string]any); ok {
		st.Slots = make(map[string]string, len(slots))
		for k, v := range slots {
			if s, ok := v.(string); ok {
				st.Slots[k] = s
			}
		}
	}

	if flags, ok := doc["flags"].(map[string]any); ok {
		if b, ok := flags["saludoHecho"].(bool); ok {
			st.Flags.Greeted = b
		}
		if b, ok := flags["nombreCapturado"].(bool); ok {
			st.Flags.NameCaptured = b
		}
	}

	return st
}

// ApplyPatch merges a StatePatch into a stored document, writing both the
// current Spanish keys and their legacy flow-schema aliases so every reader
// sees a consistent view. Keys absent from the patch are left untouched.
func ApplyPatch(doc StateDocument, patch StatePatch) StateDocument {
	if doc == nil {
		doc = StateDocument{}
	}

	if patch.Phase != nil {
		doc["estadoActual"] = spanishPhase(*patch.Phase)
		doc["state"] = string(*patch.Phase)
	}
	if patch.CurrentProduct != nil {
		doc["productoActual"] = *patch.CurrentProduct
	}
	if patch.CatalogSent != nil {
		doc["catalogoEnviado"] = *patch.CatalogSent
		doc["has_sent_catalog"] = *patch.CatalogSent
	}
	if patch.CatalogListShown != nil {
		doc["catalogListShown"] = *patch.CatalogListShown
	}
	if patch.OrderInProgress != nil {
		doc["pedidoEnProceso"] = *patch.OrderInProgress
	}
	if patch.LastIntent != nil {
		doc["ultimoIntent"] = *patch.LastIntent
		doc["last_intent"] = *patch.LastIntent
	}
	if patch.LastChangeAt != nil {
		doc["ultimoCambio"] = patch.LastChangeAt.UTC().Format(time.RFC3339Nano)
	}
	if patch.LastMessageID != nil {
		doc["ultimoMessageId"] = *patch.LastMessageID
	}
	if patch.CatalogRef != nil {
		doc["catalogoRef"] = *patch.CatalogRef
	}
	if patch.CatalogSentAt != nil {
		doc["catalogoEnviadoAt"] = patch.CatalogSentAt.UTC().Format(time.RFC3339Nano)
	}
	if patch.CatalogResendAttempts != nil {
		doc["catalogoReintentos"] = *patch.CatalogResendAttempts
	}
	if patch.HumanMode != nil {
		doc["modoHumano"] = *patch.HumanMode
	}
	if patch.LastContactAt != nil {
		doc["ultimoContacto"] = patch.LastContactAt.UTC().Format(time.RFC3339Nano)
	}
	if patch.LastAILatencyMs != nil {
		doc["lastAiLatencyMs"] = *patch.LastAILatencyMs
	}
	if patch.LastAIUsedFallback != nil {
		doc["lastAiUsedFallback"] = *patch.LastAIUsedFallback
	}

	if patch.Greeted != nil || patch.NameCaptured != nil {
		flags, _ := doc["flags"].(map[string]any)
		if flags == nil {
			flags = map[string]any{}
		}
		if patch.Greeted != nil {
			flags["saludoHecho"] = *patch.Greeted
		}
		if patch.NameCaptured != nil {
			flags["nombreCapturado"] = *patch.NameCaptured
		}
		doc["flags"] = flags
	}

	if patch.Slots != nil {
		slots, _ := doc["slots"].(map[string]any)
		if slots == nil {
			slots = map[string]any{}
		}
		for k, v := range patch.Slots {
			slots[k] = v
		}
		doc["slots"] = slots
	}

	if patch.Operator != nil {
		doc["operador"] = map[string]any{
			"id":     patch.Operator.ID,
			"nombre": patch.Operator.Name,
		}
	}
	if patch.HandoffReason != nil {
		doc["handoffReason"] = *patch.HandoffReason
	}
	if patch.HandoffMetadata != nil {
		doc["handoffMetadata"] = patch.HandoffMetadata
	}

	return doc
}
