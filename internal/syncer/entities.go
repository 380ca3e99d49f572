package syncer

import (
	"encoding/json"
)

// refSpec names a payload field holding a reference to a parent object
// and the table the parent lives in.
type refSpec struct {
	field string
	table string
}

// parentRefs drives the opt-in parent backfill: before writing a child,
// referenced parents missing from the mirror are fetched and written
// first. Referential integrity is preserved without foreign keys.
var parentRefs = map[string][]refSpec{
	"price":             {{"product", "products"}},
	"plan":              {{"product", "products"}},
	"subscription":      {{"customer", "customers"}},
	"invoice":           {{"customer", "customers"}, {"subscription", "subscriptions"}},
	"charge":            {{"customer", "customers"}, {"invoice", "invoices"}},
	"setup_intent":      {{"customer", "customers"}},
	"payment_method":    {{"customer", "customers"}},
	"payment_intent":    {{"customer", "customers"}, {"invoice", "invoices"}},
	"tax_id":            {{"customer", "customers"}},
	"credit_note":       {{"customer", "customers"}, {"invoice", "invoices"}},
	"dispute":           {{"charge", "charges"}},
	"early_fraud_warning": {{"charge", "charges"}},
	"refund":            {{"charge", "charges"}},
	"checkout_sessions": {
		{"customer", "customers"},
		{"subscription", "subscriptions"},
		{"payment_intent", "payment_intents"},
		{"invoice", "invoices"},
	},
}

// refID extracts the parent id held in a payload field. Stripe renders
// references either as a bare id string or as an expanded object with an
// id; both forms resolve, anything else is ignored.
func refID(payload json.RawMessage, field string) string {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return ""
	}
	raw, ok := m[field]
	if !ok || len(raw) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// payloadID extracts the object's own id.
func payloadID(payload json.RawMessage) string {
	var meta struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &meta); err != nil {
		return ""
	}
	return meta.ID
}
