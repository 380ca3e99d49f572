// Package registry is the static catalog of every Stripe object type the
// engine can mirror. It is the single source of truth for the set of
// supported objects, the order a full backfill visits them in, and the
// order cascade deletion walks them in (reverse, accounts last).
package registry

import (
	"fmt"
	"sort"
)

// SigmaColumn describes one cursor column of a Sigma-backed table.
type SigmaColumn struct {
	Name string
	// Type is the SQL type the cursor value is compared as ("bigint",
	// "text", "timestamp").
	Type string
}

// SigmaConfig configures ingestion of an object that has no list endpoint
// and is instead exported through Stripe Sigma.
type SigmaConfig struct {
	// Query is the Sigma SQL template; cursor predicates are appended by
	// the backfill controller.
	Query string
	// Table is the destination table for parsed rows.
	Table string
	// CursorColumns order rows and checkpoint progress.
	CursorColumns []SigmaColumn
	PageSize      int
	// TimestampProtected selects the upsert policy for parsed rows.
	TimestampProtected bool
}

// Resource is one syncable Stripe object type.
type Resource struct {
	// Name is the registry key, also the queue message payload.
	Name string
	// Table is the destination table name (without schema).
	Table string
	// Order positions the resource in a full backfill; parents sort
	// before children.
	Order int
	// ListPath is the Stripe list endpoint, e.g. "/v1/products".
	ListPath string
	// SupportsCreatedFilter is false for entities whose list endpoint
	// cannot filter by created (payment methods, tax ids) and for
	// Sigma-backed tables.
	SupportsCreatedFilter bool
	// ParentColumn names the parent-id column for child tables
	// (subscription_items, checkout_session_line_items); empty otherwise.
	ParentColumn string
	Sigma        *SigmaConfig
}

// RetrievePath returns the Stripe retrieve endpoint for a single object.
func (r Resource) RetrievePath(id string) string {
	return r.ListPath + "/" + id
}

var resources = []Resource{
	{Name: "product", Table: "products", Order: 10, ListPath: "/v1/products", SupportsCreatedFilter: true},
	{Name: "price", Table: "prices", Order: 20, ListPath: "/v1/prices", SupportsCreatedFilter: true},
	{Name: "plan", Table: "plans", Order: 30, ListPath: "/v1/plans", SupportsCreatedFilter: true},
	{Name: "customer", Table: "customers", Order: 40, ListPath: "/v1/customers", SupportsCreatedFilter: true},
	{Name: "subscription", Table: "subscriptions", Order: 50, ListPath: "/v1/subscriptions", SupportsCreatedFilter: true},
	{Name: "subscription_schedules", Table: "subscription_schedules", Order: 60, ListPath: "/v1/subscription_schedules", SupportsCreatedFilter: true},
	{Name: "invoice", Table: "invoices", Order: 70, ListPath: "/v1/invoices", SupportsCreatedFilter: true},
	{Name: "charge", Table: "charges", Order: 80, ListPath: "/v1/charges", SupportsCreatedFilter: true},
	{Name: "setup_intent", Table: "setup_intents", Order: 90, ListPath: "/v1/setup_intents", SupportsCreatedFilter: true},
	{Name: "payment_method", Table: "payment_methods", Order: 100, ListPath: "/v1/payment_methods", SupportsCreatedFilter: false},
	{Name: "payment_intent", Table: "payment_intents", Order: 110, ListPath: "/v1/payment_intents", SupportsCreatedFilter: true},
	{Name: "tax_id", Table: "tax_ids", Order: 120, ListPath: "/v1/tax_ids", SupportsCreatedFilter: false},
	{Name: "credit_note", Table: "credit_notes", Order: 130, ListPath: "/v1/credit_notes", SupportsCreatedFilter: true},
	{Name: "dispute", Table: "disputes", Order: 140, ListPath: "/v1/disputes", SupportsCreatedFilter: true},
	{Name: "early_fraud_warning", Table: "early_fraud_warnings", Order: 150, ListPath: "/v1/radar/early_fraud_warnings", SupportsCreatedFilter: true},
	{Name: "refund", Table: "refunds", Order: 160, ListPath: "/v1/refunds", SupportsCreatedFilter: true},
	{Name: "checkout_sessions", Table: "checkout_sessions", Order: 170, ListPath: "/v1/checkout/sessions", SupportsCreatedFilter: true},
	{
		Name: "subscription_item_change_events_v2_beta", Table: "subscription_item_change_events", Order: 180,
		SupportsCreatedFilter: false,
		Sigma: &SigmaConfig{
			Query: "select * from subscription_item_change_events_v2_beta",
			Table: "subscription_item_change_events",
			CursorColumns: []SigmaColumn{
				{Name: "event_timestamp", Type: "timestamp"},
				{Name: "subscription_item_id", Type: "text"},
			},
			PageSize:           100,
			TimestampProtected: false,
		},
	},
	{
		Name: "exchange_rates_from_usd", Table: "exchange_rates_from_usd", Order: 190,
		SupportsCreatedFilter: false,
		Sigma: &SigmaConfig{
			Query: "select * from exchange_rates_from_usd",
			Table: "exchange_rates_from_usd",
			CursorColumns: []SigmaColumn{
				{Name: "date", Type: "text"},
			},
			PageSize:           100,
			TimestampProtected: false,
		},
	},
}

// Child tables written as side effects of their parent's upsert. They take
// part in cascade deletion but are not backfilled directly.
var childTables = []struct {
	Table        string
	ParentColumn string
}{
	{Table: "subscription_items", ParentColumn: "subscription"},
	{Table: "checkout_session_line_items", ParentColumn: "checkout_session"},
	{Table: "entitlements", ParentColumn: ""},
}

// All returns every registered resource in backfill order.
func All() []Resource {
	out := make([]Resource, len(resources))
	copy(out, resources)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Backfillable returns the resources visited by a full backfill. Sigma
// resources are included only when sigma ingestion is enabled.
func Backfillable(sigmaEnabled bool) []Resource {
	var out []Resource
	for _, r := range All() {
		if r.Sigma != nil && !sigmaEnabled {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Lookup returns the resource registered under name.
func Lookup(name string) (Resource, error) {
	for _, r := range resources {
		if r.Name == name {
			return r, nil
		}
	}
	return Resource{}, fmt.Errorf("unknown object type %q", name)
}

// LookupByTable returns the resource whose destination table is table.
func LookupByTable(table string) (Resource, error) {
	for _, r := range resources {
		if r.Table == table {
			return r, nil
		}
	}
	return Resource{}, fmt.Errorf("no resource for table %q", table)
}

// DeletionOrder returns the table names an account cascade-delete visits,
// children first, customers late, the accounts row handled separately by
// the caller as the final delete.
func DeletionOrder() []string {
	ordered := All()
	out := make([]string, 0, len(ordered)+len(childTables))
	for _, c := range childTables {
		out = append(out, c.Table)
	}
	for i := len(ordered) - 1; i >= 0; i-- {
		out = append(out, ordered[i].Table)
	}
	return out
}
