package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/stripesync/stripesync/internal/registry"
	"github.com/stripesync/stripesync/internal/store"
	"github.com/stripesync/stripesync/internal/stripeclient"
	"go.uber.org/zap"
)

type upsertFunc func(ctx context.Context, accountID string, items []json.RawMessage, backfillRelated bool, syncedAt time.Time) error

// buildUpsertTable binds every registry object to its upsert entry point.
// Most objects take the generic path; subscriptions, invoices, charges,
// credit notes and checkout sessions carry extra normalization or
// sub-list handling.
func (s *Syncer) buildUpsertTable() map[string]upsertFunc {
	table := make(map[string]upsertFunc)
	for _, res := range registry.All() {
		res := res
		table[res.Name] = func(ctx context.Context, accountID string, items []json.RawMessage, backfillRelated bool, syncedAt time.Time) error {
			return s.genericUpsert(ctx, res, accountID, items, backfillRelated, syncedAt)
		}
	}
	table["subscription"] = s.upsertSubscriptions
	table["invoice"] = s.expandingUpsert("invoice", "lines", func(id string) string { return "/v1/invoices/" + id + "/lines" })
	table["charge"] = s.expandingUpsert("charge", "refunds", func(id string) string { return "/v1/charges/" + id + "/refunds" })
	table["credit_note"] = s.expandingUpsert("credit_note", "lines", func(id string) string { return "/v1/credit_notes/" + id + "/lines" })
	table["checkout_sessions"] = s.upsertCheckoutSessions
	return table
}

// UpsertObjects writes a batch of payloads of one object kind, honoring
// parent backfill, list expansion, and the kind's normalization rules,
// then delegates to the gateway's timestamp-protected upsert.
func (s *Syncer) UpsertObjects(ctx context.Context, object, accountID string, items []json.RawMessage, backfillRelated bool, syncedAt time.Time) error {
	if len(items) == 0 {
		return nil
	}
	fn, ok := s.upserts[object]
	if !ok {
		return fmt.Errorf("no upsert function registered for %q", object)
	}
	return fn(ctx, accountID, items, backfillRelated, syncedAt)
}

// DeleteObject removes one mirrored row of the object kind.
func (s *Syncer) DeleteObject(ctx context.Context, object, id string) (bool, error) {
	res, err := registry.Lookup(object)
	if err != nil {
		return false, err
	}
	return s.store.DeleteByID(ctx, res.Table, id)
}

func (s *Syncer) genericUpsert(ctx context.Context, res registry.Resource, accountID string, items []json.RawMessage, backfillRelated bool, syncedAt time.Time) error {
	if backfillRelated {
		if err := s.backfillParents(ctx, res.Name, accountID, items, syncedAt); err != nil {
			return err
		}
	}
	rows := make([]store.Row, 0, len(items))
	for _, item := range items {
		id := payloadID(item)
		if id == "" {
			s.logger.Warn("skipping payload without id", zap.String("object", res.Name))
			continue
		}
		rows = append(rows, store.Row{ID: id, Payload: item})
	}
	return s.store.UpsertRows(ctx, res.Table, "", accountID, rows, syncedAt)
}

// backfillParents fetches and writes referenced parents that are missing
// from the mirror before the child write lands.
func (s *Syncer) backfillParents(ctx context.Context, object, accountID string, items []json.RawMessage, syncedAt time.Time) error {
	for _, ref := range parentRefs[object] {
		seen := make(map[string]bool)
		var ids []string
		for _, item := range items {
			if id := refID(item, ref.field); id != "" && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			continue
		}

		missing, err := s.store.FindMissingIDs(ctx, ref.table, ids)
		if err != nil {
			return err
		}
		if len(missing) == 0 {
			continue
		}

		parentRes, err := registry.LookupByTable(ref.table)
		if err != nil {
			return err
		}
		var parents []json.RawMessage
		for _, id := range missing {
			raw, err := s.stripe.Retrieve(ctx, parentRes.RetrievePath(id))
			if err != nil {
				if stripeclient.IsResourceMissing(err) {
					continue
				}
				return err
			}
			parents = append(parents, raw)
		}
		// Parents backfill their own parents no further; one level keeps
		// the recursion bounded.
		if err := s.UpsertObjects(ctx, parentRes.Name, accountID, parents, false, syncedAt); err != nil {
			return err
		}
	}
	return nil
}

// expandingUpsert wraps the generic path with sub-list expansion: when a
// payload carries a truncated list under field, the sub-resource is
// paginated fully and spliced back before the write.
func (s *Syncer) expandingUpsert(object, field string, pathFor func(id string) string) upsertFunc {
	return func(ctx context.Context, accountID string, items []json.RawMessage, backfillRelated bool, syncedAt time.Time) error {
		res, err := registry.Lookup(object)
		if err != nil {
			return err
		}
		if s.cfg.AutoExpandLists {
			for i, item := range items {
				expanded, err := s.expandTruncatedList(ctx, item, field, pathFor, nil)
				if err != nil {
					return err
				}
				items[i] = expanded
			}
		}
		return s.genericUpsert(ctx, res, accountID, items, backfillRelated, syncedAt)
	}
}

// expandTruncatedList paginates the sub-resource of one payload until
// has_more is false and replaces the embedded list in place.
func (s *Syncer) expandTruncatedList(ctx context.Context, item json.RawMessage, field string, pathFor func(id string) string, extra url.Values) (json.RawMessage, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(item, &payload); err != nil {
		return item, nil
	}
	raw, ok := payload[field]
	if !ok {
		return item, nil
	}
	var sub struct {
		Data    []json.RawMessage `json:"data"`
		HasMore bool              `json:"has_more"`
	}
	if err := json.Unmarshal(raw, &sub); err != nil || !sub.HasMore {
		return item, nil
	}

	id := payloadID(item)
	if id == "" {
		return item, nil
	}
	all := sub.Data
	startingAfter := ""
	if len(all) > 0 {
		startingAfter = payloadID(all[len(all)-1])
	}
	for {
		page, err := s.stripe.ListPage(ctx, pathFor(id), stripeclient.PageParams{
			Limit:         s.cfg.PageSize,
			StartingAfter: startingAfter,
			Extra:         extra,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to expand %s of %s: %w", field, id, err)
		}
		all = append(all, page.Data...)
		if !page.HasMore || len(page.Data) == 0 {
			break
		}
		startingAfter = page.LastID()
	}

	replaced, err := json.Marshal(map[string]any{
		"object":   "list",
		"data":     json.RawMessage(mustMarshal(all)),
		"has_more": false,
		"url":      "",
	})
	if err != nil {
		return nil, err
	}
	payload[field] = replaced
	return json.Marshal(payload)
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// upsertSubscriptions writes subscriptions and mirrors their items into
// subscription_items: items are normalized, written with the parent id,
// and items present in the store but absent from the new payload are
// soft-deleted by patching deleted=true into their stored JSON.
func (s *Syncer) upsertSubscriptions(ctx context.Context, accountID string, items []json.RawMessage, backfillRelated bool, syncedAt time.Time) error {
	if s.cfg.AutoExpandLists {
		for i, item := range items {
			subID := payloadID(item)
			expanded, err := s.expandTruncatedList(ctx, item, "items",
				func(string) string { return "/v1/subscription_items" },
				url.Values{"subscription": []string{subID}})
			if err != nil {
				return err
			}
			items[i] = expanded
		}
	}

	res, err := registry.Lookup("subscription")
	if err != nil {
		return err
	}
	if err := s.genericUpsert(ctx, res, accountID, items, backfillRelated, syncedAt); err != nil {
		return err
	}

	for _, item := range items {
		subID := payloadID(item)
		if subID == "" {
			continue
		}
		itemRows, keepIDs, err := normalizeSubscriptionItems(item, subID)
		if err != nil {
			return err
		}
		if len(itemRows) > 0 {
			if err := s.store.UpsertRows(ctx, "subscription_items", "subscription", accountID, itemRows, syncedAt); err != nil {
				return err
			}
		}
		if err := s.store.MarkDeletedExcept(ctx, "subscription_items", "subscription", subID, keepIDs); err != nil {
			return err
		}
	}
	return nil
}

// normalizeSubscriptionItems flattens each embedded item: price becomes a
// bare id, deleted defaults to false, quantity to null.
func normalizeSubscriptionItems(subscription json.RawMessage, subID string) ([]store.Row, []string, error) {
	var payload struct {
		Items struct {
			Data []json.RawMessage `json:"data"`
		} `json:"items"`
	}
	if err := json.Unmarshal(subscription, &payload); err != nil {
		return nil, nil, err
	}

	rows := make([]store.Row, 0, len(payload.Items.Data))
	keepIDs := make([]string, 0, len(payload.Items.Data))
	for _, raw := range payload.Items.Data {
		var item map[string]any
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, nil, err
		}
		id, _ := item["id"].(string)
		if id == "" {
			continue
		}
		flattenPriceField(item)
		if _, ok := item["deleted"]; !ok {
			item["deleted"] = false
		}
		if _, ok := item["quantity"]; !ok {
			item["quantity"] = nil
		}
		normalized, err := json.Marshal(item)
		if err != nil {
			return nil, nil, err
		}
		rows = append(rows, store.Row{ID: id, ParentID: subID, Payload: normalized})
		keepIDs = append(keepIDs, id)
	}
	return rows, keepIDs, nil
}

// upsertCheckoutSessions writes sessions and their line items; line items
// carry the owning session id and a flattened price.
func (s *Syncer) upsertCheckoutSessions(ctx context.Context, accountID string, items []json.RawMessage, backfillRelated bool, syncedAt time.Time) error {
	res, err := registry.Lookup("checkout_sessions")
	if err != nil {
		return err
	}
	if s.cfg.AutoExpandLists {
		for i, item := range items {
			expanded, err := s.expandTruncatedList(ctx, item, "line_items",
				func(id string) string { return "/v1/checkout/sessions/" + id + "/line_items" }, nil)
			if err != nil {
				return err
			}
			items[i] = expanded
		}
	}
	if err := s.genericUpsert(ctx, res, accountID, items, backfillRelated, syncedAt); err != nil {
		return err
	}

	for _, item := range items {
		sessionID := payloadID(item)
		if sessionID == "" {
			continue
		}
		rows, err := normalizeLineItems(item, sessionID)
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			if err := s.store.UpsertRows(ctx, "checkout_session_line_items", "checkout_session", accountID, rows, syncedAt); err != nil {
				return err
			}
		}
	}
	return nil
}

func normalizeLineItems(session json.RawMessage, sessionID string) ([]store.Row, error) {
	var payload struct {
		LineItems struct {
			Data []json.RawMessage `json:"data"`
		} `json:"line_items"`
	}
	if err := json.Unmarshal(session, &payload); err != nil {
		return nil, err
	}

	rows := make([]store.Row, 0, len(payload.LineItems.Data))
	for _, raw := range payload.LineItems.Data {
		var item map[string]any
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, err
		}
		id, _ := item["id"].(string)
		if id == "" {
			continue
		}
		flattenPriceField(item)
		item["checkout_session"] = sessionID
		normalized, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		rows = append(rows, store.Row{ID: id, ParentID: sessionID, Payload: normalized})
	}
	return rows, nil
}

// flattenPriceField reduces an expanded price object to its id.
func flattenPriceField(item map[string]any) {
	if price, ok := item["price"].(map[string]any); ok {
		if id, ok := price["id"].(string); ok {
			item["price"] = id
		}
	}
}

// ReplaceEntitlements applies an active-entitlement summary: stored
// entitlement rows for the customer absent from the new set are deleted,
// then the new set is upserted.
func (s *Syncer) ReplaceEntitlements(ctx context.Context, accountID, customerID string, items []json.RawMessage, syncedAt time.Time) error {
	keepIDs := make([]string, 0, len(items))
	rows := make([]store.Row, 0, len(items))
	for _, item := range items {
		id := payloadID(item)
		if id == "" {
			continue
		}
		keepIDs = append(keepIDs, id)
		rows = append(rows, store.Row{ID: id, Payload: item})
	}
	if err := s.store.DeleteExcept(ctx, "entitlements", "customer", customerID, accountID, keepIDs); err != nil {
		return err
	}
	return s.store.UpsertRows(ctx, "entitlements", "", accountID, rows, syncedAt)
}
