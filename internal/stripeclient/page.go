package stripeclient

import (
	"encoding/json"
	"net/url"
	"strconv"
)

// Page is one page of a Stripe list endpoint, with the payloads kept
// opaque. The engine never interprets payloads beyond id and created.
type Page struct {
	Object  string            `json:"object"`
	Data    []json.RawMessage `json:"data"`
	HasMore bool              `json:"has_more"`
	URL     string            `json:"url"`
}

type itemMeta struct {
	ID      string `json:"id"`
	Created int64  `json:"created"`
}

// LastID returns the id of the final item, the starting_after token for
// the next page. Empty when the page has no items.
func (p *Page) LastID() string {
	if len(p.Data) == 0 {
		return ""
	}
	var meta itemMeta
	if err := json.Unmarshal(p.Data[len(p.Data)-1], &meta); err != nil {
		return ""
	}
	return meta.ID
}

// MaxCreated returns the greatest created timestamp across the page, or 0
// when no item carries one.
func (p *Page) MaxCreated() int64 {
	var max int64
	for _, raw := range p.Data {
		var meta itemMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			continue
		}
		if meta.Created > max {
			max = meta.Created
		}
	}
	return max
}

// PageParams are the pagination knobs of a Stripe list call.
type PageParams struct {
	Limit         int
	StartingAfter string
	CreatedGTE    int64
	CreatedLTE    int64
	// Extra carries endpoint-specific filters (e.g. customer=cus_x).
	Extra url.Values
}

// Encode renders the params as a query string.
func (p PageParams) Encode() string {
	q := url.Values{}
	for k, vs := range p.Extra {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.StartingAfter != "" {
		q.Set("starting_after", p.StartingAfter)
	}
	if p.CreatedGTE > 0 {
		q.Set("created[gte]", strconv.FormatInt(p.CreatedGTE, 10))
	}
	if p.CreatedLTE > 0 {
		q.Set("created[lte]", strconv.FormatInt(p.CreatedLTE, 10))
	}
	return q.Encode()
}
