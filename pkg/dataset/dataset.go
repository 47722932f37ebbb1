// Package dataset declares the dashboard's datasets: one named analytics
// category per widget family, each with its validity predicate kind, cache
// TTL, API path, and required-field schema.
package dataset

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/glimmerhq/dashcache/pkg/cache"
	"github.com/glimmerhq/dashcache/pkg/interval"
)

// Projection transforms the raw envelope payload into the shape a widget
// family renders. A nil projection passes the payload through.
type Projection func(raw json.RawMessage) (json.RawMessage, error)

// Descriptor is the static definition of one dataset.
type Descriptor struct {
	// Name keys cache entries and call records.
	Name string
	// Kind is the validity predicate gating fetches for this dataset.
	Kind interval.Kind
	// TTL for cached payloads. Zero means cache.DefaultTTL.
	TTL time.Duration
	// Path of the dataset's POST operation, relative to the API base URL.
	Path string
	// Schema holds the minimal required-field JSON schema for the payload.
	// Empty accepts anything.
	Schema []byte
	// Extra discriminators sent with every request and mixed into the key.
	Extra map[string]string
	// Project derives the widget-facing payload from the raw payload.
	Project Projection
}

// RequestKey derives the cache/dedupe key for this dataset and interval.
// Discriminators are sorted so the key is stable.
func (d Descriptor) RequestKey(iv interval.Interval) string {
	extra := make([]string, 0, len(d.Extra))
	for k, v := range d.Extra {
		extra = append(extra, k+"="+v)
	}
	sort.Strings(extra)
	return interval.RequestKey(d.Name, iv, extra...)
}

// Defaults returns the dashboard's dataset catalog. The daily payload carries
// the per-branch breakdown inline; branch widgets read it from the broker's
// raw payload (see Branches) instead of fetching a second time.
func Defaults() []Descriptor {
	return []Descriptor{
		{
			Name:   "daily_summary",
			Kind:   interval.SingleDay,
			TTL:    cache.DefaultTTL,
			Path:   "/analytics/sales/daily",
			Schema: []byte(`{"type":"object","required":["total_sales"]}`),
		},
		{
			Name:   "weekly_chart",
			Kind:   interval.ExactWeek,
			TTL:    cache.DefaultTTL,
			Path:   "/analytics/sales/weekly",
			Schema: []byte(`{"type":"object","required":["points"]}`),
		},
		{
			Name:   "monthly_chart",
			Kind:   interval.FullMonth,
			TTL:    cache.DefaultTTL,
			Path:   "/analytics/sales/monthly",
			Schema: []byte(`{"type":"object","required":["points"]}`),
		},
		{
			// Assembled server-side day by day; costlier and staler, so it
			// gets the shorter TTL.
			Name:   "custom_range",
			Kind:   interval.CustomRange,
			TTL:    cache.CompositeTTL,
			Path:   "/analytics/sales/range",
			Schema: []byte(`{"type":"object","required":["days"]}`),
		},
	}
}

// Branches extracts the per-branch breakdown from a daily payload. It is a
// projection of the same response that feeds the daily summary widget, so it
// never costs a second round trip.
func Branches(raw json.RawMessage) (json.RawMessage, error) {
	var payload struct {
		Branches json.RawMessage `json:"branches"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, err
	}
	if len(payload.Branches) == 0 {
		return json.RawMessage(`[]`), nil
	}
	return payload.Branches, nil
}
