// Package intent defines the in-bundle Intent Record and the rules for
// deriving a stable intent ID when a bundle doesn't carry one explicitly.
package intent

import (
	"fmt"
	"sort"
)

// Record is one entry of a bundle's ordered intents.jsonl sequence.
type Record struct {
	Index int `json:"index"`
	Type string `json:"type"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload map[string]interface{} `json:"payload"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// ID is not part of the wire format; it is attached by the Plan
	// operation per the resolution order in AttachID.
	ID string `json:"-"`
}

// AttachID derives r's stable ID: metadata.id, then payload.id, then the
// positional fallback "type:####".
func AttachID(r *Record) {
	if v, ok := stringField(r.Metadata, "id"); ok {
		r.ID = v
		return
	}
	if v, ok := stringField(r.Payload, "id"); ok {
		r.ID = v
		return
	}
	r.ID = fmt.Sprintf("%s:%04d", r.Type, r.Index)
}

func stringField(m map[string]interface{}, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// Labels collects the union of string-typed values under a "labels" key in
// both payload and metadata, used by the Policy Engine's approval-label rule
// and by Plan's default-label application. The result is sorted so policy
// evaluation stays deterministic regardless of map iteration order.
func Labels(r *Record) []string {
	set := map[string]struct{}{}
	collect := func(m map[string]interface{}) {
		if m == nil {
			return
		}
		raw, ok := m["labels"]
		if !ok {
			return
		}
		list, ok := raw.([]interface{})
		if !ok {
			return
		}
		for _, v := range list {
			if s, ok := v.(string); ok {
				set[s] = struct{}{}
			}
		}
	}
	collect(r.Payload)
	collect(r.Metadata)

	out := make([]string, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// defaultLabels maps intent types to labels applied at Plan time when not
// already present.
var defaultLabels = map[string]string{
	"email.send": "external_email",
}

// ApplyDefaultLabel adds this intent type's default label (if any) to
// r.Metadata.labels unless already present via payload or metadata.
func ApplyDefaultLabel(r *Record) {
	label, ok := defaultLabels[r.Type]
	if !ok {
		return
	}
	for _, existing := range Labels(r) {
		if existing == label {
			return
		}
	}
	if r.Metadata == nil {
		r.Metadata = map[string]interface{}{}
	}
	raw, _ := r.Metadata["labels"].([]interface{})
	raw = append(raw, label)
	r.Metadata["labels"] = raw
}

// Amount returns the numeric "amount" field from payload, if present and
// numeric, for the Policy Engine's amount-cap rule.
func Amount(r *Record) (float64, bool) {
	if r.Payload == nil {
		return 0, false
	}
	v, ok := r.Payload["amount"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
