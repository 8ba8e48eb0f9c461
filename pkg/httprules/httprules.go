// Package httprules implements the HTTP Rollback Rule Registry:
// declarative rules matching a commit-time request and deriving a
// compensating request for the HTTP-POST Driver.
package httprules

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule is one declarative HTTP rollback rule.
type Rule struct {
	Name string `json:"name" yaml:"name"`
	HostPattern string `json:"hostPattern" yaml:"hostPattern"`
	Commit CommitSpec `json:"commit" yaml:"commit"`
	Rollback RollbackSpec `json:"rollback" yaml:"rollback"`
	Matchers *Matchers `json:"matchers,omitempty" yaml:"matchers,omitempty"`
}

// CommitSpec describes the request this rule matches.
type CommitSpec struct {
	Method string `json:"method" yaml:"method"`
	PathPattern string `json:"pathPattern" yaml:"pathPattern"`
	IDFrom []string `json:"idFrom" yaml:"idFrom"`
}

// RollbackSpec describes the compensating request to issue.
type RollbackSpec struct {
	Method string `json:"method" yaml:"method"`
	PathTemplate string `json:"pathTemplate" yaml:"pathTemplate"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// Matchers further constrains which requests a rule matches.
type Matchers struct {
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	JSON []JSONMatcher `json:"json,omitempty" yaml:"json,omitempty"`
}

// JSONMatcher asserts a condition against the request body's JSON.
type JSONMatcher struct {
	Path string `json:"path" yaml:"path"`
	Exists bool `json:"exists,omitempty" yaml:"exists,omitempty"`
	Equals interface{} `json:"equals,omitempty" yaml:"equals,omitempty"`
}

// Registry holds a set of rules, matched in declaration order.
type Registry struct {
	Rules []Rule
}

// Empty returns a Registry with no rules — the result of a missing config
// file.
func Empty() *Registry { return &Registry{} }

// Load reads a rule set from a YAML or JSON file (selected by extension; a
// leading non-`[`/`{` byte is also treated as YAML). A missing file yields
// an empty registry, not an error.
func Load(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Empty(), nil
		}
		return nil, err
	}

	var doc struct {
		Rules []Rule `json:"rules" yaml:"rules"`
	}

	if looksJSON(raw) {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
	} else {
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
	}
	return &Registry{Rules: doc.Rules}, nil
}

func looksJSON(raw []byte) bool {
	trimmed := strings.TrimSpace(string(raw))
	return strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
}

// RequestInfo is the subset of a commit-time HTTP request needed to match a
// rule.
type RequestInfo struct {
	Host string
	Method string
	Path string
	Headers map[string]string
	JSON interface{} // parsed request body, nil if not JSON
}

// FindRule returns the first rule matching req: host pattern, method,
// path pattern, then any declared matchers, all in declaration order.
func (r *Registry) FindRule(req RequestInfo) (*Rule, bool) {
	if r == nil {
		return nil, false
	}
	for i := range r.Rules {
		rule := &r.Rules[i]
		if !matchWildcard(rule.HostPattern, req.Host) {
			continue
		}
		method := rule.Commit.Method
		if method == "" {
			method = "POST"
		}
		if !strings.EqualFold(method, req.Method) {
			continue
		}
		if !matchWildcard(rule.Commit.PathPattern, req.Path) {
			continue
		}
		if !matchers(rule.Matchers, req) {
			continue
		}
		return rule, true
	}
	return nil, false
}

func matchers(m *Matchers, req RequestInfo) bool {
	if m == nil {
		return true
	}
	for k, v := range m.Headers {
		if !headerEquals(req.Headers, k, v) {
			return false
		}
	}
	for _, jm := range m.JSON {
		val, ok := jsonPathLookup(req.JSON, jm.Path)
		if jm.Exists && !ok {
			return false
		}
		if jm.Equals != nil {
			if !ok {
				return false
			}
			if !jsonEqual(val, jm.Equals) {
				return false
			}
		}
	}
	return true
}

func headerEquals(headers map[string]string, key, want string) bool {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return strings.EqualFold(v, want)
		}
	}
	return false
}

// matchWildcard supports literal, prefix+"*", and bare "*" semantics, the
// same semantics used by the Policy Engine's network-allow path matching.
func matchWildcard(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(value, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == value
}

// Resolve iterates idFrom in order, returning the first scalar value found
// in responseHeaders/responseBody, then substitutes it (as {id}) and any
// other named placeholders into pathTemplate. ok=false means no id resolved;
// if the template references {id} this makes rollback manual.
func (r *Rule) Resolve(responseHeaders map[string]string, responseBody interface{}) (path string, ok bool) {
	id, found := "", false
	for _, locator := range r.Commit.IDFrom {
		kind, loc, valid := strings.Cut(locator, ":")
		if !valid {
			continue
		}
		switch kind {
		case "header":
			for k, v := range responseHeaders {
				if strings.EqualFold(k, loc) && v != "" {
					id, found = v, true
				}
			}
		case "json":
			if v, exists := jsonPathLookup(responseBody, loc); exists {
				if s, ok := scalarString(v); ok {
					id, found = s, true
				}
			}
		}
		if found {
			break
		}
	}

	template := r.Rollback.PathTemplate
	needsID := strings.Contains(template, "{id}")
	if needsID && !found {
		return "", false
	}
	if found {
		template = strings.ReplaceAll(template, "{id}", id)
	}
	return template, true
}

func scalarString(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return trimFloat(t), true
	case bool:
		if t {
			return "true", true
		}
		return "false", true
	default:
		return "", false
	}
}

func trimFloat(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}

// jsonPathLookup supports the subset of JSON-path expressions used by this
// core: "$.a.b.c" and "$.a[0].b".
func jsonPathLookup(doc interface{}, path string) (interface{}, bool) {
	if doc == nil {
		return nil, false
	}
	path = strings.TrimPrefix(path, "$.")
	path = strings.TrimPrefix(path, "$")
	if path == "" {
		return doc, true
	}

	cur := doc
	for _, seg := range strings.Split(path, ".") {
		name := seg
		var index = -1
		if idx := strings.Index(seg, "["); idx >= 0 && strings.HasSuffix(seg, "]") {
			name = seg[:idx]
			if n, err := strconv.Atoi(seg[idx+1 : len(seg)-1]); err == nil {
				index = n
			}
		}
		if name != "" {
			m, ok := cur.(map[string]interface{})
			if !ok {
				return nil, false
			}
			cur, ok = m[name]
			if !ok {
				return nil, false
			}
		}
		if index >= 0 {
			arr, ok := cur.([]interface{})
			if !ok || index >= len(arr) {
				return nil, false
			}
			cur = arr[index]
		}
	}
	return cur, true
}

func jsonEqual(a, b interface{}) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}
