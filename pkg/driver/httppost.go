package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/deterministic-agent-lab/gate/pkg/canon"
	"github.com/deterministic-agent-lab/gate/pkg/httprules"
	"github.com/deterministic-agent-lab/gate/pkg/journal"
)

// HTTPPostDriver implements the HTTP-POST Driver . Payload
// shape: {url, body, headers?, idempotencyKey} — idempotencyKey is stamped
// into the payload by the orchestrator from the journal intent's own
// idempotencyKey, since the Prepare/Commit phases only see the payload.
type HTTPPostDriver struct {
	Client *http.Client
	Registry *httprules.Registry
	Limiter *rate.Limiter
	Clock func() time.Time
}

type httpPostPrepared struct {
	url string
	body []byte
	jsonBody interface{}
	headers http.Header
	idempotencyKey string
	rule *httprules.Rule
}

type httpPostReceipt struct {
	Status int `json:"status"`
	IdempotencyKey string `json:"idempotencyKey"`
	ResponseHash string `json:"responseHash"`
	Metadata *rollbackMetadata `json:"metadata,omitempty"`
}

type rollbackMetadata struct {
	RuleName string `json:"rule,omitempty"`
	Method string `json:"method"`
	PathTemplate string `json:"pathTemplate,omitempty"`
	URL string `json:"url,omitempty"`
	RequiresID bool `json:"requiresId,omitempty"`
	ID string `json:"id,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (d HTTPPostDriver) Prepare(_ context.Context, payload map[string]interface{}) (journal.Prepared, error) {
	rawURL, _ := payload["url"].(string)
	if rawURL == "" {
		return nil, fmt.Errorf("httppost: PathInvalid: empty url")
	}

	headers := http.Header{}
	if hm, ok := payload["headers"].(map[string]interface{}); ok {
		for k, v := range hm {
			if s, ok := v.(string); ok {
				headers.Set(k, s)
			}
		}
	}
	if headers.Get("Content-Type") == "" {
		headers.Set("Content-Type", "application/json")
	}

	idemKey, _ := payload["idempotencyKey"].(string)
	if idemKey != "" && headers.Get("Idempotency-Key") == "" {
		headers.Set("Idempotency-Key", idemKey)
	}

	var bodyBytes []byte
	var jsonBody interface{}
	switch b := payload["body"].(type) {
	case string:
		bodyBytes = []byte(b)
	case nil:
		bodyBytes = nil
	default:
		encoded, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("httppost: PathInvalid: encode body: %w", err)
		}
		bodyBytes = encoded
	}
	_ = json.Unmarshal(bodyBytes, &jsonBody) // best-effort, for registry matching

	p := &httpPostPrepared{
		url: rawURL,
		body: bodyBytes,
		jsonBody: jsonBody,
		headers: headers,
		idempotencyKey: idemKey,
	}

	if d.Registry != nil {
		if parsed, err := url.Parse(rawURL); err == nil {
			reqHeaders := map[string]string{}
			for k := range headers {
				reqHeaders[k] = headers.Get(k)
			}
			if rule, ok := d.Registry.FindRule(httprules.RequestInfo{
				Host: parsed.Host,
				Method: http.MethodPost,
				Path: parsed.Path,
				Headers: reqHeaders,
				JSON: jsonBody,
			}); ok {
				p.rule = rule
			}
		}
	}

	return p, nil
}

func (d HTTPPostDriver) Commit(ctx context.Context, prepared journal.Prepared) (json.RawMessage, error) {
	p := prepared.(*httpPostPrepared)

	if d.Limiter != nil {
		if err := d.Limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("httppost: IoError: rate limit wait: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(p.body))
	if err != nil {
		return nil, fmt.Errorf("httppost: PathInvalid: build request: %w", err)
	}
	req.Header = p.headers

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httppost: HttpError: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("httppost: IoError: read response: %w", err)
	}

	respHeaders := map[string]string{}
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}
	var respJSON interface{}
	_ = json.Unmarshal(respBody, &respJSON)

	meta := deriveRollbackMetadata(p, respHeaders, respJSON, p.url)

	receipt := httpPostReceipt{
		Status: resp.StatusCode,
		IdempotencyKey: p.idempotencyKey,
		ResponseHash: canon.HashFile(respBody),
		Metadata: meta,
	}
	return json.Marshal(receipt)
}

// deriveRollbackMetadata resolves compensating-request metadata in the
// priority order of (i) registry match, (ii) Location header,
// (iii) JSON field "id", (iv) JSON "rollback.{method,path}".
func deriveRollbackMetadata(p *httpPostPrepared, respHeaders map[string]string, respJSON interface{}, reqURL string) *rollbackMetadata {
	if p.rule != nil {
		path, ok := p.rule.Resolve(respHeaders, respJSON)
		needsID := strings.Contains(p.rule.Rollback.PathTemplate, "{id}")
		m := &rollbackMetadata{
			RuleName: p.rule.Name,
			Method: p.rule.Rollback.Method,
			PathTemplate: p.rule.Rollback.PathTemplate,
			RequiresID: needsID,
			Headers: p.rule.Rollback.Headers,
		}
		if ok {
			m.PathTemplate = path
			if needsID {
				m.ID = extractResolvedID(path, p.rule.Rollback.PathTemplate)
			}
		} else if needsID {
			return nil // unresolved {id}: non-reversible via registry
		}
		return m
	}

	if loc := respHeaders["Location"]; loc != "" {
		return &rollbackMetadata{Method: "DELETE", URL: loc}
	}

	if obj, ok := respJSON.(map[string]interface{}); ok {
		if id, ok := obj["id"]; ok {
			if s, ok := id.(string); ok && s != "" {
				base := strings.TrimSuffix(reqURL, "/")
				return &rollbackMetadata{Method: "DELETE", URL: base + "/" + s, ID: s}
			}
		}
		if rb, ok := obj["rollback"].(map[string]interface{}); ok {
			method, _ := rb["method"].(string)
			path, _ := rb["path"].(string)
			if method != "" && path != "" {
				return &rollbackMetadata{Method: method, PathTemplate: path}
			}
		}
	}

	return nil
}

func extractResolvedID(resolvedPath, template string) string {
	// template has "{id}" at some position; resolvedPath has the
	// substituted value there. A best-effort extraction by diffing prefix
	// and suffix around the placeholder.
	idx := strings.Index(template, "{id}")
	if idx < 0 {
		return ""
	}
	prefix := template[:idx]
	suffix := template[idx+len("{id}"):]
	if !strings.HasPrefix(resolvedPath, prefix) || !strings.HasSuffix(resolvedPath, suffix) {
		return ""
	}
	return resolvedPath[len(prefix) : len(resolvedPath)-len(suffix)]
}

// Rollback is a no-op on commit failure: a failed POST means no remote
// effect occurred to compensate.
func (HTTPPostDriver) Rollback(_ context.Context, _ journal.Prepared) error {
	return nil
}

// RevertReceipt builds and issues the compensating request described by
// the receipt's rollback metadata . If no metadata is present,
// the intent is non-reversible and must be surfaced for manual review.
func (d HTTPPostDriver) RevertReceipt(ctx context.Context, payload map[string]interface{}, receipt json.RawMessage) error {
	var r httpPostReceipt
	if err := json.Unmarshal(receipt, &r); err != nil {
		return fmt.Errorf("httppost: malformed receipt: %w", err)
	}
	if r.Metadata == nil {
		return fmt.Errorf("httppost: NonReversible: no rollback metadata recorded")
	}

	reqURL, method := resolveCompensatingRequest(r.Metadata, payload)
	if reqURL == "" {
		return fmt.Errorf("httppost: NonReversible: could not resolve compensating request")
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return fmt.Errorf("httppost: PathInvalid: build rollback request: %w", err)
	}
	req.Header.Set("Idempotency-Key", r.IdempotencyKey+"-rollback")
	for k, v := range r.Metadata.Headers {
		req.Header.Set(k, v)
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("httppost: HttpError: rollback request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

func resolveCompensatingRequest(m *rollbackMetadata, payload map[string]interface{}) (string, string) {
	method := m.Method
	if method == "" {
		method = "DELETE"
	}
	if m.URL != "" {
		return m.URL, method
	}
	if m.PathTemplate != "" {
		base, _ := payload["url"].(string)
		base = baseOf(base)
		return base + m.PathTemplate, method
	}
	return "", method
}

func baseOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return strings.TrimSuffix(rawURL, "/")
	}
	parsed.Path = ""
	parsed.RawQuery = ""
	return strings.TrimSuffix(parsed.String(), "/")
}
