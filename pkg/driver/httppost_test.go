package driver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/deterministic-agent-lab/gate/pkg/httprules"
)

func TestHTTPPostDriver_PrepareStampsIdempotencyKey(t *testing.T) {
	d := HTTPPostDriver{}
	prepared, err := d.Prepare(context.Background(), map[string]interface{}{
		"url": "http://example.com/api",
		"body": map[string]interface{}{"a": 1},
		"idempotencyKey": "bundle-1:intent-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	p := prepared.(*httpPostPrepared)
	if p.headers.Get("Idempotency-Key") != "bundle-1:intent-1" {
		t.Errorf("Idempotency-Key header = %q", p.headers.Get("Idempotency-Key"))
	}
	if p.headers.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type header = %q, want application/json default", p.headers.Get("Content-Type"))
	}
}

func TestHTTPPostDriver_PrepareDoesNotOverrideCallerIdempotencyKey(t *testing.T) {
	d := HTTPPostDriver{}
	prepared, err := d.Prepare(context.Background(), map[string]interface{}{
		"url": "http://example.com/api",
		"body": "{}",
		"headers": map[string]interface{}{"idempotency-key": "caller-supplied"},
		"idempotencyKey": "bundle-1:intent-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	p := prepared.(*httpPostPrepared)
	if p.headers.Get("Idempotency-Key") != "caller-supplied" {
		t.Errorf("Idempotency-Key = %q, want caller-supplied to win (case-insensitive)", p.headers.Get("Idempotency-Key"))
	}
}

func TestHTTPPostDriver_CommitViaRegistryRule(t *testing.T) {
	var sawDelete bool
	mux := http.NewServeMux()
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"messageId":"message-1"}`))
	})
	mux.HandleFunc("/messages/message-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			sawDelete = true
		}
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	reg := &httprules.Registry{Rules: []httprules.Rule{{
		Name: "message-create",
		HostPattern: "*",
		Commit: httprules.CommitSpec{Method: "POST", PathPattern: "/messages", IDFrom: []string{"json:$.messageId"}},
		Rollback: httprules.RollbackSpec{Method: "DELETE", PathTemplate: "/messages/{id}"},
	}}}

	d := HTTPPostDriver{Registry: reg}
	prepared, err := d.Prepare(context.Background(), map[string]interface{}{
		"url": srv.URL + "/messages",
		"body": map[string]interface{}{"text": "hi"},
		"idempotencyKey": "bundle-1:intent-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	raw, err := d.Commit(context.Background(), prepared)
	if err != nil {
		t.Fatal(err)
	}
	var receipt httpPostReceipt
	if err := json.Unmarshal(raw, &receipt); err != nil {
		t.Fatal(err)
	}
	if receipt.Metadata == nil || receipt.Metadata.ID != "message-1" {
		t.Fatalf("expected rollbackRule.id=message-1, got %+v", receipt.Metadata)
	}

	if err := d.RevertReceipt(context.Background(), map[string]interface{}{"url": srv.URL + "/messages"}, raw); err != nil {
		t.Fatal(err)
	}
	if !sawDelete {
		t.Error("expected revert to issue a DELETE request")
	}
}

func TestHTTPPostDriver_NonReversibleWhenIDMissing(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`)) // no messageId field
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	reg := &httprules.Registry{Rules: []httprules.Rule{{
		Name: "message-create",
		HostPattern: "*",
		Commit: httprules.CommitSpec{Method: "POST", PathPattern: "/messages", IDFrom: []string{"json:$.messageId"}},
		Rollback: httprules.RollbackSpec{Method: "DELETE", PathTemplate: "/messages/{id}"},
	}}}

	d := HTTPPostDriver{Registry: reg}
	prepared, err := d.Prepare(context.Background(), map[string]interface{}{
		"url": srv.URL + "/messages",
		"body": map[string]interface{}{"text": "hi"},
		"idempotencyKey": "bundle-1:intent-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := d.Commit(context.Background(), prepared)
	if err != nil {
		t.Fatal(err)
	}

	var receipt httpPostReceipt
	if err := json.Unmarshal(raw, &receipt); err != nil {
		t.Fatal(err)
	}
	if receipt.Metadata != nil {
		t.Fatalf("expected nil rollback metadata, got %+v", receipt.Metadata)
	}

	err = d.RevertReceipt(context.Background(), map[string]interface{}{"url": srv.URL + "/messages"}, raw)
	if err == nil {
		t.Fatal("expected NonReversible error when no rollback metadata recorded")
	}
}

func TestHTTPPostDriver_LocationHeaderFallback(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/items", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/items/42")
		w.WriteHeader(http.StatusCreated)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := HTTPPostDriver{}
	prepared, err := d.Prepare(context.Background(), map[string]interface{}{
		"url": srv.URL + "/items",
		"body": "{}",
		"idempotencyKey": "k1",
	})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := d.Commit(context.Background(), prepared)
	if err != nil {
		t.Fatal(err)
	}
	var receipt httpPostReceipt
	json.Unmarshal(raw, &receipt)
	if receipt.Metadata == nil || receipt.Metadata.URL != "/items/42" {
		t.Fatalf("expected Location-derived metadata, got %+v", receipt.Metadata)
	}
}

func TestHTTPPostDriver_JSONIdFallback(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/items", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"abc"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := HTTPPostDriver{}
	prepared, err := d.Prepare(context.Background(), map[string]interface{}{
		"url": srv.URL + "/items",
		"body": "{}",
		"idempotencyKey": "k1",
	})
	if err != nil {
		t.Fatal(err)
	}
	raw, err := d.Commit(context.Background(), prepared)
	if err != nil {
		t.Fatal(err)
	}
	var receipt httpPostReceipt
	json.Unmarshal(raw, &receipt)
	if receipt.Metadata == nil || receipt.Metadata.ID != "abc" {
		t.Fatalf("expected JSON id-derived metadata, got %+v", receipt.Metadata)
	}
}

func TestHTTPPostDriver_RollbackRequestCarriesRollbackSuffixIdempotencyKey(t *testing.T) {
	var gotKey string
	mux := http.NewServeMux()
	mux.HandleFunc("/items/42", func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := HTTPPostDriver{}
	receipt := httpPostReceipt{
		IdempotencyKey: "bundle-1:intent-1",
		Metadata: &rollbackMetadata{Method: "DELETE", URL: srv.URL + "/items/42"},
	}
	raw, _ := json.Marshal(receipt)

	if err := d.RevertReceipt(context.Background(), nil, raw); err != nil {
		t.Fatal(err)
	}
	if gotKey != "bundle-1:intent-1-rollback" {
		t.Errorf("rollback Idempotency-Key = %q, want bundle-1:intent-1-rollback", gotKey)
	}
}
