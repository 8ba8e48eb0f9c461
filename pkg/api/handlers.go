package api

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/deterministic-agent-lab/gate/pkg/gatestore"
	"github.com/deterministic-agent-lab/gate/pkg/orchestrator"
)

// Server exposes the Gate Orchestrator's HTTP API.
type Server struct {
	Orc *orchestrator.Orchestrator
	JWT *JWTValidator
	Logger *slog.Logger
}

// NewServer builds a Server. Logger defaults to slog.Default.
func NewServer(orc *orchestrator.Orchestrator, jwt *JWTValidator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{Orc: orc, JWT: jwt, Logger: logger}
}

// Routes builds the ServeMux for all endpoints in.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/bundles", s.handleBundlesCollection)
	mux.HandleFunc("/bundles/", s.handleBundleItem)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

func (s *Server) handleBundlesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleIngest(w, r)
	case http.MethodGet:
		s.handleListBundles(w, r)
	default:
		WriteMethodNotAllowed(w)
	}
}

// handleBundleItem dispatches /bundles/{id}, /bundles/{id}/plan,
// /bundles/{id}/approve, /bundles/{id}/commit, /bundles/{id}/revert.
func (s *Server) handleBundleItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/bundles/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		WriteNotFound(w, "bundle id required")
		return
	}
	id := parts[0]

	if len(parts) == 1 {
		WriteNotFound(w, "unknown route")
		return
	}

	switch parts[1] {
	case "plan":
		s.handlePlan(w, r, id)
	case "approve":
		s.handleApprove(w, r, id)
	case "commit":
		s.handleCommit(w, r, id)
	case "revert":
		s.handleRevert(w, r, id)
	default:
		WriteNotFound(w, "unknown route")
	}
}

// IngestRequest is the POST /bundles body. Bundle may be base64-encoded
// bytes or omitted entirely; a request body that isn't valid JSON is
// treated as the raw archive bytes directly.
type IngestRequest struct {
	Bundle string `json:"bundle"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 256<<20))
	if err != nil {
		WriteBadRequest(w, "failed to read request body")
		return
	}
	if len(raw) == 0 {
		WriteBadRequest(w, "missing bundle body")
		return
	}

	payload := raw
	var req IngestRequest
	if json.Unmarshal(raw, &req) == nil && req.Bundle != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.Bundle)
		if err != nil {
			WriteBadRequest(w, "invalid base64 bundle field")
			return
		}
		payload = decoded
	}

	id, err := s.Orc.Ingest(r.Context(), payload)
	if err != nil {
		WriteGateError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"bundleId": id})
}

// bundleSummary is one entry of GET /bundles.
type bundleSummary struct {
	ID string `json:"id"`
	CreatedAt string `json:"createdAt"`
	Status string `json:"status"`
	Approval *gatestore.Approval `json:"approval,omitempty"`
}

func (s *Server) handleListBundles(w http.ResponseWriter, r *http.Request) {
	records, err := s.Orc.Store.ListBundles(r.Context())
	if err != nil {
		WriteGateError(w, r, err)
		return
	}

	out := make([]bundleSummary, 0, len(records))
	for _, rec := range records {
		status, approval, err := s.bundleStatus(r, rec.ID)
		if err != nil {
			WriteGateError(w, r, err)
			return
		}
		out = append(out, bundleSummary{
			ID: rec.ID,
			CreatedAt: rec.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
			Status: status,
			Approval: approval,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"bundles": out})
}

// bundleStatus derives the Bundle State: committed if receipts
// exist, else approved if an approval exists, else pending.
func (s *Server) bundleStatus(r *http.Request, id string) (string, *gatestore.Approval, error) {
	receipts, err := s.Orc.Store.ListReceipts(r.Context(), id)
	if err != nil {
		return "", nil, err
	}
	if len(receipts) > 0 {
		approval, _ := s.Orc.Store.GetApproval(r.Context(), id)
		return "committed", approval, nil
	}
	approval, err := s.Orc.Store.GetApproval(r.Context(), id)
	if err != nil {
		return "", nil, err
	}
	if approval != nil {
		return "approved", approval, nil
	}
	return "pending", nil, nil
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	result, err := s.Orc.Plan(r.Context(), id)
	if err != nil {
		WriteGateError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"bundleId": result.BundleID,
		"policy": result.Policy,
		"intents": result.Intents,
		"network": result.Network,
		"rollback": result.Rollback,
	})
}

// ApproveRequest is the POST /bundles/{id}/approve body.
type ApproveRequest struct {
	Actor string `json:"actor"`
	PolicyVersion string `json:"policyVersion,omitempty"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	var req ApproveRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if s.JWT != nil {
		subject, err := s.JWT.ActorFromRequest(r)
		if err != nil {
			WriteUnauthorized(w, err.Error())
			return
		}
		if subject != "" {
			if req.Actor != "" && req.Actor != subject {
				WriteUnauthorized(w, "claimed actor does not match token subject")
				return
			}
			req.Actor = subject
		}
	}

	if req.Actor == "" {
		WriteBadRequest(w, "missing required field: actor")
		return
	}

	approval, err := s.Orc.Approve(r.Context(), id, req.Actor)
	if err != nil {
		WriteGateError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "approved",
		"bundleId": id,
		"approval": approval,
	})
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	result, err := s.Orc.Commit(r.Context(), id)
	if err != nil {
		WriteGateError(w, r, err)
		return
	}

	type receiptEntry struct {
		IntentID string `json:"intentId"`
		Receipt json.RawMessage `json:"receipt"`
	}
	entries := make([]receiptEntry, 0, len(result.Receipts))
	for _, rec := range result.Receipts {
		entries = append(entries, receiptEntry{IntentID: rec.IntentID, Receipt: rec.Receipt})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "committed",
		"receipts": entries,
	})
}

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}

	outcomes, err := s.Orc.Revert(r.Context(), id)
	if err != nil {
		WriteGateError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "reverted",
		"outcomes": outcomes,
	})
}
