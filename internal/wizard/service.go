package wizard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jdai/vault-engine/internal/catalog"
	"github.com/jdai/vault-engine/internal/ledger"
	"github.com/jdai/vault-engine/internal/model"
	"github.com/jdai/vault-engine/internal/position"
)

// Recovery is the recovery sweep as seen by the HTTP layer.
type Recovery interface {
	Scan(ctx context.Context, address string) (model.ScanResult, error)
	Resolve(ctx context.Context, address string, asset model.Asset, resolutionID string) (View, error)
}

// Service exposes the wizard, the position reader and the recovery sweep
// over HTTP.
type Service struct {
	wizard   *Manager
	poller   *position.Poller
	recovery Recovery // optional
	signer   string
}

// NewService creates the HTTP service. Pass nil for rec to disable the
// recovery endpoints.
func NewService(m *Manager, poller *position.Poller, rec Recovery) *Service {
	return &Service{
		wizard:   m,
		poller:   poller,
		recovery: rec,
		signer:   m.client.Sender(),
	}
}

// Routes mounts every handler on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/operations", s.ListOperations)
	r.Get("/vaults/{address}", s.GetVault)

	r.Route("/wizard/{address}", func(r chi.Router) {
		r.Get("/", s.GetWizard)
		r.Delete("/", s.Reset)
		r.Post("/select", s.Select)
		r.Post("/amount", s.SetAmount)
		r.Post("/advance", s.Advance)
		r.Post("/execute", s.Execute)
		r.Post("/verify", s.VerifyProgress)
		r.Post("/back", s.GoBack)
	})

	r.Get("/recovery/{address}", s.Scan)
	r.Post("/recovery/{address}/resolve", s.Resolve)
}

// --- Request types ---

// SelectRequest is the JSON body for POST /wizard/{address}/select.
type SelectRequest struct {
	OperationID string `json:"operation_id"`
}

// AmountRequest is the JSON body for POST /wizard/{address}/amount. The
// amount is a decimal string so no precision is lost in transit.
type AmountRequest struct {
	Amount string `json:"amount"`
}

// ResolveRequest is the JSON body for POST /recovery/{address}/resolve.
type ResolveRequest struct {
	Asset        model.Asset `json:"asset"`
	ResolutionID string      `json:"resolution_id"`
}

// --- HTTP Handlers ---

// ListOperations handles GET /api/v1/operations
func (s *Service) ListOperations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, catalog.All())
}

// GetVault handles GET /api/v1/vaults/{address}
// Refreshes the position now; a failed read yields an unknown view.
func (s *Service) GetVault(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.poller.Refresh(r.Context(), addr))
}

// GetWizard handles GET /api/v1/wizard/{address}
// Restores the persisted session, discarding it when stale, and
// reconciles it before returning.
func (s *Service) GetWizard(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	view, err := s.wizard.Restore(r.Context(), addr)
	respond(w, view, err)
}

// Select handles POST /api/v1/wizard/{address}/select
func (s *Service) Select(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.writableAddress(w, r)
	if !ok {
		return
	}
	var req SelectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest, KindValidation)
		return
	}
	view, err := s.wizard.Select(r.Context(), addr, req.OperationID)
	respond(w, view, err)
}

// SetAmount handles POST /api/v1/wizard/{address}/amount
func (s *Service) SetAmount(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.writableAddress(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest, KindValidation)
		return
	}
	view, err := s.wizard.SetAmount(r.Context(), addr, strings.TrimSpace(req.Amount))
	respond(w, view, err)
}

// Advance handles POST /api/v1/wizard/{address}/advance
func (s *Service) Advance(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.wizard.Advance)
}

// Execute handles POST /api/v1/wizard/{address}/execute
func (s *Service) Execute(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.wizard.Execute)
}

// VerifyProgress handles POST /api/v1/wizard/{address}/verify
func (s *Service) VerifyProgress(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.wizard.VerifyProgress)
}

// GoBack handles POST /api/v1/wizard/{address}/back
func (s *Service) GoBack(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.wizard.GoBack)
}

// Reset handles DELETE /api/v1/wizard/{address}
func (s *Service) Reset(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.wizard.Reset)
}

// Scan handles GET /api/v1/recovery/{address}
func (s *Service) Scan(w http.ResponseWriter, r *http.Request) {
	if s.recovery == nil {
		writeError(w, "recovery is not enabled", http.StatusNotFound, "")
		return
	}
	addr, ok := addressParam(w, r)
	if !ok {
		return
	}
	result, err := s.recovery.Scan(r.Context(), addr)
	if err != nil {
		writeError(w, "balances could not be read; try again", http.StatusServiceUnavailable, KindUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Resolve handles POST /api/v1/recovery/{address}/resolve
// Starts a wizard session pre-seeded at the step that finishes the
// chosen resolution.
func (s *Service) Resolve(w http.ResponseWriter, r *http.Request) {
	if s.recovery == nil {
		writeError(w, "recovery is not enabled", http.StatusNotFound, "")
		return
	}
	addr, ok := s.writableAddress(w, r)
	if !ok {
		return
	}
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest, KindValidation)
		return
	}
	view, err := s.recovery.Resolve(r.Context(), addr, req.Asset, req.ResolutionID)
	respond(w, view, err)
}

// --- Helpers ---

func (s *Service) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (View, error)) {
	addr, ok := s.writableAddress(w, r)
	if !ok {
		return
	}
	view, err := fn(r.Context(), addr)
	respond(w, view, err)
}

// writableAddress parses the address and rejects it when the ledger
// client signs for a different account.
func (s *Service) writableAddress(w http.ResponseWriter, r *http.Request) (string, bool) {
	addr, ok := addressParam(w, r)
	if !ok {
		return "", false
	}
	if s.signer != "" && !strings.EqualFold(s.signer, addr) {
		writeError(w, "address is not the configured signer", http.StatusForbidden, KindPreflight)
		return "", false
	}
	return addr, true
}

func addressParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	addr, err := ledger.CheckAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, "invalid address", http.StatusBadRequest, KindValidation)
		return "", false
	}
	return addr, true
}

// errorResponse carries the wizard view alongside the error so a client
// can render the unchanged, resumable state.
type errorResponse struct {
	Error  string `json:"error"`
	Kind   Kind   `json:"kind,omitempty"`
	Wizard *View  `json:"wizard,omitempty"`
}

func respond(w http.ResponseWriter, view View, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, view)
		return
	}

	resp := errorResponse{Error: err.Error(), Wizard: &view}
	status := http.StatusInternalServerError
	var se *StepError
	switch {
	case errors.Is(err, ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, ErrNoSession):
		status = http.StatusNotFound
		resp.Kind = KindState
	case errors.As(err, &se):
		resp.Error = se.Message
		resp.Kind = se.Kind
		status = statusFor(se.Kind)
	}
	writeJSON(w, status, resp)
}

func statusFor(k Kind) int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindState, KindRejected:
		return http.StatusConflict
	case KindPreflight, KindReverted:
		return http.StatusUnprocessableEntity
	case KindUnverified:
		return http.StatusAccepted
	case KindUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int, kind Kind) {
	writeJSON(w, status, errorResponse{Error: message, Kind: kind})
}
