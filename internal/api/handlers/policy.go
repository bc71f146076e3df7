package handlers

import (
	"context"
	"encoding/json"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vertical-pharmacy/rxcoverage/internal/api/middleware"
	"github.com/vertical-pharmacy/rxcoverage/internal/domain/coverage"
	"github.com/vertical-pharmacy/rxcoverage/internal/domain/partner"
	"github.com/vertical-pharmacy/rxcoverage/internal/fhir/mapper"
	fhir "github.com/vertical-pharmacy/rxcoverage/internal/fhir/r5"
)

// PartnerLookup resolves display names for FHIR projections
type PartnerLookup interface {
	Get(ctx context.Context, id uuid.UUID) (*partner.Partner, error)
}

// PolicyHandler handles insurance policy endpoints
type PolicyHandler struct {
	svc      *coverage.Service
	partners PartnerLookup
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewPolicyHandler creates a new handler. partners may be nil.
func NewPolicyHandler(svc *coverage.Service, partners PartnerLookup, logger *zap.Logger) *PolicyHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PolicyHandler{
		svc:      svc,
		partners: partners,
		logger:   logger,
		tracer:   otel.Tracer("policy-handler"),
	}
}

// Routes returns the handler routes
func (h *PolicyHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Register)
	r.Get("/", h.ListByPatient)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Patch("/", h.UpdateTerms)
		r.Post("/deactivate", h.Deactivate)
		r.Get("/validity", h.Validity)
		r.Post("/quote", h.Quote)
		r.Post("/settle", h.Settle)
		r.Post("/deductible/reset", h.ResetDeductible)
		r.Get("/fhir", h.FHIR)
	})
	return r
}

func (h *PolicyHandler) policyID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		jsonError(w, "policy id must be a UUID", "invalid_argument", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// Register handles POST /policies. A FHIR Coverage body is accepted with
// Content-Type application/fhir+json.
func (h *PolicyHandler) Register(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "http_register_policy")
	defer span.End()

	var in coverage.RegisterInput
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/fhir+json" {
		var c fhir.Coverage
		if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
			writeFHIR(w, http.StatusBadRequest, fhir.NewErrorOutcome(fhir.IssueInvalid, "invalid request body"))
			return
		}
		mapped, err := mapper.RegisterInput(&c)
		if err != nil {
			writeFHIRError(w, h.logger, err)
			return
		}
		in = mapped
	} else if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		jsonError(w, "invalid request body", "invalid_argument", http.StatusBadRequest)
		return
	}

	p, err := h.svc.Register(ctx, in)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	span.SetAttributes(attribute.String("policy_id", p.ID.String()))
	h.logger.Info("policy registered via api",
		zap.Stringer("policy_id", p.ID),
		zap.String("request_id", middleware.GetRequestID(ctx)),
		zap.String("client_id", middleware.GetClientID(ctx)))

	w.Header().Set("Location", "/api/v1/policies/"+p.ID.String())
	writeJSON(w, http.StatusCreated, p)
}

// Get handles GET /policies/{id}
func (h *PolicyHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.policyID(w, r)
	if !ok {
		return
	}
	p, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListByPatient handles GET /policies?patient_id=
func (h *PolicyHandler) ListByPatient(w http.ResponseWriter, r *http.Request) {
	patientID, err := uuid.Parse(r.URL.Query().Get("patient_id"))
	if err != nil {
		jsonError(w, "patient_id query parameter must be a UUID", "invalid_argument", http.StatusBadRequest)
		return
	}
	policies, err := h.svc.ListByPatient(r.Context(), patientID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if policies == nil {
		policies = []*coverage.Policy{}
	}
	writeJSON(w, http.StatusOK, policies)
}

// UpdateTerms handles PATCH /policies/{id}
func (h *PolicyHandler) UpdateTerms(w http.ResponseWriter, r *http.Request) {
	id, ok := h.policyID(w, r)
	if !ok {
		return
	}
	var update coverage.TermsUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		jsonError(w, "invalid request body", "invalid_argument", http.StatusBadRequest)
		return
	}
	p, err := h.svc.UpdateTerms(r.Context(), id, update)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Deactivate handles POST /policies/{id}/deactivate
func (h *PolicyHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.policyID(w, r)
	if !ok {
		return
	}
	p, err := h.svc.Deactivate(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Validity handles GET /policies/{id}/validity?as_of=YYYY-MM-DD
func (h *PolicyHandler) Validity(w http.ResponseWriter, r *http.Request) {
	id, ok := h.policyID(w, r)
	if !ok {
		return
	}
	asOf, err := parseDate(r.URL.Query().Get("as_of"))
	if err != nil {
		jsonError(w, err.Error(), "invalid_argument", http.StatusBadRequest)
		return
	}
	v, err := h.svc.Validity(r.Context(), id, asOf)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// ChargeRequest is the body of quote and settle calls
type ChargeRequest struct {
	DispenseID string          `json:"dispense_id,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	AsOf       string          `json:"as_of,omitempty"`
}

func (h *PolicyHandler) decodeCharge(w http.ResponseWriter, r *http.Request) (ChargeRequest, time.Time, bool) {
	var req ChargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", "invalid_argument", http.StatusBadRequest)
		return req, time.Time{}, false
	}
	asOf, err := parseDate(req.AsOf)
	if err != nil {
		jsonError(w, err.Error(), "invalid_argument", http.StatusBadRequest)
		return req, time.Time{}, false
	}
	return req, asOf, true
}

// Quote handles POST /policies/{id}/quote
func (h *PolicyHandler) Quote(w http.ResponseWriter, r *http.Request) {
	id, ok := h.policyID(w, r)
	if !ok {
		return
	}
	req, asOf, ok := h.decodeCharge(w, r)
	if !ok {
		return
	}
	split, err := h.svc.Quote(r.Context(), id, req.Amount, asOf)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, split)
}

// Settle handles POST /policies/{id}/settle
func (h *PolicyHandler) Settle(w http.ResponseWriter, r *http.Request) {
	id, ok := h.policyID(w, r)
	if !ok {
		return
	}
	req, asOf, ok := h.decodeCharge(w, r)
	if !ok {
		return
	}
	settlement, err := h.svc.Settle(r.Context(), coverage.SettleInput{
		PolicyID:   id,
		DispenseID: req.DispenseID,
		Amount:     req.Amount,
		AsOf:       asOf,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, settlement)
}

// ResetDeductible handles POST /policies/{id}/deductible/reset
func (h *PolicyHandler) ResetDeductible(w http.ResponseWriter, r *http.Request) {
	id, ok := h.policyID(w, r)
	if !ok {
		return
	}
	p, err := h.svc.ResetDeductible(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// FHIR handles GET /policies/{id}/fhir
func (h *PolicyHandler) FHIR(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeFHIR(w, http.StatusBadRequest, fhir.NewErrorOutcome(fhir.IssueInvalid, "policy id must be a UUID"))
		return
	}
	p, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeFHIRError(w, h.logger, err)
		return
	}

	var insurerName string
	if h.partners != nil {
		if insurer, err := h.partners.Get(r.Context(), p.InsurerID); err == nil {
			insurerName = insurer.Name
		}
	}
	writeFHIR(w, http.StatusOK, mapper.Coverage(p, insurerName))
}
