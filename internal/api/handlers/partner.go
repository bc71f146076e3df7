package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vertical-pharmacy/rxcoverage/internal/domain/partner"
	"github.com/vertical-pharmacy/rxcoverage/internal/fhir/mapper"
	fhir "github.com/vertical-pharmacy/rxcoverage/internal/fhir/r5"
)

// PartnerHandler handles patient, prescriber, laboratory and insurer endpoints
type PartnerHandler struct {
	svc    *partner.Service
	logger *zap.Logger
}

// NewPartnerHandler creates a new handler
func NewPartnerHandler(svc *partner.Service, logger *zap.Logger) *PartnerHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PartnerHandler{svc: svc, logger: logger}
}

// Routes returns the handler routes
func (h *PartnerHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Patch("/", h.Update)
		r.Delete("/", h.Delete)
		r.Get("/fhir", h.FHIR)
	})
	return r
}

func (h *PartnerHandler) partnerID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		jsonError(w, "partner id must be a UUID", "invalid_argument", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// Create handles POST /partners
func (h *PartnerHandler) Create(w http.ResponseWriter, r *http.Request) {
	var p partner.Partner
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		jsonError(w, "invalid request body", "invalid_argument", http.StatusBadRequest)
		return
	}
	created, err := h.svc.Create(r.Context(), &p)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.Header().Set("Location", "/api/v1/partners/"+created.ID.String())
	writeJSON(w, http.StatusCreated, created)
}

// List handles GET /partners?role=patient|prescriber|laboratory|insurer
func (h *PartnerHandler) List(w http.ResponseWriter, r *http.Request) {
	role := partner.Role(r.URL.Query().Get("role"))
	switch role {
	case partner.RoleAny, partner.RolePatient, partner.RolePrescriber, partner.RoleLaboratory, partner.RoleInsurer:
	default:
		jsonError(w, "unknown role "+string(role), "invalid_argument", http.StatusBadRequest)
		return
	}
	list, err := h.svc.List(r.Context(), role)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if list == nil {
		list = []*partner.Partner{}
	}
	writeJSON(w, http.StatusOK, list)
}

// Get handles GET /partners/{id}
func (h *PartnerHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.partnerID(w, r)
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

// Update handles PATCH /partners/{id}
func (h *PartnerHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := h.partnerID(w, r)
	if !ok {
		return
	}
	var u partner.Update
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		jsonError(w, "invalid request body", "invalid_argument", http.StatusBadRequest)
		return
	}
	p, err := h.svc.Update(r.Context(), id, u)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Delete handles DELETE /partners/{id}
func (h *PartnerHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.partnerID(w, r)
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// FHIR handles GET /partners/{id}/fhir
func (h *PartnerHandler) FHIR(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeFHIR(w, http.StatusBadRequest, fhir.NewErrorOutcome(fhir.IssueInvalid, "partner id must be a UUID"))
		return
	}
	p, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeFHIRError(w, h.logger, err)
		return
	}
	writeFHIR(w, http.StatusOK, mapper.Partner(p))
}
