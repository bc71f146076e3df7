package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vertical-pharmacy/rxcoverage/internal/domain/catalog"
)

// CategoryView is one product category and its dispensing rule
type CategoryView struct {
	Code                 catalog.Category `json:"code"`
	RequiresPrescription bool             `json:"requires_prescription"`
}

// CatalogHandler serves the product category list
type CatalogHandler struct{}

// Routes returns the handler routes
func (h CatalogHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Get("/{code}", h.Get)
	return r
}

// List handles GET /categories
func (CatalogHandler) List(w http.ResponseWriter, r *http.Request) {
	out := make([]CategoryView, 0, len(catalog.Categories))
	for _, c := range catalog.Categories {
		out = append(out, CategoryView{Code: c, RequiresPrescription: catalog.RequiresPrescription(c)})
	}
	writeJSON(w, http.StatusOK, out)
}

// Get handles GET /categories/{code}
func (CatalogHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := catalog.Parse(chi.URLParam(r, "code"))
	if err != nil {
		jsonError(w, err.Error(), "not_found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, CategoryView{Code: c, RequiresPrescription: catalog.RequiresPrescription(c)})
}
