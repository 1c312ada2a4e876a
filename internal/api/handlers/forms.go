package handlers

import (
	"bytes"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/clinicdesk/opd-console/internal/api/middleware"
	"github.com/clinicdesk/opd-console/internal/domain/billing"
	"github.com/clinicdesk/opd-console/internal/domain/common"
	"github.com/clinicdesk/opd-console/internal/domain/visit"
	"github.com/clinicdesk/opd-console/internal/session"
	"github.com/clinicdesk/opd-console/pkg/idempotency"
)

// VisitFormHandler drives the OPD and follow-up forms of the caller's
// workspace
type VisitFormHandler struct {
	workspaces *session.Workspaces
	now        func() time.Time
	logger     *zap.Logger
}

// NewVisitFormHandler creates a new handler
func NewVisitFormHandler(workspaces *session.Workspaces, now func() time.Time, logger *zap.Logger) *VisitFormHandler {
	if now == nil {
		now = time.Now
	}
	return &VisitFormHandler{workspaces: workspaces, now: now, logger: logger}
}

// Routes returns the routes mounted under /forms/{kind}
func (h *VisitFormHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Get)
	r.Post("/search", h.Search)
	r.Get("/search", h.SearchState)
	r.Post("/search/select", h.SelectPatient)
	r.Patch("/fields", h.UpdateFields)
	r.Put("/department", h.SetDepartment)
	r.Put("/doctor", h.SetDoctor)
	r.Get("/investigations", h.SearchInvestigations)
	r.Post("/investigations", h.AddInvestigation)
	r.Put("/investigations/{id}", h.SetQuantity)
	r.Delete("/investigations/{id}", h.RemoveInvestigation)
	r.Post("/submit", h.Submit)
	r.Get("/bill", h.Bill)
	r.Get("/bill/preview", h.BillPreview)
	return r
}

// form resolves the form named by the {kind} URL parameter
func (h *VisitFormHandler) form(w http.ResponseWriter, r *http.Request) (*visit.Form, bool) {
	kind, err := visit.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		jsonError(w, "unknown form", http.StatusNotFound)
		return nil, false
	}
	s := currentSession(r)
	if s == nil {
		jsonError(w, "login required", http.StatusUnauthorized)
		return nil, false
	}
	return h.workspaces.For(s).VisitForm(r.Context(), kind), true
}

// Get handles GET /forms/{kind}
func (h *VisitFormHandler) Get(w http.ResponseWriter, r *http.Request) {
	f, ok := h.form(w, r)
	if !ok {
		return
	}
	jsonResponse(w, f.Snapshot(), http.StatusOK)
}

// SearchRequest feeds the patient search
type SearchRequest struct {
	Query string `json:"q"`
}

// Search handles POST /forms/{kind}/search. The lookup runs once the
// debounce window elapses; poll GET /search for results.
func (h *VisitFormHandler) Search(w http.ResponseWriter, r *http.Request) {
	f, ok := h.form(w, r)
	if !ok {
		return
	}
	var req SearchRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	f.Search().SetQuery(req.Query)
	jsonResponse(w, f.Search().State(), http.StatusAccepted)
}

// SearchState handles GET /forms/{kind}/search
func (h *VisitFormHandler) SearchState(w http.ResponseWriter, r *http.Request) {
	f, ok := h.form(w, r)
	if !ok {
		return
	}
	jsonResponse(w, f.Search().State(), http.StatusOK)
}

// SelectRequest picks a search result
type SelectRequest struct {
	PatientID common.ID `json:"patient_id"`
}

// SelectPatient handles POST /forms/{kind}/search/select
func (h *VisitFormHandler) SelectPatient(w http.ResponseWriter, r *http.Request) {
	f, ok := h.form(w, r)
	if !ok {
		return
	}
	var req SelectRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if _, err := f.Search().Select(r.Context(), req.PatientID); err != nil {
		writeError(w, err, "")
		return
	}
	jsonResponse(w, f.Snapshot(), http.StatusOK)
}

// UpdateFields handles PATCH /forms/{kind}/fields
func (h *VisitFormHandler) UpdateFields(w http.ResponseWriter, r *http.Request) {
	f, ok := h.form(w, r)
	if !ok {
		return
	}
	var patch visit.FieldsPatch
	if err := decodeJSON(r, &patch); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := f.UpdateFields(patch); err != nil {
		writeError(w, err, "")
		return
	}
	jsonResponse(w, f.Snapshot(), http.StatusOK)
}

// DepartmentRequest selects a department
type DepartmentRequest struct {
	DepartmentID common.ID `json:"department_id"`
}

// SetDepartment handles PUT /forms/{kind}/department
func (h *VisitFormHandler) SetDepartment(w http.ResponseWriter, r *http.Request) {
	f, ok := h.form(w, r)
	if !ok {
		return
	}
	var req DepartmentRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := f.SetDepartment(r.Context(), req.DepartmentID); err != nil {
		writeError(w, err, "")
		return
	}
	jsonResponse(w, f.Snapshot(), http.StatusOK)
}

// DoctorRequest selects a doctor
type DoctorRequest struct {
	DoctorID common.ID `json:"doctor_id"`
}

// SetDoctor handles PUT /forms/{kind}/doctor
func (h *VisitFormHandler) SetDoctor(w http.ResponseWriter, r *http.Request) {
	f, ok := h.form(w, r)
	if !ok {
		return
	}
	var req DoctorRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := f.SetDoctor(req.DoctorID); err != nil {
		writeError(w, err, "")
		return
	}
	jsonResponse(w, f.Snapshot(), http.StatusOK)
}

// SearchInvestigations handles GET /forms/{kind}/investigations?term=
func (h *VisitFormHandler) SearchInvestigations(w http.ResponseWriter, r *http.Request) {
	f, ok := h.form(w, r)
	if !ok {
		return
	}
	jsonResponse(w, f.SearchInvestigations(r.URL.Query().Get("term")), http.StatusOK)
}

// InvestigationRequest selects a catalog test
type InvestigationRequest struct {
	TestID common.ID `json:"test_id"`
}

// AddInvestigation handles POST /forms/{kind}/investigations
func (h *VisitFormHandler) AddInvestigation(w http.ResponseWriter, r *http.Request) {
	f, ok := h.form(w, r)
	if !ok {
		return
	}
	var req InvestigationRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if _, err := f.AddInvestigation(req.TestID); err != nil {
		writeError(w, err, "")
		return
	}
	jsonResponse(w, f.Snapshot(), http.StatusCreated)
}

// QuantityRequest carries the raw quantity input; a number or a string
type QuantityRequest struct {
	Quantity common.Text `json:"quantity"`
}

// SetQuantity handles PUT /forms/{kind}/investigations/{id}
func (h *VisitFormHandler) SetQuantity(w http.ResponseWriter, r *http.Request) {
	f, ok := h.form(w, r)
	if !ok {
		return
	}
	var req QuantityRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if _, err := f.SetQuantity(common.ID(chi.URLParam(r, "id")), req.Quantity.String()); err != nil {
		writeError(w, err, "")
		return
	}
	jsonResponse(w, f.Snapshot(), http.StatusOK)
}

// RemoveInvestigation handles DELETE /forms/{kind}/investigations/{id}
func (h *VisitFormHandler) RemoveInvestigation(w http.ResponseWriter, r *http.Request) {
	f, ok := h.form(w, r)
	if !ok {
		return
	}
	if err := f.RemoveInvestigation(common.ID(chi.URLParam(r, "id"))); err != nil {
		writeError(w, err, "")
		return
	}
	jsonResponse(w, f.Snapshot(), http.StatusOK)
}

// SubmitResponse is the answer to a successful submission
type SubmitResponse struct {
	VisitID   common.ID `json:"visit_id"`
	Message   string    `json:"message"`
	Duplicate bool      `json:"duplicate"`
	BillURL   string    `json:"bill_url"`
}

// Submit handles POST /forms/{kind}/submit
func (h *VisitFormHandler) Submit(w http.ResponseWriter, r *http.Request) {
	f, ok := h.form(w, r)
	if !ok {
		return
	}

	res, err := f.Submit(r.Context())
	if err != nil {
		fallback := visit.MsgRegistrationFailed
		if errors.Is(err, idempotency.ErrInProgress) {
			fallback = visit.MsgInProgress
		}
		writeError(w, err, fallback)
		return
	}

	msg := ""
	if n := f.Snapshot().Status.Notice; n != nil {
		msg = n.Text
	}
	h.logger.Info("visit registered",
		zap.String("kind", f.Kind().Slug()),
		zap.String("visit_id", res.VisitID.String()),
		zap.Bool("duplicate", res.Duplicate),
		zap.String("request_id", middleware.GetRequestID(r.Context())))
	jsonResponse(w, SubmitResponse{
		VisitID:   res.VisitID,
		Message:   msg,
		Duplicate: res.Duplicate,
		BillURL:   "/forms/" + f.Kind().Slug() + "/bill",
	}, http.StatusCreated)
}

func (h *VisitFormHandler) lastInvoice(w http.ResponseWriter, r *http.Request) (*visit.Form, billing.Invoice, bool) {
	f, ok := h.form(w, r)
	if !ok {
		return nil, billing.Invoice{}, false
	}
	res, ok := f.LastResult()
	if !ok {
		jsonError(w, "no visit registered yet", http.StatusNotFound)
		return nil, billing.Invoice{}, false
	}
	return f, billing.Compose(res.Record, billedBy(r), h.now()), true
}

// Bill handles GET /forms/{kind}/bill
func (h *VisitFormHandler) Bill(w http.ResponseWriter, r *http.Request) {
	_, inv, ok := h.lastInvoice(w, r)
	if !ok {
		return
	}
	renderHTML(w, h.logger, func(buf *bytes.Buffer) error { return billing.RenderPrint(buf, inv) })
}

// BillPreview handles GET /forms/{kind}/bill/preview
func (h *VisitFormHandler) BillPreview(w http.ResponseWriter, r *http.Request) {
	f, inv, ok := h.lastInvoice(w, r)
	if !ok {
		return
	}
	base := "/forms/" + f.Kind().Slug()
	renderHTML(w, h.logger, func(buf *bytes.Buffer) error {
		return billing.RenderPreview(buf, inv, base+"/bill", base)
	})
}
