package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/clinicdesk/opd-console/internal/domain/admin"
	"github.com/clinicdesk/opd-console/internal/domain/catalog"
	"github.com/clinicdesk/opd-console/internal/domain/common"
	"github.com/clinicdesk/opd-console/internal/domain/form"
	"github.com/clinicdesk/opd-console/internal/domain/visit"
	"github.com/clinicdesk/opd-console/internal/session"
)

// AdminHandler serves the super admin management console
type AdminHandler struct {
	workspaces *session.Workspaces
	logger     *zap.Logger
}

// NewAdminHandler creates a new handler
func NewAdminHandler(workspaces *session.Workspaces, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{workspaces: workspaces, logger: logger}
}

// Routes returns the routes mounted under /admin
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Get)
	r.Get("/stats", h.Stats)

	r.Get("/staff", h.ListStaff)
	r.Post("/staff", h.CreateStaff)
	r.Get("/doctors", h.ListDoctors)
	r.Post("/doctors", h.CreateDoctor)
	r.Get("/departments", h.ListDepartments)
	r.Post("/departments", h.CreateDepartment)
	r.Get("/tests", h.ListTests)
	r.Post("/tests", h.SaveTest)
	r.Post("/tests/{id}/edit", h.BeginEdit)
	r.Delete("/tests/edit", h.CancelEdit)
	r.Post("/tests/{id}/toggle", h.ToggleTest)

	r.Post("/confirmations/{token}", h.ConfirmDelete)
	r.Delete("/confirmations/{token}", h.CancelDelete)
	r.Delete("/{kind}/{id}", h.RequestDelete)
	return r
}

func (h *AdminHandler) console(w http.ResponseWriter, r *http.Request) (*admin.Console, bool) {
	s := currentSession(r)
	if s == nil {
		jsonError(w, "login required", http.StatusUnauthorized)
		return nil, false
	}
	return h.workspaces.For(s).Admin(r.Context()), true
}

// MutationResponse reports a successful mutation with its tab notice
type MutationResponse struct {
	Message string      `json:"message"`
	Status  form.Status `json:"status"`
}

// respondMutation answers a tab mutation. The user facing text comes from
// the tab notice so fixed failure messages are kept.
func (h *AdminHandler) respondMutation(w http.ResponseWriter, c *admin.Console, k admin.Kind, err error, code int) {
	status := c.Snapshot().Status[k]
	if err != nil {
		if rejectedLocally(err) || status.Notice == nil || status.Notice.Outcome != form.OutcomeFailure {
			writeError(w, err, admin.MsgFailed)
			return
		}
		jsonError(w, status.Notice.Text, statusOf(err))
		return
	}
	msg := ""
	if status.Notice != nil {
		msg = status.Notice.Text
	}
	jsonResponse(w, MutationResponse{Message: msg, Status: status}, code)
}

// rejectedLocally reports errors raised before any upstream request
func rejectedLocally(err error) bool {
	return form.IsValidation(err) ||
		errors.Is(err, form.ErrSubmitting) ||
		errors.Is(err, admin.ErrRecordNotFound) ||
		errors.Is(err, admin.ErrConfirmationNotFound)
}

// Get handles GET /admin
func (h *AdminHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, ok := h.console(w, r)
	if !ok {
		return
	}
	jsonResponse(w, c.Snapshot(), http.StatusOK)
}

// Stats handles GET /admin/stats
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	c, ok := h.console(w, r)
	if !ok {
		return
	}
	jsonResponse(w, c.Snapshot().Stats, http.StatusOK)
}

// ListStaff handles GET /admin/staff
func (h *AdminHandler) ListStaff(w http.ResponseWriter, r *http.Request) {
	c, ok := h.console(w, r)
	if !ok {
		return
	}
	c.Refresh(r.Context(), admin.KindStaff)
	jsonResponse(w, c.Snapshot().Staff, http.StatusOK)
}

// CreateStaff handles POST /admin/staff
func (h *AdminHandler) CreateStaff(w http.ResponseWriter, r *http.Request) {
	c, ok := h.console(w, r)
	if !ok {
		return
	}
	var req admin.NewStaff
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	h.respondMutation(w, c, admin.KindStaff, c.CreateStaff(r.Context(), req), http.StatusCreated)
}

// DoctorRow is a doctor with its department label resolved
type DoctorRow struct {
	visit.Doctor
	DepartmentName string `json:"department_name"`
}

// ListDoctors handles GET /admin/doctors
func (h *AdminHandler) ListDoctors(w http.ResponseWriter, r *http.Request) {
	c, ok := h.console(w, r)
	if !ok {
		return
	}
	c.Refresh(r.Context(), admin.KindDoctor, admin.KindDepartment)
	doctors := c.Snapshot().Doctors
	rows := make([]DoctorRow, 0, len(doctors))
	for _, d := range doctors {
		rows = append(rows, DoctorRow{Doctor: d, DepartmentName: c.DepartmentName(d.DepartmentID)})
	}
	jsonResponse(w, rows, http.StatusOK)
}

// CreateDoctor handles POST /admin/doctors
func (h *AdminHandler) CreateDoctor(w http.ResponseWriter, r *http.Request) {
	c, ok := h.console(w, r)
	if !ok {
		return
	}
	var req admin.NewDoctor
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	h.respondMutation(w, c, admin.KindDoctor, c.CreateDoctor(r.Context(), req), http.StatusCreated)
}

// ListDepartments handles GET /admin/departments
func (h *AdminHandler) ListDepartments(w http.ResponseWriter, r *http.Request) {
	c, ok := h.console(w, r)
	if !ok {
		return
	}
	c.Refresh(r.Context(), admin.KindDepartment)
	jsonResponse(w, c.Snapshot().Departments, http.StatusOK)
}

// CreateDepartment handles POST /admin/departments
func (h *AdminHandler) CreateDepartment(w http.ResponseWriter, r *http.Request) {
	c, ok := h.console(w, r)
	if !ok {
		return
	}
	var req admin.NewDepartment
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	h.respondMutation(w, c, admin.KindDepartment, c.CreateDepartment(r.Context(), req), http.StatusCreated)
}

// TestsResponse lists the catalog with the test under edit
type TestsResponse struct {
	Tests   []catalog.Entry `json:"tests"`
	Editing *common.ID      `json:"editing,omitempty"`
}

// ListTests handles GET /admin/tests
func (h *AdminHandler) ListTests(w http.ResponseWriter, r *http.Request) {
	c, ok := h.console(w, r)
	if !ok {
		return
	}
	c.Refresh(r.Context(), admin.KindTest)
	snap := c.Snapshot()
	jsonResponse(w, TestsResponse{Tests: snap.Tests, Editing: snap.EditingTest}, http.StatusOK)
}

// SaveTest handles POST /admin/tests. It updates the test under edit or
// creates a new one.
func (h *AdminHandler) SaveTest(w http.ResponseWriter, r *http.Request) {
	c, ok := h.console(w, r)
	if !ok {
		return
	}
	var req admin.TestInput
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	code := http.StatusCreated
	if _, editing := c.Editing(); editing {
		code = http.StatusOK
	}
	h.respondMutation(w, c, admin.KindTest, c.SaveTest(r.Context(), req), code)
}

// BeginEdit handles POST /admin/tests/{id}/edit
func (h *AdminHandler) BeginEdit(w http.ResponseWriter, r *http.Request) {
	c, ok := h.console(w, r)
	if !ok {
		return
	}
	in, err := c.BeginEdit(common.ID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, err, "")
		return
	}
	jsonResponse(w, in, http.StatusOK)
}

// CancelEdit handles DELETE /admin/tests/edit
func (h *AdminHandler) CancelEdit(w http.ResponseWriter, r *http.Request) {
	c, ok := h.console(w, r)
	if !ok {
		return
	}
	c.CancelEdit()
	w.WriteHeader(http.StatusNoContent)
}

// ToggleTest handles POST /admin/tests/{id}/toggle
func (h *AdminHandler) ToggleTest(w http.ResponseWriter, r *http.Request) {
	c, ok := h.console(w, r)
	if !ok {
		return
	}
	err := c.ToggleTest(r.Context(), common.ID(chi.URLParam(r, "id")))
	h.respondMutation(w, c, admin.KindTest, err, http.StatusOK)
}

// RequestDelete handles DELETE /admin/{kind}/{id}. Nothing is deleted until
// the returned confirmation is posted back.
func (h *AdminHandler) RequestDelete(w http.ResponseWriter, r *http.Request) {
	c, ok := h.console(w, r)
	if !ok {
		return
	}
	kind, err := admin.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	conf, err := c.RequestDelete(kind, common.ID(chi.URLParam(r, "id")))
	if err != nil {
		writeError(w, err, "")
		return
	}
	jsonResponse(w, conf, http.StatusAccepted)
}

// ConfirmDelete handles POST /admin/confirmations/{token}
func (h *AdminHandler) ConfirmDelete(w http.ResponseWriter, r *http.Request) {
	c, ok := h.console(w, r)
	if !ok {
		return
	}
	token := chi.URLParam(r, "token")
	var kind admin.Kind
	for _, p := range c.Snapshot().Pending {
		if p.Token == token {
			kind = p.Kind
		}
	}
	err := c.ConfirmDelete(r.Context(), token)
	if err != nil && kind == "" {
		writeError(w, err, "")
		return
	}
	h.respondMutation(w, c, kind, err, http.StatusOK)
}

// CancelDelete handles DELETE /admin/confirmations/{token}
func (h *AdminHandler) CancelDelete(w http.ResponseWriter, r *http.Request) {
	c, ok := h.console(w, r)
	if !ok {
		return
	}
	if err := c.CancelDelete(chi.URLParam(r, "token")); err != nil {
		writeError(w, err, "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
