package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/clinicdesk/opd-console/internal/domain/common"
	"github.com/clinicdesk/opd-console/internal/domain/patient"
	"github.com/clinicdesk/opd-console/internal/session"
)

// PatientHandler drives the patient register and edit forms
type PatientHandler struct {
	workspaces *session.Workspaces
	logger     *zap.Logger
}

// NewPatientHandler creates a new handler
func NewPatientHandler(workspaces *session.Workspaces, logger *zap.Logger) *PatientHandler {
	return &PatientHandler{workspaces: workspaces, logger: logger}
}

// Routes returns the routes mounted under /patients
func (h *PatientHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/recent", h.Recent)

	r.Route("/register", func(r chi.Router) {
		r.Get("/", h.GetRegister)
		r.Patch("/fields", h.UpdateRegister)
		r.Put("/dob", h.SetRegisterDOB)
		r.Post("/submit", h.SubmitRegister)
	})

	r.Route("/edit", func(r chi.Router) {
		r.Get("/", h.GetEdit)
		r.Post("/search", h.SearchEdit)
		r.Get("/search", h.SearchEditState)
		r.Post("/search/select", h.SelectEdit)
		r.Patch("/fields", h.UpdateEdit)
		r.Put("/dob", h.SetEditDOB)
		r.Post("/submit", h.SubmitEdit)
	})
	return r
}

func (h *PatientHandler) workspace(w http.ResponseWriter, r *http.Request) (*session.Workspace, bool) {
	s := currentSession(r)
	if s == nil {
		jsonError(w, "login required", http.StatusUnauthorized)
		return nil, false
	}
	return h.workspaces.For(s), true
}

// DOBRequest sets one calendar representation of the date of birth
type DOBRequest struct {
	Calendar patient.Calendar `json:"calendar"`
	Value    string           `json:"value"`
}

// Recent handles GET /patients/recent
func (h *PatientHandler) Recent(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	jsonResponse(w, ws.RegisterForm(r.Context()).Snapshot().Recent, http.StatusOK)
}

// GetRegister handles GET /patients/register
func (h *PatientHandler) GetRegister(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	jsonResponse(w, ws.RegisterForm(r.Context()).Snapshot(), http.StatusOK)
}

// UpdateRegister handles PATCH /patients/register/fields
func (h *PatientHandler) UpdateRegister(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	var patch patient.Patch
	if err := decodeJSON(r, &patch); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	f := ws.RegisterForm(r.Context())
	if err := f.Update(patch); err != nil {
		writeError(w, err, "")
		return
	}
	jsonResponse(w, f.Snapshot(), http.StatusOK)
}

// SetRegisterDOB handles PUT /patients/register/dob
func (h *PatientHandler) SetRegisterDOB(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	var req DOBRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	f := ws.RegisterForm(r.Context())
	if err := f.SetDOB(req.Calendar, req.Value); err != nil {
		writeDOBError(w, err)
		return
	}
	jsonResponse(w, f.Snapshot(), http.StatusOK)
}

// RegisterResponse is the answer to a successful registration
type RegisterResponse struct {
	PatientID common.ID `json:"patient_id"`
	Message   string    `json:"message"`
}

// SubmitRegister handles POST /patients/register/submit
func (h *PatientHandler) SubmitRegister(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	f := ws.RegisterForm(r.Context())
	id, err := f.Submit(r.Context())
	if err != nil {
		writeError(w, err, patient.MsgRegisterFailed)
		return
	}
	msg := ""
	if n := f.Snapshot().Status.Notice; n != nil {
		msg = n.Text
	}
	jsonResponse(w, RegisterResponse{PatientID: id, Message: msg}, http.StatusCreated)
}

// GetEdit handles GET /patients/edit
func (h *PatientHandler) GetEdit(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	jsonResponse(w, ws.EditForm().Snapshot(), http.StatusOK)
}

// SearchEdit handles POST /patients/edit/search
func (h *PatientHandler) SearchEdit(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	var req SearchRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	search := ws.EditForm().Search()
	search.SetQuery(req.Query)
	jsonResponse(w, search.State(), http.StatusAccepted)
}

// SearchEditState handles GET /patients/edit/search
func (h *PatientHandler) SearchEditState(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	jsonResponse(w, ws.EditForm().Search().State(), http.StatusOK)
}

// SelectEdit handles POST /patients/edit/search/select
func (h *PatientHandler) SelectEdit(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	var req SelectRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	f := ws.EditForm()
	if _, err := f.Search().Select(r.Context(), req.PatientID); err != nil {
		writeError(w, err, "")
		return
	}
	jsonResponse(w, f.Snapshot(), http.StatusOK)
}

// UpdateEdit handles PATCH /patients/edit/fields
func (h *PatientHandler) UpdateEdit(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	var patch patient.Patch
	if err := decodeJSON(r, &patch); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	f := ws.EditForm()
	if err := f.Update(patch); err != nil {
		writeError(w, err, "")
		return
	}
	jsonResponse(w, f.Snapshot(), http.StatusOK)
}

// SetEditDOB handles PUT /patients/edit/dob
func (h *PatientHandler) SetEditDOB(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	var req DOBRequest
	if err := decodeJSON(r, &req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	f := ws.EditForm()
	if err := f.SetDOB(req.Calendar, req.Value); err != nil {
		writeDOBError(w, err)
		return
	}
	jsonResponse(w, f.Snapshot(), http.StatusOK)
}

// SubmitEdit handles POST /patients/edit/submit
func (h *PatientHandler) SubmitEdit(w http.ResponseWriter, r *http.Request) {
	ws, ok := h.workspace(w, r)
	if !ok {
		return
	}
	f := ws.EditForm()
	if err := f.Submit(r.Context()); err != nil {
		writeError(w, err, patient.MsgUpdateFailed)
		return
	}
	jsonResponse(w, f.Snapshot(), http.StatusOK)
}

func writeDOBError(w http.ResponseWriter, err error) {
	if statusOf(err) == http.StatusUnprocessableEntity {
		writeError(w, err, "")
		return
	}
	jsonResponse(w, ErrorResponse{Error: err.Error(), Field: "dob"}, http.StatusUnprocessableEntity)
}
