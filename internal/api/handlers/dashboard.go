package handlers

import (
	"bytes"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/clinicdesk/opd-console/internal/domain/billing"
	"github.com/clinicdesk/opd-console/internal/domain/common"
	"github.com/clinicdesk/opd-console/internal/domain/visit"
)

const isoDate = "2006-01-02"

// DashboardHandler serves the daily overview and bill reprints
type DashboardHandler struct {
	reports visit.Reports
	now     func() time.Time
	logger  *zap.Logger
}

// NewDashboardHandler creates a new handler
func NewDashboardHandler(reports visit.Reports, now func() time.Time, logger *zap.Logger) *DashboardHandler {
	if now == nil {
		now = time.Now
	}
	return &DashboardHandler{reports: reports, now: now, logger: logger}
}

// Routes returns the dashboard routes
func (h *DashboardHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Get)
	return r
}

// VisitRoutes returns the bill reprint routes
func (h *DashboardHandler) VisitRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{id}/bill", h.Bill)
	r.Get("/{id}/bill/preview", h.BillPreview)
	return r
}

// Get handles GET /dashboard?date=YYYY-MM-DD
func (h *DashboardHandler) Get(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = h.now().Format(isoDate)
	} else if _, err := time.Parse(isoDate, date); err != nil {
		jsonResponse(w, ErrorResponse{Error: "date must be YYYY-MM-DD", Field: "date"}, http.StatusUnprocessableEntity)
		return
	}
	jsonResponse(w, visit.LoadDashboard(r.Context(), h.reports, date, h.logger), http.StatusOK)
}

func (h *DashboardHandler) invoice(w http.ResponseWriter, r *http.Request) (billing.Invoice, bool) {
	id := common.ID(chi.URLParam(r, "id"))
	rec, err := h.reports.GetVisit(r.Context(), id)
	if err != nil {
		h.logger.Warn("failed to load visit for reprint", zap.String("visit_id", id.String()), zap.Error(err))
		writeError(w, err, "Failed to load visit")
		return billing.Invoice{}, false
	}
	return billing.Compose(rec, billedBy(r), h.now()), true
}

// Bill handles GET /visits/{id}/bill
func (h *DashboardHandler) Bill(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.invoice(w, r)
	if !ok {
		return
	}
	renderHTML(w, h.logger, func(buf *bytes.Buffer) error { return billing.RenderPrint(buf, inv) })
}

// BillPreview handles GET /visits/{id}/bill/preview
func (h *DashboardHandler) BillPreview(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.invoice(w, r)
	if !ok {
		return
	}
	printURL := "/visits/" + inv.Record.VisitID.String() + "/bill"
	renderHTML(w, h.logger, func(buf *bytes.Buffer) error {
		return billing.RenderPreview(buf, inv, printURL, "/dashboard")
	})
}

// renderHTML renders into a buffer first so a template error never leaves
// a half-written page
func renderHTML(w http.ResponseWriter, logger *zap.Logger, render func(*bytes.Buffer) error) {
	var buf bytes.Buffer
	if err := render(&buf); err != nil {
		logger.Error("failed to render bill", zap.Error(err))
		jsonError(w, "failed to render bill", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}
