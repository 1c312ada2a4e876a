package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clinicdesk/opd-console/internal/audit"
	"github.com/clinicdesk/opd-console/internal/domain/admin"
	"github.com/clinicdesk/opd-console/internal/domain/billing"
	"github.com/clinicdesk/opd-console/internal/domain/catalog"
	"github.com/clinicdesk/opd-console/internal/domain/patient"
	"github.com/clinicdesk/opd-console/internal/domain/visit"
	"github.com/clinicdesk/opd-console/internal/observability/metrics"
	"github.com/clinicdesk/opd-console/pkg/idempotency"
)

// Factory holds what every workspace form is built from
type Factory struct {
	Patients  patient.Gateway
	Visits    visit.Gateway
	Catalog   catalog.Lister
	Admin     admin.Gateway
	Converter patient.DateConverter
	Recorder  audit.Recorder
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
	Inbox     *idempotency.Inbox
	Search    patient.SearchOptions
	Now       func() time.Time

	RegistrationCharge billing.Amount
}

// Workspace holds the open forms of one session. Forms are created on first
// use and live until logout.
type Workspace struct {
	ctx     context.Context
	cancel  context.CancelFunc
	factory Factory
	logger  *zap.Logger

	mu       sync.Mutex
	register *patient.RegisterForm
	edit     *patient.EditForm
	visits   map[visit.Kind]*visit.Form
	admin    *admin.Console
}

func newWorkspace(f Factory, s *Session) *Workspace {
	ctx, cancel := context.WithCancel(Context(context.Background(), s))
	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Workspace{
		ctx:     ctx,
		cancel:  cancel,
		factory: f,
		logger:  logger.With(zap.String("session_id", s.ID)),
		visits:  make(map[visit.Kind]*visit.Form),
	}
}

func (w *Workspace) patientDeps() patient.Deps {
	return patient.Deps{
		Gateway:   w.factory.Patients,
		Converter: w.factory.Converter,
		Recorder:  w.factory.Recorder,
		Metrics:   w.factory.Metrics,
		Logger:    w.logger,
	}
}

// RegisterForm returns the patient registration form
func (w *Workspace) RegisterForm(ctx context.Context) *patient.RegisterForm {
	w.mu.Lock()
	f, created := w.register, false
	if f == nil {
		f, created = patient.NewRegisterForm(w.patientDeps()), true
		w.register = f
	}
	w.mu.Unlock()

	if created {
		f.Mount(ctx)
	}
	return f
}

// EditForm returns the patient edit form
func (w *Workspace) EditForm() *patient.EditForm {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.edit == nil {
		w.edit = patient.NewEditForm(w.ctx, w.patientDeps(), w.factory.Search)
	}
	return w.edit
}

// VisitForm returns the OPD or follow-up form
func (w *Workspace) VisitForm(ctx context.Context, kind visit.Kind) *visit.Form {
	w.mu.Lock()
	f, created := w.visits[kind], false
	if f == nil {
		f = visit.NewForm(w.ctx, kind, visit.Deps{
			Gateway:            w.factory.Visits,
			Catalog:            w.factory.Catalog,
			Patients:           w.factory.Patients,
			Recorder:           w.factory.Recorder,
			Metrics:            w.factory.Metrics,
			Logger:             w.logger,
			Now:                w.factory.Now,
			Search:             w.factory.Search,
			Inbox:              w.factory.Inbox,
			RegistrationCharge: w.factory.RegistrationCharge,
		})
		w.visits[kind], created = f, true
	}
	w.mu.Unlock()

	if created {
		f.Mount(ctx)
	}
	return f
}

// Admin returns the super admin console
func (w *Workspace) Admin(ctx context.Context) *admin.Console {
	w.mu.Lock()
	c, created := w.admin, false
	if c == nil {
		c = admin.NewConsole(admin.Deps{
			Gateway:  w.factory.Admin,
			Recorder: w.factory.Recorder,
			Metrics:  w.factory.Metrics,
			Logger:   w.logger,
			Now:      w.factory.Now,
		})
		w.admin, created = c, true
	}
	w.mu.Unlock()

	if created {
		c.Mount(ctx)
	}
	return c
}

// Close stops every debounced search and cancels in-flight lookups
func (w *Workspace) Close() {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.edit != nil {
		w.edit.Close()
	}
	for _, f := range w.visits {
		f.Close()
	}
}

// Workspaces maps session ids to workspaces
type Workspaces struct {
	factory Factory

	mu    sync.Mutex
	items map[string]*Workspace
}

// NewWorkspaces creates an empty registry
func NewWorkspaces(f Factory) *Workspaces {
	return &Workspaces{factory: f, items: make(map[string]*Workspace)}
}

// For returns the workspace of s, creating it on first use
func (ws *Workspaces) For(s *Session) *Workspace {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	w, ok := ws.items[s.ID]
	if !ok {
		w = newWorkspace(ws.factory, s)
		ws.items[s.ID] = w
	}
	return w
}

// Len returns the number of open workspaces
func (ws *Workspaces) Len() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.items)
}

// Close tears down the workspace of session id
func (ws *Workspaces) Close(id string) {
	ws.mu.Lock()
	w, ok := ws.items[id]
	delete(ws.items, id)
	ws.mu.Unlock()
	if ok {
		w.Close()
	}
}

// CloseAll tears down every workspace
func (ws *Workspaces) CloseAll() {
	ws.mu.Lock()
	items := ws.items
	ws.items = make(map[string]*Workspace)
	ws.mu.Unlock()
	for _, w := range items {
		w.Close()
	}
}
