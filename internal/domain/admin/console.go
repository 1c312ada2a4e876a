package admin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/clinicdesk/opd-console/internal/audit"
	"github.com/clinicdesk/opd-console/internal/domain/catalog"
	"github.com/clinicdesk/opd-console/internal/domain/common"
	"github.com/clinicdesk/opd-console/internal/domain/form"
	"github.com/clinicdesk/opd-console/internal/domain/visit"
	"github.com/clinicdesk/opd-console/internal/observability/metrics"
)

// Notices shown on the admin tabs
const (
	MsgStaffCreated      = "Staff Created Successfully!"
	MsgDoctorCreated     = "Doctor Added Successfully!"
	MsgDepartmentCreated = "Department Created Successfully!"
	MsgTestAdded         = "Test Added Successfully!"
	MsgTestUpdated       = "Test Updated Successfully!"
	MsgTestToggled       = "Test status toggled!"
	MsgDeleted           = "Deleted Successfully"
	MsgFailed            = "Failed"
	MsgDeleteFailed      = "Failed to delete"
	MsgToggleFailed      = "Failed to toggle status"
)

// DefaultConfirmationTTL bounds how long a delete confirmation stays valid
const DefaultConfirmationTTL = 5 * time.Minute

var (
	// ErrConfirmationNotFound is returned for an unknown, used or expired token
	ErrConfirmationNotFound = errors.New("delete confirmation not found")
	// ErrRecordNotFound is returned when the record is not in the current list
	ErrRecordNotFound = errors.New("record not found")
)

// Confirmation is a pending delete awaiting the user's explicit approval
type Confirmation struct {
	Token     string    `json:"confirmation"`
	Kind      Kind      `json:"kind"`
	ID        common.ID `json:"id"`
	Name      string    `json:"name"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Deps are the collaborators of a Console
type Deps struct {
	Gateway  Gateway
	Recorder audit.Recorder
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
	Now      func() time.Time

	// ConfirmationTTL defaults to DefaultConfirmationTTL
	ConfirmationTTL time.Duration
}

// Snapshot is the observable state of the console
type Snapshot struct {
	Stats       Stats                `json:"stats"`
	Staff       []Staff              `json:"staff"`
	Doctors     []visit.Doctor       `json:"doctors"`
	Departments []visit.Department   `json:"departments"`
	Tests       []catalog.Entry      `json:"tests"`
	Status      map[Kind]form.Status `json:"status"`
	EditingTest *common.ID           `json:"editing_test,omitempty"`
	Pending     []Confirmation       `json:"pending_deletes"`
}

// Console is one super admin's management view. Each tab has its own
// submission lifecycle.
type Console struct {
	deps   Deps
	logger *zap.Logger
	tabs   map[Kind]*form.Machine

	mu          sync.Mutex
	stats       Stats
	staff       []Staff
	doctors     []visit.Doctor
	departments []visit.Department
	tests       []catalog.Entry
	editing     *common.ID
	pending     map[string]Confirmation
}

// NewConsole creates an empty console
func NewConsole(deps Deps) *Console {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.ConfirmationTTL <= 0 {
		deps.ConfirmationTTL = DefaultConfirmationTTL
	}
	tabs := make(map[Kind]*form.Machine, len(Kinds))
	for _, k := range Kinds {
		tabs[k] = &form.Machine{}
	}
	return &Console{
		deps:    deps,
		logger:  deps.Logger.With(zap.String("component", "admin")),
		tabs:    tabs,
		pending: make(map[string]Confirmation),
	}
}

// Mount loads every list and the stats
func (c *Console) Mount(ctx context.Context) {
	c.refresh(ctx, Kinds...)
}

// Refresh reloads the given lists, or all of them, plus the stats
func (c *Console) Refresh(ctx context.Context, kinds ...Kind) {
	if len(kinds) == 0 {
		kinds = Kinds
	}
	c.refresh(ctx, kinds...)
}

// refresh reloads the lists of kinds and the stats concurrently. A failed
// load keeps the previous list.
func (c *Console) refresh(ctx context.Context, kinds ...Kind) {
	var g errgroup.Group
	for _, k := range kinds {
		g.Go(func() error {
			if err := c.load(ctx, k); err != nil {
				c.logger.Warn("failed to load list", zap.String("kind", string(k)), zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		stats, err := c.deps.Gateway.Stats(ctx)
		if err != nil {
			c.logger.Warn("failed to load stats", zap.Error(err))
			return nil
		}
		c.mu.Lock()
		c.stats = stats
		c.mu.Unlock()
		return nil
	})
	_ = g.Wait()
}

func (c *Console) load(ctx context.Context, k Kind) error {
	switch k {
	case KindStaff:
		list, err := c.deps.Gateway.ListStaff(ctx)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.staff = list
		c.mu.Unlock()
	case KindDoctor:
		list, err := c.deps.Gateway.ListDoctors(ctx, "")
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.doctors = list
		c.mu.Unlock()
	case KindDepartment:
		list, err := c.deps.Gateway.ListDepartments(ctx)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.departments = list
		c.mu.Unlock()
	case KindTest:
		list, err := c.deps.Gateway.ListAllTests(ctx)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.tests = list
		c.mu.Unlock()
	default:
		return ErrUnknownKind
	}
	return nil
}

// mutate runs one upstream mutation under the lifecycle of tab k. On
// success the notice is ok and the given lists plus stats are reloaded.
func (c *Console) mutate(ctx context.Context, k Kind, ok, fallback string, serverMessage bool, call func(context.Context) error, reload ...Kind) error {
	m := c.tabs[k]
	if err := m.Begin(); err != nil {
		return err
	}
	if err := call(ctx); err != nil {
		msg := fallback
		if serverMessage {
			msg = form.MessageOf(err, fallback)
		}
		m.Fail(msg)
		c.deps.Metrics.SubmissionFailed("admin_" + string(k))
		c.logger.Warn("admin mutation failed", zap.String("kind", string(k)), zap.Error(err))
		return err
	}
	m.Succeed(ok)
	c.refresh(ctx, reload...)
	return nil
}

func aggregateOf(k Kind) string {
	switch k {
	case KindStaff:
		return audit.AggregateStaff
	case KindDoctor:
		return audit.AggregateDoctor
	case KindDepartment:
		return audit.AggregateDepartment
	default:
		return audit.AggregateTest
	}
}

func (c *Console) emit(ctx context.Context, k Kind, t audit.EventType, data audit.RecordData) {
	audit.Emit(ctx, c.deps.Recorder, c.logger, aggregateOf(k), data.RecordID, t, data)
}

// CreateStaff adds a console user. The role defaults to Doctor.
func (c *Console) CreateStaff(ctx context.Context, in NewStaff) error {
	if err := in.normalize(); err != nil {
		return err
	}
	var id common.ID
	err := c.mutate(ctx, KindStaff, MsgStaffCreated, MsgFailed, true, func(ctx context.Context) (err error) {
		id, err = c.deps.Gateway.CreateStaff(ctx, in)
		return err
	}, KindStaff)
	if err != nil {
		return err
	}
	c.emit(ctx, KindStaff, audit.EventRecordCreated, audit.RecordData{RecordID: id.String(), Name: in.Name, Status: in.Role})
	return nil
}

// CreateDoctor adds a doctor, optionally attached to a department
func (c *Console) CreateDoctor(ctx context.Context, in NewDoctor) error {
	if err := in.normalize(); err != nil {
		return err
	}
	if !in.DepartmentID.IsZero() && !c.hasDepartment(in.DepartmentID) {
		return form.Invalid("department_id", "Unknown department")
	}
	var id common.ID
	err := c.mutate(ctx, KindDoctor, MsgDoctorCreated, MsgFailed, true, func(ctx context.Context) (err error) {
		id, err = c.deps.Gateway.CreateDoctor(ctx, in)
		return err
	}, KindDoctor)
	if err != nil {
		return err
	}
	c.emit(ctx, KindDoctor, audit.EventRecordCreated, audit.RecordData{RecordID: id.String(), Name: in.Name})
	return nil
}

func (c *Console) hasDepartment(id common.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.departments {
		if d.ID == id {
			return true
		}
	}
	return false
}

// CreateDepartment adds a department
func (c *Console) CreateDepartment(ctx context.Context, in NewDepartment) error {
	if err := in.normalize(); err != nil {
		return err
	}
	var id common.ID
	err := c.mutate(ctx, KindDepartment, MsgDepartmentCreated, MsgFailed, true, func(ctx context.Context) (err error) {
		id, err = c.deps.Gateway.CreateDepartment(ctx, in)
		return err
	}, KindDepartment)
	if err != nil {
		return err
	}
	c.emit(ctx, KindDepartment, audit.EventRecordCreated, audit.RecordData{RecordID: id.String(), Name: in.Name})
	return nil
}

// BeginEdit puts the test form into edit mode for id and returns the
// values to prefill
func (c *Console) BeginEdit(id common.ID) (TestInput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.tests {
		if t.ID == id {
			edit := id
			c.editing = &edit
			return TestInput{Name: t.Name, Rate: t.Rate}, nil
		}
	}
	return TestInput{}, fmt.Errorf("%w: test %s", ErrRecordNotFound, id)
}

// CancelEdit returns the test form to create mode
func (c *Console) CancelEdit() {
	c.mu.Lock()
	c.editing = nil
	c.mu.Unlock()
}

// Editing returns the test under edit, if any
func (c *Console) Editing() (common.ID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.editing == nil {
		return "", false
	}
	return *c.editing, true
}

// SaveTest updates the test under edit, or creates a new test when the
// form is in create mode. A successful update leaves edit mode.
func (c *Console) SaveTest(ctx context.Context, in TestInput) error {
	if err := in.normalize(); err != nil {
		return err
	}
	editID, editing := c.Editing()
	if editing {
		err := c.mutate(ctx, KindTest, MsgTestUpdated, MsgFailed, true, func(ctx context.Context) error {
			return c.deps.Gateway.UpdateTest(ctx, editID, in)
		}, KindTest)
		if err != nil {
			return err
		}
		c.mu.Lock()
		if c.editing != nil && *c.editing == editID {
			c.editing = nil
		}
		c.mu.Unlock()
		c.emit(ctx, KindTest, audit.EventRecordUpdated, audit.RecordData{RecordID: editID.String(), Name: in.Name})
		return nil
	}

	var id common.ID
	err := c.mutate(ctx, KindTest, MsgTestAdded, MsgFailed, true, func(ctx context.Context) (err error) {
		id, err = c.deps.Gateway.CreateTest(ctx, in)
		return err
	}, KindTest)
	if err != nil {
		return err
	}
	c.emit(ctx, KindTest, audit.EventRecordCreated, audit.RecordData{RecordID: id.String(), Name: in.Name})
	return nil
}

// ToggleTest flips a test between active and inactive without deleting it
func (c *Console) ToggleTest(ctx context.Context, id common.ID) error {
	test, ok := c.findTest(id)
	if !ok {
		return fmt.Errorf("%w: test %s", ErrRecordNotFound, id)
	}
	err := c.mutate(ctx, KindTest, MsgTestToggled, MsgToggleFailed, false, func(ctx context.Context) error {
		return c.deps.Gateway.ToggleTestStatus(ctx, id)
	}, KindTest)
	if err != nil {
		return err
	}
	next := test.Status
	if next == "" {
		next = catalog.StatusActive
	}
	c.emit(ctx, KindTest, audit.EventTestStatusToggled, audit.RecordData{
		RecordID: id.String(),
		Name:     test.Name,
		Status:   string(next.Toggled()),
	})
	return nil
}

func (c *Console) findTest(id common.ID) (catalog.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.tests {
		if t.ID == id {
			return t, true
		}
	}
	return catalog.Entry{}, false
}

// nameOf looks up the display name of a listed record
func (c *Console) nameOf(k Kind, id common.ID) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch k {
	case KindStaff:
		for _, s := range c.staff {
			if s.ID == id {
				return s.Name, true
			}
		}
	case KindDoctor:
		for _, d := range c.doctors {
			if d.ID == id {
				return d.Name, true
			}
		}
	case KindDepartment:
		for _, d := range c.departments {
			if d.ID == id {
				return d.Name, true
			}
		}
	case KindTest:
		for _, t := range c.tests {
			if t.ID == id {
				return t.Name, true
			}
		}
	}
	return "", false
}

// RequestDelete records the intent to delete a listed record and returns
// the token that must be confirmed. No request is sent.
func (c *Console) RequestDelete(k Kind, id common.ID) (Confirmation, error) {
	if _, err := ParseKind(string(k)); err != nil {
		return Confirmation{}, err
	}
	name, ok := c.nameOf(k, id)
	if !ok {
		return Confirmation{}, fmt.Errorf("%w: %s %s", ErrRecordNotFound, k, id)
	}
	conf := Confirmation{
		Token:     uuid.New().String(),
		Kind:      k,
		ID:        id,
		Name:      name,
		ExpiresAt: c.deps.Now().Add(c.deps.ConfirmationTTL),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune()
	c.pending[conf.Token] = conf
	return conf, nil
}

// prune drops expired confirmations. Caller holds c.mu.
func (c *Console) prune() {
	now := c.deps.Now()
	for token, conf := range c.pending {
		if now.After(conf.ExpiresAt) {
			delete(c.pending, token)
		}
	}
}

func (c *Console) take(token string) (Confirmation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prune()
	conf, ok := c.pending[token]
	if !ok {
		return Confirmation{}, ErrConfirmationNotFound
	}
	delete(c.pending, token)
	return conf, nil
}

// CancelDelete discards a pending confirmation
func (c *Console) CancelDelete(token string) error {
	_, err := c.take(token)
	return err
}

// ConfirmDelete performs the delete approved by token and reloads the
// affected lists and the stats
func (c *Console) ConfirmDelete(ctx context.Context, token string) error {
	conf, err := c.take(token)
	if err != nil {
		return err
	}
	reload := []Kind{conf.Kind}
	if conf.Kind == KindDepartment {
		reload = append(reload, KindDoctor)
	}
	err = c.mutate(ctx, conf.Kind, MsgDeleted, MsgDeleteFailed, false, func(ctx context.Context) error {
		return c.deps.Gateway.Delete(ctx, conf.Kind, conf.ID)
	}, reload...)
	if err != nil {
		return err
	}
	if conf.Kind == KindTest {
		c.mu.Lock()
		if c.editing != nil && *c.editing == conf.ID {
			c.editing = nil
		}
		c.mu.Unlock()
	}
	c.emit(ctx, conf.Kind, audit.EventRecordDeleted, audit.RecordData{RecordID: conf.ID.String(), Name: conf.Name})
	return nil
}

// Snapshot returns the console state
func (c *Console) Snapshot() Snapshot {
	status := make(map[Kind]form.Status, len(c.tabs))
	for k, m := range c.tabs {
		status[k] = m.Status()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		Stats:       c.stats,
		Staff:       append([]Staff{}, c.staff...),
		Doctors:     append([]visit.Doctor{}, c.doctors...),
		Departments: append([]visit.Department{}, c.departments...),
		Tests:       append([]catalog.Entry{}, c.tests...),
		Status:      status,
		Pending:     make([]Confirmation, 0, len(c.pending)),
	}
	if c.editing != nil {
		id := *c.editing
		s.EditingTest = &id
	}
	for _, conf := range c.pending {
		s.Pending = append(s.Pending, conf)
	}
	return s
}

// DepartmentName resolves the label shown for a doctor's department
func (c *Console) DepartmentName(id common.ID) string {
	if id.IsZero() {
		return NoDepartmentLabel
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.departments {
		if d.ID == id {
			return d.Name
		}
	}
	return id.String()
}
