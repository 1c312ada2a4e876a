// Package audit defines the audit events emitted by console mutations and
// the recorders that persist or log them.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType represents the type of audit event
type EventType string

const (
	EventPatientRegistered EventType = "PatientRegistered"
	EventPatientUpdated    EventType = "PatientUpdated"
	EventVisitRegistered   EventType = "VisitRegistered"
	EventRecordCreated     EventType = "RecordCreated"
	EventRecordUpdated     EventType = "RecordUpdated"
	EventRecordDeleted     EventType = "RecordDeleted"
	EventTestStatusToggled EventType = "TestStatusToggled"
	EventSessionStarted    EventType = "SessionStarted"
	EventSessionEnded      EventType = "SessionEnded"
)

// Aggregate types carried on events
const (
	AggregatePatient    = "Patient"
	AggregateVisit      = "Visit"
	AggregateStaff      = "Staff"
	AggregateDoctor     = "Doctor"
	AggregateDepartment = "Department"
	AggregateTest       = "InvestigationTest"
	AggregateSession    = "Session"
)

// Event is one audit record
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	ActorID       string          `json:"actor_id,omitempty"`
	ActorName     string          `json:"actor_name,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateType, aggregateID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// WithContext copies the actor and correlation id found in ctx
func (e *Event) WithContext(ctx context.Context) *Event {
	if a, ok := ActorFrom(ctx); ok {
		e.ActorID = a.ID
		e.ActorName = a.Name
	}
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		e.CorrelationID = id
	}
	return e
}

// VisitRegisteredData contains visit registration details
type VisitRegisteredData struct {
	VisitID     string  `json:"visit_id"`
	VisitType   string  `json:"visit_type"`
	PatientID   string  `json:"patient_id"`
	DoctorID    string  `json:"doctor_id,omitempty"`
	VisitDate   string  `json:"visit_date"`
	TotalAmount float64 `json:"total_amount"`
	LineCount   int     `json:"investigation_count"`
}

// PatientData contains patient registration or update details
type PatientData struct {
	PatientID string `json:"patient_id"`
	Name      string `json:"name"`
}

// RecordData describes an admin mutation
type RecordData struct {
	RecordID string `json:"record_id"`
	Name     string `json:"name,omitempty"`
	Status   string `json:"status,omitempty"`
}

// Actor is the logged-in user performing a mutation
type Actor struct {
	ID   string
	Name string
}

type actorKey struct{}
type correlationKey struct{}

// WithActor stores the actor in ctx
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the actor stored in ctx
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}

// WithCorrelationID stores a request id in ctx
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// Recorder persists audit events
type Recorder interface {
	Record(ctx context.Context, e *Event) error
}

// Emit builds an event and hands it to r. Failures are logged; an audit
// failure never fails the mutation that produced it.
func Emit(ctx context.Context, r Recorder, logger *zap.Logger, aggregateType, aggregateID string, eventType EventType, data interface{}) {
	if r == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e, err := NewEvent(aggregateType, aggregateID, eventType, data)
	if err != nil {
		logger.Warn("failed to build audit event", zap.String("event_type", string(eventType)), zap.Error(err))
		return
	}
	e.WithContext(ctx)
	if err := r.Record(ctx, e); err != nil {
		logger.Warn("failed to record audit event",
			zap.String("event_type", string(eventType)),
			zap.String("aggregate_id", aggregateID),
			zap.Error(err))
	}
}

// LogRecorder writes events to the log only
type LogRecorder struct {
	logger *zap.Logger
}

// NewLogRecorder creates a recorder that logs every event at info level
func NewLogRecorder(logger *zap.Logger) *LogRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogRecorder{logger: logger}
}

// Record logs e
func (r *LogRecorder) Record(_ context.Context, e *Event) error {
	r.logger.Info("audit",
		zap.String("event_id", e.ID),
		zap.String("event_type", string(e.EventType)),
		zap.String("aggregate_type", e.AggregateType),
		zap.String("aggregate_id", e.AggregateID),
		zap.String("actor_id", e.ActorID),
		zap.String("correlation_id", e.CorrelationID))
	return nil
}

// Memory collects events in memory
type Memory struct {
	mu     sync.Mutex
	events []*Event
}

// Record appends e
func (m *Memory) Record(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

// Events returns the recorded events in order
func (m *Memory) Events() []*Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Event(nil), m.events...)
}

// Types returns the recorded event types in order
func (m *Memory) Types() []EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EventType, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.EventType)
	}
	return out
}
