// Package form implements the submission lifecycle shared by every console
// form: editing, submitting, and a success or failure result.
package form

import (
	"errors"
	"fmt"
	"sync"
)

// Phase is the observable lifecycle phase of a form
type Phase string

const (
	PhaseEditing    Phase = "editing"
	PhaseSubmitting Phase = "submitting"
	PhaseResult     Phase = "result"
)

// Outcome classifies the notice shown on a form
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Notice is the form-level message shown after a submission
type Notice struct {
	Outcome Outcome `json:"type"`
	Text    string  `json:"text"`
}

// ErrSubmitting is returned when a submit is attempted while one is in flight
var ErrSubmitting = errors.New("submission already in progress")

// ValidationError is raised before any request is sent
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Invalid builds a ValidationError
func Invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidation reports whether err is a validation error
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// UserMessager is implemented by errors that carry a message meant for the
// person filling in the form
type UserMessager interface {
	UserMessage() string
}

// MessageOf returns the user-facing message carried by err, or fallback
func MessageOf(err error, fallback string) string {
	var um UserMessager
	if errors.As(err, &um) {
		if msg := um.UserMessage(); msg != "" {
			return msg
		}
	}
	return fallback
}

// Status is a snapshot of a Machine
type Status struct {
	Phase  Phase   `json:"phase"`
	Notice *Notice `json:"notice,omitempty"`
}

// Machine tracks the lifecycle of one form. The zero value is a form in
// the editing phase.
//
// editing -> submitting on Begin
// submitting -> result on Succeed
// submitting -> editing on Fail, keeping field values and showing the message
// result -> editing on the next Touch
type Machine struct {
	mu     sync.Mutex
	phase  Phase
	notice *Notice
}

// Begin moves the form into the submitting phase
func (m *Machine) Begin() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase == PhaseSubmitting {
		return ErrSubmitting
	}
	m.phase = PhaseSubmitting
	m.notice = nil
	return nil
}

// Succeed records a successful submission
func (m *Machine) Succeed(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = PhaseResult
	m.notice = &Notice{Outcome: OutcomeSuccess, Text: text}
}

// Fail returns the form to editing and shows text
func (m *Machine) Fail(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = PhaseEditing
	m.notice = &Notice{Outcome: OutcomeFailure, Text: text}
}

// Touch marks a field edit. A form showing a result goes back to editing.
// It reports false while a submission is in flight.
func (m *Machine) Touch() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.phase {
	case PhaseSubmitting:
		return false
	case PhaseResult:
		m.phase = PhaseEditing
	}
	return true
}

// Reset returns the form to editing with no notice
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = PhaseEditing
	m.notice = nil
}

// Submitting reports whether a submission is in flight
func (m *Machine) Submitting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase == PhaseSubmitting
}

// Status returns the current phase and notice
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	phase := m.phase
	if phase == "" {
		phase = PhaseEditing
	}
	var notice *Notice
	if m.notice != nil {
		n := *m.notice
		notice = &n
	}
	return Status{Phase: phase, Notice: notice}
}
