// Package billing models the charge lines of a visit and the invoice printed for it.
package billing

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/clinicdesk/opd-console/internal/domain/common"
)

var (
	// ErrLineNotFound is returned when no line carries the requested test id
	ErrLineNotFound = errors.New("investigation line not found")
	// ErrDuplicateLine is returned when a test is already selected
	ErrDuplicateLine = errors.New("investigation already selected")
)

// Amount is a monetary value in the clinic currency.
// The HMS API sends amounts both as numbers and as decimal strings.
type Amount float64

// Float returns the amount as float64
func (a Amount) Float() float64 { return float64(a) }

// UnmarshalJSON accepts numbers, numeric strings, empty strings and null.
func (a *Amount) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*a = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*a = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("decode amount %q: %w", s, err)
		}
		*a = Amount(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("decode amount: %w", err)
	}
	*a = Amount(f)
	return nil
}

// Quantity is the number of units billed on a line. It is never below 1.
type Quantity int

// UnmarshalJSON accepts numbers or strings and coerces them with ParseQuantity.
func (q *Quantity) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*q = Quantity(ParseQuantity(s))
		return nil
	}
	*q = Quantity(ParseQuantity(string(data)))
	return nil
}

// ParseQuantity reads the leading integer of raw. Input without a leading
// integer, or an integer below 1, yields 1.
func ParseQuantity(raw string) int {
	s := strings.TrimSpace(raw)
	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return 1
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// InvestigationLine is one selected test on a visit.
type InvestigationLine struct {
	TestID   common.ID `json:"test_id"`
	Name     string    `json:"test_name"`
	Rate     Amount    `json:"rate"`
	Quantity Quantity  `json:"quantity"`
}

// Subtotal returns rate x quantity
func (l InvestigationLine) Subtotal() float64 {
	return float64(l.Rate) * float64(l.Quantity)
}

// Lines is the single owned list of investigation lines for one form.
// Callers mutate it only through its methods.
type Lines struct {
	mu    sync.RWMutex
	items []InvestigationLine
}

// NewLines creates an empty line list
func NewLines() *Lines {
	return &Lines{}
}

// Add appends a line. A quantity below 1 is stored as 1.
func (l *Lines) Add(line InvestigationLine) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.indexOf(line.TestID) >= 0 {
		return ErrDuplicateLine
	}
	if line.Quantity < 1 {
		line.Quantity = 1
	}
	l.items = append(l.items, line)
	return nil
}

// Remove deletes the line for testID
func (l *Lines) Remove(testID common.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.indexOf(testID)
	if i < 0 {
		return ErrLineNotFound
	}
	l.items = append(l.items[:i], l.items[i+1:]...)
	return nil
}

// SetQuantity parses raw and stores it on the line for testID.
// It returns the effective quantity.
func (l *Lines) SetQuantity(testID common.ID, raw string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.indexOf(testID)
	if i < 0 {
		return 0, ErrLineNotFound
	}
	qty := ParseQuantity(raw)
	l.items[i].Quantity = Quantity(qty)
	return qty, nil
}

// Has reports whether testID is selected
func (l *Lines) Has(testID common.ID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.indexOf(testID) >= 0
}

// Items returns a copy of the lines in selection order
func (l *Lines) Items() []InvestigationLine {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]InvestigationLine, len(l.items))
	copy(out, l.items)
	return out
}

// Len returns the number of lines
func (l *Lines) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Total returns the sum of all line subtotals
func (l *Lines) Total() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var sum float64
	for _, item := range l.items {
		sum += item.Subtotal()
	}
	return sum
}

// Reset removes every line
func (l *Lines) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = nil
}

func (l *Lines) indexOf(testID common.ID) int {
	for i, item := range l.items {
		if item.TestID == testID {
			return i
		}
	}
	return -1
}

// FixedCharge is a named flat charge such as the registration fee.
type FixedCharge struct {
	Description string `json:"description"`
	Amount      Amount `json:"amount"`
}

// VisitTotal is the registration charge plus the consultation charge plus
// every investigation subtotal.
func VisitTotal(registration, consultation Amount, lines []InvestigationLine) float64 {
	total := float64(registration) + float64(consultation)
	for _, line := range lines {
		total += line.Subtotal()
	}
	return total
}
