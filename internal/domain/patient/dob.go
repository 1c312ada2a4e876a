package patient

import (
	"errors"
	"strings"
	"time"
)

// Calendar names a date representation
type Calendar string

const (
	CalendarBS Calendar = "bs"
	CalendarAD Calendar = "ad"
)

const isoDate = "2006-01-02"

// ErrConversionUnsupported is returned by the default converter
var ErrConversionUnsupported = errors.New("calendar conversion not configured")

// ErrUnknownCalendar is returned for a calendar other than bs or ad
var ErrUnknownCalendar = errors.New("unknown calendar")

// DateConverter converts between Bikram Sambat and Gregorian dates.
// BS dates are "YYYY-MM-DD" strings.
type DateConverter interface {
	BSToAD(bs string) (time.Time, error)
	ADToBS(ad time.Time) (string, error)
}

// NoConverter leaves the other field untouched on every edit
type NoConverter struct{}

func (NoConverter) BSToAD(string) (time.Time, error)  { return time.Time{}, ErrConversionUnsupported }
func (NoConverter) ADToBS(time.Time) (string, error) { return "", ErrConversionUnsupported }

// DualDate keeps a date of birth in both calendars. AD is the date of
// record; BS is derived for display. A failed conversion never clears the
// field that was not edited.
type DualDate struct {
	BS string `json:"dob_bs"`
	AD string `json:"dob_ad"`
}

// SetBS stores bs and, once it is a full ten-character date, derives AD
func (d *DualDate) SetBS(conv DateConverter, bs string) error {
	d.BS = bs
	if len(bs) != 10 {
		return nil
	}
	t, err := conv.BSToAD(strings.ReplaceAll(bs, "/", "-"))
	if err != nil {
		return err
	}
	d.AD = t.Format(isoDate)
	return nil
}

// SetAD stores ad and derives BS when ad is a valid date
func (d *DualDate) SetAD(conv DateConverter, ad string) error {
	d.AD = ad
	if ad == "" {
		return nil
	}
	t, err := time.Parse(isoDate, ad)
	if err != nil {
		return err
	}
	bs, err := conv.ADToBS(t)
	if err != nil {
		return err
	}
	d.BS = bs
	return nil
}

// Set edits the field for calendar
func (d *DualDate) Set(conv DateConverter, cal Calendar, value string) error {
	switch cal {
	case CalendarBS:
		return d.SetBS(conv, value)
	case CalendarAD:
		return d.SetAD(conv, value)
	default:
		return ErrUnknownCalendar
	}
}
