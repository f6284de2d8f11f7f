// Package followup books follow-up examinations for lesions selected in an
// analysis. The clinic runs fixed half-hour slots in a morning and an
// afternoon block.
package followup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSlotNotFound        = errors.New("slot not found")
	ErrSlotAlreadyBooked   = errors.New("slot is already booked")
	ErrMissingPatientID    = errors.New("patientId is required")
	ErrMissingRegions      = errors.New("at least one region is required")
	ErrDateInPast          = errors.New("date is in the past")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrWrongPatient        = errors.New("patient is not authorized to access this appointment")
)

// DateLayout is the wire format of a booking date.
const DateLayout = "2006-01-02"

// SlotDuration is the length of every slot.
const SlotDuration = 30 * time.Minute

type block struct{ startHour, endHour int }

// 09:00-11:30 and 14:00-16:30 starts.
var clinicBlocks = []block{{9, 12}, {14, 17}}

// Slot is one bookable start time on a day.
type Slot struct {
	Time   string    `json:"time"`
	Label  string    `json:"label"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Status string    `json:"status"`
}

// Appointment is a booked follow-up.
type Appointment struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	PatientID  string    `json:"patientId"`
	AnalysisID *int64    `json:"analysisId,omitempty"`
	RegionIDs  []string  `json:"regionIds"`
	Reason     string    `json:"reason,omitempty"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	CreatedAt  time.Time `json:"createdAt"`
}

// BookingRequest asks for one slot for a set of lesions.
type BookingRequest struct {
	PatientID  string   `json:"patientId"`
	AnalysisID *int64   `json:"analysisId,omitempty"`
	RegionIDs  []string `json:"regionIds"`
	Date       string   `json:"date"`
	Slot       string   `json:"slot"`
	Reason     string   `json:"reason,omitempty"`
}

// SlotTimes lists the start times of a clinic day as "15:04".
func SlotTimes() []string {
	var out []string
	for _, b := range clinicBlocks {
		for m := b.startHour * 60; m < b.endHour*60; m += int(SlotDuration / time.Minute) {
			out = append(out, fmt.Sprintf("%02d:%02d", m/60, m%60))
		}
	}
	return out
}

// Scheduler is an in-memory slot book. It never double-books a start time.
type Scheduler struct {
	mu           sync.RWMutex
	loc          *time.Location
	now          func() time.Time
	appointments map[string]*Appointment
	slotBookings map[string]string // slot start (RFC 3339) -> appointment id
}

// NewScheduler returns a scheduler for a clinic in loc. A nil loc means UTC.
func NewScheduler(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		loc:          loc,
		now:          time.Now,
		appointments: make(map[string]*Appointment),
		slotBookings: make(map[string]string),
	}
}

// ParseDate parses a booking date in the clinic's location.
func (s *Scheduler) ParseDate(date string) (time.Time, error) {
	d, err := time.ParseInLocation(DateLayout, date, s.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", date, err)
	}
	return d, nil
}

// AvailableSlots lists the day's slots with status "free" or "busy". Days
// before today have no slots.
func (s *Scheduler) AvailableSlots(_ context.Context, day time.Time) ([]Slot, error) {
	if s.beforeToday(day) {
		return nil, ErrDateInPast
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Slot
	for _, t := range SlotTimes() {
		start, _ := s.slotStart(day, t)
		status := "free"
		if _, booked := s.slotBookings[start.Format(time.RFC3339)]; booked {
			status = "busy"
		}
		out = append(out, Slot{
			Time:   t,
			Label:  start.Format("03:04 PM"),
			Start:  start,
			End:    start.Add(SlotDuration),
			Status: status,
		})
	}
	return out, nil
}

// Book reserves a slot for the given regions.
func (s *Scheduler) Book(_ context.Context, req BookingRequest) (*Appointment, error) {
	if strings.TrimSpace(req.PatientID) == "" {
		return nil, ErrMissingPatientID
	}
	if len(req.RegionIDs) == 0 {
		return nil, ErrMissingRegions
	}
	day, err := s.ParseDate(req.Date)
	if err != nil {
		return nil, err
	}
	if s.beforeToday(day) {
		return nil, ErrDateInPast
	}
	start, ok := s.slotStart(day, req.Slot)
	if !ok {
		return nil, fmt.Errorf("%q: %w", req.Slot, ErrSlotNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := start.Format(time.RFC3339)
	if _, booked := s.slotBookings[key]; booked {
		return nil, ErrSlotAlreadyBooked
	}
	appt := &Appointment{
		ID:         uuid.New().String(),
		Status:     "booked",
		PatientID:  req.PatientID,
		AnalysisID: req.AnalysisID,
		RegionIDs:  append([]string(nil), req.RegionIDs...),
		Reason:     req.Reason,
		Start:      start,
		End:        start.Add(SlotDuration),
		CreatedAt:  s.now().UTC(),
	}
	s.appointments[appt.ID] = appt
	s.slotBookings[key] = appt.ID

	out := *appt
	return &out, nil
}

// Cancel frees the appointment's slot.
func (s *Scheduler) Cancel(_ context.Context, id, patientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	appt, ok := s.appointments[id]
	if !ok {
		return ErrAppointmentNotFound
	}
	if appt.PatientID != patientID {
		return ErrWrongPatient
	}
	if appt.Status == "cancelled" {
		return nil
	}
	appt.Status = "cancelled"
	delete(s.slotBookings, appt.Start.Format(time.RFC3339))
	return nil
}

// List returns the patient's appointments by start time.
func (s *Scheduler) List(_ context.Context, patientID string) []Appointment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Appointment{}
	for _, a := range s.appointments {
		if a.PatientID == patientID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

func (s *Scheduler) slotStart(day time.Time, hhmm string) (time.Time, bool) {
	for _, t := range SlotTimes() {
		if t != hhmm {
			continue
		}
		var h, m int
		fmt.Sscanf(t, "%d:%d", &h, &m)
		y, mo, d := day.Date()
		return time.Date(y, mo, d, h, m, 0, 0, s.loc), true
	}
	return time.Time{}, false
}

func (s *Scheduler) beforeToday(day time.Time) bool {
	now := s.now().In(s.loc)
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, s.loc)
	dy, dm, dd := day.In(s.loc).Date()
	return time.Date(dy, dm, dd, 0, 0, 0, 0, s.loc).Before(today)
}
