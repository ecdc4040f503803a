package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/local/renewalcal/internal/calendar"
	"github.com/local/renewalcal/internal/mailer"
)

func (s *Server) events(r *http.Request) ([]calendar.Event, error) {
	recs, err := s.deps.Store.List(r.Context())
	if err != nil {
		return nil, err
	}
	return calendar.BuildEvents(recs), nil
}

func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	events, err := s.events(r)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	if events == nil {
		events = []calendar.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// reminderDays picks the request value, falling back to the configured default.
func (s *Server) reminderDays(v *int) *int {
	if v != nil {
		return v
	}
	if s.opts.DefaultReminderDays > 0 {
		d := s.opts.DefaultReminderDays
		return &d
	}
	return nil
}

func (s *Server) serialize(events []calendar.Event, days *int) []byte {
	return calendar.Serialize(events, calendar.Options{
		ReminderDays: s.reminderDays(days),
		CalendarName: s.opts.CalendarName,
	})
}

var reminderMessage = fmt.Sprintf("reminder_days must be an integer between 0 and %d", calendar.MaxReminderDays)

func validReminder(n int) bool { return n >= 0 && n <= calendar.MaxReminderDays }

func (s *Server) handleICS(w http.ResponseWriter, r *http.Request) {
	var days *int
	if raw := r.URL.Query().Get("reminder_days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || !validReminder(n) {
			writeError(w, http.StatusUnprocessableEntity, reminderMessage)
			return
		}
		days = &n
	}
	events, err := s.events(r)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename="+mailer.AttachmentName)
	_, _ = w.Write(s.serialize(events, days))
}

type emailRequest struct {
	To           []string `json:"to"`
	ReminderDays *int     `json:"reminder_days"`
}

func (s *Server) handleEmail(w http.ResponseWriter, r *http.Request) {
	if s.deps.Mailer == nil {
		writeError(w, http.StatusServiceUnavailable, "Email is not configured")
		return
	}
	var req emailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Invalid body: "+err.Error())
		return
	}
	if req.ReminderDays != nil && !validReminder(*req.ReminderDays) {
		writeError(w, http.StatusUnprocessableEntity, reminderMessage)
		return
	}
	events, err := s.events(r)
	if err != nil {
		writeInternal(w, r, err)
		return
	}
	ics := s.serialize(events, req.ReminderDays)
	if err := s.deps.Mailer.SendCalendar(r.Context(), req.To, ics); err != nil {
		if errors.Is(err, mailer.ErrNoRecipients) || isAddressError(err) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		log.Error().Err(err).Int("recipients", len(req.To)).Msg("calendar email failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info().Int("recipients", len(req.To)).Int("events", len(events)).Msg("calendar emailed")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func isAddressError(err error) bool {
	var ae *mailer.AddressError
	return errors.As(err, &ae)
}
