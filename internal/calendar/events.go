// Package calendar derives dated events from contract records and exports them as iCalendar.
package calendar

import (
	"sort"

	"github.com/local/renewalcal/internal/contract"
)

// Kind identifies which contract date an event represents.
type Kind string

const (
	KindNoticeDeadline Kind = "notice_deadline"
	KindRenewalDate    Kind = "renewal_date"
	KindExpiration     Kind = "expiration"
)

// Event is a derived calendar entry. It is rebuilt from records on every read.
type Event struct {
	ID         string        `json:"id"`
	ContractID string        `json:"contract_id"`
	Date       contract.Date `json:"date"`
	Kind       Kind          `json:"kind"`
	Title      string        `json:"title"`
	Subtitle   string        `json:"subtitle"`
}

var kinds = []struct {
	kind     Kind
	label    string
	subtitle string
	date     func(*contract.Record) *contract.Date
}{
	{KindNoticeDeadline, "Notice Deadline", "Last day to provide renewal notice", func(r *contract.Record) *contract.Date { return r.NoticeDeadline }},
	{KindRenewalDate, "Renewal Date", "Contract renewal date", func(r *contract.Record) *contract.Date { return r.RenewalDate }},
	{KindExpiration, "Expiration", "Contract expiration date", func(r *contract.Record) *contract.Date { return r.EndDate }},
}

// EventsFor returns one event per known date of r, in notice, renewal, expiration order.
func EventsFor(r *contract.Record) []Event {
	if r == nil {
		return nil
	}
	name := r.DisplayName
	if name == "" {
		name = r.FileName
	}
	var out []Event
	for _, k := range kinds {
		d := k.date(r)
		if d == nil {
			continue
		}
		out = append(out, Event{
			ID:         string(k.kind) + "_" + r.ID,
			ContractID: r.ID,
			Date:       *d,
			Kind:       k.kind,
			Title:      name + " - " + k.label,
			Subtitle:   k.subtitle,
		})
	}
	return out
}

// BuildEvents collects the events of every record.
func BuildEvents(records []*contract.Record) []Event {
	var out []Event
	for _, r := range records {
		out = append(out, EventsFor(r)...)
	}
	return out
}

// Sort orders events by date, then contract id, then kind.
func Sort(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if c := a.Date.Compare(b.Date); c != 0 {
			return c < 0
		}
		if a.ContractID != b.ContractID {
			return a.ContractID < b.ContractID
		}
		return kindRank(a.Kind) < kindRank(b.Kind)
	})
}

func kindRank(k Kind) int {
	for i, kk := range kinds {
		if kk.kind == k {
			return i
		}
	}
	return len(kinds)
}
